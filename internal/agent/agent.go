// SPDX-License-Identifier: MPL-2.0

// Package agent is the in-container side of giftwrap. It runs as PID 1,
// consumes the InternalSpec handed over by the host launcher, materializes
// the host user, applies environment deltas, restores persisted state and
// finally exec-replaces itself with the user command.
package agent

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/sudonym1/giftwrap/internal/internalspec"
	"github.com/sudonym1/giftwrap/internal/persistenv"
)

// ErrUsage is returned for unusable agent arguments.
var ErrUsage = errors.New("agent usage error")

// specFD is the inherited descriptor carrying the InternalSpec.
const specFD = 3

// Run executes the agent state machine. It only returns on error: on
// success the process is replaced by the user command.
func Run(args []string) error {
	spec, err := loadSpec(args)
	if err != nil {
		return err
	}
	return runSpec(spec)
}

func loadSpec(args []string) (*internalspec.Spec, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%w: expected --spec-fd=3 or --spec-file=<path>", ErrUsage)
	}
	switch {
	case args[0] == "--spec-fd=3":
		f := os.NewFile(specFD, "internal-spec")
		if f == nil {
			return nil, fmt.Errorf("%w: fd %d is not open", ErrUsage, specFD)
		}
		defer f.Close()
		return internalspec.Decode(f)
	case strings.HasPrefix(args[0], "--spec-file="):
		path := strings.TrimPrefix(args[0], "--spec-file=")
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("read internal spec %s: %w", path, err)
		}
		defer f.Close()
		return internalspec.Decode(f)
	}
	return nil, fmt.Errorf("%w: unknown argument %q", ErrUsage, args[0])
}

func runSpec(spec *internalspec.Spec) error {
	// User setup happens before the privilege drop; on immutable images
	// it degrades to env-only identity.
	if err := setupUser(spec); err != nil {
		warnf("user setup degraded: %v", err)
	}

	env := baseEnv()
	env = internalspec.ApplyDeltas(env, spec.Env)
	env = setAll(env, internalspec.Pair{Name: "HOME", Value: spec.Home},
		internalspec.Pair{Name: "USER", Value: spec.Username},
		internalspec.Pair{Name: "LOGNAME", Value: spec.Username},
		internalspec.Pair{Name: "PWD", Value: spec.Workdir})
	if spec.Terminfo != nil {
		env = setAll(env, internalspec.Pair{Name: "TERM", Value: spec.Terminfo.Term})
		if err := installTerminfo(spec.Terminfo, spec.Home); err != nil {
			warnf("terminfo install failed: %v", err)
		}
	}

	if spec.PersistEnvPath != "" {
		env = restoreAndSavePersisted(spec, env)
	}

	if err := enterWorkdir(spec.Workdir); err != nil {
		return err
	}

	if err := dropPrivileges(spec.UID, spec.GID); err != nil {
		return err
	}

	argv := finalArgv(spec)
	return execReplace(argv, env)
}

// baseEnv snapshots the runtime-provided process environment in order.
func baseEnv() []internalspec.Pair {
	var env []internalspec.Pair
	for _, entry := range os.Environ() {
		name, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		env = append(env, internalspec.Pair{Name: name, Value: value})
	}
	return env
}

func setAll(env []internalspec.Pair, pairs ...internalspec.Pair) []internalspec.Pair {
	for _, pair := range pairs {
		env = internalspec.ApplyDeltas(env, []internalspec.EnvDelta{{
			Op: "set", Name: pair.Name, Value: pair.Value,
		}})
	}
	return env
}

func lookup(env []internalspec.Pair, name string) (string, bool) {
	for _, pair := range env {
		if pair.Name == name {
			return pair.Value, true
		}
	}
	return "", false
}

// restoreAndSavePersisted unions the persisted file into env (file wins
// for declared names) and rewrites the file before exec with the
// post-delta values, preserving entries this run did not produce.
// Writing must happen here: exec-replacement leaves no atexit hook.
func restoreAndSavePersisted(spec *internalspec.Spec, env []internalspec.Pair) []internalspec.Pair {
	declared := make(map[string]bool, len(spec.PersistEnvNames))
	for _, name := range spec.PersistEnvNames {
		declared[name] = true
	}

	stored, err := persistenv.Load(spec.PersistEnvPath)
	if err != nil {
		warnf("persisted env restore failed: %v", err)
		stored = nil
	}
	fromFile := make(map[string]string, len(stored))
	for _, entry := range stored {
		if declared[entry.Name] {
			fromFile[entry.Name] = entry.Value
		}
	}

	var out []persistenv.Entry
	for _, name := range spec.PersistEnvNames {
		if value, ok := lookup(env, name); ok {
			out = append(out, persistenv.Entry{Name: name, Value: value})
		} else if value, ok := fromFile[name]; ok {
			out = append(out, persistenv.Entry{Name: name, Value: value})
		}
	}
	if err := persistenv.Save(spec.PersistEnvPath, out); err != nil {
		warnf("persisted env save failed: %v", err)
	}

	for name, value := range fromFile {
		env = setAll(env, internalspec.Pair{Name: name, Value: value})
	}
	return env
}

func enterWorkdir(workdir string) error {
	if err := os.Chdir(workdir); err == nil {
		return nil
	}
	// Best-effort creation, then one more attempt.
	_ = os.MkdirAll(workdir, 0o755)
	if err := os.Chdir(workdir); err != nil {
		return fmt.Errorf("enter workdir %s: %w", workdir, err)
	}
	return nil
}

func dropPrivileges(uid, gid int) error {
	if os.Getuid() != 0 || uid == 0 {
		return nil
	}
	if err := unix.Setgid(gid); err != nil {
		return fmt.Errorf("setgid(%d): %w", gid, err)
	}
	if err := unix.Setuid(uid); err != nil {
		return fmt.Errorf("setuid(%d): %w", uid, err)
	}
	return nil
}

// installTerminfo writes the compiled entry where ncurses looks first:
// $HOME/.terminfo/<first char of TERM>/<TERM>.
func installTerminfo(ti *internalspec.Terminfo, home string) error {
	if ti.Term == "" || len(ti.Blob) == 0 {
		return nil
	}
	dir := filepath.Join(home, ".terminfo", ti.Term[:1])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ti.Term), ti.Blob, 0o644)
}

// finalArgv decides what replaces the agent process.
func finalArgv(spec *internalspec.Spec) []string {
	sh := defaultShell()
	if len(spec.PrefixCmd) == 0 && spec.ExtraShell == "" {
		if len(spec.UserCommand) == 0 {
			return []string{sh}
		}
		return spec.UserCommand
	}
	return []string{sh, "-c", buildScript(spec, sh)}
}

// buildScript renders `source <extra_shell>; exec <prefix> <user>` with
// single-quote escaping.
func buildScript(spec *internalspec.Spec, sh string) string {
	var parts []string
	if spec.ExtraShell != "" {
		parts = append(parts, "source "+shellEscape(spec.ExtraShell))
	}
	exe := append(append([]string(nil), spec.PrefixCmd...), spec.UserCommand...)
	if len(exe) == 0 {
		exe = []string{sh}
	}
	escaped := make([]string, len(exe))
	for i, token := range exe {
		escaped[i] = shellEscape(token)
	}
	parts = append(parts, "exec "+strings.Join(escaped, " "))
	return strings.Join(parts, "; ")
}

func shellEscape(value string) string {
	if value == "" {
		return "''"
	}
	if !strings.ContainsAny(value, " \t\n'\"\\$`&|;<>()*?[]{}~#!") {
		return value
	}
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}

func defaultShell() string {
	if _, err := os.Stat("/bin/bash"); err == nil {
		return "/bin/bash"
	}
	return "/bin/sh"
}

// execReplace applies env to the process and replaces it with argv.
// From here the kernel delivers signals to the user command and its exit
// code is the container's.
func execReplace(argv []string, env []internalspec.Pair) error {
	envs := make([]string, 0, len(env))
	os.Clearenv()
	for _, pair := range env {
		os.Setenv(pair.Name, pair.Value)
		envs = append(envs, pair.Name+"="+pair.Value)
	}
	path := argv[0]
	if !strings.Contains(path, "/") {
		resolved, err := exec.LookPath(path)
		if err != nil {
			return fmt.Errorf("command %s not found", path)
		}
		path = resolved
	}
	if err := unix.Exec(path, argv, envs); err != nil {
		return fmt.Errorf("exec %s: %w", path, err)
	}
	return nil
}

func warnf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "giftwrap agent: "+format+"\n", args...)
}
