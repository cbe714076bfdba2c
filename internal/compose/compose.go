// SPDX-License-Identifier: MPL-2.0

// Package compose builds the ContainerSpec and InternalSpec from the
// resolved configuration, CLI options and host snapshot. It is pure over
// its inputs; the only I/O is the injectable share-existence stat.
package compose

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sudonym1/giftwrap/internal/buildctx"
	"github.com/sudonym1/giftwrap/internal/cli"
	"github.com/sudonym1/giftwrap/internal/config"
	"github.com/sudonym1/giftwrap/internal/container"
	"github.com/sudonym1/giftwrap/internal/hostinfo"
	"github.com/sudonym1/giftwrap/internal/internalspec"
)

// AgentMountPath is where the host giftwrap binary appears in the
// container; it is also the entrypoint token.
const AgentMountPath = "/giftwrap"

// ErrBadShare is the sentinel wrapped by BadShareError.
var ErrBadShare = errors.New("bad share")

// BadShareError reports an extra_shares source that does not exist.
type BadShareError struct {
	HostPath string
}

func (e *BadShareError) Error() string {
	return fmt.Sprintf("share source %s does not exist", e.HostPath)
}

func (e *BadShareError) Unwrap() error { return ErrBadShare }

// Inputs are everything compose consumes. Config, CLI and Host are
// required; the rest have usable zero values.
type Inputs struct {
	Config *config.Config
	CLI    *cli.Options
	Host   *hostinfo.Info

	// ContextSha is the 40-hex content digest, empty when the invocation
	// is not content-addressed.
	ContextSha string

	// Terminfo is the host terminal bundle, if one was extracted.
	Terminfo *internalspec.Terminfo

	// AgentSource is the host path of the giftwrap binary to bind-mount.
	AgentSource string

	// Flavor selects CLI spellings; podman when zero.
	Flavor container.Flavor

	// SpecFilePath is the host-side staged InternalSpec file, required
	// when the flavor cannot forward fds.
	SpecFilePath string

	// Getenv resolves env_overrides entries with omitted values;
	// defaults to os.Getenv.
	Getenv func(string) string

	// Stat validates share sources; defaults to os.Stat.
	Stat func(string) (os.FileInfo, error)
}

// Result is the composed pair handed to the launcher.
type Result struct {
	Container *container.Spec
	Internal  *internalspec.Spec
}

// Build composes the ContainerSpec and InternalSpec. Image precedence is
// described on ResolveImage.
func Build(in Inputs) (*Result, error) {
	cfg, opts, host := in.Config, in.CLI, in.Host
	getenv := in.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	statFn := in.Stat
	if statFn == nil {
		statFn = os.Stat
	}
	flavor := in.Flavor
	if flavor == "" {
		flavor = container.FlavorPodman
	}

	mechanism := container.SpecFD
	if !flavor.SupportsFDPassing() {
		mechanism = container.SpecFile
	}

	spec := &container.Spec{
		ImageRef:   ResolveImage(cfg, opts, in.ContextSha),
		Hostname:   hostname(cfg),
		Workdir:    workdir(cfg),
		User:       userArg(cfg, host),
		Entrypoint: AgentMountPath,
		Mechanism:  mechanism,
		ExtraHosts: append([]string(nil), cfg.ExtraHosts...),
		Flags: container.Flags{
			Remove:      true,
			Init:        true,
			Interactive: host.StdinTTY,
			TTY:         host.StdinTTY,
			KeepID:      cfg.UserMapping == config.MapKeepID,
		},
	}
	spec.Flags.ExtraRuntimeArgs = append(spec.Flags.ExtraRuntimeArgs, cfg.ExtraArgs...)
	spec.Flags.ExtraRuntimeArgs = append(spec.Flags.ExtraRuntimeArgs, opts.ExtraArgs...)

	specArg := container.SpecFDArg
	if mechanism == container.SpecFile {
		specArg = container.SpecFileArg
	}
	spec.Command = []string{"agent", specArg}

	mounts, extraShellContainer, err := buildMounts(in, statFn, mechanism)
	if err != nil {
		return nil, err
	}
	spec.Mounts = mounts

	persisted := make(map[string]bool, len(cfg.PersistEnvNames))
	for _, name := range cfg.PersistEnvNames {
		persisted[name] = true
	}

	runtimeDeltas, agentDeltas := splitDeltas(cfg.EnvOverrides, persisted, getenv)
	agentDeltas = appendHostPersisted(agentDeltas, cfg.PersistEnvNames, getenv)
	env := internalspec.ApplyDeltas(
		[]internalspec.Pair{{Name: "GW_BUILD_ROOT", Value: cfg.MountTo}},
		runtimeDeltas,
	)
	for _, pair := range env {
		spec.Env = append(spec.Env, container.EnvVar{Name: pair.Name, Value: pair.Value})
	}

	internal := &internalspec.Spec{
		Version:     internalspec.Version,
		UID:         host.UID,
		GID:         host.GID,
		Username:    host.Username,
		Home:        containerHome(host.Username),
		Workdir:     spec.Workdir,
		Env:         agentDeltas,
		Terminfo:    in.Terminfo,
		PrefixCmd:   append([]string(nil), cfg.PrefixCmd...),
		ExtraShell:  extraShellContainer,
		UserCommand: append([]string(nil), opts.UserCommand...),
	}
	if len(cfg.PersistEnvNames) > 0 {
		internal.PersistEnvNames = append([]string(nil), cfg.PersistEnvNames...)
		internal.PersistEnvPath = containerPath(cfg, cfg.PersistEnvFile)
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &Result{Container: spec, Internal: internal}, nil
}

// ResolveImage applies image precedence: --gw-img, then content
// addressing, then image[:tag].
func ResolveImage(cfg *config.Config, opts *cli.Options, contextSha string) string {
	if opts.Image != "" {
		return opts.Image
	}
	if contextSha != "" {
		return cfg.Image + ":" + buildctx.Tag(contextSha)
	}
	if cfg.Tag != "" {
		return cfg.Image + ":" + cfg.Tag
	}
	return cfg.Image
}

func hostname(cfg *config.Config) string {
	if cfg.Hostname != "" {
		return Mkhostname(cfg.Hostname)
	}
	return Mkhostname(filepath.Base(cfg.BuildRoot))
}

func workdir(cfg *config.Config) string {
	if cfg.Workdir != "" {
		return cfg.Workdir
	}
	return cfg.MountTo
}

func userArg(cfg *config.Config, host *hostinfo.Info) string {
	switch cfg.UserMapping {
	case config.MapNone:
		return ""
	case config.MapKeepID:
		return "0:0"
	default:
		return fmt.Sprintf("%d:%d", host.UID, host.GID)
	}
}

// buildMounts assembles the ordered mount list: build root, extra
// shares, git dir, agent binary, spec file. Later mounts win on target
// conflicts; exact duplicates are rejected with MountConflictError.
func buildMounts(in Inputs, statFn func(string) (os.FileInfo, error), mechanism container.SpecMechanism) ([]container.Mount, string, error) {
	cfg, host := in.Config, in.Host

	mounts := []container.Mount{{Host: cfg.BuildRoot, Container: cfg.MountTo}}

	for _, share := range cfg.ExtraShares {
		hostPath := absPath(share.HostPath, cfg.BuildRoot)
		if _, err := statFn(hostPath); err != nil {
			return nil, "", &BadShareError{HostPath: hostPath}
		}
		mounts = append(mounts, container.Mount{
			Host:      hostPath,
			Container: share.ContainerPath,
			ReadOnly:  share.ReadOnly,
		})
	}

	if cfg.ShareGitDir && host.GitCommonDir != "" && !within(host.GitCommonDir, cfg.BuildRoot) {
		mounts = append(mounts, container.Mount{
			Host:      host.GitCommonDir,
			Container: cfg.MountTo + "/.git",
		})
	}

	extraShell := ""
	if cfg.ExtraShell != "" {
		hostPath := absPath(cfg.ExtraShell, cfg.BuildRoot)
		if within(hostPath, cfg.BuildRoot) {
			extraShell = containerPath(cfg, cfg.ExtraShell)
		} else {
			if _, err := statFn(hostPath); err != nil {
				return nil, "", &BadShareError{HostPath: hostPath}
			}
			mounts = append(mounts, container.Mount{Host: hostPath, Container: hostPath, ReadOnly: true})
			extraShell = hostPath
		}
	}

	mounts = append(mounts, container.Mount{
		Host:      in.AgentSource,
		Container: AgentMountPath,
		ReadOnly:  true,
	})

	if mechanism == container.SpecFile {
		mounts = append(mounts, container.Mount{
			Host:      in.SpecFilePath,
			Container: container.SpecFilePath,
			ReadOnly:  true,
		})
	}

	deduped, err := dedupeByTarget(mounts)
	if err != nil {
		return nil, "", err
	}
	return deduped, extraShell, nil
}

// dedupeByTarget keeps the last mount per container path, failing on
// exact duplicates.
func dedupeByTarget(mounts []container.Mount) ([]container.Mount, error) {
	exact := make(map[container.Mount]bool, len(mounts))
	last := make(map[string]int, len(mounts))
	for i, m := range mounts {
		if exact[m] {
			return nil, &container.MountConflictError{Mount: m}
		}
		exact[m] = true
		last[m.Container] = i
	}
	out := mounts[:0:0]
	for i, m := range mounts {
		if last[m.Container] == i {
			out = append(out, m)
		}
	}
	return out, nil
}

// splitDeltas resolves omitted values from the host environment and
// splits the overrides into the runtime-env subset and the agent subset
// (persisted names are applied by the agent only).
func splitDeltas(deltas []config.EnvDelta, persisted map[string]bool, getenv func(string) string) (runtime, agent []internalspec.EnvDelta) {
	for _, delta := range deltas {
		value := delta.Value
		if !delta.HasValue && delta.Op != config.EnvDel {
			value = getenv(delta.Name)
			if value == "" {
				continue
			}
		}
		resolved := internalspec.EnvDelta{Op: string(delta.Op), Name: delta.Name, Value: value}
		if persisted[delta.Name] {
			agent = append(agent, resolved)
		} else {
			runtime = append(runtime, resolved)
		}
	}
	return runtime, agent
}

// appendHostPersisted forwards host values of persisted names that no
// env_overrides entry already covers, so a value injected on the giftwrap
// command line flows into the next run's persisted file.
func appendHostPersisted(deltas []internalspec.EnvDelta, names []string, getenv func(string) string) []internalspec.EnvDelta {
	covered := make(map[string]bool, len(deltas))
	for _, delta := range deltas {
		covered[delta.Name] = true
	}
	for _, name := range names {
		if covered[name] {
			continue
		}
		if value := getenv(name); value != "" {
			deltas = append(deltas, internalspec.EnvDelta{Op: "set", Name: name, Value: value})
		}
	}
	return deltas
}

func containerHome(username string) string {
	return "/tmp/gw-home/" + username
}

// containerPath maps a build-root-relative (or in-root absolute) path to
// its container-side location under the build-root mount.
func containerPath(cfg *config.Config, path string) string {
	abs := absPath(path, cfg.BuildRoot)
	if rel, err := filepath.Rel(cfg.BuildRoot, abs); err == nil && !strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(filepath.Join(cfg.MountTo, rel))
	}
	return abs
}

func absPath(path, root string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(root, path)
}

func within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, "../")
}
