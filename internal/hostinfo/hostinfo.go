// SPDX-License-Identifier: MPL-2.0

// Package hostinfo probes the host-side facts giftwrap needs exactly once,
// at program entry. The rest of the program is pure over the returned record.
package hostinfo

import (
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Info is the one-shot snapshot of the host environment.
type Info struct {
	UID      int
	GID      int
	Username string
	Home     string

	StdinTTY  bool
	StdoutTTY bool

	// GitCommonDir is the absolute path of the repository's common git
	// directory, or empty when the probe directory is not inside a git
	// worktree (or git is not installed).
	GitCommonDir string

	// HasInfocmp reports whether terminfo extraction is possible.
	HasInfocmp bool
}

// Collect gathers host facts. dir is the directory the git probe runs in
// (normally the process working directory).
func Collect(dir string) *Info {
	info := &Info{
		UID:       os.Getuid(),
		GID:       os.Getgid(),
		Username:  username(os.Getuid()),
		StdinTTY:  term.IsTerminal(int(os.Stdin.Fd())),
		StdoutTTY: term.IsTerminal(int(os.Stdout.Fd())),
	}
	if home, err := os.UserHomeDir(); err == nil {
		info.Home = home
	}
	info.GitCommonDir = gitCommonDir(dir)
	_, err := exec.LookPath("infocmp")
	info.HasInfocmp = err == nil
	return info
}

// username resolves the host user name: USER, then LOGNAME, then the
// passwd database, then the numeric uid as a last resort.
func username(uid int) string {
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	if name := os.Getenv("LOGNAME"); name != "" {
		return name
	}
	if u, err := user.LookupId(strconv.Itoa(uid)); err == nil && u.Username != "" {
		return u.Username
	}
	return strconv.Itoa(uid)
}

// gitCommonDir returns the absolute git common dir for dir, or empty.
func gitCommonDir(dir string) string {
	cmd := exec.Command("git", "rev-parse", "--git-common-dir")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	raw := strings.TrimSpace(string(out))
	if raw == "" {
		return ""
	}
	if !filepath.IsAbs(raw) {
		raw = filepath.Join(dir, raw)
	}
	return filepath.Clean(raw)
}
