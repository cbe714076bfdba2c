// SPDX-License-Identifier: MPL-2.0

package launch

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sudonym1/giftwrap/internal/hostinfo"
	"github.com/sudonym1/giftwrap/internal/internalspec"
)

// Fallback terminfo databases when infocmp is unavailable.
var terminfoDirs = []string{
	"/etc/terminfo",
	"/lib/terminfo",
	"/usr/share/terminfo",
}

// CollectTerminfo bundles the host terminal description for the agent:
// the TERM value plus the compiled terminfo entry, read from the
// databases infocmp reports (or the conventional locations). Returns nil
// when stdin is not a TTY, TERM is unset, or no entry is found — the
// container then falls back to its own database.
func CollectTerminfo(host *hostinfo.Info) *internalspec.Terminfo {
	if !host.StdinTTY {
		return nil
	}
	term := os.Getenv("TERM")
	if term == "" {
		return nil
	}

	dirs := make([]string, 0, len(terminfoDirs)+2)
	if host.Home != "" {
		dirs = append(dirs, filepath.Join(host.Home, ".terminfo"))
	}
	if host.HasInfocmp {
		dirs = append(dirs, infocmpDirs()...)
	}
	dirs = append(dirs, terminfoDirs...)

	for _, dir := range dirs {
		path := filepath.Join(dir, term[:1], term)
		blob, err := os.ReadFile(path)
		if err == nil && len(blob) > 0 {
			return &internalspec.Terminfo{Term: term, Blob: blob}
		}
	}
	return nil
}

// infocmpDirs asks infocmp for the terminfo search path.
func infocmpDirs() []string {
	out, err := exec.Command("infocmp", "-D").Output()
	if err != nil {
		return nil
	}
	var dirs []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			dirs = append(dirs, line)
		}
	}
	return dirs
}
