// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/sudonym1/giftwrap/internal/internalspec"
)

// setupUser makes the host identity resolvable inside the container:
// group and passwd entries, plus a writable home directory. On read-only
// filesystems (Alpine-style immutable layers) every step degrades to a
// warning; the env-only identity set later still applies.
func setupUser(spec *internalspec.Spec) error {
	if err := ensureHome(spec); err != nil {
		return err
	}
	if err := ensureGroupEntry("/etc/group", spec.Username, spec.GID); err != nil {
		return err
	}
	return ensurePasswdEntry("/etc/passwd", spec, defaultShell())
}

func ensureHome(spec *internalspec.Spec) error {
	if err := os.MkdirAll(spec.Home, 0o755); err != nil {
		return err
	}
	// Chown so the post-drop user owns its home; ignore EPERM when the
	// agent itself is unprivileged.
	if err := unix.Chown(spec.Home, spec.UID, spec.GID); err != nil && os.Getuid() == 0 {
		return fmt.Errorf("chown %s: %w", spec.Home, err)
	}
	return nil
}

// ensureGroupEntry appends `name:x:gid:` unless the gid is already
// present. A root group line is guaranteed first on empty databases.
func ensureGroupEntry(path, name string, gid int) error {
	contents, err := readIfPresent(path)
	if err != nil {
		return err
	}
	hasGID, hasRoot := scanIDField(contents, gid)
	if hasGID {
		return nil
	}
	var b strings.Builder
	if needsNewline(contents) {
		b.WriteByte('\n')
	}
	if !hasRoot {
		b.WriteString("root:x:0:\n")
	}
	fmt.Fprintf(&b, "%s:x:%d:\n", name, gid)
	return appendFile(path, b.String())
}

// ensurePasswdEntry appends the user unless the uid is already present.
func ensurePasswdEntry(path string, spec *internalspec.Spec, shell string) error {
	contents, err := readIfPresent(path)
	if err != nil {
		return err
	}
	hasUID, hasRoot := scanIDField(contents, spec.UID)
	if hasUID {
		return nil
	}
	var b strings.Builder
	if needsNewline(contents) {
		b.WriteByte('\n')
	}
	if !hasRoot {
		fmt.Fprintf(&b, "root:x:0:0:root:/root:%s\n", shell)
	}
	fmt.Fprintf(&b, "%s:x:%d:%d:%s:%s:%s\n",
		spec.Username, spec.UID, spec.GID, spec.Username, spec.Home, shell)
	return appendFile(path, b.String())
}

// scanIDField reports whether the numeric third field matches id, and
// whether a root entry (name root or id 0) exists.
func scanIDField(contents string, id int) (hasID, hasRoot bool) {
	for _, line := range strings.Split(contents, "\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 3 {
			continue
		}
		lineID, err := strconv.Atoi(fields[2])
		if fields[0] == "root" || (err == nil && lineID == 0) {
			hasRoot = true
		}
		if err == nil && lineID == id {
			hasID = true
		}
		if hasID && hasRoot {
			return
		}
	}
	return
}

func needsNewline(contents string) bool {
	return contents != "" && !strings.HasSuffix(contents, "\n")
}

func readIfPresent(path string) (string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func appendFile(path, data string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
