// SPDX-License-Identifier: MPL-2.0

// Package buildctx selects build-context files via .gwinclude rules and
// hashes the selection into the content-addressed image tag.
package buildctx

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// MarkerName is the cached-sha file at the build root. The cache is an
// optimization only; correctness never depends on it.
const MarkerName = ".giftwrap.ctx-sha"

// IncludeName is the selection file name recognized in any directory
// under the build root.
const IncludeName = ".gwinclude"

// FileEntry is one selected file with its canonical mode.
type FileEntry struct {
	Path string // build-root-relative, slash-separated
	Mode string // 100644, 100755 or 120000
}

// ContextSha is the content digest plus the selection that produced it.
type ContextSha struct {
	Sha   string
	Files []FileEntry
}

// Tag derives the content-addressed image tag.
func (c *ContextSha) Tag() string { return Tag(c.Sha) }

// Tag derives the image tag for a context sha, whether computed or
// forced via --gw-use-ctx.
func Tag(sha string) string {
	if len(sha) > 12 {
		sha = sha[:12]
	}
	return "gw-" + sha
}

var hexSha = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Resolve returns the ContextSha for root, reusing the marker file when
// it is newer than every selected input.
func Resolve(root string) (*ContextSha, error) {
	selection, err := selectFiles(root)
	if err != nil {
		return nil, err
	}
	entries, err := statEntries(root, selection)
	if err != nil {
		return nil, err
	}

	markerPath := filepath.Join(root, MarkerName)
	if sha, ok := reusableMarker(markerPath, root, selection); ok {
		return &ContextSha{Sha: sha, Files: entries}, nil
	}

	sha, err := computeSha(root, entries)
	if err != nil {
		return nil, err
	}
	// Cache only; ignore write failures.
	_ = os.WriteFile(markerPath, []byte(sha+"\n"), 0o644)
	return &ContextSha{Sha: sha, Files: entries}, nil
}

// reusableMarker reports whether the marker holds a valid sha newer than
// every selected file.
func reusableMarker(markerPath, root string, selection []string) (string, bool) {
	data, err := os.ReadFile(markerPath)
	if err != nil {
		return "", false
	}
	sha, _, _ := strings.Cut(string(data), "\n")
	sha = strings.TrimSpace(sha)
	if !hexSha.MatchString(sha) {
		return "", false
	}
	st, err := os.Stat(markerPath)
	if err != nil {
		return "", false
	}
	markerTime := st.ModTime()
	for _, rel := range selection {
		fst, err := os.Lstat(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil || !fst.ModTime().Before(markerTime) {
			return "", false
		}
	}
	return sha, true
}

// selectFiles walks root and applies the .gwinclude selection. The
// returned paths are sorted lexicographically.
func selectFiles(root string) ([]string, error) {
	var files []string
	includes := make(map[string][]rule) // slash dir ("" = root) -> rules

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return &IOError{Path: path, Err: err}
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return &IOError{Path: path, Err: relErr}
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if d.Name() == ".git" && rel != "." {
				return filepath.SkipDir
			}
			return nil
		}
		if rel == MarkerName {
			return nil
		}
		if !d.Type().IsRegular() && d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		if d.Name() == IncludeName {
			content, readErr := os.ReadFile(path)
			if readErr != nil {
				return &IOError{Path: path, Err: readErr}
			}
			rules, parseErr := parseRules(rel, string(content))
			if parseErr != nil {
				return parseErr
			}
			dir := ""
			if idx := strings.LastIndex(rel, "/"); idx >= 0 {
				dir = rel[:idx]
			}
			includes[dir] = rules
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(includes) == 0 {
		return nil, ErrEmptyContext
	}

	var selected []string
	matched := 0
	for _, rel := range files {
		if strings.HasSuffix(rel, IncludeName) && (rel == IncludeName || strings.HasSuffix(rel, "/"+IncludeName)) {
			selected = append(selected, rel)
			continue
		}
		included, mentioned := decide(includes, rel)
		if mentioned {
			matched++
		}
		if included {
			selected = append(selected, rel)
		}
	}
	if matched == 0 {
		return nil, ErrEmptyContext
	}
	sort.Strings(selected)
	return selected, nil
}

// decide applies the longest-prefix rule: the deepest .gwinclude whose
// directory contains rel and whose rules mention it determines inclusion,
// last matching line winning within that file.
func decide(includes map[string][]rule, rel string) (included, mentioned bool) {
	for _, dir := range ancestorsDeepFirst(rel) {
		rules, ok := includes[dir]
		if !ok {
			continue
		}
		sub := rel
		if dir != "" {
			sub = strings.TrimPrefix(rel, dir+"/")
		}
		decided := false
		verdict := false
		for i := range rules {
			if rules[i].matches(sub) {
				decided = true
				verdict = rules[i].include
			}
		}
		if decided {
			return verdict, true
		}
	}
	return false, false
}

// ancestorsDeepFirst lists the directories containing rel, deepest first,
// ending with "" (the build root).
func ancestorsDeepFirst(rel string) []string {
	var dirs []string
	dir := rel
	for {
		idx := strings.LastIndex(dir, "/")
		if idx < 0 {
			dirs = append(dirs, "")
			return dirs
		}
		dir = dir[:idx]
		dirs = append(dirs, dir)
	}
}

// statEntries resolves the canonical mode of every selected path.
func statEntries(root string, selection []string) ([]FileEntry, error) {
	entries := make([]FileEntry, 0, len(selection))
	for _, rel := range selection {
		abs := filepath.Join(root, filepath.FromSlash(rel))
		st, err := os.Lstat(abs)
		if err != nil {
			return nil, &IOError{Path: abs, Err: err}
		}
		mode := "100644"
		switch {
		case st.Mode()&fs.ModeSymlink != 0:
			mode = "120000"
		case st.Mode().Perm()&0o100 != 0:
			mode = "100755"
		}
		entries = append(entries, FileEntry{Path: rel, Mode: mode})
	}
	return entries, nil
}

// computeSha hashes the canonical encoding of the selection:
// `<relpath>\0<mode>\0<sha1(content)>\n` per entry, entries sorted by
// path. Symlinks hash their target string.
func computeSha(root string, entries []FileEntry) (string, error) {
	digest := sha1.New()
	for _, entry := range entries {
		abs := filepath.Join(root, filepath.FromSlash(entry.Path))
		contentSha, err := hashContent(abs, entry.Mode)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(digest, "%s\x00%s\x00%s\n", entry.Path, entry.Mode, contentSha)
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}

func hashContent(path, mode string) (string, error) {
	h := sha1.New()
	if mode == "120000" {
		target, err := os.Readlink(path)
		if err != nil {
			return "", &IOError{Path: path, Err: err}
		}
		io.WriteString(h, target)
		return hex.EncodeToString(h.Sum(nil)), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return "", &IOError{Path: path, Err: err}
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return "", &IOError{Path: path, Err: err}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
