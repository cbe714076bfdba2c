// SPDX-License-Identifier: MPL-2.0

package buildctx

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"
)

func write(t *testing.T, root, rel, contents string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
}

func compute(t *testing.T, root string) *ContextSha {
	t.Helper()
	// Drop the marker so every call recomputes from content.
	os.Remove(filepath.Join(root, MarkerName))
	ctx, err := Resolve(root)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return ctx
}

var shaRe = regexp.MustCompile(`^[0-9a-f]{40}$`)

func TestResolve_SelectsByPattern(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	write(t, root, ".gwinclude", "src/**\n")
	write(t, root, "src/a.txt", "A\n")
	write(t, root, "src/deep/b.txt", "B\n")
	write(t, root, "README.md", "ignored\n")

	ctx := compute(t, root)
	if !shaRe.MatchString(ctx.Sha) {
		t.Fatalf("sha = %q", ctx.Sha)
	}
	paths := make([]string, len(ctx.Files))
	for i, f := range ctx.Files {
		paths[i] = f.Path
	}
	want := []string{".gwinclude", "src/a.txt", "src/deep/b.txt"}
	if len(paths) != len(want) {
		t.Fatalf("selected = %q, want %q", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("selected = %q, want %q", paths, want)
		}
	}
}

func TestResolve_NegationLastLineWins(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	write(t, root, ".gwinclude", "src/**\n!src/**/*.log\n")
	write(t, root, "src/keep.txt", "k\n")
	write(t, root, "src/drop.log", "d\n")

	ctx := compute(t, root)
	for _, f := range ctx.Files {
		if f.Path == "src/drop.log" {
			t.Fatal("excluded file was selected")
		}
	}
}

func TestResolve_NestedIncludeRefinesSubtree(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	write(t, root, ".gwinclude", "**\n")
	write(t, root, "sub/.gwinclude", "*.txt\n")
	write(t, root, "sub/in.txt", "x\n")
	write(t, root, "sub/out.bin", "y\n")
	write(t, root, "top.bin", "z\n")

	ctx := compute(t, root)
	got := make(map[string]bool, len(ctx.Files))
	for _, f := range ctx.Files {
		got[f.Path] = true
	}
	if !got["sub/in.txt"] || !got["top.bin"] {
		t.Fatalf("missing expected selections: %v", got)
	}
	// The nested .gwinclude mentions only *.txt; out.bin falls through to
	// the root file, which includes everything. The nested file is the
	// longest prefix that mentions in.txt, but out.bin is not mentioned
	// by it at all.
	if !got["sub/out.bin"] {
		t.Fatalf("out.bin should fall through to the root selection: %v", got)
	}
}

func TestResolve_ShaStableUnderMtimeChange(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	write(t, root, ".gwinclude", "src/**\n")
	write(t, root, "src/a.txt", "A\n")

	first := compute(t, root)
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(filepath.Join(root, "src", "a.txt"), future, future); err != nil {
		t.Fatal(err)
	}
	second := compute(t, root)
	if first.Sha != second.Sha {
		t.Fatalf("sha changed on mtime-only change: %s vs %s", first.Sha, second.Sha)
	}
}

func TestResolve_ShaTracksSelectedContent(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	write(t, root, ".gwinclude", "src/**\n")
	write(t, root, "src/a.txt", "A\n")
	write(t, root, "unselected.txt", "u\n")

	first := compute(t, root)

	write(t, root, "unselected.txt", "changed\n")
	second := compute(t, root)
	if first.Sha != second.Sha {
		t.Fatal("sha changed when a non-selected file changed")
	}

	write(t, root, "src/a.txt", "A2\n")
	third := compute(t, root)
	if first.Sha == third.Sha {
		t.Fatal("sha did not change when a selected file changed")
	}
}

func TestResolve_ExecutableBitChangesSha(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	write(t, root, ".gwinclude", "run.sh\n")
	write(t, root, "run.sh", "#!/bin/sh\n")

	first := compute(t, root)
	if err := os.Chmod(filepath.Join(root, "run.sh"), 0o755); err != nil {
		t.Fatal(err)
	}
	second := compute(t, root)
	if first.Sha == second.Sha {
		t.Fatal("sha did not change with the executable bit")
	}
	var mode string
	for _, f := range second.Files {
		if f.Path == "run.sh" {
			mode = f.Mode
		}
	}
	if mode != "100755" {
		t.Fatalf("mode = %q, want 100755", mode)
	}
}

func TestResolve_SymlinkHashesTarget(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	write(t, root, ".gwinclude", "link\n")
	if err := os.Symlink("target-one", filepath.Join(root, "link")); err != nil {
		t.Fatal(err)
	}

	first := compute(t, root)
	var mode string
	for _, f := range first.Files {
		if f.Path == "link" {
			mode = f.Mode
		}
	}
	if mode != "120000" {
		t.Fatalf("mode = %q, want 120000", mode)
	}

	if err := os.Remove(filepath.Join(root, "link")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("target-two", filepath.Join(root, "link")); err != nil {
		t.Fatal(err)
	}
	second := compute(t, root)
	if first.Sha == second.Sha {
		t.Fatal("sha did not change with the symlink target")
	}
}

func TestResolve_MarkerReuse(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	write(t, root, ".gwinclude", "src/**\n")
	write(t, root, "src/a.txt", "A\n")

	first, err := Resolve(root)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	// Overwrite the marker with a fake sha and push its mtime past every
	// input: Resolve must trust the cache.
	fake := "00112233445566778899aabbccddeeff00112233"
	marker := filepath.Join(root, MarkerName)
	if err := os.WriteFile(marker, []byte(fake+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(marker, future, future); err != nil {
		t.Fatal(err)
	}
	cached, err := Resolve(root)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cached.Sha != fake {
		t.Fatalf("marker not reused: got %s", cached.Sha)
	}

	// Touch a selected file beyond the marker: the cache is stale and the
	// real sha comes back.
	past := time.Now().Add(2 * time.Hour)
	if err := os.Chtimes(filepath.Join(root, "src", "a.txt"), past, past); err != nil {
		t.Fatal(err)
	}
	recomputed, err := Resolve(root)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if recomputed.Sha != first.Sha {
		t.Fatalf("recompute mismatch: %s vs %s", recomputed.Sha, first.Sha)
	}
}

func TestResolve_EmptyContext(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	write(t, root, "file.txt", "x\n")

	_, err := Resolve(root)
	if !errors.Is(err, ErrEmptyContext) {
		t.Fatalf("expected ErrEmptyContext without .gwinclude, got %v", err)
	}

	write(t, root, ".gwinclude", "nomatch/**\n")
	_, err = Resolve(root)
	if !errors.Is(err, ErrEmptyContext) {
		t.Fatalf("expected ErrEmptyContext with empty selection, got %v", err)
	}
}

func TestResolve_BadPattern(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	write(t, root, ".gwinclude", "!\n")
	write(t, root, "a.txt", "x\n")

	_, err := Resolve(root)
	if !errors.Is(err, ErrBadPattern) {
		t.Fatalf("expected ErrBadPattern, got %v", err)
	}
}

func TestTag(t *testing.T) {
	t.Parallel()
	if got := Tag("0123456789abcdef0123456789abcdef01234567"); got != "gw-0123456789ab" {
		t.Fatalf("Tag = %q", got)
	}
}
