// SPDX-License-Identifier: MPL-2.0

package internalspec

import "strings"

// Pair is one ordered NAME/VALUE environment entry. Delta application
// keeps the list free of duplicate names.
type Pair struct {
	Name  string
	Value string
}

// PathLike reports whether add-deltas join with ':' (PATH-style) rather
// than a space for the given variable name.
func PathLike(name string) bool {
	return strings.HasSuffix(name, "PATH") || strings.HasSuffix(name, "DIRS")
}

// ApplyDeltas applies the deltas in order to env and returns the result.
// set removes any earlier entry and appends; add appends to an existing
// value with the separator, or behaves like set; del removes the entry.
func ApplyDeltas(env []Pair, deltas []EnvDelta) []Pair {
	out := append([]Pair(nil), env...)
	for _, delta := range deltas {
		switch delta.Op {
		case "set":
			out = remove(out, delta.Name)
			out = append(out, Pair{Name: delta.Name, Value: delta.Value})
		case "add":
			if idx := index(out, delta.Name); idx >= 0 {
				sep := " "
				if PathLike(delta.Name) {
					sep = ":"
				}
				if out[idx].Value == "" {
					out[idx].Value = delta.Value
				} else {
					out[idx].Value += sep + delta.Value
				}
			} else {
				out = append(out, Pair{Name: delta.Name, Value: delta.Value})
			}
		case "del":
			out = remove(out, delta.Name)
		}
	}
	return out
}

func index(env []Pair, name string) int {
	for i := range env {
		if env[i].Name == name {
			return i
		}
	}
	return -1
}

func remove(env []Pair, name string) []Pair {
	out := env[:0]
	for _, pair := range env {
		if pair.Name != name {
			out = append(out, pair)
		}
	}
	return out
}
