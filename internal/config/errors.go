// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInBuildRoot is the sentinel wrapped by NotInBuildRootError.
	ErrNotInBuildRoot = errors.New("not inside a build root")

	// ErrDuplicateKey is the sentinel wrapped by DuplicateKeyError.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrUnknownKey is the sentinel wrapped by UnknownKeyError.
	ErrUnknownKey = errors.New("unknown key")

	// ErrBadValue is the sentinel wrapped by BadValueError.
	ErrBadValue = errors.New("bad value")

	// ErrUUIDConflict is returned when the config-declared UUID and
	// GW_USER_OPT_UUID disagree. Treated as a usage error by the CLI.
	ErrUUIDConflict = errors.New("conflicting override UUIDs")
)

// NotInBuildRootError is returned when the parent walk reaches the
// filesystem root without finding a config file.
type NotInBuildRootError struct {
	StartDir string
}

func (e *NotInBuildRootError) Error() string {
	return fmt.Sprintf("no .giftwrap or giftwrap file found above %s", e.StartDir)
}

func (e *NotInBuildRootError) Unwrap() error { return ErrNotInBuildRoot }

// DuplicateKeyError reports a scalar key that appears more than once.
type DuplicateKeyError struct {
	Key  string
	Line int
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate key %q on line %d", e.Key, e.Line)
}

func (e *DuplicateKeyError) Unwrap() error { return ErrDuplicateKey }

// UnknownKeyError reports a key outside the reserved namespace, from the
// config file or from a GW_USER_OPT_ override.
type UnknownKeyError struct {
	Key    string
	Source string // "config" or the override variable name
}

func (e *UnknownKeyError) Error() string {
	if e.Source == "config" {
		return fmt.Sprintf("unknown key %q", e.Key)
	}
	return fmt.Sprintf("unknown key %q in override %s", e.Key, e.Source)
}

func (e *UnknownKeyError) Unwrap() error { return ErrUnknownKey }

// BadValueError reports a value that does not parse for its key.
type BadValueError struct {
	Key    string
	Value  string
	Reason string
}

func (e *BadValueError) Error() string {
	return fmt.Sprintf("bad value for %q: %s", e.Key, e.Reason)
}

func (e *BadValueError) Unwrap() error { return ErrBadValue }
