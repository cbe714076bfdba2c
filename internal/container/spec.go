// SPDX-License-Identifier: MPL-2.0

// Package container holds the canonical pre-argv container representation
// and serializes it for CLI-driven runtimes (podman by default).
package container

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBadEntrypoint is the sentinel wrapped by BadEntrypointError.
	ErrBadEntrypoint = errors.New("bad entrypoint")

	// ErrMountConflict is the sentinel wrapped by MountConflictError.
	ErrMountConflict = errors.New("mount conflict")
)

// BadEntrypointError reports an entrypoint that is not exactly one token.
type BadEntrypointError struct {
	Entrypoint string
}

func (e *BadEntrypointError) Error() string {
	return fmt.Sprintf("entrypoint must be a single token, got %q", e.Entrypoint)
}

func (e *BadEntrypointError) Unwrap() error { return ErrBadEntrypoint }

// MountConflictError reports two identical mounts.
type MountConflictError struct {
	Mount Mount
}

func (e *MountConflictError) Error() string {
	return fmt.Sprintf("duplicate mount %s -> %s", e.Mount.Host, e.Mount.Container)
}

func (e *MountConflictError) Unwrap() error { return ErrMountConflict }

// Mount is one bind mount, host path to container path.
type Mount struct {
	Host      string
	Container string
	ReadOnly  bool
}

// EnvVar is one KEY=VALUE environment entry, order-preserving.
type EnvVar struct {
	Name  string
	Value string
}

// SpecMechanism selects how the InternalSpec reaches the agent.
type SpecMechanism int

const (
	// SpecFD passes the serialized spec on inherited fd 3.
	SpecFD SpecMechanism = iota
	// SpecFile bind-mounts a host temp file into the container.
	SpecFile
)

// SpecFilePath is the container-side path of the InternalSpec file when
// the file mechanism is used.
const SpecFilePath = "/gw/spec.json"

// SpecFDArg and SpecFileArg are the command tokens handed to the agent.
const (
	SpecFDArg   = "--spec-fd=3"
	SpecFileArg = "--spec-file=" + SpecFilePath
)

// Flags are the boolean runtime switches plus raw passthrough args.
type Flags struct {
	Interactive bool
	TTY         bool
	Remove      bool
	Init        bool
	Privileged  bool
	// KeepID requests rootless keep-id user namespace mapping.
	KeepID bool
	// ExtraRuntimeArgs are appended verbatim after composed flags.
	ExtraRuntimeArgs []string
}

// Spec is the canonical pre-argv container representation. Constructed
// once by compose; discarded after serialization.
type Spec struct {
	ImageRef   string
	Hostname   string
	Workdir    string
	User       string // "uid:gid", empty omits --user
	Entrypoint string // exactly one token: the in-container agent path
	Mounts     []Mount
	Env        []EnvVar
	ExtraHosts []string
	Flags      Flags
	Mechanism  SpecMechanism
	Command    []string // tokens after the entrypoint
}

// Validate checks the hard invariants before serialization.
func (s *Spec) Validate() error {
	if s.Entrypoint == "" || strings.ContainsAny(s.Entrypoint, " \t\n") {
		return &BadEntrypointError{Entrypoint: s.Entrypoint}
	}
	seen := make(map[Mount]bool, len(s.Mounts))
	for _, m := range s.Mounts {
		if seen[m] {
			return &MountConflictError{Mount: m}
		}
		seen[m] = true
	}
	return nil
}
