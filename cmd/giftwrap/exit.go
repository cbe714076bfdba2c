// SPDX-License-Identifier: MPL-2.0

package main

import (
	"errors"
	"fmt"

	"github.com/sudonym1/giftwrap/internal/agent"
	"github.com/sudonym1/giftwrap/internal/buildctx"
	"github.com/sudonym1/giftwrap/internal/cli"
	"github.com/sudonym1/giftwrap/internal/compose"
	"github.com/sudonym1/giftwrap/internal/config"
	"github.com/sudonym1/giftwrap/internal/container"
	"github.com/sudonym1/giftwrap/internal/internalspec"
	"github.com/sudonym1/giftwrap/internal/launch"
)

// Process exit codes. See the error kind mapping in exitCode.
const (
	exitOK        = 0
	exitUsage     = 1
	exitBuild     = 2
	exitPrelaunch = 3
	exitConfig    = 4
	exitContext   = 5
	exitIO        = 6
	exitProtocol  = 64
)

// ExitError carries a process exit code out of a RunE handler without
// forcing os.Exit mid-command. Err is printed to stderr with Prefix.
type ExitError struct {
	Prefix string
	Code   int
	Err    error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// exitCode maps an error to its contract exit code. Anything
// unclassified is treated as an I/O failure.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, cli.ErrUnknownFlag),
		errors.Is(err, cli.ErrBadExtraArgs),
		errors.Is(err, config.ErrUUIDConflict),
		errors.Is(err, container.ErrBadEntrypoint),
		errors.Is(err, agent.ErrUsage):
		return exitUsage
	case errors.Is(err, launch.ErrBuild):
		return exitBuild
	case errors.Is(err, launch.ErrPrelaunch):
		return exitPrelaunch
	case errors.Is(err, config.ErrNotInBuildRoot),
		errors.Is(err, config.ErrDuplicateKey),
		errors.Is(err, config.ErrUnknownKey),
		errors.Is(err, config.ErrBadValue),
		errors.Is(err, compose.ErrBadShare),
		errors.Is(err, container.ErrMountConflict):
		return exitConfig
	case errors.Is(err, buildctx.ErrBadPattern),
		errors.Is(err, buildctx.ErrEmptyContext),
		errors.Is(err, buildctx.ErrContextIO):
		return exitContext
	case errors.Is(err, internalspec.ErrVersionMismatch),
		errors.Is(err, internalspec.ErrMalformed):
		return exitProtocol
	default:
		return exitIO
	}
}
