// SPDX-License-Identifier: MPL-2.0

// Package launch orders the host-side endgame: optional image build,
// prelaunch hook, InternalSpec staging, then exec-replacement into the
// container runtime. After the exec the runtime owns the TTY and its
// exit code is giftwrap's.
package launch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"

	"github.com/sudonym1/giftwrap/internal/compose"
	"github.com/sudonym1/giftwrap/internal/container"
)

var (
	// ErrBuild is the sentinel wrapped by BuildError.
	ErrBuild = errors.New("image build failed")

	// ErrPrelaunch is the sentinel wrapped by PrelaunchError.
	ErrPrelaunch = errors.New("prelaunch hook failed")
)

// BuildError reports a failed runtime build invocation.
type BuildError struct {
	Image string
	Err   error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build of %s failed: %v", e.Image, e.Err)
}

func (e *BuildError) Unwrap() error { return ErrBuild }

// PrelaunchError reports a non-zero prelaunch hook.
type PrelaunchError struct {
	Command string
	Err     error
}

func (e *PrelaunchError) Error() string {
	return fmt.Sprintf("prelaunch hook failed: %v", e.Err)
}

func (e *PrelaunchError) Unwrap() error { return ErrPrelaunch }

// Launcher drives the build/prelaunch/exec sequence.
type Launcher struct {
	Runtime *container.Runtime
	Logger  *log.Logger

	// ContentAddressed marks the image as context-tagged: a missing
	// local image triggers a build even without --gw-rebuild.
	ContentAddressed bool
	Rebuild          bool

	BuildRoot string
	Prelaunch string

	// SpecFilePath is the staged host file for the file mechanism.
	SpecFilePath string

	// execReplace is swappable for tests.
	execReplace func(binary string, argv, env []string) error
}

// Run performs build → prelaunch → exec, strictly in that order, with no
// overlap. ctx cancellation (SIGINT/SIGTERM before the exec) kills any
// in-flight child.
func (l *Launcher) Run(ctx context.Context, result *compose.Result) error {
	if err := l.buildIfNeeded(ctx, result.Container.ImageRef); err != nil {
		return err
	}
	if err := l.runPrelaunch(ctx); err != nil {
		return err
	}
	return l.execRuntime(result)
}

func (l *Launcher) buildIfNeeded(ctx context.Context, image string) error {
	need := l.Rebuild
	if !need && l.ContentAddressed {
		need = !l.Runtime.ImageExists(ctx, image)
	}
	if !need {
		return nil
	}
	l.Logger.Info("building image", "image", image)
	if err := l.Runtime.Build(ctx, image, l.BuildRoot); err != nil {
		return &BuildError{Image: image, Err: err}
	}
	return nil
}

func (l *Launcher) runPrelaunch(ctx context.Context) error {
	if l.Prelaunch == "" {
		return nil
	}
	l.Logger.Debug("running prelaunch hook", "command", l.Prelaunch)
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", l.Prelaunch)
	cmd.Dir = l.BuildRoot
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return &PrelaunchError{Command: l.Prelaunch, Err: err}
	}
	return nil
}

// execRuntime stages the InternalSpec and replaces the process with the
// runtime. There is no post-exec cleanup; all writeback happened before.
func (l *Launcher) execRuntime(result *compose.Result) error {
	payload, err := result.Internal.Marshal()
	if err != nil {
		return fmt.Errorf("serialize internal spec: %w", err)
	}

	switch result.Container.Mechanism {
	case container.SpecFD:
		if err := stageSpecFD(payload); err != nil {
			return err
		}
	case container.SpecFile:
		if err := os.WriteFile(l.SpecFilePath, payload, 0o600); err != nil {
			return fmt.Errorf("write internal spec file: %w", err)
		}
	}

	args, err := l.Runtime.Flavor.RunArgs(result.Container)
	if err != nil {
		return err
	}
	binary, err := exec.LookPath(l.Runtime.Flavor.Binary())
	if err != nil {
		return fmt.Errorf("%s not found on PATH: %w", l.Runtime.Flavor.Binary(), err)
	}

	replace := l.execReplace
	if replace == nil {
		replace = unix.Exec
	}
	argv := append([]string{binary}, args...)
	if err := replace(binary, argv, os.Environ()); err != nil {
		return fmt.Errorf("exec %s: %w", binary, err)
	}
	return nil
}

// stageSpecFD parks the spec payload on fd 3, where the runtime's
// --preserve-fds forwards it to the agent. The pipe buffer comfortably
// holds the spec, so the write completes before the child reads.
func stageSpecFD(payload []byte) error {
	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create spec pipe: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write spec pipe: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close spec pipe: %w", err)
	}
	if int(r.Fd()) != 3 {
		if err := unix.Dup2(int(r.Fd()), 3); err != nil {
			return fmt.Errorf("dup spec pipe to fd 3: %w", err)
		}
		r.Close()
	}
	// Clear close-on-exec so the runtime inherits the descriptor.
	if _, err := unix.FcntlInt(3, unix.F_SETFD, 0); err != nil {
		return fmt.Errorf("clear close-on-exec on fd 3: %w", err)
	}
	return nil
}
