// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// Flavor identifies the CLI spelling family of a container runtime. Only
// the argv shape varies; compose is backend-independent.
type Flavor string

const (
	FlavorPodman Flavor = "podman"
	FlavorDocker Flavor = "docker"
)

// Binary returns the runtime executable name.
func (f Flavor) Binary() string { return string(f) }

// SupportsFDPassing reports whether the runtime can forward inherited
// file descriptors into the container.
func (f Flavor) SupportsFDPassing() bool { return f == FlavorPodman }

// RunArgs serializes a Spec into the runtime run argv, in the fixed order
// the tests assert:
//
//	run --rm [--init] [--interactive --tty] [--preserve-fds 1]
//	    [--userns=keep-id] [--privileged] --hostname H [--user U]
//	    --workdir W (--env K=V)* (--mount ...)* (--add-host H:I)*
//	    <extra...> <image> <entrypoint> <command...>
func (f Flavor) RunArgs(spec *Spec) ([]string, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	args := []string{"run"}
	if spec.Flags.Remove {
		args = append(args, "--rm")
	}
	if spec.Flags.Init {
		args = append(args, "--init")
	}
	if spec.Flags.Interactive {
		args = append(args, "--interactive")
	}
	if spec.Flags.TTY {
		args = append(args, "--tty")
	}
	if spec.Mechanism == SpecFD && f.SupportsFDPassing() {
		args = append(args, "--preserve-fds", "1")
	}
	if spec.Flags.KeepID && f == FlavorPodman {
		args = append(args, "--userns=keep-id")
	}
	if spec.Flags.Privileged {
		args = append(args, "--privileged")
	}
	if spec.Hostname != "" {
		args = append(args, "--hostname", spec.Hostname)
	}
	if spec.User != "" {
		args = append(args, "--user", spec.User)
	}
	if spec.Workdir != "" {
		args = append(args, "--workdir", spec.Workdir)
	}
	for _, env := range spec.Env {
		args = append(args, "--env", env.Name+"="+env.Value)
	}
	for _, mount := range spec.Mounts {
		args = append(args, "--mount", formatMount(mount))
	}
	for _, host := range spec.ExtraHosts {
		args = append(args, "--add-host", host)
	}
	args = append(args, spec.Flags.ExtraRuntimeArgs...)
	args = append(args, spec.ImageRef, spec.Entrypoint)
	args = append(args, spec.Command...)
	return args, nil
}

// formatMount renders a bind mount in --mount syntax.
func formatMount(m Mount) string {
	s := fmt.Sprintf("type=bind,source=%s,target=%s", m.Host, m.Container)
	if m.ReadOnly {
		s += ",ro"
	}
	return s
}

// ExecCommandFunc creates the exec.Cmd used for runtime subcommands.
// Injectable for tests.
type ExecCommandFunc func(ctx context.Context, name string, arg ...string) *exec.Cmd

// Runtime invokes the container runtime CLI for build and image queries.
// The final `run` is never executed through Runtime: the caller
// exec-replaces itself instead.
type Runtime struct {
	Flavor      Flavor
	execCommand ExecCommandFunc
}

// NewRuntime returns a Runtime for the given flavor.
func NewRuntime(flavor Flavor) *Runtime {
	return &Runtime{Flavor: flavor, execCommand: exec.CommandContext}
}

// WithExecCommand overrides subprocess creation, for tests.
func (r *Runtime) WithExecCommand(fn ExecCommandFunc) *Runtime {
	r.execCommand = fn
	return r
}

// Build runs `<runtime> build -t <image> <contextDir>` with inherited
// stdio so the user sees build progress.
func (r *Runtime) Build(ctx context.Context, image, contextDir string) error {
	cmd := r.execCommand(ctx, r.Flavor.Binary(), "build", "-t", image, contextDir)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s build failed: %w", r.Flavor.Binary(), err)
	}
	return nil
}

// ImageExists checks the local image store.
func (r *Runtime) ImageExists(ctx context.Context, image string) bool {
	var cmd *exec.Cmd
	if r.Flavor == FlavorPodman {
		cmd = r.execCommand(ctx, r.Flavor.Binary(), "image", "exists", image)
	} else {
		cmd = r.execCommand(ctx, r.Flavor.Binary(), "image", "inspect", image)
	}
	return cmd.Run() == nil
}
