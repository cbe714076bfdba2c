// SPDX-License-Identifier: MPL-2.0

package compose

import (
	"errors"
	"os"
	"slices"
	"testing"
	"time"

	"github.com/sudonym1/giftwrap/internal/cli"
	"github.com/sudonym1/giftwrap/internal/config"
	"github.com/sudonym1/giftwrap/internal/container"
	"github.com/sudonym1/giftwrap/internal/hostinfo"
)

// fakeFileInfo satisfies os.FileInfo for the injected stat.
type fakeFileInfo struct{ name string }

func (f fakeFileInfo) Name() string       { return f.name }
func (f fakeFileInfo) Size() int64        { return 0 }
func (f fakeFileInfo) Mode() os.FileMode  { return 0o644 }
func (f fakeFileInfo) ModTime() time.Time { return time.Time{} }
func (f fakeFileInfo) IsDir() bool        { return false }
func (f fakeFileInfo) Sys() any           { return nil }

func statAll(string) (os.FileInfo, error) { return fakeFileInfo{}, nil }

func statNone(path string) (os.FileInfo, error) { return nil, os.ErrNotExist }

func testConfig() *config.Config {
	return &config.Config{
		BuildRoot:      "/proj",
		ConfigPath:     "/proj/.giftwrap",
		Image:          "debian:bookworm-slim",
		MountTo:        config.DefaultMountTo,
		PersistEnvFile: config.DefaultPersistEnvFile,
		UserMapping:    config.MapHost,
	}
}

func testHost() *hostinfo.Info {
	return &hostinfo.Info{
		UID:      1000,
		GID:      1000,
		Username: "dev",
		Home:     "/home/dev",
		StdinTTY: true,
	}
}

func testInputs() Inputs {
	return Inputs{
		Config:      testConfig(),
		CLI:         &cli.Options{},
		Host:        testHost(),
		AgentSource: "/usr/local/bin/giftwrap",
		Getenv:      func(string) string { return "" },
		Stat:        statAll,
	}
}

func mustBuild(t *testing.T, in Inputs) *Result {
	t.Helper()
	result, err := Build(in)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return result
}

func TestBuild_BasicRunArgvTail(t *testing.T) {
	t.Parallel()
	in := testInputs()
	in.CLI.UserCommand = []string{"echo", "ok"}
	result := mustBuild(t, in)

	args, err := container.FlavorPodman.RunArgs(result.Container)
	if err != nil {
		t.Fatalf("RunArgs: %v", err)
	}
	tail := args[len(args)-4:]
	want := []string{"debian:bookworm-slim", "/giftwrap", "agent", "--spec-fd=3"}
	if !slices.Equal(tail, want) {
		t.Fatalf("argv tail = %q, want %q", tail, want)
	}
	if result.Internal.UserCommand[0] != "echo" {
		t.Fatalf("user command = %q", result.Internal.UserCommand)
	}
}

func TestResolveImage_Precedence(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	sha := "0123456789abcdef0123456789abcdef01234567"

	if got := ResolveImage(cfg, &cli.Options{Image: "debian:bookworm"}, sha); got != "debian:bookworm" {
		t.Fatalf("--gw-img must win, got %q", got)
	}
	if got := ResolveImage(cfg, &cli.Options{}, sha); got != "debian:bookworm-slim:gw-0123456789ab" {
		t.Fatalf("context tag: got %q", got)
	}
	cfg.Tag = "v1"
	if got := ResolveImage(cfg, &cli.Options{}, ""); got != "debian:bookworm-slim:v1" {
		t.Fatalf("fixed tag: got %q", got)
	}
	cfg.Tag = ""
	if got := ResolveImage(cfg, &cli.Options{}, ""); got != "debian:bookworm-slim" {
		t.Fatalf("bare image: got %q", got)
	}
}

func TestBuild_HostnameFromBuildRootBasename(t *testing.T) {
	t.Parallel()
	in := testInputs()
	in.Config.BuildRoot = "/home/dev/My Project!"
	result := mustBuild(t, in)
	if result.Container.Hostname != "my-project" {
		t.Fatalf("hostname = %q", result.Container.Hostname)
	}

	in.Config.Hostname = "Custom.Host"
	result = mustBuild(t, in)
	if result.Container.Hostname != "custom-host" {
		t.Fatalf("hostname override = %q", result.Container.Hostname)
	}
}

func TestBuild_UserMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		mapping    config.UserMapping
		wantUser   string
		wantKeepID bool
	}{
		{config.MapHost, "1000:1000", false},
		{config.MapKeepID, "0:0", true},
		{config.MapNone, "", false},
	}
	for _, tt := range tests {
		in := testInputs()
		in.Config.UserMapping = tt.mapping
		result := mustBuild(t, in)
		if result.Container.User != tt.wantUser {
			t.Errorf("%s: user = %q, want %q", tt.mapping, result.Container.User, tt.wantUser)
		}
		if result.Container.Flags.KeepID != tt.wantKeepID {
			t.Errorf("%s: keepid = %v", tt.mapping, result.Container.Flags.KeepID)
		}
	}
}

func TestBuild_MountOrder(t *testing.T) {
	t.Parallel()
	in := testInputs()
	in.Config.ExtraShares = []config.Share{
		{HostPath: "/var/cache", ContainerPath: "/cache", ReadOnly: true},
	}
	in.Config.ShareGitDir = true
	in.Host.GitCommonDir = "/home/dev/repos/.git-common"
	result := mustBuild(t, in)

	want := []container.Mount{
		{Host: "/proj", Container: "/src"},
		{Host: "/var/cache", Container: "/cache", ReadOnly: true},
		{Host: "/home/dev/repos/.git-common", Container: "/src/.git"},
		{Host: "/usr/local/bin/giftwrap", Container: "/giftwrap", ReadOnly: true},
	}
	if !slices.Equal(result.Container.Mounts, want) {
		t.Fatalf("mounts = %+v\nwant %+v", result.Container.Mounts, want)
	}
}

func TestBuild_GitDirInsideRootNotMounted(t *testing.T) {
	t.Parallel()
	in := testInputs()
	in.Config.ShareGitDir = true
	in.Host.GitCommonDir = "/proj/.git"
	result := mustBuild(t, in)
	for _, m := range result.Container.Mounts {
		if m.Host == "/proj/.git" {
			t.Fatal("in-root git dir must not get its own mount")
		}
	}
}

func TestBuild_BadShare(t *testing.T) {
	t.Parallel()
	in := testInputs()
	in.Config.ExtraShares = []config.Share{{HostPath: "/missing", ContainerPath: "/missing"}}
	in.Stat = statNone
	_, err := Build(in)
	if !errors.Is(err, ErrBadShare) {
		t.Fatalf("expected ErrBadShare, got %v", err)
	}
}

func TestBuild_LaterMountWinsOnTargetConflict(t *testing.T) {
	t.Parallel()
	in := testInputs()
	in.Config.ExtraShares = []config.Share{
		{HostPath: "/elsewhere/src", ContainerPath: "/src"},
	}
	result := mustBuild(t, in)
	count := 0
	for _, m := range result.Container.Mounts {
		if m.Container == "/src" {
			count++
			if m.Host != "/elsewhere/src" {
				t.Fatalf("later mount must win, got %+v", m)
			}
		}
	}
	if count != 1 {
		t.Fatalf("expected one /src mount, got %d", count)
	}
}

func TestBuild_ExactDuplicateMountRejected(t *testing.T) {
	t.Parallel()
	in := testInputs()
	in.Config.ExtraShares = []config.Share{
		{HostPath: "/var/cache", ContainerPath: "/cache"},
		{HostPath: "/var/cache", ContainerPath: "/cache"},
	}
	_, err := Build(in)
	if !errors.Is(err, container.ErrMountConflict) {
		t.Fatalf("expected ErrMountConflict, got %v", err)
	}
}

func TestBuild_EnvOverridesComposeIntoRuntimeEnv(t *testing.T) {
	t.Parallel()
	in := testInputs()
	in.Config.EnvOverrides = []config.EnvDelta{
		{Name: "FOO", Op: config.EnvSet, Value: "bar", HasValue: true},
		{Name: "FOO", Op: config.EnvSet, Value: "baz", HasValue: true},
		{Name: "PATH", Op: config.EnvAdd, Value: "/opt/bin", HasValue: true},
		{Name: "DROPPED", Op: config.EnvSet, Value: "x", HasValue: true},
		{Name: "DROPPED", Op: config.EnvDel},
	}
	result := mustBuild(t, in)

	want := []container.EnvVar{
		{Name: "GW_BUILD_ROOT", Value: "/src"},
		{Name: "FOO", Value: "baz"},
		{Name: "PATH", Value: "/opt/bin"},
	}
	if !slices.Equal(result.Container.Env, want) {
		t.Fatalf("env = %+v\nwant %+v", result.Container.Env, want)
	}

	seen := map[string]bool{}
	for _, kv := range result.Container.Env {
		if seen[kv.Name] {
			t.Fatalf("duplicate env name %q", kv.Name)
		}
		seen[kv.Name] = true
	}
}

func TestBuild_OmittedValueCopiesHostEnv(t *testing.T) {
	t.Parallel()
	in := testInputs()
	in.Config.EnvOverrides = []config.EnvDelta{
		{Name: "PRESENT", Op: config.EnvSet},
		{Name: "ABSENT", Op: config.EnvSet},
	}
	in.Getenv = func(name string) string {
		if name == "PRESENT" {
			return "from-host"
		}
		return ""
	}
	result := mustBuild(t, in)
	var names []string
	for _, kv := range result.Container.Env {
		names = append(names, kv.Name+"="+kv.Value)
	}
	if !slices.Contains(names, "PRESENT=from-host") {
		t.Fatalf("host value not copied: %q", names)
	}
	if slices.Contains(names, "ABSENT=") {
		t.Fatalf("absent host var must be skipped: %q", names)
	}
}

func TestBuild_PersistedNamesRouteToAgent(t *testing.T) {
	t.Parallel()
	in := testInputs()
	in.Config.PersistEnvNames = []string{"MARK"}
	in.Config.EnvOverrides = []config.EnvDelta{
		{Name: "MARK", Op: config.EnvSet, Value: "cfg", HasValue: true},
		{Name: "OTHER", Op: config.EnvSet, Value: "o", HasValue: true},
	}
	result := mustBuild(t, in)

	for _, kv := range result.Container.Env {
		if kv.Name == "MARK" {
			t.Fatal("persisted name must not be set in the runtime env")
		}
	}
	foundMark := false
	for _, delta := range result.Internal.Env {
		if delta.Name == "MARK" && delta.Value == "cfg" {
			foundMark = true
		}
	}
	if !foundMark {
		t.Fatalf("persisted delta missing from internal spec: %+v", result.Internal.Env)
	}
	if result.Internal.PersistEnvPath != "/src/.giftwrap.env" {
		t.Fatalf("persist path = %q", result.Internal.PersistEnvPath)
	}
	if !slices.Equal(result.Internal.PersistEnvNames, []string{"MARK"}) {
		t.Fatalf("persist names = %q", result.Internal.PersistEnvNames)
	}
}

func TestBuild_PersistedHostValueFlowsToAgent(t *testing.T) {
	t.Parallel()
	in := testInputs()
	in.Config.PersistEnvNames = []string{"MARK"}
	in.Getenv = func(name string) string {
		if name == "MARK" {
			return "1"
		}
		return ""
	}
	result := mustBuild(t, in)
	found := false
	for _, delta := range result.Internal.Env {
		if delta.Op == "set" && delta.Name == "MARK" && delta.Value == "1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("host MARK=1 must flow into the agent deltas: %+v", result.Internal.Env)
	}
}

func TestBuild_TTYFlagsFollowStdin(t *testing.T) {
	t.Parallel()
	for _, tty := range []bool{true, false} {
		in := testInputs()
		in.Host.StdinTTY = tty
		result := mustBuild(t, in)
		if result.Container.Flags.Interactive != tty || result.Container.Flags.TTY != tty {
			t.Fatalf("tty=%v: flags=%+v", tty, result.Container.Flags)
		}
		if !result.Container.Flags.Remove || !result.Container.Flags.Init {
			t.Fatalf("rm/init must always be set: %+v", result.Container.Flags)
		}
	}
}

func TestBuild_ExtraArgsOrdering(t *testing.T) {
	t.Parallel()
	in := testInputs()
	in.Config.ExtraArgs = []string{"--pids-limit=100"}
	in.CLI.ExtraArgs = []string{"--security-opt=label=disable"}
	result := mustBuild(t, in)
	want := []string{"--pids-limit=100", "--security-opt=label=disable"}
	if !slices.Equal(result.Container.Flags.ExtraRuntimeArgs, want) {
		t.Fatalf("extra args = %q", result.Container.Flags.ExtraRuntimeArgs)
	}
}

func TestBuild_Deterministic(t *testing.T) {
	t.Parallel()
	in := testInputs()
	in.Config.EnvOverrides = []config.EnvDelta{
		{Name: "A", Op: config.EnvSet, Value: "1", HasValue: true},
	}
	first := mustBuild(t, in)
	second := mustBuild(t, in)

	argsA, err := container.FlavorPodman.RunArgs(first.Container)
	if err != nil {
		t.Fatal(err)
	}
	argsB, err := container.FlavorPodman.RunArgs(second.Container)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(argsA, argsB) {
		t.Fatalf("compose is not deterministic:\n%q\n%q", argsA, argsB)
	}
}
