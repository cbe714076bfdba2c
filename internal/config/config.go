// SPDX-License-Identifier: MPL-2.0

// Package config discovers the build root, parses the giftwrap config file
// and applies the GW_USER_OPT_ environment override protocol.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"mvdan.cc/sh/v3/shell"
)

// Config file names, in preference order.
var configNames = [2]string{".giftwrap", "giftwrap"}

// EnvOp is an environment delta operator.
type EnvOp string

const (
	EnvSet EnvOp = "set"
	EnvAdd EnvOp = "add"
	EnvDel EnvOp = "del"
)

// EnvDelta is one ordered entry of env_overrides.
type EnvDelta struct {
	Name  string `yaml:"name"`
	Op    EnvOp  `yaml:"op"`
	Value string `yaml:"value,omitempty"`
	// HasValue distinguishes an explicit empty value from an omitted one;
	// an omitted set value copies the host environment at compose time.
	HasValue bool `yaml:"-"`
}

// Share is one extra_shares entry.
type Share struct {
	HostPath      string `yaml:"host_path"`
	ContainerPath string `yaml:"container_path"`
	ReadOnly      bool   `yaml:"ro,omitempty"`
}

// UserMapping selects how the host identity maps into the container.
type UserMapping string

const (
	MapHost   UserMapping = "host"
	MapKeepID UserMapping = "keepid"
	MapNone   UserMapping = "none"
)

// Config is the parsed build-root contract. Built once per invocation,
// immutable thereafter.
type Config struct {
	BuildRoot  string `yaml:"build_root"`
	ConfigPath string `yaml:"config_path"`

	Image    string `yaml:"image"`
	Tag      string `yaml:"tag,omitempty"`
	MountTo  string `yaml:"mount_to"`
	Workdir  string `yaml:"workdir,omitempty"`
	Hostname string `yaml:"hostname,omitempty"`

	ExtraShares []Share  `yaml:"extra_shares,omitempty"`
	ShareGitDir bool     `yaml:"share_git_dir,omitempty"`
	ExtraHosts  []string `yaml:"extra_hosts,omitempty"`

	EnvOverrides    []EnvDelta `yaml:"env_overrides,omitempty"`
	PersistEnvNames []string   `yaml:"persist_env_names,omitempty"`
	PersistEnvFile  string     `yaml:"persist_env_file,omitempty"`

	Prelaunch  string   `yaml:"prelaunch,omitempty"`
	ExtraShell string   `yaml:"extra_shell,omitempty"`
	PrefixCmd  []string `yaml:"prefix_cmd,omitempty"`

	UserMapping UserMapping `yaml:"user_mapping"`
	UseContext  bool        `yaml:"use_context,omitempty"`
	ExtraArgs   []string    `yaml:"extra_args,omitempty"`

	// UUID scopes GW_USER_OPT_ overrides, dashes stripped.
	UUID string `yaml:"uuid,omitempty"`
}

// DefaultMountTo is the container-side build-root mount point when
// mount_to is not configured.
const DefaultMountTo = "/src"

// DefaultPersistEnvFile is the persisted-env file name, relative to the
// build root, when persist_env_file is not configured.
const DefaultPersistEnvFile = ".giftwrap.env"

// Load discovers the build root starting at startDir, parses the config
// file, applies environment overrides from environ (os.Environ() format)
// and interprets the result.
func Load(startDir string, environ []string) (*Config, error) {
	buildRoot, configPath, err := Discover(startDir)
	if err != nil {
		return nil, err
	}
	raw, err := parseFile(configPath)
	if err != nil {
		return nil, err
	}
	if err := applyOverrides(raw, environ); err != nil {
		return nil, err
	}
	return interpret(raw, buildRoot, configPath)
}

// Discover walks parent directories from startDir until it finds a
// .giftwrap or giftwrap file. The containing directory is the build root.
func Discover(startDir string) (buildRoot, configPath string, err error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", "", fmt.Errorf("resolve start directory: %w", err)
	}
	for {
		for _, name := range configNames {
			candidate := filepath.Join(dir, name)
			if st, err := os.Stat(candidate); err == nil && st.Mode().IsRegular() {
				return dir, candidate, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", "", &NotInBuildRootError{StartDir: startDir}
		}
		dir = parent
	}
}

// interpret turns the raw parameter map into a Config, validating every
// key's shape.
func interpret(raw *rawParams, buildRoot, configPath string) (*Config, error) {
	cfg := &Config{
		BuildRoot:      buildRoot,
		ConfigPath:     configPath,
		MountTo:        DefaultMountTo,
		PersistEnvFile: DefaultPersistEnvFile,
		UserMapping:    MapHost,
	}

	for _, key := range raw.keys() {
		values := raw.get(key)
		if len(values) == 0 {
			continue
		}
		switch key {
		case "image":
			cfg.Image = values[0]
		case "tag":
			cfg.Tag = values[0]
		case "mount_to":
			cfg.MountTo = values[0]
		case "workdir":
			cfg.Workdir = values[0]
		case "hostname":
			cfg.Hostname = values[0]
		case "persist_env_file":
			cfg.PersistEnvFile = values[0]
		case "prelaunch":
			cfg.Prelaunch = values[0]
		case "extra_shell":
			cfg.ExtraShell = values[0]
		case "uuid":
			cfg.UUID = strings.ReplaceAll(values[0], "-", "")
		case "prefix_cmd":
			tokens, err := shell.Fields(values[0], nil)
			if err != nil {
				return nil, &BadValueError{Key: key, Value: values[0], Reason: err.Error()}
			}
			cfg.PrefixCmd = tokens
		case "share_git_dir":
			b, err := parseBool(values[0])
			if err != nil {
				return nil, &BadValueError{Key: key, Value: values[0], Reason: err.Error()}
			}
			cfg.ShareGitDir = b
		case "use_context":
			b, err := parseBool(values[0])
			if err != nil {
				return nil, &BadValueError{Key: key, Value: values[0], Reason: err.Error()}
			}
			cfg.UseContext = b
		case "user_mapping":
			switch UserMapping(values[0]) {
			case MapHost, MapKeepID, MapNone:
				cfg.UserMapping = UserMapping(values[0])
			default:
				return nil, &BadValueError{Key: key, Value: values[0], Reason: "must be host, keepid or none"}
			}
		case "extra_shares":
			for _, v := range values {
				share, err := parseShare(v)
				if err != nil {
					return nil, err
				}
				cfg.ExtraShares = append(cfg.ExtraShares, share)
			}
		case "extra_hosts":
			for _, v := range values {
				if !strings.Contains(v, ":") {
					return nil, &BadValueError{Key: key, Value: v, Reason: "must be host:ip"}
				}
				cfg.ExtraHosts = append(cfg.ExtraHosts, v)
			}
		case "env_overrides":
			for _, v := range values {
				delta, err := parseEnvDelta(v)
				if err != nil {
					return nil, err
				}
				cfg.EnvOverrides = append(cfg.EnvOverrides, delta)
			}
		case "persist_env_names":
			for _, v := range values {
				cfg.PersistEnvNames = append(cfg.PersistEnvNames, strings.Fields(v)...)
			}
		case "extra_args":
			for _, v := range values {
				tokens, err := shell.Fields(v, nil)
				if err != nil {
					return nil, &BadValueError{Key: key, Value: v, Reason: err.Error()}
				}
				cfg.ExtraArgs = append(cfg.ExtraArgs, tokens...)
			}
		default:
			// parseFile and applyOverrides reject unknown keys already;
			// reaching here means the key tables are out of sync.
			return nil, &UnknownKeyError{Key: key, Source: "config"}
		}
	}

	if cfg.Image == "" {
		return nil, &BadValueError{Key: "image", Reason: "image must be specified in " + configPath}
	}
	if cfg.Tag != "" && cfg.UseContext {
		return nil, &BadValueError{Key: "tag", Value: cfg.Tag, Reason: "tag and use_context are mutually exclusive"}
	}
	return cfg, nil
}

// parseShare parses host:container[:ro]. A bare path mounts to itself.
func parseShare(value string) (Share, error) {
	parts := strings.Split(value, ":")
	share := Share{HostPath: parts[0]}
	switch len(parts) {
	case 1:
		share.ContainerPath = parts[0]
	case 2:
		share.ContainerPath = parts[1]
	case 3:
		share.ContainerPath = parts[1]
		switch parts[2] {
		case "ro":
			share.ReadOnly = true
		case "rw", "":
		default:
			return share, &BadValueError{Key: "extra_shares", Value: value, Reason: "options must be ro or rw"}
		}
	default:
		return share, &BadValueError{Key: "extra_shares", Value: value, Reason: "too many fields"}
	}
	if share.HostPath == "" || share.ContainerPath == "" {
		return share, &BadValueError{Key: "extra_shares", Value: value, Reason: "host and container paths must be non-empty"}
	}
	return share, nil
}

// parseEnvDelta parses "NAME op [value]". The value may be quoted.
func parseEnvDelta(value string) (EnvDelta, error) {
	fields, err := shell.Fields(value, nil)
	if err != nil {
		return EnvDelta{}, &BadValueError{Key: "env_overrides", Value: value, Reason: err.Error()}
	}
	if len(fields) < 2 || len(fields) > 3 {
		return EnvDelta{}, &BadValueError{Key: "env_overrides", Value: value, Reason: "expected NAME op [value]"}
	}
	delta := EnvDelta{Name: fields[0], Op: EnvOp(fields[1])}
	switch delta.Op {
	case EnvSet, EnvAdd, EnvDel:
	default:
		return EnvDelta{}, &BadValueError{Key: "env_overrides", Value: value, Reason: "op must be set, add or del"}
	}
	if len(fields) == 3 {
		delta.Value = fields[2]
		delta.HasValue = true
	}
	return delta, nil
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", value)
}
