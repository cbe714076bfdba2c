// SPDX-License-Identifier: MPL-2.0

package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// scalarKeys and listKeys reserve the config namespace; anything else is
// an UnknownKey error, from the file or from an override.
var scalarKeys = map[string]bool{
	"image":            true,
	"tag":              true,
	"mount_to":         true,
	"workdir":          true,
	"hostname":         true,
	"share_git_dir":    true,
	"persist_env_file": true,
	"prelaunch":        true,
	"extra_shell":      true,
	"prefix_cmd":       true,
	"user_mapping":     true,
	"use_context":      true,
	"uuid":             true,
}

var listKeys = map[string]bool{
	"extra_shares":      true,
	"extra_hosts":       true,
	"env_overrides":     true,
	"persist_env_names": true,
	"extra_args":        true,
}

// SyntaxError reports an unparseable config line.
type SyntaxError struct {
	Path   string
	Line   int
	Reason string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Reason)
}

func (e *SyntaxError) Unwrap() error { return ErrBadValue }

// rawParams is the key/value view of the config file before
// interpretation, preserving first-seen key order. List keys hold one
// element per config line; scalar keys hold exactly one.
type rawParams struct {
	order []string
	vals  map[string][]string
}

func newRawParams() *rawParams {
	return &rawParams{vals: make(map[string][]string)}
}

func (p *rawParams) keys() []string { return p.order }

func (p *rawParams) get(key string) []string { return p.vals[key] }

func (p *rawParams) set(key string, values []string) {
	if _, ok := p.vals[key]; !ok {
		p.order = append(p.order, key)
	}
	p.vals[key] = values
}

func (p *rawParams) append(key, value string) {
	p.set(key, append(p.vals[key], value))
}

func (p *rawParams) delete(key string) {
	if _, ok := p.vals[key]; !ok {
		return
	}
	delete(p.vals, key)
	for i, k := range p.order {
		if k == key {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// parseFile reads the line-oriented `key = value` config format.
// `#` starts a line comment, blank lines are ignored. Repeated scalar
// keys fail DuplicateKey; keys outside the reserved namespace fail
// UnknownKey.
func parseFile(path string) (*rawParams, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	defer f.Close()

	params := newRawParams()
	scanner := bufio.NewScanner(f)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, &SyntaxError{Path: path, Line: lineno, Reason: "expected key = value"}
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch {
		case listKeys[key]:
			params.append(key, value)
		case scalarKeys[key]:
			if len(params.get(key)) > 0 {
				return nil, &DuplicateKeyError{Key: key, Line: lineno}
			}
			params.set(key, []string{value})
		default:
			return nil, &UnknownKeyError{Key: key, Source: "config"}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	return params, nil
}
