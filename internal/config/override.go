// SPDX-License-Identifier: MPL-2.0

package config

import (
	"sort"
	"strings"
)

const (
	overridePrefix = "GW_USER_OPT_"
	uuidVar        = "GW_USER_OPT_UUID"
)

// override is one parsed GW_USER_OPT_ variable.
type override struct {
	varName string
	op      EnvOp
	key     string
	value   string
}

// applyOverrides scans environ for GW_USER_OPT_ variables and applies
// them to the raw parameter map in ASCII order of the variable name.
//
// Unscoped form: GW_USER_OPT_{SET,ADD,DEL}_<key>.
// Scoped form:   GW_USER_OPT_<UUID>_{SET,ADD,DEL}_<key>, honored only
// when the scoping UUID matches. Scoping activates when GW_USER_OPT_UUID
// is present (or the config declares a uuid); while active, unscoped
// variables are ignored so a parent can target a specific child.
func applyOverrides(params *rawParams, environ []string) error {
	scope, err := resolveScope(params, environ)
	if err != nil {
		return err
	}

	var honored []override
	for _, entry := range environ {
		name, value, ok := strings.Cut(entry, "=")
		if !ok || name == uuidVar || !strings.HasPrefix(name, overridePrefix) {
			continue
		}
		rest := strings.TrimPrefix(name, overridePrefix)

		if op, key, ok := cutOp(rest); ok {
			// Unscoped variable.
			if scope != "" {
				continue
			}
			honored = append(honored, override{varName: name, op: op, key: key, value: value})
			continue
		}

		// Scoped variable: <UUID>_{SET,ADD,DEL}_<key>.
		uuid, tail, ok := strings.Cut(rest, "_")
		if !ok {
			return &UnknownKeyError{Key: rest, Source: name}
		}
		op, key, ok := cutOp(tail)
		if !ok {
			return &UnknownKeyError{Key: tail, Source: name}
		}
		if scope == "" || uuid != scope {
			continue
		}
		honored = append(honored, override{varName: name, op: op, key: key, value: value})
	}

	sort.Slice(honored, func(i, j int) bool {
		return honored[i].varName < honored[j].varName
	})

	for _, ov := range honored {
		if err := applyOne(params, ov); err != nil {
			return err
		}
	}
	return nil
}

// resolveScope determines the active scoping UUID from GW_USER_OPT_UUID
// and the config-declared uuid. Both present and disagreeing is rejected.
func resolveScope(params *rawParams, environ []string) (string, error) {
	var envUUID string
	for _, entry := range environ {
		if name, value, ok := strings.Cut(entry, "="); ok && name == uuidVar {
			envUUID = strings.ReplaceAll(value, "-", "")
		}
	}
	var cfgUUID string
	if vals := params.get("uuid"); len(vals) > 0 {
		cfgUUID = strings.ReplaceAll(vals[0], "-", "")
	}
	if envUUID != "" && cfgUUID != "" && envUUID != cfgUUID {
		return "", ErrUUIDConflict
	}
	if envUUID != "" {
		return envUUID, nil
	}
	return cfgUUID, nil
}

// cutOp splits "SET_image" into (EnvSet, "image").
func cutOp(s string) (EnvOp, string, bool) {
	for _, op := range []struct {
		prefix string
		op     EnvOp
	}{
		{"SET_", EnvSet},
		{"ADD_", EnvAdd},
		{"DEL_", EnvDel},
	} {
		if key, ok := strings.CutPrefix(s, op.prefix); ok && key != "" {
			return op.op, strings.ToLower(key), true
		}
	}
	return "", "", false
}

func applyOne(params *rawParams, ov override) error {
	isList := listKeys[ov.key]
	if !isList && !scalarKeys[ov.key] {
		return &UnknownKeyError{Key: ov.key, Source: ov.varName}
	}
	switch ov.op {
	case EnvSet:
		params.set(ov.key, []string{ov.value})
	case EnvAdd:
		if !isList {
			return &BadValueError{Key: ov.key, Value: ov.value, Reason: "ADD is only valid for list keys"}
		}
		params.append(ov.key, ov.value)
	case EnvDel:
		if isList {
			kept := params.get(ov.key)[:0:0]
			for _, v := range params.get(ov.key) {
				if v != ov.value {
					kept = append(kept, v)
				}
			}
			if len(kept) == 0 {
				params.delete(ov.key)
			} else {
				params.set(ov.key, kept)
			}
			break
		}
		current := params.get(ov.key)
		if ov.value == "" || (len(current) > 0 && current[0] == ov.value) {
			params.delete(ov.key)
		}
	}
	return nil
}
