// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/gomlx/disttrain/pkg/support/fsutil"
)

// ParseSettings applies settings -- typically the contents of a flag set by the user -- to the
// configuration tree. The settings are a list separated by ";": e.g.: "optimizer.lr=0.01;network.num_hidden=64".
//
// Every key must be a known setting, listed in defaults: its default value also defines the type
// the string value is parsed to. Lists are given separated by ",": e.g.: "metrics.top_k=1,3".
//
// For integer types, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000.
//
// A setting like "file:overrides.txt" reads the settings from the file: new-lines work as ";" and lines
// starting with "#" are comments.
//
// It returns the keys set, in order.
func ParseSettings(tree, defaults *toml.Tree, settings string) (keysSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		keysSet, err = parseSetting(tree, defaults, setting, keysSet)
		if err != nil {
			return
		}
	}
	return
}

func parseSetting(tree, defaults *toml.Tree, setting string, keysSet []string) ([]string, error) {
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return keysSet, nil
	}
	if filePath, found := strings.CutPrefix(setting, "file:"); found {
		filePath, err := fsutil.ReplaceTildeInDir(filePath)
		if err != nil {
			return keysSet, err
		}
		contents, err := os.ReadFile(filePath)
		if err != nil {
			return keysSet, errors.Wrapf(err, "failed to read settings from file %q", filePath)
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, s := range strings.Split(line, ";") {
				keysSet, err = parseSetting(tree, defaults, s, keysSet)
				if err != nil {
					return keysSet, err
				}
			}
		}
		return keysSet, nil
	}

	key, valueStr, found := strings.Cut(setting, "=")
	if !found {
		return keysSet, errors.Errorf("can't parse setting %q: each setting requires the format \"<key>=<value>\"", setting)
	}
	key, valueStr = strings.TrimSpace(key), strings.TrimSpace(valueStr)
	if !defaults.Has(key) {
		return keysSet, errors.Errorf("unknown setting %q, valid settings are: %s", key, strings.Join(SettingKeys(defaults), ", "))
	}
	if _, isTable := defaults.Get(key).(*toml.Tree); isTable {
		return keysSet, errors.Errorf("%q is a section, not a setting", key)
	}
	value, err := parseValue(defaults.Get(key), valueStr)
	if err != nil {
		return keysSet, errors.WithMessagef(err, "failed to parse value %q for setting %q (default value is %v)",
			valueStr, key, defaults.Get(key))
	}
	tree.Set(key, value)
	return append(keysSet, key), nil
}

// parseValue parses valueStr to the type of the default value.
func parseValue(defaultValue any, valueStr string) (any, error) {
	switch v := defaultValue.(type) {
	case int64:
		return strconv.ParseInt(strings.ReplaceAll(valueStr, "_", ""), 10, 64)
	case float64:
		return strconv.ParseFloat(valueStr, 64)
	case bool:
		return strconv.ParseBool(valueStr)
	case string:
		return valueStr, nil
	case []any:
		// Element type from the first default element, integers otherwise.
		var elemDefault any = int64(0)
		if len(v) > 0 {
			elemDefault = v[0]
		}
		var list []any
		for _, part := range strings.Split(valueStr, ",") {
			elem, err := parseValue(elemDefault, strings.TrimSpace(part))
			if err != nil {
				return nil, err
			}
			list = append(list, elem)
		}
		return list, nil
	default:
		return nil, errors.Errorf("don't know how to parse type %T", defaultValue)
	}
}

// SettingKeys lists all the settings (leaves) of the tree, sorted.
func SettingKeys(tree *toml.Tree) []string {
	var keys []string
	var walk func(prefix string, t *toml.Tree)
	walk = func(prefix string, t *toml.Tree) {
		for _, key := range t.Keys() {
			if sub, ok := t.Get(key).(*toml.Tree); ok {
				walk(prefix+key+".", sub)
				continue
			}
			keys = append(keys, prefix+key)
		}
	}
	walk("", tree)
	slices.Sort(keys)
	return keys
}

// SettingsUsage describes the settings accepted by ParseSettings, for the usage of a flag.
func SettingsUsage(defaults *toml.Tree) string {
	parts := []string{`Override settings of the configuration file. ` +
		`It should be a list of elements "key=value" separated by ";". ` +
		`It can also be given an entry like: "file:settings_file.txt", in ` +
		`which case the file will be read and the settings will be parsed, ` +
		`with new-lines working as ";" to separate settings and lines starting with "#" are considered comments. ` +
		`Available settings:`}
	for _, key := range SettingKeys(defaults) {
		parts = append(parts, fmt.Sprintf("%q: default value is %v", key, defaults.Get(key)))
	}
	return strings.Join(parts, "\n")
}

// SprintModifiedSettings pretty-prints the values of the settings modified by ParseSettings.
func SprintModifiedSettings(tree *toml.Tree, keysSet []string) string {
	keysSet = slices.Clone(keysSet)
	slices.Sort(keysSet)
	keysSet = slices.Compact(keysSet)
	parts := make([]string, 0, len(keysSet))
	for _, key := range keysSet {
		value := tree.Get(key)
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", key, value, value))
	}
	return strings.Join(parts, "\n")
}
