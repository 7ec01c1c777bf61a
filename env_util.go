// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package exile

import (
	"fmt"
	"sort"
	"strings"
)

func splitKeyValue(kv string) (string, string, error) {
	parts := strings.SplitN(kv, "=", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", "", fmt.Errorf("exile: malformed env entry: %q", kv)
	}
	return parts[0], parts[1], nil
}

func joinKeyValue(k, v string) string {
	return k + "=" + v
}

// sliceToMap converts a slice of "key=value" entries to a map, preferring
// later values over earlier ones.
func sliceToMap(s []string) (map[string]string, error) {
	m := make(map[string]string, len(s))
	for _, kv := range s {
		k, v, err := splitKeyValue(kv)
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

// mapToSlice converts a map to a slice of "key=value" entries, sorted by key.
func mapToSlice(m map[string]string) []string {
	s := make([]string, 0, len(m))
	for k, v := range m {
		s = append(s, joinKeyValue(k, v))
	}
	sort.Strings(s)
	return s
}

// mergeEnv merges overrides into base, both "key=value" slices, preferring
// overrides. Entries in overrides must be well-formed; malformed entries in
// base (as some systems put in the environment) are dropped.
func mergeEnv(base, overrides []string) ([]string, error) {
	m := make(map[string]string, len(base)+len(overrides))
	for _, kv := range base {
		if k, v, err := splitKeyValue(kv); err == nil {
			m[k] = v
		}
	}
	om, err := sliceToMap(overrides)
	if err != nil {
		return nil, err
	}
	for k, v := range om {
		m[k] = v
	}
	return mapToSlice(m), nil
}
