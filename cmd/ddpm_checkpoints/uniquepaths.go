// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"
	"slices"
	"strings"
)

// MinimalUniquePaths returns short names for the run directories: for each path, the path components
// that differ from the other paths. If more than one component differs, the first and last ones are
// joined with "...".
func MinimalUniquePaths(paths ...string) []string {
	if len(paths) <= 1 {
		result := make([]string, len(paths))
		for ii, p := range paths {
			result[ii] = filepath.Base(filepath.Clean(p))
		}
		return result
	}
	parts := make([][]string, len(paths))
	for ii, p := range paths {
		parts[ii] = strings.Split(filepath.Clean(p), string(filepath.Separator))
	}

	result := make([]string, len(paths))
	for ii, components := range parts {
		var diffs []int
		for jj, other := range parts {
			if ii == jj {
				continue
			}
			for kk := range min(len(components), len(other)) {
				if components[kk] != other[kk] && !slices.Contains(diffs, kk) {
					diffs = append(diffs, kk)
				}
			}
		}
		slices.Sort(diffs)
		switch len(diffs) {
		case 0:
			result[ii] = components[len(components)-1]
		case 1:
			result[ii] = components[diffs[0]]
		default:
			result[ii] = components[diffs[0]] + "..." + components[diffs[len(diffs)-1]]
		}
	}
	return result
}
