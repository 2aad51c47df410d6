// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"maps"
	"slices"

	"github.com/gomlx/ddpm/pkg/runconfig"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// flattenConfig converts the configuration to a map of dotted YAML keys (e.g. "model.denoiser_module.name")
// to their values formatted as strings.
func flattenConfig(cfg *runconfig.Config) (map[string]string, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode configuration")
	}
	var tree map[string]any
	if err = yaml.Unmarshal(data, &tree); err != nil {
		return nil, errors.Wrap(err, "failed to decode configuration")
	}
	flat := make(map[string]string)
	var flatten func(prefix string, node any)
	flatten = func(prefix string, node any) {
		m, ok := node.(map[string]any)
		if !ok {
			flat[prefix] = fmt.Sprintf("%v", node)
			return
		}
		for key, value := range m {
			if prefix != "" {
				key = prefix + "." + key
			}
			flatten(key, value)
		}
	}
	flatten("", tree)
	return flat, nil
}

// ConfigTable prints the configuration of the runs side by side: keys whose values differ are
// highlighted.
func ConfigTable(runs []*run) error {
	fmt.Println(titleStyle.Render("Configuration"))
	flats := make([]map[string]string, len(runs))
	keys := sets.Make[string]()
	for ii, r := range runs {
		if r.Config == nil {
			continue
		}
		var err error
		flats[ii], err = flattenConfig(r.Config)
		if err != nil {
			return errors.WithMessagef(err, "run %q", r.Dir)
		}
		for key := range flats[ii] {
			keys.Insert(key)
		}
	}

	table := newRunsTable(runs, "Key")
	for _, key := range slices.Sorted(maps.Keys(keys)) {
		row := make([]string, 1+len(runs))
		row[0] = key
		for ii, flat := range flats {
			row[ii+1] = flat[key]
		}
		table.Add(row...)
	}
	fmt.Println(table.Render())
	if len(runs) > 1 {
		fmt.Printf("%d of %d keys differ across runs\n", table.NumDiffering(), len(keys))
	}
	return nil
}
