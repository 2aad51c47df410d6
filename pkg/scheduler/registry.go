// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"embed"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schedules/*.yaml
var schedulesFS embed.FS

const (
	schedulesDir    = "schedules"
	schedulesExt    = ".yaml"
	defaultSchedule = "linear"
)

var (
	registryOnce sync.Once
	registry     map[string]Spec
	registryErr  error
)

func loadRegistry() {
	registry = make(map[string]Spec)
	entries, err := schedulesFS.ReadDir(schedulesDir)
	if err != nil {
		registryErr = errors.Wrapf(err, "failed to list predefined schedules")
		return
	}
	for _, entry := range entries {
		fileName := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(fileName, schedulesExt) {
			continue
		}
		contents, err := schedulesFS.ReadFile(path.Join(schedulesDir, fileName))
		if err != nil {
			registryErr = errors.Wrapf(err, "failed to read schedule %q", fileName)
			return
		}
		var spec Spec
		if err = yaml.Unmarshal(contents, &spec); err != nil {
			registryErr = errors.Wrapf(err, "failed to parse schedule %q", fileName)
			return
		}
		name := strings.TrimSuffix(fileName, schedulesExt)
		spec.Name = name
		registry[name] = spec
	}
}

// Names returns the sorted names of the predefined schedules.
func Names() []string {
	registryOnce.Do(loadRegistry)
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Lookup returns the spec of the predefined schedule with the given name.
func Lookup(name string) (Spec, error) {
	registryOnce.Do(loadRegistry)
	if registryErr != nil {
		return Spec{}, registryErr
	}
	spec, found := registry[name]
	if !found {
		return Spec{}, errors.Errorf("unknown scheduler %q, valid values are %q", name, Names())
	}
	return spec, nil
}

// Default returns the spec of the default predefined schedule ("linear").
func Default() Spec {
	spec, err := Lookup(defaultSchedule)
	if err != nil {
		panic(err)
	}
	return spec
}

// NameFlag implements flag.Value for a scheduler name: invalid names are rejected when the flag is parsed.
// The empty value means no scheduler was selected.
type NameFlag struct {
	Name string
}

// String implements flag.Value.
func (f *NameFlag) String() string {
	if f == nil {
		return ""
	}
	return f.Name
}

// Set implements flag.Value.
func (f *NameFlag) Set(value string) error {
	if _, err := Lookup(value); err != nil {
		return err
	}
	f.Name = value
	return nil
}
