// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runconfig

import (
	"strings"

	"github.com/gomlx/gomlx/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendConfig converts an accelerator (or device) name to a GoMLX backend configuration.
//
// "auto" or "" return backends.DefaultConfig: if it is empty, NewBackend uses the GOMLX_BACKEND environment
// variable or the first registered backend.
// Names that already look like a backend configuration (e.g. "xla:cpu") are returned as is.
func BackendConfig(accelerator string) string {
	accelerator = strings.ToLower(strings.TrimSpace(accelerator))
	switch accelerator {
	case "", "auto":
		return backends.DefaultConfig
	case "cpu":
		return "xla:cpu"
	case "gpu", "cuda":
		return "xla:cuda"
	case "go", "simplego":
		return "go"
	}
	return accelerator
}

// NewBackend creates the backend for the given accelerator.
//
// More than one device is not supported: the run falls back to a single device with a warning.
func NewBackend(accelerator string, devices int) (backends.Backend, error) {
	if devices > 1 {
		klog.Warningf("devices=%d requested, but only single device execution is supported: using 1 device", devices)
	}
	config := BackendConfig(accelerator)
	var backend backends.Backend
	var err error
	if config == "" {
		backend, err = backends.New()
	} else {
		backend, err = backends.NewWithConfig(config)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create backend %q for accelerator %q", config, accelerator)
	}
	return backend, nil
}
