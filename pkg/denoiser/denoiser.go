// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package denoiser implements the noise-prediction networks used by the diffusion model.
//
// A denoiser takes the noisy images x_t, the (normalized) diffusion step and the one-hot class
// conditioning, and predicts the noise ε that was added to the clean images. An all-zero class
// vector means "unconditional", which is used by classifier-free guidance.
//
// Denoisers are created by name from a registry, so the run configuration can refer to them.
package denoiser

import (
	"slices"
	"sync"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Denoiser predicts the noise of noisy images.
type Denoiser interface {
	// Name of the denoiser in the registry.
	Name() string

	// Scope where the denoiser creates its variables, relative to the context passed to PredictNoise.
	Scope() string

	// PredictNoise builds the graph that predicts the noise in noisyImages.
	//
	//   - noisyImages: shaped [batchSize, height, width, channels].
	//   - timesteps: diffusion step normalized to [0, 1], shaped [batchSize].
	//   - classes: one-hot class conditioning, shaped [batchSize, numClasses]. All zeros for unconditional.
	//
	// It returns the predicted noise with the same shape as noisyImages.
	PredictNoise(ctx *context.Context, noisyImages, timesteps, classes *Node) *Node
}

// Spec configures a denoiser. It is serialized as the "denoiser_module" of the run configuration.
type Spec struct {
	// Name of the denoiser in the registry, e.g. "unet" or "resnet".
	Name string `yaml:"name"`

	// Channels for each resolution level. The U-Net halves the image size at each level.
	Channels []int `yaml:"channels,omitempty"`

	// NumResidualBlocks per level.
	NumResidualBlocks int `yaml:"num_residual_blocks"`

	// TimeEmbedSize is the size of the sinusoidal embedding of the diffusion step. Must be even.
	TimeEmbedSize int `yaml:"time_embed_size"`

	// ClassEmbedSize is the size of the learned class embedding.
	ClassEmbedSize int `yaml:"class_embed_size"`

	// Normalization is one of "none", "layer" or "batch".
	Normalization string `yaml:"normalization"`

	// Activation name, see activations.FromName.
	Activation string `yaml:"activation"`

	// Dropout rate, 0 disables it.
	Dropout float64 `yaml:"dropout"`
}

// DefaultSpec returns the U-Net configuration used for MNIST.
func DefaultSpec() Spec {
	return Spec{
		Name:              UNetName,
		Channels:          []int{64, 128},
		NumResidualBlocks: 2,
		TimeEmbedSize:     32,
		ClassEmbedSize:    16,
		Normalization:     "layer",
		Activation:        "swish",
		Dropout:           0,
	}
}

// Factory creates a Denoiser from its spec.
type Factory func(spec Spec) (Denoiser, error)

var (
	muRegistry sync.Mutex
	registry   = make(map[string]Factory)
)

// Register a denoiser factory under the given name. It replaces any previous registration.
func Register(name string, factory Factory) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	registry[name] = factory
}

// Names returns the sorted names of the registered denoisers.
func Names() []string {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// New creates the denoiser described by spec.
func New(spec Spec) (Denoiser, error) {
	muRegistry.Lock()
	factory, found := registry[spec.Name]
	muRegistry.Unlock()
	if !found {
		return nil, errors.Errorf("unknown denoiser %q, registered denoisers are %q", spec.Name, Names())
	}
	if spec.TimeEmbedSize <= 0 || spec.TimeEmbedSize%2 != 0 {
		return nil, errors.Errorf("denoiser %q: time_embed_size must be a positive even number, got %d",
			spec.Name, spec.TimeEmbedSize)
	}
	if spec.ClassEmbedSize <= 0 {
		return nil, errors.Errorf("denoiser %q: class_embed_size must be positive, got %d", spec.Name, spec.ClassEmbedSize)
	}
	if spec.NumResidualBlocks < 1 {
		return nil, errors.Errorf("denoiser %q: num_residual_blocks must be >= 1, got %d", spec.Name, spec.NumResidualBlocks)
	}
	if len(spec.Channels) == 0 {
		return nil, errors.Errorf("denoiser %q: channels not set", spec.Name)
	}
	return factory(spec)
}

func init() {
	Register(UNetName, newUNet)
	Register(ResNetName, newResNet)
}
