// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package runconfig defines the hierarchical configuration of a diffusion run.
//
// The trainer writes it as a config.yaml file next to its checkpoints, and the generator reads it back to
// reconstruct the exact model and scheduler used during training.
package runconfig

import (
	"bytes"
	"math"
	"os"
	"path/filepath"

	"github.com/gomlx/ddpm/pkg/denoiser"
	"github.com/gomlx/ddpm/pkg/scheduler"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// SidecarName is the name of the configuration file saved along the checkpoints of a run.
const SidecarName = "config.yaml"

// Gradient clipping algorithms.
const (
	ClipNorm  = "norm"
	ClipValue = "value"
)

// Config of a diffusion run.
type Config struct {
	Scheduler scheduler.Spec `yaml:"scheduler"`
	Model     Model          `yaml:"model"`
	Dataset   Dataset        `yaml:"dataset"`

	// NoiseSteps is the number of steps used when a predefined scheduler is selected at generation time.
	NoiseSteps int `yaml:"noise_steps"`

	BatchSize   int    `yaml:"batch_size"`
	Accelerator string `yaml:"accelerator"`
	Devices     int    `yaml:"devices"`

	EMA      bool    `yaml:"ema"`
	EMADecay float64 `yaml:"ema_decay"`

	GradientClipVal       float64 `yaml:"gradient_clip_val"`
	GradientClipAlgorithm string  `yaml:"gradient_clip_algorithm"`

	Training Training `yaml:"training"`
}

// Model holds the hyperparameters of the Gaussian DDPM with classifier-free guidance.
type Model struct {
	// T is the number of diffusion steps.
	T int `yaml:"T"`

	// W is the classifier-free guidance weight.
	W float64 `yaml:"w"`

	// PUncond is the probability of dropping the class conditioning during training.
	PUncond float64 `yaml:"p_uncond"`

	Width         int `yaml:"width"`
	Height        int `yaml:"height"`
	InputChannels int `yaml:"input_channels"`
	NumClasses    int `yaml:"num_classes"`

	// V interpolates the reverse process variance between β_t (v=1) and the posterior variance (v=0).
	V float64 `yaml:"v"`

	Denoiser denoiser.Spec `yaml:"denoiser_module"`
}

// Dataset selects the data used for training and validation.
type Dataset struct {
	Name    string `yaml:"name"`
	DataDir string `yaml:"data_dir"`
	Train   string `yaml:"train"`
	Val     string `yaml:"val"`
}

// Training holds the training loop settings.
type Training struct {
	Steps           int   `yaml:"steps"`
	EvalPeriodSteps int   `yaml:"eval_period_steps"`
	KeepCheckpoints int   `yaml:"keep_checkpoints"`
	Seed            int64 `yaml:"seed"`
}

// Default returns the configuration used to train on MNIST.
func Default() *Config {
	return &Config{
		Scheduler: scheduler.Default(),
		Model: Model{
			T:             1000,
			W:             0.3,
			PUncond:       0.2,
			Width:         28,
			Height:        28,
			InputChannels: 1,
			NumClasses:    10,
			V:             1.0,
			Denoiser:      denoiser.DefaultSpec(),
		},
		Dataset: Dataset{
			Name:    "mnist",
			DataDir: "~/work/mnist",
			Train:   "train",
			Val:     "test",
		},
		NoiseSteps:            1000,
		BatchSize:             128,
		Accelerator:           "auto",
		Devices:               1,
		EMA:                   true,
		EMADecay:              0.9999,
		GradientClipVal:       1.0,
		GradientClipAlgorithm: ClipNorm,
		Training: Training{
			Steps:           50_000,
			EvalPeriodSteps: 1_000,
			KeepCheckpoints: 1,
			Seed:            42,
		},
	}
}

// Validate checks the consistency of the configuration.
func (c *Config) Validate() error {
	m := &c.Model
	if m.T < 1 {
		return errors.Errorf("model.T must be >= 1, got %d", m.T)
	}
	if c.Scheduler.T != m.T {
		return errors.Errorf("scheduler.T (%d) and model.T (%d) differ", c.Scheduler.T, m.T)
	}
	if m.Width < 1 || m.Height < 1 || m.InputChannels < 1 {
		return errors.Errorf("invalid image dimensions %dx%dx%d", m.Width, m.Height, m.InputChannels)
	}
	if m.NumClasses < 1 {
		return errors.Errorf("model.num_classes must be >= 1, got %d", m.NumClasses)
	}
	if m.PUncond < 0 || m.PUncond > 1 {
		return errors.Errorf("model.p_uncond must be in [0, 1], got %g", m.PUncond)
	}
	if m.V < 0 || m.V > 1 || math.IsNaN(m.V) {
		return errors.Errorf("model.v must be in [0, 1], got %g", m.V)
	}
	if m.Denoiser.Name == "" {
		return errors.New("model.denoiser_module.name not set")
	}
	if c.EMA && (c.EMADecay <= 0 || c.EMADecay >= 1) {
		return errors.Errorf("ema_decay must be in (0, 1), got %g", c.EMADecay)
	}
	switch c.GradientClipAlgorithm {
	case ClipNorm, ClipValue, "":
	default:
		return errors.Errorf("gradient_clip_algorithm must be %q or %q, got %q", ClipNorm, ClipValue, c.GradientClipAlgorithm)
	}
	return nil
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration %q", path)
	}
	c := &Config{}
	if err = yaml.Unmarshal(contents, c); err != nil {
		return nil, errors.Wrapf(err, "failed to parse configuration %q", path)
	}
	if c.NoiseSteps == 0 {
		c.NoiseSteps = c.Model.T
	}
	if err = c.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid configuration in %q", path)
	}
	return c, nil
}

// LoadFromDir reads the sidecar configuration of the run in dir.
func LoadFromDir(dir string) (*Config, error) {
	return Load(filepath.Join(dir, SidecarName))
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	contents, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to serialize configuration")
	}
	if err = os.WriteFile(path, contents, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write configuration to %q", path)
	}
	return nil
}

// SaveToDir writes the sidecar configuration to dir.
func (c *Config) SaveToDir(dir string) error {
	return c.Save(filepath.Join(dir, SidecarName))
}

// CheckCompatible returns an error if the previous configuration of a run describes a different model:
// the checkpoint of that run can't be used with c. The guidance weight is only used for sampling,
// and may differ.
func (c *Config) CheckCompatible(previous *Config) error {
	current, prev := c.Model, previous.Model
	current.W, prev.W = 0, 0
	sections := []struct {
		name          string
		current, prev any
	}{
		{"model", current, prev},
		{"scheduler", c.Scheduler, previous.Scheduler},
		{"ema", c.EMA, previous.EMA},
	}
	for _, section := range sections {
		currentYAML, err := yaml.Marshal(section.current)
		if err != nil {
			return errors.Wrapf(err, "failed to serialize %s configuration", section.name)
		}
		prevYAML, err := yaml.Marshal(section.prev)
		if err != nil {
			return errors.Wrapf(err, "failed to serialize %s configuration", section.name)
		}
		if !bytes.Equal(currentYAML, prevYAML) {
			return errors.Errorf("%s configuration differs from the previous one:\n%s\nprevious:\n%s",
				section.name, currentYAML, prevYAML)
		}
	}
	return nil
}

// Overrides are the values that can be changed at generation time. Zero values mean "not set".
type Overrides struct {
	// T overrides the number of diffusion steps of the model and its scheduler.
	T int

	// W overrides the guidance weight, if not nil.
	W *float64

	// Scheduler replaces the trained scheduler by one of the predefined ones, with NoiseSteps steps.
	Scheduler string
}

// ApplyOverrides changes the configuration in place.
func (c *Config) ApplyOverrides(o Overrides) error {
	if o.T > 0 {
		c.Model.T = o.T
		c.NoiseSteps = o.T
		c.Scheduler.T = o.T
	}
	if o.W != nil {
		c.Model.W = *o.W
	}
	if o.Scheduler != "" {
		spec, err := scheduler.Lookup(o.Scheduler)
		if err != nil {
			return err
		}
		c.Scheduler = spec.WithSteps(c.NoiseSteps)
		c.Model.T = c.NoiseSteps
	}
	return c.Validate()
}
