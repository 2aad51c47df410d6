// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package scheduler holds the variance schedules used by the diffusion model: for each diffusion step t
// it provides the noise variance β_t, α_t = 1-β_t and the cumulative product ᾱ_t.
//
// Schedules are described by a Spec, and a fixed set of named specs is embedded in the binary
// (see Names and Lookup).
package scheduler

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Kinds of schedules supported.
const (
	KindLinear       = "linear"
	KindScaledLinear = "scaled_linear"
	KindQuadratic    = "quadratic"
	KindCosine       = "cosine"
	KindSigmoid      = "sigmoid"
)

// Spec describes a variance schedule. It is serialized as part of the run configuration.
type Spec struct {
	// Name of the schedule, usually the name of the predefined descriptor it was loaded from.
	Name string `yaml:"name"`

	// Kind selects the function used to generate the betas, see the Kind* constants.
	Kind string `yaml:"kind"`

	// T is the number of diffusion steps.
	T int `yaml:"T"`

	// BetaStart and BetaEnd bound the betas for the linear, scaled_linear, quadratic and sigmoid kinds.
	BetaStart float64 `yaml:"beta_start,omitempty"`
	BetaEnd   float64 `yaml:"beta_end,omitempty"`

	// S is the small offset of the cosine schedule, and MaxBeta clips its betas.
	S       float64 `yaml:"s,omitempty"`
	MaxBeta float64 `yaml:"max_beta,omitempty"`
}

// WithSteps returns a copy of the spec with a different number of diffusion steps.
func (s Spec) WithSteps(t int) Spec {
	s.T = t
	return s
}

// Scheduler holds the per-step parameters of a schedule. All slices have length T, and index 0 is the
// step with the least noise.
type Scheduler struct {
	Spec      Spec
	Betas     []float64
	Alphas    []float64
	AlphaHats []float64
}

type betasFn func(spec Spec) []float64

var kinds = map[string]betasFn{
	KindLinear:       linearBetas,
	KindScaledLinear: scaledLinearBetas,
	KindQuadratic:    quadraticBetas,
	KindCosine:       cosineBetas,
	KindSigmoid:      sigmoidBetas,
}

// New creates a Scheduler from the spec.
func New(spec Spec) (*Scheduler, error) {
	if spec.T < 1 {
		return nil, errors.Errorf("scheduler %q: invalid number of steps T=%d", spec.Name, spec.T)
	}
	fn, found := kinds[spec.Kind]
	if !found {
		return nil, errors.Errorf("scheduler %q: unknown kind %q", spec.Name, spec.Kind)
	}
	if spec.Kind != KindCosine && (spec.BetaStart <= 0 || spec.BetaEnd >= 1 || spec.BetaStart > spec.BetaEnd) {
		return nil, errors.Errorf("scheduler %q: invalid beta range [%g, %g]", spec.Name, spec.BetaStart, spec.BetaEnd)
	}
	s := &Scheduler{
		Spec:      spec,
		Betas:     fn(spec),
		Alphas:    make([]float64, spec.T),
		AlphaHats: make([]float64, spec.T),
	}
	prod := 1.0
	for t, beta := range s.Betas {
		if beta <= 0 || beta >= 1 || math.IsNaN(beta) {
			return nil, errors.Errorf("scheduler %q: beta[%d]=%g is out of (0, 1)", spec.Name, t, beta)
		}
		s.Alphas[t] = 1 - beta
		prod *= s.Alphas[t]
		s.AlphaHats[t] = prod
	}
	return s, nil
}

// T returns the number of diffusion steps.
func (s *Scheduler) T() int { return len(s.Betas) }

// Sigma returns the standard deviation of the noise added in the reverse step at t.
//
// The variance interpolates, in log-space, between β_t (v=1) and the posterior variance
// β̃_t = β_t (1-ᾱ_{t-1}) / (1-ᾱ_t) (v=0). At t=0 no noise is added, and it returns 0.
func (s *Scheduler) Sigma(t int, v float64) float64 {
	if t <= 0 {
		return 0
	}
	beta := s.Betas[t]
	betaTilde := beta * (1 - s.AlphaHats[t-1]) / (1 - s.AlphaHats[t])
	logVar := v*math.Log(beta) + (1-v)*math.Log(betaTilde)
	return math.Sqrt(math.Exp(logVar))
}

// AlphaHatsTensor returns ᾱ as a tensor shaped [T] of the given dtype, to be used as a graph constant.
func (s *Scheduler) AlphaHatsTensor(dtype dtypes.DType) *tensors.Tensor {
	switch dtype {
	case dtypes.Float64:
		return tensors.FromFlatDataAndDimensions(s.AlphaHats, len(s.AlphaHats))
	default:
		values := make([]float32, len(s.AlphaHats))
		for ii, v := range s.AlphaHats {
			values[ii] = float32(v)
		}
		return tensors.FromFlatDataAndDimensions(values, len(values))
	}
}

func linspace(start, end float64, n int) []float64 {
	values := make([]float64, n)
	if n == 1 {
		values[0] = start
		return values
	}
	for ii := range values {
		values[ii] = start + (end-start)*float64(ii)/float64(n-1)
	}
	return values
}

func linearBetas(spec Spec) []float64 {
	return linspace(spec.BetaStart, spec.BetaEnd, spec.T)
}

func scaledLinearBetas(spec Spec) []float64 {
	betas := linspace(math.Sqrt(spec.BetaStart), math.Sqrt(spec.BetaEnd), spec.T)
	for ii, b := range betas {
		betas[ii] = b * b
	}
	return betas
}

func quadraticBetas(spec Spec) []float64 {
	// Quadratic growth from BetaStart to BetaEnd.
	betas := linspace(0, 1, spec.T)
	for ii, x := range betas {
		betas[ii] = spec.BetaStart + (spec.BetaEnd-spec.BetaStart)*x*x
	}
	return betas
}

func sigmoidBetas(spec Spec) []float64 {
	betas := linspace(-6, 6, spec.T)
	for ii, x := range betas {
		betas[ii] = spec.BetaStart + (spec.BetaEnd-spec.BetaStart)/(1+math.Exp(-x))
	}
	return betas
}

func cosineBetas(spec Spec) []float64 {
	offset := spec.S
	if offset <= 0 {
		offset = 0.008
	}
	maxBeta := spec.MaxBeta
	if maxBeta <= 0 || maxBeta >= 1 {
		maxBeta = 0.999
	}
	f := func(t int) float64 {
		x := (float64(t)/float64(spec.T) + offset) / (1 + offset)
		c := math.Cos(x * math.Pi / 2)
		return c * c
	}
	betas := make([]float64, spec.T)
	f0 := f(0)
	for t := range betas {
		beta := 1 - (f(t+1)/f0)/(f(t)/f0)
		betas[t] = min(max(beta, 1e-8), maxBeta)
	}
	return betas
}
