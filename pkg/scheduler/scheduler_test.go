// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"flag"
	"io"
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNames(t *testing.T) {
	names := Names()
	assert.Equal(t, []string{"cosine", "linear", "quadratic", "scaled_linear", "sigmoid"}, names)
	for _, name := range names {
		spec, err := Lookup(name)
		require.NoError(t, err)
		assert.Equal(t, name, spec.Name)
		assert.Equal(t, 1000, spec.T)
	}
	_, err := Lookup("does_not_exist")
	require.Error(t, err)
}

func TestSchedules(t *testing.T) {
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			s, err := New(must.M1(Lookup(name)).WithSteps(1)) // Sanity check on a single step.
			require.NoError(t, err)
			require.Equal(t, 1, s.T())
			assert.InDelta(t, s.Alphas[0], s.AlphaHats[0], 1e-12)
			assert.Zero(t, s.Sigma(0, 1))

			spec := must.M1(Lookup(name)).WithSteps(200)
			s, err = New(spec)
			require.NoError(t, err)
			require.Equal(t, 200, s.T())
			require.Len(t, s.Alphas, 200)
			require.Len(t, s.AlphaHats, 200)
			for ii := range s.Betas {
				assert.Greater(t, s.Betas[ii], 0.0)
				assert.Less(t, s.Betas[ii], 1.0)
				assert.InDelta(t, 1-s.Betas[ii], s.Alphas[ii], 1e-12)
				if ii > 0 {
					assert.Less(t, s.AlphaHats[ii], s.AlphaHats[ii-1], "alpha-hats must be strictly decreasing")
				}
			}
		})
	}
}

func TestLinear(t *testing.T) {
	s, err := New(Spec{Name: "test", Kind: KindLinear, T: 3, BetaStart: 0.1, BetaEnd: 0.3})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.1, 0.2, 0.3}, s.Betas, 1e-9)
	assert.InDeltaSlice(t, []float64{0.9, 0.9 * 0.8, 0.9 * 0.8 * 0.7}, s.AlphaHats, 1e-9)

	// Sigma at t=0 is always 0, v=1 gives sqrt(beta).
	assert.Equal(t, 0.0, s.Sigma(0, 1.0))
	assert.InDelta(t, math.Sqrt(0.2), s.Sigma(1, 1.0), 1e-9)
	betaTilde := 0.2 * (1 - 0.9) / (1 - 0.72)
	assert.InDelta(t, math.Sqrt(betaTilde), s.Sigma(1, 0.0), 1e-9)

	alphaHats := s.AlphaHatsTensor(dtypes.Float32)
	assert.NoError(t, alphaHats.Shape().CheckDims(3))
}

func TestInvalidSpecs(t *testing.T) {
	_, err := New(Spec{Name: "zero", Kind: KindLinear, T: 0, BetaStart: 0.1, BetaEnd: 0.2})
	assert.Error(t, err)
	_, err = New(Spec{Name: "kind", Kind: "exponential", T: 10, BetaStart: 0.1, BetaEnd: 0.2})
	assert.Error(t, err)
	_, err = New(Spec{Name: "range", Kind: KindLinear, T: 10, BetaStart: 0.3, BetaEnd: 0.2})
	assert.Error(t, err)
}

func TestNameFlag(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var value NameFlag
	fs.Var(&value, "scheduler", "scheduler name")
	require.Error(t, fs.Parse([]string{"-scheduler=bogus"}))
	assert.Equal(t, "", value.Name)
	require.NoError(t, fs.Parse([]string{"-scheduler=cosine"}))
	assert.Equal(t, "cosine", value.Name)
}
