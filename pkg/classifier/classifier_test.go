// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package classifier

import (
	"math"
	"path"
	"testing"

	"github.com/gomlx/ddpm/pkg/mnist"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// syntheticSplit returns n examples where each image is a horizontal bar at a row that depends on its label.
func syntheticSplit(name string, n int) *mnist.Split {
	s := &mnist.Split{
		Name:   name,
		Images: make([]byte, n*mnist.Width*mnist.Height),
		Labels: make([]uint8, n),
	}
	for ii := range n {
		label := ii % mnist.NumClasses
		s.Labels[ii] = uint8(label)
		row := 2 + 2*label
		for col := range mnist.Width {
			s.Images[ii*mnist.Width*mnist.Height+row*mnist.Width+col] = 255
		}
	}
	return s
}

func TestModelGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := CreateDefaultContext()
	images := syntheticSplit("test", 3).ImagesTensor()
	outputs := context.MustExecOnceN(backend, ctx.In(Scope), func(ctx *context.Context, images *Node) []*Node {
		return ModelGraph(ctx, nil, []*Node{images})
	}, images)
	require.Len(t, outputs, 2)
	assert.Equal(t, []int{3, mnist.NumClasses}, outputs[0].Shape().Dimensions)
	assert.Equal(t, []int{3, FeaturesSize}, outputs[1].Shape().Dimensions)
	for _, v := range tensors.MustCopyFlatData[float32](outputs[1]) {
		require.GreaterOrEqual(t, v, float32(0), "features are taken after the ReLU")
	}

	// 4 convolutions (the first without bias) and 2 dense layers.
	numVars := 0
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Trainable {
			numVars++
		}
	})
	assert.Equal(t, 1+3*2+2*2, numVars)
}

func TestModelGraphCosineSchedule(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := CreateDefaultContext()
	ctx.SetParam(cosineschedule.ParamPeriodSteps, 10)
	modelCtx := ctx.In(Scope)
	exec := context.MustNewExec(backend, modelCtx, func(ctx *context.Context, images *Node) []*Node {
		ctx.SetTraining(images.Graph(), true)
		return ModelGraph(ctx, nil, []*Node{images})
	})
	images := syntheticSplit("test", 2).ImagesTensor()
	lrVar := func() float32 {
		return tensors.ToScalar[float32](optimizers.LearningRateVar(modelCtx, dtypes.Float32, 0).MustValue())
	}

	// First step starts at the top of the cosine, the second is already annealed.
	_ = exec.MustExec(images)
	assert.InDelta(t, 1e-3, lrVar(), 1e-7)
	_ = exec.MustExec(images)
	want := 1e-3 * (1 + math.Cos(0.1*math.Pi)) / 2
	assert.InDelta(t, want, lrVar(), 1e-7)
}

func TestTrainAndLoad(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping classifier training in short mode")
	}
	backend := graphtest.BuildTestBackend()
	checkpointDir := path.Join(t.TempDir(), "classifier")
	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{
		"train_steps":     3,
		"batch_size":      4,
		"eval_batch_size": 10,
	})
	require.NoError(t, Train(backend, ctx, syntheticSplit("train", 20), syntheticSplit("test", 10),
		checkpointDir, nil, -1))

	c, err := Load(backend, checkpointDir)
	require.NoError(t, err)
	images := syntheticSplit("test", 5).ImagesTensor()

	logits, err := c.Logits(images)
	require.NoError(t, err)
	assert.Equal(t, []int{5, mnist.NumClasses}, logits.Shape().Dimensions)

	logProbs, err := c.LogProbabilities(images)
	require.NoError(t, err)
	rows := logProbs.Value().([][]float32)
	require.Len(t, rows, 5)
	for _, row := range rows {
		var sum float64
		for _, lp := range row {
			sum += math.Exp(float64(lp))
		}
		assert.InDelta(t, 1.0, sum, 1e-4)
	}

	features, err := c.Features(images)
	require.NoError(t, err)
	assert.Equal(t, []int{5, FeaturesSize}, features.Shape().Dimensions)

	_, err = c.Logits(tensors.FromShape(features.Shape()))
	require.Error(t, err)

	_, err = Load(backend, path.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}
