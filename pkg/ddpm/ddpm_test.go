// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ddpm

import (
	"math"
	"testing"

	"github.com/gomlx/ddpm/pkg/denoiser"
	"github.com/gomlx/ddpm/pkg/runconfig"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

const (
	testSize       = 8
	testNumClasses = 3
	testT          = 5
)

func testConfig() *runconfig.Config {
	cfg := runconfig.Default()
	cfg.Model.T = testT
	cfg.NoiseSteps = testT
	cfg.Scheduler = cfg.Scheduler.WithSteps(testT)
	cfg.Model.Width, cfg.Model.Height = testSize, testSize
	cfg.Model.NumClasses = testNumClasses
	cfg.Model.Denoiser = denoiser.Spec{
		Name:              denoiser.ResNetName,
		Channels:          []int{4},
		NumResidualBlocks: 1,
		TimeEmbedSize:     4,
		ClassEmbedSize:    2,
		Normalization:     "none",
		Activation:        "swish",
	}
	cfg.EMA = false
	return cfg
}

// testBatch returns a batch of images in [0, 1] and their labels.
func testBatch(batchSize int) (images, labels *tensors.Tensor) {
	data := make([]float32, batchSize*testSize*testSize)
	for ii := range data {
		data[ii] = float32(ii%7) / 6
	}
	ids := make([]int32, batchSize)
	for ii := range ids {
		ids[ii] = int32(ii % testNumClasses)
	}
	return tensors.FromFlatDataAndDimensions(data, batchSize, testSize, testSize, 1),
		tensors.FromValue(ids)
}

// trainingStep runs TrainingModelFn once in training mode and returns the loss.
func trainingStep(t *testing.T, ctx *context.Context, model *Model) float32 {
	backend := graphtest.BuildTestBackend()
	modelFn := model.TrainingModelFn()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, images, labels *Node) *Node {
		ctx.SetTraining(images.Graph(), true)
		outputs := modelFn(ctx, nil, []*Node{images, labels})
		require.Len(t, outputs, 2)
		require.True(t, outputs[0].Shape().Equal(images.Shape()))
		return LossFn(nil, outputs)
	})
	images, labels := testBatch(6)
	return tensors.ToScalar[float32](exec.MustExec1(images, labels))
}

func TestNew(t *testing.T) {
	model, err := New(testConfig())
	require.NoError(t, err)
	assert.Equal(t, testT, model.T())
	assert.Equal(t, testNumClasses, model.NumClasses())
	assert.Equal(t, []int{2, testSize, testSize, 1}, model.ImageShape(2).Dimensions)

	cfg := testConfig()
	cfg.Model.Denoiser.Name = "unknown"
	_, err = New(cfg)
	require.Error(t, err)

	cfg = testConfig()
	cfg.Scheduler.T = 7
	_, err = New(cfg)
	require.Error(t, err)
}

func TestClassOneHot(t *testing.T) {
	oneHot := ClassOneHot(2, 3, 1)
	assert.Equal(t, [][]float32{{0, 1, 0}, {0, 1, 0}}, oneHot.Value())
	unconditional := ClassOneHot(1, 3, -1)
	assert.Equal(t, [][]float32{{0, 0, 0}}, unconditional.Value())
	require.Panics(t, func() { _ = ClassOneHot(1, 3, 3) })
}

func TestCoefficients(t *testing.T) {
	model := must.M1(New(testConfig()))
	s := model.Scheduler
	for step := range model.T() {
		noiseCoef, invSqrtAlpha, sigma := model.Coefficients(step)
		assert.InDelta(t, s.Betas[step]/math.Sqrt(1-s.AlphaHats[step]), noiseCoef, 1e-12)
		assert.InDelta(t, 1/math.Sqrt(1-s.Betas[step]), invSqrtAlpha, 1e-12)
		if step == 0 {
			assert.Equal(t, 0.0, sigma)
		} else {
			// v=1: σ_t = sqrt(β_t).
			assert.InDelta(t, math.Sqrt(s.Betas[step]), sigma, 1e-12)
		}
	}
}

func TestTrainingLoss(t *testing.T) {
	model := must.M1(New(testConfig()))
	ctx := context.New()
	must.M(ctx.SetRNGStateFromSeed(42))
	loss := trainingStep(t, ctx, model)
	// The readout starts at zero, so the initial loss is the mean of ε², close to 1.
	assert.False(t, math.IsNaN(float64(loss)))
	assert.InDelta(t, 1.0, float64(loss), 0.5)
	require.NoError(t, model.ValidateNumClasses(ctx))

	// A configuration with a different number of classes doesn't match the trained variables.
	cfg := testConfig()
	cfg.Model.NumClasses = testNumClasses + 1
	other := must.M1(New(cfg))
	require.Error(t, other.ValidateNumClasses(ctx))
}

func TestEMA(t *testing.T) {
	cfg := testConfig()
	cfg.EMA = true
	cfg.EMADecay = 0.99
	model := must.M1(New(cfg))
	ctx := context.New()
	must.M(ctx.SetRNGStateFromSeed(42))
	_ = trainingStep(t, ctx, model)

	counter := ctx.GetVariableByScopeAndName(
		context.ScopeSeparator+EMAScope, EMACounterVar)
	require.NotNil(t, counter)
	assert.Equal(t, float32(1), tensors.ToScalar[float32](counter.MustValue()))

	// After one update the decay is min(0.99, 1/10): the EMA value is 90% of the current weights.
	emaEmbeddings := model.classEmbeddings(ctx.In(EMAScope))
	require.NotNil(t, emaEmbeddings)
	embeddings := model.classEmbeddings(ctx)
	want := tensors.MustCopyFlatData[float32](embeddings.MustValue())
	got := tensors.MustCopyFlatData[float32](emaEmbeddings.MustValue())
	require.Len(t, got, len(want))
	for ii := range want {
		assert.InDelta(t, 0.9*want[ii], got[ii], 1e-5)
	}

	_, usesEMA := model.InferenceContext(ctx)
	assert.True(t, usesEMA)
}

func TestGenerate(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model := must.M1(New(testConfig()))
	ctx := context.New()
	must.M(ctx.SetRNGStateFromSeed(42))
	_ = trainingStep(t, ctx, model)

	gen := must.M1(NewGenerator(backend, ctx, model))
	assert.False(t, gen.UsesEMA())
	var steps []int
	gen.OnStep = func(t int) { steps = append(steps, t) }
	const batchSize = 4
	images, err := gen.GenerateClass(batchSize, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{batchSize, testSize, testSize, 1}, images.Shape().Dimensions)
	assert.Equal(t, []int{4, 3, 2, 1, 0}, steps)
	for _, v := range tensors.MustCopyFlatData[float32](images) {
		require.GreaterOrEqual(t, v, float32(0))
		require.LessOrEqual(t, v, float32(1))
	}

	_, err = gen.GenerateClass(batchSize, testNumClasses)
	require.Error(t, err)
	_, err = gen.Generate(ClassOneHot(batchSize, testNumClasses+1, 0))
	require.Error(t, err)
	_, err = gen.GenerateClass(0, 2)
	require.ErrorContains(t, err, "batch size")

	// The batch size follows the leading dimension of the conditioning.
	images, err = gen.Generate(ClassOneHot(1, testNumClasses, 0))
	require.NoError(t, err)
	assert.Equal(t, []int{1, testSize, testSize, 1}, images.Shape().Dimensions)
}

func TestGenerateWithBatchNormAndEMA(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := testConfig()
	cfg.Model.Denoiser.Normalization = "batch"
	cfg.EMA = true
	model := must.M1(New(cfg))
	ctx := context.New()
	must.M(ctx.SetRNGStateFromSeed(42))
	_ = trainingStep(t, ctx, model)

	gen, err := NewGenerator(backend, ctx, model)
	require.NoError(t, err)
	assert.True(t, gen.UsesEMA())
	images, err := gen.GenerateClass(4, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{4, testSize, testSize, 1}, images.Shape().Dimensions)

	// Statistics recomputed outside the training step are copied to the EMA weights.
	var stats *context.Variable
	for _, v := range model.denoiserVariables(ctx) {
		if !v.Trainable && v.Shape().Size() > 1 {
			stats = v
			break
		}
	}
	require.NotNil(t, stats, "batch normalization statistics not found")
	values := make([]float32, stats.Shape().Size())
	for ii := range values {
		values[ii] = float32(ii) + 0.5
	}
	stats.MustSetValue(tensors.FromFlatDataAndDimensions(values, stats.Shape().Dimensions...))
	count, err := model.SyncEMANonTrainable(ctx)
	require.NoError(t, err)
	assert.Positive(t, count)
	emaCtx := ctx.In(EMAScope)
	emaStats := ctx.GetVariableByScopeAndName(emaScopeOf(ctx, emaCtx, stats), stats.Name())
	require.NotNil(t, emaStats)
	assert.Equal(t, values, tensors.MustCopyFlatData[float32](emaStats.MustValue()))
}

func TestGuidanceStep(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model := must.M1(New(testConfig()))
	ctx := context.New()
	must.M(ctx.SetRNGStateFromSeed(7))
	_ = trainingStep(t, ctx, model)

	const (
		batchSize    = 2
		step         = 2
		noiseCoef    = 0.7
		invSqrtAlpha = 1.1
	)
	xt, _ := testBatch(batchSize)
	classes := ClassOneHot(batchSize, testNumClasses, 1)

	// Conditional and unconditional noise predictions, computed separately.
	inferenceCtx, _ := model.InferenceContext(ctx)
	predictions := context.MustNewExec(backend, inferenceCtx, func(ctx *context.Context, x, classes *Node) []*Node {
		timesteps := Const(x.Graph(), []int32{step, step})
		return []*Node{
			model.PredictNoise(ctx, x, timesteps, classes),
			model.PredictNoise(ctx, x, timesteps, ZerosLike(classes)),
		}
	}).MustExec(xt, classes)
	epsCond := tensors.MustCopyFlatData[float32](predictions[0])
	epsUncond := tensors.MustCopyFlatData[float32](predictions[1])
	require.NotEqual(t, epsCond, epsUncond, "conditioning has no effect on the prediction")
	x := tensors.MustCopyFlatData[float32](xt)

	for _, w := range []float64{0, 0.5, 2} {
		guidedModel := *model
		guidedModel.Hyper.W = w
		gen := must.M1(NewGenerator(backend, ctx, &guidedModel))
		got := tensors.MustCopyFlatData[float32](
			gen.stepExec.MustExec1(xt, classes, int32(step), float32(noiseCoef), float32(invSqrtAlpha), float32(0)))
		require.Len(t, got, len(x))
		for ii := range x {
			guided := (1+w)*float64(epsCond[ii]) - w*float64(epsUncond[ii])
			want := (float64(x[ii]) - noiseCoef*guided) * invSqrtAlpha
			require.InDeltaf(t, want, float64(got[ii]), 1e-4, "w=%g, element %d", w, ii)
		}
	}
}
