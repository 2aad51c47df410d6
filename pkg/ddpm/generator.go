// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ddpm

import (
	"math"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Generator samples images from a trained Model with classifier-free guidance.
//
// Each reverse diffusion step is one call to the same compiled graph: the per-step coefficients
// are computed on the host and fed as scalars.
type Generator struct {
	model   *Model
	backend backends.Backend
	usesEMA bool

	initExec, stepExec *context.Exec

	// OnStep, if set, is called after each reverse diffusion step, with the step t just computed.
	OnStep func(t int)
}

// NewGenerator creates a generator for the model, whose variables are in ctx.
// If the model was trained with EMA, the moving average weights are used.
func NewGenerator(backend backends.Backend, ctx *context.Context, model *Model) (*Generator, error) {
	inferenceCtx, usesEMA := model.InferenceContext(ctx)
	gen := &Generator{
		model:   model,
		backend: backend,
		usesEMA: usesEMA,
	}
	klog.V(1).Infof("generator using EMA weights: %v", usesEMA)
	var err error
	gen.initExec, err = context.NewExec(backend, inferenceCtx, gen.initialNoiseGraph)
	if err != nil {
		return nil, err
	}
	gen.stepExec, err = context.NewExec(backend, inferenceCtx, gen.stepGraph)
	if err != nil {
		return nil, err
	}
	return gen, nil
}

// UsesEMA returns whether the generator samples with the exponential moving average weights.
func (gen *Generator) UsesEMA() bool { return gen.usesEMA }

// initialNoiseGraph returns x_T ~ N(0, I), shaped like the batch of classes.
func (gen *Generator) initialNoiseGraph(ctx *context.Context, classes *Node) *Node {
	batchSize := classes.Shape().Dimensions[0]
	return ctx.RandomNormal(classes.Graph(), gen.model.ImageShape(batchSize))
}

// stepGraph computes x_{t-1} from x_t. The inputs are:
//
//	x_t, classes, t (int32 scalar), noiseCoef = β_t/sqrt(1-ᾱ_t), invSqrtAlpha = 1/sqrt(α_t), σ_t.
//
// It returns x_{t-1} = (x_t - noiseCoef·ε̂)·invSqrtAlpha + σ_t·z.
func (gen *Generator) stepGraph(ctx *context.Context, inputs []*Node) *Node {
	xt, classes, t := inputs[0], inputs[1], inputs[2]
	noiseCoef, invSqrtAlpha, sigma := inputs[3], inputs[4], inputs[5]
	g := xt.Graph()
	batchSize := xt.Shape().Dimensions[0]
	timesteps := BroadcastToDims(t, batchSize)

	// Conditional and unconditional predictions share the same batch.
	doubledX := Concatenate([]*Node{xt, xt}, 0)
	doubledT := Concatenate([]*Node{timesteps, timesteps}, 0)
	doubledClasses := Concatenate([]*Node{classes, ZerosLike(classes)}, 0)
	eps := gen.model.PredictNoise(ctx, doubledX, doubledT, doubledClasses)
	epsCond := Slice(eps, AxisRange(0, batchSize))
	epsUncond := Slice(eps, AxisRangeToEnd(batchSize))
	w := gen.model.Hyper.W
	guided := Sub(MulScalar(epsCond, 1+w), MulScalar(epsUncond, w))

	mean := Mul(Sub(xt, Mul(guided, noiseCoef)), invSqrtAlpha)
	z := ctx.RandomNormal(g, xt.Shape())
	return Add(mean, Mul(z, sigma))
}

// Coefficients returns the host computed coefficients of the reverse step t:
// β_t/sqrt(1-ᾱ_t), 1/sqrt(α_t) and σ_t (which is 0 at t=0).
func (m *Model) Coefficients(t int) (noiseCoef, invSqrtAlpha, sigma float64) {
	s := m.Scheduler
	noiseCoef = s.Betas[t] / math.Sqrt(1-s.AlphaHats[t])
	invSqrtAlpha = 1 / math.Sqrt(s.Alphas[t])
	sigma = s.Sigma(t, m.Hyper.V)
	return
}

// Generate samples a batch of images for the given one-hot classes, shaped [batchSize, numClasses]:
// the batch size is the leading dimension of classes.
//
// It returns the images in [0, 1], shaped [batchSize, height, width, channels].
func (gen *Generator) Generate(classes *tensors.Tensor) (images *tensors.Tensor, err error) {
	dims := classes.Shape().Dimensions
	if classes.Rank() != 2 || dims[0] < 1 || dims[1] != gen.model.NumClasses() {
		return nil, errors.Errorf("classes must be shaped [batchSize, %d], got %s",
			gen.model.NumClasses(), classes.Shape())
	}
	if classes.DType() != gen.model.DType {
		return nil, errors.Errorf("classes must be of dtype %s, got %s", gen.model.DType, classes.DType())
	}
	err = exceptions.TryCatch[error](func() {
		x := gen.initExec.MustExec1(classes)
		for t := gen.model.T() - 1; t >= 0; t-- {
			noiseCoef, invSqrtAlpha, sigma := gen.model.Coefficients(t)
			next := gen.stepExec.MustExec1(x, classes, int32(t),
				float32(noiseCoef), float32(invSqrtAlpha), float32(sigma))
			x.MustFinalizeAll()
			x = next
			if gen.OnStep != nil {
				gen.OnStep(t)
			}
		}
		images = MustExecOnce(gen.backend, DenormalizeImages, x)
		x.MustFinalizeAll()
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to sample images")
	}
	return images, nil
}

// GenerateClass samples batchSize images of the given class.
func (gen *Generator) GenerateClass(batchSize, class int) (*tensors.Tensor, error) {
	if batchSize < 1 {
		return nil, errors.Errorf("batch size must be >= 1, got %d", batchSize)
	}
	if class < 0 || class >= gen.model.NumClasses() {
		return nil, errors.Errorf("class %d out of range, the model has %d classes", class, gen.model.NumClasses())
	}
	return gen.Generate(ClassOneHot(batchSize, gen.model.NumClasses(), class))
}
