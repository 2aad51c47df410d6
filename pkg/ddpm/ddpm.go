// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ddpm implements a Gaussian denoising diffusion probabilistic model (DDPM) with classifier-free guidance.
//
// The model is trained to predict the noise ε added to an image x_0 at a random diffusion step t:
//
//	x_t = sqrt(ᾱ_t)·x_0 + sqrt(1-ᾱ_t)·ε
//
// During training the class conditioning is dropped with probability p_uncond, so the same denoiser
// learns both the conditional and the unconditional noise predictions. At sampling time they are combined
// with the guidance weight w:
//
//	ε̂ = (1+w)·ε(x_t, t, c) - w·ε(x_t, t, ∅)
//
// Images are given in [0, 1] and internally scaled to [-1, 1].
package ddpm

import (
	"strings"

	"github.com/gomlx/ddpm/pkg/denoiser"
	"github.com/gomlx/ddpm/pkg/runconfig"
	"github.com/gomlx/ddpm/pkg/scheduler"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"
)

const (
	// EMAScope holds the exponential moving average of the denoiser variables.
	EMAScope = "ema"

	// EMACounterVar counts the number of EMA updates, used for the decay warm-up.
	EMACounterVar = "num_updates"
)

// Model is a Gaussian DDPM with classifier-free guidance. It holds no variables itself:
// those live in the context.Context passed to the graph building functions.
type Model struct {
	Hyper     runconfig.Model
	Scheduler *scheduler.Scheduler
	Denoiser  denoiser.Denoiser

	// EMA enables the exponential moving average of the denoiser weights, with decay EMADecay.
	EMA      bool
	EMADecay float64

	// DType used for the images and the model.
	DType dtypes.DType
}

// New creates the model described by the configuration.
func New(cfg *runconfig.Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s, err := scheduler.New(cfg.Scheduler)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create the variance scheduler")
	}
	d, err := denoiser.New(cfg.Model.Denoiser)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create the denoiser")
	}
	return &Model{
		Hyper:     cfg.Model,
		Scheduler: s,
		Denoiser:  d,
		EMA:       cfg.EMA,
		EMADecay:  cfg.EMADecay,
		DType:     dtypes.Float32,
	}, nil
}

// T returns the number of diffusion steps.
func (m *Model) T() int { return m.Scheduler.T() }

// NumClasses returns the number of classes of the conditioning.
func (m *Model) NumClasses() int { return m.Hyper.NumClasses }

// ImageShape returns the shape of a batch of images: [batchSize, height, width, channels].
func (m *Model) ImageShape(batchSize int) shapes.Shape {
	return shapes.Make(m.DType, batchSize, m.Hyper.Height, m.Hyper.Width, m.Hyper.InputChannels)
}

// NormalizeImages converts images from [0, 1] to [-1, 1].
func NormalizeImages(images *Node) *Node {
	return AddScalar(MulScalar(images, 2), -1)
}

// DenormalizeImages converts images from [-1, 1] back to [0, 1], clipping values out of range.
func DenormalizeImages(x *Node) *Node {
	return ClipScalar(MulScalar(AddScalar(x, 1), 0.5), 0, 1)
}

// OneHotGraph converts the class ids, shaped [batchSize], to one-hot vectors shaped [batchSize, numClasses].
func (m *Model) OneHotGraph(classIDs *Node) *Node {
	return OneHot(ConvertDType(classIDs, dtypes.Int32), m.NumClasses(), m.DType)
}

// ClassOneHot returns the conditioning for batchSize examples of the given class.
// A negative class returns the unconditional (all zeros) conditioning.
func ClassOneHot(batchSize, numClasses, class int) *tensors.Tensor {
	data := make([]float32, batchSize*numClasses)
	if class >= 0 {
		if class >= numClasses {
			exceptions.Panicf("class %d out of range, the model has %d classes", class, numClasses)
		}
		for ii := range batchSize {
			data[ii*numClasses+class] = 1
		}
	}
	return tensors.FromFlatDataAndDimensions(data, batchSize, numClasses)
}

// alphaHatsGraph returns ᾱ_t gathered for the given timesteps, shaped [batchSize, 1, 1, 1].
func (m *Model) alphaHatsGraph(timesteps *Node) *Node {
	g := timesteps.Graph()
	alphaHats := ConvertDType(Const(g, m.Scheduler.AlphaHats), m.DType)
	gathered := Gather(alphaHats, InsertAxes(timesteps, -1))
	return InsertAxes(gathered, -1, -1, -1)
}

// PredictNoise predicts the noise of the noisy images x_t.
//
//   - timesteps: int32 diffusion steps in {0, …, T-1}, shaped [batchSize].
//   - classes: one-hot conditioning, shaped [batchSize, numClasses], all zeros for unconditional.
func (m *Model) PredictNoise(ctx *context.Context, noisyImages, timesteps, classes *Node) *Node {
	normalizedT := DivScalar(ConvertDType(timesteps, m.DType), float64(m.T()))
	return m.Denoiser.PredictNoise(ctx, noisyImages, normalizedT, classes)
}

// NoisePredictionLoss samples timesteps and noise for the images (in [0, 1]) with the given class ids,
// and returns the predicted noise and the mean squared error to the sampled noise.
//
// While training, the class conditioning of each example is dropped with probability p_uncond.
func (m *Model) NoisePredictionLoss(ctx *context.Context, images, classIDs *Node) (predictedNoise, loss *Node) {
	g := images.Graph()
	images = ConvertDType(images, m.DType)
	batchSize := images.Shape().Dimensions[0]
	x0 := NormalizeImages(images)

	timesteps := ctx.RandomIntN(g, int32(m.T()), shapes.Make(dtypes.Int32, batchSize))
	noise := ctx.RandomNormal(g, x0.Shape())
	alphaHats := m.alphaHatsGraph(timesteps)
	noisyImages := Add(
		Mul(Sqrt(alphaHats), x0),
		Mul(Sqrt(OneMinus(alphaHats)), noise))
	noisyImages = StopGradient(noisyImages)

	classes := m.OneHotGraph(classIDs)
	if ctx.IsTraining(g) && m.Hyper.PUncond > 0 {
		keep := ctx.RandomBernoulli(Scalar(g, m.DType, 1-m.Hyper.PUncond), shapes.Make(m.DType, batchSize, 1))
		classes = Mul(classes, keep)
	}

	predictedNoise = m.PredictNoise(ctx, noisyImages, timesteps, classes)
	loss = losses.MeanSquaredError([]*Node{noise}, []*Node{predictedNoise})
	if !loss.IsScalar() {
		loss = ReduceAllMean(loss)
	}
	return
}

// TrainingModelFn returns the train.ModelFn used for training and evaluation.
//
// The inputs are the images in [0, 1] shaped [batchSize, height, width, channels] and the class ids.
// It returns the predicted noise and the scalar loss, in this order. The trainer is expected to use the
// second output as the loss, see LossFn.
func (m *Model) TrainingModelFn() train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		images, classIDs := inputs[0], inputs[1]
		g := images.Graph()
		predictedNoise, loss := m.NoisePredictionLoss(ctx, images, classIDs)
		if m.EMA && ctx.IsTraining(g) {
			m.UpdateEMA(ctx, g)
		}
		return []*Node{predictedNoise, loss}
	}
}

// LossFn returns the loss computed by TrainingModelFn.
func LossFn(_, predictions []*Node) *Node {
	return predictions[1]
}

// UpdateEMA updates the moving average of the denoiser variables, stored under EMAScope.
//
// The decay warms up as min(decay, (1+n)/(10+n)), where n is the number of previous updates.
// Non-trainable variables (e.g. batch normalization statistics) are copied as is.
func (m *Model) UpdateEMA(ctx *context.Context, g *Graph) {
	emaCtx := ctx.In(EMAScope).WithInitializer(initializers.Zero).Checked(false)

	counterVar := emaCtx.VariableWithValue(EMACounterVar, float32(0)).SetTrainable(false)
	counter := counterVar.ValueGraph(g)
	decay := Min(
		Scalar(g, dtypes.Float32, m.EMADecay),
		Div(OnePlus(counter), AddScalar(counter, 10)))
	counterVar.SetValueGraph(OnePlus(counter))

	for _, v := range m.denoiserVariables(ctx) {
		emaVar := emaCtx.InAbsPath(emaScopeOf(ctx, emaCtx, v)).VariableWithShape(v.Name(), v.Shape()).SetTrainable(false)
		value := v.ValueGraph(g)
		if !v.Trainable {
			emaVar.SetValueGraph(StopGradient(value))
			continue
		}
		varDecay := ConvertDType(decay, value.DType())
		emaValue := Add(
			Mul(emaVar.ValueGraph(g), varDecay),
			Mul(value, OneMinus(varDecay)))
		emaVar.SetValueGraph(StopGradient(emaValue))
	}
}

// SyncEMANonTrainable copies the current values of the non-trainable denoiser variables to their EMA
// counterparts. It is used after statistics are recomputed outside the training step, e.g. by
// batchnorm.UpdateAverages. It returns the number of variables copied.
func (m *Model) SyncEMANonTrainable(ctx *context.Context) (int, error) {
	emaCtx := ctx.In(EMAScope).Checked(false)
	count := 0
	for _, v := range m.denoiserVariables(ctx) {
		if v.Trainable {
			continue
		}
		value, err := v.Value()
		if err != nil {
			return count, errors.WithMessagef(err, "failed to read variable %q", v.ScopeAndName())
		}
		value, err = value.Clone()
		if err != nil {
			return count, errors.WithMessagef(err, "failed to copy variable %q", v.ScopeAndName())
		}
		scope := emaScopeOf(ctx, emaCtx, v)
		if emaVar := ctx.GetVariableByScopeAndName(scope, v.Name()); emaVar != nil {
			if err := emaVar.SetValue(value); err != nil {
				return count, errors.WithMessagef(err, "failed to update EMA of %q", v.ScopeAndName())
			}
		} else {
			emaCtx.InAbsPath(scope).VariableWithValue(v.Name(), value).SetTrainable(false)
		}
		count++
	}
	return count, nil
}

// denoiserVariables lists the variables under the denoiser scope of ctx.
func (m *Model) denoiserVariables(ctx *context.Context) []*context.Variable {
	var vars []*context.Variable
	ctx.In(m.Denoiser.Scope()).EnumerateVariablesInScope(func(v *context.Variable) {
		vars = append(vars, v)
	})
	return vars
}

// emaScopeOf returns the scope under emaCtx mirroring the scope of v relative to ctx.
func emaScopeOf(ctx, emaCtx *context.Context, v *context.Variable) string {
	prefixScope := ctx.Scope()
	if !strings.HasPrefix(v.Scope(), prefixScope) {
		exceptions.Panicf("unexpected variable %q in scope %q", v.Name(), v.Scope())
	}
	suffix := v.Scope()[len(prefixScope):]
	if !strings.HasPrefix(suffix, context.ScopeSeparator) {
		suffix = context.ScopeSeparator + suffix
	}
	return emaCtx.Scope() + suffix
}

// InferenceContext returns the context to use for sampling: the EMA weights if they are present,
// otherwise the model weights. The returned context is set to reuse the existing variables.
func (m *Model) InferenceContext(ctx *context.Context) (inferenceCtx *context.Context, usesEMA bool) {
	emaCtx := ctx.In(EMAScope)
	if m.EMA && m.classEmbeddings(emaCtx) != nil {
		return emaCtx.Reuse(), true
	}
	return ctx.Reuse(), false
}

// classEmbeddings returns the class embedding variable of the denoiser under ctx, or nil if it doesn't exist.
func (m *Model) classEmbeddings(ctx *context.Context) *context.Variable {
	scope := ctx.In(m.Denoiser.Scope()).In(denoiser.ClassEmbeddingScope).Scope()
	return ctx.GetVariableByScopeAndName(scope, denoiser.ClassEmbeddingVar)
}

// ValidateNumClasses checks that the denoiser variables in ctx (usually loaded from a checkpoint)
// were trained with the same number of classes as the model configuration.
func (m *Model) ValidateNumClasses(ctx *context.Context) error {
	v := m.classEmbeddings(ctx)
	if v == nil {
		return errors.Errorf("class embeddings of denoiser %q not found in the checkpoint: "+
			"was the model trained with a different denoiser?", m.Denoiser.Name())
	}
	trainedClasses := v.Shape().Dimensions[0]
	if trainedClasses != m.NumClasses() {
		return errors.Errorf("model configuration has %d classes, but the checkpoint was trained with %d classes",
			m.NumClasses(), trainedClasses)
	}
	return nil
}
