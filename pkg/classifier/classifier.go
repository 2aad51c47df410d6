// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package classifier implements the auxiliary MNIST ConvNet used to evaluate generated digits.
//
// The model is trained with Train, saved to a checkpoint directory, and loaded back with Load.
// A loaded Classifier provides the logits, the log-probabilities and the 64-dimensional penultimate
// features of a batch of images, which feed the quality metrics.
package classifier

import (
	"fmt"
	"time"

	"github.com/gomlx/ddpm/pkg/mnist"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// Scope of the model variables within the context.
	Scope = "model"

	// FeaturesSize is the dimension of the penultimate layer, returned by Classifier.Features.
	FeaturesSize = 64

	// Mean and standard deviation of the MNIST pixel values, used to standardize the inputs.
	mnistMean = 0.1307
	mnistStd  = 0.3081
)

// ParamsExcludedFromLoading are the hyperparameters that are not restored from a checkpoint, so
// they can be changed when training continues.
var ParamsExcludedFromLoading = []string{"train_steps", "num_checkpoints", "eval_batch_size"}

// CreateDefaultContext returns a context with the default hyperparameters of the classifier.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	must.M(ctx.ResetRNGState())
	ctx.SetParams(map[string]any{
		"train_steps":     6000,
		"batch_size":      64,
		"eval_batch_size": 1000,
		"num_checkpoints": 2,

		optimizers.ParamOptimizer:       "adam",
		optimizers.ParamLearningRate:    1e-3,
		optimizers.ParamAdamEpsilon:     1e-7,
		cosineschedule.ParamPeriodSteps: 0,
		activations.ParamActivation:     "relu",
	})
	return ctx
}

// buildGraph returns the logits and the features of the images, shaped [batchSize, 28, 28, 1] with values in [0, 1].
func buildGraph(ctx *context.Context, images *Node) (logits, features *Node) {
	batchSize := images.Shape().Dimensions[0]
	layerIdx := 0
	nextCtx := func(name string) *context.Context {
		newCtx := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return newCtx
	}

	x := DivScalar(AddScalar(images, -mnistMean), mnistStd)
	x = layers.Convolution(nextCtx("conv"), x).Channels(32).KernelSize(5).PadSame().UseBias(false).Done()
	x = activations.ApplyFromContext(ctx, x)
	x = layers.Convolution(nextCtx("conv"), x).Channels(64).KernelSize(3).PadSame().Done()
	x = activations.ApplyFromContext(ctx, x)
	x = MaxPool(x).Window(2).Done()
	x.AssertDims(batchSize, 14, 14, 64)

	x = layers.Convolution(nextCtx("conv"), x).Channels(128).KernelSize(3).PadSame().Done()
	x = activations.ApplyFromContext(ctx, x)
	x = layers.Convolution(nextCtx("conv"), x).Channels(256).KernelSize(3).PadSame().Done()
	x = activations.ApplyFromContext(ctx, x)
	x = MaxPool(x).Window(2).Done()
	x.AssertDims(batchSize, 7, 7, 256)

	x = Reshape(x, batchSize, -1)
	features = layers.Dense(nextCtx("dense"), x, true, FeaturesSize)
	features = activations.ApplyFromContext(ctx, features)
	logits = layers.Dense(nextCtx("dense"), features, true, mnist.NumClasses)
	return
}

// ModelGraph implements train.ModelFn. It takes the images as the first input (other inputs are ignored)
// and returns the logits and the features, in this order.
//
// While training, the learning rate follows a cosine schedule if cosineschedule.ParamPeriodSteps is set.
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec // Not used.
	cosineschedule.New(ctx, inputs[0].Graph(), dtypes.Float32).FromContext().Done()
	logits, features := buildGraph(ctx, inputs[0])
	return []*Node{logits, features}
}

// Train the classifier on the given splits, saving the model to checkpointDir.
// If checkpointDir already holds a checkpoint, training continues from it.
//
// paramsSet are the hyperparameters set from the command line, which take precedence over the ones
// saved in the checkpoint.
func Train(backend backends.Backend, ctx *context.Context, trainSplit, evalSplit *mnist.Split,
	checkpointDir string, paramsSet []string, verbosity int) error {
	return exceptions.TryCatch[error](func() { mustTrain(backend, ctx, trainSplit, evalSplit, checkpointDir, paramsSet, verbosity) })
}

func mustTrain(backend backends.Backend, ctx *context.Context, trainSplit, evalSplit *mnist.Split,
	checkpointDir string, paramsSet []string, verbosity int) {
	checkpoint, err := checkpoints.Build(ctx).
		Dir(checkpointDir).
		Keep(context.GetParamOr(ctx, "num_checkpoints", 2)).
		ExcludeParams(append(paramsSet, ParamsExcludedFromLoading...)...).
		Done()
	if err != nil {
		panic(errors.WithMessagef(err, "failed to create checkpoint in %q", checkpointDir))
	}
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	batchSize := context.GetParamOr(ctx, "batch_size", 64)
	evalBatchSize := context.GetParamOr(ctx, "eval_batch_size", batchSize)
	trainDS := must.M1(trainSplit.Dataset(backend, "train")).BatchSize(batchSize, true).Shuffle().Infinite(true)
	trainEvalDS := must.M1(trainSplit.Dataset(backend, "train-eval")).BatchSize(evalBatchSize, false)
	evalDS := must.M1(evalSplit.Dataset(backend, evalSplit.Name)).BatchSize(evalBatchSize, false)

	ctx = ctx.In(Scope)
	trainer := train.NewTrainer(backend, ctx, ModelGraph,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(ctx),
		[]metrics.Interface{metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)},
		[]metrics.Interface{metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")})
	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}
	train.PeriodicCallback(loop, time.Minute, true, "saving checkpoint", 100,
		func(_ *train.Loop, _ []*tensors.Tensor) error {
			return checkpoint.Save()
		})

	numTrainSteps := context.GetParamOr(ctx, "train_steps", 0)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep < numTrainSteps {
		if _, err = loop.RunSteps(trainDS, numTrainSteps-globalStep); err != nil {
			panic(errors.WithMessage(err, "failed training the classifier"))
		}
		klog.V(1).Infof("[Step %d] median train step: %s", loop.LoopStep, loop.MedianTrainStepDuration())
	} else {
		fmt.Printf("\t - target train_steps=%d already reached.\n", numTrainSteps)
	}
	if verbosity >= 1 {
		if err = commandline.ReportEval(trainer, trainEvalDS, evalDS); err != nil {
			panic(err)
		}
	}
}

// Classifier holds a trained classifier, ready to be executed.
type Classifier struct {
	ctx *context.Context

	logitsExec, logProbsExec, featuresExec *context.Exec
}

// Load the classifier trained with Train from checkpointDir.
func Load(backend backends.Backend, checkpointDir string) (*Classifier, error) {
	c := &Classifier{ctx: context.New()}
	_, err := checkpoints.Load(c.ctx).Dir(checkpointDir).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed while loading the MNIST classifier from %q", checkpointDir)
	}
	c.ctx = c.ctx.Reuse()
	modelCtx := c.ctx.In(Scope)
	c.logitsExec, err = context.NewExec(backend, modelCtx, func(ctx *context.Context, images *Node) *Node {
		logits, _ := buildGraph(ctx, images)
		return logits
	})
	if err != nil {
		return nil, err
	}
	c.logProbsExec, err = context.NewExec(backend, modelCtx, func(ctx *context.Context, images *Node) *Node {
		logits, _ := buildGraph(ctx, images)
		return LogSoftmax(logits)
	})
	if err != nil {
		return nil, err
	}
	c.featuresExec, err = context.NewExec(backend, modelCtx, func(ctx *context.Context, images *Node) *Node {
		_, features := buildGraph(ctx, images)
		return features
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func checkImages(images *tensors.Tensor) error {
	dims := images.Shape().Dimensions
	if images.Rank() != 4 || dims[1] != mnist.Height || dims[2] != mnist.Width || dims[3] != 1 {
		return errors.Errorf("classifier expects images shaped [batchSize, %d, %d, 1], got %s",
			mnist.Height, mnist.Width, images.Shape())
	}
	if images.DType() != dtypes.Float32 {
		return errors.Errorf("classifier expects float32 images, got %s", images.DType())
	}
	return nil
}

func (c *Classifier) exec(e *context.Exec, images *tensors.Tensor) (output *tensors.Tensor, err error) {
	if err = checkImages(images); err != nil {
		return nil, err
	}
	err = exceptions.TryCatch[error](func() { output = e.MustExec1(images) })
	return
}

// Logits returns the logits of the images, shaped [batchSize, 10].
// The images must be shaped [batchSize, 28, 28, 1] with values in [0, 1].
func (c *Classifier) Logits(images *tensors.Tensor) (*tensors.Tensor, error) {
	return c.exec(c.logitsExec, images)
}

// LogProbabilities returns the log-softmax of the logits, shaped [batchSize, 10].
func (c *Classifier) LogProbabilities(images *tensors.Tensor) (*tensors.Tensor, error) {
	return c.exec(c.logProbsExec, images)
}

// Features returns the penultimate layer activations, shaped [batchSize, FeaturesSize].
func (c *Classifier) Features(images *tensors.Tensor) (*tensors.Tensor, error) {
	return c.exec(c.featuresExec, images)
}
