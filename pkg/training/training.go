// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package training trains a diffusion model described by a runconfig.Config.
//
// The run directory holds the config.yaml sidecar, the checkpoints and the training plot points.
// Training a run directory that already has a checkpoint continues from it.
package training

import (
	"fmt"
	"math/rand"
	"os"

	"github.com/gomlx/ddpm/pkg/clipping"
	"github.com/gomlx/ddpm/pkg/ddpm"
	"github.com/gomlx/ddpm/pkg/mnist"
	"github.com/gomlx/ddpm/pkg/runconfig"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DatasetName is the only dataset currently supported.
const DatasetName = "mnist"

// CreateDefaultContext returns a context with the default optimizer hyperparameters.
//
// The model hyperparameters are not in the context: they come from the runconfig.Config.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	must.M(ctx.ResetRNGState())
	ctx.SetParams(map[string]any{
		optimizers.ParamOptimizer:       "adamw",
		optimizers.ParamLearningRate:    2e-4,
		optimizers.ParamAdamEpsilon:     1e-8,
		optimizers.ParamAdamWeightDecay: 1e-4,

		// Enabled if > 0: it sets the period of the cosine schedule, typically the number of training steps.
		cosineschedule.ParamPeriodSteps:     0,
		cosineschedule.ParamMinLearningRate: 1e-6,
	})
	return ctx
}

// TrainModel loads the dataset configured in cfg, and trains the model in runDir.
//
// paramsSet are the context hyperparameters set from the command line: they take precedence over
// the ones saved in the checkpoint.
func TrainModel(backend backends.Backend, ctx *context.Context, cfg *runconfig.Config, runDir string,
	paramsSet []string, verbosity int) error {
	if cfg.Dataset.Name != DatasetName {
		return errors.Errorf("unsupported dataset %q, only %q is available", cfg.Dataset.Name, DatasetName)
	}
	trainSplit, err := mnist.DownloadAndLoad(cfg.Dataset.DataDir, cfg.Dataset.Train)
	if err != nil {
		return errors.WithMessage(err, "failed to load the training split")
	}
	valSplit, err := mnist.Load(cfg.Dataset.DataDir, cfg.Dataset.Val)
	if err != nil {
		return errors.WithMessage(err, "failed to load the validation split")
	}
	return Train(backend, ctx, cfg, trainSplit, valSplit, runDir, paramsSet, verbosity)
}

// Train the model described by cfg on the given splits, saving config.yaml, checkpoints and training
// plot points to runDir.
//
// Every cfg.Training.EvalPeriodSteps steps the loss is evaluated on the validation split, and a checkpoint
// is saved only if it improved.
func Train(backend backends.Backend, ctx *context.Context, cfg *runconfig.Config, trainSplit, valSplit *mnist.Split,
	runDir string, paramsSet []string, verbosity int) error {
	runDir, err := fsutil.ReplaceTildeInDir(runDir)
	if err != nil {
		return err
	}
	model, err := ddpm.New(cfg)
	if err != nil {
		return err
	}
	if cfg.BatchSize < 1 || cfg.Training.EvalPeriodSteps < 1 {
		return errors.Errorf("batch_size (%d) and training.eval_period_steps (%d) must be >= 1",
			cfg.BatchSize, cfg.Training.EvalPeriodSteps)
	}
	if trainSplit.Len() < cfg.BatchSize {
		return errors.Errorf("training split %q has %d examples, fewer than batch_size=%d",
			trainSplit.Name, trainSplit.Len(), cfg.BatchSize)
	}
	if err = os.MkdirAll(runDir, 0o777); err != nil {
		return errors.Wrapf(err, "failed to create run directory %q", runDir)
	}
	if previous, err := runconfig.LoadFromDir(runDir); err == nil {
		if err = cfg.CheckCompatible(previous); err != nil {
			return errors.WithMessagef(err, "run %q was trained with a different configuration", runDir)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return errors.WithMessagef(err, "failed to read the configuration of the previous training of %q", runDir)
	}
	if err = cfg.SaveToDir(runDir); err != nil {
		return err
	}
	return exceptions.TryCatch[error](func() {
		mustTrain(backend, ctx, cfg, model, trainSplit, valSplit, runDir, paramsSet, verbosity)
	})
}

// BuildTrainComputation returns the train.ModelFn of the model, with the cosine learning rate schedule.
func BuildTrainComputation(model *ddpm.Model) train.ModelFn {
	modelFn := model.TrainingModelFn()
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		cosineschedule.New(ctx, inputs[0].Graph(), model.DType).FromContext().Done()
		return modelFn(ctx, spec, inputs)
	}
}

func mustTrain(backend backends.Backend, ctx *context.Context, cfg *runconfig.Config, model *ddpm.Model,
	trainSplit, valSplit *mnist.Split, runDir string, paramsSet []string, verbosity int) {
	checkpoint := must.M1(checkpoints.Build(ctx).
		Dir(runDir).
		Keep(cfg.Training.KeepCheckpoints).
		ExcludeParams(paramsSet...).
		Done())
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep == 0 {
		must.M(ctx.SetRNGStateFromSeed(cfg.Training.Seed))
	} else if verbosity >= 1 {
		fmt.Printf("Continuing training of %q from global step %d\n", runDir, globalStep)
	}
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	trainDS := must.M1(trainSplit.Dataset(backend, "train"))
	trainEvalDS := trainDS.Copy().BatchSize(cfg.BatchSize, false)
	trainDS.BatchSize(cfg.BatchSize, true).
		Shuffle().
		Infinite(true).
		WithRand(rand.New(rand.NewSource(cfg.Training.Seed + int64(globalStep))))
	valDS := must.M1(valSplit.Dataset(backend, "validation")).BatchSize(cfg.BatchSize, false)

	opt := must.M1(clipping.New(optimizers.FromContext(ctx), cfg.GradientClipAlgorithm, cfg.GradientClipVal))
	trainer := train.NewTrainer(backend, ctx, BuildTrainComputation(model), ddpm.LossFn, opt,
		[]metrics.Interface{}, // trainMetrics
		[]metrics.Interface{}) // evalMetrics
	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}

	m := newMonitor(ctx, checkpoint, valDS, verbosity)
	defer func() {
		if err := m.Close(); err != nil {
			klog.Errorf("Failed to save training plot points: %+v", err)
		}
	}()
	train.EveryNSteps(loop, cfg.Training.EvalPeriodSteps, "validation", 100, m.OnStep)
	loop.OnEnd("validation", 100, m.OnStep)

	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	numTrainSteps := cfg.Training.Steps
	if globalStep >= numTrainSteps {
		fmt.Printf("\t - target training.steps=%d already reached. To train further, set a number larger "+
			"than the current global step %d.\n", numTrainSteps, globalStep)
		return
	}
	_, err := loop.RunSteps(trainDS, numTrainSteps-globalStep)
	if verbosity >= 1 {
		fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
			loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
	}
	if err != nil {
		panic(errors.WithMessagef(err, "failed training at loop step %d", loop.LoopStep))
	}

	// Update batch normalization averages, if they are used.
	bnUpdated, err := batchnorm.UpdateAverages(trainer, trainEvalDS)
	if err != nil {
		panic(errors.WithMessage(err, "failed to update batch normalization averages"))
	}
	if bnUpdated {
		klog.V(1).Info("updated batch normalization mean/variance averages")
		if model.EMA {
			numCopied := must.M1(model.SyncEMANonTrainable(ctx))
			klog.V(1).Infof("copied %d updated non-trainable variables to the EMA weights", numCopied)
		}
		must.M(checkpoint.Save())
	}
	if verbosity >= 1 {
		fmt.Printf("Best validation loss: %.5f\n", m.BestLoss())
	}
}
