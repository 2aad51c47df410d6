// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"math"
	"path"
	"strings"
	"testing"

	"github.com/gomlx/ddpm/pkg/denoiser"
	"github.com/gomlx/ddpm/pkg/mnist"
	"github.com/gomlx/ddpm/pkg/runconfig"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	stdplots "github.com/gomlx/gomlx/ui/plots"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// syntheticSplit returns n images with a vertical bar whose position depends on the label.
func syntheticSplit(name string, n int) *mnist.Split {
	s := &mnist.Split{Name: name, Images: make([]byte, n*mnist.Width*mnist.Height), Labels: make([]uint8, n)}
	for ii := range n {
		label := ii % mnist.NumClasses
		s.Labels[ii] = uint8(label)
		img := s.Images[ii*mnist.Width*mnist.Height : (ii+1)*mnist.Width*mnist.Height]
		for row := range mnist.Height {
			img[row*mnist.Width+2+2*label] = 255
		}
	}
	return s
}

func testConfig() *runconfig.Config {
	const numSteps = 5
	cfg := runconfig.Default()
	cfg.Model.T = numSteps
	cfg.NoiseSteps = numSteps
	cfg.Scheduler = cfg.Scheduler.WithSteps(numSteps)
	cfg.Model.Denoiser = denoiser.Spec{
		Name:              denoiser.ResNetName,
		Channels:          []int{4},
		NumResidualBlocks: 1,
		TimeEmbedSize:     4,
		ClassEmbedSize:    2,
		Normalization:     "none",
		Activation:        "swish",
	}
	cfg.BatchSize = 4
	cfg.Training.Steps = 4
	cfg.Training.EvalPeriodSteps = 2
	cfg.Training.KeepCheckpoints = 2
	return cfg
}

func TestTrain(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training test in short mode")
	}
	backend := graphtest.BuildTestBackend()
	runDir := path.Join(t.TempDir(), "run")
	cfg := testConfig()
	trainSplit, valSplit := syntheticSplit(mnist.TrainSplit, 12), syntheticSplit(mnist.TestSplit, 8)

	ctx := CreateDefaultContext()
	require.NoError(t, Train(backend, ctx, cfg, trainSplit, valSplit, runDir, nil, -1))
	assert.Equal(t, int64(4), optimizers.GetGlobalStep(ctx))

	// Sidecar configuration.
	loadedCfg, err := runconfig.LoadFromDir(runDir)
	require.NoError(t, err)
	assert.Equal(t, cfg.Model.T, loadedCfg.Model.T)
	assert.Equal(t, cfg.Model.Denoiser, loadedCfg.Model.Denoiser)

	// Plot points with the validation loss at steps 2 and 4.
	points, err := stdplots.LoadPointsFromCheckpoint(runDir)
	require.NoError(t, err)
	var validationSteps []float64
	for _, point := range points {
		if point.MetricType == "loss" && strings.HasSuffix(point.MetricName, " on validation") {
			validationSteps = append(validationSteps, point.Step)
		}
	}
	assert.Equal(t, []float64{2, 4}, validationSteps)

	// The best validation loss is saved along the model.
	loadedCtx := context.New()
	handler, err := checkpoints.Load(loadedCtx).Dir(runDir).Immediate().Done()
	require.NoError(t, err)
	names, err := handler.ListCheckpoints()
	require.NoError(t, err)
	assert.NotEmpty(t, names)
	bestLoss := loadedCtx.GetVariableByScopeAndName(MonitorScope, BestLossVar)
	require.NotNil(t, bestLoss)
	value := tensors.ToScalar[float64](bestLoss.MustValue())
	assert.False(t, math.IsInf(value, 0) || math.IsNaN(value))

	// Continue training up to step 6.
	cfg.Training.Steps = 6
	ctx = CreateDefaultContext()
	require.NoError(t, Train(backend, ctx, cfg, trainSplit, valSplit, runDir, nil, -1))
	assert.Equal(t, int64(6), optimizers.GetGlobalStep(ctx))
}

func TestTrainErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := testConfig()
	split := syntheticSplit(mnist.TrainSplit, 2)
	err := Train(backend, CreateDefaultContext(), cfg, split, split, t.TempDir(), nil, -1)
	require.Error(t, err, "fewer examples than batch size")

	cfg.Training.EvalPeriodSteps = 0
	err = Train(backend, CreateDefaultContext(), cfg, split, split, t.TempDir(), nil, -1)
	require.Error(t, err)

	cfg = testConfig()
	cfg.Dataset.Name = "cifar"
	err = TrainModel(backend, CreateDefaultContext(), cfg, t.TempDir(), nil, -1)
	require.Error(t, err, "unsupported dataset")

	cfg = testConfig()
	cfg.Dataset.DataDir = t.TempDir()
	require.NoError(t, syntheticSplit(mnist.TrainSplit, 8).Save(cfg.Dataset.DataDir))
	require.NoError(t, syntheticSplit(mnist.TestSplit, 8).Save(cfg.Dataset.DataDir))
	cfg.Dataset.Val = "validation"
	err = TrainModel(backend, CreateDefaultContext(), cfg, t.TempDir(), nil, -1)
	require.Error(t, err, "missing validation split")

	// Previous run with a different denoiser: the sidecar configuration is kept.
	runDir := t.TempDir()
	previous := testConfig()
	previous.Model.Denoiser.Channels = []int{8}
	require.NoError(t, previous.SaveToDir(runDir))
	split = syntheticSplit(mnist.TrainSplit, 8)
	err = Train(backend, CreateDefaultContext(), testConfig(), split, split, runDir, nil, -1)
	require.ErrorContains(t, err, "different configuration")
	saved, err := runconfig.LoadFromDir(runDir)
	require.NoError(t, err)
	assert.Equal(t, []int{8}, saved.Model.Denoiser.Channels)
}
