// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package generation

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/ddpm/pkg/classifier"
	"github.com/gomlx/ddpm/pkg/denoiser"
	"github.com/gomlx/ddpm/pkg/inception"
	"github.com/gomlx/ddpm/pkg/mnist"
	"github.com/gomlx/ddpm/pkg/runconfig"
	"github.com/gomlx/ddpm/pkg/training"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// syntheticSplit returns n examples where each image is a diagonal segment whose offset depends on the label.
func syntheticSplit(name string, n int) *mnist.Split {
	s := &mnist.Split{Name: name, Images: make([]byte, n*mnist.Width*mnist.Height), Labels: make([]uint8, n)}
	for ii := range n {
		label := ii % mnist.NumClasses
		s.Labels[ii] = uint8(label)
		img := s.Images[ii*mnist.Width*mnist.Height : (ii+1)*mnist.Width*mnist.Height]
		for jj := range 10 {
			img[(label+jj)*mnist.Width+jj+4] = 255
		}
	}
	return s
}

// trainedRun trains a tiny model and a classifier on synthetic data, and returns the options to
// generate from the model.
func trainedRun(t *testing.T) Options {
	backend := graphtest.BuildTestBackend()
	baseDir := t.TempDir()
	dataDir := filepath.Join(baseDir, "data")
	trainSplit, testSplit := syntheticSplit(mnist.TrainSplit, 20), syntheticSplit(mnist.TestSplit, 30)
	require.NoError(t, trainSplit.Save(dataDir))
	require.NoError(t, testSplit.Save(dataDir))

	classifierDir := filepath.Join(baseDir, "classifier")
	ctx := classifier.CreateDefaultContext()
	ctx.SetParams(map[string]any{"train_steps": 2, "batch_size": 4, "eval_batch_size": 10})
	require.NoError(t, classifier.Train(backend, ctx, trainSplit, testSplit, classifierDir, nil, -1))

	const numSteps = 4
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
	cfg.Dataset.DataDir = dataDir
	cfg.BatchSize = 4
	cfg.Training.Steps = 2
	cfg.Training.EvalPeriodSteps = 2
	runDir := filepath.Join(baseDir, "run")
	require.NoError(t, training.TrainModel(backend, training.CreateDefaultContext(), cfg, runDir, nil, -1))

	checkpointPaths, err := filepath.Glob(filepath.Join(runDir, "checkpoint-*.json"))
	require.NoError(t, err)
	require.NotEmpty(t, checkpointPaths)

	opts := DefaultOptions()
	opts.CheckpointPath = checkpointPaths[len(checkpointPaths)-1]
	opts.BatchSize = 2
	opts.ClassifierDir = classifierDir
	opts.FIDFeatures = FIDClassifier
	opts.Verbosity = -1
	return opts
}

func TestRun(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping generation test in short mode")
	}
	backend := graphtest.BuildTestBackend()
	opts := trainedRun(t)
	report, err := Run(backend, opts)
	require.NoError(t, err)

	assert.Equal(t, 2*mnist.NumClasses, report.NumImages)
	assert.Equal(t, filepath.Join(filepath.Dir(opts.CheckpointPath), GridFileName), report.GridPath)
	img, err := imaging.Open(report.GridPath)
	require.NoError(t, err)
	assert.Equal(t, 20*30+2, img.Bounds().Dx())
	assert.Equal(t, 30+2, img.Bounds().Dy())
	assert.Equal(t, report.Layout.Width, img.Bounds().Dx())

	assert.GreaterOrEqual(t, report.ISMean, 1.0-1e-6)
	assert.GreaterOrEqual(t, report.FID, -1e-6)
	assert.Greater(t, report.NLL, 0.0)

	var buf bytes.Buffer
	require.NoError(t, report.Print(&buf))
	assert.Contains(t, buf.String(), "IS: ")
	assert.Contains(t, buf.String(), "FID: ")
	assert.Contains(t, buf.String(), "NLL: ")

	// Same seed, same samples.
	again, err := Run(backend, opts)
	require.NoError(t, err)
	assert.InDelta(t, report.NLL, again.NLL, 1e-4)

	// Fewer diffusion steps and a different guidance weight.
	w := 0.0
	opts.Overrides = runconfig.Overrides{T: 2, W: &w}
	_, err = Run(backend, opts)
	require.NoError(t, err)

	// The class count of the checkpoint must match the configuration.
	c, err := ResolveRun(opts.CheckpointPath)
	require.NoError(t, err)
	c.Config.Model.NumClasses = 5
	_, _, err = Reconstruct(c, runconfig.Overrides{}, 0)
	require.Error(t, err)

	opts.BatchSize = 0
	_, err = Run(backend, opts)
	require.Error(t, err)
}

func TestResolveRun(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "checkpoint-n0000001-step-00000010.json")
	binPath := filepath.Join(dir, "checkpoint-n0000001-step-00000010.bin")

	_, err := ResolveRun("")
	require.Error(t, err)
	_, err = ResolveRun(jsonPath)
	require.Error(t, err, "checkpoint doesn't exist")

	require.NoError(t, os.WriteFile(jsonPath, []byte("{}"), 0o644))
	_, err = ResolveRun(jsonPath)
	require.Error(t, err, "data file missing")

	require.NoError(t, os.WriteFile(binPath, nil, 0o644))
	_, err = ResolveRun(jsonPath)
	require.Error(t, err, "config.yaml missing")

	_, err = ResolveRun(binPath)
	require.Error(t, err, "wrong extension")

	require.NoError(t, runconfig.Default().SaveToDir(dir))
	c, err := ResolveRun(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, dir, c.Dir)
	assert.Equal(t, binPath, c.BinPath)
	assert.Equal(t, runconfig.Default().Model, c.Config.Model)

	// Relative paths are made absolute.
	wd, err := os.Getwd()
	require.NoError(t, err)
	rel, err := filepath.Rel(wd, jsonPath)
	require.NoError(t, err)
	c, err = ResolveRun(rel)
	require.NoError(t, err)
	assert.Equal(t, jsonPath, c.JSONPath)
}

func TestFIDFeatures(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	opts := DefaultOptions()
	assert.Equal(t, FIDInception, opts.FIDFeatures)
	assert.Equal(t, inception.DefaultImageSize, opts.InceptionImageSize)

	opts.FIDFeatures = FIDClassifier
	features, err := fidFeatures(backend, opts, nil)
	require.NoError(t, err)
	assert.IsType(t, (*classifier.Classifier)(nil), features)

	opts.FIDFeatures = FIDInception
	opts.InceptionImageSize = inception.MinimumImageSize - 1
	_, err = fidFeatures(backend, opts, nil)
	require.ErrorContains(t, err, "Inception-v3")

	opts.FIDFeatures = "pixels"
	_, err = fidFeatures(backend, opts, nil)
	require.ErrorContains(t, err, "unknown FID features")
}
