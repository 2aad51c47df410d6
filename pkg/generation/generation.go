// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package generation samples images from a trained diffusion checkpoint, one batch per class, and
// evaluates them.
//
// The samples are saved as a grid image next to the checkpoint, and their quality is measured with the
// auxiliary MNIST classifier: Inception Score (IS) and the negative log-likelihood (NLL) of the conditioning
// class. The Fréchet Inception Distance (FID) against real test images uses Inception-v3 features by default,
// or the features of the classifier, see Options.FIDFeatures.
package generation

import (
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/ddpm/pkg/classifier"
	"github.com/gomlx/ddpm/pkg/ddpm"
	"github.com/gomlx/ddpm/pkg/grid"
	"github.com/gomlx/ddpm/pkg/inception"
	"github.com/gomlx/ddpm/pkg/mnist"
	"github.com/gomlx/ddpm/pkg/quality"
	"github.com/gomlx/ddpm/pkg/runconfig"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// GridFileName is the name of the grid image with all generated images, saved next to the checkpoint.
const GridFileName = "generated_images.png"

// Feature extractors for the FID, see Options.FIDFeatures.
const (
	FIDInception  = "inception"
	FIDClassifier = "classifier"
)

// Options for Run.
type Options struct {
	// CheckpointPath is the path to the checkpoint JSON file of a training run.
	CheckpointPath string

	// Seed of the sampling noise and of the selection of the real reference images.
	Seed int64

	// BatchSize is the number of images generated per class.
	BatchSize int

	// Overrides of the trained configuration.
	Overrides runconfig.Overrides

	// ClassifierDir is the checkpoint directory of the auxiliary MNIST classifier.
	ClassifierDir string

	// FIDFeatures selects the features used by the FID: FIDInception or FIDClassifier.
	FIDFeatures string

	// InceptionDir holds the Inception-v3 weights, downloaded if missing.
	InceptionDir string

	// InceptionImageSize is the resolution images are resized to before the Inception-v3 network.
	InceptionImageSize int

	// DataDir holds the MNIST files used as reference images. If empty, the dataset.data_dir
	// of the run configuration is used.
	DataDir string

	Grid grid.Options

	// Verbosity: if < 0 no progress bar is displayed.
	Verbosity int
}

// DefaultOptions returns the default options, without a checkpoint path.
func DefaultOptions() Options {
	return Options{
		BatchSize:          20,
		ClassifierDir:      "~/work/mnist_classifier",
		FIDFeatures:        FIDInception,
		InceptionDir:       "~/work/inceptionv3",
		InceptionImageSize: inception.DefaultImageSize,
		Grid:               grid.DefaultOptions(),
	}
}

// Checkpoint identifies a trained checkpoint and the configuration of its run.
type Checkpoint struct {
	// JSONPath and BinPath are the absolute paths of the two checkpoint files.
	JSONPath, BinPath string

	// Dir is the run directory, where the checkpoint is.
	Dir string

	// Config read from the config.yaml sidecar in Dir.
	Config *runconfig.Config
}

// ResolveRun checks that checkpointPath is an existing checkpoint, with its data file and a valid config.yaml
// sidecar in the same directory.
func ResolveRun(checkpointPath string) (*Checkpoint, error) {
	if checkpointPath == "" {
		return nil, errors.New("checkpoint path not given")
	}
	checkpointPath, err := fsutil.ReplaceTildeInDir(checkpointPath)
	if err != nil {
		return nil, err
	}
	checkpointPath, err = filepath.Abs(checkpointPath)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid checkpoint path %q", checkpointPath)
	}
	if !strings.HasSuffix(checkpointPath, checkpoints.JsonNameSuffix) {
		return nil, errors.Errorf("checkpoint %q must have the %q extension", checkpointPath, checkpoints.JsonNameSuffix)
	}
	c := &Checkpoint{
		JSONPath: checkpointPath,
		BinPath:  strings.TrimSuffix(checkpointPath, checkpoints.JsonNameSuffix) + checkpoints.BinDataSuffix,
		Dir:      filepath.Dir(checkpointPath),
	}
	for _, filePath := range []string{c.JSONPath, c.BinPath} {
		info, err := os.Stat(filePath)
		if err != nil {
			return nil, errors.Wrapf(err, "checkpoint file %q not found", filePath)
		}
		if info.IsDir() {
			return nil, errors.Errorf("checkpoint file %q is a directory", filePath)
		}
	}
	c.Config, err = runconfig.LoadFromDir(c.Dir)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to read the configuration of checkpoint %q", checkpointPath)
	}
	return c, nil
}

// Reconstruct the model of the checkpoint, with the overrides applied to its configuration, and load its
// variables into a new context.
//
// The random state of the context is reset from seed, so sampling is reproducible.
func Reconstruct(c *Checkpoint, overrides runconfig.Overrides, seed int64) (*ddpm.Model, *context.Context, error) {
	cfg := *c.Config
	if err := cfg.ApplyOverrides(overrides); err != nil {
		return nil, nil, errors.WithMessage(err, "invalid overrides")
	}
	model, err := ddpm.New(&cfg)
	if err != nil {
		return nil, nil, err
	}
	jsonData, err := os.ReadFile(c.JSONPath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to read %q", c.JSONPath)
	}
	binData, err := os.ReadFile(c.BinPath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to read %q", c.BinPath)
	}
	ctx := context.New()
	if _, err = checkpoints.Load(ctx).FromEmbed(string(jsonData), binData).Immediate().Done(); err != nil {
		return nil, nil, errors.WithMessagef(err, "failed to load checkpoint %q", c.JSONPath)
	}
	if err = model.ValidateNumClasses(ctx); err != nil {
		return nil, nil, err
	}
	must.M(ctx.SetRNGStateFromSeed(seed))
	return model, ctx, nil
}

// Report of a generation run.
type Report struct {
	NumImages int

	// ISMean and ISStd are the mean and standard deviation of the Inception Score over its splits.
	ISMean, ISStd float64

	FID, NLL float64

	GridPath string
	Layout   grid.Layout
}

// Print the metrics, one per line.
func (r *Report) Print(w io.Writer) error {
	_, err := fmt.Fprintf(w, "IS: %.4f ± %.4f\nFID: %.4f\nNLL: %.4f\n", r.ISMean, r.ISStd, r.FID, r.NLL)
	return err
}

// Run generates opts.BatchSize images for each class of the checkpoint model, saves them as a grid
// next to the checkpoint, and evaluates them. Any error aborts the run.
func Run(backend backends.Backend, opts Options) (*Report, error) {
	if opts.BatchSize < 1 {
		return nil, errors.Errorf("batch size must be >= 1, got %d", opts.BatchSize)
	}
	c, err := ResolveRun(opts.CheckpointPath)
	if err != nil {
		return nil, err
	}
	model, ctx, err := Reconstruct(c, opts.Overrides, opts.Seed)
	if err != nil {
		return nil, err
	}
	numClasses := model.NumClasses()
	if numClasses > mnist.NumClasses {
		return nil, errors.Errorf("model has %d classes, but the evaluation classifier only knows %d",
			numClasses, mnist.NumClasses)
	}
	gen, err := ddpm.NewGenerator(backend, ctx, model)
	if err != nil {
		return nil, err
	}
	cls, err := classifier.Load(backend, opts.ClassifierDir)
	if err != nil {
		return nil, err
	}
	dataDir := opts.DataDir
	if dataDir == "" {
		dataDir = c.Config.Dataset.DataDir
	}
	realSplit, err := mnist.DownloadAndLoad(dataDir, mnist.TestSplit)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to load the reference images")
	}

	rng := rand.New(rand.NewPCG(uint64(opts.Seed), 0))
	is := quality.NewInceptionScore(cls)
	is.Rand = rng
	is.Splits = min(quality.DefaultSplits, numClasses*opts.BatchSize)
	features, err := fidFeatures(backend, opts, cls)
	if err != nil {
		return nil, err
	}
	fid := quality.NewFID(features)
	var nll quality.ClassNLL

	var bar *progressbar.ProgressBar
	if opts.Verbosity >= 0 {
		bar = progressbar.Default(int64(numClasses*model.T()), "sampling")
		gen.OnStep = func(int) { _ = bar.Add(1) }
	}
	imageSize := model.ImageShape(1).Size()
	allImages := make([]float32, 0, numClasses*opts.BatchSize*imageSize)
	for class := range numClasses {
		if bar != nil {
			bar.Describe(fmt.Sprintf("class %d", class))
		}
		images, err := gen.GenerateClass(opts.BatchSize, class)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to generate images of class %d", class)
		}
		if err = evaluateClass(cls, realSplit, rng, images, class, is, fid, &nll); err != nil {
			return nil, errors.WithMessagef(err, "failed to evaluate images of class %d", class)
		}
		allImages = append(allImages, tensors.MustCopyFlatData[float32](images)...)
		images.MustFinalizeAll()
	}
	if bar != nil {
		_ = bar.Finish()
	}

	report := &Report{NumImages: numClasses * opts.BatchSize, GridPath: filepath.Join(c.Dir, GridFileName)}
	dims := model.ImageShape(report.NumImages).Dimensions
	report.Layout, err = grid.Save(report.GridPath, tensors.FromFlatDataAndDimensions(allImages, dims...), opts.Grid)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("saved %d images to %q", report.NumImages, report.GridPath)

	if report.ISMean, report.ISStd, err = is.Compute(); err != nil {
		return nil, errors.WithMessage(err, "failed to compute the Inception Score")
	}
	if report.FID, err = fid.Compute(); err != nil {
		return nil, errors.WithMessage(err, "failed to compute FID")
	}
	if report.NLL, err = nll.Compute(); err != nil {
		return nil, errors.WithMessage(err, "failed to compute NLL")
	}
	return report, nil
}

// evaluateClass updates the metrics with the generated images of one class, and with as many
// real images of the same class.
func evaluateClass(cls *classifier.Classifier, realSplit *mnist.Split, rng *rand.Rand, images *tensors.Tensor,
	class int, is *quality.InceptionScore, fid *quality.FID, nll *quality.ClassNLL) error {
	logProbs, err := cls.LogProbabilities(images)
	if err != nil {
		return err
	}
	if err = nll.Update(logProbs, class); err != nil {
		return err
	}
	if err = is.Update(images); err != nil {
		return err
	}
	if err = fid.Update(images, false); err != nil {
		return err
	}
	realImages, err := realSplit.SampleClass(rng, class, images.Shape().Dimensions[0])
	if err != nil {
		return err
	}
	return fid.Update(realImages, true)
}

// fidFeatures returns the feature extractor selected by opts.FIDFeatures.
func fidFeatures(backend backends.Backend, opts Options, cls *classifier.Classifier) (quality.FeatureExtractor, error) {
	switch opts.FIDFeatures {
	case FIDInception, "":
		extractor, err := inception.NewExtractor(backend, opts.InceptionDir, opts.InceptionImageSize)
		if err != nil {
			return nil, errors.WithMessage(err, "failed to load the Inception-v3 model for the FID")
		}
		return extractor, nil
	case FIDClassifier:
		return cls, nil
	}
	return nil, errors.Errorf("unknown FID features %q, valid values are %q and %q",
		opts.FIDFeatures, FIDInception, FIDClassifier)
}
