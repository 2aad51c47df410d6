// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// ddpm_generate samples images of every class from a trained DDPM checkpoint with classifier-free guidance,
// saves them as a grid in generated_images.png next to the checkpoint, and prints their Inception Score and NLL
// as measured by the auxiliary MNIST classifier (see mnist_classifier), and their FID against the MNIST test
// images. The FID uses Inception-v3 features by default (the weights are downloaded on first use and need the
// h5dump tool), or the classifier features with -fid_features=classifier.
//
// Example:
//
//	$ ddpm_generate -r ~/work/ddpm/run1/checkpoint-n0000003-20260101-120000-step-00010000.json -w 0.5 -s 7
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/gomlx/ddpm/pkg/generation"
	"github.com/gomlx/ddpm/pkg/runconfig"
	"github.com/gomlx/ddpm/pkg/scheduler"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagRun        string
	flagSeed       int64
	flagDevice     string
	flagBatchSize  int
	flagW          float64
	flagScheduler  scheduler.NameFlag
	flagT          = flag.Int("T", 0, "If > 0, overrides the number of diffusion steps of the trained model.")
	flagClassifier = flag.String("classifier", generation.DefaultOptions().ClassifierDir,
		"Checkpoint directory of the MNIST classifier used for the evaluation, see mnist_classifier.")
	flagFIDFeatures = flag.String("fid_features", generation.DefaultOptions().FIDFeatures,
		fmt.Sprintf("Features used by the FID: %q or %q.", generation.FIDInception, generation.FIDClassifier))
	flagInceptionDir = flag.String("inception_dir", generation.DefaultOptions().InceptionDir,
		"Directory of the Inception-v3 weights, downloaded if missing.")
	flagDataDir   = flag.String("data", "", "Directory with the MNIST test files. Defaults to dataset.data_dir of the run.")
	flagVerbosity = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
)

func init() {
	for _, name := range []string{"run", "r"} {
		flag.StringVar(&flagRun, name, "", "Path to the checkpoint (.json file) to generate from. Required.")
	}
	for _, name := range []string{"seed", "s"} {
		flag.Int64Var(&flagSeed, name, 0, "Random seed used for sampling.")
	}
	for _, name := range []string{"device", "d"} {
		flag.StringVar(&flagDevice, name, "cpu", `Device used for sampling: "cpu", "gpu" or a backend configuration.`)
	}
	for _, name := range []string{"batch_size", "b"} {
		flag.IntVar(&flagBatchSize, name, generation.DefaultOptions().BatchSize, "Number of images generated per class.")
	}
	flag.Float64Var(&flagW, "w", 0.3, "Guidance weight. If not set, the weight of the trained configuration is used.")
	flag.Var(&flagScheduler, "scheduler",
		fmt.Sprintf("Replaces the trained noise scheduler, one of %s.", strings.Join(scheduler.Names(), ", ")))
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if flagRun == "" {
		klog.Exitf("-run (or -r) is required, see ddpm_generate -help")
	}

	opts := generation.DefaultOptions()
	opts.CheckpointPath = flagRun
	opts.Seed = flagSeed
	opts.BatchSize = flagBatchSize
	opts.ClassifierDir = *flagClassifier
	opts.FIDFeatures = *flagFIDFeatures
	opts.InceptionDir = *flagInceptionDir
	opts.DataDir = *flagDataDir
	opts.Verbosity = *flagVerbosity
	opts.Overrides = runconfig.Overrides{T: *flagT, Scheduler: flagScheduler.Name}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "w" {
			opts.Overrides.W = &flagW
		}
	})

	err := exceptions.TryCatch[error](func() {
		backend := must.M1(runconfig.NewBackend(flagDevice, 1))
		if *flagVerbosity >= 0 {
			fmt.Printf("Loading model %q\n", flagRun)
		}
		report := must.M1(generation.Run(backend, opts))
		if *flagVerbosity >= 1 {
			fmt.Printf("Generated %d images: %s\n", report.NumImages, report.GridPath)
		}
		must.M(report.Print(os.Stdout))
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}
