// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// mnist_classifier trains the MNIST ConvNet used by ddpm_generate to evaluate generated images.
//
// Example:
//
//	$ mnist_classifier -checkpoint ~/work/mnist_classifier -set="train_steps=10000"
package main

import (
	"flag"
	"fmt"

	"github.com/gomlx/ddpm/pkg/classifier"
	"github.com/gomlx/ddpm/pkg/mnist"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagCheckpoint = flag.String("checkpoint", "~/work/mnist_classifier", "Directory to save and load the classifier checkpoints.")
	flagDataDir    = flag.String("data", "~/work/mnist", "Directory to cache the downloaded MNIST files.")
	flagVerbosity  = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
)

func main() {
	ctx := classifier.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))

	err := exceptions.TryCatch[error](func() {
		trainSplit := must.M1(mnist.DownloadAndLoad(*flagDataDir, mnist.TrainSplit))
		testSplit := must.M1(mnist.Load(*flagDataDir, mnist.TestSplit))
		backend := backends.MustNew()
		if *flagVerbosity >= 1 {
			fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
		}
		must.M(classifier.Train(backend, ctx, trainSplit, testSplit, *flagCheckpoint, paramsSet, *flagVerbosity))
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}
