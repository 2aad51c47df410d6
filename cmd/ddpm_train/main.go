// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// ddpm_train trains a class-conditioned DDPM (denoising diffusion probabilistic model) on MNIST.
//
// The run directory given by -run receives the config.yaml with the configuration used, the checkpoints and the
// training metrics. If it already has a checkpoint, training continues from it.
//
// Example:
//
//	$ ddpm_train -run ~/work/ddpm/run1 -config my_config.yaml -set="learning_rate=1e-4"
package main

import (
	"flag"
	"fmt"

	"github.com/gomlx/ddpm/pkg/runconfig"
	"github.com/gomlx/ddpm/pkg/training"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagConfig = flag.String("config", "",
		"YAML configuration of the model and training. If empty, the default configuration is used, or the "+
			"config.yaml of the run directory if it exists.")
	flagRun       = flag.String("run", "", "Run directory where to save the configuration, checkpoints and training metrics.")
	flagDataDir   = flag.String("data", "", "Directory to cache the downloaded dataset. Overrides dataset.data_dir of the configuration.")
	flagSteps     = flag.Int("steps", 0, "If > 0, overrides training.steps of the configuration.")
	flagVerbosity = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
)

func main() {
	ctx := training.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	if *flagRun == "" {
		klog.Exitf("-run is required, see ddpm_train -help")
	}
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))

	err := exceptions.TryCatch[error](func() {
		cfg := loadConfig()
		backend := must.M1(runconfig.NewBackend(cfg.Accelerator, cfg.Devices))
		if *flagVerbosity >= 1 {
			fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
		}
		must.M(training.TrainModel(backend, ctx, cfg, *flagRun, paramsSet, *flagVerbosity))
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

// loadConfig returns the configuration from -config, or from the run directory, or the default one,
// in this order, with the command line overrides applied.
func loadConfig() *runconfig.Config {
	var cfg *runconfig.Config
	switch {
	case *flagConfig != "":
		cfg = must.M1(runconfig.Load(*flagConfig))
	default:
		var err error
		cfg, err = runconfig.LoadFromDir(*flagRun)
		if err != nil {
			klog.V(1).Infof("using default configuration: %v", err)
			cfg = runconfig.Default()
		}
	}
	if *flagDataDir != "" {
		cfg.Dataset.DataDir = *flagDataDir
	}
	if *flagSteps > 0 {
		cfg.Training.Steps = *flagSteps
	}
	must.M(cfg.Validate())
	return cfg
}
