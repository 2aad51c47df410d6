// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// ddpm_checkpoints reports on one or more DDPM training runs: the run configuration (config.yaml), the saved
// checkpoints, the variables and hyperparameters of the latest checkpoint, and the metrics collected during
// training, as tables or plots.
//
// When more than one run is given, values that differ across runs are highlighted.
//
// Example:
//
//	$ ddpm_checkpoints -config -metrics -plot ~/work/ddpm/run1 ~/work/ddpm/run2
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/gomlx/ddpm/pkg/runconfig"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagScope = flag.String("scope", "/", "The scope of the variables considered by -summary and -vars. "+
		`Use for instance "/ema" to see only the moving averages of the denoiser.`)
	flagSummary  = flag.Bool("summary", false, "Display a summary of the runs: global step, best validation loss and model sizes.")
	flagConfig   = flag.Bool("config", false, fmt.Sprintf("Lists the run configurations, read from %q.", runconfig.SidecarName))
	flagList     = flag.Bool("list", false, "Lists the checkpoints saved in each run.")
	flagParams   = flag.Bool("params", false, "Lists the context hyperparameters saved with the checkpoints.")
	flagGlossary = flag.Bool("glossary", true, "Prints a glossary of the columns after the tables that need it.")
)

// run holds what is loaded from one run directory.
type run struct {
	Dir, Name string

	// Ctx with the latest checkpoint loaded, and Scoped is Ctx in the -scope scope.
	Ctx, Scoped *context.Context

	// Config is nil if the run has no valid config.yaml.
	Config *runconfig.Config

	// Checkpoints are the base names of the checkpoints saved, sorted from the oldest.
	Checkpoints []string
}

// loadRun loads the latest checkpoint and the configuration of the run directory.
func loadRun(dir, scope string) (*run, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	r := &run{Dir: dir, Ctx: context.New()}
	handler, err := checkpoints.Load(r.Ctx).Dir(dir).Immediate().Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load checkpoint from %q", dir)
	}
	r.Checkpoints, err = handler.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	r.Scoped = r.Ctx
	if scope != "" && scope != context.RootScope {
		r.Scoped = r.Ctx.InAbsPath(scope)
	}
	r.Config, err = runconfig.LoadFromDir(dir)
	if err != nil {
		klog.Warningf("Run %q has no valid configuration: %v", dir, err)
		r.Config = nil
	}
	return r, nil
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing run directory to read from. See 'ddpm_checkpoints -help'")
		os.Exit(1)
	}
	if !(*flagSummary || *flagConfig || *flagList || *flagParams || *flagVars ||
		*flagMetrics || *flagMetricsLabels || *flagPlot) {
		*flagSummary = true
		*flagConfig = true
	}

	err := exceptions.TryCatch[error](func() {
		if *flagDeleteVars != "" {
			for _, dir := range args {
				_ = must.M1(DeleteVars(dir, strings.Split(*flagDeleteVars, ",")...))
			}
		}
		names := MinimalUniquePaths(args...)
		runs := make([]*run, len(args))
		for ii, dir := range args {
			runs[ii] = must.M1(loadRun(dir, *flagScope))
			runs[ii].Name = names[ii]
		}
		if *flagSummary {
			Summary(runs)
		}
		if *flagConfig {
			must.M(ConfigTable(runs))
		}
		if *flagList {
			must.M(ListCheckpoints(runs))
		}
		if *flagParams {
			Params(runs)
		}
		if *flagVars {
			for _, r := range runs {
				ListVariables(r)
			}
		}
		if *flagMetrics || *flagMetricsLabels || *flagPlot {
			must.M(Metrics(runs))
		}
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}
