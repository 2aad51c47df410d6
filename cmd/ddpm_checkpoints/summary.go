// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/ddpm/pkg/training"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

// Summary prints the global step, the best validation loss and the sizes of the variables of each run.
func Summary(runs []*run) {
	fmt.Println(titleStyle.Render("Summary"))
	table := newRunsTable(runs, "")
	newRow := func(label string) []string {
		row := make([]string, len(runs)+1)
		row[0] = label
		return row
	}

	row := newRow("scope")
	for ii := range runs {
		row[ii+1] = *flagScope
	}
	table.Add(row...)

	row = newRow("# checkpoints")
	for ii, r := range runs {
		row[ii+1] = humanize.Comma(int64(len(r.Checkpoints)))
	}
	table.Add(row...)

	row = newRow("global_step")
	for ii, r := range runs {
		if v := r.Ctx.GetVariableByScopeAndName(context.RootScope, optimizers.GlobalStepVariableName); v != nil {
			row[ii+1] = humanize.Comma(tensors.ToScalar[int64](v.MustValue()))
		}
	}
	table.Add(row...)

	row = newRow("best validation loss")
	for ii, r := range runs {
		if v := r.Ctx.GetVariableByScopeAndName(training.MonitorScope, training.BestLossVar); v != nil {
			row[ii+1] = fmt.Sprintf("%.5g", tensors.ToScalar[float64](v.MustValue()))
		}
	}
	table.Add(row...)

	variablesRow := newRow("# variables")
	parametersRow := newRow("# parameters")
	memoryRow := newRow("# bytes")
	for ii, r := range runs {
		var numVars, totalSize int
		var totalMemory uintptr
		for v := range r.Scoped.IterVariablesInScope() {
			numVars++
			totalSize += v.Shape().Size()
			totalMemory += v.Shape().Memory()
		}
		variablesRow[ii+1] = humanize.Comma(int64(numVars))
		parametersRow[ii+1] = humanize.Comma(int64(totalSize))
		memoryRow[ii+1] = humanize.Bytes(uint64(totalMemory))
	}
	table.Add(variablesRow...)
	table.Add(parametersRow...)
	table.Add(memoryRow...)
	fmt.Println(table.Render())
}
