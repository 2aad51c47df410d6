// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

var (
	flagVars       = flag.Bool("vars", false, "Lists the variables under -scope.")
	flagDeleteVars = flag.String("delete_vars", "",
		"Comma-separated scopes whose variables are deleted, and a new checkpoint saved. "+
			`For instance "/optimizers" removes the optimizer moving averages before fine-tuning.`)
)

// ListVariables lists the variables of the run under -scope, with their shape and the MAV (mean absolute value),
// RMS (root-mean-square) and MaxAV (max absolute value) of their values.
func ListVariables(r *run) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Variables of %q in scope %q", r.Name, r.Scoped.Scope())))
	statsExec := MustNewExec(backends.MustNew(), func(x *Node) (mav, rms, maxAV *Node) {
		x = ConvertDType(x, dtypes.Float64)
		mav = ReduceAllMean(Abs(x))
		rms = Sqrt(ReduceAllMean(Square(x)))
		maxAV = ReduceAllMax(Abs(x))
		return
	}).SetMaxCache(-1)
	table := newPlainTable()
	table.Headers("Scope", "Name", "Shape", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV")
	var rows [][]string
	for v := range r.Scoped.IterVariablesInScope() {
		if !v.IsValid() {
			rows = append(rows, []string{v.Scope(), v.Name(), "<invalid>", "", "", "", "", ""})
			continue
		}
		shape := v.Shape()
		var mav, rms, maxAV string
		if shape.Size() == 1 {
			mav = fmt.Sprintf("%8v", v.MustValue().Value())
		} else if shape.DType.IsFloat() {
			stats := statsExec.MustExec(v.MustValue())
			mav = fmt.Sprintf("%.3g", stats[0].Value().(float64))
			rms = fmt.Sprintf("%.3g", stats[1].Value().(float64))
			maxAV = fmt.Sprintf("%.3g", stats[2].Value().(float64))
		}
		rows = append(rows, []string{
			v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())),
			mav, rms, maxAV,
		})
	}
	slices.SortFunc(rows, func(a, b []string) int {
		if c := strings.Compare(a[0], b[0]); c != 0 {
			return c
		}
		return strings.Compare(a[1], b[1])
	})
	for _, row := range rows {
		table.Row(row...)
	}
	fmt.Println(table.Render())
	if *flagGlossary {
		fmt.Printf("  %s:\n", sectionStyle.Render("Glossary"))
		fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("Scalar/MAV"), italicStyle.Render("If variable is a scalar then the value itself, else the Mean Absolute Value"))
		fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("RMS"), italicStyle.Render("Root Mean Square"))
		fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("MaxAV"), italicStyle.Render("Max Absolute Value"))
	}
}

// DeleteVars deletes the variables under the given scopes from the latest checkpoint of runDir, and saves
// the result as a new checkpoint. Nothing is saved if no variable matched.
//
// It returns the number of variables deleted.
func DeleteVars(runDir string, scopes ...string) (int, error) {
	runDir, err := fsutil.ReplaceTildeInDir(runDir)
	if err != nil {
		return 0, err
	}
	ctx := context.New()
	checkpoint, err := checkpoints.Load(ctx).Dir(runDir).Keep(-1).Immediate().Done()
	if err != nil {
		return 0, errors.WithMessagef(err, "failed to load checkpoint from %q", runDir)
	}
	var toDelete []*context.Variable
	for _, scope := range scopes {
		scope = strings.TrimSpace(scope)
		if scope == "" {
			continue
		}
		scopePrefix := scope + context.ScopeSeparator
		for v := range ctx.IterVariables() {
			if (v.Scope() == scope || strings.HasPrefix(v.Scope(), scopePrefix)) && !slices.Contains(toDelete, v) {
				toDelete = append(toDelete, v)
			}
		}
	}
	if len(toDelete) == 0 {
		return 0, nil
	}
	for _, v := range toDelete {
		if err = ctx.DeleteVariable(v.Scope(), v.Name()); err != nil {
			return 0, err
		}
	}
	if err = checkpoint.Save(); err != nil {
		return 0, err
	}
	fmt.Printf("%d deleted vars under scopes %v, new checkpoint saved in %q.\n", len(toDelete), scopes, runDir)
	return len(toDelete), nil
}
