// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
)

var checkpointStepRegex = regexp.MustCompile(`-step-(\d+)$`)

// checkpointStep returns the global step encoded in the checkpoint base name, or -1 if there is none.
func checkpointStep(baseName string) int64 {
	matches := checkpointStepRegex.FindStringSubmatch(baseName)
	if matches == nil {
		return -1
	}
	step, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil {
		return -1
	}
	return step
}

// ListCheckpoints prints the checkpoints of each run, with their global step, size and modification time.
func ListCheckpoints(runs []*run) error {
	fmt.Println(titleStyle.Render("Checkpoints"))
	table := newPlainTable(lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("Run", "Checkpoint", "Step", "Size", "Saved")
	for _, r := range runs {
		for _, baseName := range r.Checkpoints {
			var size int64
			var info os.FileInfo
			for _, suffix := range []string{checkpoints.JsonNameSuffix, checkpoints.BinDataSuffix} {
				var err error
				info, err = os.Stat(filepath.Join(r.Dir, baseName+suffix))
				if err != nil {
					return errors.Wrapf(err, "checkpoint %q of run %q", baseName, r.Dir)
				}
				size += info.Size()
			}
			step := "?"
			if s := checkpointStep(baseName); s >= 0 {
				step = humanize.Comma(s)
			}
			table.Row(r.Name, baseName+checkpoints.JsonNameSuffix, step,
				humanize.Bytes(uint64(size)), humanize.Time(info.ModTime()))
		}
	}
	fmt.Println(table.Render())
	return nil
}
