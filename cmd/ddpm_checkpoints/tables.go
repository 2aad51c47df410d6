// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"slices"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
	sectionStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
	emphasisStyle = lipgloss.NewStyle().Bold(true)
	italicStyle   = lipgloss.NewStyle().Italic(true).Faint(true)

	cellStyle   = lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
	headerStyle = cellStyle.Reverse(true).Align(lipgloss.Center)
	differStyle = cellStyle.Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"})
)

// borderedTable creates a table with a header and striped rows. alignments are given per column, and the
// last one is used for the remaining columns. Rows for which highlight returns true use differStyle.
func borderedTable(highlight func(row int) bool, alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			s := cellStyle.Faint(row%2 == 1)
			if highlight != nil && highlight(row) {
				s = differStyle
			}
			if len(alignments) > 0 {
				s = s.Align(alignments[min(col, len(alignments)-1)])
			}
			return s
		})
}

// newPlainTable creates a table for listings, with no highlighted rows.
func newPlainTable(alignments ...lipgloss.Position) *lgtable.Table {
	return borderedTable(nil, alignments...)
}

// runsTable compares values across runs: each row has some leading label columns followed by one
// column per run. Rows whose values differ across the runs are highlighted.
type runsTable struct {
	table     *lgtable.Table
	numLabels int
	differs   []bool
}

// newRunsTable creates the table with the given label column headers, followed by one column per run,
// named after the run.
func newRunsTable(runs []*run, labels ...string) *runsTable {
	t := &runsTable{numLabels: len(labels)}
	t.table = borderedTable(func(row int) bool { return row < len(t.differs) && t.differs[row] },
		lipgloss.Right, lipgloss.Left)
	headers := slices.Clone(labels)
	for _, r := range runs {
		headers = append(headers, r.Name)
	}
	t.table.Headers(headers...)
	return t
}

// Add a row: the label cells followed by the value of each run.
func (t *runsTable) Add(cells ...string) {
	values := cells[min(t.numLabels, len(cells)):]
	different := false
	for _, v := range values {
		if v != values[0] {
			different = true
			break
		}
	}
	t.differs = append(t.differs, different)
	t.table.Row(cells...)
}

// NumDiffering returns how many rows have values that differ across the runs.
func (t *runsTable) NumDiffering() int {
	count := 0
	for _, d := range t.differs {
		if d {
			count++
		}
	}
	return count
}

// Render the table.
func (t *runsTable) Render() string { return t.table.Render() }
