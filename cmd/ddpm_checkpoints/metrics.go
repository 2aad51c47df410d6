// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"cmp"
	"flag"
	"fmt"
	"maps"
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	stdplots "github.com/gomlx/gomlx/ui/plots"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagMetrics = flag.Bool("metrics", false,
		fmt.Sprintf("Lists the metrics collected for plotting in file %q", stdplots.TrainingPlotFileName))
	flagMetricsLabels = flag.Bool("metrics_labels", false,
		fmt.Sprintf("Lists the metrics labels (short names) with their full description from file %q", stdplots.TrainingPlotFileName))
	flagMetricsNames = flag.String("metrics_names", "", "Regular expression that if matches the name or short name, the metric is included.")
	flagMetricsTypes = flag.String("metrics_types", "", "Comma-separate list of metric types to include in metrics reports.")
)

// ModelNameAndMetric identifies one metric of one run.
type ModelNameAndMetric struct{ ModelName, MetricName, MetricType string }

// metricsFilter selects metrics by name or type. An empty filter selects everything.
type metricsFilter struct {
	names *regexp.Regexp
	types sets.Set[string]
}

func newMetricsFilter(namesRegexp, typesList string) (*metricsFilter, error) {
	f := &metricsFilter{}
	if namesRegexp != "" {
		var err error
		f.names, err = regexp.Compile(namesRegexp)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to compile -metrics_names=%q", namesRegexp)
		}
	}
	if typesList != "" {
		f.types = sets.Make[string]()
		for _, name := range strings.Split(typesList, ",") {
			f.types.Insert(strings.TrimSpace(name))
		}
	}
	return f, nil
}

func (f *metricsFilter) Match(point stdplots.Point) bool {
	if f.names == nil && f.types == nil {
		return true
	}
	foundName := f.names != nil && (f.names.MatchString(point.MetricName) || f.names.MatchString(point.Short))
	foundType := f.types != nil && f.types.Has(point.MetricType)
	return foundName || foundType
}

// orderMetrics maps the selected metrics of all runs to their column in the metrics table, starting from 1
// (column 0 is for the global step). It also returns the map of short names to full names.
func orderMetrics(names []string, points [][]stdplots.Point, filter *metricsFilter) (
	metricsOrder map[ModelNameAndMetric]int, shortToName map[string]string) {
	shortToName = make(map[string]string)
	metricsUsed := sets.Make[ModelNameAndMetric]()
	for runIdx, runPoints := range points {
		for _, point := range runPoints {
			shortToName[point.Short] = point.MetricName
			if filter.Match(point) {
				metricsUsed.Insert(ModelNameAndMetric{names[runIdx], point.Short, point.MetricType})
			}
		}
	}
	metricsInOrder := slices.SortedFunc(maps.Keys(metricsUsed), func(a, b ModelNameAndMetric) int {
		return cmp.Or(strings.Compare(a.MetricName, b.MetricName), strings.Compare(a.ModelName, b.ModelName))
	})
	metricsOrder = make(map[ModelNameAndMetric]int, len(metricsInOrder))
	for idx, nameMetric := range metricsInOrder {
		metricsOrder[nameMetric] = idx + 1
	}
	return
}

// Metrics loads the training metrics of the runs, and reports them as selected by the flags.
func Metrics(runs []*run) error {
	names := make([]string, len(runs))
	points := make([][]stdplots.Point, len(runs))
	foundSomething := false
	for ii, r := range runs {
		names[ii] = r.Name
		var err error
		points[ii], err = stdplots.LoadPointsFromCheckpoint(r.Dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				klog.Warningf("Run %q has no metrics file %q", r.Dir, stdplots.TrainingPlotFileName)
				continue
			}
			return err
		}
		if len(points[ii]) > 0 {
			foundSomething = true
		}
	}
	if !foundSomething {
		klog.Errorf("No metrics found in file %q in any of the runs", stdplots.TrainingPlotFileName)
		return nil
	}
	filter, err := newMetricsFilter(*flagMetricsNames, *flagMetricsTypes)
	if err != nil {
		return err
	}
	metricsOrder, shortToName := orderMetrics(names, points, filter)

	if *flagMetricsLabels {
		ReportMetricsLabels(shortToName)
	}
	if *flagMetrics {
		ReportMetrics(names, metricsOrder, points)
	}
	if *flagPlot {
		outputDir := *flagPlotDir
		if outputDir == "" {
			outputDir = runs[0].Dir
		}
		files, err := PlotMetrics(outputDir, metricsOrder, names, points)
		if err != nil {
			return err
		}
		for _, file := range files {
			fmt.Printf("Plot saved to %q\n", file)
		}
	}
	return nil
}

// ReportMetricsLabels lists all metrics short and long names.
func ReportMetricsLabels(shortToName map[string]string) {
	fmt.Println(titleStyle.Render("Metrics Labels"))
	table := newPlainTable(lipgloss.Center, lipgloss.Left)
	table.Headers("Short", "MetricName")
	for _, short := range xslices.SortedKeys(shortToName) {
		table.Row(short, shortToName[short])
	}
	fmt.Println(table.Render())
}

// formatMetric formats the value according to the metric type.
func formatMetric(point stdplots.Point) string {
	if point.MetricType == "accuracy" {
		return fmt.Sprintf("%.2f%%", 100.0*point.Value)
	}
	return fmt.Sprintf("%.3g", point.Value)
}

// ReportMetrics prints one row per global step, with the selected metrics of all runs as columns.
func ReportMetrics(names []string, metricsOrder map[ModelNameAndMetric]int, points [][]stdplots.Point) {
	numRuns := len(names)
	fmt.Println(titleStyle.Render("Metrics Table"))
	table := newPlainTable(lipgloss.Right)
	header := make([]string, 1+len(metricsOrder))
	header[0] = "Global Step"
	for nameMetric, idx := range metricsOrder {
		if numRuns == 1 {
			header[idx] = nameMetric.MetricName
		} else {
			header[idx] = fmt.Sprintf("%s: %s", nameMetric.ModelName, nameMetric.MetricName)
		}
	}
	table.Headers(header...)

	// Points are sorted by step within each run: pointsIndices are the heads of each run.
	pointsIndices := make([]int, numRuns)
	nextGlobalStep := func() int64 {
		globalStep := int64(-1)
		for runIdx, runPoints := range points {
			if pointsIndices[runIdx] < len(runPoints) {
				step := int64(runPoints[pointsIndices[runIdx]].Step)
				if globalStep == -1 || step < globalStep {
					globalStep = step
				}
			}
		}
		return globalStep
	}

	for currentStep := nextGlobalStep(); currentStep != -1; currentStep = nextGlobalStep() {
		row := make([]string, 1+len(metricsOrder))
		row[0] = humanize.Comma(currentStep)
		for runIdx, runPoints := range points {
			for pointsIndices[runIdx] < len(runPoints) {
				point := runPoints[pointsIndices[runIdx]]
				if int64(point.Step) != currentStep {
					break
				}
				pointsIndices[runIdx]++
				colIdx, found := metricsOrder[ModelNameAndMetric{names[runIdx], point.Short, point.MetricType}]
				if found {
					row[colIdx] = formatMetric(point)
				}
			}
		}
		table.Row(row...)
	}
	fmt.Println(table.Render())
}
