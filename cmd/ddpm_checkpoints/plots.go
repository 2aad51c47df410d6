// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"maps"
	"path/filepath"
	"regexp"
	"slices"

	"github.com/gomlx/gomlx/pkg/support/sets"
	stdplots "github.com/gomlx/gomlx/ui/plots"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

var (
	flagPlot    = flag.Bool("plot", false, "Plots the selected metrics, one PNG file per metric type.")
	flagPlotDir = flag.String("plot_dir", "", "Directory where to save the plots. Defaults to the first run directory.")
)

var nonFileNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// plotFileName returns the name of the PNG file for the metric type.
func plotFileName(metricType string) string {
	return fmt.Sprintf("metrics_%s.png", nonFileNameChars.ReplaceAllString(metricType, "_"))
}

// PlotMetrics saves one plot per metric type in outputDir, with one line per run and metric.
// It returns the paths of the files saved.
func PlotMetrics(outputDir string, metricsOrder map[ModelNameAndMetric]int, names []string,
	points [][]stdplots.Point) ([]string, error) {
	metricTypes := sets.Make[string]()
	for nameMetric := range metricsOrder {
		metricTypes.Insert(nameMetric.MetricType)
	}
	lines := make(map[ModelNameAndMetric]plotter.XYs, len(metricsOrder))
	for runIdx, runPoints := range points {
		for _, point := range runPoints {
			key := ModelNameAndMetric{names[runIdx], point.Short, point.MetricType}
			if _, found := metricsOrder[key]; found {
				lines[key] = append(lines[key], plotter.XY{X: point.Step, Y: point.Value})
			}
		}
	}

	var files []string
	for _, metricType := range slices.Sorted(maps.Keys(metricTypes)) {
		p := plot.New()
		p.Title.Text = metricType
		p.X.Label.Text = "global step"
		p.Y.Label.Text = metricType
		p.Legend.Top = true
		p.Add(plotter.NewGrid())

		keys := slices.SortedFunc(maps.Keys(lines), func(a, b ModelNameAndMetric) int {
			return metricsOrder[a] - metricsOrder[b]
		})
		colorIdx := 0
		for _, key := range keys {
			if key.MetricType != metricType {
				continue
			}
			line, err := plotter.NewLine(lines[key])
			if err != nil {
				return nil, errors.Wrapf(err, "failed to plot metric %q", key.MetricName)
			}
			line.Color = plotutil.Color(colorIdx)
			line.Width = vg.Points(1.5)
			colorIdx++
			p.Add(line)
			label := key.MetricName
			if len(names) > 1 {
				label = fmt.Sprintf("%s: %s", key.ModelName, key.MetricName)
			}
			p.Legend.Add(label, line)
		}
		filePath := filepath.Join(outputDir, plotFileName(metricType))
		if err := p.Save(12*vg.Inch, 6*vg.Inch, filePath); err != nil {
			return nil, errors.Wrapf(err, "failed to save plot to %q", filePath)
		}
		files = append(files, filePath)
	}
	return files, nil
}
