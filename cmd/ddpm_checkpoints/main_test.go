// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/ddpm/pkg/runconfig"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	stdplots "github.com/gomlx/gomlx/ui/plots"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinimalUniquePaths(t *testing.T) {
	assert.Equal(t, []string{"run"}, MinimalUniquePaths("/work/ddpm/run"))
	assert.Equal(t, []string{"run1", "run2"}, MinimalUniquePaths("/work/ddpm/run1", "/work/ddpm/run2/"))
	assert.Equal(t, []string{"x...b", "y...c"}, MinimalUniquePaths("/x/b/run", "/y/c/run"))
	assert.Empty(t, MinimalUniquePaths())
}

func TestCheckpointStep(t *testing.T) {
	assert.Equal(t, int64(1200), checkpointStep("checkpoint-n0000003-20260101-120000-step-00001200"))
	assert.Equal(t, int64(-1), checkpointStep("checkpoint-n0000003"))
}

func TestDeleteVars(t *testing.T) {
	dir := t.TempDir()
	ctx := context.New()
	ctx.InAbsPath("/model").VariableWithValue("w", tensors.FromValue([]float32{1, 2}))
	ctx.InAbsPath("/optimizers/adam").VariableWithValue("m", tensors.FromValue([]float32{3, 4}))
	ctx.InAbsPath("/optimizers_extra").VariableWithValue("k", tensors.FromValue([]float32{5}))
	checkpoint, err := checkpoints.Build(ctx).Dir(dir).Keep(-1).Done()
	require.NoError(t, err)
	require.NoError(t, checkpoint.Save())

	count, err := DeleteVars(dir, "/optimizers")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	loaded := context.New()
	_, err = checkpoints.Load(loaded).Dir(dir).Immediate().Done()
	require.NoError(t, err)
	assert.NotNil(t, loaded.GetVariableByScopeAndName("/model", "w"))
	assert.Nil(t, loaded.GetVariableByScopeAndName("/optimizers/adam", "m"))
	assert.NotNil(t, loaded.GetVariableByScopeAndName("/optimizers_extra", "k"))

	// Nothing matches: no new checkpoint.
	count, err = DeleteVars(dir, "/unknown", "")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRunsTable(t *testing.T) {
	runs := []*run{{Name: "run1"}, {Name: "run2"}}
	table := newRunsTable(runs, "Key")
	table.Add("model.T", "1000", "1000")
	table.Add("model.w", "0.3", "0.5")
	table.Add("ema", "true", "")
	assert.Equal(t, []bool{false, true, true}, table.differs)
	assert.Equal(t, 2, table.NumDiffering())
	rendered := table.Render()
	assert.Contains(t, rendered, "run1")
	assert.Contains(t, rendered, "model.w")

	single := newRunsTable(runs[:1], "Scope", "Name")
	single.Add("/", "learning_rate", "0.001")
	assert.Zero(t, single.NumDiffering())
}

func TestFlattenConfig(t *testing.T) {
	cfg := runconfig.Default()
	flat, err := flattenConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, cfg.Dataset.Name, flat["dataset.name"])
	assert.Equal(t, cfg.Model.Denoiser.Name, flat["model.denoiser_module.name"])
	assert.Contains(t, flat, "model.T")
	assert.Contains(t, flat, "training.steps")
}

func TestPlotMetrics(t *testing.T) {
	names := []string{"run1", "run2"}
	points := [][]stdplots.Point{
		{
			{MetricName: "Mean Loss on validation", Short: "val-loss", MetricType: "loss", Step: 10, Value: 0.5},
			{MetricName: "Mean Loss on validation", Short: "val-loss", MetricType: "loss", Step: 20, Value: 0.3},
		},
		{
			{MetricName: "Mean Loss on validation", Short: "val-loss", MetricType: "loss", Step: 10, Value: 0.6},
			{MetricName: "Accuracy", Short: "acc", MetricType: "accuracy", Step: 10, Value: 0.9},
		},
	}
	filter, err := newMetricsFilter("", "loss")
	require.NoError(t, err)
	metricsOrder, shortToName := orderMetrics(names, points, filter)
	assert.Len(t, metricsOrder, 2)
	assert.Equal(t, "Accuracy", shortToName["acc"])

	dir := t.TempDir()
	files, err := PlotMetrics(dir, metricsOrder, names, points)
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dir, "metrics_loss.png")}, files)
	info, err := os.Stat(files[0])
	require.NoError(t, err)
	assert.Positive(t, info.Size())
	img, err := imaging.Open(files[0])
	require.NoError(t, err)
	assert.Positive(t, img.Bounds().Dx())
}
