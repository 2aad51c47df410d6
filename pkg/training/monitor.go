// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"fmt"
	"math"
	"path"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	stdplots "github.com/gomlx/gomlx/ui/plots"
	"k8s.io/klog/v2"
)

const (
	// MonitorScope holds the variables of the validation monitor, saved along the model.
	MonitorScope = "/validation_monitor"

	// BestLossVar is the name of the variable with the best validation loss seen so far.
	BestLossVar = "best_loss"
)

// monitor evaluates the validation loss and saves a checkpoint whenever it improves.
//
// It implements stdplots.Plotter: all training and validation metrics are appended as points to the
// stdplots.TrainingPlotFileName file in the checkpoint directory.
type monitor struct {
	checkpoint *checkpoints.Handler
	valDS      train.Dataset
	bestLoss   *context.Variable
	verbosity  int

	lastStep     float64
	valLossName  string
	valLoss      float64
	pointsWriter chan<- stdplots.Point
	pointsErr    <-chan error
	closed       bool
}

var _ stdplots.Plotter = (*monitor)(nil)

func newMonitor(ctx *context.Context, checkpoint *checkpoints.Handler, valDS train.Dataset, verbosity int) *monitor {
	m := &monitor{
		checkpoint: checkpoint,
		valDS:      valDS,
		verbosity:  verbosity,
		lastStep:   -1,
		bestLoss: ctx.InAbsPath(MonitorScope).Checked(false).
			VariableWithValue(BestLossVar, math.Inf(1)).SetTrainable(false),
	}
	m.pointsWriter, m.pointsErr = stdplots.CreatePointsWriter(path.Join(checkpoint.Dir(), stdplots.TrainingPlotFileName))
	return m
}

// BestLoss returns the best validation loss so far, or +Inf if none was evaluated yet.
func (m *monitor) BestLoss() float64 {
	return tensors.ToScalar[float64](m.bestLoss.MustValue())
}

// AddPoint implements stdplots.Plotter.
func (m *monitor) AddPoint(point stdplots.Point) {
	if point.MetricName == m.valLossName {
		m.valLoss = point.Value
	}
	m.pointsWriter <- point
}

// DynamicSampleDone implements stdplots.Plotter.
func (m *monitor) DynamicSampleDone(incomplete bool) {
	if incomplete {
		klog.V(1).Infof("[Step %d] some metrics are not finite and were not recorded", int64(m.lastStep))
	}
}

// OnStep evaluates the model on the validation dataset, records the metrics, and saves a checkpoint
// if the validation loss improved.
//
// It is a train.OnStepFn, and it can also be used as train.OnEndFn: it does nothing if the current
// global step was already evaluated.
func (m *monitor) OnStep(loop *train.Loop, metrics []*tensors.Tensor) error {
	step := float64(loop.Trainer.GlobalStep())
	if step == m.lastStep {
		return nil
	}
	m.lastStep = step
	if m.valLossName == "" {
		m.valLossName = fmt.Sprintf("%s on %s", loop.Trainer.EvalMetrics()[0].Name(), m.valDS.Name())
	}
	m.valLoss = math.NaN()
	if err := stdplots.AddTrainAndEvalMetrics(m, loop, metrics, []train.Dataset{m.valDS}, nil); err != nil {
		return err
	}
	if math.IsNaN(m.valLoss) {
		klog.Warningf("[Step %d] validation loss is not finite (NaN or infinity), checkpoint not saved", int64(step))
		return nil
	}
	best := m.BestLoss()
	if m.valLoss >= best {
		klog.V(1).Infof("[Step %d] validation loss %.5f didn't improve over %.5f", int64(step), m.valLoss, best)
		return nil
	}
	if m.verbosity >= 1 {
		klog.Infof("[Step %d] validation loss improved from %.5f to %.5f, saving checkpoint", int64(step), best, m.valLoss)
	}
	m.bestLoss.MustSetValue(tensors.FromScalar(m.valLoss))
	return m.checkpoint.Save()
}

// Close the points file. It returns any error that happened while writing the points.
func (m *monitor) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.pointsWriter)
	return <-m.pointsErr
}
