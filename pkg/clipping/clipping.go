// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package clipping wraps an optimizer to clip the gradients before they are applied.
package clipping

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"
)

const (
	// Norm scales all gradients by min(1, maxNorm/‖g‖), where ‖g‖ is the global L2 norm of all gradients.
	Norm = "norm"

	// Value clips each gradient element to [-value, value].
	Value = "value"

	// normEpsilon is added to the global norm before dividing by it.
	normEpsilon = 1e-6
)

// OptimizerWithGradients is an optimizer that can apply externally computed gradients.
// The GoMLX SGD and Adam optimizers implement it.
type OptimizerWithGradients interface {
	optimizers.Interface
	UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType)
}

// Clipped is an optimizer that clips the gradients before passing them to the wrapped optimizer.
type Clipped struct {
	optimizer OptimizerWithGradients
	algorithm string
	value     float64
}

// New wraps the optimizer with gradient clipping, using the algorithm Norm or Value.
//
// If value <= 0, clipping is disabled and the optimizer is returned unchanged.
func New(optimizer optimizers.Interface, algorithm string, value float64) (optimizers.Interface, error) {
	if value <= 0 {
		return optimizer, nil
	}
	if algorithm != Norm && algorithm != Value {
		return nil, errors.Errorf("unknown gradient clipping algorithm %q, valid values are %q and %q",
			algorithm, Norm, Value)
	}
	withGrads, ok := optimizer.(OptimizerWithGradients)
	if !ok {
		return nil, errors.Errorf("optimizer %T doesn't support updates from gradients, it can't be clipped", optimizer)
	}
	return &Clipped{optimizer: withGrads, algorithm: algorithm, value: value}, nil
}

// UpdateGraph implements optimizers.Interface.
func (c *Clipped) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	_ = g
	if !loss.Shape().IsScalar() {
		exceptions.Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	c.UpdateGraphWithGradients(ctx, grads, loss.DType())
}

// UpdateGraphWithGradients clips the gradients and applies them with the wrapped optimizer.
func (c *Clipped) UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType) {
	if len(grads) > 0 {
		if c.algorithm == Norm {
			grads = ClipByGlobalNorm(grads, c.value)
		} else {
			grads = ClipByValue(grads, c.value)
		}
	}
	c.optimizer.UpdateGraphWithGradients(ctx, grads, lossDType)
}

// Clear implements optimizers.Interface.
func (c *Clipped) Clear(ctx *context.Context) error {
	return c.optimizer.Clear(ctx)
}

// GlobalNorm returns the L2 norm of all the gradients taken together, as a float32 scalar.
func GlobalNorm(grads []*Node) *Node {
	g := grads[0].Graph()
	sumSquares := Scalar(g, dtypes.Float32, 0)
	for _, grad := range grads {
		grad = ConvertDType(grad, dtypes.Float32)
		sumSquares = Add(sumSquares, ReduceAllSum(Square(grad)))
	}
	return Sqrt(sumSquares)
}

// ClipByGlobalNorm scales the gradients so that their global L2 norm is at most maxNorm.
func ClipByGlobalNorm(grads []*Node, maxNorm float64) []*Node {
	g := grads[0].Graph()
	norm := GlobalNorm(grads)
	scale := Min(
		Scalar(g, dtypes.Float32, 1),
		Div(Scalar(g, dtypes.Float32, maxNorm), AddScalar(norm, normEpsilon)))
	clipped := make([]*Node, len(grads))
	for ii, grad := range grads {
		clipped[ii] = Mul(grad, ConvertDType(scale, grad.DType()))
	}
	return clipped
}

// ClipByValue clips each gradient element to [-value, value].
func ClipByValue(grads []*Node, value float64) []*Node {
	clipped := make([]*Node, len(grads))
	for ii, grad := range grads {
		clipped[ii] = ClipScalar(grad, -value, value)
	}
	return clipped
}
