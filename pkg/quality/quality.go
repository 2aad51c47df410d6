// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package quality implements metrics of the quality of generated images: the Inception Score (IS), the
// Fréchet Inception Distance (FID) and the negative log-likelihood of the conditioning class (NLL).
//
// The metrics are accumulators: call Update for each batch, and Compute at the end. They use an auxiliary
// model to extract class logits or features from the images, see LogitsExtractor and FeatureExtractor.
package quality

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// LogitsExtractor returns the class logits of a batch of images, shaped [batchSize, numClasses].
type LogitsExtractor interface {
	Logits(images *tensors.Tensor) (*tensors.Tensor, error)
}

// FeatureExtractor returns the features of a batch of images, shaped [batchSize, numFeatures].
type FeatureExtractor interface {
	Features(images *tensors.Tensor) (*tensors.Tensor, error)
}

func toFloat64[T constraints.Float](values []T) []float64 {
	converted := make([]float64, len(values))
	for ii, v := range values {
		converted[ii] = float64(v)
	}
	return converted
}

// matrixRows returns the rows of a rank-2 float tensor converted to float64.
func matrixRows(t *tensors.Tensor) ([][]float64, error) {
	if t.Rank() != 2 {
		return nil, errors.Errorf("expected a rank-2 tensor shaped [batchSize, dim], got %s", t.Shape())
	}
	var flat []float64
	switch t.DType() {
	case dtypes.Float32:
		flat = toFloat64(tensors.MustCopyFlatData[float32](t))
	case dtypes.Float64:
		flat = tensors.MustCopyFlatData[float64](t)
	default:
		return nil, errors.Errorf("expected a float32 or float64 tensor, got %s", t.DType())
	}
	numRows, dim := t.Shape().Dimensions[0], t.Shape().Dimensions[1]
	rows := make([][]float64, numRows)
	for ii := range rows {
		rows[ii] = flat[ii*dim : (ii+1)*dim]
	}
	return rows, nil
}
