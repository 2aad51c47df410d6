// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quality

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// ClassNLL measures how well generated images match their conditioning class: it is the negative
// log-probability the classifier assigns to the class, averaged over the images of each class and then
// over the classes.
type ClassNLL struct {
	classMeans []float64
}

// Update adds the log-probabilities, shaped [batchSize, numClasses], of a batch of images generated for class.
func (nll *ClassNLL) Update(logProbs *tensors.Tensor, class int) error {
	rows, err := matrixRows(logProbs)
	if err != nil {
		return errors.WithMessage(err, "NLL log-probabilities")
	}
	if len(rows) == 0 {
		return errors.New("NLL got an empty batch")
	}
	if class < 0 || class >= len(rows[0]) {
		return errors.Errorf("NLL class %d out of range for log-probabilities shaped %s", class, logProbs.Shape())
	}
	values := make([]float64, len(rows))
	for ii, row := range rows {
		values[ii] = row[class]
	}
	nll.classMeans = append(nll.classMeans, stat.Mean(values, nil))
	return nil
}

// Compute returns -mean_c mean_i log p(c|x_i).
func (nll *ClassNLL) Compute() (float64, error) {
	if len(nll.classMeans) == 0 {
		return 0, errors.New("NLL has no batches")
	}
	return -stat.Mean(nll.classMeans, nil), nil
}
