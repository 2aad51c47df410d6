// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quality

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DefaultSplits is the default number of splits used by the InceptionScore.
const DefaultSplits = 10

// InceptionScore accumulates the class probabilities of the generated images and computes
// exp(E_x[KL(p(y|x) ‖ p(y))]) over splits of the images.
type InceptionScore struct {
	extractor LogitsExtractor

	// Splits is the number of subsets the images are divided in. The score is computed on each split,
	// and Compute returns the mean and the standard deviation over the splits.
	Splits int

	// Rand, if set, is used to shuffle the images before splitting them.
	Rand *rand.Rand

	logProbs [][]float64
}

// NewInceptionScore creates an InceptionScore that uses the extractor to get the class logits.
func NewInceptionScore(extractor LogitsExtractor) *InceptionScore {
	return &InceptionScore{extractor: extractor, Splits: DefaultSplits}
}

// Len returns the number of images accumulated.
func (is *InceptionScore) Len() int { return len(is.logProbs) }

// Update accumulates a batch of images.
func (is *InceptionScore) Update(images *tensors.Tensor) error {
	logits, err := is.extractor.Logits(images)
	if err != nil {
		return errors.WithMessage(err, "inception score failed to extract logits")
	}
	rows, err := matrixRows(logits)
	if err != nil {
		return errors.WithMessage(err, "inception score logits")
	}
	if len(is.logProbs) > 0 && len(rows) > 0 && len(rows[0]) != len(is.logProbs[0]) {
		return errors.Errorf("inception score got logits with %d classes, previous batches had %d classes",
			len(rows[0]), len(is.logProbs[0]))
	}
	for _, row := range rows {
		// Log-softmax.
		logSum := floats.LogSumExp(row)
		logProbs := make([]float64, len(row))
		for ii, v := range row {
			logProbs[ii] = v - logSum
		}
		is.logProbs = append(is.logProbs, logProbs)
	}
	return nil
}

// Compute returns the mean and the standard deviation of the score over the splits.
func (is *InceptionScore) Compute() (mean, std float64, err error) {
	n := len(is.logProbs)
	if is.Splits < 1 {
		return 0, 0, errors.Errorf("inception score needs at least 1 split, got %d", is.Splits)
	}
	if n < is.Splits {
		return 0, 0, errors.Errorf("inception score needs at least %d images (one per split), got %d", is.Splits, n)
	}
	logProbs := is.logProbs
	if is.Rand != nil {
		logProbs = make([][]float64, n)
		for ii, jj := range is.Rand.Perm(n) {
			logProbs[ii] = is.logProbs[jj]
		}
	}

	// Splits of (almost) equal sizes: the last one may be smaller.
	splitSize := (n + is.Splits - 1) / is.Splits
	var scores []float64
	for start := 0; start < n; start += splitSize {
		end := min(start+splitSize, n)
		scores = append(scores, splitScore(logProbs[start:end]))
	}
	if len(scores) == 1 {
		return scores[0], 0, nil
	}
	mean, std = stat.MeanStdDev(scores, nil)
	return mean, std, nil
}

// splitScore returns exp(mean_x KL(p(y|x) ‖ p(y))), where p(y) is the marginal over the split.
func splitScore(logProbs [][]float64) float64 {
	numClasses := len(logProbs[0])
	marginal := make([]float64, numClasses)
	for _, row := range logProbs {
		for c, lp := range row {
			marginal[c] += math.Exp(lp)
		}
	}
	floats.Scale(1/float64(len(logProbs)), marginal)

	var meanKL float64
	for _, row := range logProbs {
		var kl float64
		for c, lp := range row {
			p := math.Exp(lp)
			if p > 0 && marginal[c] > 0 {
				kl += p * (lp - math.Log(marginal[c]))
			}
		}
		meanKL += kl
	}
	meanKL /= float64(len(logProbs))
	return math.Exp(meanKL)
}
