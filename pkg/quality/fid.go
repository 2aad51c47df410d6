// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quality

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// FID accumulates the features of real and generated images, and computes the Fréchet distance between
// the two Gaussians fitted to them:
//
//	‖μ_r - μ_g‖² + Tr(Σ_r + Σ_g - 2·(Σ_r^½·Σ_g·Σ_r^½)^½)
type FID struct {
	extractor FeatureExtractor

	real, generated [][]float64
}

// NewFID creates a FID metric that uses the extractor to get the features of the images.
func NewFID(extractor FeatureExtractor) *FID {
	return &FID{extractor: extractor}
}

// Len returns the number of real and generated images accumulated.
func (fid *FID) Len() (numReal, numGenerated int) {
	return len(fid.real), len(fid.generated)
}

// Update accumulates a batch of real (if real is true) or generated images.
func (fid *FID) Update(images *tensors.Tensor, real bool) error {
	features, err := fid.extractor.Features(images)
	if err != nil {
		return errors.WithMessage(err, "FID failed to extract features")
	}
	rows, err := matrixRows(features)
	if err != nil {
		return errors.WithMessage(err, "FID features")
	}
	if dim := fid.dim(); dim > 0 && len(rows) > 0 && len(rows[0]) != dim {
		return errors.Errorf("FID got features of dimension %d, previous batches had dimension %d", len(rows[0]), dim)
	}
	if real {
		fid.real = append(fid.real, rows...)
	} else {
		fid.generated = append(fid.generated, rows...)
	}
	return nil
}

func (fid *FID) dim() int {
	if len(fid.real) > 0 {
		return len(fid.real[0])
	}
	if len(fid.generated) > 0 {
		return len(fid.generated[0])
	}
	return 0
}

// Compute returns the Fréchet distance between the real and the generated features.
func (fid *FID) Compute() (float64, error) {
	if len(fid.real) < 2 || len(fid.generated) < 2 {
		return 0, errors.Errorf("FID needs at least 2 real and 2 generated images, got %d and %d",
			len(fid.real), len(fid.generated))
	}
	muReal, sigmaReal := gaussianStats(fid.real)
	muGen, sigmaGen := gaussianStats(fid.generated)
	return FrechetDistance(muReal, sigmaReal, muGen, sigmaGen)
}

// gaussianStats returns the mean and the (unbiased) covariance of the rows.
func gaussianStats(rows [][]float64) ([]float64, *mat.SymDense) {
	n, dim := len(rows), len(rows[0])
	x := mat.NewDense(n, dim, nil)
	for ii, row := range rows {
		x.SetRow(ii, row)
	}
	mu := make([]float64, dim)
	for jj := range dim {
		mu[jj] = stat.Mean(mat.Col(nil, jj, x), nil)
	}
	var sigma mat.SymDense
	stat.CovarianceMatrix(&sigma, x, nil)
	return mu, &sigma
}

// FrechetDistance between the Gaussians N(mu1, sigma1) and N(mu2, sigma2).
func FrechetDistance(mu1 []float64, sigma1 *mat.SymDense, mu2 []float64, sigma2 *mat.SymDense) (float64, error) {
	if len(mu1) != len(mu2) || sigma1.SymmetricDim() != len(mu1) || sigma2.SymmetricDim() != len(mu2) {
		return 0, errors.Errorf("FID: mismatched dimensions: means %d and %d, covariances %d and %d",
			len(mu1), len(mu2), sigma1.SymmetricDim(), sigma2.SymmetricDim())
	}
	diff := make([]float64, len(mu1))
	floats.SubTo(diff, mu1, mu2)
	meanTerm := floats.Dot(diff, diff)

	sqrtSigma1, err := sqrtSymmetric(sigma1)
	if err != nil {
		return 0, err
	}
	var product mat.Dense
	product.Mul(sqrtSigma1, sigma2)
	product.Mul(&product, sqrtSigma1)
	traceSqrt, err := traceSqrtSymmetric(symmetrize(&product))
	if err != nil {
		return 0, err
	}
	return meanTerm + mat.Trace(sigma1) + mat.Trace(sigma2) - 2*traceSqrt, nil
}

// symmetrize returns (m + mᵀ)/2, removing the numerical asymmetries of the matrix products.
func symmetrize(m *mat.Dense) *mat.SymDense {
	n, _ := m.Dims()
	sym := mat.NewSymDense(n, nil)
	for ii := range n {
		for jj := ii; jj < n; jj++ {
			sym.SetSym(ii, jj, (m.At(ii, jj)+m.At(jj, ii))/2)
		}
	}
	return sym
}

// sqrtSymmetric returns the square root of a symmetric positive semi-definite matrix.
// Negative eigenvalues, which come from numerical errors, are taken as 0.
func sqrtSymmetric(a *mat.SymDense) (*mat.SymDense, error) {
	var eig mat.EigenSym
	if !eig.Factorize(a, true) {
		return nil, errors.New("FID: eigen-decomposition of the covariance failed")
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)
	var scaled mat.Dense
	scaled.Apply(func(_, j int, v float64) float64 {
		return v * math.Sqrt(max(values[j], 0))
	}, &vectors)
	var root mat.Dense
	root.Mul(&scaled, vectors.T())
	return symmetrize(&root), nil
}

// traceSqrtSymmetric returns Tr(a^½) for a symmetric positive semi-definite matrix.
func traceSqrtSymmetric(a *mat.SymDense) (float64, error) {
	var eig mat.EigenSym
	if !eig.Factorize(a, false) {
		return 0, errors.New("FID: eigen-decomposition of the covariance product failed")
	}
	var trace float64
	for _, v := range eig.Values(nil) {
		trace += math.Sqrt(max(v, 0))
	}
	return trace, nil
}
