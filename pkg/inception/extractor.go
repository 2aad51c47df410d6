// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package inception

import (
	"path"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// Extractor returns the Inception-v3 features of batches of images.
type Extractor struct {
	ctx          *context.Context
	featuresExec *context.Exec
}

// NewExtractor creates an Extractor with the weights under weightsDir, downloading and unpacking them
// if needed. Images are resized to imageSize before being fed to the network, use DefaultImageSize
// for the usual FID.
func NewExtractor(backend backends.Backend, weightsDir string, imageSize int) (*Extractor, error) {
	if imageSize < MinimumImageSize {
		return nil, errors.Errorf("inception image size must be at least %d, got %d", MinimumImageSize, imageSize)
	}
	if weightsDir != "" {
		var err error
		weightsDir, err = fsutil.ReplaceTildeInDir(weightsDir)
		if err != nil {
			return nil, err
		}
		if err = DownloadAndUnpackWeights(weightsDir); err != nil {
			return nil, err
		}
	}
	return newExtractor(backend, weightsDir, imageSize)
}

// newExtractor doesn't download anything: an empty weightsDir means random weights.
func newExtractor(backend backends.Backend, weightsDir string, imageSize int) (*Extractor, error) {
	e := &Extractor{ctx: context.New()}
	var err error
	e.featuresExec, err = context.NewExec(backend, e.ctx, func(ctx *context.Context, images *Node) *Node {
		return FeaturesGraph(ctx, weightsDir, PreprocessImages(images, imageSize))
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create Inception-v3 features from %q",
			path.Join(weightsDir, UnpackedWeightsName))
	}
	return e, nil
}

// Features returns the Inception-v3 features of the images, shaped [batchSize, FeaturesSize].
// The images must be shaped [batchSize, height, width, channels] with values in [0, 1], and 1 (grayscale),
// 3 or 4 channels.
func (e *Extractor) Features(images *tensors.Tensor) (features *tensors.Tensor, err error) {
	if images.Rank() != 4 {
		return nil, errors.Errorf("inception expects images shaped [batchSize, height, width, channels], got %s",
			images.Shape())
	}
	err = exceptions.TryCatch[error](func() { features = e.featuresExec.MustExec1(images) })
	if err != nil {
		return nil, errors.WithMessage(err, "failed to compute Inception-v3 features")
	}
	return
}
