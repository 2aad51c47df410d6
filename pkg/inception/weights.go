// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package inception

import (
	"fmt"
	"path"

	"github.com/gomlx/ddpm/internal/downloader"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

const (
	// WeightsURL of the Keras Inception-v3 pre-trained on ImageNet.
	WeightsURL = "https://storage.googleapis.com/tensorflow/keras-applications/inception_v3/inception_v3_weights_tf_dim_ordering_tf_kernels.h5"

	// WeightsH5Checksum is the sha256 of the weights file.
	WeightsH5Checksum = "00c9ea4e4762f716ac4d300d6d9c2935639cc5e4d139b5790d765dcbeea539d0"

	// WeightsH5Name is the name of the downloaded weights file, within the weights directory.
	WeightsH5Name = "weights.h5"

	// UnpackedWeightsName is the subdirectory of the weights directory with one tensor file per weight.
	UnpackedWeightsName = "gomlx_weights"
)

// DownloadAndUnpackWeights downloads the Keras weights to weightsDir and unpacks them to tensor files,
// if not done yet. Unpacking requires the h5dump tool, see H5DumpBinary.
func DownloadAndUnpackWeights(weightsDir string) error {
	weightsDir, err := fsutil.ReplaceTildeInDir(weightsDir)
	if err != nil {
		return err
	}
	unpackedDir := path.Join(weightsDir, UnpackedWeightsName)
	if fsutil.MustFileExists(unpackedDir) {
		return nil
	}
	h5Path := path.Join(weightsDir, WeightsH5Name)
	if err = downloader.DownloadIfMissing(WeightsURL, h5Path, WeightsH5Checksum); err != nil {
		return errors.WithMessage(err, "failed to download the Inception-v3 weights")
	}
	return unpackH5(h5Path, unpackedDir)
}

// kerasWeights loads the pre-trained weights into the context, following the Keras layer names.
// Layers must be requested in the same order they are created in the Keras model.
//
// If dir is empty, nothing is loaded and the layers are randomly initialized.
type kerasWeights struct {
	dir                 string
	numConv, numBatchNm int
}

// layerScope returns the Keras name of the count-th layer (counting from 1) of the given kind.
func layerScope(kind string, count int) string {
	if count == 1 {
		return kind
	}
	return fmt.Sprintf("%s_%d", kind, count-1)
}

// load sets the variable name in ctx with the h5 dataset, unless it is already set.
func (kw *kerasWeights) load(ctx *context.Context, h5Name, name string) {
	if ctx.GetVariableByScopeAndName(ctx.Scope(), name) != nil {
		return
	}
	tensorPath := path.Join(kw.dir, UnpackedWeightsName, h5Name)
	value, err := tensors.Load(tensorPath)
	if err != nil {
		exceptions.Panicf("failed to load Inception-v3 weight %q: %+v", tensorPath, err)
	}
	ctx.VariableWithValue(name, value).SetTrainable(false)
}

// nextConv returns the context for the next convolution, with its kernel loaded.
func (kw *kerasWeights) nextConv(ctx *context.Context) *context.Context {
	kw.numConv++
	ctx = ctx.In(layerScope("conv2d", kw.numConv))
	if kw.dir == "" {
		return ctx
	}
	// Keras weight file names count from 1.
	kw.load(ctx, fmt.Sprintf("conv2d_%d/conv2d_%d/kernel:0", kw.numConv, kw.numConv), "weights")
	return ctx.Reuse()
}

// nextBatchNorm returns the context for the next batch normalization, with its moving averages and offset loaded.
func (kw *kerasWeights) nextBatchNorm(ctx *context.Context) *context.Context {
	kw.numBatchNm++
	ctx = ctx.In(layerScope("batch_normalization", kw.numBatchNm))
	if kw.dir == "" {
		return ctx
	}
	group := fmt.Sprintf("batch_normalization_%d/batch_normalization_%d/", kw.numBatchNm, kw.numBatchNm)
	kw.load(ctx, group+"moving_mean:0", "mean")
	kw.load(ctx, group+"moving_variance:0", "variance")
	kw.load(ctx, group+"beta:0", "offset")
	// avg_weight is created by the layer.
	return ctx.Checked(false)
}
