// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package inception computes Inception-v3 image features, with the Keras weights pre-trained on ImageNet,
// as used by the Fréchet Inception Distance.
//
// The weights are downloaded and unpacked with DownloadAndUnpackWeights, which requires the h5dump tool.
package inception

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
)

const (
	// MinimumImageSize is the smallest height and width accepted by the network.
	MinimumImageSize = 75

	// DefaultImageSize is the resolution the network was trained on.
	DefaultImageSize = 299

	// FeaturesSize is the dimension of the pooled features returned by FeaturesGraph.
	FeaturesSize = 2048

	// Scope of the Inception-v3 variables.
	Scope = "inceptionv3"
)

// PreprocessImages converts images shaped [batchSize, height, width, channels] with values in [0, 1]
// to the network input: grayscale is repeated to 3 channels, the images are resized to imageSize x imageSize
// and the values scaled to [-1, 1].
func PreprocessImages(images *Node, imageSize int) *Node {
	if images.Rank() != 4 {
		exceptions.Panicf("inception expects images shaped [batchSize, height, width, channels], got %s", images.Shape())
	}
	if imageSize < MinimumImageSize {
		exceptions.Panicf("inception image size must be at least %d, got %d", MinimumImageSize, imageSize)
	}
	switch images.Shape().Dim(-1) {
	case 1:
		images = Concatenate([]*Node{images, images, images}, -1)
	case 3:
	case 4:
		// Drop alpha channel.
		images = Slice(images, AxisRange(), AxisRange(), AxisRange(), AxisRange(0, 3))
	default:
		exceptions.Panicf("inception expects 1, 3 or 4 channels, got images shaped %s", images.Shape())
	}
	if images.Shape().Dim(1) != imageSize || images.Shape().Dim(2) != imageSize {
		images = Interpolate(images, -1, imageSize, imageSize, -1).Bilinear().Done()
	}
	return AddScalar(MulScalar(images, 2), -1)
}

// FeaturesGraph returns the average pooled activations of the last Inception-v3 block, shaped
// [batchSize, FeaturesSize], for images already preprocessed with PreprocessImages.
//
// The weights are read from weightsDir (see DownloadAndUnpackWeights). If weightsDir is empty the
// variables are randomly initialized, which is only useful for testing.
func FeaturesGraph(ctx *context.Context, weightsDir string, images *Node) *Node {
	n := &network{ctx: ctx.In(Scope), kw: &kerasWeights{dir: weightsDir}}
	x := images

	// Stem.
	x = n.convBN(x, 32, 3, 3, 2, false)
	x = n.convBN(x, 32, 3, 3, 1, false)
	x = n.convBN(x, 64, 3, 3, 1, true)
	x = MaxPool(x).Window(3).Strides(2).NoPadding().Done()
	x = n.convBN(x, 80, 1, 1, 1, false)
	x = n.convBN(x, 192, 3, 3, 1, false)
	x = MaxPool(x).Window(3).Strides(2).NoPadding().Done()

	// 35x35 blocks (for 299x299 inputs).
	for _, poolChannels := range []int{32, 64, 64} {
		x = n.blockA(x, poolChannels)
	}
	x = n.reductionA(x)

	// 17x17 blocks.
	for _, channels := range []int{128, 160, 160, 192} {
		x = n.blockC(x, channels)
	}
	x = n.reductionB(x)

	// 8x8 blocks.
	for range 2 {
		x = n.blockE(x)
	}
	return ReduceMean(x, 1, 2)
}

type network struct {
	ctx *context.Context
	kw  *kerasWeights
}

// convBN is a convolution without bias, followed by batch normalization without scale and a ReLU.
func (n *network) convBN(x *Node, channels, height, width, strides int, padSame bool) *Node {
	conv := layers.Convolution(n.kw.nextConv(n.ctx), x).CurrentScope().
		Channels(channels).UseBias(false).KernelSizePerAxis(height, width).Strides(strides)
	if padSame {
		conv = conv.PadSame()
	} else {
		conv = conv.NoPadding()
	}
	x = conv.Done()
	x = batchnorm.New(n.kw.nextBatchNorm(n.ctx), x, -1).CurrentScope().Scale(false).Trainable(false).Done()
	return activations.Relu(x)
}

func (n *network) conv(x *Node, channels, height, width int) *Node {
	return n.convBN(x, channels, height, width, 1, true)
}

func meanPool3x3(x *Node) *Node {
	return MeanPool(x).Window(3).Strides(1).PadSame().Done()
}

func maxPoolReduce(x *Node) *Node {
	return MaxPool(x).Window(3).Strides(2).NoPadding().Done()
}

func (n *network) blockA(x *Node, poolChannels int) *Node {
	branch1x1 := n.conv(x, 64, 1, 1)
	branch5x5 := n.conv(x, 48, 1, 1)
	branch5x5 = n.conv(branch5x5, 64, 5, 5)
	branch3x3Dbl := n.conv(x, 64, 1, 1)
	branch3x3Dbl = n.conv(branch3x3Dbl, 96, 3, 3)
	branch3x3Dbl = n.conv(branch3x3Dbl, 96, 3, 3)
	branchPool := n.conv(meanPool3x3(x), poolChannels, 1, 1)
	return Concatenate([]*Node{branch1x1, branch5x5, branch3x3Dbl, branchPool}, -1)
}

func (n *network) reductionA(x *Node) *Node {
	branch3x3 := n.convBN(x, 384, 3, 3, 2, false)
	branch3x3Dbl := n.conv(x, 64, 1, 1)
	branch3x3Dbl = n.conv(branch3x3Dbl, 96, 3, 3)
	branch3x3Dbl = n.convBN(branch3x3Dbl, 96, 3, 3, 2, false)
	return Concatenate([]*Node{branch3x3, branch3x3Dbl, maxPoolReduce(x)}, -1)
}

// blockC uses factorized 7x7 convolutions with the given number of intermediary channels.
func (n *network) blockC(x *Node, channels int) *Node {
	branch1x1 := n.conv(x, 192, 1, 1)
	branch7x7 := n.conv(x, channels, 1, 1)
	branch7x7 = n.conv(branch7x7, channels, 1, 7)
	branch7x7 = n.conv(branch7x7, 192, 7, 1)
	branch7x7Dbl := n.conv(x, channels, 1, 1)
	branch7x7Dbl = n.conv(branch7x7Dbl, channels, 7, 1)
	branch7x7Dbl = n.conv(branch7x7Dbl, channels, 1, 7)
	branch7x7Dbl = n.conv(branch7x7Dbl, channels, 7, 1)
	branch7x7Dbl = n.conv(branch7x7Dbl, 192, 1, 7)
	branchPool := n.conv(meanPool3x3(x), 192, 1, 1)
	return Concatenate([]*Node{branch1x1, branch7x7, branch7x7Dbl, branchPool}, -1)
}

func (n *network) reductionB(x *Node) *Node {
	branch3x3 := n.conv(x, 192, 1, 1)
	branch3x3 = n.convBN(branch3x3, 320, 3, 3, 2, false)
	branch7x7x3 := n.conv(x, 192, 1, 1)
	branch7x7x3 = n.conv(branch7x7x3, 192, 1, 7)
	branch7x7x3 = n.conv(branch7x7x3, 192, 7, 1)
	branch7x7x3 = n.convBN(branch7x7x3, 192, 3, 3, 2, false)
	return Concatenate([]*Node{branch3x3, branch7x7x3, maxPoolReduce(x)}, -1)
}

func (n *network) blockE(x *Node) *Node {
	branch1x1 := n.conv(x, 320, 1, 1)

	branch3x3 := n.conv(x, 384, 1, 1)
	branch3x3 = Concatenate([]*Node{
		n.conv(branch3x3, 384, 1, 3),
		n.conv(branch3x3, 384, 3, 1),
	}, -1)

	branch3x3Dbl := n.conv(x, 448, 1, 1)
	branch3x3Dbl = n.conv(branch3x3Dbl, 384, 3, 3)
	branch3x3Dbl = Concatenate([]*Node{
		n.conv(branch3x3Dbl, 384, 1, 3),
		n.conv(branch3x3Dbl, 384, 3, 1),
	}, -1)

	branchPool := n.conv(meanPool3x3(x), 192, 1, 1)
	return Concatenate([]*Node{branch1x1, branch3x3, branch3x3Dbl, branchPool}, -1)
}
