// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package denoiser

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gomlx/pkg/support/xslices"
)

const (
	// UNetName is the registry name of the U-Net denoiser.
	UNetName = "unet"

	// UNetScope is the scope of the U-Net variables.
	UNetScope = "u-net"
)

// UNet denoiser: each level applies residual blocks and halves the image size, and the upward path
// concatenates the skip connections of the matching level.
//
// The diffusion step and class embeddings are concatenated to the features at every level.
type UNet struct {
	spec Spec
}

func newUNet(spec Spec) (Denoiser, error) {
	return &UNet{spec: spec}, nil
}

// Name implements Denoiser.
func (u *UNet) Name() string { return UNetName }

// Scope implements Denoiser.
func (u *UNet) Scope() string { return UNetScope }

// downBlock applies the residual blocks followed by a mean pooling of size 2.
// The value after each residual block is pushed to skips.
func (u *UNet) downBlock(ctx *context.Context, x *Node, skips []*Node, outputChannels int) (*Node, []*Node) {
	for ii := range u.spec.NumResidualBlocks {
		x = residualBlock(ctx.Inf("%03d-residual", ii), u.spec, x, outputChannels)
		skips = append(skips, x)
	}
	x = MeanPool(x).Window(2).NoPadding().Done()
	return x, skips
}

// upBlock is the counter-part to downBlock: it up-samples x and consumes the skip connections.
func (u *UNet) upBlock(ctx *context.Context, x *Node, skips []*Node, outputChannels int) (*Node, []*Node) {
	x = UpSampleImages(x)
	for ii := range u.spec.NumResidualBlocks {
		var skip *Node
		skip, skips = xslices.Pop(skips)
		x = Concatenate([]*Node{x, skip}, -1)
		x = residualBlock(ctx.Inf("%03d-residual", ii), u.spec, x, outputChannels)
	}
	return x, skips
}

// UpSampleImages doubles the spatial dimensions of images shaped [batchSize, height, width, channels],
// repeating each pixel.
func UpSampleImages(images *Node) *Node {
	shape := images.Shape()
	batchSize := shape.Dimensions[0]
	height, width := shape.Dimensions[1], shape.Dimensions[2]
	numChannels := shape.Dimensions[3]
	upSampled := Concatenate([]*Node{images, images}, 3)
	upSampled = Reshape(upSampled, batchSize, height, 2*width, numChannels)
	upSampled = Concatenate([]*Node{upSampled, upSampled}, 2)
	upSampled = Reshape(upSampled, batchSize, 2*height, 2*width, numChannels)
	return upSampled
}

// PredictNoise implements Denoiser.
func (u *UNet) PredictNoise(ctx *context.Context, noisyImages, timesteps, classes *Node) *Node {
	checkInputs(noisyImages, timesteps, classes)
	ctx = ctx.In(UNetScope).WithInitializer(initializers.XavierNormalFn(ctx))
	numChannelsList := u.spec.Channels
	height, width := noisyImages.Shape().Dimensions[1], noisyImages.Shape().Dimensions[2]
	factor := 1 << len(numChannelsList)
	if height%factor != 0 || width%factor != 0 {
		exceptions.Panicf("u-net with %d levels requires image sizes divisible by %d, got %dx%d",
			len(numChannelsList), factor, height, width)
	}
	imageChannels := noisyImages.Shape().Dimensions[3]

	// nextCtx returns a new context prefixed with a counter, to give a nice ordering to the variables.
	layerNum := 0
	nextCtx := func(format string, args ...any) *context.Context {
		scopedCtx := ctx.Inf("%03d-"+format, append([]any{layerNum}, args...)...)
		layerNum++
		return scopedCtx
	}

	contextFeatures := conditioningFeatures(ctx, u.spec, timesteps, classes)
	x := layers.Dense(nextCtx("StartingChannelsProjection"), noisyImages, true, numChannelsList[0])

	skips := make([]*Node, 0, u.spec.NumResidualBlocks*len(numChannelsList))
	for ii, numChannels := range numChannelsList {
		x = concatContextFeatures(x, contextFeatures)
		x, skips = u.downBlock(nextCtx("DownBlock_%d", ii), x, skips, numChannels)
	}

	lastNumChannels := xslices.Last(numChannelsList)
	x = concatContextFeatures(x, contextFeatures)
	for ii := range u.spec.NumResidualBlocks {
		x = residualBlock(nextCtx("IntermediaryBlock-%02d", ii), u.spec, x, lastNumChannels)
	}

	for ii := range numChannelsList {
		numChannels := numChannelsList[len(numChannelsList)-(ii+1)]
		x, skips = u.upBlock(nextCtx("UpBlock_%d", ii), x, skips, numChannels)
	}
	if len(skips) != 0 {
		exceptions.Panicf("ended with %d skip connections not accounted for", len(skips))
	}

	return readout(nextCtx("Readout"), activation(u.spec, x), imageChannels)
}
