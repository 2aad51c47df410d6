// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package denoiser

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

const (
	// ResNetName is the registry name of the flat residual denoiser.
	ResNetName = "resnet"

	// ResNetScope is the scope of the ResNet variables.
	ResNetScope = "resnet"
)

// ResNet is a flat stack of residual blocks that keeps the full image resolution.
// Each entry of Spec.Channels is a stage of Spec.NumResidualBlocks blocks.
//
// It is smaller than the U-Net and mostly useful for quick experiments and tests.
type ResNet struct {
	spec Spec
}

func newResNet(spec Spec) (Denoiser, error) {
	return &ResNet{spec: spec}, nil
}

// Name implements Denoiser.
func (r *ResNet) Name() string { return ResNetName }

// Scope implements Denoiser.
func (r *ResNet) Scope() string { return ResNetScope }

// PredictNoise implements Denoiser.
func (r *ResNet) PredictNoise(ctx *context.Context, noisyImages, timesteps, classes *Node) *Node {
	checkInputs(noisyImages, timesteps, classes)
	ctx = ctx.In(ResNetScope).WithInitializer(initializers.XavierNormalFn(ctx))
	imageChannels := noisyImages.Shape().Dimensions[3]
	contextFeatures := conditioningFeatures(ctx, r.spec, timesteps, classes)

	x := layers.Dense(ctx.In("input_projection"), noisyImages, true, r.spec.Channels[0])
	for stage, numChannels := range r.spec.Channels {
		stageCtx := ctx.Inf("%03d-stage", stage)
		x = concatContextFeatures(x, contextFeatures)
		for ii := range r.spec.NumResidualBlocks {
			x = residualBlock(stageCtx.Inf("%03d-residual", ii), r.spec, x, numChannels)
		}
	}
	return readout(ctx.In("readout"), activation(r.spec, x), imageChannels)
}
