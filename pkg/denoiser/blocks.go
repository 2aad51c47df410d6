// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package denoiser

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	timages "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
)

const (
	// ClassEmbeddingScope is the scope, under the denoiser scope, of the class embedding table.
	ClassEmbeddingScope = "class_embedding"

	// ClassEmbeddingVar is the name of the class embedding variable, shaped [numClasses, classEmbedSize].
	ClassEmbeddingVar = "embeddings"
)

// SinusoidalEmbedding of x (shaped [batchSize]) with geometrically spaced frequencies, returns
// shape [batchSize, embedSize].
func SinusoidalEmbedding(x *Node, embedSize int) *Node {
	g := x.Graph()
	halfEmbed := embedSize / 2
	logMinFreq := math.Log(1.0)
	logMaxFreq := math.Log(1000.0)
	frequencies := IotaFull(g, shapes.Make(x.DType(), halfEmbed))
	if halfEmbed > 1 {
		frequencies = MulScalar(frequencies, (logMaxFreq-logMinFreq)/float64(halfEmbed-1))
	}
	frequencies = Exp(AddScalar(frequencies, logMinFreq))
	angularSpeeds := MulScalar(frequencies, 2.0*math.Pi)
	angles := Mul(InsertAxes(x, -1), InsertAxes(angularSpeeds, 0))
	return Concatenate([]*Node{Sin(angles), Cos(angles)}, -1)
}

// ClassEmbedding projects the one-hot classes (shaped [batchSize, numClasses]) to [batchSize, embedSize].
// The unconditional (all zeros) class vector maps to the zero embedding.
func ClassEmbedding(ctx *context.Context, classes *Node, embedSize int) *Node {
	g := classes.Graph()
	numClasses := classes.Shape().Dimensions[1]
	embedCtx := ctx.In(ClassEmbeddingScope).
		WithInitializer(initializers.RandomNormalFn(ctx, 1.0/math.Sqrt(float64(embedSize))))
	table := embedCtx.VariableWithShape(ClassEmbeddingVar, shapes.Make(classes.DType(), numClasses, embedSize))
	return MatMul(classes, table.ValueGraph(g))
}

// conditioningFeatures combines the diffusion step and class embeddings, shaped [batchSize, 1, 1, features]
// so they can be broadcast to the spatial dimensions.
func conditioningFeatures(ctx *context.Context, spec Spec, timesteps, classes *Node) *Node {
	timesteps = ConvertDType(timesteps, classes.DType())
	features := Concatenate([]*Node{
		SinusoidalEmbedding(timesteps, spec.TimeEmbedSize),
		ClassEmbedding(ctx, classes, spec.ClassEmbedSize),
	}, -1)
	return InsertAxes(features, 1, 1)
}

// concatContextFeatures to x, by broadcasting contextFeature to x spatial dimensions.
func concatContextFeatures(x, contextFeatures *Node) *Node {
	broadcastDims := contextFeatures.Shape().Clone().Dimensions
	for _, axis := range timages.GetSpatialAxes(x, timages.ChannelsLast) {
		broadcastDims[axis] = x.Shape().Dimensions[axis]
	}
	contextFeatures = BroadcastToDims(contextFeatures, broadcastDims...)
	return Concatenate([]*Node{x, contextFeatures}, -1)
}

// normalize according to the spec. It works with x of rank 4.
func normalize(ctx *context.Context, spec Spec, x *Node) *Node {
	switch spec.Normalization {
	case "none", "":
		return x
	case "batch":
		return batchnorm.New(ctx, x, -1).Done()
	case "layer":
		return layers.LayerNormalization(ctx, x, 1, 2).Done()
	default:
		exceptions.Panicf("denoiser %q: invalid normalization %q, valid values are none, layer or batch",
			spec.Name, spec.Normalization)
	}
	return nil
}

func activation(spec Spec, x *Node) *Node {
	name := spec.Activation
	if name == "" {
		name = "swish"
	}
	return activations.Apply(activations.FromName(name), x)
}

func dropout(ctx *context.Context, spec Spec, x *Node) *Node {
	if spec.Dropout <= 0 {
		return x
	}
	g := x.Graph()
	return layers.DropoutNormalize(ctx, x, Scalar(g, x.DType(), spec.Dropout), true)
}

// residualBlock on the input with outputChannels in the output. x must be shaped [batchSize, height, width, channels].
func residualBlock(ctx *context.Context, spec Spec, x *Node, outputChannels int) *Node {
	x.AssertRank(4)
	inputChannels := x.Shape().Dimensions[3]
	layerNum := 0
	nextCtx := func(name string) *context.Context {
		scopedCtx := ctx.Inf("%03d-%s", layerNum, name)
		layerNum++
		return scopedCtx
	}

	residual := x
	if inputChannels != outputChannels {
		residual = layers.Dense(nextCtx("residual_projection"), x, true, outputChannels)
	}
	x = normalize(nextCtx("norm"), spec, x)
	x = layers.Convolution(nextCtx("conv"), x).Channels(outputChannels).KernelSize(3).PadSame().Done()
	x = activation(spec, x)
	x = dropout(nextCtx("dropout"), spec, x)
	convCtx := nextCtx("conv").WithInitializer(initializers.Zero)
	x = layers.Convolution(convCtx, x).Channels(outputChannels).KernelSize(3).PadSame().Done()
	return Add(x, residual)
}

// readout projects the features back to the number of image channels. It starts at zero, the mean of the noise.
func readout(ctx *context.Context, x *Node, imageChannels int) *Node {
	return layers.DenseWithBias(ctx.WithInitializer(initializers.Zero), x, imageChannels)
}

// checkInputs verifies the shapes of the denoiser inputs.
func checkInputs(noisyImages, timesteps, classes *Node) {
	noisyImages.AssertRank(4)
	batchSize := noisyImages.Shape().Dimensions[0]
	timesteps.AssertDims(batchSize)
	classes.AssertRank(2)
	if classes.Shape().Dimensions[0] != batchSize {
		exceptions.Panicf("classes shape %s doesn't match the batch size %d of the images", classes.Shape(), batchSize)
	}
	if !classes.DType().IsFloat() || classes.DType() == dtypes.Float16 {
		exceptions.Panicf("classes must be one-hot encoded as float32/float64, got %s", classes.DType())
	}
}
