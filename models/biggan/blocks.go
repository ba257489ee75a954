// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package biggan

import (
	"github.com/gomlx/bigae/pkg/ml/layers/actnorm"
	"github.com/gomlx/bigae/pkg/ml/layers/spectralnorm"
	"github.com/gomlx/bigae/pkg/ml/layers/torchnn"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// block is the up-sampling residual block ("GBlock"):
//
//	out  = conv1(relu(norm1(conv0(upsample(relu(norm0(x)))))))
//	skip = conv_sc(upsample(x))
//
// where the normalizations are conditioned on condition.
func (gen *Generator) block(ctx *context.Context, x, condition *Node, outChannels int) *Node {
	skip := UpSample2x(x)
	skip = spectralnorm.Conv2D(ctx.In("conv_sc").In("module"), skip).Channels(outChannels).KernelSize(1).Done()

	x = gen.conditionalNorm(ctx.In("HyperBN"), x, condition)
	x = activations.Relu(x)
	x = UpSample2x(x)
	x = spectralnorm.Conv2D(ctx.In("conv0").In("module"), x).Channels(outChannels).KernelSize(3).Padding(1).Done()
	x = gen.conditionalNorm(ctx.In("HyperBN_1"), x, condition)
	x = activations.Relu(x)
	x = spectralnorm.Conv2D(ctx.In("conv1").In("module"), x).Channels(outChannels).KernelSize(3).Padding(1).Done()
	return Add(x, skip)
}

// conditionalNorm normalizes x without learned parameters (batch or activation normalization) and then applies
// a per-example gain and bias projected from condition:
//
//	gain, bias = split(embed(condition))
//	output     = gain * norm(x) + bias
//
// The projection is initialized so that the gain starts at 1 and the bias at 0.
func (gen *Generator) conditionalNorm(ctx *context.Context, x, condition *Node) *Node {
	g := x.Graph()
	dtype := x.DType()
	numChannels := x.Shape().Dimensions[1]
	if gen.config.UseActNorm {
		x = actnorm.New(ctx.In("an"), x).Done()
	} else {
		x = torchnn.BatchNorm2D(ctx.In("bn"), x).Affine(false).Done()
	}

	embedCtx := ctx.In("embed")
	conditionDim := condition.Shape().Dimensions[1]
	weight := embedCtx.WithInitializer(initializers.RandomNormalFn(ctx, 0.02)).
		VariableWithShape(torchnn.WeightName, shapes.Make(dtype, 2*numChannels, conditionDim)).
		ValueGraph(g)
	bias := embedCtx.WithInitializer(gainAndBiasInitializer).
		VariableWithShape(torchnn.BiasName, shapes.Make(dtype, 2*numChannels)).
		ValueGraph(g)
	embedding := torchnn.ApplyLinear(condition, weight, bias)
	gainAndBias := Split(embedding, 1, 2)
	batchSize := x.Shape().Dimensions[0]
	gain := Reshape(gainAndBias[0], batchSize, numChannels, 1, 1)
	offset := Reshape(gainAndBias[1], batchSize, numChannels, 1, 1)
	return Add(Mul(gain, x), offset)
}

// gainAndBiasInitializer initializes a vector of 2*C elements with C ones followed by C zeros.
func gainAndBiasInitializer(g *Graph, shape shapes.Shape) *Node {
	half := shape.Dimensions[0] / 2
	halfShape := shapes.Make(shape.DType, half)
	return Concatenate([]*Node{Ones(g, halfShape), Zeros(g, halfShape)}, 0)
}

// AttentionGammaName is the variable with the scale of the self-attention output.
const AttentionGammaName = "gamma"

// selfAttention is the non-local block of SAGAN/BigGAN: queries from every position attend keys and values
// max-pooled by 2, and the result is added back to x scaled by a learned "gamma" initialized to 0.
func selfAttention(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	dtype := x.DType()
	dims := x.Shape().Dimensions
	batchSize, numChannels, height, width := dims[0], dims[1], dims[2], dims[3]
	keyChannels := max(numChannels/8, 1)
	valueChannels := max(numChannels/2, 1)

	conv1x1 := func(name string, x *Node, channels int) *Node {
		return spectralnorm.Conv2D(ctx.In(name).In("module"), x).Channels(channels).UseBias(false).Done()
	}
	pool := func(x *Node) *Node {
		return MaxPool(x).ChannelsAxis(images.ChannelsFirst).Window(2).Strides(2).NoPadding().Done()
	}
	flatten := func(x *Node) *Node {
		d := x.Shape().Dimensions
		return Reshape(x, d[0], d[1], d[2]*d[3])
	}

	theta := flatten(conv1x1("theta", x, keyChannels))   // [batch, keyChannels, height*width]
	phi := flatten(pool(conv1x1("phi", x, keyChannels))) // [batch, keyChannels, height*width/4]
	attention := Softmax(Einsum("bcq,bck->bqk", theta, phi), 2)
	values := flatten(pool(conv1x1("g", x, valueChannels)))
	attended := Einsum("bck,bqk->bcq", values, attention)
	attended = Reshape(attended, batchSize, valueChannels, height, width)
	output := conv1x1("o_conv", attended, numChannels)

	gamma := ctx.WithInitializer(initializers.Zero).
		VariableWithShape(AttentionGammaName, shapes.Make(dtype, 1)).ValueGraph(g)
	return Add(x, Mul(Reshape(gamma, 1, 1, 1, 1), output))
}

// UpSample2x doubles the spatial size of x, shaped [batch, channels, height, width], repeating each pixel
// (nearest neighbor).
func UpSample2x(x *Node) *Node {
	dims := x.Shape().Dimensions
	batchSize, numChannels, height, width := dims[0], dims[1], dims[2], dims[3]
	x = Reshape(x, batchSize, numChannels, height, 1, width, 1)
	x = BroadcastToDims(x, batchSize, numChannels, height, 2, width, 2)
	return Reshape(x, batchSize, numChannels, 2*height, 2*width)
}
