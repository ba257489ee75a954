// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package torchnn implements channels-first layers whose variables follow the PyTorch layout and naming:
// convolution kernels are shaped [outChannels, inChannels, kernelHeight, kernelWidth], linear weights are
// shaped [outFeatures, inFeatures], and both are named "weight" (with an optional "bias").
//
// This allows state dicts saved by PyTorch to be mapped onto the variables by name only (see package
// torchload), with no transposition.
//
// All layers create their variables in the current scope of the given context. Callers are expected to
// open a scope named after the corresponding PyTorch module first, e.g. `ctx.In("conv1")`.
package torchnn

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

const (
	// WeightName is the name of the weight variable of Conv2D and Linear.
	WeightName = "weight"

	// BiasName is the name of the bias variable of Conv2D and Linear.
	BiasName = "bias"
)

// WeightFn returns the weight used by a layer, given its shape.
//
// The default, VariableWeight, simply creates (or reuses) a variable named "weight" in the current scope.
// Reparametrizations (like spectral normalization) provide their own.
type WeightFn func(ctx *context.Context, g *Graph, shape shapes.Shape) *Node

// VariableWeight is the default WeightFn: a plain variable named WeightName.
func VariableWeight(ctx *context.Context, g *Graph, shape shapes.Shape) *Node {
	return ctx.VariableWithShape(WeightName, shape).ValueGraph(g)
}

// Conv2DBuilder is created by Conv2D. Call Done when finished configuring it.
type Conv2DBuilder struct {
	ctx                     *context.Context
	x                       *Node
	outChannels, kernelSize int
	stride, padding         int
	useBias                 bool
	weightFn                WeightFn
}

// Conv2D creates a 2D convolution on x, shaped [batch, channels, height, width].
//
// Defaults: kernel size 1, stride 1, no padding, with bias. The number of output channels must be set
// with Channels.
func Conv2D(ctx *context.Context, x *Node) *Conv2DBuilder {
	return &Conv2DBuilder{
		ctx:        ctx,
		x:          x,
		kernelSize: 1,
		stride:     1,
		useBias:    true,
		weightFn:   VariableWeight,
	}
}

// Channels sets the number of output channels. Required.
func (b *Conv2DBuilder) Channels(n int) *Conv2DBuilder {
	b.outChannels = n
	return b
}

// KernelSize sets the (square) kernel size.
func (b *Conv2DBuilder) KernelSize(size int) *Conv2DBuilder {
	b.kernelSize = size
	return b
}

// Stride sets the stride for both spatial axes.
func (b *Conv2DBuilder) Stride(stride int) *Conv2DBuilder {
	b.stride = stride
	return b
}

// Padding sets a symmetric zero padding for both spatial axes.
func (b *Conv2DBuilder) Padding(padding int) *Conv2DBuilder {
	b.padding = padding
	return b
}

// UseBias configures whether a "bias" variable is added. Default is true.
func (b *Conv2DBuilder) UseBias(useBias bool) *Conv2DBuilder {
	b.useBias = useBias
	return b
}

// WeightFn configures how the kernel is obtained. Default is VariableWeight.
func (b *Conv2DBuilder) WeightFn(fn WeightFn) *Conv2DBuilder {
	b.weightFn = fn
	return b
}

// Done builds the convolution and returns its output, shaped [batch, outChannels, outHeight, outWidth].
func (b *Conv2DBuilder) Done() *Node {
	x := b.x
	if x.Rank() != 4 {
		Panicf("torchnn.Conv2D expects x shaped [batch, channels, height, width], got %s", x.Shape())
	}
	if b.outChannels <= 0 || b.kernelSize <= 0 || b.stride <= 0 || b.padding < 0 {
		Panicf("torchnn.Conv2D: invalid configuration channels=%d, kernel=%d, stride=%d, padding=%d",
			b.outChannels, b.kernelSize, b.stride, b.padding)
	}
	g := x.Graph()
	dtype := x.DType()
	inChannels := x.Shape().Dimensions[1]
	kernel := b.weightFn(b.ctx, g, shapes.Make(dtype, b.outChannels, inChannels, b.kernelSize, b.kernelSize))

	conv := Convolve(x, kernel).ChannelsAxis(images.ChannelsFirst).Strides(b.stride)
	if b.padding > 0 {
		conv = conv.PaddingPerDim([][2]int{{b.padding, b.padding}, {b.padding, b.padding}})
	} else {
		conv = conv.NoPadding()
	}
	output := conv.Done()
	if b.useBias {
		bias := b.ctx.WithInitializer(initializers.Zero).
			VariableWithShape(BiasName, shapes.Make(dtype, b.outChannels)).ValueGraph(g)
		output = Add(output, Reshape(bias, 1, b.outChannels, 1, 1))
	}
	return output
}

// Linear applies `x @ weight^T + bias` on the last axis of x, with weight shaped [outDim, inDim].
func Linear(ctx *context.Context, x *Node, outDim int, useBias bool) *Node {
	return LinearWithWeight(ctx, x, outDim, useBias, VariableWeight)
}

// LinearWithWeight is like Linear, but the weight is obtained from weightFn.
func LinearWithWeight(ctx *context.Context, x *Node, outDim int, useBias bool, weightFn WeightFn) *Node {
	g := x.Graph()
	dtype := x.DType()
	inDim := x.Shape().Dimensions[x.Rank()-1]
	weight := weightFn(ctx, g, shapes.Make(dtype, outDim, inDim))
	var bias *Node
	if useBias {
		bias = ctx.WithInitializer(initializers.Zero).VariableWithShape(BiasName, shapes.Make(dtype, outDim)).ValueGraph(g)
	}
	return ApplyLinear(x, weight, bias)
}

// ApplyLinear returns `x @ weight^T + bias`, contracting the last axis of x with the second axis of weight,
// shaped [outDim, inDim]. bias, shaped [outDim], is optional.
func ApplyLinear(x, weight, bias *Node) *Node {
	output := DotGeneral(x, []int{x.Rank() - 1}, nil, weight, []int{1}, nil)
	if bias == nil {
		return output
	}
	biasDims := make([]int, output.Rank())
	for axis := range biasDims {
		biasDims[axis] = 1
	}
	biasDims[len(biasDims)-1] = bias.Shape().Size()
	return Add(output, Reshape(bias, biasDims...))
}

// BatchNormBuilder is created by BatchNorm2D. Call Done when finished configuring it.
type BatchNormBuilder struct {
	ctx      *context.Context
	x        *Node
	epsilon  float64
	momentum float64
	affine   bool
}

// BatchNorm2D normalizes x, shaped [batch, channels, height, width], per channel.
//
// It uses GoMLX's batchnorm in the current scope, with PyTorch defaults: epsilon 1e-5, momentum 0.1 (in
// PyTorch's convention, where the momentum weights the new batch statistics) and learned scale/offset.
// Outside training the running mean and variance are used.
func BatchNorm2D(ctx *context.Context, x *Node) *BatchNormBuilder {
	return &BatchNormBuilder{
		ctx:      ctx,
		x:        x,
		epsilon:  1e-5,
		momentum: context.GetParamOr(ctx, "batch_norm_momentum", 0.1),
		affine:   true,
	}
}

// Epsilon sets the value added to the variance for numerical stability.
func (b *BatchNormBuilder) Epsilon(epsilon float64) *BatchNormBuilder {
	b.epsilon = epsilon
	return b
}

// Momentum sets the PyTorch-style momentum: the weight of the new batch statistics in the running averages.
func (b *BatchNormBuilder) Momentum(momentum float64) *BatchNormBuilder {
	b.momentum = momentum
	return b
}

// Affine configures whether learned scale and offset are applied. Default is true.
func (b *BatchNormBuilder) Affine(affine bool) *BatchNormBuilder {
	b.affine = affine
	return b
}

// Done returns the normalized x.
func (b *BatchNormBuilder) Done() *Node {
	return batchnorm.New(b.ctx, b.x, 1).
		CurrentScope().
		Epsilon(b.epsilon).
		Momentum(1.0 - b.momentum).
		Center(b.affine).
		Scale(b.affine).
		Done()
}
