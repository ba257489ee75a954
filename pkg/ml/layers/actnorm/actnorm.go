// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package actnorm implements activation normalization ("ActNorm", from the Glow paper): a per-channel
// affine transformation `scale * (x + loc)` whose parameters are initialized from the statistics of the
// first training batch, so that the initial output has zero mean and unit standard deviation per channel.
//
// Variables, in the current scope:
//
//   - "loc": shaped [1, channels, 1, 1], initialized to 0.
//   - "scale": shaped [1, channels, 1, 1], initialized to 1.
//   - "initialized": a uint8 scalar flag, set to 1 after the data-dependent initialization happened.
//
// The data-dependent initialization only happens in graphs marked as training (see
// context.Context.IsTraining). Pretrained models load "initialized" already set.
package actnorm

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
)

// Variable names.
const (
	LocName         = "loc"
	ScaleName       = "scale"
	InitializedName = "initialized"

	// ParamEpsilon is the context hyperparameter added to the standard deviation before inverting it
	// during initialization.
	ParamEpsilon = "actnorm_epsilon"
)

// Config is created by New. Call Done when finished configuring it.
type Config struct {
	ctx     *context.Context
	x       *Node
	epsilon float64
}

// New creates an ActNorm layer for x, shaped [batch, channels, height, width] or [batch, channels].
func New(ctx *context.Context, x *Node) *Config {
	return &Config{
		ctx:     ctx,
		x:       x,
		epsilon: context.GetParamOr(ctx, ParamEpsilon, 1e-6),
	}
}

// Epsilon sets the value added to the standard deviation during initialization. Default is 1e-6.
func (c *Config) Epsilon(value float64) *Config {
	c.epsilon = value
	return c
}

// Done builds the normalization and returns the normalized x, with the same shape as x.
func (c *Config) Done() *Node {
	x := c.x
	squeeze := false
	switch x.Rank() {
	case 2:
		x = Reshape(x, x.Shape().Dimensions[0], x.Shape().Dimensions[1], 1, 1)
		squeeze = true
	case 4:
	default:
		Panicf("actnorm expects x shaped [batch, channels, height, width] or [batch, channels], got %s", x.Shape())
	}
	g := x.Graph()
	dtype := x.DType()
	numChannels := x.Shape().Dimensions[1]
	paramShape := shapes.Make(dtype, 1, numChannels, 1, 1)

	ctx := c.ctx
	locVar := ctx.WithInitializer(initializers.Zero).VariableWithShape(LocName, paramShape)
	scaleVar := ctx.WithInitializer(initializers.One).VariableWithShape(ScaleName, paramShape)
	initializedVar := ctx.WithInitializer(initializers.Zero).
		VariableWithShape(InitializedName, shapes.Make(dtypes.Uint8)).
		SetTrainable(false)
	loc := locVar.ValueGraph(g)
	scale := scaleVar.ValueGraph(g)

	if ctx.IsTraining(g) {
		initialized := initializedVar.ValueGraph(g)
		mean, std := channelStatistics(x)
		isInitialized := BroadcastToDims(
			GreaterThan(initialized, ZerosLike(initialized)),
			paramShape.Dimensions...)
		loc = Where(isInitialized, loc, Neg(mean))
		scale = Where(isInitialized, scale, Reciprocal(AddScalar(std, c.epsilon)))
		locVar.SetValueGraph(loc)
		scaleVar.SetValueGraph(scale)
		initializedVar.SetValueGraph(OnesLike(initialized))
	}

	output := Mul(scale, Add(x, loc))
	if squeeze {
		output = Reshape(output, c.x.Shape().Dimensions...)
	}
	return output
}

// channelStatistics returns the mean and the (unbiased) standard deviation of x per channel, over the batch and
// spatial axes. Both are shaped [1, channels, 1, 1] and are excluded from gradients.
func channelStatistics(x *Node) (mean, std *Node) {
	dims := x.Shape().Dimensions
	count := dims[0] * dims[2] * dims[3]
	mean = ReduceAndKeep(x, ReduceMean, 0, 2, 3)
	sumSquares := ReduceAndKeep(Square(Sub(x, mean)), ReduceSum, 0, 2, 3)
	denominator := float64(max(count-1, 1))
	std = Sqrt(DivScalar(sumSquares, denominator))
	return StopGradient(mean), StopGradient(std)
}
