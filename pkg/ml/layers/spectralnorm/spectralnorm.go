// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package spectralnorm implements spectral normalization of weights, as used by GAN generators and
// discriminators.
//
// The un-normalized weight is stored in the variable "weight_bar", and the left and right singular vector
// estimates of its largest singular value (sigma) are stored in "weight_u" and "weight_v". The effective
// weight is weight_bar / sigma, where sigma is estimated with power iterations starting from "weight_u".
//
// The estimates are only persisted while training (see context.Context.IsTraining). Outside training the
// power iterations still run from the stored "weight_u", so the result is deterministic for fixed variables.
package spectralnorm

import (
	"github.com/gomlx/bigae/pkg/ml/layers/torchnn"
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
)

const (
	// WeightBarName is the variable holding the un-normalized weight.
	WeightBarName = "weight_bar"

	// WeightUName is the variable holding the left singular vector estimate, shaped [outDim].
	WeightUName = "weight_u"

	// WeightVName is the variable holding the right singular vector estimate, shaped [inDim], where inDim
	// is the product of all but the first dimension of the weight.
	WeightVName = "weight_v"

	// ParamPowerIterations is the context hyperparameter with the number of power iterations per call.
	ParamPowerIterations = "spectral_norm_power_iterations"

	// ParamEpsilon is the context hyperparameter with the epsilon used when normalizing the singular vectors.
	ParamEpsilon = "spectral_norm_epsilon"
)

// Weight returns the spectrally normalized weight with the given shape, creating (or reusing) the variables
// in the current scope of ctx.
//
// The first axis of shape is taken as the output dimension, and the remaining axes are flattened.
//
// It implements torchnn.WeightFn, so it can be plugged into torchnn.Conv2D and torchnn.LinearWithWeight.
func Weight(ctx *context.Context, g *Graph, shape shapes.Shape) *Node {
	if shape.Rank() < 2 {
		Panicf("spectralnorm.Weight requires a weight of rank >= 2, got shape %s", shape)
	}
	dtype := shape.DType
	outDim := shape.Dimensions[0]
	inDim := shape.Size() / outDim

	weightBar := ctx.VariableWithShape(WeightBarName, shape).ValueGraph(g)
	vectorsCtx := ctx.WithInitializer(initializers.RandomNormalFn(ctx, 1.0))
	uVar := vectorsCtx.VariableWithShape(WeightUName, shapes.Make(dtype, outDim)).SetTrainable(false)
	vVar := vectorsCtx.VariableWithShape(WeightVName, shapes.Make(dtype, inDim)).SetTrainable(false)

	epsilon := context.GetParamOr(ctx, ParamEpsilon, 1e-12)
	iterations := context.GetParamOr(ctx, ParamPowerIterations, 1)
	w := StopGradient(Reshape(weightBar, outDim, inDim))
	u := StopGradient(uVar.ValueGraph(g))
	v := StopGradient(vVar.ValueGraph(g))
	for range iterations {
		v = l2Normalize(Einsum("ij,i->j", w, u), epsilon)
		u = l2Normalize(Einsum("ij,j->i", w, v), epsilon)
	}
	if ctx.IsTraining(g) {
		uVar.SetValueGraph(u)
		vVar.SetValueGraph(v)
	}

	// sigma is differentiable with respect to weight_bar, but not with respect to u and v.
	wv := Einsum("ij,j->i", Reshape(weightBar, outDim, inDim), v)
	sigma := ReduceAllSum(Mul(u, wv))
	return Div(weightBar, sigma)
}

// l2Normalize returns x / (‖x‖ + epsilon), for a vector x.
func l2Normalize(x *Node, epsilon float64) *Node {
	norm := Sqrt(ReduceAllSum(Square(x)))
	return Div(x, AddScalar(norm, epsilon))
}

// Conv2D returns a torchnn.Conv2D builder whose kernel is spectrally normalized.
func Conv2D(ctx *context.Context, x *Node) *torchnn.Conv2DBuilder {
	return torchnn.Conv2D(ctx, x).WeightFn(Weight)
}

// Linear is a torchnn.Linear layer with a spectrally normalized weight.
func Linear(ctx *context.Context, x *Node, outDim int, useBias bool) *Node {
	return torchnn.LinearWithWeight(ctx, x, outDim, useBias, Weight)
}

// WeightBar returns the un-normalized weight variable in the current scope of ctx, or nil if it hasn't been
// created (or loaded) yet.
func WeightBar(ctx *context.Context) *context.Variable {
	return ctx.GetVariableByScopeAndName(ctx.Scope(), WeightBarName)
}
