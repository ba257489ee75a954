// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributions implements probability distributions over graph nodes, used as the output of
// probabilistic layers, e.g. the latent posterior of a variational autoencoder.
package distributions

import (
	"math"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

const (
	// MinLogVar and MaxLogVar are the bounds the log-variance is clamped to.
	MinLogVar = -30.0
	MaxLogVar = 20.0
)

// DiagonalGaussian is a multivariate normal distribution with diagonal covariance.
//
// All fields have the same shape, [batch, ...], where the axes after the batch are the event axes.
type DiagonalGaussian struct {
	Mean, LogVar, Std, Var *Node

	// Deterministic distributions are a point mass at Mean: Std and Var are zero, LogVar is MinLogVar,
	// sampling returns Mean exactly, KL and NLL are zero.
	Deterministic bool
}

// NewDiagonalGaussian splits parameters in two halves along axis 1 (mean and log-variance), clamps the
// log-variance to [MinLogVar, MaxLogVar] and derives the standard deviation and the variance.
//
// If deterministic is true, the distribution collapses to a point mass at the mean.
func NewDiagonalGaussian(parameters *Node, deterministic bool) *DiagonalGaussian {
	if parameters.Rank() < 2 || parameters.Shape().Dimensions[1]%2 != 0 {
		Panicf("DiagonalGaussian parameters must have rank >= 2 and an even axis 1, got %s", parameters.Shape())
	}
	halves := Split(parameters, 1, 2)
	return FromMeanAndLogVar(halves[0], halves[1], deterministic)
}

// FromMeanAndLogVar creates a DiagonalGaussian from its mean and log-variance, which must have the same shape.
func FromMeanAndLogVar(mean, logVar *Node, deterministic bool) *DiagonalGaussian {
	if !mean.Shape().Equal(logVar.Shape()) {
		Panicf("DiagonalGaussian mean (%s) and log-variance (%s) must have the same shape", mean.Shape(), logVar.Shape())
	}
	d := &DiagonalGaussian{Mean: mean, Deterministic: deterministic}
	if deterministic {
		d.LogVar = AddScalar(ZerosLike(mean), MinLogVar)
		d.Std = ZerosLike(mean)
		d.Var = ZerosLike(mean)
		return d
	}
	d.LogVar = ClipScalar(logVar, MinLogVar, MaxLogVar)
	d.Std = Exp(MulScalar(d.LogVar, 0.5))
	d.Var = Exp(d.LogVar)
	return d
}

// Sample returns `Mean + Std * ε`, with ε drawn from a standard normal using the context's random number
// generator. For deterministic distributions it returns Mean.
func (d *DiagonalGaussian) Sample(ctx *context.Context) *Node {
	if d.Deterministic {
		return d.Mean
	}
	epsilon := ctx.RandomNormal(d.Mean.Graph(), d.Mean.Shape())
	return Add(d.Mean, Mul(d.Std, epsilon))
}

// Mode of the distribution, that is, its mean.
func (d *DiagonalGaussian) Mode() *Node {
	return d.Mean
}

// eventAxes returns all axes but the batch axis.
func (d *DiagonalGaussian) eventAxes() []int {
	axes := make([]int, 0, d.Mean.Rank()-1)
	for axis := 1; axis < d.Mean.Rank(); axis++ {
		axes = append(axes, axis)
	}
	return axes
}

// KL returns the Kullback-Leibler divergence KL(d ‖ other), summed over the event axes and shaped [batch].
// If other is nil, the standard normal is used.
func (d *DiagonalGaussian) KL(other *DiagonalGaussian) *Node {
	g := d.Mean.Graph()
	batchSize := d.Mean.Shape().Dimensions[0]
	if d.Deterministic {
		return Zeros(g, shapes.Make(d.Mean.DType(), batchSize))
	}
	var terms *Node
	if other == nil {
		// 0.5 * (μ² + σ² - 1 - log σ²)
		terms = Sub(Add(Square(d.Mean), d.Var), AddScalar(d.LogVar, 1.0))
	} else {
		// 0.5 * ((μ - μₒ)² / σₒ² + σ² / σₒ² - 1 - log σ² + log σₒ²)
		terms = Add(
			Div(Square(Sub(d.Mean, other.Mean)), other.Var),
			Div(d.Var, other.Var))
		terms = Sub(terms, AddScalar(Sub(d.LogVar, other.LogVar), 1.0))
	}
	return MulScalar(ReduceSum(terms, d.eventAxes()...), 0.5)
}

// NLL returns the negative log-likelihood of sample under d, summed over the event axes and shaped [batch].
func (d *DiagonalGaussian) NLL(sample *Node) *Node {
	g := d.Mean.Graph()
	batchSize := d.Mean.Shape().Dimensions[0]
	if d.Deterministic {
		return Zeros(g, shapes.Make(d.Mean.DType(), batchSize))
	}
	// 0.5 * (log 2π + log σ² + (x - μ)² / σ²)
	terms := Add(
		AddScalar(d.LogVar, math.Log(2*math.Pi)),
		Div(Square(Sub(sample, d.Mean)), d.Var))
	return MulScalar(ReduceSum(terms, d.eventAxes()...), 0.5)
}
