// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bigae

import (
	"github.com/gomlx/bigae/pkg/ml/layers/torchnn"
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// ClassUpLeakyReluAlpha is the negative slope of the ClassUp activations.
const ClassUpLeakyReluAlpha = 0.01

// ClassUpConfig is created by NewClassUp. Call Done when finished configuring it.
type ClassUpConfig struct {
	ctx        *context.Context
	x          *Node
	outDim     int
	depth      int
	hiddenDim  int
	useSigmoid bool
}

// NewClassUp maps a latent x, shaped [batch, dim] or [batch, dim, 1, 1], to a soft class embedding shaped
// [batch, outDim]: non-negative values that sum to 1 on each row.
//
// It is a multi-layer perceptron with leaky-ReLU activations followed by a softmax. Defaults: depth 2,
// hidden dimension 2*outDim, no sigmoid.
//
// Layers are numbered as in the equivalent PyTorch "main" sequential module: linear layers are
// "main/0", "main/2", ..., and activations take the odd indices.
func NewClassUp(ctx *context.Context, x *Node, outDim int) *ClassUpConfig {
	return &ClassUpConfig{
		ctx:       ctx,
		x:         x,
		outDim:    outDim,
		depth:     ClassUpDepth,
		hiddenDim: 2 * outDim,
	}
}

// Depth sets the number of hidden blocks (linear + activation) after the input projection.
func (c *ClassUpConfig) Depth(depth int) *ClassUpConfig {
	c.depth = depth
	return c
}

// HiddenDim sets the width of the hidden layers.
func (c *ClassUpConfig) HiddenDim(hiddenDim int) *ClassUpConfig {
	c.hiddenDim = hiddenDim
	return c
}

// UseSigmoid applies a sigmoid before the softmax.
func (c *ClassUpConfig) UseSigmoid(useSigmoid bool) *ClassUpConfig {
	c.useSigmoid = useSigmoid
	return c
}

// Done builds the graph and returns the soft class embedding.
func (c *ClassUpConfig) Done() *Node {
	if c.outDim <= 0 || c.hiddenDim <= 0 || c.depth < 0 {
		Panicf("ClassUp: invalid configuration outDim=%d, hiddenDim=%d, depth=%d", c.outDim, c.hiddenDim, c.depth)
	}
	x := dropSpatialAxes(c.x)
	mainCtx := c.ctx.In("main")
	layerIdx := 0
	linear := func(x *Node, outDim int) *Node {
		x = torchnn.Linear(mainCtx.Inf("%d", layerIdx), x, outDim, true)
		layerIdx++
		return x
	}
	activation := func(x *Node) *Node {
		layerIdx++
		return activations.LeakyReluWithAlpha(x, ClassUpLeakyReluAlpha)
	}

	x = activation(linear(x, c.hiddenDim))
	for range c.depth {
		x = activation(linear(x, c.hiddenDim))
	}
	x = linear(x, c.outDim)
	if c.useSigmoid {
		x = Sigmoid(x)
	}
	return Softmax(x, 1)
}

// dropSpatialAxes reshapes a latent shaped [batch, dim, 1, 1] to [batch, dim]. Rank-2 latents are returned as is.
func dropSpatialAxes(x *Node) *Node {
	switch x.Rank() {
	case 2:
		return x
	case 4:
		dims := x.Shape().Dimensions
		if dims[2] != 1 || dims[3] != 1 {
			Panicf("latent must be shaped [batch, dim] or [batch, dim, 1, 1], got %s", x.Shape())
		}
		return Reshape(x, dims[0], dims[1])
	default:
		Panicf("latent must be shaped [batch, dim] or [batch, dim, 1, 1], got %s", x.Shape())
		return nil
	}
}
