// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package torchnn

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// grid3x3 is a single 3x3 image with values 1 to 9.
func grid3x3() *tensors.Tensor {
	return tensors.FromValue([][][][]float32{{{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}}}})
}

func TestConv2D(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	t.Run("bias", func(t *testing.T) {
		ctx := context.New()
		convCtx := ctx.In("conv")
		convCtx.VariableWithValue(WeightName, [][][][]float32{{{{1, 1}, {1, 1}}}})
		convCtx.VariableWithValue(BiasName, []float32{10})
		exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
			return Conv2D(ctx.In("conv"), x).Channels(1).KernelSize(2).Done()
		})
		output := exec.MustExec(grid3x3())[0]
		assert.Equal(t, [][][][]float32{{{{22, 26}, {34, 38}}}}, output.Value())
	})

	t.Run("padding and stride", func(t *testing.T) {
		ctx := context.New()
		ctx.In("conv").VariableWithValue(WeightName, [][][][]float32{{{{1, 1, 1}, {1, 1, 1}, {1, 1, 1}}}})
		exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
			return Conv2D(ctx.In("conv"), x).Channels(1).KernelSize(3).Padding(1).Stride(2).UseBias(false).Done()
		})
		output := exec.MustExec(grid3x3())[0]
		assert.Equal(t, [][][][]float32{{{{12, 16}, {24, 28}}}}, output.Value())
		assert.Nil(t, ctx.GetVariableByScopeAndName("/conv", BiasName))
	})

	t.Run("variable layout", func(t *testing.T) {
		ctx := context.New()
		exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
			return Conv2D(ctx.In("conv"), x).Channels(4).KernelSize(3).Padding(1).Done()
		})
		x := tensors.FromShape(shapes.Make(dtypes.Float32, 2, 2, 5, 5))
		output := exec.MustExec(x)[0]
		assert.Equal(t, []int{2, 4, 5, 5}, output.Shape().Dimensions)
		weight := ctx.GetVariableByScopeAndName("/conv", WeightName)
		require.NotNil(t, weight)
		assert.Equal(t, []int{4, 2, 3, 3}, weight.Shape().Dimensions)
		bias := ctx.GetVariableByScopeAndName("/conv", BiasName)
		require.NotNil(t, bias)
		assert.Equal(t, []int{4}, bias.Shape().Dimensions)
	})

	t.Run("invalid", func(t *testing.T) {
		exec := context.MustNewExec(backend, context.New(), func(ctx *context.Context, x *Node) *Node {
			return Conv2D(ctx, x).KernelSize(3).Done()
		})
		_, err := exec.Exec(grid3x3())
		require.Error(t, err, "channels not set")
	})
}

func TestLinear(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.In("fc").VariableWithValue(WeightName, [][]float32{{1, 2}, {3, 4}, {5, 6}})
	ctx.In("fc").VariableWithValue(BiasName, []float32{1, 1, 1})
	ctx.In("no_bias").VariableWithValue(WeightName, [][]float32{{1, 0}, {0, -1}})
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) []*Node {
		return []*Node{
			Linear(ctx.In("fc"), x, 3, true),
			Linear(ctx.In("no_bias"), x, 2, false),
		}
	})
	outputs := exec.MustExec([][]float32{{1, 1}, {2, 0}})
	assert.Equal(t, [][]float32{{4, 8, 12}, {3, 7, 11}}, outputs[0].Value())
	assert.Equal(t, [][]float32{{1, -1}, {2, 0}}, outputs[1].Value())
	assert.Nil(t, ctx.GetVariableByScopeAndName("/no_bias", BiasName))
}

func TestApplyLinear(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	// Rank-3 input: only the last axis is contracted.
	output, err := ExecOnce(backend, func(x, weight, bias *Node) *Node {
		return ApplyLinear(x, weight, bias)
	}, [][][]float32{{{1, 1}, {2, 0}}, {{0, 1}, {1, 0}}}, [][]float32{{1, 2}, {3, 4}, {5, 6}}, []float32{1, 0, -1})
	require.NoError(t, err)
	assert.Equal(t, [][][]float32{{{4, 7, 10}, {3, 6, 9}}, {{3, 4, 5}, {2, 3, 4}}}, output.Value())
}

func TestBatchNorm2D(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return BatchNorm2D(ctx.In("bn"), x).Done()
	})
	input := tensors.FromValue([][][][]float32{{{{1, 2}, {3, 4}}, {{-1, -2}, {-3, -4}}}})
	output := exec.MustExec(input)[0]

	// Outside training the initial running statistics (mean 0, variance 1) are used.
	want := tensors.MustCopyFlatData[float32](input)
	got := tensors.MustCopyFlatData[float32](output)
	require.Len(t, got, len(want))
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-4)
	}
	for _, name := range []string{"scale", "offset", "mean", "variance"} {
		v := ctx.GetVariableByScopeAndName("/bn", name)
		require.NotNil(t, v, "variable %q", name)
		assert.Equal(t, []int{2}, v.Shape().Dimensions, "variable %q", name)
	}
}
