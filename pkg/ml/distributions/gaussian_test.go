// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributions

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestDiagonalGaussianParameters(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := context.MustNewExec(backend, nil, func(ctx *context.Context, params *Node) []*Node {
		d := NewDiagonalGaussian(params, false)
		return []*Node{d.Mean, d.LogVar, d.Std, d.Var}
	})
	outputs := exec.MustExec([][]float32{{1, 2, 0, 100}, {3, 4, -100, 2}})
	assert.Equal(t, [][]float32{{1, 2}, {3, 4}}, outputs[0].Value())
	assert.Equal(t, [][]float32{{0, MaxLogVar}, {MinLogVar, 2}}, outputs[1].Value())
	std := tensors.MustCopyFlatData[float32](outputs[2])
	variance := tensors.MustCopyFlatData[float32](outputs[3])
	assert.InDelta(t, 1.0, std[0], 1e-6)
	assert.InDelta(t, math.Exp(10), std[1], 1e-1)
	assert.InDelta(t, math.E*math.E, variance[3], 1e-4)
}

func TestDiagonalGaussianDeterministic(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := context.MustNewExec(backend, nil, func(ctx *context.Context, params *Node) []*Node {
		d := NewDiagonalGaussian(params, true)
		return []*Node{d.Sample(ctx), d.Mode(), d.LogVar, d.Std, d.KL(nil), d.NLL(d.Mean)}
	})
	params := [][]float32{{0.25, -1.5, 3, 7}}
	first := exec.MustExec(params)
	second := exec.MustExec(params)
	assert.Equal(t, [][]float32{{0.25, -1.5}}, first[0].Value())
	assert.Equal(t, first[0].Value(), second[0].Value())
	assert.Equal(t, first[1].Value(), first[0].Value())
	assert.Equal(t, [][]float32{{MinLogVar, MinLogVar}}, first[2].Value())
	assert.Equal(t, [][]float32{{0, 0}}, first[3].Value())
	assert.Equal(t, []float32{0}, first[4].Value())
	assert.Equal(t, []float32{0}, first[5].Value())
}

func TestDiagonalGaussianSample(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetRNGStateFromSeed(42)
	const numSamples = 20000
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, params *Node) *Node {
		d := NewDiagonalGaussian(params, false)
		return d.Sample(ctx)
	})
	// Mean 1.5, log-variance log(0.25), so std 0.5.
	params := make([][]float32, numSamples)
	for ii := range params {
		params[ii] = []float32{1.5, float32(math.Log(0.25))}
	}
	first := tensors.MustCopyFlatData[float32](exec.MustExec(params)[0])
	second := tensors.MustCopyFlatData[float32](exec.MustExec(params)[0])
	require.NotEqual(t, first, second)

	var sum, sumSquares float64
	for _, v := range first {
		sum += float64(v)
		sumSquares += float64(v) * float64(v)
	}
	mean := sum / numSamples
	variance := sumSquares/numSamples - mean*mean
	assert.InDelta(t, 1.5, mean, 0.02)
	assert.InDelta(t, 0.25, variance, 0.02)
}

func TestDiagonalGaussianKLAndNLL(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := context.MustNewExec(backend, nil, func(ctx *context.Context, params, sample *Node) (*Node, *Node, *Node) {
		d := NewDiagonalGaussian(params, false)
		return d.KL(nil), d.KL(d), d.NLL(sample)
	})
	// Two event dimensions: mean (1, 0), log-variance (0, log 2).
	params := [][]float32{{1, 0, 0, float32(math.Log(2))}}
	outputs := exec.MustExec(params, [][]float32{{1, 2}})

	wantKL := 0.5 * ((1 + 1 - 1 - 0) + (0 + 2 - 1 - math.Log(2)))
	assert.InDelta(t, wantKL, tensors.MustCopyFlatData[float32](outputs[0])[0], 1e-5)
	assert.InDelta(t, 0.0, tensors.MustCopyFlatData[float32](outputs[1])[0], 1e-6)

	log2Pi := math.Log(2 * math.Pi)
	wantNLL := 0.5 * ((log2Pi + 0 + 0) + (log2Pi + math.Log(2) + 4.0/2.0))
	assert.InDelta(t, wantNLL, tensors.MustCopyFlatData[float32](outputs[2])[0], 1e-5)
}
