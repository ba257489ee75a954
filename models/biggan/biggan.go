// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package biggan implements a class-conditional BigGAN generator (Brock et al., 2018) for square images of
// 64, 128, 256 or 512 pixels, with spectrally normalized weights, conditional normalization and one
// self-attention layer.
//
// The class conditioning is a dense vector (e.g. a soft class distribution), not a class index: it is linearly
// projected to a 128-dimensional embedding, which is concatenated with a chunk of the latent for each block.
//
// Variables are created in scopes named after the PyTorch modules of the reference generator, so pretrained
// state dicts map onto them (see package torchload). Spectrally normalized layers keep their weights under an
// extra "module" scope, as in PyTorch's spectral normalization wrapper.
//
// Images are generated channels-first, shaped [batch, 3, resolution, resolution], with values in [-1, 1].
package biggan

import (
	"fmt"
	"slices"

	"github.com/gomlx/bigae/pkg/ml/layers/actnorm"
	"github.com/gomlx/bigae/pkg/ml/layers/spectralnorm"
	"github.com/gomlx/bigae/pkg/ml/layers/torchnn"
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/pkg/errors"
)

const (
	// DefaultChannels is the base number of channels ("ch") of the generator.
	DefaultChannels = 96

	// DefaultNumClasses is the width of the class conditioning vector.
	DefaultNumClasses = 1000

	// ClassEmbeddingDim is the size of the projected class embedding.
	ClassEmbeddingDim = 128

	// ChunkDim is the size of each latent chunk: one for the initial projection and one per block.
	ChunkDim = 20

	// InitialSize is the spatial size of the initial projection of the latent.
	InitialSize = 4

	// FinalNormEpsilon is the epsilon of the batch normalization before the RGB projection.
	FinalNormEpsilon = 1e-4
)

// ErrUnsupportedResolution is returned for resolutions without an architecture.
var ErrUnsupportedResolution = errors.New("unsupported BigGAN resolution")

// architecture of the generator for one resolution: the channel multipliers of the output of each block
// (the input of the first block is 16*ch) and the resolution at which self-attention is applied.
type architecture struct {
	outMultipliers      []int
	attentionResolution int
}

var architectures = map[int]architecture{
	64:  {outMultipliers: []int{16, 8, 4, 2}, attentionResolution: 32},
	128: {outMultipliers: []int{16, 8, 4, 2, 1}, attentionResolution: 64},
	256: {outMultipliers: []int{16, 8, 8, 4, 2, 1}, attentionResolution: 128},
	512: {outMultipliers: []int{16, 8, 8, 4, 2, 1, 1}, attentionResolution: 64},
}

// SupportedResolutions returns the sorted list of supported image resolutions.
func SupportedResolutions() []int {
	resolutions := make([]int, 0, len(architectures))
	for resolution := range architectures {
		resolutions = append(resolutions, resolution)
	}
	slices.Sort(resolutions)
	return resolutions
}

// Config of the generator.
type Config struct {
	// Resolution of the generated images: one of SupportedResolutions().
	Resolution int

	// ZDim is the size of the latent. If it is not ChunkDim*(NumBlocks()+1), the latent is first projected
	// to that size.
	ZDim int

	// NumClasses is the width of the class conditioning vector. Defaults to DefaultNumClasses.
	NumClasses int

	// Channels is the base number of channels. Defaults to DefaultChannels.
	Channels int

	// UseActNorm replaces the batch normalizations by activation normalizations (see package actnorm).
	UseActNorm bool
}

// Generator is a BigGAN generator. It holds only the configuration: variables live in the context passed to
// Generate.
type Generator struct {
	config Config
	arch   architecture
}

// New validates the configuration, filling in defaults, and returns a generator.
func New(config Config) (*Generator, error) {
	arch, found := architectures[config.Resolution]
	if !found {
		return nil, errors.Wrapf(ErrUnsupportedResolution, "resolution %d (supported: %v)",
			config.Resolution, SupportedResolutions())
	}
	if config.ZDim <= 0 {
		return nil, errors.Errorf("biggan: invalid ZDim %d", config.ZDim)
	}
	if config.NumClasses == 0 {
		config.NumClasses = DefaultNumClasses
	}
	if config.Channels == 0 {
		config.Channels = DefaultChannels
	}
	if config.NumClasses < 0 || config.Channels < 0 {
		return nil, errors.Errorf("biggan: invalid NumClasses=%d or Channels=%d", config.NumClasses, config.Channels)
	}
	return &Generator{config: config, arch: arch}, nil
}

// Config returns the configuration of the generator, with defaults filled in.
func (gen *Generator) Config() Config { return gen.config }

// NumBlocks returns the number of up-sampling residual blocks.
func (gen *Generator) NumBlocks() int { return len(gen.arch.outMultipliers) }

// LatentDim is the size of the latent after the (optional) projection: one chunk per block plus one.
func (gen *Generator) LatentDim() int { return ChunkDim * (gen.NumBlocks() + 1) }

// String implements fmt.Stringer.
func (gen *Generator) String() string {
	return fmt.Sprintf("BigGAN(resolution=%d, z=%d, classes=%d, ch=%d, actnorm=%v)",
		gen.config.Resolution, gen.config.ZDim, gen.config.NumClasses, gen.config.Channels, gen.config.UseActNorm)
}

// Generate images from the latent z, shaped [batch, ZDim], and the class conditioning vector, shaped
// [batch, NumClasses].
//
// It returns images shaped [batch, 3, Resolution, Resolution] in [-1, 1].
func (gen *Generator) Generate(ctx *context.Context, z, classes *Node) *Node {
	cfg := gen.config
	if z.Rank() != 2 || z.Shape().Dimensions[1] != cfg.ZDim {
		Panicf("biggan.Generate expects z shaped [batch, %d], got %s", cfg.ZDim, z.Shape())
	}
	if classes.Rank() != 2 || classes.Shape().Dimensions[1] != cfg.NumClasses {
		Panicf("biggan.Generate expects classes shaped [batch, %d], got %s", cfg.NumClasses, classes.Shape())
	}
	batchSize := z.Shape().Dimensions[0]
	ch := cfg.Channels

	if cfg.ZDim != gen.LatentDim() {
		z = torchnn.Linear(ctx.In("z_proj"), z, gen.LatentDim(), true)
	}
	codes := Split(z, 1, gen.NumBlocks()+1)
	classEmbedding := torchnn.Linear(ctx.In("linear"), classes, ClassEmbeddingDim, false)

	firstChannels := gen.arch.outMultipliers[0] * ch
	x := spectralnorm.Linear(ctx.In("G_linear").In("module"), codes[0], InitialSize*InitialSize*firstChannels, true)
	x = Reshape(x, batchSize, InitialSize, InitialSize, firstChannels)
	x = TransposeAllAxes(x, 0, 3, 1, 2)

	blocksCtx := ctx.In("GBlock")
	resolution := InitialSize
	for blockIdx, multiplier := range gen.arch.outMultipliers {
		if resolution == gen.arch.attentionResolution {
			x = selfAttention(ctx.In("attention"), x)
		}
		condition := Concatenate([]*Node{codes[blockIdx+1], classEmbedding}, 1)
		x = gen.block(blocksCtx.Inf("%d", blockIdx), x, condition, multiplier*ch)
		resolution *= 2
	}

	finalNormCtx := ctx.In("ScaledCrossReplicaBN")
	if cfg.UseActNorm {
		x = actnorm.New(finalNormCtx, x).Done()
	} else {
		x = torchnn.BatchNorm2D(finalNormCtx, x).Epsilon(FinalNormEpsilon).Done()
	}
	x = activations.Relu(x)
	x = spectralnorm.Conv2D(colorizeScope(ctx), x).Channels(3).KernelSize(3).Padding(1).Done()
	return Tanh(x)
}

// colorizeScope is the scope of the final RGB projection.
func colorizeScope(ctx *context.Context) *context.Context {
	return ctx.In("colorize").In("module")
}

// FinalOutputWeight returns the un-normalized weight ("weight_bar") of the final RGB convolution, shaped
// [3, Channels*lastMultiplier, 3, 3]. It returns nil if the generator graph was never built (or loaded) in ctx.
//
// ctx must be in the same scope as the one passed to Generate.
func (gen *Generator) FinalOutputWeight(ctx *context.Context) *context.Variable {
	return spectralnorm.WeightBar(colorizeScope(ctx))
}
