// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bigae

import (
	"github.com/gomlx/bigae/models/biggan"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// DecoderWrapper adapts the class-conditional BigGAN generator to continuous latents: the latent is mapped to
// a soft class embedding by ClassUp, and the generator is called with both.
//
// Variables are created under the scopes "map_to_class_embedding" (ClassUp) and "decoder" (the generator) of
// the context given to its methods.
type DecoderWrapper struct {
	config    Config
	generator *biggan.Generator
}

// NewDecoderWrapper creates the decoder for the configuration. The generator resolution is InSize: it returns
// an error wrapping biggan.ErrUnsupportedResolution if there is no generator for it.
func NewDecoderWrapper(config Config) (*DecoderWrapper, error) {
	config, err := config.withDefaults()
	if err != nil {
		return nil, err
	}
	generator, err := biggan.New(biggan.Config{
		Resolution: config.InSize,
		ZDim:       config.ZDim,
		NumClasses: config.EmbeddingDim,
		Channels:   config.DecoderChannels,
		UseActNorm: config.UseActNormInDecoder,
	})
	if err != nil {
		return nil, err
	}
	return &DecoderWrapper{config: config, generator: generator}, nil
}

// Generator used by the decoder.
func (d *DecoderWrapper) Generator() *biggan.Generator { return d.generator }

// ClassEmbedding returns the soft class embedding of the latent z, shaped [batch, EmbeddingDim].
func (d *DecoderWrapper) ClassEmbedding(ctx *context.Context, z *Node) *Node {
	return NewClassUp(ctx.In("map_to_class_embedding"), z, d.config.EmbeddingDim).
		Depth(ClassUpDepth).
		HiddenDim(2 * d.config.EmbeddingDim).
		Done()
}

// Decode the latent z, shaped [batch, ZDim] or [batch, ZDim, 1, 1], into images shaped
// [batch, 3, InSize, InSize] with values in [-1, 1].
//
// labels is accepted for compatibility with class-conditional callers and ignored: the class conditioning
// always comes from z. It may be nil.
func (d *DecoderWrapper) Decode(ctx *context.Context, z, labels *Node) *Node {
	_ = labels
	z = dropSpatialAxes(z)
	embedding := d.ClassEmbedding(ctx, z)
	return d.generator.Generate(ctx.In("decoder"), z, embedding)
}

// FinalOutputWeight returns the un-normalized weight of the generator's final RGB convolution, or nil if it
// wasn't created yet. ctx must be in the same scope as the one given to Decode.
func (d *DecoderWrapper) FinalOutputWeight(ctx *context.Context) *context.Variable {
	return d.generator.FinalOutputWeight(ctx.In("decoder"))
}
