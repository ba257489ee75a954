// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bigae

import (
	"fmt"

	"github.com/gomlx/bigae/models/biggan"
	"github.com/gomlx/bigae/models/resnet"
	"github.com/gomlx/bigae/pkg/ml/layers/norms"
	"github.com/pkg/errors"
)

const (
	// DefaultInSize is the default input (and output) image size.
	DefaultInSize = 128

	// ClassEmbeddingDim is the width of the soft class embedding fed to the generator.
	ClassEmbeddingDim = 1000

	// ClassUpDepth is the number of hidden blocks of the decoder's ClassUp.
	ClassUpDepth = 2
)

// Config of a BigAE model. It is read-only after the model is constructed.
type Config struct {
	// ZDim is the latent dimensionality. Required.
	ZDim int

	// InSize is the height of the input images, and the size of the (square) output images. Default 128.
	InSize int

	// InWidth is the width of the input images. If 0, InSize is used. A width leading to a non-square
	// backbone feature map is rejected with ErrNonSquareFeatures.
	InWidth int

	// Norm used in the encoder backbone. Default norms.Batch.
	Norm norms.Kind

	// Backbone type of the encoder. Default resnet.ResNet50.
	Backbone resnet.Type

	// Pretrained makes New load component-level pretrained weights: the ImageNet backbone
	// (BackboneCheckpointName) and the BigGAN generator (GeneratorCheckpointName). The dense head and the
	// ClassUp keep their random initialization.
	Pretrained bool

	// UseActNormInDecoder replaces the batch normalizations of the generator by activation normalizations.
	UseActNormInDecoder bool

	// Deterministic makes the latent distribution a point mass at its mean.
	Deterministic bool

	// GlobalPool keeps the backbone's global average pooling before the dense head, so the head's kernel is 1x1.
	// Otherwise, the head's kernel covers the whole backbone feature map.
	GlobalPool bool

	// WidthMultiplier of the dense head's derived input channels, see HeadInputChannels. Default 1.
	WidthMultiplier float64

	// BackboneChannels scales the width of the backbone (see resnet.Backbone.WithBaseChannels).
	// Default resnet.DefaultBaseChannels; pretrained weights require the default.
	BackboneChannels int

	// DecoderChannels is the base number of channels of the generator. Default biggan.DefaultChannels.
	DecoderChannels int

	// EmbeddingDim is the width of the soft class embedding. Default ClassEmbeddingDim.
	EmbeddingDim int
}

// withDefaults returns a copy of the configuration with the defaults filled in, or an error if it is invalid.
func (c Config) withDefaults() (Config, error) {
	if c.ZDim <= 0 {
		return c, errors.Errorf("bigae: ZDim must be > 0, got %d", c.ZDim)
	}
	if c.InSize == 0 {
		c.InSize = DefaultInSize
	}
	if c.InWidth == 0 {
		c.InWidth = c.InSize
	}
	if c.InSize < 0 || c.InWidth < 0 {
		return c, errors.Errorf("bigae: invalid input size %dx%d", c.InSize, c.InWidth)
	}
	if c.Norm == norms.Invalid {
		c.Norm = norms.Batch
	}
	if !c.Norm.Valid() {
		return c, errors.Wrapf(norms.ErrUnknownNorm, "%s", c.Norm)
	}
	if c.Backbone == resnet.Invalid {
		c.Backbone = resnet.DefaultType
	}
	if !c.Backbone.Valid() {
		return c, errors.Wrapf(resnet.ErrUnknownType, "%s", c.Backbone)
	}
	if c.WidthMultiplier == 0 {
		c.WidthMultiplier = 1
	}
	if c.BackboneChannels == 0 {
		c.BackboneChannels = resnet.DefaultBaseChannels
	}
	if c.DecoderChannels == 0 {
		c.DecoderChannels = biggan.DefaultChannels
	}
	if c.EmbeddingDim == 0 {
		c.EmbeddingDim = ClassEmbeddingDim
	}
	if c.WidthMultiplier < 0 || c.BackboneChannels < 0 || c.DecoderChannels < 0 || c.EmbeddingDim < 0 {
		return c, errors.Errorf("bigae: invalid negative configuration %+v", c)
	}
	return c, nil
}

// String implements fmt.Stringer.
func (c Config) String() string {
	return fmt.Sprintf("{z=%d, in=%dx%d, norm=%s, backbone=%s, pretrained=%v, decoder_actnorm=%v, deterministic=%v}",
		c.ZDim, c.InSize, c.InWidth, c.Norm, c.Backbone, c.Pretrained, c.UseActNormInDecoder, c.Deterministic)
}
