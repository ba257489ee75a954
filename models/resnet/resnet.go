// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package resnet implements the ResNet-18, -34, -50 and -101 convolutional backbones (He et al., 2015, in the
// "v1.5" variant where the bottleneck's stride is applied on the 3x3 convolution) as feature extractors.
//
// Images are channels-first, shaped [batch, 3, height, width]. The classification head (global average pooling
// and the fully connected layer) is not part of the backbone: Backbone.Features returns the output of the last
// residual stage, shaped [batch, OutputChannels(), height/32, width/32] (rounded up).
//
// Variables are created in scopes named after the PyTorch (torchvision) modules, e.g. "conv1", "bn1",
// "layer2/0/conv1", "layer2/0/downsample/0", so that torchvision state dicts map onto them directly (see
// package torchload).
//
// Example:
//
//	backbone := must.M1(resnet.New(resnet.ResNet50, norms.Batch))
//	features := backbone.Features(ctx.In("model"), resnet.PreprocessImages(images))
package resnet

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/bigae/pkg/ml/layers/norms"
	"github.com/gomlx/bigae/pkg/ml/layers/torchnn"
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/pkg/errors"
)

// FeatureExtractor is a convolutional backbone that maps images to a spatial feature map.
type FeatureExtractor interface {
	// Features returns the feature map for images shaped [batch, channels, height, width]. The output is shaped
	// [batch, OutputChannels(), ceil(height/ReductionFactor()), ceil(width/ReductionFactor())].
	Features(ctx *context.Context, images *Node) *Node

	// OutputChannels is the number of channels of the feature map.
	OutputChannels() int

	// ReductionFactor is the ratio between the input and the feature map spatial dimensions.
	ReductionFactor() int
}

// Type of ResNet. The zero value is not valid.
type Type int

const (
	Invalid Type = iota
	ResNet18
	ResNet34
	ResNet50
	ResNet101
)

// ErrUnknownType is returned for names that don't match any of the supported ResNet depths.
var ErrUnknownType = errors.New("unknown resnet type")

// DefaultType used when none is configured.
const DefaultType = ResNet50

// blocksPerStage for each Type.
var blocksPerStage = map[Type][4]int{
	ResNet18:  {2, 2, 2, 2},
	ResNet34:  {3, 4, 6, 3},
	ResNet50:  {3, 4, 6, 3},
	ResNet101: {3, 4, 23, 3},
}

// ParseType parses names like "resnet18" or "resnet101" (case-insensitive).
func ParseType(name string) (Type, error) {
	lower := strings.ToLower(name)
	if depth, found := strings.CutPrefix(lower, "resnet"); found {
		if n, err := strconv.Atoi(depth); err == nil {
			for t := range blocksPerStage {
				if t.Depth() == n {
					return t, nil
				}
			}
		}
	}
	return Invalid, errors.Wrapf(ErrUnknownType, "%q (valid values are resnet18, resnet34, resnet50 and resnet101)", name)
}

// Depth returns the number of layers of the ResNet: 18, 34, 50 or 101. It returns 0 for invalid types.
func (t Type) Depth() int {
	switch t {
	case ResNet18:
		return 18
	case ResNet34:
		return 34
	case ResNet50:
		return 50
	case ResNet101:
		return 101
	default:
		return 0
	}
}

// String returns the name of the type, e.g. "resnet50".
func (t Type) String() string {
	if t.Depth() == 0 {
		return fmt.Sprintf("Type(%d)", int(t))
	}
	return fmt.Sprintf("resnet%d", t.Depth())
}

// Valid returns whether t is one of the supported types.
func (t Type) Valid() bool {
	return t.Depth() != 0
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(text []byte) error {
	parsed, err := ParseType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Set implements flag.Value.
func (t *Type) Set(name string) error {
	return t.UnmarshalText([]byte(name))
}

// Bottleneck returns whether the type uses bottleneck blocks (ResNet-50 and deeper) instead of basic blocks.
func (t Type) Bottleneck() bool {
	return t == ResNet50 || t == ResNet101
}

// Expansion is the ratio between a block's output channels and its "planes".
func (t Type) Expansion() int {
	if t.Bottleneck() {
		return 4
	}
	return 1
}

// DefaultBaseChannels is the number of channels of the stem convolution in the standard ResNets.
const DefaultBaseChannels = 64

// Backbone implements FeatureExtractor for one of the ResNet types.
type Backbone struct {
	kind         Type
	norm         norms.Kind
	baseChannels int
}

var _ FeatureExtractor = (*Backbone)(nil)

// New creates a ResNet backbone of the given type, using the given normalization after every convolution.
func New(kind Type, norm norms.Kind) (*Backbone, error) {
	if !kind.Valid() {
		return nil, errors.Wrapf(ErrUnknownType, "%s", kind)
	}
	if !norm.Valid() {
		return nil, errors.Wrapf(norms.ErrUnknownNorm, "%s", norm)
	}
	return &Backbone{kind: kind, norm: norm, baseChannels: DefaultBaseChannels}, nil
}

// WithBaseChannels scales the width of the whole network: the stem has baseChannels channels and each stage
// doubles it. The default is DefaultBaseChannels; pretrained weights require the default.
func (b *Backbone) WithBaseChannels(baseChannels int) *Backbone {
	if baseChannels <= 0 {
		Panicf("resnet: invalid baseChannels %d", baseChannels)
	}
	b.baseChannels = baseChannels
	return b
}

// Type of the backbone.
func (b *Backbone) Type() Type { return b.kind }

// Norm used by the backbone.
func (b *Backbone) Norm() norms.Kind { return b.norm }

// OutputChannels implements FeatureExtractor.
func (b *Backbone) OutputChannels() int {
	return 8 * b.baseChannels * b.kind.Expansion()
}

// ReductionFactor implements FeatureExtractor.
func (b *Backbone) ReductionFactor() int {
	return 32
}

// Features implements FeatureExtractor: the stem followed by the four residual stages.
//
// images should already be normalized, see PreprocessImages.
func (b *Backbone) Features(ctx *context.Context, images *Node) *Node {
	if images.Rank() != 4 {
		Panicf("resnet.Features expects images shaped [batch, channels, height, width], got %s", images.Shape())
	}
	x := b.Stem(ctx, images)
	inChannels := b.baseChannels
	for stage, numBlocks := range blocksPerStage[b.kind] {
		planes := b.baseChannels << stage
		stride := 2
		if stage == 0 {
			stride = 1
		}
		stageCtx := ctx.Inf("layer%d", stage+1)
		for blockIdx := range numBlocks {
			blockCtx := stageCtx.Inf("%d", blockIdx)
			if b.kind.Bottleneck() {
				x = b.bottleneckBlock(blockCtx, x, inChannels, planes, stride)
			} else {
				x = b.basicBlock(blockCtx, x, inChannels, planes, stride)
			}
			inChannels = planes * b.kind.Expansion()
			stride = 1
		}
	}
	return x
}

// Stem applies the 7x7 strided convolution, normalization, ReLU and max-pooling: it reduces the spatial
// dimensions by 4.
func (b *Backbone) Stem(ctx *context.Context, images *Node) *Node {
	x := torchnn.Conv2D(ctx.In("conv1"), images).
		Channels(b.baseChannels).KernelSize(7).Stride(2).Padding(3).UseBias(false).Done()
	x = b.norm.Apply(ctx.In("bn1"), x)
	x = activations.Relu(x)
	return maxPoolWithPadding(x)
}

// maxPoolWithPadding is a 3x3 max-pool with stride 2 and padding 1 on each side, where the padding never wins.
func maxPoolWithPadding(x *Node) *Node {
	g := x.Graph()
	fill := Infinity(g, x.DType(), -1)
	x = Pad(x, fill, PadAxis{}, PadAxis{}, PadAxis{Start: 1, End: 1}, PadAxis{Start: 1, End: 1})
	return MaxPool(x).ChannelsAxis(images.ChannelsFirst).Window(3).Strides(2).NoPadding().Done()
}

// convNorm is a convolution without bias followed by the backbone's normalization. Scopes are numbered
// like PyTorch's: conv{n} and bn{n}.
func (b *Backbone) convNorm(ctx *context.Context, x *Node, n, channels, kernelSize, stride int) *Node {
	x = torchnn.Conv2D(ctx.Inf("conv%d", n), x).
		Channels(channels).KernelSize(kernelSize).Stride(stride).Padding(kernelSize / 2).UseBias(false).Done()
	return b.norm.Apply(ctx.Inf("bn%d", n), x)
}

// shortcut returns x itself, or its projection ("downsample" in PyTorch) when the shape changes.
func (b *Backbone) shortcut(ctx *context.Context, x *Node, inChannels, outChannels, stride int) *Node {
	if stride == 1 && inChannels == outChannels {
		return x
	}
	downsampleCtx := ctx.In("downsample")
	x = torchnn.Conv2D(downsampleCtx.In("0"), x).
		Channels(outChannels).KernelSize(1).Stride(stride).UseBias(false).Done()
	return b.norm.Apply(downsampleCtx.In("1"), x)
}

// basicBlock used by ResNet-18 and ResNet-34: two 3x3 convolutions.
func (b *Backbone) basicBlock(ctx *context.Context, x *Node, inChannels, planes, stride int) *Node {
	residual := b.shortcut(ctx, x, inChannels, planes, stride)
	x = activations.Relu(b.convNorm(ctx, x, 1, planes, 3, stride))
	x = b.convNorm(ctx, x, 2, planes, 3, 1)
	return activations.Relu(Add(x, residual))
}

// bottleneckBlock used by ResNet-50 and deeper: 1x1 reduction, 3x3 (strided) and 1x1 expansion.
func (b *Backbone) bottleneckBlock(ctx *context.Context, x *Node, inChannels, planes, stride int) *Node {
	outChannels := planes * b.kind.Expansion()
	residual := b.shortcut(ctx, x, inChannels, outChannels, stride)
	x = activations.Relu(b.convNorm(ctx, x, 1, planes, 1, 1))
	x = activations.Relu(b.convNorm(ctx, x, 2, planes, 3, stride))
	x = b.convNorm(ctx, x, 3, outChannels, 1, 1)
	return activations.Relu(Add(x, residual))
}

// GlobalAveragePool reduces the spatial axes of a channels-first feature map to 1x1.
func GlobalAveragePool(x *Node) *Node {
	return ReduceAndKeep(x, ReduceMean, 2, 3)
}
