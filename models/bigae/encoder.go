// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bigae

import (
	"math"

	"github.com/gomlx/bigae/models/resnet"
	"github.com/gomlx/bigae/pkg/ml/layers/torchnn"
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrNonSquareFeatures is raised when the backbone feature map for the configured input size is not square:
// the dense head collapses it with a single square kernel.
var ErrNonSquareFeatures = errors.New("backbone feature map is not square")

// HeadBaseChannels is the channel count of the first scale in HeadInputChannels.
const HeadBaseChannels = 64

// HeadInputChannels derives the number of input channels of the dense head from the scale of the feature map:
// widthMultiplier * 64 * min(2^(scale-1), 16), truncated. Scale 0 gives 32.
func HeadInputChannels(scale int, widthMultiplier float64) int {
	factor := math.Min(math.Pow(2, float64(scale-1)), 16)
	return int(widthMultiplier * HeadBaseChannels * factor)
}

// DenseEncoderLayer collapses the feature map x, shaped [batch, channels, spatialSize, spatialSize], into a
// flat encoding shaped [batch, outSize], with one convolution whose kernel covers the whole feature map
// (stride 1, no padding, with bias).
//
// The number of input channels is inChannels if > 0, otherwise it is derived with
// HeadInputChannels(scale, widthMultiplier). Either way it must match x.
//
// The convolution is created in the scope "sub_layers/0" of ctx.
func DenseEncoderLayer(ctx *context.Context, x *Node, scale, spatialSize, outSize, inChannels int, widthMultiplier float64) *Node {
	if inChannels <= 0 {
		inChannels = HeadInputChannels(scale, widthMultiplier)
	}
	if x.Rank() != 4 || x.Shape().Dimensions[1] != inChannels ||
		x.Shape().Dimensions[2] != spatialSize || x.Shape().Dimensions[3] != spatialSize {
		Panicf("DenseEncoderLayer expects features shaped [batch, %d, %d, %d], got %s",
			inChannels, spatialSize, spatialSize, x.Shape())
	}
	x = torchnn.Conv2D(ctx.In("sub_layers").In("0"), x).
		Channels(outSize).KernelSize(spatialSize).UseBias(true).Done()
	return Reshape(x, x.Shape().Dimensions[0], outSize)
}

// ResnetEncoder maps images to the parameters of the latent distribution: a ResNet backbone followed by
// the dense head.
//
// Variables are created under the scope "model" of the context given to its methods: the backbone directly,
// and the head under "model/fc".
type ResnetEncoder struct {
	config   Config
	backbone *resnet.Backbone

	// Probed backbone feature map: channels and (square) spatial size, after the optional global pooling.
	featureChannels, featureSize int
}

// NewResnetEncoder creates the encoder for the configuration. It probes the backbone feature map for the
// configured input size by building (not executing) the backbone graph on backend.
//
// It returns an error wrapping ErrNonSquareFeatures if the feature map is not square, resnet.ErrUnknownType or
// norms.ErrUnknownNorm for invalid configurations.
func NewResnetEncoder(backend backends.Backend, config Config) (*ResnetEncoder, error) {
	config, err := config.withDefaults()
	if err != nil {
		return nil, err
	}
	backbone, err := resnet.New(config.Backbone, config.Norm)
	if err != nil {
		return nil, err
	}
	backbone.WithBaseChannels(config.BackboneChannels)
	e := &ResnetEncoder{config: config, backbone: backbone}
	err = TryCatch[error](func() { e.probe(backend) })
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("bigae: %s encoder feature map is %dx%dx%d", config.Backbone, e.featureChannels,
		e.featureSize, e.featureSize)
	return e, nil
}

// probe builds the backbone on a placeholder image in a scratch context, and records the feature map shape.
// It panics with ErrNonSquareFeatures if it is not square.
func (e *ResnetEncoder) probe(backend backends.Backend) {
	g := NewGraph(backend, "probe")
	defer g.Finalize()
	scratch := context.New().Checked(false)
	images := Parameter(g, "images", shapes.Make(dtypes.Float32, 1, 3, e.config.InSize, e.config.InWidth))
	features := e.backbone.Features(scratch.In("model"), resnet.PreprocessImages(images))
	dims := features.Shape().Dimensions
	if dims[2] != dims[3] {
		panic(errors.Wrapf(ErrNonSquareFeatures, "input %dx%d gives a %dx%d feature map with %s",
			e.config.InSize, e.config.InWidth, dims[2], dims[3], e.config.Backbone))
	}
	e.featureChannels = dims[1]
	e.featureSize = dims[2]
	if e.config.GlobalPool {
		e.featureSize = 1
	}
}

// Backbone used by the encoder.
func (e *ResnetEncoder) Backbone() resnet.FeatureExtractor { return e.backbone }

// FeatureShape returns the channels and spatial size of the feature map returned by Features.
func (e *ResnetEncoder) FeatureShape() (channels, size int) {
	return e.featureChannels, e.featureSize
}

// Features preprocesses images, shaped [batch, 3, InSize, InWidth] with values in [-1, 1], and returns the
// backbone features (globally pooled if configured), shaped [batch, channels, size, size] (see FeatureShape).
func (e *ResnetEncoder) Features(ctx *context.Context, images *Node) *Node {
	x := e.backbone.Features(ctx.In("model"), resnet.PreprocessImages(images))
	if e.config.GlobalPool {
		x = resnet.GlobalAveragePool(x)
	}
	return x
}

// PostFeatures applies the dense head to features returned by Features, and returns the distribution
// parameters shaped [batch, 2*ZDim].
//
// The head is created with scale 0, its input channels are always the probed feature channels.
func (e *ResnetEncoder) PostFeatures(ctx *context.Context, features *Node) *Node {
	return DenseEncoderLayer(ctx.In("model").In("fc"), features, 0, e.featureSize, 2*e.config.ZDim,
		e.featureChannels, e.config.WidthMultiplier)
}

// Encode returns the distribution parameters (mean and log-variance concatenated) for images, shaped
// [batch, 2*ZDim].
//
// Images are normalized twice: Encode applies resnet.PreprocessImages, and Features applies it again. The
// published weights were trained with this double normalization.
func (e *ResnetEncoder) Encode(ctx *context.Context, images *Node) *Node {
	return e.PostFeatures(ctx, e.Features(ctx, resnet.PreprocessImages(images)))
}
