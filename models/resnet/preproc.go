// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package resnet

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// ImageNetMean and ImageNetStd are the per-channel (RGB) statistics the torchvision ResNets were trained with,
// for pixel values in [0, 1].
var (
	ImageNetMean = []float64{0.485, 0.456, 0.406}
	ImageNetStd  = []float64{0.229, 0.224, 0.225}
)

// PreprocessImages maps images in [-1, 1], shaped [batch, 3, height, width], to the normalized input the
// backbone expects: first to [0, 1], then shifted and scaled by ImageNetMean and ImageNetStd per channel.
func PreprocessImages(images *Node) *Node {
	if images.Rank() != 4 || images.Shape().Dimensions[1] != 3 {
		Panicf("resnet.PreprocessImages expects images shaped [batch, 3, height, width], got %s", images.Shape())
	}
	g := images.Graph()
	dtype := images.DType()
	x := MulScalar(AddScalar(images, 1), 0.5)
	mean := Reshape(ConstAsDType(g, dtype, ImageNetMean), 1, 3, 1, 1)
	std := Reshape(ConstAsDType(g, dtype, ImageNetStd), 1, 3, 1, 1)
	return Div(Sub(x, mean), std)
}
