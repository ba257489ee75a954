// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package norms selects the per-channel normalization used inside convolutional backbones.
//
// The set of normalizations is closed: instance normalization ("in"), batch normalization ("bn") and
// activation normalization ("an"). Any other token is rejected with ErrUnknownNorm.
package norms

import (
	"fmt"

	"github.com/gomlx/bigae/pkg/ml/layers/actnorm"
	"github.com/gomlx/bigae/pkg/ml/layers/torchnn"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/pkg/errors"
)

// Kind of normalization. The zero value is not valid.
type Kind int

const (
	Invalid Kind = iota

	// Instance normalizes each example and channel over the spatial axes, with no learned parameters.
	Instance

	// Batch normalizes each channel over the batch and spatial axes, with learned scale and offset, and
	// running averages used outside training.
	Batch

	// Act is activation normalization, see package actnorm.
	Act
)

// ErrUnknownNorm is returned when parsing a token that doesn't name a normalization.
var ErrUnknownNorm = errors.New("unknown normalization")

// InstanceEpsilon is the epsilon used by Instance normalization.
const InstanceEpsilon = 1e-5

var kindTokens = map[Kind]string{
	Instance: "in",
	Batch:    "bn",
	Act:      "an",
}

// Parse the normalization token: "in", "bn" or "an".
func Parse(token string) (Kind, error) {
	for kind, kindToken := range kindTokens {
		if kindToken == token {
			return kind, nil
		}
	}
	return Invalid, errors.Wrapf(ErrUnknownNorm, "%q (valid values are \"in\", \"bn\" and \"an\")", token)
}

// String returns the token of the normalization.
func (k Kind) String() string {
	if token, found := kindTokens[k]; found {
		return token
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Valid returns whether k is one of the known normalizations.
func (k Kind) Valid() bool {
	_, found := kindTokens[k]
	return found
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, errors.Wrapf(ErrUnknownNorm, "%s", k)
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, so Kind can be used in configuration files and flags.
func (k *Kind) UnmarshalText(text []byte) error {
	kind, err := Parse(string(text))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// Set implements flag.Value.
func (k *Kind) Set(token string) error {
	return k.UnmarshalText([]byte(token))
}

// Apply the normalization to x, shaped [batch, channels, height, width], using variables in the current
// scope of ctx (Instance has no variables).
//
// It panics with ErrUnknownNorm if k is not valid.
func (k Kind) Apply(ctx *context.Context, x *Node) *Node {
	switch k {
	case Instance:
		return layers.LayerNormalization(ctx, x, 2, 3).
			LearnedGain(false).
			LearnedOffset(false).
			Epsilon(InstanceEpsilon).
			Done()
	case Batch:
		return torchnn.BatchNorm2D(ctx, x).Done()
	case Act:
		return actnorm.New(ctx, x).Done()
	default:
		panic(errors.Wrapf(ErrUnknownNorm, "%s", k))
	}
}

// Fn returns k.Apply as a function value, for layers that take the normalization as a parameter.
func (k Kind) Fn() func(ctx *context.Context, x *Node) *Node {
	if !k.Valid() {
		panic(errors.Wrapf(ErrUnknownNorm, "%s", k))
	}
	return k.Apply
}
