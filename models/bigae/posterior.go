// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bigae

import (
	"github.com/gomlx/bigae/pkg/ml/distributions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Posterior is the latent distribution returned by BigAE.Encode: a diagonal Gaussian per example, with
// parameters shaped [batch, ZDim].
//
// The tensors returned by its accessors are owned by the Posterior.
type Posterior struct {
	model                       *BigAE
	mean, logVar, std, variance *tensors.Tensor
	deterministic               bool
}

// Deterministic reports whether the distribution is a point mass at its mean.
func (p *Posterior) Deterministic() bool { return p.deterministic }

// Mean of the distribution, shaped [batch, ZDim].
func (p *Posterior) Mean() *tensors.Tensor { return p.mean }

// LogVar is the log-variance, clamped to [distributions.MinLogVar, distributions.MaxLogVar]. It is
// MinLogVar everywhere for deterministic distributions.
func (p *Posterior) LogVar() *tensors.Tensor { return p.logVar }

// Std is the standard deviation. It is 0 for deterministic distributions.
func (p *Posterior) Std() *tensors.Tensor { return p.std }

// Var is the variance. It is 0 for deterministic distributions.
func (p *Posterior) Var() *tensors.Tensor { return p.variance }

// Mode of the distribution: its mean.
func (p *Posterior) Mode() *tensors.Tensor { return p.mean }

// distribution rebuilds the graph-level distribution from the parameter nodes.
func (p *Posterior) distribution(mean, logVar *Node) *distributions.DiagonalGaussian {
	return distributions.FromMeanAndLogVar(mean, logVar, p.deterministic)
}

// Sample returns `mean + std * ε`, with ε drawn from a standard normal with the model's random number
// generator. Each call draws a new sample. For deterministic distributions it returns the mean values exactly.
func (p *Posterior) Sample() (*tensors.Tensor, error) {
	if p.deterministic {
		return p.mean.LocalClone()
	}
	outputs, err := p.model.run("Sample", true, func(ctx *context.Context, inputs []*Node) []*Node {
		return []*Node{p.distribution(inputs[0], inputs[1]).Sample(ctx)}
	}, p.mean, p.logVar)
	if err != nil {
		return nil, err
	}
	return outputs[0], nil
}

// KL returns the Kullback-Leibler divergence to the standard normal, summed over the latent axis and
// shaped [batch]. It is 0 for deterministic distributions.
func (p *Posterior) KL() (*tensors.Tensor, error) {
	outputs, err := p.model.run("KL", false, func(ctx *context.Context, inputs []*Node) []*Node {
		return []*Node{p.distribution(inputs[0], inputs[1]).KL(nil)}
	}, p.mean, p.logVar)
	if err != nil {
		return nil, err
	}
	return outputs[0], nil
}

// NLL returns the negative log-likelihood of sample, shaped like the mean, summed over the latent axis and
// shaped [batch]. It is 0 for deterministic distributions.
func (p *Posterior) NLL(sample *tensors.Tensor) (*tensors.Tensor, error) {
	if !sample.Shape().Equal(p.mean.Shape()) {
		return nil, errors.Errorf("bigae: NLL sample shape %s doesn't match the posterior shape %s",
			sample.Shape(), p.mean.Shape())
	}
	outputs, err := p.model.run("NLL", false, func(ctx *context.Context, inputs []*Node) []*Node {
		return []*Node{p.distribution(inputs[0], inputs[1]).NLL(inputs[2])}
	}, p.mean, p.logVar, sample)
	if err != nil {
		return nil, err
	}
	return outputs[0], nil
}
