// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bigae

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/bigae/models/resnet"
	"github.com/gomlx/bigae/pkg/ckpt"
	"github.com/gomlx/bigae/pkg/ml/layers/norms"
	"github.com/gomlx/bigae/pkg/torchload"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrUnknownPreset is returned by FromPretrained for names outside the closed set of presets.
var ErrUnknownPreset = errors.New("not implemented")

// CheckpointPrefix is prepended to the preset name to form the checkpoint name given to the ckpt.Resolver.
const CheckpointPrefix = "bigae_"

// presets are the configurations of the published models.
var presets = map[string]Config{
	"animals": {
		ZDim:                128,
		InSize:              128,
		Norm:                norms.Act,
		Backbone:            resnet.ResNet101,
		UseActNormInDecoder: true,
		GlobalPool:          true,
	},
	"animalfaces": {
		ZDim:       128,
		InSize:     128,
		Norm:       norms.Batch,
		Backbone:   resnet.ResNet101,
		GlobalPool: true,
	},
}

// Presets returns the sorted names accepted by FromPretrained.
func Presets() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// PresetConfig returns the configuration of the named preset, or an error wrapping ErrUnknownPreset
// ("not implemented: <name>").
func PresetConfig(name string) (Config, error) {
	config, found := presets[name]
	if !found {
		return Config{}, fmt.Errorf("%w: %s", ErrUnknownPreset, name)
	}
	return config, nil
}

type options struct {
	resolver    ckpt.Resolver
	editFns     []func(*Config)
	loadOptions []torchload.Option
}

// Option for New and FromPretrained.
type Option func(opts *options)

// WithResolver sets the resolver of checkpoint names to local weights files or GoMLX checkpoint directories:
// "bigae_<preset>" for FromPretrained, and the component checkpoints (see BackboneCheckpointName and
// GeneratorCheckpointName) for New when Config.Pretrained is set. The default is ckpt.Default().
func WithResolver(resolver ckpt.Resolver) Option {
	return func(opts *options) { opts.resolver = resolver }
}

// WithConfig edits the configuration before the model is built. E.g.: to make a preset deterministic.
func WithConfig(editFn func(config *Config)) Option {
	return func(opts *options) { opts.editFns = append(opts.editFns, editFn) }
}

// WithLoadOptions adds options used by FromPretrained to load the preset weights, when they are a PyTorch
// state dict. E.g.: torchload.WithStrict(false) to accept weights that don't match the model exactly.
func WithLoadOptions(loadOptions ...torchload.Option) Option {
	return func(opts *options) { opts.loadOptions = append(opts.loadOptions, loadOptions...) }
}

func newOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// getResolver returns the configured resolver, or ckpt.Default().
func (o *options) getResolver() (ckpt.Resolver, error) {
	if o.resolver != nil {
		return o.resolver, nil
	}
	registry, err := ckpt.Default()
	if err != nil {
		return nil, err
	}
	return registry, nil
}

// FromPretrained builds the named preset ("animals" or "animalfaces"), loads its weights and returns it
// evaluation-ready.
//
// Loading is strict: it fails with torchload.ErrMissingKeys if the weights don't match the model, see
// WithLoadOptions to change it. Unknown names fail with an error wrapping ErrUnknownPreset, before anything
// is built or resolved.
func FromPretrained(backend backends.Backend, name string, opts ...Option) (*BigAE, error) {
	config, err := PresetConfig(name)
	if err != nil {
		return nil, err
	}
	o := newOptions(opts)
	resolver, err := o.getResolver()
	if err != nil {
		return nil, err
	}
	path, err := resolver.Resolve(CheckpointPrefix + name)
	if err != nil {
		return nil, errors.WithMessagef(err, "bigae: failed to resolve weights of preset %q", name)
	}
	model, err := New(backend, config, opts...)
	if err != nil {
		return nil, err
	}
	if err := model.LoadWeights(path, o.loadOptions...); err != nil {
		return nil, errors.WithMessagef(err, "bigae: preset %q", name)
	}
	model.Eval()
	klog.V(1).Infof("bigae: preset %q ready", name)
	return model, nil
}

// BackboneCheckpointName is the name of the ImageNet weights of the backbone, resolved when Config.Pretrained
// is set. E.g.: "resnet101_imagenet".
func BackboneCheckpointName(backbone resnet.Type) string {
	return backbone.String() + "_imagenet"
}

// GeneratorCheckpointName is the name of the BigGAN generator weights for the image size, resolved when
// Config.Pretrained is set. E.g.: "biggan_128".
func GeneratorCheckpointName(inSize int) string {
	return fmt.Sprintf("biggan_%d", inSize)
}

// pretrainedComponent is a component checkpoint, holding the state dict of the sub-model in scope.
type pretrainedComponent struct {
	name, scope string

	// excludedPrefixes are keys of the checkpoint not loaded: layers BigAE replaces.
	excludedPrefixes []string
}

// loadPretrainedComponents loads the ImageNet backbone and the BigGAN generator weights into the encoder and
// decoder scopes.
//
// Loading is not strict: the backbone's classifier is replaced by the dense head, the ClassUp is not part of
// either component, and generator layers resized for ZDim are skipped. But each component must load at least
// one variable, otherwise it fails with torchload.ErrMissingKeys.
func (m *BigAE) loadPretrainedComponents(resolver ckpt.Resolver) error {
	components := []pretrainedComponent{
		{
			name:             BackboneCheckpointName(m.config.Backbone),
			scope:            context.ScopeSeparator + EncoderScope + context.ScopeSeparator + "model",
			excludedPrefixes: []string{"fc."},
		},
		{
			name:  GeneratorCheckpointName(m.config.InSize),
			scope: context.ScopeSeparator + DecoderScope + context.ScopeSeparator + "decoder",
		},
	}
	for _, component := range components {
		path, err := resolver.Resolve(component.name)
		if err != nil {
			return errors.WithMessagef(err, "bigae: failed to resolve pretrained component %q", component.name)
		}
		stateDict, err := torchload.ReadStateDict(path)
		if err != nil {
			return errors.WithMessagef(err, "bigae: pretrained component %q", component.name)
		}
		for _, key := range stateDict.Keys() {
			for _, prefix := range component.excludedPrefixes {
				if strings.HasPrefix(key, prefix) {
					_ = stateDict[key].FinalizeAll()
					delete(stateDict, key)
					break
				}
			}
		}
		loader := torchload.NewLoader(stateDict, torchload.WithScope(component.scope),
			torchload.WithStrict(false), torchload.WithSkipShapeMismatch())
		err = loader.Apply(m.ctx)
		stateDict.Finalize()
		if err != nil {
			return errors.WithMessagef(err, "bigae: failed to load pretrained component %q", component.name)
		}
		if loader.NumLoaded() == 0 {
			return errors.Wrapf(torchload.ErrMissingKeys, "bigae: no variable of %s found in pretrained component %q",
				component.scope, component.name)
		}
		klog.Infof("bigae: loaded %d variables of %s from %q (%d not in the checkpoint, %d unused entries)",
			loader.NumLoaded(), component.scope, component.name, len(loader.Missing()), len(loader.Unused()))
	}
	return nil
}
