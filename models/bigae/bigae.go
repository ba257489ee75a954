// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package bigae implements BigAE, a generative autoencoder pairing a ResNet image encoder, which outputs a
// diagonal Gaussian latent distribution, with a BigGAN generator adapted to continuous latents.
//
// The model owns its GoMLX context (variables) and the compiled executors of its operations. It has two
// states: "constructed", where layers behave as in training (batch statistics, ActNorm initialization,
// spectral norm power iterations), and "evaluation-ready", entered with BigAE.Eval, where layers are frozen
// for inference. FromPretrained builds a named preset, loads its weights and returns it evaluation-ready.
//
// Example:
//
//	model := must.M1(bigae.FromPretrained(backend, "animals"))
//	posterior := must.M1(model.Encode(images)) // images: [batch, 3, 128, 128] in [-1, 1].
//	reconstructed := must.M1(model.Decode(posterior.Mode()))
package bigae

import (
	"os"
	"sync"

	"github.com/gomlx/bigae/pkg/ml/distributions"
	"github.com/gomlx/bigae/pkg/torchload"
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// EncoderScope and DecoderScope are the top-level scopes of the variables of each half of the model.
	EncoderScope = "encoder"
	DecoderScope = "decoder"
)

// BigAE is the autoencoder. Create it with New or FromPretrained.
//
// After Eval, Encode, Decode and the Posterior methods can be called concurrently. Operations that update
// variables are serialized with every other operation: Posterior.Sample (it advances the random number
// generator), LoadWeights, Eval, and any operation before Eval, when layers update their state.
type BigAE struct {
	backend backends.Backend
	config  Config
	ctx     *context.Context
	encoder *ResnetEncoder
	decoder *DecoderWrapper

	// runMu is held for reading while executing read-only operations, and for writing by operations that
	// update variables or executors. It is always acquired before mu.
	runMu sync.RWMutex

	mu    sync.Mutex
	eval  bool
	execs map[string]*context.Exec
}

// New builds the encoder and decoder for the configuration and initializes all variables (randomly). If
// Config.Pretrained is set, the backbone and generator variables are then loaded from their component
// checkpoints, resolved with the WithResolver option (default ckpt.Default()). The model is left in the
// "constructed" state.
//
// It fails if the configuration is invalid (norms.ErrUnknownNorm, resnet.ErrUnknownType,
// biggan.ErrUnsupportedResolution), if the backbone feature map for the input size is not square
// (ErrNonSquareFeatures), or if the pretrained components can't be resolved or loaded.
func New(backend backends.Backend, config Config, opts ...Option) (*BigAE, error) {
	o := newOptions(opts)
	for _, editFn := range o.editFns {
		editFn(&config)
	}
	config, err := config.withDefaults()
	if err != nil {
		return nil, err
	}
	encoder, err := NewResnetEncoder(backend, config)
	if err != nil {
		return nil, err
	}
	decoder, err := NewDecoderWrapper(config)
	if err != nil {
		return nil, err
	}
	m := &BigAE{
		backend: backend,
		config:  config,
		ctx:     context.New().Checked(false),
		encoder: encoder,
		decoder: decoder,
		execs:   make(map[string]*context.Exec),
	}
	if err := m.materializeVariables(); err != nil {
		return nil, err
	}
	if config.Pretrained {
		resolver, err := o.getResolver()
		if err != nil {
			return nil, err
		}
		if err := m.loadPretrainedComponents(resolver); err != nil {
			return nil, err
		}
	}
	klog.V(1).Infof("bigae: built model %s with %d parameters", config, m.NumParameters())
	return m, nil
}

// materializeVariables builds the encoder and decoder graphs on placeholders, so every variable is created,
// and initializes them.
func (m *BigAE) materializeVariables() error {
	err := TryCatch[error](func() {
		g := NewGraph(m.backend, "materialize")
		defer g.Finalize()
		images := Zeros(g, shapes.Make(dtypes.Float32, 1, 3, m.config.InSize, m.config.InWidth))
		_ = m.encoder.Encode(m.ctx.In(EncoderScope), images)
		latent := Zeros(g, shapes.Make(dtypes.Float32, 1, m.config.ZDim))
		_ = m.decoder.Decode(m.ctx.In(DecoderScope), latent, nil)
	})
	if err != nil {
		return errors.WithMessage(err, "bigae: failed to build model graph")
	}
	return errors.WithMessage(m.ctx.InitializeVariables(m.backend, nil), "bigae: failed to initialize variables")
}

// Config returns the model configuration, with defaults filled in.
func (m *BigAE) Config() Config { return m.config }

// Backend used by the model.
func (m *BigAE) Backend() backends.Backend { return m.backend }

// Context holding the model variables. Changing it invalidates the model's guarantees.
func (m *BigAE) Context() *context.Context { return m.ctx }

// Encoder of the model.
func (m *BigAE) Encoder() *ResnetEncoder { return m.encoder }

// Decoder of the model.
func (m *BigAE) Decoder() *DecoderWrapper { return m.decoder }

// NumParameters returns the total number of scalar values in the model variables.
func (m *BigAE) NumParameters() int { return m.ctx.NumParameters() }

// Memory returns the memory used by the model variables, in bytes.
func (m *BigAE) Memory() uintptr { return m.ctx.Memory() }

// Eval switches the model to the "evaluation-ready" state: layers behave as in inference from then on.
// Executors compiled in the previous state are discarded.
func (m *BigAE) Eval() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.eval {
		return
	}
	m.eval = true
	m.resetExecsLocked()
}

// IsEval reports whether Eval was called.
func (m *BigAE) IsEval() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eval
}

func (m *BigAE) resetExecsLocked() {
	for _, e := range m.execs {
		e.Finalize()
	}
	m.execs = make(map[string]*context.Exec)
}

// exec returns the cached executor for name, creating it with buildFn if needed. The graph is marked as
// training unless the model is evaluation-ready.
func (m *BigAE) exec(name string, buildFn func(ctx *context.Context, inputs []*Node) []*Node) (*context.Exec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, found := m.execs[name]; found {
		return e, nil
	}
	training := !m.eval
	e, err := context.NewExecAny(m.backend, m.ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		ctx.SetTraining(inputs[0].Graph(), training)
		return buildFn(ctx, inputs)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "bigae: failed to create executor for %s", name)
	}
	m.execs[name] = e
	return e, nil
}

// run executes the named operation, converting panics raised while building the graph into errors.
//
// Operations that update variables (updatesVariables, or any operation before Eval) run exclusively.
func (m *BigAE) run(name string, updatesVariables bool, buildFn func(ctx *context.Context, inputs []*Node) []*Node,
	args ...any) (outputs []*tensors.Tensor, err error) {
	if updatesVariables || !m.IsEval() {
		m.runMu.Lock()
		defer m.runMu.Unlock()
	} else {
		m.runMu.RLock()
		defer m.runMu.RUnlock()
	}
	e, err := m.exec(name, buildFn)
	if err != nil {
		return nil, err
	}
	var execErr error
	err = TryCatch[error](func() {
		outputs, execErr = e.Exec(args...)
	})
	if err == nil {
		err = execErr
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "bigae: %s failed", name)
	}
	return outputs, nil
}

// Encode images, shaped [batch, 3, InSize, InWidth] with values in [-1, 1], into the posterior latent
// distribution.
func (m *BigAE) Encode(images *tensors.Tensor) (*Posterior, error) {
	dims := images.Shape().Dimensions
	if images.Rank() != 4 || dims[1] != 3 || dims[2] != m.config.InSize || dims[3] != m.config.InWidth {
		return nil, errors.Errorf("bigae: Encode expects images shaped [batch, 3, %d, %d], got %s",
			m.config.InSize, m.config.InWidth, images.Shape())
	}
	outputs, err := m.run("Encode", false, func(ctx *context.Context, inputs []*Node) []*Node {
		params := m.encoder.Encode(ctx.In(EncoderScope), inputs[0])
		d := distributions.NewDiagonalGaussian(params, m.config.Deterministic)
		return []*Node{d.Mean, d.LogVar, d.Std, d.Var}
	}, images)
	if err != nil {
		return nil, err
	}
	return &Posterior{
		model:         m,
		mean:          outputs[0],
		logVar:        outputs[1],
		std:           outputs[2],
		variance:      outputs[3],
		deterministic: m.config.Deterministic,
	}, nil
}

// Decode a latent, shaped [batch, ZDim] or [batch, ZDim, 1, 1], into images shaped [batch, 3, InSize, InSize]
// with values in [-1, 1].
func (m *BigAE) Decode(latent *tensors.Tensor) (*tensors.Tensor, error) {
	dims := latent.Shape().Dimensions
	validRank4 := latent.Rank() == 4 && dims[2] == 1 && dims[3] == 1
	if (latent.Rank() != 2 && !validRank4) || dims[1] != m.config.ZDim {
		return nil, errors.Errorf("bigae: Decode expects a latent shaped [batch, %d] or [batch, %d, 1, 1], got %s",
			m.config.ZDim, m.config.ZDim, latent.Shape())
	}
	outputs, err := m.run("Decode", false, func(ctx *context.Context, inputs []*Node) []*Node {
		return []*Node{m.decoder.Decode(ctx.In(DecoderScope), inputs[0], nil)}
	}, latent)
	if err != nil {
		return nil, err
	}
	return outputs[0], nil
}

// LastLayerWeight returns the un-normalized ("weight_bar") weight of the generator's final RGB convolution,
// shaped [3, channels, 3, 3]. The tensor is owned by the model and must not be modified or finalized.
func (m *BigAE) LastLayerWeight() (*tensors.Tensor, error) {
	v := m.decoder.FinalOutputWeight(m.ctx.In(DecoderScope))
	if v == nil {
		return nil, errors.New("bigae: final output weight not found in the model context")
	}
	return v.Value()
}

// LoadWeights loads the model variables from path, either a GoMLX checkpoint directory or a PyTorch
// state dict file (see package torchload).
//
// Loading a state dict is strict by default: it fails with an error wrapping torchload.ErrMissingKeys if any
// variable is missing from the file, or if the file has entries not used by the model (other than
// PyTorch-only buffers, like "num_batches_tracked"). Pass torchload.WithStrict(false) to load the matching
// entries only, leaving the other variables with their current values.
func (m *BigAE) LoadWeights(path string, opts ...torchload.Option) error {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrapf(err, "bigae: cannot load weights from %q", path)
	}

	m.runMu.Lock()
	defer m.runMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetExecsLocked()
	if info.IsDir() {
		_, err = checkpoints.Load(m.ctx).Dir(path).Done()
		if err != nil {
			return errors.WithMessagef(err, "bigae: failed to load checkpoint from %q", path)
		}
		klog.V(1).Infof("bigae: loaded GoMLX checkpoint %q", path)
		return nil
	}

	stateDict, err := torchload.ReadStateDict(path)
	if err != nil {
		return err
	}
	defer stateDict.Finalize()
	loader := torchload.NewLoader(stateDict, opts...)
	if err := loader.Apply(m.ctx); err != nil {
		return errors.WithMessagef(err, "bigae: failed to load weights from %q", path)
	}
	klog.Infof("bigae: loaded %d variables from %q (%d variables not in file, %d unused entries)",
		loader.NumLoaded(), path, len(loader.Missing()), len(loader.Unused()))
	if klog.V(1).Enabled() {
		for _, key := range loader.Unexpected() {
			klog.Infof("bigae:   unused entry %q", key)
		}
		for _, name := range loader.Missing() {
			klog.Infof("bigae:   variable not in file %q", name)
		}
	}
	return nil
}

// ExportWeights writes all model variables to path as a SafeTensors file keyed by the PyTorch parameter
// names, which LoadWeights (or PyTorch, with `load_state_dict(strict=False)`) can read back. GoMLX internal
// variables, like the random number generator state, are not exported.
func (m *BigAE) ExportWeights(path string) error {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return err
	}
	m.runMu.RLock()
	defer m.runMu.RUnlock()
	stateDict, err := torchload.StateDictFromContext(m.ctx)
	if err != nil {
		return err
	}
	defer stateDict.Finalize()
	metadata := map[string]string{"format": "pt", "config": m.config.String()}
	if err := torchload.WriteSafeTensorsFile(path, stateDict, metadata); err != nil {
		return err
	}
	klog.V(1).Infof("bigae: exported %d variables to %q", len(stateDict), path)
	return nil
}

// SaveCheckpoint writes all model variables as a GoMLX checkpoint in dir, which must not exist or be empty.
func (m *BigAE) SaveCheckpoint(dir string) error {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "bigae: cannot save checkpoint to %q", dir)
	}
	if len(entries) > 0 {
		return errors.Errorf("bigae: checkpoint directory %q is not empty", dir)
	}
	m.runMu.RLock()
	defer m.runMu.RUnlock()
	handler, err := checkpoints.Build(m.ctx).Dir(dir).Done()
	if err != nil {
		return errors.WithMessagef(err, "bigae: failed to create checkpoint in %q", dir)
	}
	if err := handler.Save(); err != nil {
		return errors.WithMessagef(err, "bigae: failed to save checkpoint in %q", dir)
	}
	klog.V(1).Infof("bigae: saved checkpoint to %q", dir)
	return nil
}
