// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bigae

import (
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gomlx/bigae/models/resnet"
	"github.com/gomlx/bigae/pkg/ckpt"
	"github.com/gomlx/bigae/pkg/ml/distributions"
	"github.com/gomlx/bigae/pkg/ml/layers/norms"
	"github.com/gomlx/bigae/pkg/torchload"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

const (
	testSize  = 64
	testZDim  = 8
	testBatch = 2
)

// smallConfig is a narrow model with the full topology, cheap enough for tests.
func smallConfig() Config {
	return Config{
		ZDim:             testZDim,
		InSize:           testSize,
		Backbone:         resnet.ResNet18,
		BackboneChannels: 2,
		DecoderChannels:  1,
		EmbeddingDim:     8,
	}
}

// shrink edits a preset configuration into a small one.
func shrink(config *Config) {
	config.ZDim = testZDim
	config.InSize = testSize
	config.BackboneChannels = 2
	config.DecoderChannels = 1
	config.EmbeddingDim = 8
}

// testImages returns a deterministic batch of images with values in [-1, 1].
func testImages(batchSize, height, width int) *tensors.Tensor {
	images := make([][][][]float32, batchSize)
	for b := range images {
		images[b] = make([][][]float32, 3)
		for c := range images[b] {
			images[b][c] = make([][]float32, height)
			for y := range height {
				images[b][c][y] = make([]float32, width)
				for x := range width {
					images[b][c][y][x] = float32(math.Sin(float64(1+b+c)*0.1*float64(x) + 0.07*float64(y)))
				}
			}
		}
	}
	return tensors.FromValue(images)
}

func newTestModel(t *testing.T, backend backends.Backend, config Config) *BigAE {
	model, err := New(backend, config)
	require.NoError(t, err)
	return model
}

func flat(t *tensors.Tensor) []float32 { return tensors.MustCopyFlatData[float32](t) }

func TestHeadInputChannels(t *testing.T) {
	assert.Equal(t, 64, HeadInputChannels(1, 1))
	assert.Equal(t, 256, HeadInputChannels(3, 1))
	assert.Equal(t, 1024, HeadInputChannels(5, 1))
	assert.Equal(t, 1024, HeadInputChannels(9, 1))
	assert.Equal(t, 64, HeadInputChannels(2, 0.5))
	assert.Equal(t, 32, HeadInputChannels(0, 1))
	assert.Equal(t, 16, HeadInputChannels(-1, 1))
}

func TestConfigDefaults(t *testing.T) {
	config, err := Config{ZDim: 4}.withDefaults()
	require.NoError(t, err)
	assert.Equal(t, DefaultInSize, config.InSize)
	assert.Equal(t, DefaultInSize, config.InWidth)
	assert.Equal(t, norms.Batch, config.Norm)
	assert.Equal(t, resnet.ResNet50, config.Backbone)
	assert.Equal(t, 1.0, config.WidthMultiplier)
	assert.Equal(t, ClassEmbeddingDim, config.EmbeddingDim)

	_, err = Config{}.withDefaults()
	require.Error(t, err)

	_, err = Config{ZDim: 4, Norm: norms.Kind(99)}.withDefaults()
	require.True(t, errors.Is(err, norms.ErrUnknownNorm))

	_, err = Config{ZDim: 4, Backbone: resnet.Type(99)}.withDefaults()
	require.True(t, errors.Is(err, resnet.ErrUnknownType))
}

func TestClassUp(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, useSigmoid := range []bool{false, true} {
		ctx := context.New()
		exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
			return NewClassUp(ctx.In("classup"), x, 7).UseSigmoid(useSigmoid).Done()
		})
		x := tensors.FromValue([][]float32{{1, -2, 3, 0, 0.5}, {0, 0, 0, 0, 0}, {-1, -1, 2, 2, 9}})
		embedding := exec.MustExec(x)[0]
		require.Equal(t, []int{3, 7}, embedding.Shape().Dimensions)
		for _, row := range embedding.Value().([][]float32) {
			var sum float64
			for _, v := range row {
				require.GreaterOrEqual(t, v, float32(0))
				sum += float64(v)
			}
			require.InDelta(t, 1.0, sum, 1e-5)
		}

		// Linear layers take the even indices, activations the odd ones.
		weightShape := func(layer string) []int {
			v := ctx.GetVariableByScopeAndName("/classup/main/"+layer, "weight")
			require.NotNil(t, v, "layer main/%s", layer)
			return v.Shape().Dimensions
		}
		assert.Equal(t, []int{14, 5}, weightShape("0"))
		assert.Equal(t, []int{14, 14}, weightShape("2"))
		assert.Equal(t, []int{14, 14}, weightShape("4"))
		assert.Equal(t, []int{7, 14}, weightShape("6"))
		assert.Nil(t, ctx.GetVariableByScopeAndName("/classup/main/8", "weight"))
	}
}

func TestEncodeAllBackbonesAndNorms(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	images := testImages(testBatch, testSize, testSize)
	for _, backbone := range []resnet.Type{resnet.ResNet18, resnet.ResNet34, resnet.ResNet50, resnet.ResNet101} {
		for _, norm := range []norms.Kind{norms.Instance, norms.Batch, norms.Act} {
			t.Run(backbone.String()+"/"+norm.String(), func(t *testing.T) {
				config := smallConfig()
				config.Backbone = backbone
				config.Norm = norm
				model := newTestModel(t, backend, config)
				channels, size := model.Encoder().FeatureShape()
				assert.Equal(t, model.Encoder().Backbone().OutputChannels(), channels)
				assert.Equal(t, 2, size)

				posterior, err := model.Encode(images)
				require.NoError(t, err)
				assert.Equal(t, []int{testBatch, testZDim}, posterior.Mean().Shape().Dimensions)
				assert.Equal(t, []int{testBatch, testZDim}, posterior.LogVar().Shape().Dimensions)
				for _, v := range flat(posterior.Std()) {
					require.False(t, math.IsNaN(float64(v)))
					require.Greater(t, v, float32(0))
				}
				for _, v := range flat(posterior.LogVar()) {
					require.GreaterOrEqual(t, v, float32(distributions.MinLogVar))
					require.LessOrEqual(t, v, float32(distributions.MaxLogVar))
				}
			})
		}
	}
}

func TestGlobalPool(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	config := smallConfig()
	config.GlobalPool = true
	model := newTestModel(t, backend, config)
	_, size := model.Encoder().FeatureShape()
	assert.Equal(t, 1, size)
	v := model.Context().GetVariableByScopeAndName("/encoder/model/fc/sub_layers/0", "weight")
	require.NotNil(t, v)
	assert.Equal(t, []int{2 * testZDim, model.Encoder().Backbone().OutputChannels(), 1, 1}, v.Shape().Dimensions)

	posterior, err := model.Encode(testImages(testBatch, testSize, testSize))
	require.NoError(t, err)
	assert.Equal(t, []int{testBatch, testZDim}, posterior.Mean().Shape().Dimensions)
}

func TestEncodeNormalizesTwice(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model := newTestModel(t, backend, smallConfig())
	model.Eval()
	images := testImages(testBatch, testSize, testSize)
	posterior, err := model.Encode(images)
	require.NoError(t, err)

	encoder := model.Encoder()
	exec := context.MustNewExec(backend, model.Context(), func(ctx *context.Context, x *Node) []*Node {
		ctx.SetTraining(x.Graph(), false)
		ctx = ctx.In(EncoderScope)
		twice := encoder.PostFeatures(ctx, encoder.Features(ctx, resnet.PreprocessImages(x)))
		once := encoder.PostFeatures(ctx, encoder.Features(ctx, x))
		return []*Node{
			Slice(twice, AxisRange(), AxisRange(0, testZDim)),
			Slice(once, AxisRange(), AxisRange(0, testZDim)),
		}
	})
	outputs := exec.MustExec(images)
	mean := flat(posterior.Mean())
	twice, once := flat(outputs[0]), flat(outputs[1])
	require.Len(t, twice, len(mean))
	for i := range mean {
		require.InDelta(t, twice[i], mean[i], 1e-5, "element %d", i)
	}
	assert.NotEqual(t, once, mean)
}

func TestNonSquareFeatures(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	config := smallConfig()
	config.InWidth = testSize / 2
	_, err := New(backend, config)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNonSquareFeatures), "got %v", err)

	// Rectangular inputs with a square feature map are fine.
	config.InWidth = testSize - 4
	model, err := New(backend, config)
	require.NoError(t, err)
	_, err = model.Encode(testImages(1, testSize, testSize))
	require.Error(t, err, "images must have the configured width")
	_, err = model.Encode(testImages(1, testSize, testSize-4))
	require.NoError(t, err)
}

func TestDeterministic(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	config := smallConfig()
	config.Deterministic = true
	model := newTestModel(t, backend, config)
	posterior, err := model.Encode(testImages(testBatch, testSize, testSize))
	require.NoError(t, err)
	require.True(t, posterior.Deterministic())

	mean := flat(posterior.Mean())
	for range 3 {
		sample, err := posterior.Sample()
		require.NoError(t, err)
		require.Equal(t, mean, flat(sample))
	}
	assert.Equal(t, mean, flat(posterior.Mode()))
	for _, v := range flat(posterior.Std()) {
		require.Zero(t, v)
	}
	for _, v := range flat(posterior.Var()) {
		require.Zero(t, v)
	}
	for _, v := range flat(posterior.LogVar()) {
		require.Equal(t, float32(distributions.MinLogVar), v)
	}
	kl, err := posterior.KL()
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0}, flat(kl))
	nll, err := posterior.NLL(posterior.Mean())
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0}, flat(nll))
}

func TestStochastic(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model := newTestModel(t, backend, smallConfig())
	model.Eval()
	posterior, err := model.Encode(testImages(testBatch, testSize, testSize))
	require.NoError(t, err)
	require.False(t, posterior.Deterministic())

	mean, std := flat(posterior.Mean()), flat(posterior.Std())
	const numSamples = 200
	sum := make([]float64, len(mean))
	var previous []float32
	for range numSamples {
		sampleT, err := posterior.Sample()
		require.NoError(t, err)
		sample := flat(sampleT)
		require.NotEqual(t, previous, sample, "consecutive samples must differ")
		previous = sample
		for i, v := range sample {
			sum[i] += float64(v)
		}
	}
	for i := range mean {
		average := sum[i] / numSamples
		tolerance := 5*float64(std[i])/math.Sqrt(numSamples) + 1e-4
		require.InDelta(t, float64(mean[i]), average, tolerance, "latent element %d", i)
	}

	kl, err := posterior.KL()
	require.NoError(t, err)
	require.Equal(t, []int{testBatch}, kl.Shape().Dimensions)
	for _, v := range flat(kl) {
		require.GreaterOrEqual(t, v, float32(-1e-4))
	}
	nll, err := posterior.NLL(posterior.Mean())
	require.NoError(t, err)
	require.Equal(t, []int{testBatch}, nll.Shape().Dimensions)
	_, err = posterior.NLL(tensors.FromValue([]float32{1, 2}))
	require.Error(t, err)
}

func TestDecode(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model := newTestModel(t, backend, smallConfig())
	posterior, err := model.Encode(testImages(testBatch, testSize, testSize))
	require.NoError(t, err)

	reconstruction, err := model.Decode(posterior.Mode())
	require.NoError(t, err)
	require.Equal(t, []int{testBatch, 3, testSize, testSize}, reconstruction.Shape().Dimensions)
	for _, v := range flat(reconstruction) {
		require.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
		require.LessOrEqual(t, math.Abs(float64(v)), 1.0)
	}

	// Latents with trailing spatial axes.
	latent := tensors.FromFlatDataAndDimensions(make([]float32, testBatch*testZDim), testBatch, testZDim, 1, 1)
	reconstruction, err = model.Decode(latent)
	require.NoError(t, err)
	require.Equal(t, []int{testBatch, 3, testSize, testSize}, reconstruction.Shape().Dimensions)

	_, err = model.Decode(tensors.FromValue([][]float32{{1, 2, 3}}))
	require.Error(t, err)
}

func TestLastLayerWeight(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model := newTestModel(t, backend, smallConfig())
	weight, err := model.LastLayerWeight()
	require.NoError(t, err)
	// At 64x64 the last block outputs 2 * DecoderChannels channels.
	require.Equal(t, []int{3, 2, 3, 3}, weight.Shape().Dimensions)
	v := model.Context().GetVariableByScopeAndName("/decoder/decoder/colorize/module", "weight_bar")
	require.NotNil(t, v)
	assert.Equal(t, v.MustValue().Value(), weight.Value())
}

func TestEval(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model := newTestModel(t, backend, smallConfig())
	images := testImages(testBatch, testSize, testSize)
	require.False(t, model.IsEval())
	_, err := model.Encode(images)
	require.NoError(t, err)

	model.Eval()
	require.True(t, model.IsEval())
	first, err := model.Encode(images)
	require.NoError(t, err)
	second, err := model.Encode(images)
	require.NoError(t, err)
	// Evaluation-ready models are pure functions of their inputs.
	require.Equal(t, flat(first.Mean()), flat(second.Mean()))
	assert.Greater(t, model.NumParameters(), 0)
	assert.Greater(t, model.Memory(), uintptr(0))
}

func TestFromPretrainedUnknown(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	resolved := false
	resolver := ckpt.ResolverFunc(func(name string) (string, error) {
		resolved = true
		return "", nil
	})
	_, err := FromPretrained(backend, "unknown", WithResolver(resolver))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrUnknownPreset))
	require.Equal(t, "not implemented: unknown", err.Error())
	require.False(t, resolved, "nothing is resolved for unknown presets")
	assert.Equal(t, []string{"animalfaces", "animals"}, Presets())
}

func TestFromPretrained(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, preset := range Presets() {
		t.Run(preset, func(t *testing.T) {
			config := must.M1(PresetConfig(preset))
			shrink(&config)
			original := newTestModel(t, backend, config)
			checkpointDir := filepath.Join(t.TempDir(), "checkpoint")
			require.NoError(t, original.SaveCheckpoint(checkpointDir))
			require.Error(t, original.SaveCheckpoint(checkpointDir), "checkpoint directory is not empty")

			var requested string
			resolver := ckpt.ResolverFunc(func(name string) (string, error) {
				requested = name
				return checkpointDir, nil
			})
			model, err := FromPretrained(backend, preset, WithResolver(resolver), WithConfig(shrink))
			require.NoError(t, err)
			assert.Equal(t, CheckpointPrefix+preset, requested)
			assert.True(t, model.IsEval())
			assert.Equal(t, must.M1(config.withDefaults()), model.Config())

			want := must.M1(original.LastLayerWeight())
			got := must.M1(model.LastLayerWeight())
			assert.Equal(t, want.Value(), got.Value())

			latent := tensors.FromFlatDataAndDimensions(make([]float32, testBatch*testZDim), testBatch, testZDim)
			images, err := model.Decode(latent)
			require.NoError(t, err)
			assert.Equal(t, []int{testBatch, 3, testSize, testSize}, images.Shape().Dimensions)
		})
	}
}

func TestExportAndLoadWeights(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	config := smallConfig()
	config.Norm = norms.Act
	config.UseActNormInDecoder = true
	original := newTestModel(t, backend, config)
	// Encoding in the constructed state runs the ActNorm data-dependent initialization.
	_, err := original.Encode(testImages(testBatch, testSize, testSize))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "weights.safetensors")
	require.NoError(t, original.ExportWeights(path))

	model := newTestModel(t, backend, config)
	require.NoError(t, model.LoadWeights(path))
	for v := range original.Context().IterVariables() {
		loaded := model.Context().GetVariableByScopeAndName(v.Scope(), v.Name())
		require.NotNil(t, loaded, "variable %s", v.ScopeAndName())
		if v.Name() == "avg_weight" || torchload.IsInternalVariable(v.Name()) {
			continue
		}
		require.Equal(t, v.MustValue().Value(), loaded.MustValue().Value(), "variable %s", v.ScopeAndName())
	}

	require.Error(t, model.LoadWeights(filepath.Join(t.TempDir(), "missing.pt")))
}

// writeComponent writes the entries of sd with the given key prefix, with the prefix removed, to a
// SafeTensors file.
func writeComponent(t *testing.T, sd torchload.StateDict, prefix, path string) {
	component := make(torchload.StateDict)
	for key, value := range sd {
		if rest, found := strings.CutPrefix(key, prefix); found {
			component[rest] = value
		}
	}
	require.NotEmpty(t, component)
	require.NoError(t, torchload.WriteSafeTensorsFile(path, component, nil))
}

func TestStrictLoading(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	path := filepath.Join(t.TempDir(), "unrelated.safetensors")
	unrelated := torchload.StateDict{"some.unrelated.key": tensors.FromValue([]float32{1, 2})}
	require.NoError(t, torchload.WriteSafeTensorsFile(path, unrelated, nil))
	resolver := ckpt.ResolverFunc(func(name string) (string, error) { return path, nil })

	_, err := FromPretrained(backend, "animals", WithResolver(resolver), WithConfig(shrink))
	require.ErrorIs(t, err, torchload.ErrMissingKeys)
	assert.Contains(t, err.Error(), "some.unrelated.key")

	model := newTestModel(t, backend, smallConfig())
	before := must.M1(model.LastLayerWeight()).Value()
	err = model.LoadWeights(path)
	require.ErrorIs(t, err, torchload.ErrMissingKeys)
	require.NoError(t, model.LoadWeights(path, torchload.WithStrict(false)))
	assert.Equal(t, before, must.M1(model.LastLayerWeight()).Value(), "no variable matches the file")

	_, err = FromPretrained(backend, "animals", WithResolver(resolver), WithConfig(shrink),
		WithLoadOptions(torchload.WithStrict(false)))
	require.NoError(t, err)
}

func TestPretrainedComponents(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	source := newTestModel(t, backend, smallConfig())
	dir := t.TempDir()
	exported := filepath.Join(dir, "bigae.safetensors")
	require.NoError(t, source.ExportWeights(exported))
	sd, err := torchload.ReadStateDict(exported)
	require.NoError(t, err)
	defer sd.Finalize()

	backbonePath := filepath.Join(dir, "backbone.safetensors")
	generatorPath := filepath.Join(dir, "generator.safetensors")
	writeComponent(t, sd, "encoder.model.", backbonePath)
	writeComponent(t, sd, "decoder.decoder.", generatorPath)
	files := map[string]string{
		BackboneCheckpointName(resnet.ResNet18): backbonePath,
		GeneratorCheckpointName(testSize):       generatorPath,
	}
	var requested []string
	resolver := ckpt.ResolverFunc(func(name string) (string, error) {
		requested = append(requested, name)
		path, found := files[name]
		if !found {
			return "", errors.Wrap(ckpt.ErrUnknownCheckpoint, name)
		}
		return path, nil
	})

	config := smallConfig()
	config.Pretrained = true
	model, err := New(backend, config, WithResolver(resolver))
	require.NoError(t, err)
	assert.Equal(t, []string{"resnet18_imagenet", "biggan_64"}, requested)
	value := func(m *BigAE, scope, name string) any {
		v := m.Context().GetVariableByScopeAndName(scope, name)
		require.NotNil(t, v, "variable %s/%s", scope, name)
		return v.MustValue().Value()
	}
	assert.Equal(t, value(source, "/encoder/model/conv1", "weight"), value(model, "/encoder/model/conv1", "weight"))
	assert.Equal(t, value(source, "/decoder/decoder/colorize/module", "weight_bar"),
		value(model, "/decoder/decoder/colorize/module", "weight_bar"))
	assert.NotEqual(t, value(source, "/encoder/model/fc/sub_layers/0", "weight"),
		value(model, "/encoder/model/fc/sub_layers/0", "weight"), "the dense head is not part of the backbone")

	// A component checkpoint sharing no variable with the model.
	unrelatedPath := filepath.Join(dir, "unrelated.safetensors")
	require.NoError(t, torchload.WriteSafeTensorsFile(unrelatedPath,
		torchload.StateDict{"some.unrelated.key": tensors.FromValue([]float32{1})}, nil))
	files[GeneratorCheckpointName(testSize)] = unrelatedPath
	_, err = New(backend, config, WithResolver(resolver))
	require.ErrorIs(t, err, torchload.ErrMissingKeys)

	// Unresolved components.
	delete(files, GeneratorCheckpointName(testSize))
	_, err = New(backend, config, WithResolver(resolver))
	require.ErrorIs(t, err, ckpt.ErrUnknownCheckpoint)
}

func TestConcurrentOperations(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model := newTestModel(t, backend, smallConfig())
	weightsPath := filepath.Join(t.TempDir(), "weights.safetensors")
	require.NoError(t, model.ExportWeights(weightsPath))
	model.Eval()
	images := testImages(testBatch, testSize, testSize)
	posterior, err := model.Encode(images)
	require.NoError(t, err)

	const numWorkers = 4
	samples := make([][]float32, numWorkers)
	errs := make([]error, 2*numWorkers+1)
	var wg sync.WaitGroup
	for i := range numWorkers {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sample, err := posterior.Sample()
			errs[i] = err
			if err == nil {
				samples[i] = flat(sample)
			}
		}()
		go func() {
			defer wg.Done()
			_, errs[numWorkers+i] = model.Encode(images)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[2*numWorkers] = model.LoadWeights(weightsPath)
	}()
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "operation #%d", i)
	}
	for i := range numWorkers {
		for j := range i {
			require.NotEqual(t, samples[j], samples[i], "samples %d and %d", j, i)
		}
	}
}
