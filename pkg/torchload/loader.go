// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package torchload

import (
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// Variable names used by GoMLX's batchnorm layer, and the PyTorch buffer or parameter each one maps to.
// The batchnorm "avg_weight" variable has no PyTorch counterpart, and is never loaded or exported.
var batchNormAliases = map[string]string{
	"scale":    "weight",
	"offset":   "bias",
	"mean":     "running_mean",
	"variance": "running_var",
}

// BatchNormAvgWeightName is the batchnorm variable without a PyTorch counterpart.
const BatchNormAvgWeightName = "avg_weight"

// ScopeNameToKey returns the PyTorch state dict key of the variable name in scope: the scope path separators
// become dots and the name is appended. If batchNorm is true, GoMLX batchnorm variable names are translated
// to PyTorch's ("scale" to "weight", "offset" to "bias", "mean" to "running_mean" and "variance" to
// "running_var").
//
// Example: ScopeNameToKey("/encoder/model/bn1", "mean", true) returns "encoder.model.bn1.running_mean".
func ScopeNameToKey(scope, name string, batchNorm bool) string {
	if batchNorm {
		if alias, found := batchNormAliases[name]; found {
			name = alias
		}
	}
	scope = strings.Trim(scope, context.ScopeSeparator)
	if scope == "" {
		return name
	}
	return strings.ReplaceAll(scope, context.ScopeSeparator, ".") + "." + name
}

// isBatchNormScope reports whether scope holds the variables of a GoMLX batchnorm layer.
func isBatchNormScope(ctx *context.Context, scope string) bool {
	return ctx.InspectVariable(scope, "mean") != nil && ctx.InspectVariable(scope, "variance") != nil
}

// IsInternalVariable reports whether name is a GoMLX internal variable, like the random number generator
// state ("#rngState"). Internal variables have no PyTorch counterpart, and are never loaded or exported.
func IsInternalVariable(name string) bool {
	return strings.HasPrefix(name, "#")
}

// ignoredUnusedKeySuffixes are PyTorch buffers without a GoMLX counterpart: they are never reported as
// unexpected by strict loading.
var ignoredUnusedKeySuffixes = []string{".num_batches_tracked"}

// Loader loads a StateDict into the variables of a context, with Apply.
//
// By default loading is strict, as PyTorch's `load_state_dict`: Apply fails if any variable is missing from
// the state dict, or if the state dict has entries that no variable uses.
type Loader struct {
	stateDict      StateDict
	scope          string
	strict         bool
	skipMismatched bool

	used      map[string]bool
	numLoaded int
	missing   []string
}

// Option configures a Loader.
type Option func(l *Loader)

// WithScope restricts the Loader to the variables under scope, and looks them up with keys relative to it.
// It is used to load the state dict of a sub-model: e.g. with WithScope("/encoder/model"), the variable
// "weight" in scope "/encoder/model/conv1" is loaded from the key "conv1.weight", and variables outside
// "/encoder/model" are ignored.
func WithScope(scope string) Option {
	return func(l *Loader) {
		scope = strings.Trim(scope, context.ScopeSeparator)
		if scope == "" {
			l.scope = ""
		} else {
			l.scope = context.ScopeSeparator + scope
		}
	}
}

// WithStrict sets whether Apply fails with ErrMissingKeys when variables are missing from the state dict or
// entries are left unused. Default is true.
func WithStrict(strict bool) Option {
	return func(l *Loader) { l.strict = strict }
}

// WithSkipShapeMismatch makes Apply skip entries whose shape doesn't match their variable, instead of failing:
// the entry is left unused, and the variable is reported as missing. It is used to load pretrained components
// whose layers were resized, together with WithStrict(false).
func WithSkipShapeMismatch() Option {
	return func(l *Loader) { l.skipMismatched = true }
}

// NewLoader creates a Loader for stateDict.
func NewLoader(stateDict StateDict, opts ...Option) *Loader {
	l := &Loader{
		stateDict: stateDict,
		strict:    true,
		used:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// relativeScope returns scope relative to the Loader scope, and whether scope is under it.
func (l *Loader) relativeScope(scope string) (string, bool) {
	if l.scope == "" {
		return scope, true
	}
	if scope == l.scope {
		return "", true
	}
	return strings.CutPrefix(scope, l.scope+context.ScopeSeparator)
}

// Apply sets the value of every variable of ctx (under the Loader scope) found in the state dict. The values
// are converted to the variable dtype, and dimensions must match, except for axes of dimension 1.
//
// It returns an error wrapping ErrShapeMismatch if an entry doesn't match its variable, unless
// WithSkipShapeMismatch is used. If strict (the
// default), it returns an error wrapping ErrMissingKeys if variables are missing from the state dict (see
// Missing) or entries are unused (see Unused), and in that case the loaded values must not be used.
func (l *Loader) Apply(ctx *context.Context) error {
	for v := range ctx.IterVariables() {
		scope, inScope := l.relativeScope(v.Scope())
		if !inScope || IsInternalVariable(v.Name()) {
			continue
		}
		batchNorm := isBatchNormScope(ctx, v.Scope())
		if batchNorm && v.Name() == BatchNormAvgWeightName {
			continue
		}
		key := ScopeNameToKey(scope, v.Name(), batchNorm)
		entry, found := l.stateDict[key]
		if !found {
			l.missing = append(l.missing, v.ScopeAndName())
			continue
		}
		value, err := ConvertTo(entry, v.Shape())
		if err != nil && l.skipMismatched && errors.Is(err, ErrShapeMismatch) {
			klog.V(1).Infof("torchload: skipping %q for variable %s: %v", key, v.ScopeAndName(), err)
			l.missing = append(l.missing, v.ScopeAndName())
			continue
		}
		if err != nil {
			return errors.WithMessagef(err, "variable %s (key %q)", v.ScopeAndName(), key)
		}
		if err := v.SetValue(value); err != nil {
			return errors.WithMessagef(err, "variable %s (key %q)", v.ScopeAndName(), key)
		}
		l.used[key] = true
		l.numLoaded++
	}
	slices.Sort(l.missing)
	if l.strict {
		return l.Err()
	}
	return nil
}

// Err returns an error wrapping ErrMissingKeys listing the variables missing from the state dict and the
// unexpected (unused) entries, or nil if there are none.
//
// Unused PyTorch-only buffers, like "num_batches_tracked", are not unexpected.
func (l *Loader) Err() error {
	unexpected := l.Unexpected()
	if len(l.missing) == 0 && len(unexpected) == 0 {
		return nil
	}
	const maxListed = 10
	return errors.Wrapf(ErrMissingKeys, "%d variables missing from the state dict %q, %d unexpected entries %q",
		len(l.missing), firstN(l.missing, maxListed), len(unexpected), firstN(unexpected, maxListed))
}

func firstN(values []string, n int) []string {
	if len(values) <= n {
		return values
	}
	return append(slices.Clone(values[:n]), "...")
}

// NumLoaded returns the number of variables loaded so far.
func (l *Loader) NumLoaded() int { return l.numLoaded }

// Missing returns the variables (scope and name) not found in the state dict during Apply.
func (l *Loader) Missing() []string { return l.missing }

// Unused returns the sorted keys of the state dict not loaded into any variable.
func (l *Loader) Unused() []string {
	var unused []string
	for _, key := range l.stateDict.Keys() {
		if !l.used[key] {
			unused = append(unused, key)
		}
	}
	return unused
}

// Unexpected returns the unused keys (see Unused) that strict loading reports: those that are not
// PyTorch-only buffers.
func (l *Loader) Unexpected() []string {
	var unexpected []string
	for _, key := range l.Unused() {
		ignored := slices.ContainsFunc(ignoredUnusedKeySuffixes, func(suffix string) bool {
			return strings.HasSuffix(key, suffix) || key == suffix[1:]
		})
		if !ignored {
			unexpected = append(unexpected, key)
		}
	}
	return unexpected
}

// squeezedDims returns dims without the axes of dimension 1.
func squeezedDims(dims []int) []int {
	squeezed := make([]int, 0, len(dims))
	for _, dim := range dims {
		if dim != 1 {
			squeezed = append(squeezed, dim)
		}
	}
	return squeezed
}

// ConvertTo returns a new tensor with the given shape holding the values of t, converted to the shape dtype.
//
// The dimensions of t must match shape's, except for axes of dimension 1, otherwise it returns an error
// wrapping ErrShapeMismatch.
func ConvertTo(t *tensors.Tensor, shape shapes.Shape) (*tensors.Tensor, error) {
	if !slices.Equal(squeezedDims(t.Shape().Dimensions), squeezedDims(shape.Dimensions)) {
		return nil, errors.Wrapf(ErrShapeMismatch, "got %s, wanted %s", t.Shape(), shape)
	}
	if t.DType() == shape.DType {
		converted := tensors.FromShape(shape)
		var err error
		accessErr := t.ConstBytes(func(src []byte) {
			err = converted.MutableBytes(func(dst []byte) { copy(dst, src) })
		})
		if accessErr != nil {
			return nil, accessErr
		}
		if err != nil {
			return nil, err
		}
		return converted, nil
	}
	values, err := toFloat64s(t)
	if err != nil {
		return nil, err
	}
	return fromFloat64s(values, shape)
}

// toFloat64s returns the values of t as float64.
func toFloat64s(t *tensors.Tensor) (values []float64, err error) {
	err = t.ConstFlatData(func(flat any) {
		switch data := flat.(type) {
		case []float32:
			values = castSlice[float32, float64](data)
		case []float64:
			values = slices.Clone(data)
		case []int64:
			values = castSlice[int64, float64](data)
		case []int32:
			values = castSlice[int32, float64](data)
		case []int16:
			values = castSlice[int16, float64](data)
		case []int8:
			values = castSlice[int8, float64](data)
		case []uint8:
			values = castSlice[uint8, float64](data)
		case []float16.Float16:
			values = make([]float64, len(data))
			for i, v := range data {
				values[i] = float64(v.Float32())
			}
		case []bfloat16.BFloat16:
			values = make([]float64, len(data))
			for i, v := range data {
				values[i] = float64(v.Float32())
			}
		case []bool:
			values = make([]float64, len(data))
			for i, v := range data {
				if v {
					values[i] = 1
				}
			}
		default:
			err = errors.Wrapf(ErrUnsupportedFormat, "cannot convert dtype %s", t.DType())
		}
	})
	return
}

// fromFloat64s creates a tensor with the given shape from values.
func fromFloat64s(values []float64, shape shapes.Shape) (*tensors.Tensor, error) {
	dims := shape.Dimensions
	switch shape.DType {
	case dtypes.Float32:
		return tensors.FromFlatDataAndDimensions(castSlice[float64, float32](values), dims...), nil
	case dtypes.Float64:
		return tensors.FromFlatDataAndDimensions(values, dims...), nil
	case dtypes.Int64:
		return tensors.FromFlatDataAndDimensions(castSlice[float64, int64](values), dims...), nil
	case dtypes.Int32:
		return tensors.FromFlatDataAndDimensions(castSlice[float64, int32](values), dims...), nil
	case dtypes.Uint8:
		return tensors.FromFlatDataAndDimensions(castSlice[float64, uint8](values), dims...), nil
	case dtypes.Float16:
		data := make([]float16.Float16, len(values))
		for i, v := range values {
			data[i] = float16.Fromfloat32(float32(v))
		}
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	case dtypes.BFloat16:
		data := make([]bfloat16.BFloat16, len(values))
		for i, v := range values {
			data[i] = bfloat16.FromFloat64(v)
		}
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	case dtypes.Bool:
		data := make([]bool, len(values))
		for i, v := range values {
			data[i] = v != 0
		}
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedFormat, "cannot convert to dtype %s", shape.DType)
	}
}

// castSlice converts each element of from.
func castSlice[From, To dtypes.NumberNotComplex](from []From) []To {
	to := make([]To, len(from))
	for i, v := range from {
		to[i] = To(v)
	}
	return to
}
