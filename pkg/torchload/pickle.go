// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package torchload

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// StateDictKey is the key under which training checkpoints usually store the model state dict.
const StateDictKey = "state_dict"

// readPickle reads a state dict saved with torch.save.
func readPickle(path string) (StateDict, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to unpickle")
	}
	return StateDictFromObject(obj)
}

// dictEntry is a key/value pair of a pickled Python dictionary.
type dictEntry struct {
	key, value any
}

// dictEntries returns the entries of a pickled dictionary, in their original order, or false if obj is not
// a dictionary.
func dictEntries(obj any) ([]dictEntry, bool) {
	switch dict := obj.(type) {
	case *types.OrderedDict:
		entries := make([]dictEntry, 0, dict.List.Len())
		for e := dict.List.Front(); e != nil; e = e.Next() {
			entry := e.Value.(*types.OrderedDictEntry)
			entries = append(entries, dictEntry{entry.Key, entry.Value})
		}
		return entries, true
	case *types.Dict:
		keys := dict.Keys()
		entries := make([]dictEntry, 0, len(keys))
		for _, key := range keys {
			entries = append(entries, dictEntry{key, dict.MustGet(key)})
		}
		return entries, true
	default:
		return nil, false
	}
}

// StateDictFromObject converts an unpickled object to a StateDict. obj must be a dictionary of tensors, or a
// dictionary holding one under StateDictKey. Entries that are not tensors are skipped.
func StateDictFromObject(obj any) (StateDict, error) {
	entries, ok := dictEntries(obj)
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedFormat, "expected a dictionary, got %T", obj)
	}
	for _, entry := range entries {
		if key, _ := entry.key.(string); key == StateDictKey {
			if _, isDict := dictEntries(entry.value); isDict {
				return StateDictFromObject(entry.value)
			}
		}
	}

	sd := make(StateDict, len(entries))
	for _, entry := range entries {
		key, ok := entry.key.(string)
		if !ok {
			return nil, errors.Wrapf(ErrUnsupportedFormat, "state dict key %v is a %T, not a string", entry.key, entry.key)
		}
		torchTensor, ok := entry.value.(*pytorch.Tensor)
		if !ok {
			klog.V(1).Infof("torchload: skipping %q, a %T", key, entry.value)
			continue
		}
		t, err := TensorFromTorch(torchTensor)
		if err != nil {
			return nil, errors.WithMessagef(err, "state dict entry %q", key)
		}
		sd[key] = t
	}
	return sd, nil
}

// TensorFromTorch converts an unpickled PyTorch tensor to a GoMLX tensor, honoring its storage offset and
// strides.
//
// Half and bfloat16 storages are converted to Float32 by the unpickler.
func TensorFromTorch(t *pytorch.Tensor) (*tensors.Tensor, error) {
	switch storage := t.Source.(type) {
	case *pytorch.FloatStorage:
		return gatherTensor(storage.Data, t)
	case *pytorch.HalfStorage:
		return gatherTensor(storage.Data, t)
	case *pytorch.BFloat16Storage:
		return gatherTensor(storage.Data, t)
	case *pytorch.DoubleStorage:
		return gatherTensor(storage.Data, t)
	case *pytorch.LongStorage:
		return gatherTensor(storage.Data, t)
	case *pytorch.IntStorage:
		return gatherTensor(storage.Data, t)
	case *pytorch.ShortStorage:
		return gatherTensor(storage.Data, t)
	case *pytorch.CharStorage:
		return gatherTensor(storage.Data, t)
	case *pytorch.ByteStorage:
		return gatherTensor(storage.Data, t)
	case *pytorch.BoolStorage:
		return gatherTensor(storage.Data, t)
	default:
		return nil, errors.Wrapf(ErrUnsupportedFormat, "storage type %T", t.Source)
	}
}

// gatherTensor builds a tensor with the dimensions of t from the strided view of data.
func gatherTensor[T dtypes.Supported](data []T, t *pytorch.Tensor) (*tensors.Tensor, error) {
	flat, err := gatherStrided(data, t.StorageOffset, t.Size, t.Stride)
	if err != nil {
		return nil, err
	}
	return tensors.FromFlatDataAndDimensions(flat, t.Size...), nil
}

// gatherStrided returns the elements of the view (offset, size, stride) of data in row-major order.
func gatherStrided[T any](data []T, offset int, size, stride []int) ([]T, error) {
	if len(size) != len(stride) {
		return nil, errors.Wrapf(ErrUnsupportedFormat, "size %v and stride %v have different ranks", size, stride)
	}
	n := 1
	for _, dim := range size {
		n *= dim
	}
	if n == 0 {
		return []T{}, nil
	}

	// Last element accessed must be within the storage.
	last := offset
	for axis, dim := range size {
		last += (dim - 1) * stride[axis]
	}
	if offset < 0 || last >= len(data) {
		return nil, errors.Wrapf(ErrUnsupportedFormat, "view (offset=%d, size=%v, stride=%v) out of storage of %d elements",
			offset, size, stride, len(data))
	}

	if isContiguous(size, stride) {
		return append([]T(nil), data[offset:offset+n]...), nil
	}
	flat := make([]T, n)
	indices := make([]int, len(size))
	for i := range flat {
		pos := offset
		for axis, idx := range indices {
			pos += idx * stride[axis]
		}
		flat[i] = data[pos]
		for axis := len(indices) - 1; axis >= 0; axis-- {
			indices[axis]++
			if indices[axis] < size[axis] {
				break
			}
			indices[axis] = 0
		}
	}
	return flat, nil
}

// isContiguous reports whether stride is the row-major layout of size. Axes of dimension 1 are ignored.
func isContiguous(size, stride []int) bool {
	expected := 1
	for axis := len(size) - 1; axis >= 0; axis-- {
		if size[axis] != 1 && stride[axis] != expected {
			return false
		}
		expected *= size[axis]
	}
	return true
}
