// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package torchload

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"

	"github.com/d4l3k/go-bfloat16"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// safeTensorsMetadataKey is the reserved header entry with free-form string metadata.
const safeTensorsMetadataKey = "__metadata__"

// maxSafeTensorsHeaderSize bounds the JSON header, to fail fast on files that are not SafeTensors.
const maxSafeTensorsHeaderSize = 100 << 20

// safeTensorsEntry describes one tensor in the SafeTensors header. Offsets are relative to the end of the header.
type safeTensorsEntry struct {
	DType       string `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets [2]int `json:"data_offsets"`
}

// safeTensorsDTypes maps the SafeTensors dtype names to the GoMLX dtypes they are read as.
// "BF16" is converted to Float32 when read.
var safeTensorsDTypes = map[string]dtypes.DType{
	"F64":  dtypes.Float64,
	"F32":  dtypes.Float32,
	"F16":  dtypes.Float16,
	"BF16": dtypes.Float32,
	"I64":  dtypes.Int64,
	"I32":  dtypes.Int32,
	"I16":  dtypes.Int16,
	"I8":   dtypes.Int8,
	"U64":  dtypes.Uint64,
	"U32":  dtypes.Uint32,
	"U16":  dtypes.Uint16,
	"U8":   dtypes.Uint8,
	"BOOL": dtypes.Bool,
}

// readSafeTensors reads a SafeTensors file.
func readSafeTensors(path string) (StateDict, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open")
	}
	defer func() { _ = f.Close() }()
	return ReadSafeTensors(f)
}

// ReadSafeTensors reads a state dict in the SafeTensors format from r.
func ReadSafeTensors(r io.Reader) (StateDict, error) {
	var headerSize uint64
	if err := binary.Read(r, binary.LittleEndian, &headerSize); err != nil {
		return nil, errors.Wrap(err, "failed to read SafeTensors header size")
	}
	if headerSize > maxSafeTensorsHeaderSize {
		return nil, errors.Wrapf(ErrUnsupportedFormat, "SafeTensors header of %d bytes is too large", headerSize)
	}
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, errors.Wrap(err, "failed to read SafeTensors header")
	}
	var rawEntries map[string]json.RawMessage
	if err := json.Unmarshal(header, &rawEntries); err != nil {
		return nil, errors.Wrapf(ErrUnsupportedFormat, "invalid SafeTensors header: %v", err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read SafeTensors data")
	}

	sd := make(StateDict, len(rawEntries))
	for key, raw := range rawEntries {
		if key == safeTensorsMetadataKey {
			continue
		}
		var entry safeTensorsEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, errors.Wrapf(ErrUnsupportedFormat, "invalid SafeTensors entry %q: %v", key, err)
		}
		t, err := entry.tensor(data)
		if err != nil {
			return nil, errors.WithMessagef(err, "SafeTensors entry %q", key)
		}
		sd[key] = t
	}
	return sd, nil
}

// tensor decodes the entry from the data section.
func (e *safeTensorsEntry) tensor(data []byte) (*tensors.Tensor, error) {
	start, end := e.DataOffsets[0], e.DataOffsets[1]
	if start < 0 || end < start || end > len(data) {
		return nil, errors.Wrapf(ErrUnsupportedFormat, "data offsets %v out of data of %d bytes", e.DataOffsets, len(data))
	}
	raw := data[start:end]
	n := 1
	for _, dim := range e.Shape {
		n *= dim
	}

	switch e.DType {
	case "BF16":
		if len(raw) != 2*n {
			return nil, errors.Wrapf(ErrUnsupportedFormat, "BF16 shape %v needs %d bytes, got %d", e.Shape, 2*n, len(raw))
		}
		return tensors.FromFlatDataAndDimensions(bfloat16.DecodeFloat32(raw), e.Shape...), nil
	case "F16":
		if len(raw) != 2*n {
			return nil, errors.Wrapf(ErrUnsupportedFormat, "F16 shape %v needs %d bytes, got %d", e.Shape, 2*n, len(raw))
		}
		values := make([]float16.Float16, n)
		for i := range values {
			values[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:]))
		}
		return tensors.FromFlatDataAndDimensions(values, e.Shape...), nil
	}

	dtype, found := safeTensorsDTypes[e.DType]
	if !found {
		return nil, errors.Wrapf(ErrUnsupportedFormat, "dtype %q", e.DType)
	}
	t := tensors.FromShape(shapes.Make(dtype, e.Shape...))
	if int(t.Shape().Memory()) != len(raw) {
		return nil, errors.Wrapf(ErrUnsupportedFormat, "%s shape %v needs %d bytes, got %d",
			e.DType, e.Shape, t.Shape().Memory(), len(raw))
	}
	if err := t.MutableBytes(func(dst []byte) { copy(dst, raw) }); err != nil {
		return nil, err
	}
	return t, nil
}

// safeTensorsDTypeName returns the SafeTensors name for a GoMLX dtype.
func safeTensorsDTypeName(dtype dtypes.DType) (string, bool) {
	switch dtype {
	case dtypes.Float64:
		return "F64", true
	case dtypes.Float32:
		return "F32", true
	case dtypes.Float16:
		return "F16", true
	case dtypes.BFloat16:
		return "BF16", true
	case dtypes.Int64:
		return "I64", true
	case dtypes.Int32:
		return "I32", true
	case dtypes.Int16:
		return "I16", true
	case dtypes.Int8:
		return "I8", true
	case dtypes.Uint64:
		return "U64", true
	case dtypes.Uint32:
		return "U32", true
	case dtypes.Uint16:
		return "U16", true
	case dtypes.Uint8:
		return "U8", true
	case dtypes.Bool:
		return "BOOL", true
	default:
		return "", false
	}
}

// WriteSafeTensors writes the state dict in the SafeTensors format to w, with the entries sorted by key.
// metadata is optional.
func WriteSafeTensors(w io.Writer, sd StateDict, metadata map[string]string) error {
	header := make(map[string]any, len(sd)+1)
	if len(metadata) > 0 {
		header[safeTensorsMetadataKey] = metadata
	}
	var data bytes.Buffer
	for _, key := range sd.Keys() {
		t := sd[key]
		name, ok := safeTensorsDTypeName(t.DType())
		if !ok {
			return errors.Wrapf(ErrUnsupportedFormat, "entry %q has dtype %s", key, t.DType())
		}
		start := data.Len()
		if err := t.ConstBytes(func(raw []byte) { data.Write(raw) }); err != nil {
			return errors.WithMessagef(err, "entry %q", key)
		}
		dims := t.Shape().Dimensions
		if dims == nil {
			dims = []int{}
		}
		header[key] = safeTensorsEntry{DType: name, Shape: dims, DataOffsets: [2]int{start, data.Len()}}
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "failed to encode SafeTensors header")
	}
	// Header is padded with spaces to an 8 bytes boundary.
	if pad := len(headerBytes) % 8; pad != 0 {
		headerBytes = append(headerBytes, bytes.Repeat([]byte{' '}, 8-pad)...)
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerBytes))); err != nil {
		return errors.Wrap(err, "failed to write SafeTensors header")
	}
	if _, err := w.Write(headerBytes); err != nil {
		return errors.Wrap(err, "failed to write SafeTensors header")
	}
	if _, err := data.WriteTo(w); err != nil {
		return errors.Wrap(err, "failed to write SafeTensors data")
	}
	return nil
}

// WriteSafeTensorsFile writes the state dict to path in the SafeTensors format.
func WriteSafeTensorsFile(path string, sd StateDict, metadata map[string]string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "torchload: failed to create %q", path)
	}
	if err := WriteSafeTensors(f, sd, metadata); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "torchload: failed to write %q", path)
	}
	return errors.Wrapf(f.Close(), "torchload: failed to close %q", path)
}
