// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package torchload reads PyTorch state dicts and loads them into GoMLX context variables.
//
// Two file formats are supported:
//
//   - Pickled state dicts saved with `torch.save(model.state_dict(), path)` (".pt", ".pth", ".ckpt" and
//     others), optionally wrapped in a dictionary under the key "state_dict".
//   - SafeTensors files (".safetensors").
//
// Keys of the state dict are matched to variables by translating the variable scope and name to PyTorch's
// dotted notation: the variable "weight" in scope "/encoder/model/conv1" is "encoder.model.conv1.weight".
// See ScopeNameToKey for the aliases used for GoMLX layers whose variable names differ from PyTorch's.
package torchload

import (
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrUnsupportedFormat is returned for files, objects or storage types that can't be converted.
	ErrUnsupportedFormat = errors.New("unsupported state dict format")

	// ErrShapeMismatch is returned when a state dict entry doesn't have the shape of the variable it maps to.
	ErrShapeMismatch = errors.New("state dict entry shape mismatch")

	// ErrMissingKeys is returned by strict loading when variables are missing from the state dict, or the
	// state dict has unexpected entries.
	ErrMissingKeys = errors.New("state dict keys don't match the variables")
)

// StateDict maps PyTorch parameter names (dotted keys) to their values.
type StateDict map[string]*tensors.Tensor

// Keys returns the sorted keys of the state dict.
func (sd StateDict) Keys() []string {
	keys := make([]string, 0, len(sd))
	for key := range sd {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// Finalize immediately frees the tensors of the state dict.
func (sd StateDict) Finalize() {
	for key, t := range sd {
		if err := t.FinalizeAll(); err != nil {
			klog.Warningf("torchload: failed to finalize %q: %v", key, err)
		}
		delete(sd, key)
	}
}

// ReadStateDict reads the state dict in path. The format is selected by the file extension: ".safetensors"
// for SafeTensors, anything else is read as a PyTorch pickle.
func ReadStateDict(path string) (StateDict, error) {
	var (
		sd  StateDict
		err error
	)
	if strings.EqualFold(filepath.Ext(path), ".safetensors") {
		sd, err = readSafeTensors(path)
	} else {
		sd, err = readPickle(path)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "torchload: failed to read %q", path)
	}
	klog.V(1).Infof("torchload: read %d entries from %q", len(sd), path)
	return sd, nil
}
