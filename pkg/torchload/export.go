// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package torchload

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// StateDictFromContext returns a state dict with a copy of every variable of ctx, keyed as ScopeNameToKey.
// It is the inverse of Loader.Apply: internal variables (see IsInternalVariable) and the batchnorm
// "avg_weight" are not exported.
func StateDictFromContext(ctx *context.Context) (StateDict, error) {
	sd := make(StateDict)
	for v := range ctx.IterVariables() {
		if IsInternalVariable(v.Name()) {
			continue
		}
		batchNorm := isBatchNormScope(ctx, v.Scope())
		if batchNorm && v.Name() == BatchNormAvgWeightName {
			continue
		}
		key := ScopeNameToKey(v.Scope(), v.Name(), batchNorm)
		if _, duplicate := sd[key]; duplicate {
			return nil, errors.Errorf("torchload: variables map to the same key %q", key)
		}
		value, err := v.Value()
		if err != nil {
			return nil, errors.WithMessagef(err, "torchload: variable %s", v.ScopeAndName())
		}
		clone, err := ConvertTo(value, value.Shape())
		if err != nil {
			return nil, errors.WithMessagef(err, "torchload: variable %s", v.ScopeAndName())
		}
		sd[key] = clone
	}
	return sd, nil
}
