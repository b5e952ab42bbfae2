// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lstmsnp

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/rnn/recurrence"
	"github.com/pkg/errors"
)

// Config returns a flat mapping of every constructor parameter, for
// persistence by the outer system. Activations are serialized by name,
// the implementation mode by its integer value. Initializer, regularizer
// and constraint policies are opaque functions and are not serialized.
//
// FromConfig reconstructs an equivalent layer from this mapping.
func (l *LSTMSNP) Config() map[string]any {
	return map[string]any{
		"units":                l.units,
		"activation":           l.activation.String(),
		"recurrent_activation": l.recurrentActivation.String(),
		"use_bias":             l.useBias,
		"unit_forget_bias":     l.unitForgetBias,
		"dropout":              l.dropout,
		"recurrent_dropout":    l.recurrentDropout,
		"implementation":       int(l.implementation),
		"return_sequences":     l.returnSequences,
		"go_backwards":         l.backwards,
		"stateful":             l.stateful,
		"unroll":               l.unroll,
	}
}

// FromConfig reconstructs a layer from a mapping produced by LSTMSNP.Config,
// to be applied to x. Given identical weights and inputs, the reconstructed
// layer produces identical outputs.
func FromConfig(ctx *context.Context, x *Node, config map[string]any) *LSTMSNP {
	l := New(ctx, x, configValue[int](config, "units"))
	l.Activation(activations.FromName(configValue[string](config, "activation")))
	l.RecurrentActivation(activations.FromName(configValue[string](config, "recurrent_activation")))
	l.UseBias(configValue[bool](config, "use_bias"))
	l.UnitForgetBias(configValue[bool](config, "unit_forget_bias"))
	l.Dropout(configValue[float64](config, "dropout"))
	l.RecurrentDropout(configValue[float64](config, "recurrent_dropout"))
	l.Implementation(ImplementationType(configValue[int](config, "implementation")))
	l.ReturnSequences(configValue[bool](config, "return_sequences"))
	l.Backwards(configValue[bool](config, "go_backwards"))
	l.Stateful(configValue[bool](config, "stateful"))
	l.Unroll(configValue[bool](config, "unroll"))
	return l
}

func configValue[T any](config map[string]any, key string) T {
	raw, found := config[key]
	if !found {
		Panicf("lstmsnp config is missing key %q", key)
	}
	value, ok := raw.(T)
	if !ok {
		Panicf("lstmsnp config key %q has value %v (%T), expected %T", key, raw, raw, value)
	}
	return value
}

// ResetStates overwrites the carried state of a stateful layer with zeros.
// ctx must be the same context (and parent scope) the layer was applied under.
// It panics with recurrence.ErrNotBuilt if the layer was never applied.
func ResetStates(ctx *context.Context) {
	for _, v := range stateVariables(ctx) {
		v.MustSetValue(tensors.FromShape(v.Shape()))
	}
}

// ResetStatesWith overwrites the carried state of a stateful layer with the
// given values for h and u, validated against the declared state shape
// [batchSize, units].
func ResetStatesWith(ctx *context.Context, h, u *tensors.Tensor) {
	states := stateVariables(ctx)
	for ii, value := range []*tensors.Tensor{h, u} {
		v := states[ii]
		if !value.Shape().Equal(v.Shape()) {
			panic(errors.WithMessagef(recurrence.ErrShapeMismatch,
				"state #%d must be shaped %s, got %s", ii, v.Shape(), value.Shape()))
		}
		v.MustSetValue(value)
	}
}

func stateVariables(ctx *context.Context) [NumStates]*context.Variable {
	ctx = ctx.In(Scope)
	var states [NumStates]*context.Variable
	for ii, name := range []string{stateHName, stateUName} {
		v := ctx.InspectVariableInScope(name)
		if v == nil {
			panic(errors.WithMessagef(recurrence.ErrNotBuilt,
				"stateful lstmsnp layer has no carried state under scope %q -- apply the layer first", ctx.Scope()))
		}
		states[ii] = v
	}
	return states
}
