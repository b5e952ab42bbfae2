// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simplernn implements a fully-connected recurrent layer where the
// output is fed back as the recurrent signal: h_t = act(x_t·W + h_{t-1}·U + b).
//
// It shares the recurrence engine and the configuration surface of the
// lstmsnp package, with a single state vector and two implementation modes:
// ImplPrecomputed (the input projection is computed for the whole sequence
// before scanning) and ImplPerStep.
package simplernn

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	initializer "github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/rnn/recurrence"
	"github.com/pkg/errors"
)

// Scope is the context scope under which the layer's variables are created.
const Scope = "simple_rnn"

// ImplementationType selects how the input projection is computed.
type ImplementationType int

const (
	// ImplPrecomputed projects the whole input sequence through the kernel
	// once per call, before scanning.
	ImplPrecomputed ImplementationType = iota

	// ImplPerStep projects the input through the kernel at every step.
	ImplPerStep
)

const stateHName = "state_h"

// SimpleRNN holds the layer configuration. Create with New, configure, then
// apply with Done.
type SimpleRNN struct {
	ctx   *context.Context
	x     *Node
	units int

	activation       activations.Type
	useBias          bool
	dropout          float64
	recurrentDropout float64
	implementation   ImplementationType

	returnSequences bool
	backwards       bool
	stateful        bool
	unroll          bool

	mask          *Node
	initialState  *Node
	kernelInit    initializer.VariableInitializer
	recurrentInit initializer.VariableInitializer
	biasInit      initializer.VariableInitializer
	kernelReg     regularizers.Regularizer
	recurrentReg  regularizers.Regularizer
	biasReg       regularizers.Regularizer
}

// New creates a SimpleRNN layer with the given number of units, to be applied
// to x, shaped [batchSize, timeSteps, featuresSize].
func New(ctx *context.Context, x *Node, units int) *SimpleRNN {
	return &SimpleRNN{
		ctx:        ctx,
		x:          x,
		units:      units,
		activation: activations.TypeTanh,
		useBias:    true,
	}
}

// Activation sets the output activation. Defaults to tanh.
func (l *SimpleRNN) Activation(activation activations.Type) *SimpleRNN {
	l.activation = activation
	return l
}

// UseBias configures whether the projection includes a bias term. Defaults to true.
func (l *SimpleRNN) UseBias(useBias bool) *SimpleRNN {
	l.useBias = useBias
	return l
}

// Dropout sets the dropout rate on the input path; the mask is drawn once per
// call and shared by all timesteps. Defaults to 0.
func (l *SimpleRNN) Dropout(rate float64) *SimpleRNN {
	l.dropout = min(1.0, max(0.0, rate))
	return l
}

// RecurrentDropout sets the dropout rate on the recurrent path. Defaults to 0.
func (l *SimpleRNN) RecurrentDropout(rate float64) *SimpleRNN {
	l.recurrentDropout = min(1.0, max(0.0, rate))
	return l
}

// Implementation selects ImplPrecomputed or ImplPerStep.
func (l *SimpleRNN) Implementation(impl ImplementationType) *SimpleRNN {
	l.implementation = impl
	return l
}

// ReturnSequences configures Done to return the full output sequence instead
// of only the last step. Defaults to false.
func (l *SimpleRNN) ReturnSequences(returnSequences bool) *SimpleRNN {
	l.returnSequences = returnSequences
	return l
}

// Backwards processes the sequence in reversed order; outputs stay chronological.
func (l *SimpleRNN) Backwards(backwards bool) *SimpleRNN {
	l.backwards = backwards
	return l
}

// Stateful carries the final state over as the next call's initial state.
// See lstmsnp.Stateful for the carry-over model.
func (l *SimpleRNN) Stateful(stateful bool) *SimpleRNN {
	l.stateful = stateful
	return l
}

// Unroll materializes one step per timestep instead of the While scan.
func (l *SimpleRNN) Unroll(unroll bool) *SimpleRNN {
	l.unroll = unroll
	return l
}

// WithMask sets a step mask shaped [batchSize, timeSteps].
func (l *SimpleRNN) WithMask(mask *Node) *SimpleRNN {
	l.mask = mask
	return l
}

// InitialState sets an explicit initial state, shaped [batchSize, units].
func (l *SimpleRNN) InitialState(h *Node) *SimpleRNN {
	l.initialState = h
	return l
}

// KernelInitializer overrides the initializer for the input kernel.
func (l *SimpleRNN) KernelInitializer(init initializer.VariableInitializer) *SimpleRNN {
	l.kernelInit = init
	return l
}

// RecurrentInitializer overrides the initializer for the recurrent kernel.
func (l *SimpleRNN) RecurrentInitializer(init initializer.VariableInitializer) *SimpleRNN {
	l.recurrentInit = init
	return l
}

// BiasInitializer overrides the initializer for the bias (defaults to zeros).
func (l *SimpleRNN) BiasInitializer(init initializer.VariableInitializer) *SimpleRNN {
	l.biasInit = init
	return l
}

// KernelRegularizer attaches a regularizer to the kernel variable.
func (l *SimpleRNN) KernelRegularizer(reg regularizers.Regularizer) *SimpleRNN {
	l.kernelReg = reg
	return l
}

// RecurrentRegularizer attaches a regularizer to the recurrent kernel variable.
func (l *SimpleRNN) RecurrentRegularizer(reg regularizers.Regularizer) *SimpleRNN {
	l.recurrentReg = reg
	return l
}

// BiasRegularizer attaches a regularizer to the bias variable.
func (l *SimpleRNN) BiasRegularizer(reg regularizers.Regularizer) *SimpleRNN {
	l.biasReg = reg
	return l
}

// Done applies the layer and returns the output sequence
// ([batchSize, timeSteps, units]) or the last step ([batchSize, units]),
// per ReturnSequences.
func (l *SimpleRNN) Done() *Node {
	if l.implementation != ImplPrecomputed && l.implementation != ImplPerStep {
		panic(errors.WithMessagef(recurrence.ErrUnsupportedImplementationMode,
			"simplernn implementation mode must be 0 or 1, got %d", l.implementation))
	}
	x := l.x
	if x.Rank() != 3 {
		panic(errors.WithMessagef(recurrence.ErrShapeMismatch,
			"simplernn input must be shaped [batchSize, timeSteps, features], got %s", x.Shape()))
	}
	g := x.Graph()
	dtype := x.DType()
	ctx := l.ctx.In(Scope)
	batchSize := x.Shape().Dim(0)
	inputDim := x.Shape().Dim(2)
	stateShape := shapes.Make(dtype, batchSize, l.units)

	kernelCtx := ctx
	if l.kernelInit != nil {
		kernelCtx = ctx.WithInitializer(l.kernelInit)
	}
	kernelVar := kernelCtx.VariableWithShape("kernel", shapes.Make(dtype, inputDim, l.units))
	if l.kernelReg != nil {
		l.kernelReg(ctx, g, kernelVar)
	}
	recurrentCtx := ctx
	if l.recurrentInit != nil {
		recurrentCtx = ctx.WithInitializer(l.recurrentInit)
	}
	recurrentVar := recurrentCtx.VariableWithShape("recurrent_kernel", shapes.Make(dtype, l.units, l.units))
	if l.recurrentReg != nil {
		l.recurrentReg(ctx, g, recurrentVar)
	}
	kernel := kernelVar.ValueGraph(g)
	recurrentKernel := recurrentVar.ValueGraph(g)
	var bias *Node
	if l.useBias {
		biasInit := l.biasInit
		if biasInit == nil {
			biasInit = initializer.Zero
		}
		biasVar := ctx.WithInitializer(biasInit).VariableWithShape("bias", shapes.Make(dtype, l.units))
		if l.biasReg != nil {
			l.biasReg(ctx, g, biasVar)
		}
		bias = biasVar.ValueGraph(g)
	}

	// Per-call constants: input mask then recurrent mask, scalar 1 when unused.
	training := ctx.IsTraining(g)
	one := Scalar(g, dtype, 1.0)
	dpMask, recMask := one, one
	if l.implementation == ImplPerStep && l.dropout > 0 && l.dropout < 1 && training {
		dpMask = dropoutMask(ctx, g, shapes.Make(dtype, batchSize, inputDim), l.dropout)
	}
	if l.recurrentDropout > 0 && l.recurrentDropout < 1 && training {
		recMask = dropoutMask(ctx, g, shapes.Make(dtype, batchSize, l.units), l.recurrentDropout)
	}

	preprocessed := x
	if l.implementation == ImplPrecomputed {
		if l.dropout > 0 && l.dropout < 1 && training {
			mask := dropoutMask(ctx, g, shapes.Make(dtype, batchSize, inputDim), l.dropout)
			preprocessed = Mul(preprocessed, ExpandAxes(mask, 1)) // Same mask at every timestep.
		}
		preprocessed = Einsum("btf,fu->btu", preprocessed, kernel)
		if l.useBias {
			preprocessed = Add(preprocessed, ExpandAxes(bias, 0, 1))
		}
	}

	stepFn := func(xT *Node, states []*Node, constants []*Node) (*Node, []*Node) {
		h := states[0]
		proj := xT // ImplPrecomputed: already projected.
		if l.implementation == ImplPerStep {
			proj = Einsum("bf,fu->bu", Mul(xT, constants[0]), kernel)
			if l.useBias {
				proj = Add(proj, InsertAxes(bias, 0))
			}
		}
		output := Add(proj, Einsum("bu,uv->bv", Mul(h, constants[1]), recurrentKernel))
		output = activations.Apply(l.activation, output)
		return output, []*Node{output}
	}

	var initialStates []*Node
	switch {
	case l.initialState != nil:
		if !l.initialState.Shape().Equal(stateShape) {
			panic(errors.WithMessagef(recurrence.ErrShapeMismatch,
				"initial state must be shaped %s, got %s", stateShape, l.initialState.Shape()))
		}
		initialStates = []*Node{l.initialState}
	case l.stateful:
		v := ctx.InspectVariableInScope(stateHName)
		if v != nil && v.Shape().Dim(0) != batchSize {
			panic(errors.WithMessagef(recurrence.ErrStatefulRequiresFixedBatch,
				"stateful layer was built with batch size %d, got %d", v.Shape().Dim(0), batchSize))
		}
		if v == nil {
			v = ctx.WithInitializer(initializer.Zero).VariableWithShape(stateHName, stateShape).SetTrainable(false)
		}
		initialStates = []*Node{v.ValueGraph(g)}
	default:
		initialStates = []*Node{Zeros(g, stateShape)}
	}

	lastOutput, allOutputs, finalStates := recurrence.New(stepFn, preprocessed, initialStates).
		WithMask(l.mask).
		WithConstants(dpMask, recMask).
		Backwards(l.backwards).
		Unroll(l.unroll).
		WithStateArity(1).
		Done()

	if l.stateful {
		ctx.InspectVariableInScope(stateHName).SetValueGraph(finalStates[0])
	}

	if l.returnSequences {
		return allOutputs
	}
	return lastOutput
}

// dropoutMask draws an inverted-dropout mask: 0 with probability rate,
// 1/(1-rate) otherwise.
func dropoutMask(ctx *context.Context, g *Graph, shape shapes.Shape, rate float64) *Node {
	rnd := ctx.RandomUniform(g, shape)
	mask := Where(LessThan(rnd, Scalar(g, shape.DType, rate)), Zeros(g, shape), Ones(g, shape))
	return Div(mask, Scalar(g, shape.DType, 1.0-rate))
}

// Config returns a flat mapping of every constructor parameter.
func (l *SimpleRNN) Config() map[string]any {
	return map[string]any{
		"units":             l.units,
		"activation":        l.activation.String(),
		"use_bias":          l.useBias,
		"dropout":           l.dropout,
		"recurrent_dropout": l.recurrentDropout,
		"implementation":    int(l.implementation),
		"return_sequences":  l.returnSequences,
		"go_backwards":      l.backwards,
		"stateful":          l.stateful,
		"unroll":            l.unroll,
	}
}

// FromConfig reconstructs a layer from a mapping produced by SimpleRNN.Config,
// to be applied to x.
func FromConfig(ctx *context.Context, x *Node, config map[string]any) *SimpleRNN {
	l := New(ctx, x, configValue[int](config, "units"))
	l.Activation(activations.FromName(configValue[string](config, "activation")))
	l.UseBias(configValue[bool](config, "use_bias"))
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
		Panicf("simplernn config is missing key %q", key)
	}
	value, ok := raw.(T)
	if !ok {
		Panicf("simplernn config key %q has value %v (%T), expected %T", key, raw, raw, value)
	}
	return value
}

// ResetStates overwrites the carried state of a stateful layer with zeros.
// It panics with recurrence.ErrNotBuilt if the layer was never applied.
func ResetStates(ctx *context.Context) {
	v := ctx.In(Scope).InspectVariableInScope(stateHName)
	if v == nil {
		panic(errors.WithMessagef(recurrence.ErrNotBuilt,
			"stateful simplernn layer has no carried state -- apply the layer first"))
	}
	v.MustSetValue(tensors.FromShape(v.Shape()))
}
