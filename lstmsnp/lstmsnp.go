// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package lstmsnp implements the LSTM-SNP recurrent layer: a gated cell with a
// subtractive state update, inspired by spiking neural P systems.
//
// The cell carries two state vectors per batch row: the visible output h and an
// internal accumulator u. Four gates are computed per step -- retain (r),
// consume (c), output (o) and the candidate (a) -- and the state update is
//
//	u_t = r*u_{t-1} - c*a
//	h_t = o*a
//
// Note the subtraction: the consume gate removes candidate mass from the
// accumulator instead of adding it, which is the defining departure from a
// standard LSTM. The new output depends only on the output gate and the
// candidate, not on u_t.
//
// The same mathematical result can be computed under three implementation
// modes trading compute for memory: ImplPrecomputed projects the whole input
// sequence through the input kernel once per call, ImplGateSeparated issues
// four small per-gate products per step, and ImplFused issues two large
// products per step. See Implementation.
//
// Scanning over the time axis is delegated to the recurrence package.
package lstmsnp

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	initializer "github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/gomlx/rnn/recurrence"
	"github.com/pkg/errors"
)

// Scope is the context scope under which the layer's variables (kernels, bias
// and carried state) are created. Apply the layer under different parent scopes
// (ctx.In("...")) to create independent instances.
const Scope = "lstm_snp"

// ImplementationType selects how the gate pre-activations are computed.
// All modes are numerically equivalent up to floating-point associativity,
// except for the candidate-gate activation of ImplPrecomputed (see
// Implementation).
type ImplementationType int

const (
	// ImplPrecomputed projects the whole input sequence through the four
	// input-kernel slices once per call, before scanning; each step only slices
	// its row out. Fewer, larger matrix products: faster on CPU, more memory.
	ImplPrecomputed ImplementationType = iota

	// ImplGateSeparated projects the input through each gate's kernel slice at
	// every step: eight small products per step, less memory.
	ImplGateSeparated

	// ImplFused projects the input and recurrent signals through the full
	// (unsliced) kernels at every step and splits the result into the four
	// gates: two large products per step.
	ImplFused
)

// ConstraintFn is an opaque weight-constraint policy: a projection from a
// weight matrix to a new matrix, applied by the outer optimization loop after
// updates. The layer only records it; see LSTMSNP.Constraints.
type ConstraintFn func(w *Node) *Node

// LSTMSNP holds the layer configuration. Create it with New, configure it, and
// apply it to the input sequence with Done (or DoneWithStates).
type LSTMSNP struct {
	ctx   *context.Context
	x     *Node
	units int

	activation          activations.Type
	recurrentActivation activations.Type
	useBias             bool
	unitForgetBias      bool
	dropout             float64
	recurrentDropout    float64
	implementation      ImplementationType

	returnSequences bool
	backwards       bool
	stateful        bool
	unroll          bool

	mask            *Node
	initialStates   []*Node
	kernelInit      initializer.VariableInitializer
	recurrentInit   initializer.VariableInitializer
	biasInit        initializer.VariableInitializer
	kernelReg       regularizers.Regularizer
	recurrentReg    regularizers.Regularizer
	biasReg         regularizers.Regularizer
	kernelConstr    ConstraintFn
	recurrentConstr ConstraintFn
	biasConstr      ConstraintFn
}

// New creates an LSTM-SNP layer with the given number of units, to be applied
// to x, shaped [batchSize, timeSteps, featuresSize].
//
// The kernel and recurrent kernel default to the context's initializer; the
// bias defaults to zeros with the consume-gate block set to 1 (see
// UnitForgetBias). Once finished configuring, call Done.
func New(ctx *context.Context, x *Node, units int) *LSTMSNP {
	return &LSTMSNP{
		ctx:                 ctx,
		x:                   x,
		units:               units,
		activation:          activations.TypeTanh,
		recurrentActivation: activations.TypeSigmoid,
		useBias:             true,
		unitForgetBias:      true,
	}
}

// Activation sets the activation applied to the candidate gate (a).
// Defaults to tanh. See Implementation for a caveat on ImplPrecomputed.
func (l *LSTMSNP) Activation(activation activations.Type) *LSTMSNP {
	l.activation = activation
	return l
}

// RecurrentActivation sets the activation applied to the r, c and o gates.
// Defaults to sigmoid.
func (l *LSTMSNP) RecurrentActivation(activation activations.Type) *LSTMSNP {
	l.recurrentActivation = activation
	return l
}

// UseBias configures whether gate pre-activations include a bias term.
// Defaults to true.
func (l *LSTMSNP) UseBias(useBias bool) *LSTMSNP {
	l.useBias = useBias
	return l
}

// UnitForgetBias pre-sets the consume-gate block of the bias to 1.0 at build
// time, encouraging state retention at initialization. It is an
// initialization-time override only, layered on top of the bias initializer.
// Defaults to true. No-op when UseBias is false.
func (l *LSTMSNP) UnitForgetBias(unitForgetBias bool) *LSTMSNP {
	l.unitForgetBias = unitForgetBias
	return l
}

// Dropout sets the dropout rate on the input-to-gate path. The masks are drawn
// once per call and reused at every timestep (a deliberate regularization
// property), and only during training. Defaults to 0.
func (l *LSTMSNP) Dropout(rate float64) *LSTMSNP {
	l.dropout = min(1.0, max(0.0, rate))
	return l
}

// RecurrentDropout sets the dropout rate on the state-to-gate path. As with
// Dropout, masks are drawn once per call. Defaults to 0.
func (l *LSTMSNP) RecurrentDropout(rate float64) *LSTMSNP {
	l.recurrentDropout = min(1.0, max(0.0, rate))
	return l
}

// Implementation selects one of the three gate computation strategies.
// Defaults to ImplPrecomputed.
//
// ImplPrecomputed applies the recurrent activation to the candidate gate (a),
// while ImplGateSeparated and ImplFused apply the primary activation: an
// asymmetry preserved as observed behavior of the layer this reimplements, not
// corrected. With both dropout rates at 0 and Activation == RecurrentActivation
// all three modes produce the same values up to floating-point rounding.
func (l *LSTMSNP) Implementation(impl ImplementationType) *LSTMSNP {
	l.implementation = impl
	return l
}

// ReturnSequences configures Done to return the full output sequence, shaped
// [batchSize, timeSteps, units], instead of only the last step's output,
// shaped [batchSize, units]. Defaults to false.
func (l *LSTMSNP) ReturnSequences(returnSequences bool) *LSTMSNP {
	l.returnSequences = returnSequences
	return l
}

// Backwards processes the input sequence in reversed order. Outputs remain in
// chronological order; only the processing order changes. Defaults to false.
func (l *LSTMSNP) Backwards(backwards bool) *LSTMSNP {
	l.backwards = backwards
	return l
}

// Stateful carries the final state of each call over as the initial state of
// the next call, instead of resetting every call. The carried state lives in
// non-trainable context variables, so each context scope is an independent
// stateful instance. The batch size must be the same on every call. See
// ResetStates. Defaults to false.
func (l *LSTMSNP) Stateful(stateful bool) *LSTMSNP {
	l.stateful = stateful
	return l
}

// Unroll materializes one step per timestep at graph construction instead of
// using the length-generic While scan. Defaults to false.
func (l *LSTMSNP) Unroll(unroll bool) *LSTMSNP {
	l.unroll = unroll
	return l
}

// WithMask sets a step mask shaped [batchSize, timeSteps]: rows flagged invalid
// at a timestep keep their previous output and state. See recurrence.Scan.WithMask.
func (l *LSTMSNP) WithMask(mask *Node) *LSTMSNP {
	l.mask = mask
	return l
}

// InitialStates sets explicit initial values for the two state vectors, each
// shaped [batchSize, units]. If unset, carried state is used when Stateful,
// and zeros otherwise.
func (l *LSTMSNP) InitialStates(h, u *Node) *LSTMSNP {
	l.initialStates = []*Node{h, u}
	return l
}

// KernelInitializer overrides the initializer for the input kernel.
func (l *LSTMSNP) KernelInitializer(init initializer.VariableInitializer) *LSTMSNP {
	l.kernelInit = init
	return l
}

// RecurrentInitializer overrides the initializer for the recurrent kernel.
func (l *LSTMSNP) RecurrentInitializer(init initializer.VariableInitializer) *LSTMSNP {
	l.recurrentInit = init
	return l
}

// BiasInitializer overrides the initializer for the bias. UnitForgetBias still
// applies on top of it.
func (l *LSTMSNP) BiasInitializer(init initializer.VariableInitializer) *LSTMSNP {
	l.biasInit = init
	return l
}

// KernelRegularizer attaches a regularizer to the input kernel variable.
func (l *LSTMSNP) KernelRegularizer(reg regularizers.Regularizer) *LSTMSNP {
	l.kernelReg = reg
	return l
}

// RecurrentRegularizer attaches a regularizer to the recurrent kernel variable.
func (l *LSTMSNP) RecurrentRegularizer(reg regularizers.Regularizer) *LSTMSNP {
	l.recurrentReg = reg
	return l
}

// BiasRegularizer attaches a regularizer to the bias variable.
func (l *LSTMSNP) BiasRegularizer(reg regularizers.Regularizer) *LSTMSNP {
	l.biasReg = reg
	return l
}

// KernelConstraint records a constraint policy for the input kernel.
func (l *LSTMSNP) KernelConstraint(fn ConstraintFn) *LSTMSNP {
	l.kernelConstr = fn
	return l
}

// RecurrentConstraint records a constraint policy for the recurrent kernel.
func (l *LSTMSNP) RecurrentConstraint(fn ConstraintFn) *LSTMSNP {
	l.recurrentConstr = fn
	return l
}

// BiasConstraint records a constraint policy for the bias.
func (l *LSTMSNP) BiasConstraint(fn ConstraintFn) *LSTMSNP {
	l.biasConstr = fn
	return l
}

// Constraints returns the recorded constraint policies (kernel, recurrent
// kernel, bias), for the outer optimization loop to apply after weight
// updates. Unset entries are nil.
func (l *LSTMSNP) Constraints() (kernel, recurrent, bias ConstraintFn) {
	return l.kernelConstr, l.recurrentConstr, l.biasConstr
}

// weights holds the built parameter nodes for one graph: the full kernels plus
// the per-gate column slices. The slices are views into the same variables --
// a single parameter update moves all four gates' views consistently.
type weights struct {
	kernel, recurrentKernel, bias *Node
	kernelG, recurrentG           [4]*Node // Per-gate column slices, order: r, c, o, a.
	biasG                         [4]*Node
}

// build creates (or reuses) the parameter variables and returns their nodes
// for the current graph.
func (l *LSTMSNP) build(ctx *context.Context, g *Graph, inputDim int) *weights {
	dtype := l.x.DType()
	units := l.units

	kernelCtx := ctx
	if l.kernelInit != nil {
		kernelCtx = ctx.WithInitializer(l.kernelInit)
	}
	kernelVar := kernelCtx.VariableWithShape("kernel", shapes.Make(dtype, inputDim, 4*units))
	if l.kernelReg != nil {
		l.kernelReg(ctx, g, kernelVar)
	}

	recurrentCtx := ctx
	if l.recurrentInit != nil {
		recurrentCtx = ctx.WithInitializer(l.recurrentInit)
	}
	recurrentVar := recurrentCtx.VariableWithShape("recurrent_kernel", shapes.Make(dtype, units, 4*units))
	if l.recurrentReg != nil {
		l.recurrentReg(ctx, g, recurrentVar)
	}

	w := &weights{
		kernel:          kernelVar.ValueGraph(g),
		recurrentKernel: recurrentVar.ValueGraph(g),
	}
	if l.useBias {
		biasInit := l.biasInit
		if biasInit == nil {
			biasInit = initializer.Zero
		}
		if l.unitForgetBias {
			base := biasInit
			biasInit = func(g *Graph, shape shapes.Shape) *Node {
				// Consume-gate block is the second quarter of the bias.
				b := base(g, shape)
				return Concatenate([]*Node{
					Slice(b, AxisRangeFromStart(units)),
					Ones(g, shapes.Make(shape.DType, units)),
					Slice(b, AxisRangeToEnd(2*units)),
				}, 0)
			}
		}
		biasVar := ctx.WithInitializer(biasInit).VariableWithShape("bias", shapes.Make(dtype, 4*units))
		if l.biasReg != nil {
			l.biasReg(ctx, g, biasVar)
		}
		w.bias = biasVar.ValueGraph(g)
	}

	for gate := range 4 {
		cols := AxisRange(gate*units, (gate+1)*units)
		w.kernelG[gate] = Slice(w.kernel, AxisRange(), cols)
		w.recurrentG[gate] = Slice(w.recurrentKernel, AxisRange(), cols)
		if l.useBias {
			w.biasG[gate] = Slice(w.bias, cols)
		}
	}
	return w
}

// dropoutMask draws an inverted-dropout mask for the given shape: entries are
// 0 with probability rate and 1/(1-rate) otherwise.
func dropoutMask(ctx *context.Context, g *Graph, shape shapes.Shape, rate float64) *Node {
	rnd := ctx.RandomUniform(g, shape)
	rateNode := Scalar(g, shape.DType, rate)
	mask := Where(LessThan(rnd, rateNode), Zeros(g, shape), Ones(g, shape))
	return Div(mask, Scalar(g, shape.DType, 1.0-rate))
}

// constants builds the per-call dropout masks threaded unchanged into every
// step: four input-path masks followed by four state-path masks, all shaped
// [batchSize, dim]. When a rate is 0, or outside training, the masks degrade
// to the scalar 1 (a no-op). ImplPrecomputed applies input dropout during
// preprocessing instead, so its input-path masks here are always 1.
func (l *LSTMSNP) constants(ctx *context.Context, g *Graph, batchSize, inputDim int) []*Node {
	dtype := l.x.DType()
	one := Scalar(g, dtype, 1.0)
	constants := make([]*Node, 8)
	for ii := range constants {
		constants[ii] = one
	}
	training := ctx.IsTraining(g)
	if l.implementation != ImplPrecomputed && l.dropout > 0 && l.dropout < 1 && training {
		for gate := range 4 {
			constants[gate] = dropoutMask(ctx, g, shapes.Make(dtype, batchSize, inputDim), l.dropout)
		}
	}
	if l.recurrentDropout > 0 && l.recurrentDropout < 1 && training {
		for gate := range 4 {
			constants[4+gate] = dropoutMask(ctx, g, shapes.Make(dtype, batchSize, l.units), l.recurrentDropout)
		}
	}
	return constants
}

// preprocess computes the step-invariant part of the input path. For
// ImplPrecomputed it projects the whole sequence through each gate's kernel
// slice (plus bias), concatenated to [batchSize, timeSteps, 4*units]; input
// dropout, when enabled, uses one mask per gate shared by all timesteps.
// Other modes return x unchanged.
func (l *LSTMSNP) preprocess(ctx *context.Context, g *Graph, w *weights, batchSize, inputDim int) *Node {
	if l.implementation != ImplPrecomputed {
		return l.x
	}
	dtype := l.x.DType()
	applyDropout := l.dropout > 0 && l.dropout < 1 && ctx.IsTraining(g)
	projected := make([]*Node, 4)
	for gate := range 4 {
		xG := l.x
		if applyDropout {
			mask := dropoutMask(ctx, g, shapes.Make(dtype, batchSize, inputDim), l.dropout)
			xG = Mul(xG, ExpandAxes(mask, 1)) // Same mask at every timestep.
		}
		xG = Einsum("btf,fu->btu", xG, w.kernelG[gate])
		if l.useBias {
			xG = Add(xG, ExpandAxes(w.biasG[gate], 0, 1))
		}
		projected[gate] = xG
	}
	return Concatenate(projected, 2)
}

// step builds the per-timestep transition for the configured implementation
// mode. states is (h, u); constants is the mask layout built by constants().
func (l *LSTMSNP) step(w *weights) recurrence.StepFn {
	units := l.units
	return func(xT *Node, states []*Node, constants []*Node) (*Node, []*Node) {
		h, u := states[0], states[1]
		dpMask := constants[:4]
		recMask := constants[4:]

		var r, c, o, a *Node
		if l.implementation == ImplFused {
			z := Einsum("bf,fk->bk", Mul(xT, dpMask[0]), w.kernel)
			z = Add(z, Einsum("bu,uk->bk", Mul(h, recMask[0]), w.recurrentKernel))
			if l.useBias {
				z = Add(z, InsertAxes(w.bias, 0))
			}
			r = activations.Apply(l.recurrentActivation, Slice(z, AxisRange(), AxisRange(0, units)))
			c = activations.Apply(l.recurrentActivation, Slice(z, AxisRange(), AxisRange(units, 2*units)))
			o = activations.Apply(l.recurrentActivation, Slice(z, AxisRange(), AxisRange(2*units, 3*units)))
			a = activations.Apply(l.activation, Slice(z, AxisRange(), AxisRangeToEnd(3*units)))
		} else {
			var xG [4]*Node
			if l.implementation == ImplPrecomputed {
				// xT is the precomputed projection, [batchSize, 4*units].
				for gate := range 4 {
					xG[gate] = Slice(xT, AxisRange(), AxisRange(gate*units, (gate+1)*units))
				}
			} else {
				for gate := range 4 {
					xG[gate] = Einsum("bf,fu->bu", Mul(xT, dpMask[gate]), w.kernelG[gate])
					if l.useBias {
						xG[gate] = Add(xG[gate], InsertAxes(w.biasG[gate], 0))
					}
				}
			}
			var pre [4]*Node
			for gate := range 4 {
				recurrent := Einsum("bu,uv->bv", Mul(h, recMask[gate]), w.recurrentG[gate])
				pre[gate] = Add(xG[gate], recurrent)
			}
			r = activations.Apply(l.recurrentActivation, pre[0])
			c = activations.Apply(l.recurrentActivation, pre[1])
			o = activations.Apply(l.recurrentActivation, pre[2])
			// ImplPrecomputed applies the recurrent activation to the candidate,
			// an inherited asymmetry versus the other modes, kept as-is.
			if l.implementation == ImplPrecomputed {
				a = activations.Apply(l.recurrentActivation, pre[3])
			} else {
				a = activations.Apply(l.activation, pre[3])
			}
		}

		newU := Sub(Mul(r, u), Mul(c, a))
		newH := Mul(o, a)
		return newH, []*Node{newH, newU}
	}
}

// Done applies the layer to the input sequence and returns the output: the
// full sequence shaped [batchSize, timeSteps, units] when ReturnSequences, the
// last chronological step's output shaped [batchSize, units] otherwise.
func (l *LSTMSNP) Done() *Node {
	output, _ := l.DoneWithStates()
	return output
}

// DoneWithStates is Done but additionally returns the final (h, u) state pair,
// each shaped [batchSize, units].
func (l *LSTMSNP) DoneWithStates() (output *Node, finalStates []*Node) {
	if l.implementation < ImplPrecomputed || l.implementation > ImplFused {
		panic(errors.WithMessagef(recurrence.ErrUnsupportedImplementationMode,
			"lstmsnp implementation mode must be 0, 1 or 2, got %d", l.implementation))
	}
	x := l.x
	if x.Rank() != 3 {
		panic(errors.WithMessagef(recurrence.ErrShapeMismatch,
			"lstmsnp input must be shaped [batchSize, timeSteps, features], got %s", x.Shape()))
	}
	g := x.Graph()
	ctx := l.ctx.In(Scope)
	batchSize := x.Shape().Dim(0)
	inputDim := x.Shape().Dim(2)

	w := l.build(ctx, g, inputDim)
	initialStates := l.resolveInitialStates(ctx, g, batchSize)
	constants := l.constants(ctx, g, batchSize, inputDim)
	preprocessed := l.preprocess(ctx, g, w, batchSize, inputDim)

	lastOutput, allOutputs, finalStates := recurrence.New(l.step(w), preprocessed, initialStates).
		WithMask(l.mask).
		WithConstants(constants...).
		Backwards(l.backwards).
		Unroll(l.unroll).
		WithStateArity(NumStates).
		Done()

	if l.stateful {
		ctx.InspectVariableInScope(stateHName).SetValueGraph(finalStates[0])
		ctx.InspectVariableInScope(stateUName).SetValueGraph(finalStates[1])
	}

	if l.returnSequences {
		return allOutputs, finalStates
	}
	return lastOutput, finalStates
}

// NumStates is the cell's declared state count: h and u.
const NumStates = 2

const (
	stateHName = "state_h"
	stateUName = "state_u"
)

// resolveInitialStates picks the initial state source: explicit argument,
// carried-over state (stateful), or zeros.
func (l *LSTMSNP) resolveInitialStates(ctx *context.Context, g *Graph, batchSize int) []*Node {
	dtype := l.x.DType()
	stateShape := shapes.Make(dtype, batchSize, l.units)
	if l.initialStates != nil {
		if len(l.initialStates) != NumStates {
			panic(errors.WithMessagef(recurrence.ErrShapeMismatch,
				"layer has %d states but was passed %d initial states", NumStates, len(l.initialStates)))
		}
		for ii, state := range l.initialStates {
			if !state.Shape().Equal(stateShape) {
				panic(errors.WithMessagef(recurrence.ErrShapeMismatch,
					"initial state #%d must be shaped %s, got %s", ii, stateShape, state.Shape()))
			}
		}
		return l.initialStates
	}
	if l.stateful {
		states := make([]*Node, NumStates)
		for ii, name := range []string{stateHName, stateUName} {
			v := ctx.InspectVariableInScope(name)
			if v != nil && v.Shape().Dim(0) != batchSize {
				panic(errors.WithMessagef(recurrence.ErrStatefulRequiresFixedBatch,
					"stateful layer was built with batch size %d, got %d -- carried state cannot change batch size",
					v.Shape().Dim(0), batchSize))
			}
			if v == nil {
				v = ctx.WithInitializer(initializer.Zero).
					VariableWithShape(name, stateShape).
					SetTrainable(false)
			}
			states[ii] = v.ValueGraph(g)
		}
		return states
	}
	return []*Node{Zeros(g, stateShape), Zeros(g, stateShape)}
}
