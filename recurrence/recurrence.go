// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package recurrence implements a generic scanning engine for recurrent layers:
// it threads a per-timestep step function over the time axis of a sequence,
// carrying an arbitrary tuple of state tensors from one step to the next.
//
// The engine is agnostic to what the step function computes. Cells (see the
// lstmsnp and simplernn packages) provide the step function and the engine takes
// care of traversal order, per-row masking of invalid timesteps and the assembly
// of the chronological output sequence.
//
// Two execution strategies are supported:
//
//   - Unrolled: one step is materialized as graph nodes per timestep, so the
//     graph grows O(T) with the sequence length. This is how the step-by-step
//     loop of an LSTM is usually instantiated in GoMLX.
//   - Scan (the default): a single While loop whose body executes one step,
//     reading the current timestep with Gather and writing the output with
//     ScatterUpdate. The built graph is length-generic.
package recurrence

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Errors panicked by this package and by the cell packages built on it.
// They are programming-contract violations: none is retried or recovered
// internally, and all are raised before (or while) building the graph,
// never during execution.
var (
	// ErrShapeMismatch indicates the supplied states (or mask) disagree with the
	// declared state arity or with the input's batch size.
	ErrShapeMismatch = errors.New("state count or shape disagrees with the declared recurrence contract")

	// ErrUnrollRequiresStaticLength indicates unrolling was requested for a
	// sequence whose time extent is not statically known.
	ErrUnrollRequiresStaticLength = errors.New("unrolling requires a statically known sequence length")

	// ErrStatefulRequiresFixedBatch indicates cross-call state carry-over was
	// requested without a fixed batch size.
	ErrStatefulRequiresFixedBatch = errors.New("stateful carry-over requires a fixed batch size")

	// ErrNotBuilt indicates an operation that requires built parameters (or
	// built state) was invoked before the layer was ever applied.
	ErrNotBuilt = errors.New("layer has not been built yet")

	// ErrUnsupportedImplementationMode indicates an implementation mode outside
	// the supported set.
	ErrUnsupportedImplementationMode = errors.New("unsupported implementation mode")
)

// StepFn computes one timestep of a recurrence.
//
// xT is the input at the current timestep, shaped [batchSize, featuresSize]
// (or whatever per-step shape the preprocessing produced). states is the state
// tuple carried over from the previous step, and constants are per-call
// auxiliary tensors threaded unchanged into every step (e.g. dropout masks).
//
// It must be pure given its explicit arguments: same inputs, same outputs, and
// no side effects other than the returned output and new states. newStates must
// have the same length and shapes as states.
type StepFn func(xT *Node, states []*Node, constants []*Node) (output *Node, newStates []*Node)

// Scan holds the configuration of one application of the recurrence engine.
// Create it with New, configure it, and call Done to build the scan.
type Scan struct {
	stepFn        StepFn
	x             *Node
	initialStates []*Node
	constants     []*Node
	mask          *Node
	backwards     bool
	unroll        bool
	stateArity    int
}

// New creates a recurrence scan of stepFn over x, shaped
// [batchSize, timeSteps, featuresSize].
//
// Each element of initialStates must be shaped [batchSize, units_i]. The same
// number of states, with the same shapes, is threaded through every step.
//
// Once finished configuring, call Scan.Done.
func New(stepFn StepFn, x *Node, initialStates []*Node) *Scan {
	return &Scan{
		stepFn:        stepFn,
		x:             x,
		initialStates: initialStates,
		stateArity:    -1,
	}
}

// WithMask sets an optional step mask shaped [batchSize, timeSteps]. Rows
// flagged false at a timestep do not advance: their output repeats the previous
// step's output (zero at the first processed step) and all their state vectors
// carry over unchanged. Different rows may have different valid lengths.
//
// A non-boolean mask is converted to boolean (non-zero means valid).
func (s *Scan) WithMask(mask *Node) *Scan {
	s.mask = mask
	return s
}

// WithConstants sets per-call constant tensors passed unchanged to every step.
func (s *Scan) WithConstants(constants ...*Node) *Scan {
	s.constants = constants
	return s
}

// Backwards sets the traversal order: if true the step index runs T-1..0.
// Outputs are always assembled in chronological order regardless -- reversal
// only affects processing order.
func (s *Scan) Backwards(backwards bool) *Scan {
	s.backwards = backwards
	return s
}

// Unroll selects the unrolled execution strategy: one step materialized per
// timestep at graph construction, instead of a length-generic While loop.
func (s *Scan) Unroll(unroll bool) *Scan {
	s.unroll = unroll
	return s
}

// WithStateArity declares the number of states the step function expects.
// If set, Done panics with ErrShapeMismatch before any step executes when
// len(initialStates) differs.
func (s *Scan) WithStateArity(arity int) *Scan {
	s.stateArity = arity
	return s
}

// Done builds the scan and returns:
//
//   - lastOutput: the output at the last chronological step (the highest time
//     index, also when scanning backwards), shaped [batchSize, units].
//   - allOutputs: the full chronological output sequence, shaped
//     [batchSize, timeSteps, units].
//   - finalStates: the state tuple after the final step in traversal order,
//     usable for cross-call carry-over.
//
// Numeric failures (NaN/Inf) are not trapped here; only shape and arity
// preconditions are enforced.
func (s *Scan) Done() (lastOutput, allOutputs *Node, finalStates []*Node) {
	x := s.x
	if x.Rank() != 3 {
		panic(errors.WithMessagef(ErrShapeMismatch,
			"recurrence input must be rank-3 [batch, time, features], got %s", x.Shape()))
	}
	batchSize := x.Shape().Dim(0)
	timeSteps := x.Shape().Dim(1)
	if s.stateArity >= 0 && len(s.initialStates) != s.stateArity {
		panic(errors.WithMessagef(ErrShapeMismatch,
			"step function expects %d states but was passed %d initial states",
			s.stateArity, len(s.initialStates)))
	}
	for ii, state := range s.initialStates {
		if state.Rank() != 2 || state.Shape().Dim(0) != batchSize {
			panic(errors.WithMessagef(ErrShapeMismatch,
				"initial state #%d must be shaped [batchSize=%d, units], got %s",
				ii, batchSize, state.Shape()))
		}
	}
	mask := s.mask
	if mask != nil {
		if mask.Rank() != 2 || mask.Shape().Dim(0) != batchSize || mask.Shape().Dim(1) != timeSteps {
			panic(errors.WithMessagef(ErrShapeMismatch,
				"mask must be shaped [batchSize=%d, timeSteps=%d], got %s",
				batchSize, timeSteps, mask.Shape()))
		}
		if mask.DType() != dtypes.Bool {
			mask = NotEqual(mask, ZerosLike(mask))
		}
	}
	if s.unroll {
		if timeSteps <= 0 {
			panic(errors.WithMessagef(ErrUnrollRequiresStaticLength,
				"cannot unroll over time axis with extent %d", timeSteps))
		}
		return s.unrolled(mask, batchSize, timeSteps)
	}
	if timeSteps <= 0 {
		panic(errors.WithMessagef(ErrShapeMismatch,
			"cannot scan over an empty time axis, input shaped %s", x.Shape()))
	}
	return s.whileScan(mask, batchSize, timeSteps)
}

// step calls the step function and checks it preserved the state arity.
func (s *Scan) step(xT *Node, states []*Node) (*Node, []*Node) {
	output, newStates := s.stepFn(xT, states, s.constants)
	if len(newStates) != len(states) {
		panic(errors.WithMessagef(ErrShapeMismatch,
			"step function returned %d states, expected %d", len(newStates), len(states)))
	}
	return output, newStates
}

// maskStep applies the per-row mask at one timestep: invalid rows repeat
// prevOutput and carry prevStates unchanged.
func maskStep(maskT, output, prevOutput *Node, newStates, prevStates []*Node) (*Node, []*Node) {
	maskT = ExpandAxes(maskT, -1) // [batchSize, 1], broadcast over units.
	output = Where(maskT, output, prevOutput)
	for ii := range newStates {
		newStates[ii] = Where(maskT, newStates[ii], prevStates[ii])
	}
	return output, newStates
}

// unrolled materializes one step per timestep.
func (s *Scan) unrolled(mask *Node, batchSize, timeSteps int) (lastOutput, allOutputs *Node, finalStates []*Node) {
	prevStates := s.initialStates
	var prevOutput *Node
	outputs := make([]*Node, timeSteps)
	for seqIdx := range timeSteps {
		seqPos := seqIdx
		if s.backwards {
			seqPos = timeSteps - 1 - seqIdx
		}
		xT := Squeeze(Slice(s.x, AxisRange(), AxisElem(seqPos)), 1)
		output, newStates := s.step(xT, prevStates)
		if mask != nil {
			if prevOutput == nil {
				prevOutput = ZerosLike(output)
			}
			maskT := Squeeze(Slice(mask, AxisRange(), AxisElem(seqPos)), 1)
			output, newStates = maskStep(maskT, output, prevOutput, newStates, prevStates)
		}
		outputs[seqPos] = output
		prevOutput = output
		prevStates = newStates
	}
	lastOutput = outputs[timeSteps-1]
	allOutputs = Stack(outputs, 1) // [batchSize, timeSteps, units]
	finalStates = prevStates
	return
}

// whileScan builds a single While loop whose body executes one step.
//
// The first step (in traversal order) is peeled off and built outside the loop:
// it determines the output feature size, which is needed to declare the
// loop-carried output buffer.
func (s *Scan) whileScan(mask *Node, batchSize, timeSteps int) (lastOutput, allOutputs *Node, finalStates []*Node) {
	g := s.x.Graph()
	dtype := s.x.DType()

	// Time-major views make per-step reads a Gather on axis 0.
	xTM := TransposeAllDims(s.x, 1, 0, 2) // [timeSteps, batchSize, features]
	var maskTM *Node
	if mask != nil {
		maskTM = Transpose(mask, 0, 1) // [timeSteps, batchSize]
	}

	firstPos := 0
	if s.backwards {
		firstPos = timeSteps - 1
	}
	xT0 := Gather(xTM, Scalar(g, dtypes.Int32, firstPos))
	output0, states0 := s.step(xT0, s.initialStates)
	prevOutput := ZerosLike(output0)
	if mask != nil {
		maskT0 := Squeeze(Slice(maskTM, AxisElem(firstPos)), 0)
		output0, states0 = maskStep(maskT0, output0, prevOutput, states0, s.initialStates)
	}
	units := output0.Shape().Dim(1)
	outputs := Zeros(g, shapes.Make(dtype, timeSteps, batchSize, units))
	outputs = writeOutput(outputs, Scalar(g, dtypes.Int32, firstPos), output0)

	if timeSteps > 1 {
		// Loop state: [step counter, output buffer, previous output, cell states...].
		declareState := func(g *Graph) (counter, buf, prev *Node, states []*Node) {
			counter = Parameter(g, "step", shapes.Scalar[int32]())
			buf = Parameter(g, "outputs", outputs.Shape())
			prev = Parameter(g, "prev_output", output0.Shape())
			states = make([]*Node, len(states0))
			for ii, st := range states0 {
				states[ii] = Parameter(g, fmt.Sprintf("state_%d", ii), st.Shape())
			}
			return
		}

		cond := NewClosure(g, func(g *Graph) []*Node {
			counter, _, _, _ := declareState(g)
			return []*Node{LessThan(counter, Const(g, int32(timeSteps)))}
		})
		body := NewClosure(g, func(g *Graph) []*Node {
			counter, buf, prev, states := declareState(g)
			pos := counter
			if s.backwards {
				pos = Sub(Const(g, int32(timeSteps-1)), counter)
			}
			xT := Gather(xTM, pos)
			output, newStates := s.step(xT, states)
			if maskTM != nil {
				maskT := Gather(maskTM, pos)
				output, newStates = maskStep(maskT, output, prev, newStates, states)
			}
			buf = writeOutput(buf, pos, output)
			results := make([]*Node, 0, 3+len(newStates))
			results = append(results, Add(counter, Const(g, int32(1))), buf, output)
			return append(results, newStates...)
		})

		loopState := make([]*Node, 0, 3+len(states0))
		loopState = append(loopState, Const(g, int32(1)), outputs, output0)
		loopState = append(loopState, states0...)
		results := While(cond, body, loopState...)
		outputs = results[1]
		states0 = results[3:]
	}

	allOutputs = TransposeAllDims(outputs, 1, 0, 2) // back to [batchSize, timeSteps, units]
	lastOutput = Gather(outputs, Scalar(g, dtypes.Int32, timeSteps-1))
	finalStates = states0
	return
}

// writeOutput sets outputs[pos] = output, where outputs is time-major
// [timeSteps, batchSize, units] and pos is an int32 scalar.
func writeOutput(outputs, pos, output *Node) *Node {
	indices := Reshape(pos, 1, 1)
	return ScatterUpdate(outputs, indices, InsertAxes(output, 0), true, true)
}
