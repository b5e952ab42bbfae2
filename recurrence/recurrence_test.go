// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package recurrence

import (
	"fmt"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

// cumSumStep is the simplest non-trivial cell: running sum of the inputs.
// Its outputs are easy to compute by hand, which lets the tests below pin the
// engine's traversal, masking and assembly behavior exactly.
func cumSumStep(xT *Node, states []*Node, constants []*Node) (*Node, []*Node) {
	sum := Add(states[0], xT)
	return sum, []*Node{sum}
}

// testX returns the shared test input, shaped [batchSize=2, timeSteps=3, features=1].
func testX(g *Graph) *Node {
	return Const(g, [][][]float32{
		{{1}, {2}, {3}},
		{{10}, {20}, {30}},
	})
}

// Both strategies must agree on everything, so every test runs twice.
func strategies(t *testing.T, name string, testFn func(t *testing.T, name string, unroll bool)) {
	for _, unroll := range []bool{false, true} {
		strategy := "scan"
		if unroll {
			strategy = "unrolled"
		}
		testFn(t, fmt.Sprintf("%s-%s", name, strategy), unroll)
	}
}

func TestScanForward(t *testing.T) {
	strategies(t, "Forward", func(t *testing.T, name string, unroll bool) {
		graphtest.RunTestGraphFn(t, name,
			func(g *Graph) (inputs, outputs []*Node) {
				x := testX(g)
				initial := Zeros(g, shapes.Make(dtypes.Float32, 2, 1))
				lastOutput, allOutputs, finalStates := New(cumSumStep, x, []*Node{initial}).
					Unroll(unroll).
					Done()
				inputs = []*Node{x}
				outputs = []*Node{lastOutput, allOutputs, finalStates[0]}
				return
			}, []any{
				[][]float32{{6}, {60}},
				[][][]float32{{{1}, {3}, {6}}, {{10}, {30}, {60}}},
				[][]float32{{6}, {60}},
			}, 1e-5)
	})
}

func TestScanBackwards(t *testing.T) {
	// Traversal runs T-1..0 but outputs stay chronological, and lastOutput is
	// the highest time index -- the first step processed.
	strategies(t, "Backwards", func(t *testing.T, name string, unroll bool) {
		graphtest.RunTestGraphFn(t, name,
			func(g *Graph) (inputs, outputs []*Node) {
				x := testX(g)
				initial := Zeros(g, shapes.Make(dtypes.Float32, 2, 1))
				lastOutput, allOutputs, finalStates := New(cumSumStep, x, []*Node{initial}).
					Backwards(true).
					Unroll(unroll).
					Done()
				inputs = []*Node{x}
				outputs = []*Node{lastOutput, allOutputs, finalStates[0]}
				return
			}, []any{
				[][]float32{{3}, {30}},
				[][][]float32{{{6}, {5}, {3}}, {{60}, {50}, {30}}},
				[][]float32{{6}, {60}},
			}, 1e-5)
	})
}

func TestScanMask(t *testing.T) {
	// Row 0 is invalid at steps 0 and 2: its first output is zero (nothing to
	// repeat yet), and the step-2 output repeats step 1's. Row 1 is dense.
	strategies(t, "Mask", func(t *testing.T, name string, unroll bool) {
		graphtest.RunTestGraphFn(t, name,
			func(g *Graph) (inputs, outputs []*Node) {
				x := testX(g)
				mask := Const(g, [][]bool{
					{false, true, false},
					{true, true, true},
				})
				initial := Zeros(g, shapes.Make(dtypes.Float32, 2, 1))
				lastOutput, allOutputs, finalStates := New(cumSumStep, x, []*Node{initial}).
					WithMask(mask).
					Unroll(unroll).
					Done()
				inputs = []*Node{x}
				outputs = []*Node{lastOutput, allOutputs, finalStates[0]}
				return
			}, []any{
				[][]float32{{2}, {60}},
				[][][]float32{{{0}, {2}, {2}}, {{10}, {30}, {60}}},
				[][]float32{{2}, {60}},
			}, 1e-5)
	})
}

func TestScanNumericMask(t *testing.T) {
	// A non-boolean mask is accepted, non-zero meaning valid.
	strategies(t, "NumericMask", func(t *testing.T, name string, unroll bool) {
		graphtest.RunTestGraphFn(t, name,
			func(g *Graph) (inputs, outputs []*Node) {
				x := testX(g)
				mask := Const(g, [][]float32{
					{1, 1, 0},
					{1, 1, 1},
				})
				initial := Zeros(g, shapes.Make(dtypes.Float32, 2, 1))
				lastOutput, _, _ := New(cumSumStep, x, []*Node{initial}).
					WithMask(mask).
					Unroll(unroll).
					Done()
				inputs = []*Node{x}
				outputs = []*Node{lastOutput}
				return
			}, []any{
				[][]float32{{3}, {60}},
			}, 1e-5)
	})
}

func TestScanConstants(t *testing.T) {
	// Constants are threaded unchanged into every step.
	scaledStep := func(xT *Node, states []*Node, constants []*Node) (*Node, []*Node) {
		sum := Add(states[0], Mul(xT, constants[0]))
		return sum, []*Node{sum}
	}
	strategies(t, "Constants", func(t *testing.T, name string, unroll bool) {
		graphtest.RunTestGraphFn(t, name,
			func(g *Graph) (inputs, outputs []*Node) {
				x := testX(g)
				initial := Zeros(g, shapes.Make(dtypes.Float32, 2, 1))
				lastOutput, _, _ := New(scaledStep, x, []*Node{initial}).
					WithConstants(Scalar(g, dtypes.Float32, 2.0)).
					Unroll(unroll).
					Done()
				inputs = []*Node{x}
				outputs = []*Node{lastOutput}
				return
			}, []any{
				[][]float32{{12}, {120}},
			}, 1e-5)
	})
}

// requirePanicsWith asserts fn panics with an error wrapping sentinel.
func requirePanicsWith(t *testing.T, sentinel error, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a panic with %v", sentinel)
		err, ok := r.(error)
		require.Truef(t, ok, "panic value %v is not an error", r)
		require.ErrorIs(t, err, sentinel)
	}()
	fn()
}

func TestScanErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	g := NewGraph(backend, t.Name())
	x := testX(g)
	initial := Zeros(g, shapes.Make(dtypes.Float32, 2, 1))

	t.Run("RankTwoInput", func(t *testing.T) {
		requirePanicsWith(t, ErrShapeMismatch, func() {
			rank2 := Zeros(g, shapes.Make(dtypes.Float32, 2, 3))
			New(cumSumStep, rank2, []*Node{initial}).Done()
		})
	})
	t.Run("StateBatchMismatch", func(t *testing.T) {
		requirePanicsWith(t, ErrShapeMismatch, func() {
			bad := Zeros(g, shapes.Make(dtypes.Float32, 3, 1))
			New(cumSumStep, x, []*Node{bad}).Done()
		})
	})
	t.Run("ArityMismatch", func(t *testing.T) {
		requirePanicsWith(t, ErrShapeMismatch, func() {
			New(cumSumStep, x, []*Node{initial}).WithStateArity(2).Done()
		})
	})
	t.Run("MaskShapeMismatch", func(t *testing.T) {
		requirePanicsWith(t, ErrShapeMismatch, func() {
			badMask := Zeros(g, shapes.Make(dtypes.Bool, 2, 5))
			New(cumSumStep, x, []*Node{initial}).WithMask(badMask).Done()
		})
	})
	t.Run("StepDropsState", func(t *testing.T) {
		requirePanicsWith(t, ErrShapeMismatch, func() {
			dropState := func(xT *Node, states []*Node, constants []*Node) (*Node, []*Node) {
				return xT, nil
			}
			New(dropState, x, []*Node{initial}).Done()
		})
	})
	t.Run("UnrollEmptyTimeAxis", func(t *testing.T) {
		requirePanicsWith(t, ErrUnrollRequiresStaticLength, func() {
			empty := Zeros(g, shapes.Make(dtypes.Float32, 2, 0, 1))
			New(cumSumStep, empty, []*Node{initial}).Unroll(true).Done()
		})
	})
	t.Run("ScanEmptyTimeAxis", func(t *testing.T) {
		requirePanicsWith(t, ErrShapeMismatch, func() {
			empty := Zeros(g, shapes.Make(dtypes.Float32, 2, 0, 1))
			New(cumSumStep, empty, []*Node{initial}).Done()
		})
	})
}
