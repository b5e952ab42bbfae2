// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package seqeval

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	origin := []float64{1, 2, 3}
	prediction := []float64{1.5, 2.5, 2.5}

	// Squared errors: 0.25, 0.25, 0.25.
	assert.InDelta(t, 0.25, MSE(origin, prediction), 1e-12)
	assert.InDelta(t, 0.5, RMSE(origin, prediction), 1e-12)

	// mean(origin)=2, prediction deviations (-0.5, 0.5, 0.5), norm² = 0.75.
	assert.InDelta(t, 0.25/0.75, NMSE(origin, prediction), 1e-12)

	assert.InDeltaSlice(t, []float64{0.5, 0.5, 0.5}, AbsError(origin, prediction), 1e-12)

	// A perfect prediction zeroes every metric.
	assert.Zero(t, MSE(origin, origin))
	assert.Zero(t, RMSE(origin, origin))

	require.Panics(t, func() { MSE(origin, []float64{1, 2}) })
	require.Panics(t, func() { AbsError(nil, nil) })
}

func TestEvaluate(t *testing.T) {
	origin := []float64{1, 2, 3, 4}
	prediction := []float64{1, 2, 3, 6}

	stats := Evaluate(7, origin, prediction)
	assert.Equal(t, 7, stats.Run)
	assert.InDelta(t, 1.0, stats.MSE, 1e-12)
	assert.InDelta(t, 1.0, stats.RMSE, 1e-12)
	// mean(origin)=2.5, deviations (-1.5, -0.5, 0.5, 3.5), norm² = 15.
	assert.InDelta(t, 1.0/15.0, stats.NMSE, 1e-12)
}

func TestSummarize(t *testing.T) {
	runs := []RunStats{
		{Run: 1, RMSE: 2, MSE: 4, NMSE: 0.2},
		{Run: 2, RMSE: 1, MSE: 1, NMSE: 0.1},
		{Run: 3, RMSE: 3, MSE: 9, NMSE: 0.3},
	}

	summary := Summarize(runs)
	assert.Equal(t, 2, summary.Best.Run)
	assert.InDelta(t, 2.0, summary.MeanRMSE, 1e-12)
	assert.InDelta(t, 2.0/3.0, summary.VarRMSE, 1e-12)
	assert.InDelta(t, 14.0/3.0, summary.MeanMSE, 1e-12)
	assert.InDelta(t, 0.2, summary.MeanNMSE, 1e-12)

	single := Summarize(runs[:1])
	assert.Equal(t, 1, single.Best.Run)
	assert.Zero(t, single.VarRMSE)

	require.Panics(t, func() { Summarize(nil) })
}

func TestNMSEDegenerate(t *testing.T) {
	// A constant prediction equal to the origin's mean has a zero denominator.
	origin := []float64{1, 2, 3}
	prediction := []float64{2, 2, 2}
	require.True(t, math.IsInf(NMSE(origin, prediction), 1))
}
