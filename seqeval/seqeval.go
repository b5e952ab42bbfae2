// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package seqeval provides error metrics for sequence predictions and
// aggregation of those metrics over repeated experiment runs.
package seqeval

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/support/exceptions"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// MSE returns the mean squared error between origin and prediction.
// Both slices must have the same non-zero length.
func MSE(origin, prediction []float64) float64 {
	checkLengths(origin, prediction)
	var sum float64
	for ii, o := range origin {
		d := o - prediction[ii]
		sum += d * d
	}
	return sum / float64(len(origin))
}

// RMSE returns the root mean squared error between origin and prediction.
func RMSE(origin, prediction []float64) float64 {
	return math.Sqrt(MSE(origin, prediction))
}

// NMSE returns the mean squared error normalized by the squared L2 norm of
// the prediction's deviation from the origin's mean:
//
//	NMSE = MSE(origin, prediction) / ||prediction - mean(origin)||₂²
func NMSE(origin, prediction []float64) float64 {
	mse := MSE(origin, prediction)
	meanV := stat.Mean(origin, nil)
	var norm2 float64
	for _, p := range prediction {
		d := p - meanV
		norm2 += d * d
	}
	return mse / norm2
}

// AbsError returns the element-wise absolute error |origin - prediction|.
func AbsError(origin, prediction []float64) []float64 {
	checkLengths(origin, prediction)
	errs := make([]float64, len(origin))
	floats.SubTo(errs, origin, prediction)
	for ii, e := range errs {
		errs[ii] = math.Abs(e)
	}
	return errs
}

func checkLengths(origin, prediction []float64) {
	if len(origin) == 0 || len(origin) != len(prediction) {
		Panicf("origin and prediction must have the same non-zero length, got %d and %d",
			len(origin), len(prediction))
	}
}

// RunStats holds the metrics of one experiment run. Run is 1-based.
type RunStats struct {
	Run             int
	RMSE, MSE, NMSE float64
}

// Evaluate computes the metrics of one run.
func Evaluate(run int, origin, prediction []float64) RunStats {
	return RunStats{
		Run:  run,
		RMSE: RMSE(origin, prediction),
		MSE:  MSE(origin, prediction),
		NMSE: NMSE(origin, prediction),
	}
}

// Summary aggregates the metrics over a set of runs: the mean and the
// population variance of each metric, and the run with the lowest RMSE.
type Summary struct {
	MeanRMSE, VarRMSE float64
	MeanMSE, VarMSE   float64
	MeanNMSE, VarNMSE float64
	Best              RunStats
}

// Summarize aggregates per-run metrics. It requires at least one run.
func Summarize(runs []RunStats) Summary {
	if len(runs) == 0 {
		Panicf("cannot summarize an empty set of runs")
	}
	rmses := make([]float64, len(runs))
	mses := make([]float64, len(runs))
	nmses := make([]float64, len(runs))
	best := runs[0]
	for ii, r := range runs {
		rmses[ii] = r.RMSE
		mses[ii] = r.MSE
		nmses[ii] = r.NMSE
		if r.RMSE < best.RMSE {
			best = r
		}
	}
	return Summary{
		MeanRMSE: stat.Mean(rmses, nil),
		VarRMSE:  stat.PopVariance(rmses, nil),
		MeanMSE:  stat.Mean(mses, nil),
		VarMSE:   stat.PopVariance(mses, nil),
		MeanNMSE: stat.Mean(nmses, nil),
		VarNMSE:  stat.PopVariance(nmses, nil),
		Best:     best,
	}
}
