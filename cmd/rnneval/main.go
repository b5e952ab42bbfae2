// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// rnneval scores repeated prediction runs of a recurrent model against the
// original series and optionally plots each run.
//
// It expects a dataset directory with two subdirectories, origin/ and
// prediction/, each holding one headerless single-column CSV per run, named
// <run>_<name>.csv with runs numbered from 1:
//
//	rnneval --data=CLOSING --name=closing --runs=30 --plots=out/
//
// For every run it reports RMSE, MSE and NMSE, then the best run (lowest
// RMSE) and the mean ± variance of each metric over all runs.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/rnn/seqeval"
	"github.com/janpfeifer/must"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

var (
	flagData  = flag.String("data", "", "Dataset directory, holding origin/ and prediction/ subdirectories.")
	flagName  = flag.String("name", "", "Dataset name, the suffix of each CSV file (<run>_<name>.csv).")
	flagRuns  = flag.Int("runs", 30, "Number of runs to score.")
	flagPlots = flag.String("plots", "",
		"Directory to write per-run comparison and error plots to. Empty disables plotting.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagData == "" || *flagName == "" {
		klog.Errorf("Both --data and --name are required. See 'rnneval -help'.")
		os.Exit(1)
	}
	if *flagRuns <= 0 {
		klog.Errorf("--runs must be positive, got %d.", *flagRuns)
		os.Exit(1)
	}
	if *flagPlots != "" {
		must.M(os.MkdirAll(*flagPlots, 0755))
	}

	runs := make([]seqeval.RunStats, 0, *flagRuns)
	for run := 1; run <= *flagRuns; run++ {
		origin := loadColumn(filepath.Join(*flagData, "origin", fmt.Sprintf("%d_%s.csv", run, *flagName)))
		prediction := loadColumn(filepath.Join(*flagData, "prediction", fmt.Sprintf("%d_%s.csv", run, *flagName)))
		stats := seqeval.Evaluate(run, origin, prediction)
		runs = append(runs, stats)
		fmt.Printf("run %2d: RMSE=%.15f MSE=%.15f NMSE=%.15f\n", run, stats.RMSE, stats.MSE, stats.NMSE)
		if *flagPlots != "" {
			plotComparison(run, origin, prediction)
			plotError(run, seqeval.AbsError(origin, prediction))
		}
	}

	summary := seqeval.Summarize(runs)
	fmt.Printf("%s best run #%d: RMSE=%.15f MSE=%.15f NMSE=%.15f\n",
		*flagName, summary.Best.Run, summary.Best.RMSE, summary.Best.MSE, summary.Best.NMSE)
	fmt.Printf("%s over %d runs: RMSE=%.10f ± %.15f, MSE=%.10f ± %.15f, NMSE=%.10f ± %.15f\n",
		*flagName, len(runs),
		summary.MeanRMSE, summary.VarRMSE,
		summary.MeanMSE, summary.VarMSE,
		summary.MeanNMSE, summary.VarNMSE)
}

// loadColumn reads a headerless single-column CSV of floats.
func loadColumn(path string) []float64 {
	f := must.M1(os.Open(path))
	defer func() { must.M(f.Close()) }()
	df := dataframe.ReadCSV(f, dataframe.HasHeader(false), dataframe.DefaultType(series.Float))
	if df.Err != nil {
		klog.Errorf("Failed to parse %q: %v", path, df.Err)
		os.Exit(1)
	}
	return df.Col(df.Names()[0]).Float()
}

func plotComparison(run int, origin, prediction []float64) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s run %d", *flagName, run)
	p.X.Label.Text = "Time"
	p.Y.Label.Text = "Magnitude"
	must.M(plotutil.AddLinePoints(p,
		"original", toXYs(origin),
		"predicted", toXYs(prediction)))
	p.Legend.Top = true
	savePlot(p, fmt.Sprintf("%s_%d.png", *flagName, run))
}

func plotError(run int, absError []float64) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s run %d error", *flagName, run)
	p.X.Label.Text = "Time"
	p.Y.Label.Text = "Magnitude"
	must.M(plotutil.AddLinePoints(p, "|original - predicted|", toXYs(absError)))
	p.Legend.Top = true
	savePlot(p, fmt.Sprintf("%s_%d_error.png", *flagName, run))
}

func savePlot(p *plot.Plot, name string) {
	must.M(p.Save(8*vg.Inch, 4*vg.Inch, filepath.Join(*flagPlots, name)))
}

func toXYs(values []float64) plotter.XYs {
	xys := make(plotter.XYs, len(values))
	for ii, v := range values {
		xys[ii] = plotter.XY{X: float64(ii), Y: v}
	}
	return xys
}
