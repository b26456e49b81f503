/*
cell-estimator - Online battery cell state and health estimation
Copyright (C) 2024, Voltwatch

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

package main

import (
	"fmt"
	"os"

	arg "github.com/alexflint/go-arg"
	"github.com/jedib0t/go-pretty/v6/table"
	"gonum.org/v1/gonum/mat"

	"github.com/voltwatch/cell-estimator/cell"
	"github.com/voltwatch/cell-estimator/dataset"
	"github.com/voltwatch/cell-estimator/estimate"
	"github.com/voltwatch/cell-estimator/logging"
	"github.com/voltwatch/cell-estimator/ukf"
)

var (
	version = "<not set>"
	log     = logging.NewLogger("info")
)

type Args struct {
	Dataset    string   `arg:"--dataset,required" help:"CSV file with time,current,voltage columns (cycle optional)"`
	ASOH       string   `arg:"--asoh" help:"YAML cell parameter document, defaults to a nominal li-ion cell"`
	Output     string   `arg:"-o,--output" help:"write the dataset with estimate columns to this CSV file"`
	Updatable  []string `arg:"--updatable,separate" help:"parameter paths to estimate (repeatable)"`
	SOCVar     float64  `arg:"--soc-var" help:"initial state-of-charge variance"`
	HystVar    float64  `arg:"--hyst-var" help:"initial hysteresis-voltage variance"`
	ParamVar   float64  `arg:"--param-var" help:"initial variance per updatable parameter"`
	ProcessVar float64  `arg:"--process-var" help:"transient process-noise variance per step"`
	ParamNoise float64  `arg:"--param-noise" help:"parameter random-walk variance per step"`
	SensorVar  float64  `arg:"--sensor-var" help:"terminal-voltage sensor-noise variance"`
	SkipFailed bool     `arg:"--skip-failed" help:"skip steps with singular covariance instead of aborting"`
	LogLevel   string   `arg:"-l,--log-level" default:"info" help:"Set the logging level (debug, info, warn, error)"`
}

func (Args) Version() string {
	return version
}

func procArgs() Args {
	args := Args{
		SOCVar:     1e-2,
		HystVar:    1e-6,
		ParamVar:   1e-4,
		ProcessVar: 1e-8,
		ParamNoise: 1e-10,
		SensorVar:  1e-4,
	}
	arg.MustParse(&args)
	if len(args.Updatable) == 0 {
		args.Updatable = []string{"r0.base_values"}
	}
	return args
}

func main() {
	err := runMain()
	if err != nil {
		log.Fatal(err.Error())
	}
}

func runMain() error {
	args := procArgs()
	log = logging.NewLogger(args.LogLevel)
	estimate.SetLogger(log)

	log.Infof("Running version: %s", version)

	asoh, err := loadASOH(args.ASOH)
	if err != nil {
		return err
	}
	for _, path := range args.Updatable {
		if err := asoh.MarkUpdatable(path); err != nil {
			return err
		}
	}
	log.Infof("Estimating %d parameter values: %v", asoh.NumUpdatable(), asoh.UpdatableLabels())

	ds, skipped, err := dataset.LoadCSV(args.Dataset)
	if err != nil {
		return err
	}
	if skipped > 0 {
		log.Warnf("Skipped %d malformed rows in %s", skipped, args.Dataset)
	}
	if len(ds.Samples) == 0 {
		return fmt.Errorf("no usable samples in %s", args.Dataset)
	}
	log.Infof("Loaded %d samples from %s", len(ds.Samples), args.Dataset)

	// Seed the state of charge from the first measured voltage.
	trans := cell.TransientFromASOH(asoh, ds.Samples[0].Voltage)
	log.Infof("Initial state of charge %.3f from rest voltage %.3fV", trans.SOC, ds.Samples[0].Voltage)

	filter, err := ukf.New(cell.Thevenin{}, asoh, trans, ukf.Config{
		TransientCov:   diagSym(args.SOCVar, args.HystVar),
		ParameterCov:   uniformSym(asoh.NumUpdatable(), args.ParamVar),
		TransientNoise: diagSym(args.ProcessVar, args.ProcessVar),
		ParameterNoise: uniformSym(asoh.NumUpdatable(), args.ParamNoise),
		SensorNoise:    args.SensorVar,
	})
	if err != nil {
		return err
	}

	policy := estimate.AbortOnFailure
	if args.SkipFailed {
		policy = estimate.SkipFailedSteps
	}

	result, runErr := estimate.RunOnline(ds, filter, policy)
	if result != nil {
		printSummary(result, filter)
		if args.Output != "" {
			if err := result.AppendTo(ds); err != nil {
				return err
			}
			if err := ds.SaveCSV(args.Output); err != nil {
				return err
			}
			log.Infof("Wrote estimates to %s", args.Output)
		}
	}
	return runErr
}

func loadASOH(path string) (*cell.ASOH, error) {
	if path == "" {
		log.Info("No ASOH document given, using nominal li-ion defaults")
		return cell.DefaultASOH(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading ASOH document: %w", err)
	}
	return cell.ParseASOH(data)
}

func diagSym(values ...float64) *mat.SymDense {
	out := mat.NewSymDense(len(values), nil)
	for i, v := range values {
		out.SetSym(i, i, v)
	}
	return out
}

func uniformSym(n int, v float64) *mat.SymDense {
	if n == 0 {
		return nil
	}
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		out.SetSym(i, i, v)
	}
	return out
}

func printSummary(result *estimate.Result, filter *ukf.Filter) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle(fmt.Sprintf("Posterior after %d steps (%d failed)", result.Succeeded, result.Failed))
	t.AppendHeader(table.Row{"Dimension", "Estimate", "Std dev"})
	mean := filter.Mean()
	std := filter.StdDev()
	for i, label := range result.Labels {
		t.AppendRow(table.Row{label, fmt.Sprintf("%.6g", mean[i]), fmt.Sprintf("%.3g", std[i])})
	}
	t.Render()
}
