// Package estimate drives a filter across an ordered measurement stream and
// collects the per-step posterior mean and standard deviation.
package estimate

import (
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/voltwatch/cell-estimator/cell"
	"github.com/voltwatch/cell-estimator/dataset"
	"github.com/voltwatch/cell-estimator/logging"
	"github.com/voltwatch/cell-estimator/ukf"
)

var log = logging.NewLogger("info")

// SetLogger replaces the package logger.
func SetLogger(l *logrus.Logger) {
	if l != nil {
		log = l
	}
}

// Filter is the recursion the loop drives. *ukf.Filter satisfies it.
type Filter interface {
	Step(now, next cell.Input, voltage float64) error
	Mean() []float64
	StdDev() []float64
	Labels() []string
	Dim() int
}

// FailurePolicy selects how the loop reacts to a recoverable numerical
// failure (a singular running covariance) during a step. The policy is fixed
// for the whole run; mixed behavior within one run is impossible.
type FailurePolicy int

const (
	// AbortOnFailure stops the run at the first failed step. Records up to
	// the failure are preserved in the returned Result.
	AbortOnFailure FailurePolicy = iota
	// SkipFailedSteps records the failed step as unestimated and re-attempts
	// at the next sample, reusing the last valid mean and covariance.
	SkipFailedSteps
)

// Record is the posterior after one sample's correction. OK is false for a
// failed step, in which case Mean and Std are nil.
type Record struct {
	Index int
	Time  float64
	Mean  []float64
	Std   []float64
	OK    bool
}

// Result is the outcome of a run: one record per consumed sample after the
// first, plus success/failure counts. On an aborted run the records up to
// the abort are preserved.
type Result struct {
	Labels    []string
	Records   []Record
	Succeeded int
	Failed    int
}

// RunOnline consumes the measurement stream in order and produces one Record
// per sample after its CORRECT step.
//
// The first sample only seeds the filter clock: it is consumed without a
// correction and produces no record, since there is no prior interval to
// propagate over. Every later sample k is processed by propagating from
// sample k-1's input to sample k and correcting with sample k's voltage.
//
// The loop is strictly causal and linear in the sample count: no look-ahead,
// no reordering. Ordering is validated before the loop; an out-of-order
// stream fails with *dataset.SampleOrderingError before any step runs.
func RunOnline(ds *dataset.Dataset, f Filter, policy FailurePolicy) (*Result, error) {
	if len(ds.Samples) == 0 {
		return nil, fmt.Errorf("empty measurement stream")
	}
	if err := ds.CheckOrdering(); err != nil {
		return nil, err
	}

	res := &Result{Labels: f.Labels()}
	prev := ds.Samples[0]
	for k := 1; k < len(ds.Samples); k++ {
		s := ds.Samples[k]
		now := cell.Input{Time: prev.Time, Current: prev.Current}
		next := cell.Input{Time: s.Time, Current: s.Current}

		if err := f.Step(now, next, s.Voltage); err != nil {
			var singular *ukf.SingularCovarianceError
			if errors.As(err, &singular) && policy == SkipFailedSteps {
				log.Warnf("Skipping sample %d: %v", k, err)
				res.Records = append(res.Records, Record{Index: k, Time: s.Time, OK: false})
				res.Failed++
				prev = s
				continue
			}
			res.Failed++
			log.Errorf("Aborting run at sample %d after %d successful steps: %v", k, res.Succeeded, err)
			return res, fmt.Errorf("step at sample %d: %w", k, err)
		}

		res.Records = append(res.Records, Record{
			Index: k,
			Time:  s.Time,
			Mean:  f.Mean(),
			Std:   f.StdDev(),
			OK:    true,
		})
		res.Succeeded++
		prev = s
	}

	log.Infof("Run complete: %d successful steps, %d failed", res.Succeeded, res.Failed)
	return res, nil
}

// AppendTo writes the run's estimates back onto the measurement stream as
// derived columns: one value column and one "<label>_std" column per joint
// dimension. The seed sample and failed steps hold NaN.
func (r *Result) AppendTo(ds *dataset.Dataset) error {
	n := len(ds.Samples)
	for dim, label := range r.Labels {
		vals := nanSlice(n)
		stds := nanSlice(n)
		for _, rec := range r.Records {
			if !rec.OK {
				continue
			}
			vals[rec.Index] = rec.Mean[dim]
			stds[rec.Index] = rec.Std[dim]
		}
		if err := ds.AddColumn(label, vals); err != nil {
			return err
		}
		if err := ds.AddColumn(label+"_std", stds); err != nil {
			return err
		}
	}
	return nil
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
