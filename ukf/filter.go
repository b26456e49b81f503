// Package ukf implements an Unscented Kalman Filter over the joint
// state+parameter vector of a battery cell: the fast transient state (state
// of charge, hysteresis voltage) concatenated with the updatable subset of
// the ASOH parameters. Parameters follow a random-walk process model; the
// transient state is propagated through the cell model.
package ukf

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/voltwatch/cell-estimator/cell"
)

// Config supplies the initial uncertainty and noise terms of a filter.
// Covariance blocks are block-diagonal pieces of the joint matrices: one
// block sized to the transient state, one sized to the updatable parameter
// count.
type Config struct {
	// TransientCov and ParameterCov form the initial joint covariance.
	// ParameterCov may be nil when no parameters are marked updatable.
	TransientCov *mat.SymDense
	ParameterCov *mat.SymDense

	// TransientNoise and ParameterNoise form the process-noise covariance Q
	// added after every predict. Nil blocks mean zero process noise.
	TransientNoise *mat.SymDense
	ParameterNoise *mat.SymDense

	// SensorNoise is the variance of the terminal-voltage measurement.
	SensorNoise float64

	// Alpha, Beta and Kappa are the sigma-point spread parameters. Leaving
	// Alpha zero selects the classic unscented transform: alpha=1, beta=0,
	// kappa=3-n.
	Alpha, Beta, Kappa float64
}

// Filter is an initialized UKF over one cell. A Filter exclusively owns its
// working ASOH and transient state; instances share nothing, so independent
// cells can run in parallel with one Filter each.
type Filter struct {
	model   cell.Model
	asoh    *cell.ASOH // working copy, corrected every step
	scratch *cell.ASOH // sigma-point evaluation copy
	trans   cell.Transient

	n    int // joint dimension
	nvar int // updatable parameter count

	mean *mat.VecDense
	cov  *mat.SymDense
	q    *mat.SymDense
	r    float64

	gamma         float64
	wm0, wc0, wgt float64

	labels []string
	steps  int
}

// New builds an initialized filter. The supplied ASOH is deep-copied, so the
// caller's reference instance is unaffected by later corrections. All
// covariance blocks must be symmetric PSD with dimensions matching the
// transient state and the updatable parameter count; violations fail with
// *InvalidCovarianceError before any step executes.
func New(model cell.Model, asoh *cell.ASOH, trans cell.Transient, cfg Config) (*Filter, error) {
	if model == nil {
		return nil, fmt.Errorf("nil cell model")
	}
	working := asoh.Clone()
	nvar := working.NumUpdatable()
	n := cell.TransientDim + nvar

	if err := checkBlock("transient", cfg.TransientCov, cell.TransientDim, true); err != nil {
		return nil, err
	}
	if err := checkBlock("parameter", cfg.ParameterCov, nvar, nvar > 0); err != nil {
		return nil, err
	}
	if err := checkBlock("transient process-noise", cfg.TransientNoise, cell.TransientDim, false); err != nil {
		return nil, err
	}
	if err := checkBlock("parameter process-noise", cfg.ParameterNoise, nvar, false); err != nil {
		return nil, err
	}
	if cfg.SensorNoise < 0 || math.IsNaN(cfg.SensorNoise) {
		return nil, &InvalidCovarianceError{Name: "sensor", Reason: fmt.Sprintf("variance %g is negative", cfg.SensorNoise)}
	}

	cov := blockDiag(cfg.TransientCov, cfg.ParameterCov, n)
	q := blockDiag(cfg.TransientNoise, cfg.ParameterNoise, n)

	// The initial covariance seeds the first sigma set, so it must admit a
	// square root up front.
	var chol mat.Cholesky
	if ok := chol.Factorize(cov); !ok {
		return nil, &InvalidCovarianceError{Name: "joint", Reason: "matrix is not positive definite"}
	}

	gamma, wm0, wc0, wgt, err := utWeights(n, cfg.Alpha, cfg.Beta, cfg.Kappa)
	if err != nil {
		return nil, err
	}

	mean := mat.NewVecDense(n, nil)
	mean.SetVec(0, trans.SOC)
	mean.SetVec(1, trans.Hyst)
	for i, v := range working.UpdatableValues() {
		mean.SetVec(cell.TransientDim+i, v)
	}

	labels := append([]string{"soc", "hyst"}, working.UpdatableLabels()...)

	return &Filter{
		model:   model,
		asoh:    working,
		scratch: working.Clone(),
		trans:   trans,
		n:       n,
		nvar:    nvar,
		mean:    mean,
		cov:     cov,
		q:       q,
		r:       cfg.SensorNoise,
		gamma:   gamma,
		wm0:     wm0,
		wc0:     wc0,
		wgt:     wgt,
		labels:  labels,
	}, nil
}

// utWeights derives the sigma-point scaling and recombination weights for a
// joint dimension n. Zero alpha selects the classic unscented transform
// (alpha=1, beta=0, kappa=3-n). The mean weights wm0 + 2n*wgt sum to one.
func utWeights(n int, alpha, beta, kappa float64) (gamma, wm0, wc0, wgt float64, err error) {
	if alpha == 0 {
		alpha, beta, kappa = 1, 0, 3-float64(n)
	}
	lambda := alpha*alpha*(float64(n)+kappa) - float64(n)
	if float64(n)+lambda <= 0 {
		return 0, 0, 0, 0, fmt.Errorf("sigma point scaling n+lambda = %g must be positive", float64(n)+lambda)
	}
	gamma = math.Sqrt(float64(n) + lambda)
	wm0 = lambda / (float64(n) + lambda)
	wc0 = wm0 + 1 - alpha*alpha + beta
	wgt = 1 / (2 * (float64(n) + lambda))
	return gamma, wm0, wc0, wgt, nil
}

// psdTol is the relative tolerance for negative eigenvalues when deciding
// whether a covariance block is positive semidefinite.
const psdTol = 1e-12

// checkBlock validates one covariance block: dimensions, finite entries and
// positive semidefiniteness. SymDense guarantees symmetry by construction.
// Cholesky would be too strict here since all-zero noise blocks are legal, so
// semidefiniteness is checked through the eigenvalues instead.
func checkBlock(name string, block *mat.SymDense, dim int, required bool) error {
	if block == nil {
		if required {
			return &InvalidCovarianceError{Name: name, Reason: fmt.Sprintf("missing %dx%d block", dim, dim)}
		}
		return nil
	}
	if block.SymmetricDim() != dim {
		return &InvalidCovarianceError{Name: name, Reason: fmt.Sprintf("block is %dx%d, want %dx%d", block.SymmetricDim(), block.SymmetricDim(), dim, dim)}
	}
	maxAbs := 0.0
	for i := 0; i < dim; i++ {
		v := block.At(i, i)
		if math.IsNaN(v) {
			return &InvalidCovarianceError{Name: name, Reason: fmt.Sprintf("non-finite variance at diagonal entry %d", i)}
		}
		if v < 0 {
			return &InvalidCovarianceError{Name: name, Reason: fmt.Sprintf("negative variance %g at diagonal entry %d", v, i)}
		}
		for j := i; j < dim; j++ {
			e := block.At(i, j)
			if math.IsInf(e, 0) || math.IsNaN(e) {
				return &InvalidCovarianceError{Name: name, Reason: fmt.Sprintf("non-finite entry at (%d,%d)", i, j)}
			}
			if a := math.Abs(e); a > maxAbs {
				maxAbs = a
			}
		}
	}
	var eig mat.EigenSym
	if ok := eig.Factorize(block, false); !ok {
		return &InvalidCovarianceError{Name: name, Reason: "eigendecomposition failed"}
	}
	tol := psdTol * math.Max(1, maxAbs)
	for _, v := range eig.Values(nil) {
		if v < -tol {
			return &InvalidCovarianceError{Name: name, Reason: fmt.Sprintf("matrix is not positive semidefinite (eigenvalue %g)", v)}
		}
	}
	return nil
}

// blockDiag assembles an n-dim matrix with the transient block in the top
// left and the parameter block in the bottom right. Nil blocks stay zero.
func blockDiag(top, bottom *mat.SymDense, n int) *mat.SymDense {
	out := mat.NewSymDense(n, nil)
	if top != nil {
		d := top.SymmetricDim()
		for i := 0; i < d; i++ {
			for j := i; j < d; j++ {
				out.SetSym(i, j, top.At(i, j))
			}
		}
	}
	if bottom != nil {
		d := bottom.SymmetricDim()
		off := n - d
		for i := 0; i < d; i++ {
			for j := i; j < d; j++ {
				out.SetSym(off+i, off+j, bottom.At(i, j))
			}
		}
	}
	return out
}

// Dim returns the joint-state dimension.
func (f *Filter) Dim() int { return f.n }

// Labels returns one name per joint-state dimension, ordered to match Mean.
func (f *Filter) Labels() []string {
	out := make([]string, len(f.labels))
	copy(out, f.labels)
	return out
}

// Mean returns a copy of the current joint posterior mean.
func (f *Filter) Mean() []float64 {
	out := make([]float64, f.n)
	copy(out, f.mean.RawVector().Data)
	return out
}

// StdDev returns the per-dimension posterior standard deviation.
func (f *Filter) StdDev() []float64 {
	out := make([]float64, f.n)
	for i := 0; i < f.n; i++ {
		out[i] = math.Sqrt(f.cov.At(i, i))
	}
	return out
}

// Covariance returns a copy of the joint posterior covariance.
func (f *Filter) Covariance() *mat.SymDense {
	out := mat.NewSymDense(f.n, nil)
	out.CopySym(f.cov)
	return out
}

// ASOH returns a copy of the working parameter vector after the most recent
// correction.
func (f *Filter) ASOH() *cell.ASOH { return f.asoh.Clone() }

// Transient returns the working transient state after the most recent
// correction.
func (f *Filter) Transient() cell.Transient { return f.trans }

// Step runs one PREDICT then CORRECT tick: sigma points are generated from
// the current posterior, propagated through the cell model from now to next,
// and the realized terminal voltage at next corrects the joint state.
//
// A step is atomic: on error the filter's mean, covariance and working
// copies are unchanged, so the caller can retry at the next sample.
func (f *Filter) Step(now, next cell.Input, voltage float64) error {
	f.steps++

	var chol mat.Cholesky
	if ok := chol.Factorize(f.cov); !ok {
		return &SingularCovarianceError{Step: f.steps}
	}
	var sqrtCov mat.TriDense
	chol.LTo(&sqrtCov)

	n := f.n
	cols := 2*n + 1

	// Sigma points: the mean, then mean +/- gamma * chol(P) columns.
	points := mat.NewDense(n, cols, nil)
	for j := 0; j < cols; j++ {
		for i := 0; i < n; i++ {
			points.Set(i, j, f.mean.AtVec(i))
		}
	}
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			d := f.gamma * sqrtCov.At(i, j)
			points.Set(i, 1+j, points.At(i, 1+j)+d)
			points.Set(i, 1+n+j, points.At(i, 1+n+j)-d)
		}
	}

	// Propagate every sigma point's transient component through the cell
	// model using that same point's parameter component. Parameters carry
	// through unchanged (random walk); process noise is added below.
	propagated := mat.NewDense(n, cols, nil)
	outputs := make([]float64, cols)
	col := make([]float64, n)
	for j := 0; j < cols; j++ {
		mat.Col(col, j, points)
		st := cell.TransientFromVector(col[:cell.TransientDim])
		if f.nvar > 0 {
			if err := f.scratch.ApplyUpdatableValues(col[cell.TransientDim:]); err != nil {
				return fmt.Errorf("applying sigma point parameters: %w", err)
			}
		}
		stNext, y := f.model.Step(st, f.scratch, now, next)
		v := stNext.Vector()
		for i := 0; i < cell.TransientDim; i++ {
			propagated.Set(i, j, v[i])
		}
		for i := cell.TransientDim; i < n; i++ {
			propagated.Set(i, j, col[i])
		}
		outputs[j] = y
	}

	// Predicted joint mean and measurement mean.
	xPred := mat.NewVecDense(n, nil)
	var yPred float64
	for j := 0; j < cols; j++ {
		w := f.wgt
		if j == 0 {
			w = f.wm0
		}
		xPred.AddScaledVec(xPred, w, propagated.ColView(j))
		yPred += w * outputs[j]
	}

	// Predicted covariance plus process noise, measurement variance plus
	// sensor noise, and the state-measurement cross covariance.
	pPred := mat.NewDense(n, n, nil)
	pxy := mat.NewVecDense(n, nil)
	pyy := f.r
	diff := mat.NewVecDense(n, nil)
	outer := mat.NewDense(n, n, nil)
	for j := 0; j < cols; j++ {
		w := f.wgt
		if j == 0 {
			w = f.wc0
		}
		diff.SubVec(propagated.ColView(j), xPred)
		outer.Outer(w, diff, diff)
		pPred.Add(pPred, outer)

		dy := outputs[j] - yPred
		pxy.AddScaledVec(pxy, w*dy, diff)
		pyy += w * dy * dy
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			pPred.Set(i, j, pPred.At(i, j)+f.q.At(i, j))
		}
	}

	// Kalman gain and correction. The measurement is scalar, so the gain is
	// a column vector and the predicted-measurement covariance a scalar.
	gain := mat.NewVecDense(n, nil)
	gain.ScaleVec(1/pyy, pxy)

	newMean := mat.NewVecDense(n, nil)
	newMean.AddScaledVec(xPred, voltage-yPred, gain)

	outer.Outer(pyy, gain, gain)
	pPred.Sub(pPred, outer)

	// Average with the transpose to counter floating-point asymmetry drift
	// before the next step's square root, and keep variances non-negative.
	newCov := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := (pPred.At(i, j) + pPred.At(j, i)) / 2
			if i == j && v < 0 {
				v = 0
			}
			newCov.SetSym(i, j, v)
		}
	}

	// Commit: write the corrected components back into the working copies so
	// the next tick's model calls see them.
	f.mean = newMean
	f.cov = newCov
	f.trans = cell.TransientFromVector(f.mean.RawVector().Data[:cell.TransientDim])
	if f.nvar > 0 {
		if err := f.asoh.ApplyUpdatableValues(f.mean.RawVector().Data[cell.TransientDim:]); err != nil {
			return fmt.Errorf("writing corrected parameters: %w", err)
		}
	}
	return nil
}
