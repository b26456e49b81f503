package ukf

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/voltwatch/cell-estimator/cell"
)

func TestWeightsSumToOne(t *testing.T) {
	for n := 1; n <= 8; n++ {
		gamma, wm0, _, wgt, err := utWeights(n, 0, 0, 0)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, wm0+float64(2*n)*wgt, 1e-14, "n=%d", n)
		assert.Greater(t, gamma, 0.0)
	}

	// Custom spread parameters keep the property.
	for n := 1; n <= 8; n++ {
		_, wm0, _, wgt, err := utWeights(n, 0.9, 2, 1)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, wm0+float64(2*n)*wgt, 1e-14, "n=%d", n)
	}
}

// scenarioASOH is a three-dimensional joint state: SOC, hysteresis and one
// resistance parameter. The OCV curve is linear so the unscented transform
// is exact.
func scenarioASOH(t *testing.T, r0 float64) *cell.ASOH {
	a := &cell.ASOH{
		CapacityAh: 1.0,
		R0:         cell.Curve{SOCPivots: []float64{0.5}, BaseValues: []float64{r0}},
		OCV:        cell.Curve{SOCPivots: []float64{0, 1}, BaseValues: []float64{3.0, 4.2}},
		Hysteresis: cell.Hysteresis{Gamma: 0, Kappa: 1},
	}
	require.NoError(t, a.MarkUpdatable("r0.base_values"))
	return a
}

func scenarioConfig() Config {
	return Config{
		TransientCov: mat.NewSymDense(2, []float64{1e-2, 0, 0, 1e-6}),
		ParameterCov: mat.NewSymDense(1, []float64{1e-8}),
		SensorNoise:  1e-6,
	}
}

func TestNewRejectsInvalidCovariance(t *testing.T) {
	a := scenarioASOH(t, 0.01)
	trans := cell.Transient{SOC: 0.5}

	cfg := scenarioConfig()
	cfg.TransientCov = mat.NewSymDense(2, []float64{-1e-2, 0, 0, 1e-6})
	_, err := New(cell.Thevenin{}, a, trans, cfg)
	var invalid *InvalidCovarianceError
	require.ErrorAs(t, err, &invalid)

	cfg = scenarioConfig()
	cfg.ParameterCov = nil // required: one parameter is updatable
	_, err = New(cell.Thevenin{}, a, trans, cfg)
	require.ErrorAs(t, err, &invalid)

	cfg = scenarioConfig()
	cfg.ParameterCov = mat.NewSymDense(2, nil) // wrong block size
	_, err = New(cell.Thevenin{}, a, trans, cfg)
	require.ErrorAs(t, err, &invalid)

	// Indefinite matrix with non-negative diagonal: no square root exists.
	cfg = scenarioConfig()
	cfg.TransientCov = mat.NewSymDense(2, []float64{1, 2, 2, 1})
	_, err = New(cell.Thevenin{}, a, trans, cfg)
	require.ErrorAs(t, err, &invalid)

	cfg = scenarioConfig()
	cfg.SensorNoise = -1
	_, err = New(cell.Thevenin{}, a, trans, cfg)
	require.ErrorAs(t, err, &invalid)

	cfg = scenarioConfig()
	cfg.TransientCov = mat.NewSymDense(2, []float64{math.NaN(), 0, 0, 1e-6})
	_, err = New(cell.Thevenin{}, a, trans, cfg)
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Reason, "non-finite")
}

// Process-noise blocks are never Cholesky-factorized, so an indefinite one
// would otherwise slip through and only surface steps later as a singular
// running covariance. They must be rejected up front like the initial blocks.
func TestNewRejectsIndefiniteProcessNoise(t *testing.T) {
	a := scenarioASOH(t, 0.01)
	trans := cell.Transient{SOC: 0.5}
	var invalid *InvalidCovarianceError

	// Non-negative diagonal, dominant off-diagonal: indefinite.
	cfg := scenarioConfig()
	cfg.TransientNoise = mat.NewSymDense(2, []float64{1e-8, 1, 1, 1e-8})
	_, err := New(cell.Thevenin{}, a, trans, cfg)
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "transient process-noise", invalid.Name)

	cfg = scenarioConfig()
	cfg.ParameterNoise = mat.NewSymDense(1, []float64{-1e-3})
	_, err = New(cell.Thevenin{}, a, trans, cfg)
	require.ErrorAs(t, err, &invalid)

	// All-zero process noise is legal: PSD, just not positive definite.
	cfg = scenarioConfig()
	cfg.TransientNoise = mat.NewSymDense(2, nil)
	cfg.ParameterNoise = mat.NewSymDense(1, nil)
	_, err = New(cell.Thevenin{}, a, trans, cfg)
	require.NoError(t, err)
}

func TestSyntheticConvergence(t *testing.T) {
	const rTrue = 0.02
	const rGuess = 0.01

	truth := scenarioASOH(t, rTrue)
	model := cell.Thevenin{}

	// Generate three noise-free measurements at 1A constant current.
	st := cell.Transient{SOC: 0.5}
	inputs := make([]cell.Input, 4)
	voltages := make([]float64, 4)
	for k := 0; k <= 3; k++ {
		inputs[k] = cell.Input{Time: float64(k), Current: 1}
	}
	for k := 1; k <= 3; k++ {
		st, voltages[k] = model.Step(st, truth, inputs[k-1], inputs[k])
	}

	f, err := New(model, scenarioASOH(t, rGuess), cell.Transient{SOC: 0.5}, scenarioConfig())
	require.NoError(t, err)
	require.Equal(t, 3, f.Dim())
	require.Equal(t, []string{"soc", "hyst", "r0.base_values"}, f.Labels())

	errs := []float64{math.Abs(f.Mean()[2] - rTrue)}
	vars := []float64{f.Covariance().At(2, 2)}
	for k := 1; k <= 3; k++ {
		require.NoError(t, f.Step(inputs[k-1], inputs[k], voltages[k]))
		errs = append(errs, math.Abs(f.Mean()[2]-rTrue))
		vars = append(vars, f.Covariance().At(2, 2))
	}

	// Informative, noise-free measurements: the resistance estimate moves
	// toward the truth and never away, and its variance never grows.
	for k := 1; k < len(errs); k++ {
		assert.LessOrEqual(t, errs[k], errs[k-1]+1e-9, "step %d", k)
		assert.LessOrEqual(t, vars[k], vars[k-1]+1e-18, "step %d", k)
	}
	assert.Less(t, errs[len(errs)-1], errs[0])
	assert.Less(t, vars[len(vars)-1], vars[0])

	// The corrected parameter is written back into the working ASOH.
	assert.Equal(t, f.Mean()[2], f.ASOH().R0.BaseValues[0])
}

func TestPosteriorCovarianceWellFormed(t *testing.T) {
	f, err := New(cell.Thevenin{}, scenarioASOH(t, 0.01), cell.Transient{SOC: 0.8}, scenarioConfig())
	require.NoError(t, err)

	in := cell.Input{Time: 0, Current: 2}
	for k := 1; k <= 10; k++ {
		next := cell.Input{Time: float64(k) * 10, Current: 2}
		require.NoError(t, f.Step(in, next, 3.7))
		in = next

		cov := f.Covariance()
		for i := 0; i < f.Dim(); i++ {
			assert.GreaterOrEqual(t, cov.At(i, i), 0.0)
			for j := 0; j < f.Dim(); j++ {
				assert.Equal(t, cov.At(i, j), cov.At(j, i))
			}
		}
	}
}

func TestZeroUpdatableBoundary(t *testing.T) {
	a := cell.DefaultASOH() // nothing marked updatable

	f, err := New(cell.Thevenin{}, a, cell.Transient{SOC: 0.9}, Config{
		TransientCov: mat.NewSymDense(2, []float64{1e-2, 0, 0, 1e-6}),
		SensorNoise:  1e-4,
	})
	require.NoError(t, err)
	assert.Equal(t, cell.TransientDim, f.Dim())
	assert.Equal(t, []string{"soc", "hyst"}, f.Labels())

	in := cell.Input{Time: 0, Current: 1}
	for k := 1; k <= 5; k++ {
		next := cell.Input{Time: float64(k) * 60, Current: 1}
		require.NoError(t, f.Step(in, next, 3.9))
		in = next
	}
}

func TestDeterministicRuns(t *testing.T) {
	run := func() ([]float64, []float64) {
		f, err := New(cell.Thevenin{}, scenarioASOH(t, 0.01), cell.Transient{SOC: 0.6}, scenarioConfig())
		require.NoError(t, err)
		in := cell.Input{Time: 0, Current: 1.5}
		for k := 1; k <= 8; k++ {
			next := cell.Input{Time: float64(k) * 30, Current: 1.5}
			require.NoError(t, f.Step(in, next, 3.6-0.001*float64(k)))
			in = next
		}
		return f.Mean(), f.StdDev()
	}

	mean1, std1 := run()
	mean2, std2 := run()
	assert.Equal(t, mean1, mean2)
	assert.Equal(t, std1, std2)
}

func TestCallerASOHUnaffected(t *testing.T) {
	a := scenarioASOH(t, 0.01)
	f, err := New(cell.Thevenin{}, a, cell.Transient{SOC: 0.5}, scenarioConfig())
	require.NoError(t, err)

	require.NoError(t, f.Step(cell.Input{Time: 0, Current: 1}, cell.Input{Time: 1, Current: 1}, 3.55))
	assert.Equal(t, 0.01, a.R0.BaseValues[0], "filter must correct a deep copy, not the caller's instance")
	assert.NotEqual(t, 0.01, f.ASOH().R0.BaseValues[0])
}
