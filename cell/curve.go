package cell

import "fmt"

// curvePad is how far beyond [0,1] the sentinel endpoints are placed so that
// interpolation queries at or slightly past the SOC boundaries never fail.
const curvePad = 0.05

// Curve is a piecewise-linear function of state of charge, used for the OCV
// curve and the SOC-dependent ohmic resistance.
type Curve struct {
	SOCPivots  []float64 `yaml:"soc_pivots"`
	BaseValues []float64 `yaml:"base_values"`
}

// Validate checks the pivot/value arrays agree and the pivots increase.
func (c *Curve) Validate() error {
	if len(c.SOCPivots) != len(c.BaseValues) {
		return fmt.Errorf("curve has %d pivots but %d values", len(c.SOCPivots), len(c.BaseValues))
	}
	if len(c.SOCPivots) == 0 {
		return fmt.Errorf("curve has no pivots")
	}
	for i := 1; i < len(c.SOCPivots); i++ {
		if c.SOCPivots[i] <= c.SOCPivots[i-1] {
			return fmt.Errorf("curve pivots not increasing at index %d", i)
		}
	}
	return nil
}

// At evaluates the curve at the given state of charge. The curve is padded
// with sentinel endpoints at curvePad beyond the first and last pivot,
// extended with the edge slope, so queries near and slightly outside [0,1]
// always succeed. Beyond the sentinels the value is held constant.
func (c *Curve) At(soc float64) float64 {
	n := len(c.SOCPivots)
	if n == 1 {
		return c.BaseValues[0]
	}

	lo, hi := c.SOCPivots[0], c.SOCPivots[n-1]
	loVal, hiVal := c.BaseValues[0], c.BaseValues[n-1]
	loSlope := (c.BaseValues[1] - loVal) / (c.SOCPivots[1] - lo)
	hiSlope := (hiVal - c.BaseValues[n-2]) / (hi - c.SOCPivots[n-2])

	switch {
	case soc <= lo-curvePad:
		return loVal - loSlope*curvePad
	case soc < lo:
		return loVal + loSlope*(soc-lo)
	case soc >= hi+curvePad:
		return hiVal + hiSlope*curvePad
	case soc > hi:
		return hiVal + hiSlope*(soc-hi)
	}

	for i := 1; i < n; i++ {
		if soc <= c.SOCPivots[i] {
			t := (soc - c.SOCPivots[i-1]) / (c.SOCPivots[i] - c.SOCPivots[i-1])
			return c.BaseValues[i-1] + t*(c.BaseValues[i]-c.BaseValues[i-1])
		}
	}
	return hiVal
}

// Inverse finds the state of charge at which a monotonically increasing
// curve takes the given value. Values outside the curve range clamp to the
// nearest endpoint. Used for initialization only.
func (c *Curve) Inverse(value float64) float64 {
	n := len(c.SOCPivots)
	if n == 1 || value <= c.BaseValues[0] {
		return c.SOCPivots[0]
	}
	if value >= c.BaseValues[n-1] {
		return c.SOCPivots[n-1]
	}
	for i := 1; i < n; i++ {
		if value <= c.BaseValues[i] {
			t := (value - c.BaseValues[i-1]) / (c.BaseValues[i] - c.BaseValues[i-1])
			return c.SOCPivots[i-1] + t*(c.SOCPivots[i]-c.SOCPivots[i-1])
		}
	}
	return c.SOCPivots[n-1]
}
