package cell

// TransientDim is the number of fast state variables evolved every step.
const TransientDim = 2

// Transient is the fast internal state of a cell. SOC is nominally in [0,1]
// but is not hard-clamped; the curves tolerate small excursions.
type Transient struct {
	SOC  float64
	Hyst float64
}

// Vector returns the transient state as a flat slice, ordered SOC then
// hysteresis. The order matches TransientFromVector and the joint-state
// layout used by the filter.
func (t Transient) Vector() []float64 {
	return []float64{t.SOC, t.Hyst}
}

// TransientFromVector is the inverse of Vector.
func TransientFromVector(v []float64) Transient {
	return Transient{SOC: v[0], Hyst: v[1]}
}

// TransientFromASOH builds an initial transient state from a rest voltage by
// inverting the OCV curve. Initialization only, not used on the hot path.
func TransientFromASOH(a *ASOH, restVoltage float64) Transient {
	return Transient{SOC: a.OCV.Inverse(restVoltage), Hyst: 0}
}
