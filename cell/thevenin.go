package cell

import "math"

const secondsPerHour = 3600.0

// Thevenin is an equivalent-circuit cell model: coulomb-counting state of
// charge, first-order voltage hysteresis, and an ohmic drop over the
// SOC-dependent resistance R0.
//
//	V = OCV(soc) + hyst - I*R0(soc)
type Thevenin struct{}

// Step advances the transient state from now to next and returns it with
// the predicted terminal voltage at next.
func (Thevenin) Step(st Transient, asoh *ASOH, now, next Input) (Transient, float64) {
	dt := next.Time - now.Time
	i := now.Current

	// Coulomb counting. Discharge-positive current lowers the SOC.
	soc := st.SOC - i*dt/(secondsPerHour*asoh.CapacityAh)

	// Hysteresis relaxes toward -gamma on discharge, +gamma on charge, at a
	// rate proportional to the charge throughput.
	hyst := st.Hyst
	if g := asoh.Hysteresis.Gamma; g != 0 && i != 0 {
		target := -g
		if i < 0 {
			target = g
		}
		decay := math.Exp(-math.Abs(i) * asoh.Hysteresis.Kappa * dt / (secondsPerHour * asoh.CapacityAh))
		hyst = target + (hyst-target)*decay
	}

	out := Transient{SOC: soc, Hyst: hyst}
	voltage := asoh.OCV.At(soc) + hyst - next.Current*asoh.R0.At(soc)
	return out, voltage
}
