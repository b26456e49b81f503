package cell

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTheveninCoulombCounting(t *testing.T) {
	a := DefaultASOH()
	a.Hysteresis.Gamma = 0
	m := Thevenin{}

	// 1A discharge for a full hour drains a 1Ah cell completely.
	st := Transient{SOC: 1.0}
	st, _ = m.Step(st, a, Input{Time: 0, Current: 1}, Input{Time: 3600, Current: 1})
	assert.InDelta(t, 0.0, st.SOC, 1e-12)

	// Charging raises the SOC.
	st, _ = m.Step(st, a, Input{Time: 3600, Current: -1}, Input{Time: 5400, Current: -1})
	assert.InDelta(t, 0.5, st.SOC, 1e-12)
}

func TestTheveninTerminalVoltage(t *testing.T) {
	a := DefaultASOH()
	a.Hysteresis.Gamma = 0
	m := Thevenin{}

	st := Transient{SOC: 0.5}
	next, v := m.Step(st, a, Input{Time: 0, Current: 2}, Input{Time: 36, Current: 2})

	wantSOC := 0.5 - 2*36/3600.0
	require.InDelta(t, wantSOC, next.SOC, 1e-12)
	assert.InDelta(t, a.OCV.At(wantSOC)-2*a.R0.At(wantSOC), v, 1e-12)
}

func TestTheveninHysteresis(t *testing.T) {
	a := DefaultASOH()
	a.Hysteresis = Hysteresis{Gamma: 0.02, Kappa: 50}
	m := Thevenin{}

	// Sustained discharge pulls the hysteresis voltage toward -gamma.
	st := Transient{SOC: 0.9}
	in := Input{Time: 0, Current: 1}
	for k := 1; k <= 20; k++ {
		next := Input{Time: float64(k) * 60, Current: 1}
		st, _ = m.Step(st, a, in, next)
		in = next
	}
	assert.Less(t, st.Hyst, 0.0)
	assert.GreaterOrEqual(t, st.Hyst, -a.Hysteresis.Gamma)

	// Zero current leaves the hysteresis untouched.
	rest, _ := m.Step(st, a, Input{Time: 1200, Current: 0}, Input{Time: 1260, Current: 0})
	assert.Equal(t, st.Hyst, rest.Hyst)
}

func TestTheveninDeterministic(t *testing.T) {
	a := DefaultASOH()
	a.Hysteresis = Hysteresis{Gamma: 0.01, Kappa: 10}
	m := Thevenin{}

	st := Transient{SOC: 0.7, Hyst: -0.003}
	now, next := Input{Time: 10, Current: 0.5}, Input{Time: 20, Current: 0.4}

	s1, v1 := m.Step(st, a, now, next)
	s2, v2 := m.Step(st, a, now, next)
	assert.Equal(t, s1, s2)
	assert.Equal(t, v1, v2)
}
