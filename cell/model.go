package cell

// Input is one applied-current sample. Current is in amps, positive on
// discharge.
type Input struct {
	Time    float64 // seconds since the start of the record
	Current float64 // amps, discharge positive
}

// Model advances a transient state across one input interval and predicts
// the terminal voltage at the end of it.
//
// Implementations must be deterministic, side-effect-free functions of their
// arguments: the filter evaluates Step many times per tick with perturbed
// states and parameters, so call-order-dependent caching is not permitted.
// Any implementation satisfying this contract is usable interchangeably.
type Model interface {
	Step(st Transient, asoh *ASOH, now, next Input) (Transient, float64)
}
