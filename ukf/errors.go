package ukf

import "fmt"

// InvalidCovarianceError is returned at construction time when a supplied
// covariance block is not a usable symmetric PSD matrix. It is fatal and
// raised before any step executes.
type InvalidCovarianceError struct {
	Name   string
	Reason string
}

func (e *InvalidCovarianceError) Error() string {
	return fmt.Sprintf("invalid %s covariance: %s", e.Name, e.Reason)
}

// SingularCovarianceError is returned when the running joint covariance no
// longer admits a Cholesky square root, usually from numerical drift under
// ill-conditioned noise or outlier measurements. It is the only recoverable
// step-time error: the filter state is left untouched and the caller may
// retry at the next sample.
type SingularCovarianceError struct {
	Step int
}

func (e *SingularCovarianceError) Error() string {
	return fmt.Sprintf("joint covariance is not positive definite at step %d", e.Step)
}
