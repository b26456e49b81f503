package cell

import "fmt"

// UnknownPathError is returned when a parameter path does not resolve to a
// numeric leaf of the ASOH.
type UnknownPathError struct {
	Path string
}

func (e *UnknownPathError) Error() string {
	return fmt.Sprintf("unknown parameter path %q (valid paths: %v)", e.Path, LeafPaths())
}

// DimensionMismatchError is returned when a flattened value slice disagrees
// with the number of updatable scalar entries.
type DimensionMismatchError struct {
	Want, Got int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("expected %d updatable values, got %d", e.Want, e.Got)
}
