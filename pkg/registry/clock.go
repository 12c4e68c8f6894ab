package registry

import "time"

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current time.
func (systemClock) Now() time.Time {
	return time.Now()
}

// SystemClock returns a Clock backed by the wall clock.
func SystemClock() Clock {
	return systemClock{}
}
