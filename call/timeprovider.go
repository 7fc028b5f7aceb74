package call

import "time"

// TimeProvider abstracts the clock so duration accounting and
// timeout-driven behavior can be tested deterministically.
type TimeProvider interface {
	// Now returns the current time.
	Now() time.Time
}

// RealTimeProvider implements TimeProvider using the system clock.
type RealTimeProvider struct{}

// Now returns the current system time.
func (RealTimeProvider) Now() time.Time {
	return time.Now()
}
