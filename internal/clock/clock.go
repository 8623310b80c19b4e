// Package clock abstracts time so the sweepers (agent liveness, reservation
// TTLs, session expiry) and heartbeat bookkeeping can be tested with a fake
// clock instead of sleeping.
package clock

import "time"

// Clock is the time surface the control plane depends on.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Since(t time.Time) time.Duration
}

// Real delegates to the time package. Production wiring uses this; tests
// substitute their own stepped implementations.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (Real) Since(t time.Time) time.Duration        { return time.Since(t) }
