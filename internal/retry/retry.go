// Package retry computes reconnect delays shared by the relay and the agent.
package retry

import "time"

const (
	// DefaultBase is the unit the exponential delay is built from.
	DefaultBase = time.Second
	// DefaultCap bounds the exponential delay.
	DefaultCap = 30 * time.Second
	// DefaultMaxAttempts is the attempt ceiling before falling back to LongDelay.
	DefaultMaxAttempts = 10
	// DefaultLongDelay is used once the ceiling is exceeded.
	DefaultLongDelay = 60 * time.Second

	maxExponent = 5
)

// Policy is a capped exponential backoff with an attempt ceiling.
type Policy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
	LongDelay   time.Duration
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		Base:        DefaultBase,
		Cap:         DefaultCap,
		MaxAttempts: DefaultMaxAttempts,
		LongDelay:   DefaultLongDelay,
	}
}

// Delay returns min(Cap, 2^min(attempts,5) * Base).
func (p Policy) Delay(attempts int) time.Duration {
	p = p.withDefaults()
	exp := max(0, min(attempts, maxExponent))
	return min(p.Cap, time.Duration(1<<exp)*p.Base)
}

// Next records one more failed attempt and returns the updated attempt count
// with the delay to wait. Past the ceiling the counter restarts at 1 and the
// long fixed delay is used.
func (p Policy) Next(attempts int) (int, time.Duration) {
	p = p.withDefaults()
	attempts++
	if attempts > p.MaxAttempts {
		return 1, p.LongDelay
	}
	return attempts, p.Delay(attempts)
}

func (p Policy) withDefaults() Policy {
	if p.Base <= 0 {
		p.Base = DefaultBase
	}
	if p.Cap <= 0 {
		p.Cap = DefaultCap
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.LongDelay <= 0 {
		p.LongDelay = DefaultLongDelay
	}
	return p
}

// Timer is a scheduled task that can be cancelled.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler func(d time.Duration, f func()) Timer

// AfterFunc is the Scheduler backed by time.AfterFunc.
func AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
