package tracker

import "time"

// retryPolicy is the bounded retry budget applied per operation id. It
// is deliberately its own small component, decoupled from the fetch
// scheduling that consults it.
type retryPolicy struct {
	// MaxAttempts is the number of consecutive failures tolerated
	// before the loop parks.
	MaxAttempts int
	// Base is the delay observed between attempts while under budget.
	Base time.Duration

	failures int
}

func newRetryPolicy(maxAttempts int, base time.Duration) *retryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &retryPolicy{MaxAttempts: maxAttempts, Base: base}
}

// Failure records one failed attempt and reports whether the budget is
// now exhausted.
func (p *retryPolicy) Failure() bool {
	p.failures++
	return p.failures >= p.MaxAttempts
}

// Success resets the consecutive-failure count.
func (p *retryPolicy) Success() {
	p.failures = 0
}

// Exhausted reports whether the budget is spent.
func (p *retryPolicy) Exhausted() bool {
	return p.failures >= p.MaxAttempts
}

// Reset clears the budget, used when a manual refetch revives a parked
// loop.
func (p *retryPolicy) Reset() {
	p.failures = 0
}

// Delay returns the wait before the next attempt.
func (p *retryPolicy) Delay() time.Duration {
	return p.Base
}
