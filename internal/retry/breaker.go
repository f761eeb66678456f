package retry

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // calls pass through
	BreakerOpen                         // calls rejected
	BreakerHalfOpen                     // probing recovery
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// CircuitOpenError is returned by Breaker.Call while the breaker is open.
type CircuitOpenError struct {
	Name string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open: %s", e.Name)
}

// Breaker stops hammering a sink that keeps failing. Remote sinks wrap each
// write in Call; rejected writes count as failed records.
type Breaker struct {
	name string

	mu          sync.Mutex
	state       BreakerState
	failures    int
	successes   int
	threshold   int
	cooldown    time.Duration
	halfOpenMax int
	lastFailure time.Time
	now         func() time.Time
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithThreshold sets the consecutive failures that open the breaker.
func WithThreshold(n int) BreakerOption { return func(b *Breaker) { b.threshold = n } }

// WithCooldown sets how long the breaker stays open.
func WithCooldown(d time.Duration) BreakerOption { return func(b *Breaker) { b.cooldown = d } }

// WithHalfOpenSuccesses sets the successes needed to close again.
func WithHalfOpenSuccesses(n int) BreakerOption { return func(b *Breaker) { b.halfOpenMax = n } }

// WithClock injects the time source.
func WithClock(fn func() time.Time) BreakerOption { return func(b *Breaker) { b.now = fn } }

// NewBreaker returns a closed breaker: 5 failures to open, 30s cooldown,
// 1 success to close.
func NewBreaker(name string, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		name:        name,
		threshold:   5,
		cooldown:    30 * time.Second,
		halfOpenMax: 1,
		now:         time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state
}

// Call runs fn unless the breaker is open.
func (b *Breaker) Call(fn func() error) error {
	b.mu.Lock()
	b.advance()
	if b.state == BreakerOpen {
		b.mu.Unlock()
		return &CircuitOpenError{Name: b.name}
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.lastFailure = b.now()
		switch b.state {
		case BreakerClosed:
			b.failures++
			if b.failures >= b.threshold {
				b.state = BreakerOpen
			}
		case BreakerHalfOpen:
			b.state = BreakerOpen
			b.successes = 0
		}
		return err
	}
	switch b.state {
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.halfOpenMax {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
		}
	case BreakerClosed:
		b.failures = 0
	}
	return nil
}

// advance moves an open breaker to half-open after the cooldown. mu held.
func (b *Breaker) advance() {
	if b.state == BreakerOpen && b.now().Sub(b.lastFailure) >= b.cooldown {
		b.state = BreakerHalfOpen
		b.successes = 0
	}
}
