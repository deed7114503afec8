// Package resilience guards transport connects with a circuit breaker.
//
// A [Breaker] counts consecutive connect failures. Once the limit is reached
// it opens and refuses new connects until a cooldown has passed, then lets a
// single probe through: a successful probe closes the breaker, a failed one
// re-opens it. [Dialer] applies a Breaker to a [transport.Dialer].
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Allow] while connects are refused.
var ErrCircuitOpen = errors.New("resilience: circuit open")

const (
	// DefaultMaxFailures is used when BreakerConfig.MaxFailures is zero.
	DefaultMaxFailures = 5

	// DefaultCooldown is used when BreakerConfig.Cooldown is zero.
	DefaultCooldown = 30 * time.Second
)

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every connect.
	StateClosed State = iota

	// StateOpen refuses connects until the cooldown elapses.
	StateOpen

	// StateHalfOpen admits one probe connect at a time.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker].
type BreakerConfig struct {
	// Name labels log messages, typically the transport name.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: [DefaultMaxFailures].
	MaxFailures int

	// Cooldown is how long the breaker stays open. Default: [DefaultCooldown].
	Cooldown time.Duration
}

// Breaker is a three-state circuit breaker driven by explicit outcome
// reports. Callers ask [Breaker.Allow] before an attempt and report the result
// with exactly one of Success, Failure or Release.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	now         func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker returns a closed [Breaker]. Zero config fields take defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	return &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		now:         time.Now,
	}
}

// Allow reports whether an attempt may start. It returns [ErrCircuitOpen]
// while the breaker is open, and while a half-open probe is in flight.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		slog.Info("connect breaker half-open, probing", "name", b.name)
	}
	if b.state == StateHalfOpen {
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
	}
	return nil
}

// Success records a successful attempt and closes the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		slog.Info("connect breaker closed", "name", b.name)
	}
	b.state = StateClosed
	b.failures = 0
	b.probing = false
}

// Failure records a failed attempt. A failed probe re-opens the breaker
// immediately; otherwise it opens after MaxFailures consecutive failures.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.probing = false
	if b.state == StateHalfOpen || b.failures >= b.maxFailures {
		if b.state != StateOpen {
			slog.Warn("connect breaker opened",
				"name", b.name,
				"consecutive_failures", b.failures,
				"cooldown", b.cooldown)
		}
		b.state = StateOpen
		b.openedAt = b.now()
	}
}

// Release ends an attempt that resolved neither way, e.g. one cancelled by
// the caller before the outcome was known.
func (b *Breaker) Release() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

// State returns the current state. An open breaker whose cooldown has
// elapsed reports [StateHalfOpen]; the transition happens on the next Allow.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failures = 0
	b.probing = false
	slog.Info("connect breaker reset", "name", b.name)
}
