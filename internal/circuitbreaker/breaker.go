// Package circuitbreaker stops calling an upstream that keeps failing and
// probes it again after a cool-down.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned without calling the upstream while the circuit is open.
var ErrOpen = errors.New("circuit breaker is open")

type Config struct {
	MaxFailures       int           // consecutive failures before opening, default 5
	OpenTimeout       time.Duration // time spent open before probing, default 30s
	HalfOpenSuccesses int           // probe successes needed to close, default 1
	// IsFailure decides which errors count against the upstream. Nil counts
	// every error.
	IsFailure func(error) bool
	Now       func() time.Time
}

type Breaker struct {
	mu              sync.Mutex
	state           State
	failures        int
	successes       int
	openedAt        time.Time
	lastStateChange time.Time

	cfg Config
}

func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Breaker{
		state:           StateClosed,
		lastStateChange: cfg.Now(),
		cfg:             cfg,
	}
}

// Call runs fn unless the circuit is open. The error of fn is returned
// unchanged.
func (b *Breaker) Call(fn func() error) error {
	if !b.allow() {
		return ErrOpen
	}

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil && b.countsAsFailure(err) {
		b.onFailure()
		return err
	}
	b.onSuccess()
	return err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return true
	}
	if b.cfg.Now().Sub(b.openedAt) < b.cfg.OpenTimeout {
		return false
	}
	b.setState(StateHalfOpen)
	b.successes = 0
	return true
}

func (b *Breaker) countsAsFailure(err error) bool {
	if b.cfg.IsFailure == nil {
		return true
	}
	return b.cfg.IsFailure(err)
}

func (b *Breaker) onFailure() {
	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.cfg.MaxFailures {
		b.openedAt = b.cfg.Now()
		b.setState(StateOpen)
		b.successes = 0
	}
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.HalfOpenSuccesses {
			b.setState(StateClosed)
			b.failures = 0
		}
	case StateClosed:
		b.failures = 0
	}
}

func (b *Breaker) setState(s State) {
	if b.state != s {
		b.state = s
		b.lastStateChange = b.cfg.Now()
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is a point-in-time view for health reporting.
type Snapshot struct {
	State           string    `json:"state"`
	Failures        int       `json:"failures"`
	LastStateChange time.Time `json:"last_state_change"`
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		State:           b.state.String(),
		Failures:        b.failures,
		LastStateChange: b.lastStateChange,
	}
}
