// Package circuitbreaker guards calls to an unreliable dependency so that a
// failing backend is skipped quickly instead of being retried on every job.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State of a breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config for a Breaker. Zero values fall back to defaults in New.
type Config struct {
	Name           string
	MaxFailures    uint32
	ResetTimeout   time.Duration
	HalfOpenProbes uint32
	// OnStateChange is called with the lock released.
	OnStateChange func(name string, from, to State)
}

// Breaker trips open after MaxFailures consecutive failures and allows
// HalfOpenProbes trial calls once ResetTimeout has elapsed.
type Breaker struct {
	cfg    Config
	logger *logrus.Logger
	now    func() time.Time

	mu          sync.Mutex
	state       State
	failures    uint32
	openedAt    time.Time
	probes      uint32
	probeWins   uint32
	requests    uint64
	rejected    uint64
	lastFailure time.Time
}

// New returns a closed breaker.
func New(cfg Config, logger *logrus.Logger) *Breaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = time.Minute
	}
	if cfg.HalfOpenProbes == 0 {
		cfg.HalfOpenProbes = 1
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Breaker{cfg: cfg, logger: logger, now: time.Now}
}

// Name of the guarded dependency.
func (b *Breaker) Name() string { return b.cfg.Name }

// Execute runs fn unless the breaker is open. A context cancellation from the
// caller is not counted as a dependency failure.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	state, ok := b.admit()
	if !ok {
		return &OpenError{Name: b.cfg.Name, State: state}
	}

	err := fn(ctx)
	switch {
	case err == nil:
		b.record(true)
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		b.release()
	default:
		b.record(false)
	}
	return err
}

func (b *Breaker) admit() (State, bool) {
	b.mu.Lock()
	from := b.state
	b.advanceLocked()
	to := b.state

	allowed := true
	switch b.state {
	case StateOpen:
		allowed = false
	case StateHalfOpen:
		if b.probes >= b.cfg.HalfOpenProbes {
			allowed = false
		} else {
			b.probes++
		}
	}
	if allowed {
		b.requests++
	} else {
		b.rejected++
	}
	b.mu.Unlock()

	b.notify(from, to)
	return to, allowed
}

// advanceLocked moves an open breaker to half-open once the reset timeout has passed.
func (b *Breaker) advanceLocked() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		b.state = StateHalfOpen
		b.probes = 0
		b.probeWins = 0
	}
}

func (b *Breaker) release() {
	b.mu.Lock()
	if b.state == StateHalfOpen && b.probes > 0 {
		b.probes--
	}
	b.mu.Unlock()
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	from := b.state

	if success {
		switch b.state {
		case StateHalfOpen:
			b.probeWins++
			if b.probeWins >= b.cfg.HalfOpenProbes {
				b.state = StateClosed
				b.failures = 0
			}
		case StateClosed:
			b.failures = 0
		}
	} else {
		b.failures++
		b.lastFailure = b.now()
		if b.state == StateHalfOpen || (b.state == StateClosed && b.failures >= b.cfg.MaxFailures) {
			b.state = StateOpen
			b.openedAt = b.lastFailure
		}
	}

	to := b.state
	failures := b.failures
	b.mu.Unlock()

	if from != to {
		fields := logrus.Fields{
			"circuit_breaker": b.cfg.Name,
			"from":            from.String(),
			"to":              to.String(),
		}
		if to == StateOpen {
			fields["failures"] = failures
			b.logger.WithFields(fields).Warn("Circuit breaker opened")
		} else {
			b.logger.WithFields(fields).Info("Circuit breaker closed after recovery")
		}
	}
	b.notify(from, to)
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

// State reports the current state, promoting open to half-open when due.
func (b *Breaker) State() State {
	b.mu.Lock()
	from := b.state
	b.advanceLocked()
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
	return to
}

// Stats is a point-in-time snapshot.
type Stats struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    uint32    `json:"consecutive_failures"`
	Requests    uint64    `json:"requests"`
	Rejected    uint64    `json:"rejected"`
	LastFailure time.Time `json:"last_failure,omitempty"`
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:        b.cfg.Name,
		State:       b.state.String(),
		Failures:    b.failures,
		Requests:    b.requests,
		Rejected:    b.rejected,
		LastFailure: b.lastFailure,
	}
}

// OpenError is returned without calling fn when the breaker rejects a call.
type OpenError struct {
	Name  string
	State State
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Name, e.State)
}

// IsOpen reports whether err came from a rejected call.
func IsOpen(err error) bool {
	var oe *OpenError
	return errors.As(err, &oe)
}
