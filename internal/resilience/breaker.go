// Package resilience shields the classification boundary from cascading
// failures with a three-state circuit breaker (closed → open → half-open).
// A tripped breaker fails dispatch operations immediately instead of letting
// every in-flight segment wait out its full timeout against a dead service.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// state is the breaker's operating mode.
type state int

const (
	closed state = iota
	open
	halfOpen
)

func (s state) String() string {
	switch s {
	case closed:
		return "closed"
	case open:
		return "open"
	case halfOpen:
		return "half-open"
	}
	return "unknown"
}

// Config holds breaker tuning knobs. Zero values select the defaults.
type Config struct {
	// Name labels the breaker in log messages.
	Name string

	// MaxFailures is the number of consecutive failures before the breaker
	// opens. Default: 5.
	MaxFailures int

	// ResetAfter is how long the breaker stays open before probing again.
	// Default: 30s.
	ResetAfter time.Duration

	// ProbeBudget is how many probe calls the half-open state admits before
	// deciding to close or re-open. Default: 3.
	ProbeBudget int
}

// Breaker is a three-state circuit breaker.
type Breaker struct {
	name        string
	maxFailures int
	resetAfter  time.Duration
	probeBudget int

	mu       sync.Mutex
	st       state
	failures int
	probes   int
	openedAt time.Time
}

// New creates a [Breaker] from cfg, substituting defaults for zero fields.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetAfter <= 0 {
		cfg.ResetAfter = 30 * time.Second
	}
	if cfg.ProbeBudget <= 0 {
		cfg.ProbeBudget = 3
	}
	return &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		resetAfter:  cfg.ResetAfter,
		probeBudget: cfg.ProbeBudget,
	}
}

// Do runs fn if the breaker admits the call, folding fn's outcome into the
// breaker state. While open it returns [ErrOpen] without calling fn.
func (b *Breaker) Do(fn func() error) error {
	probing, err := b.admit()
	if err != nil {
		return err
	}

	err = fn()
	b.settle(probing, err)
	return err
}

// admit decides whether a call may proceed and reports whether it counts as
// a half-open probe.
func (b *Breaker) admit() (probing bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.st {
	case open:
		if time.Since(b.openedAt) < b.resetAfter {
			return false, ErrOpen
		}
		b.st = halfOpen
		b.probes = 0
		slog.Info("circuit breaker probing", "breaker", b.name)
		fallthrough
	case halfOpen:
		if b.probes >= b.probeBudget {
			return false, ErrOpen
		}
		b.probes++
		return true, nil
	}
	return false, nil
}

// settle records the call outcome.
func (b *Breaker) settle(probing bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Caller cancellation says nothing about the service's health: it must
	// neither count toward the failure streak nor consume a probe slot,
	// or cancelling one session's pending calls would trip the breaker
	// for every other caller.
	if errors.Is(err, context.Canceled) {
		if probing {
			b.probes--
		}
		return
	}

	switch {
	case err != nil && probing:
		// One failed probe re-opens immediately.
		b.st = open
		b.openedAt = time.Now()
		b.failures = b.maxFailures
		slog.Warn("circuit breaker re-opened", "breaker", b.name)

	case err != nil:
		b.failures++
		if b.st == closed && b.failures >= b.maxFailures {
			b.st = open
			b.openedAt = time.Now()
			slog.Warn("circuit breaker opened",
				"breaker", b.name,
				"consecutive_failures", b.failures,
			)
		}

	case probing:
		if b.probes >= b.probeBudget {
			b.st = closed
			b.failures = 0
			slog.Info("circuit breaker closed", "breaker", b.name)
		}

	default:
		b.failures = 0
	}
}

// Tripped reports whether the breaker currently rejects calls.
func (b *Breaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st == open && time.Since(b.openedAt) < b.resetAfter
}
