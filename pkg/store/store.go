// Package store defines the persistence boundary for analysis sessions and
// their final aggregates. The postgres sub-package provides the production
// implementation; the mock sub-package provides an in-memory one for tests
// and persistence-less deployments.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no session exists for the given identifier.
var ErrNotFound = errors.New("store: session not found")

// ErrAlreadyFinal is returned when FinalizeSession is called for a session
// that is already terminal. Sessions are mutated exactly once at completion.
var ErrAlreadyFinal = errors.New("store: session already finalized")

// Session is one audio-analysis run. Completion fields are nil while the
// run is in progress and set exactly once at finalization.
type Session struct {
	ID          string
	SourceID    string
	StartedAt   time.Time
	CompletedAt *time.Time
	IsScam      *bool
	Probability *float64
}

// Window is the persisted transcription slot for one segment.
type Window struct {
	Index         int    `json:"index"`
	Transcription string `json:"transcription"`
	Failed        bool   `json:"failed"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// FinalRecord is the immutable aggregate written when a session completes.
type FinalRecord struct {
	CompletedAt   time.Time
	IsScam        bool
	Probability   float64
	Keywords      []string
	Transcription string
	Windows       []Window
	Degraded      bool
}

// SessionStore persists sessions and their final aggregates. All methods are
// safe for concurrent use; implementations must not share a single
// connection across callers — each call acquires its own.
type SessionStore interface {
	// CreateSession records a newly started session.
	CreateSession(ctx context.Context, s Session) error

	// FinalizeSession writes the final aggregate and completion fields.
	// It fails with [ErrNotFound] for unknown sessions and [ErrAlreadyFinal]
	// when called twice.
	FinalizeSession(ctx context.Context, id string, rec FinalRecord) error

	// GetSession returns the session row, final or not.
	GetSession(ctx context.Context, id string) (Session, error)

	// GetFinal returns the final aggregate of a completed session, or
	// [ErrNotFound] when the session is unknown or still running.
	GetFinal(ctx context.Context, id string) (FinalRecord, error)
}
