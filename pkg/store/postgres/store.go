// Package postgres provides the PostgreSQL-backed [store.SessionStore]
// implementation. All operations go through a single [pgxpool.Pool]; each
// call acquires its own connection from the pool, so concurrent dispatch
// operations never share a connection handle.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/callwarden/callwarden/pkg/store"
)

// Compile-time interface check.
var _ store.SessionStore = (*Store)(nil)

// Store is the PostgreSQL session store.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection, and
// runs [Migrate] to ensure the schema exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Ping verifies database connectivity. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// CreateSession implements [store.SessionStore].
func (s *Store) CreateSession(ctx context.Context, sess store.Session) error {
	const q = `
		INSERT INTO call_sessions (id, source_id, started_at)
		VALUES ($1, $2, $3)`

	if _, err := s.pool.Exec(ctx, q, sess.ID, sess.SourceID, sess.StartedAt); err != nil {
		return fmt.Errorf("postgres store: create session: %w", err)
	}
	return nil
}

// FinalizeSession implements [store.SessionStore]. The UPDATE is guarded by
// completed_at IS NULL so a session row is mutated exactly once.
func (s *Store) FinalizeSession(ctx context.Context, id string, rec store.FinalRecord) error {
	windows, err := json.Marshal(rec.Windows)
	if err != nil {
		return fmt.Errorf("postgres store: marshal windows: %w", err)
	}

	const q = `
		UPDATE call_sessions
		SET    completed_at = $2,
		       is_scam = $3,
		       probability = $4,
		       keywords = $5,
		       transcription = $6,
		       windows = $7,
		       degraded = $8
		WHERE  id = $1
		  AND  completed_at IS NULL`

	tag, err := s.pool.Exec(ctx, q,
		id,
		rec.CompletedAt,
		rec.IsScam,
		rec.Probability,
		rec.Keywords,
		rec.Transcription,
		windows,
		rec.Degraded,
	)
	if err != nil {
		return fmt.Errorf("postgres store: finalize session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish "unknown session" from "already final".
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM call_sessions WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres store: finalize session: %w", err)
		}
		if exists {
			return store.ErrAlreadyFinal
		}
		return store.ErrNotFound
	}
	return nil
}

// GetSession implements [store.SessionStore].
func (s *Store) GetSession(ctx context.Context, id string) (store.Session, error) {
	const q = `
		SELECT id, source_id, started_at, completed_at, is_scam, probability
		FROM   call_sessions
		WHERE  id = $1`

	var sess store.Session
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&sess.ID,
		&sess.SourceID,
		&sess.StartedAt,
		&sess.CompletedAt,
		&sess.IsScam,
		&sess.Probability,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Session{}, store.ErrNotFound
	}
	if err != nil {
		return store.Session{}, fmt.Errorf("postgres store: get session: %w", err)
	}
	return sess, nil
}

// GetFinal implements [store.SessionStore].
func (s *Store) GetFinal(ctx context.Context, id string) (store.FinalRecord, error) {
	const q = `
		SELECT completed_at, is_scam, probability, keywords, transcription, windows, degraded
		FROM   call_sessions
		WHERE  id = $1
		  AND  completed_at IS NOT NULL`

	var (
		rec     store.FinalRecord
		windows []byte
	)
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&rec.CompletedAt,
		&rec.IsScam,
		&rec.Probability,
		&rec.Keywords,
		&rec.Transcription,
		&windows,
		&rec.Degraded,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.FinalRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.FinalRecord{}, fmt.Errorf("postgres store: get final: %w", err)
	}
	if err := json.Unmarshal(windows, &rec.Windows); err != nil {
		return store.FinalRecord{}, fmt.Errorf("postgres store: unmarshal windows: %w", err)
	}
	return rec, nil
}
