package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/cory-johannsen/storyweave/internal/game/story"
)

// SnapshotStore persists session snapshots in the story_snapshots table.
type SnapshotStore struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewSnapshotStore creates a SnapshotStore backed by the given pool.
//
// Precondition: db must be a valid, open connection pool with the
// story_snapshots migration applied.
func NewSnapshotStore(db *pgxpool.Pool, logger *zap.Logger) *SnapshotStore {
	return &SnapshotStore{db: db, logger: logger.Named("pg-store")}
}

// Save upserts the snapshot for sessionID inside a transaction holding a
// per-session advisory lock.
//
// Postcondition: The row holds exactly snap, or the previous row is
// unchanged and an error is returned.
func (s *SnapshotStore) Save(ctx context.Context, sessionID string, snap story.Snapshot) error {
	if err := story.ValidateSessionID(sessionID); err != nil {
		return err
	}
	data, err := story.EncodeSnapshot(snap)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning snapshot tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, sessionID); err != nil {
		return fmt.Errorf("locking session %s: %w", sessionID, err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO story_snapshots (session_id, snapshot, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (session_id)
		 DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`,
		sessionID, data,
	); err != nil {
		return fmt.Errorf("upserting snapshot: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing snapshot: %w", err)
	}

	s.logger.Debug("snapshot saved",
		zap.String("session_id", sessionID),
		zap.Int("bytes", len(data)),
	)
	return nil
}

// Load fetches and decodes the snapshot for sessionID.
//
// Postcondition: Returns story.ErrSessionNotFound when no row exists and
// story.ErrSessionCorrupted when the stored document fails validation.
func (s *SnapshotStore) Load(ctx context.Context, sessionID string) (story.Snapshot, error) {
	if err := story.ValidateSessionID(sessionID); err != nil {
		return story.Snapshot{}, err
	}
	var data []byte
	err := s.db.QueryRow(ctx,
		`SELECT snapshot FROM story_snapshots WHERE session_id = $1`,
		sessionID,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return story.Snapshot{}, fmt.Errorf("%w: %s", story.ErrSessionNotFound, sessionID)
		}
		return story.Snapshot{}, fmt.Errorf("querying snapshot: %w", err)
	}
	return story.DecodeSnapshot(data)
}

// Delete removes the snapshot for sessionID. Deleting a missing session is
// not an error.
func (s *SnapshotStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM story_snapshots WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	return nil
}

// SessionIDs lists every stored session id in ascending order.
func (s *SnapshotStore) SessionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT session_id FROM story_snapshots ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scanning snapshot ids: %w", err)
	}
	return ids, nil
}
