package db

import (
	"context"
	"time"
)

// GetCheckpoint returns the stored checkpoint for key, or ErrNotFound
func (q queries) GetCheckpoint(ctx context.Context, key string) (*Checkpoint, error) {
	cp := &Checkpoint{}
	err := q.q.QueryRowContext(ctx, `
		SELECT checkpoint_key, checkpoint_at, updated_at
		FROM sync_checkpoints
		WHERE checkpoint_key = ?
	`, key).Scan(&cp.Key, &cp.CheckpointAt, &cp.UpdatedAt)
	if err != nil {
		return nil, classify(err)
	}
	return cp, nil
}

// PutCheckpoint writes the checkpoint unconditionally
func (q queries) PutCheckpoint(ctx context.Context, key string, at, now time.Time) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO sync_checkpoints (checkpoint_key, checkpoint_at, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(checkpoint_key) DO UPDATE SET
			checkpoint_at = excluded.checkpoint_at,
			updated_at = excluded.updated_at
	`, key, at.UTC(), now.UTC())
	return err
}

// DeleteCheckpoint removes one checkpoint. Missing keys are not an error.
func (q queries) DeleteCheckpoint(ctx context.Context, key string) error {
	_, err := q.q.ExecContext(ctx, `DELETE FROM sync_checkpoints WHERE checkpoint_key = ?`, key)
	return err
}

// DeleteAllCheckpoints removes every checkpoint
func (q queries) DeleteAllCheckpoints(ctx context.Context) error {
	_, err := q.q.ExecContext(ctx, `DELETE FROM sync_checkpoints`)
	return err
}

// ListCheckpoints returns all checkpoints ordered by key
func (q queries) ListCheckpoints(ctx context.Context) ([]Checkpoint, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT checkpoint_key, checkpoint_at, updated_at
		FROM sync_checkpoints
		ORDER BY checkpoint_key
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cps []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		if err := rows.Scan(&cp.Key, &cp.CheckpointAt, &cp.UpdatedAt); err != nil {
			return nil, err
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}
