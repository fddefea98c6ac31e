package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

const conflictColumns = `conflict_id, entity_type, entity_id, entity_uuid, entity_remote_id, conflict_type,
		local_snapshot, remote_snapshot, changed_fields, remote_updated_at, detected_at,
		resolved_at, resolution, resolved_by`

func scanConflict(row rowScanner) (*Conflict, error) {
	c := &Conflict{}
	var local, remote, changed string

	err := row.Scan(
		&c.ConflictID,
		&c.EntityType,
		&c.EntityID,
		&c.EntityUUID,
		&c.EntityRemoteID,
		&c.ConflictType,
		&local,
		&remote,
		&changed,
		&c.RemoteUpdatedAt,
		&c.DetectedAt,
		&c.ResolvedAt,
		&c.Resolution,
		&c.ResolvedBy,
	)
	if err != nil {
		return nil, classify(err)
	}

	if err := json.Unmarshal([]byte(local), &c.LocalSnapshot); err != nil {
		return nil, fmt.Errorf("decode local snapshot for conflict %s: %w", c.ConflictID, err)
	}
	if err := json.Unmarshal([]byte(remote), &c.RemoteSnapshot); err != nil {
		return nil, fmt.Errorf("decode remote snapshot for conflict %s: %w", c.ConflictID, err)
	}
	if err := json.Unmarshal([]byte(changed), &c.ChangedFields); err != nil {
		return nil, fmt.Errorf("decode changed fields for conflict %s: %w", c.ConflictID, err)
	}

	return c, nil
}

func encodeConflict(c *Conflict) (local, remote, changed string, err error) {
	if local, err = encodeFields(c.LocalSnapshot); err != nil {
		return
	}
	if remote, err = encodeFields(c.RemoteSnapshot); err != nil {
		return
	}
	fields := c.ChangedFields
	if fields == nil {
		fields = []string{}
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return "", "", "", fmt.Errorf("encode changed fields: %w", err)
	}
	return local, remote, string(b), nil
}

// UpsertConflict stores an open conflict. If the entity already has an open
// conflict, that row is refreshed in place and keeps its id and detection
// time; c is updated to match.
func (q queries) UpsertConflict(ctx context.Context, c *Conflict) error {
	local, remote, changed, err := encodeConflict(c)
	if err != nil {
		return err
	}

	existing, err := q.GetOpenConflictForEntity(ctx, c.EntityID)
	switch {
	case err == nil:
		query := `
			UPDATE conflicts
			SET entity_remote_id = ?, conflict_type = ?, local_snapshot = ?, remote_snapshot = ?,
				changed_fields = ?, remote_updated_at = ?
			WHERE conflict_id = ?
		`
		_, err = q.q.ExecContext(ctx, query,
			c.EntityRemoteID,
			c.ConflictType,
			local,
			remote,
			changed,
			utcPtr(c.RemoteUpdatedAt),
			existing.ConflictID,
		)
		if err != nil {
			return classify(err)
		}
		c.ConflictID = existing.ConflictID
		c.DetectedAt = existing.DetectedAt
		return nil

	case errors.Is(err, ErrNotFound):
		query := `
			INSERT INTO conflicts (conflict_id, entity_type, entity_id, entity_uuid, entity_remote_id,
				conflict_type, local_snapshot, remote_snapshot, changed_fields, remote_updated_at,
				detected_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err = q.q.ExecContext(ctx, query,
			c.ConflictID,
			c.EntityType,
			c.EntityID,
			c.EntityUUID,
			c.EntityRemoteID,
			c.ConflictType,
			local,
			remote,
			changed,
			utcPtr(c.RemoteUpdatedAt),
			c.DetectedAt.UTC(),
		)
		return classify(err)

	default:
		return err
	}
}

// GetConflict retrieves a conflict by id
func (q queries) GetConflict(ctx context.Context, conflictID string) (*Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts WHERE conflict_id = ?`
	return scanConflict(q.q.QueryRowContext(ctx, query, conflictID))
}

// GetOpenConflictForEntity retrieves the unresolved conflict for a record
func (q queries) GetOpenConflictForEntity(ctx context.Context, entityID int64) (*Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts WHERE entity_id = ? AND resolved_at IS NULL`
	return scanConflict(q.q.QueryRowContext(ctx, query, entityID))
}

// ListOpenConflicts returns unresolved conflicts, oldest first
func (q queries) ListOpenConflicts(ctx context.Context) ([]*Conflict, error) {
	query := `
		SELECT ` + conflictColumns + `
		FROM conflicts
		WHERE resolved_at IS NULL
		ORDER BY detected_at ASC, rowid ASC
	`
	rows, err := q.q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// DeleteConflict removes a conflict
func (q queries) DeleteConflict(ctx context.Context, conflictID string) error {
	res, err := q.q.ExecContext(ctx, `DELETE FROM conflicts WHERE conflict_id = ?`, conflictID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}
