package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const recordColumns = `local_id, entity_type, remote_id, uuid, project_remote_id, parent_remote_id,
		fields, sync_status, sync_version, is_dirty, is_deleted, created_at, updated_at,
		last_synced_at, server_updated_at, conflict_attempts`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	r := &Record{}
	var fields string

	err := row.Scan(
		&r.LocalID,
		&r.EntityType,
		&r.RemoteID,
		&r.UUID,
		&r.ProjectRemoteID,
		&r.ParentRemoteID,
		&fields,
		&r.SyncStatus,
		&r.SyncVersion,
		&r.IsDirty,
		&r.IsDeleted,
		&r.CreatedAt,
		&r.UpdatedAt,
		&r.LastSyncedAt,
		&r.ServerUpdatedAt,
		&r.ConflictAttempts,
	)
	if err != nil {
		return nil, classify(err)
	}

	if err := json.Unmarshal([]byte(fields), &r.Fields); err != nil {
		return nil, fmt.Errorf("decode fields for record %d: %w", r.LocalID, err)
	}
	if r.Fields == nil {
		r.Fields = map[string]any{}
	}

	return r, nil
}

func encodeFields(fields map[string]any) (string, error) {
	if fields == nil {
		return "{}", nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode fields: %w", err)
	}
	return string(b), nil
}

// InsertRecord inserts a new record and sets its LocalID
func (q queries) InsertRecord(ctx context.Context, r *Record) error {
	fields, err := encodeFields(r.Fields)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO records (entity_type, remote_id, uuid, project_remote_id, parent_remote_id,
			fields, sync_status, sync_version, is_dirty, is_deleted, created_at, updated_at,
			last_synced_at, server_updated_at, conflict_attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := q.q.ExecContext(ctx, query,
		r.EntityType,
		r.RemoteID,
		r.UUID,
		r.ProjectRemoteID,
		r.ParentRemoteID,
		fields,
		r.SyncStatus,
		r.SyncVersion,
		r.IsDirty,
		r.IsDeleted,
		r.CreatedAt.UTC(),
		r.UpdatedAt.UTC(),
		utcPtr(r.LastSyncedAt),
		utcPtr(r.ServerUpdatedAt),
		r.ConflictAttempts,
	)
	if err != nil {
		return classify(err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	r.LocalID = id
	return nil
}

// UpdateRecord overwrites every mutable column of an existing record
func (q queries) UpdateRecord(ctx context.Context, r *Record) error {
	fields, err := encodeFields(r.Fields)
	if err != nil {
		return err
	}

	query := `
		UPDATE records
		SET remote_id = ?, project_remote_id = ?, parent_remote_id = ?, fields = ?,
			sync_status = ?, sync_version = ?, is_dirty = ?, is_deleted = ?, updated_at = ?,
			last_synced_at = ?, server_updated_at = ?, conflict_attempts = ?
		WHERE local_id = ?
	`

	res, err := q.q.ExecContext(ctx, query,
		r.RemoteID,
		r.ProjectRemoteID,
		r.ParentRemoteID,
		fields,
		r.SyncStatus,
		r.SyncVersion,
		r.IsDirty,
		r.IsDeleted,
		r.UpdatedAt.UTC(),
		utcPtr(r.LastSyncedAt),
		utcPtr(r.ServerUpdatedAt),
		r.ConflictAttempts,
		r.LocalID,
	)
	if err != nil {
		return classify(err)
	}
	return requireAffected(res)
}

// GetRecord retrieves a record by local id
func (q queries) GetRecord(ctx context.Context, localID int64) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE local_id = ?`
	return scanRecord(q.q.QueryRowContext(ctx, query, localID))
}

// GetRecordByRemoteID retrieves a record by its server id
func (q queries) GetRecordByRemoteID(ctx context.Context, entityType EntityType, remoteID int64) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE entity_type = ? AND remote_id = ?`
	return scanRecord(q.q.QueryRowContext(ctx, query, entityType, remoteID))
}

// GetRecordByUUID retrieves a record by its client-generated uuid
func (q queries) GetRecordByUUID(ctx context.Context, uuid string) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE uuid = ?`
	return scanRecord(q.q.QueryRowContext(ctx, query, uuid))
}

// RecordFilter narrows ListRecords. Zero values mean "any".
type RecordFilter struct {
	EntityType      EntityType
	ProjectRemoteID *int64
	ParentRemoteID  *int64
	DirtyOnly       bool
	IncludeDeleted  bool
}

// ListRecords returns records matching the filter ordered by local id
func (q queries) ListRecords(ctx context.Context, f RecordFilter) ([]*Record, error) {
	var where []string
	var args []any

	if f.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, f.EntityType)
	}
	if f.ProjectRemoteID != nil {
		where = append(where, "project_remote_id = ?")
		args = append(args, *f.ProjectRemoteID)
	}
	if f.ParentRemoteID != nil {
		where = append(where, "parent_remote_id = ?")
		args = append(args, *f.ParentRemoteID)
	}
	if f.DirtyOnly {
		where = append(where, "is_dirty = 1")
	}
	if !f.IncludeDeleted {
		where = append(where, "is_deleted = 0")
	}

	query := `SELECT ` + recordColumns + ` FROM records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY local_id"

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// CountRecords returns the number of live records per entity type
func (q queries) CountRecords(ctx context.Context) (map[EntityType]int, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT entity_type, COUNT(*) FROM records
		WHERE is_deleted = 0
		GROUP BY entity_type
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[EntityType]int)
	for rows.Next() {
		var t EntityType
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		counts[t] = n
	}
	return counts, rows.Err()
}
