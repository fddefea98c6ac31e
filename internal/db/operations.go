package db

import (
	"context"
	"database/sql"
	"time"
)

const operationColumns = `operation_id, entity_type, entity_id, entity_uuid, operation_type, payload,
		priority, retry_count, max_retries, status, created_at, scheduled_at, last_attempt_at,
		completed_at, error_message`

func scanOperation(row rowScanner) (*OutboundOperation, error) {
	op := &OutboundOperation{}
	err := row.Scan(
		&op.OperationID,
		&op.EntityType,
		&op.EntityID,
		&op.EntityUUID,
		&op.OperationType,
		&op.Payload,
		&op.Priority,
		&op.RetryCount,
		&op.MaxRetries,
		&op.Status,
		&op.CreatedAt,
		&op.ScheduledAt,
		&op.LastAttemptAt,
		&op.CompletedAt,
		&op.ErrorMessage,
	)
	if err != nil {
		return nil, classify(err)
	}
	return op, nil
}

func scanOperations(rows *sql.Rows) ([]*OutboundOperation, error) {
	defer rows.Close()

	var ops []*OutboundOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// InsertOperation inserts a new outbound operation
func (q queries) InsertOperation(ctx context.Context, op *OutboundOperation) error {
	query := `
		INSERT INTO outbound_operations (operation_id, entity_type, entity_id, entity_uuid,
			operation_type, payload, priority, retry_count, max_retries, status, created_at,
			scheduled_at, last_attempt_at, completed_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := q.q.ExecContext(ctx, query,
		op.OperationID,
		op.EntityType,
		op.EntityID,
		op.EntityUUID,
		op.OperationType,
		op.Payload,
		op.Priority,
		op.RetryCount,
		op.MaxRetries,
		op.Status,
		op.CreatedAt.UTC(),
		utcPtr(op.ScheduledAt),
		utcPtr(op.LastAttemptAt),
		utcPtr(op.CompletedAt),
		op.ErrorMessage,
	)
	return classify(err)
}

// UpdateOperation persists the mutable state of an operation
func (q queries) UpdateOperation(ctx context.Context, op *OutboundOperation) error {
	query := `
		UPDATE outbound_operations
		SET operation_type = ?, payload = ?, priority = ?, retry_count = ?, max_retries = ?,
			status = ?, scheduled_at = ?, last_attempt_at = ?, completed_at = ?, error_message = ?
		WHERE operation_id = ?
	`

	res, err := q.q.ExecContext(ctx, query,
		op.OperationType,
		op.Payload,
		op.Priority,
		op.RetryCount,
		op.MaxRetries,
		op.Status,
		utcPtr(op.ScheduledAt),
		utcPtr(op.LastAttemptAt),
		utcPtr(op.CompletedAt),
		op.ErrorMessage,
		op.OperationID,
	)
	if err != nil {
		return classify(err)
	}
	return requireAffected(res)
}

// GetOperation retrieves an operation by id
func (q queries) GetOperation(ctx context.Context, operationID string) (*OutboundOperation, error) {
	query := `SELECT ` + operationColumns + ` FROM outbound_operations WHERE operation_id = ?`
	return scanOperation(q.q.QueryRowContext(ctx, query, operationID))
}

// DeleteOperation removes an operation
func (q queries) DeleteOperation(ctx context.Context, operationID string) error {
	res, err := q.q.ExecContext(ctx, `DELETE FROM outbound_operations WHERE operation_id = ?`, operationID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// ListOperationsByStatus returns operations in a status ordered by
// (priority asc, created_at asc)
func (q queries) ListOperationsByStatus(ctx context.Context, status SyncStatus) ([]*OutboundOperation, error) {
	query := `
		SELECT ` + operationColumns + `
		FROM outbound_operations
		WHERE status = ?
		ORDER BY priority ASC, created_at ASC, rowid ASC
	`
	rows, err := q.q.QueryContext(ctx, query, status)
	if err != nil {
		return nil, err
	}
	return scanOperations(rows)
}

// ListOperationsForEntity returns every operation queued for one record
func (q queries) ListOperationsForEntity(ctx context.Context, entityID int64) ([]*OutboundOperation, error) {
	query := `
		SELECT ` + operationColumns + `
		FROM outbound_operations
		WHERE entity_id = ?
		ORDER BY created_at ASC, rowid ASC
	`
	rows, err := q.q.QueryContext(ctx, query, entityID)
	if err != nil {
		return nil, err
	}
	return scanOperations(rows)
}

// DeleteOperationsForEntity removes every operation queued for one record
func (q queries) DeleteOperationsForEntity(ctx context.Context, entityID int64) (int64, error) {
	res, err := q.q.ExecContext(ctx, `DELETE FROM outbound_operations WHERE entity_id = ?`, entityID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ResetFailedOperations moves FAILED operations back to PENDING with a fresh
// retry budget and returns how many were reset
func (q queries) ResetFailedOperations(ctx context.Context) (int64, error) {
	res, err := q.q.ExecContext(ctx, `
		UPDATE outbound_operations
		SET status = ?, retry_count = 0, scheduled_at = NULL, error_message = NULL
		WHERE status = ?
	`, StatusPending, StatusFailed)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ResetSyncingOperations moves SYNCING operations back to PENDING. Retry
// counts and schedules are kept.
func (q queries) ResetSyncingOperations(ctx context.Context) (int64, error) {
	res, err := q.q.ExecContext(ctx, `
		UPDATE outbound_operations
		SET status = ?
		WHERE status = ?
	`, StatusPending, StatusSyncing)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountOperationsByStatus returns the number of operations in each status
func (q queries) CountOperationsByStatus(ctx context.Context) (map[SyncStatus]int, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbound_operations GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[SyncStatus]int)
	for rows.Next() {
		var s SyncStatus
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[s] = n
	}
	return counts, rows.Err()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
