package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/livinlefevreloca/fieldsync/internal/db"
	"github.com/livinlefevreloca/fieldsync/internal/remote"
	"github.com/livinlefevreloca/fieldsync/internal/stats"
)

// PushResult summarizes one PushPending pass
type PushResult struct {
	Pushed    int
	Skipped   int
	Failed    int
	Dropped   int
	Conflicts int

	// CreatedProjects holds the server ids of projects created this pass
	CreatedProjects []int64
}

// PushPending pushes every due PENDING operation in (priority, createdAt)
// order. A 401 or 403 aborts the pass with an error wrapping
// remote.ErrUnauthorized; every other failure is recorded on its
// operation and the pass continues.
func (r *Repository) PushPending(ctx context.Context) (*PushResult, error) {
	result := &PushResult{}
	if !r.online() {
		r.logger.Debug("offline, not pushing pending operations")
		return result, nil
	}

	ops, err := r.db.ListOperationsByStatus(ctx, db.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("list pending operations: %w", err)
	}

	now := r.now()
	for _, op := range ops {
		if op.ScheduledAt != nil && op.ScheduledAt.After(now) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		started := r.now()
		outcome, created, err := r.pushOne(ctx, op)
		if r.recorder != nil && outcome != "" {
			r.recorder.RecordOperationResult(string(op.EntityType), string(op.OperationType), outcome, r.now().Sub(started))
		}

		switch outcome {
		case stats.OutcomeSuccess:
			result.Pushed++
			if created != nil && op.EntityType == db.EntityProject {
				result.CreatedProjects = append(result.CreatedProjects, *created)
			}
		case stats.OutcomeSkip:
			result.Skipped++
		case stats.OutcomeDrop:
			result.Dropped++
		case stats.OutcomeConflictPending:
			result.Conflicts++
		case stats.OutcomeFailure:
			result.Failed++
		}

		if err != nil {
			return result, err
		}
	}

	if result.Conflicts > 0 {
		r.notifyConflicts(ctx, result.Conflicts)
	}
	if len(ops) > 0 {
		r.logger.Info("pending operations pushed",
			"pushed", result.Pushed,
			"skipped", result.Skipped,
			"failed", result.Failed,
			"dropped", result.Dropped,
			"conflicts", result.Conflicts)
	}
	return result, nil
}

// pushOne sends a single operation and applies its outcome. A non-nil
// error aborts the pass.
func (r *Repository) pushOne(ctx context.Context, op *db.OutboundOperation) (stats.Outcome, *int64, error) {
	rec, err := r.db.GetRecord(ctx, op.EntityID)
	if errors.Is(err, db.ErrNotFound) {
		r.logger.Warn("dropping operation for missing record",
			"operation_id", op.OperationID,
			"entity_type", op.EntityType,
			"entity_id", op.EntityID)
		if err := r.db.DeleteOperation(ctx, op.OperationID); err != nil && !errors.Is(err, db.ErrNotFound) {
			return "", nil, err
		}
		return stats.OutcomeDrop, nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("load record %d: %w", op.EntityID, err)
	}

	body, err := decodePayload(op.Payload)
	if err != nil {
		return stats.OutcomeFailure, nil, r.failOperation(ctx, op, rec, err)
	}

	if reason, ok := r.prepare(ctx, op, rec, body); !ok {
		r.logger.Debug("skipping operation until its parent is pushed",
			"operation_id", op.OperationID,
			"entity_type", op.EntityType,
			"reason", reason)
		return stats.OutcomeSkip, nil, nil
	}

	now := r.now()
	op.Status = db.StatusSyncing
	op.LastAttemptAt = &now
	if err := r.db.UpdateOperation(ctx, op); err != nil {
		return "", nil, fmt.Errorf("mark operation %s syncing: %w", op.OperationID, err)
	}

	collection := remote.Collection(op.EntityType)
	var item remote.Item
	switch op.OperationType {
	case db.OpCreate:
		item, err = r.remote.Create(ctx, collection, body)
	case db.OpUpdate:
		item, err = r.update(ctx, collection, rec, body)
	case db.OpDelete:
		err = r.remote.Delete(ctx, collection, *rec.RemoteID)
		if remote.IsMissing(err) {
			err = nil
		}
	default:
		err = fmt.Errorf("unknown operation type %q", op.OperationType)
	}

	switch {
	case err == nil:
		// The server applied the change, so record it even if the pass
		// was cancelled meanwhile.
		created, err := r.succeed(context.WithoutCancel(ctx), op, rec, item)
		if err != nil {
			return "", nil, err
		}
		return stats.OutcomeSuccess, created, nil

	case ctx.Err() != nil:
		r.requeueOperation(context.WithoutCancel(ctx), op)
		return stats.OutcomeSkip, nil, ctx.Err()

	case remote.IsAuth(err):
		r.requeueOperation(ctx, op)
		return stats.OutcomeFailure, nil, fmt.Errorf("%w: push %s %s: %v", remote.ErrUnauthorized, op.OperationType, op.EntityType, err)

	case op.OperationType == db.OpUpdate && errors.Is(err, remote.ErrConflict):
		if cerr := r.conflictOperation(ctx, op, rec, collection); cerr != nil {
			return "", nil, cerr
		}
		return stats.OutcomeConflictPending, nil, nil

	case op.OperationType == db.OpUpdate && remote.IsMissing(err):
		if derr := r.dropOperation(ctx, op, rec); derr != nil {
			return "", nil, derr
		}
		return stats.OutcomeDrop, nil, nil

	case remote.IsTransient(err):
		return stats.OutcomeFailure, nil, r.retryOperation(ctx, op, rec, err)

	default:
		return stats.OutcomeFailure, nil, r.failOperation(ctx, op, rec, err)
	}
}

// prepare fills server ids into the request body. It reports false when
// the operation cannot be sent yet.
func (r *Repository) prepare(ctx context.Context, op *db.OutboundOperation, rec *db.Record, body map[string]any) (string, bool) {
	parentUUID, _ := body[parentUUIDField].(string)
	delete(body, parentUUIDField)

	switch op.OperationType {
	case db.OpUpdate, db.OpDelete:
		if rec.RemoteID == nil {
			return "record has no server id", false
		}
		if op.OperationType == db.OpUpdate && rec.ServerUpdatedAt != nil {
			body["updated_at"] = remote.FormatTime(*rec.ServerUpdatedAt)
		}
		return "", true
	}

	body["uuid"] = rec.UUID
	key, hasParent := parentKeys[op.EntityType]
	if !hasParent {
		return "", true
	}

	if rec.ParentRemoteID == nil && parentUUID != "" {
		parent, err := r.db.GetRecordByUUID(ctx, parentUUID)
		if err != nil {
			return fmt.Sprintf("parent %s: %v", parentUUID, err), false
		}
		if parent.RemoteID == nil {
			return "parent has no server id", false
		}
		rec.ParentRemoteID = parent.RemoteID
		if rec.ProjectRemoteID == nil {
			rec.ProjectRemoteID = parent.ProjectRemoteID
		}
	}
	if rec.ParentRemoteID == nil {
		return "parent has no server id", false
	}

	body[key] = *rec.ParentRemoteID
	if rec.ProjectRemoteID != nil && op.EntityType != db.EntityProperty {
		if _, ok := body["project_id"]; !ok {
			body["project_id"] = *rec.ProjectRemoteID
		}
	}
	return "", true
}

// update sends an update, retrying once with a fresh server timestamp
// when the backend reports a stale one
func (r *Repository) update(ctx context.Context, collection string, rec *db.Record, body map[string]any) (remote.Item, error) {
	item, err := r.remote.Update(ctx, collection, *rec.RemoteID, body)
	if !errors.Is(err, remote.ErrConflict) {
		return item, err
	}

	ts, terr := r.remote.FetchTimestamp(ctx, collection, *rec.RemoteID)
	if terr != nil {
		r.logger.Debug("timestamp fetch failed after 409", "entity_type", rec.EntityType, "error", terr)
		return nil, err
	}

	r.logger.Debug("retrying update with fresh timestamp",
		"entity_type", rec.EntityType,
		"remote_id", *rec.RemoteID,
		"server_updated_at", ts)
	rec.ServerUpdatedAt = &ts
	body["updated_at"] = remote.FormatTime(ts)
	return r.remote.Update(ctx, collection, *rec.RemoteID, body)
}

// succeed deletes the operation and marks the record synced. The record
// stays dirty while other operations for it are queued.
func (r *Repository) succeed(ctx context.Context, op *db.OutboundOperation, rec *db.Record, item remote.Item) (*int64, error) {
	now := r.now()
	var created *int64

	err := r.db.WithTransaction(ctx, func(tx *db.Tx) error {
		if err := tx.DeleteOperation(ctx, op.OperationID); err != nil {
			return fmt.Errorf("delete operation %s: %w", op.OperationID, err)
		}
		rest, err := tx.ListOperationsForEntity(ctx, rec.LocalID)
		if err != nil {
			return err
		}

		if op.OperationType == db.OpCreate {
			if id, ok := item.ID(); ok {
				rec.RemoteID = &id
				if rec.EntityType == db.EntityProject {
					rec.ProjectRemoteID = &id
				}
				created = &id
			}
		}
		if op.OperationType == db.OpDelete {
			rec.IsDeleted = true
		}

		serverUpdated := now
		if ts, ok := item.UpdatedAt(); ok {
			serverUpdated = ts
		}
		rec.ServerUpdatedAt = &serverUpdated
		rec.LastSyncedAt = &now
		rec.UpdatedAt = now
		rec.ConflictAttempts = 0

		if len(rest) == 0 {
			rec.IsDirty = false
			rec.SyncStatus = db.StatusSynced
		}
		return tx.UpdateRecord(ctx, rec)
	})
	if err != nil {
		return nil, err
	}

	r.logger.Debug("operation pushed",
		"operation_id", op.OperationID,
		"operation_type", op.OperationType,
		"entity_type", op.EntityType,
		"remote_id", rec.RemoteID)
	return created, nil
}

// retryOperation schedules a transient failure for a later pass, or marks
// it FAILED once its retry budget is spent
func (r *Repository) retryOperation(ctx context.Context, op *db.OutboundOperation, rec *db.Record, cause error) error {
	op.RetryCount++
	msg := cause.Error()
	op.ErrorMessage = &msg

	if op.RetryCount >= op.MaxRetries {
		r.logger.Warn("operation failed after retries",
			"operation_id", op.OperationID,
			"entity_type", op.EntityType,
			"retry_count", op.RetryCount,
			"error", cause)
		return r.markFailed(ctx, op, rec)
	}

	next := r.now().Add(r.config.retryDelay(op.RetryCount - 1))
	op.Status = db.StatusPending
	op.ScheduledAt = &next
	r.logger.Debug("operation scheduled for retry",
		"operation_id", op.OperationID,
		"retry_count", op.RetryCount,
		"scheduled_at", next,
		"error", cause)
	return r.db.UpdateOperation(ctx, op)
}

// failOperation marks an operation FAILED after a definitive rejection
// requeueOperation returns an in-flight operation to PENDING without
// counting a retry
func (r *Repository) requeueOperation(ctx context.Context, op *db.OutboundOperation) {
	op.Status = db.StatusPending
	if err := r.db.UpdateOperation(ctx, op); err != nil {
		r.logger.Error("failed to requeue operation", "operation_id", op.OperationID, "error", err)
	}
}

func (r *Repository) failOperation(ctx context.Context, op *db.OutboundOperation, rec *db.Record, cause error) error {
	msg := cause.Error()
	op.ErrorMessage = &msg
	r.logger.Warn("operation rejected",
		"operation_id", op.OperationID,
		"operation_type", op.OperationType,
		"entity_type", op.EntityType,
		"status_code", remote.StatusCode(cause),
		"error", cause)
	return r.markFailed(ctx, op, rec)
}

func (r *Repository) markFailed(ctx context.Context, op *db.OutboundOperation, rec *db.Record) error {
	op.Status = db.StatusFailed
	op.ScheduledAt = nil
	return r.db.WithTransaction(ctx, func(tx *db.Tx) error {
		if err := tx.UpdateOperation(ctx, op); err != nil {
			return err
		}
		rec.SyncStatus = db.StatusFailed
		return tx.UpdateRecord(ctx, rec)
	})
}

// dropOperation handles an update for an entity the server no longer has:
// the record is tombstoned and its queued operations removed
func (r *Repository) dropOperation(ctx context.Context, op *db.OutboundOperation, rec *db.Record) error {
	r.logger.Info("dropping update for entity missing on server",
		"operation_id", op.OperationID,
		"entity_type", op.EntityType,
		"remote_id", rec.RemoteID)

	now := r.now()
	return r.db.WithTransaction(ctx, func(tx *db.Tx) error {
		if _, err := tx.DeleteOperationsForEntity(ctx, rec.LocalID); err != nil {
			return err
		}
		rec.IsDeleted = true
		rec.IsDirty = false
		rec.SyncStatus = db.StatusSynced
		rec.UpdatedAt = now
		return tx.UpdateRecord(ctx, rec)
	})
}

// conflictOperation records an update the server rejected twice as stale.
// The operation is parked as CONFLICT until the conflict is resolved.
func (r *Repository) conflictOperation(ctx context.Context, op *db.OutboundOperation, rec *db.Record, collection string) error {
	var remoteFields map[string]any
	var remoteUpdated *time.Time
	if item, err := r.remote.Get(ctx, collection, *rec.RemoteID); err == nil {
		remoteFields = item.Fields()
		if ts, ok := item.UpdatedAt(); ok {
			remoteUpdated = &ts
		}
	} else {
		r.logger.Debug("could not fetch server copy for conflict", "entity_type", rec.EntityType, "error", err)
		remoteFields = map[string]any{}
	}

	return r.db.WithTransaction(ctx, func(tx *db.Tx) error {
		op.Status = db.StatusConflict
		op.ScheduledAt = nil
		if err := tx.UpdateOperation(ctx, op); err != nil {
			return err
		}
		_, err := r.detector.Detect(ctx, tx, db.ConflictUpdate, rec, remoteFields, remoteUpdated)
		return err
	})
}

// HasDuePending reports whether a PENDING operation is ready to push
func (r *Repository) HasDuePending(ctx context.Context) (bool, error) {
	ops, err := r.db.ListOperationsByStatus(ctx, db.StatusPending)
	if err != nil {
		return false, err
	}
	now := r.now()
	for _, op := range ops {
		if op.ScheduledAt == nil || !op.ScheduledAt.After(now) {
			return true, nil
		}
	}
	return false, nil
}

// ResetFailed moves FAILED operations back to PENDING with a fresh retry
// budget
func (r *Repository) ResetFailed(ctx context.Context) (int64, error) {
	n, err := r.db.ResetFailedOperations(ctx)
	if err != nil {
		return 0, fmt.Errorf("reset failed operations: %w", err)
	}
	if n > 0 {
		r.logger.Info("failed operations reset", "count", n)
	}
	return n, nil
}

// RecoverInFlight returns operations left SYNCING by an interrupted pass
// to PENDING. It must run before the first push pass.
func (r *Repository) RecoverInFlight(ctx context.Context) (int64, error) {
	n, err := r.db.ResetSyncingOperations(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover in-flight operations: %w", err)
	}
	if n > 0 {
		r.logger.Info("in-flight operations returned to pending", "count", n)
	}
	return n, nil
}

// --- Local mutations ---

// LocalChange is one mutation made on the device
type LocalChange struct {
	EntityType db.EntityType
	// LocalID is zero for a create
	LocalID int64
	Fields  map[string]any
	OpType  db.OperationType

	// Placement for creates
	ProjectRemoteID *int64
	ParentRemoteID  *int64
	// ParentUUID links a create to a parent not yet pushed
	ParentUUID string
}

// RecordLocalChange writes a local mutation and its outbound operation in
// one transaction. Updates coalesce into a queued create or update for the
// same record; deleting a record that was never pushed discards it.
func (r *Repository) RecordLocalChange(ctx context.Context, change LocalChange) (*db.Record, error) {
	now := r.now()
	var rec *db.Record

	err := r.db.WithTransaction(ctx, func(tx *db.Tx) error {
		var err error
		if change.OpType == db.OpCreate {
			rec, err = r.localCreate(ctx, tx, change, now)
			return err
		}

		rec, err = tx.GetRecord(ctx, change.LocalID)
		if err != nil {
			return fmt.Errorf("load record %d: %w", change.LocalID, err)
		}

		switch change.OpType {
		case db.OpUpdate:
			return r.localUpdate(ctx, tx, rec, change.Fields, now)
		case db.OpDelete:
			return r.localDelete(ctx, tx, rec, now)
		default:
			return fmt.Errorf("unknown operation type %q", change.OpType)
		}
	})
	if err != nil {
		return nil, err
	}

	if r.onLocalChange != nil {
		r.onLocalChange()
	}
	return rec, nil
}

func (r *Repository) localCreate(ctx context.Context, tx *db.Tx, change LocalChange, now time.Time) (*db.Record, error) {
	rec := &db.Record{
		EntityType:      change.EntityType,
		UUID:            uuid.NewString(),
		ProjectRemoteID: change.ProjectRemoteID,
		ParentRemoteID:  change.ParentRemoteID,
		Fields:          change.Fields,
		SyncStatus:      db.StatusPending,
		SyncVersion:     1,
		IsDirty:         true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := tx.InsertRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("insert %s: %w", change.EntityType, err)
	}

	payload := copyFields(change.Fields)
	if change.ParentUUID != "" {
		payload[parentUUIDField] = change.ParentUUID
	}
	return rec, r.insertOperation(ctx, tx, rec, db.OpCreate, payload, now)
}

func (r *Repository) localUpdate(ctx context.Context, tx *db.Tx, rec *db.Record, fields map[string]any, now time.Time) error {
	merged := copyFields(rec.Fields)
	for k, v := range fields {
		merged[k] = v
	}
	rec.Fields = merged
	rec.IsDirty = true
	rec.UpdatedAt = now
	if rec.SyncStatus != db.StatusConflict {
		rec.SyncStatus = db.StatusPending
	}
	if err := tx.UpdateRecord(ctx, rec); err != nil {
		return err
	}

	ops, err := tx.ListOperationsForEntity(ctx, rec.LocalID)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if op.Status != db.StatusPending || op.OperationType == db.OpDelete {
			continue
		}
		payload := copyFields(merged)
		if op.OperationType == db.OpCreate {
			if prev, err := decodePayload(op.Payload); err == nil {
				if p, ok := prev[parentUUIDField]; ok {
					payload[parentUUIDField] = p
				}
			}
		}
		if op.Payload, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		return tx.UpdateOperation(ctx, op)
	}

	return r.insertOperation(ctx, tx, rec, db.OpUpdate, merged, now)
}

func (r *Repository) localDelete(ctx context.Context, tx *db.Tx, rec *db.Record, now time.Time) error {
	if _, err := tx.DeleteOperationsForEntity(ctx, rec.LocalID); err != nil {
		return err
	}

	rec.IsDeleted = true
	rec.UpdatedAt = now
	if rec.RemoteID == nil {
		rec.IsDirty = false
		rec.SyncStatus = db.StatusSynced
		return tx.UpdateRecord(ctx, rec)
	}

	rec.IsDirty = true
	rec.SyncStatus = db.StatusPending
	if err := tx.UpdateRecord(ctx, rec); err != nil {
		return err
	}
	return r.insertOperation(ctx, tx, rec, db.OpDelete, map[string]any{}, now)
}

func (r *Repository) insertOperation(ctx context.Context, tx *db.Tx, rec *db.Record, opType db.OperationType, payload map[string]any, now time.Time) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	op := &db.OutboundOperation{
		OperationID:   uuid.NewString(),
		EntityType:    rec.EntityType,
		EntityID:      rec.LocalID,
		EntityUUID:    rec.UUID,
		OperationType: opType,
		Payload:       b,
		Priority:      db.PushPriority(rec.EntityType),
		MaxRetries:    r.config.MaxRetries,
		Status:        db.StatusPending,
		CreatedAt:     now,
	}
	if err := tx.InsertOperation(ctx, op); err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	return nil
}

func decodePayload(b []byte) (map[string]any, error) {
	body := map[string]any{}
	if len(b) == 0 {
		return body, nil
	}
	if err := json.Unmarshal(b, &body); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return body, nil
}

func copyFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
