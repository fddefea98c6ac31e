package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/livinlefevreloca/fieldsync/internal/broadcast"
	"github.com/livinlefevreloca/fieldsync/internal/db"
	"github.com/livinlefevreloca/fieldsync/internal/remote"
)

// Remote is the backend surface the resolver needs to refresh a baseline
type Remote interface {
	FetchTimestamp(ctx context.Context, collection string, id int64) (time.Time, error)
	Get(ctx context.Context, collection string, id int64) (remote.Item, error)
}

// BatchResult summarizes a ResolveAll pass
type BatchResult struct {
	Resolved  int
	Dismissed int
	Failed    int
}

// Resolver applies resolutions to stored conflicts
type Resolver struct {
	db     *db.DB
	remote Remote
	config Config
	logger *slog.Logger
	now    func() time.Time

	conflicts *broadcast.Stream[[]*db.Conflict]
	requeue   func()
}

// NewResolver creates a resolver. A nil now uses time.Now.
func NewResolver(database *db.DB, rem Remote, config Config, logger *slog.Logger, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{
		db:        database,
		remote:    rem,
		config:    config,
		logger:    logger,
		now:       now,
		conflicts: broadcast.NewReplay[[]*db.Conflict](),
	}
}

// OnRequeue sets the hook called after KEEP_LOCAL queues a push
func (r *Resolver) OnRequeue(fn func()) { r.requeue = fn }

// Stream publishes the open conflict list whenever it changes
func (r *Resolver) Stream() *broadcast.Stream[[]*db.Conflict] { return r.conflicts }

// List returns every unresolved conflict, oldest first
func (r *Resolver) List(ctx context.Context) ([]*db.Conflict, error) {
	return r.db.ListOpenConflicts(ctx)
}

// Publish re-reads the open conflicts and publishes them on the stream
func (r *Resolver) Publish(ctx context.Context) error {
	conflicts, err := r.List(ctx)
	if err != nil {
		return fmt.Errorf("list conflicts: %w", err)
	}
	r.conflicts.Publish(conflicts)
	return nil
}

// Resolve applies resolution to one conflict. It returns false when a
// KEEP_LOCAL request exceeded its attempt bound and was dismissed instead.
func (r *Resolver) Resolve(ctx context.Context, conflictID string, resolution db.Resolution, resolvedBy string) (bool, error) {
	c, err := r.db.GetConflict(ctx, conflictID)
	if errors.Is(err, db.ErrNotFound) {
		return false, fmt.Errorf("%w: %s", ErrNotFound, conflictID)
	}
	if err != nil {
		return false, fmt.Errorf("get conflict %s: %w", conflictID, err)
	}

	var ok bool
	switch resolution {
	case db.ResolutionKeepServer:
		ok, err = true, r.keepServer(ctx, c)
	case db.ResolutionDismiss:
		ok, err = true, r.dismiss(ctx, c)
	case db.ResolutionKeepLocal:
		ok, err = r.keepLocal(ctx, c)
	default:
		return false, fmt.Errorf("unknown resolution %q", resolution)
	}
	if err != nil {
		return false, err
	}

	r.logger.Info("conflict resolved",
		"conflict_id", c.ConflictID,
		"entity_type", c.EntityType,
		"entity_id", c.EntityID,
		"resolution", resolution,
		"resolved_by", resolvedBy,
		"applied", ok)

	if err := r.Publish(ctx); err != nil {
		r.logger.Warn("failed to publish conflicts", "error", err)
	}
	return ok, nil
}

// ResolveAll applies resolution to every open conflict in order. Items are
// independent: a failure is counted and the pass continues.
func (r *Resolver) ResolveAll(ctx context.Context, resolution db.Resolution, resolvedBy string) (BatchResult, error) {
	var result BatchResult

	conflicts, err := r.List(ctx)
	if err != nil {
		return result, fmt.Errorf("list conflicts: %w", err)
	}

	for _, c := range conflicts {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		ok, err := r.Resolve(ctx, c.ConflictID, resolution, resolvedBy)
		switch {
		case err != nil:
			result.Failed++
			r.logger.Error("failed to resolve conflict",
				"conflict_id", c.ConflictID,
				"resolution", resolution,
				"error", err)
		case !ok || resolution == db.ResolutionDismiss:
			result.Dismissed++
		default:
			result.Resolved++
		}
	}

	return result, nil
}

// keepServer applies the remote snapshot and drops local pending work
func (r *Resolver) keepServer(ctx context.Context, c *db.Conflict) error {
	return r.db.WithTransaction(ctx, func(tx *db.Tx) error {
		rec, err := tx.GetRecord(ctx, c.EntityID)
		if err != nil {
			return fmt.Errorf("get record %d: %w", c.EntityID, err)
		}

		now := r.now()
		rec.Fields = c.RemoteSnapshot
		rec.IsDirty = false
		rec.SyncStatus = db.StatusSynced
		rec.SyncVersion++
		rec.UpdatedAt = now
		rec.LastSyncedAt = &now
		if c.RemoteUpdatedAt != nil {
			rec.ServerUpdatedAt = c.RemoteUpdatedAt
		}
		rec.ConflictAttempts = 0

		if err := tx.UpdateRecord(ctx, rec); err != nil {
			return fmt.Errorf("apply server version: %w", err)
		}
		if _, err := tx.DeleteOperationsForEntity(ctx, rec.LocalID); err != nil {
			return fmt.Errorf("drop pending operations: %w", err)
		}
		return tx.DeleteConflict(ctx, c.ConflictID)
	})
}

// dismiss deletes the conflict without touching the record's fields
func (r *Resolver) dismiss(ctx context.Context, c *db.Conflict) error {
	return r.db.WithTransaction(ctx, func(tx *db.Tx) error {
		return dismissTx(ctx, tx, c)
	})
}

func dismissTx(ctx context.Context, tx *db.Tx, c *db.Conflict) error {
	rec, err := tx.GetRecord(ctx, c.EntityID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("get record %d: %w", c.EntityID, err)
	}
	if rec != nil && rec.SyncStatus == db.StatusConflict {
		rec.SyncStatus = db.StatusSynced
		if rec.IsDirty {
			rec.SyncStatus = db.StatusPending
		}
		if err := tx.UpdateRecord(ctx, rec); err != nil {
			return fmt.Errorf("restore record status: %w", err)
		}
	}
	return tx.DeleteConflict(ctx, c.ConflictID)
}

// keepLocal re-bases the local record on the current remote timestamp and
// queues it for push. The attempt counter lives on the record so it
// survives the conflict being re-detected.
func (r *Resolver) keepLocal(ctx context.Context, c *db.Conflict) (bool, error) {
	rec, err := r.db.GetRecord(ctx, c.EntityID)
	if err != nil {
		return false, fmt.Errorf("get record %d: %w", c.EntityID, err)
	}

	rec.ConflictAttempts++
	if rec.ConflictAttempts > r.config.MaxKeepLocalAttempts {
		r.logger.Warn("keep-local attempts exhausted, dismissing conflict",
			"conflict_id", c.ConflictID,
			"entity_type", c.EntityType,
			"entity_id", c.EntityID,
			"attempts", rec.ConflictAttempts,
			"max_attempts", r.config.MaxKeepLocalAttempts)

		err := r.db.WithTransaction(ctx, func(tx *db.Tx) error {
			if err := tx.UpdateRecord(ctx, rec); err != nil {
				return err
			}
			return dismissTx(ctx, tx, c)
		})
		return false, err
	}

	fresh := r.freshTimestamp(ctx, c)

	err = r.db.WithTransaction(ctx, func(tx *db.Tx) error {
		now := r.now()
		rec.ServerUpdatedAt = &fresh
		rec.LastSyncedAt = &fresh
		rec.IsDirty = true
		rec.SyncStatus = db.StatusPending
		rec.UpdatedAt = now
		if err := tx.UpdateRecord(ctx, rec); err != nil {
			return fmt.Errorf("re-stamp record: %w", err)
		}

		payload, err := json.Marshal(rec.Fields)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}

		ops, err := tx.ListOperationsForEntity(ctx, rec.LocalID)
		if err != nil {
			return fmt.Errorf("list operations: %w", err)
		}
		if len(ops) > 0 {
			op := ops[0]
			op.Payload = payload
			op.Status = db.StatusPending
			op.RetryCount = 0
			op.ScheduledAt = nil
			op.ErrorMessage = nil
			if err := tx.UpdateOperation(ctx, op); err != nil {
				return fmt.Errorf("requeue operation: %w", err)
			}
		} else {
			op := &db.OutboundOperation{
				OperationID:   uuid.NewString(),
				EntityType:    rec.EntityType,
				EntityID:      rec.LocalID,
				EntityUUID:    rec.UUID,
				OperationType: db.OpUpdate,
				Payload:       payload,
				Priority:      db.PushPriority(rec.EntityType),
				MaxRetries:    r.config.MaxRetries,
				Status:        db.StatusPending,
				CreatedAt:     now,
			}
			if err := tx.InsertOperation(ctx, op); err != nil {
				return fmt.Errorf("enqueue update: %w", err)
			}
		}

		return tx.DeleteConflict(ctx, c.ConflictID)
	})
	if err != nil {
		return false, err
	}

	if r.requeue != nil {
		r.requeue()
	}
	return true, nil
}

// freshTimestamp asks the backend for the entity's current updated_at. It
// falls back to a full fetch when the timestamp route is unavailable, and
// to now when both fail.
func (r *Resolver) freshTimestamp(ctx context.Context, c *db.Conflict) time.Time {
	if c.EntityRemoteID == nil {
		return r.now()
	}
	collection := remote.Collection(c.EntityType)
	id := *c.EntityRemoteID

	ts, err := r.remote.FetchTimestamp(ctx, collection, id)
	if err == nil {
		return ts
	}
	r.logger.Debug("timestamp route unavailable, fetching full entity",
		"entity_type", c.EntityType,
		"remote_id", id,
		"error", err)

	item, err := r.remote.Get(ctx, collection, id)
	if err == nil {
		if ts, ok := item.UpdatedAt(); ok {
			return ts
		}
	}

	r.logger.Warn("could not refresh remote timestamp, using local clock",
		"entity_type", c.EntityType,
		"remote_id", id,
		"error", err)
	return r.now()
}
