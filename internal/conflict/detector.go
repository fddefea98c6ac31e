// Package conflict detects records changed on both sides since their last
// sync and applies the user's resolution.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/livinlefevreloca/fieldsync/internal/db"
)

// ErrNotFound is returned when a conflict id does not exist
var ErrNotFound = errors.New("conflict: not found")

// bookkeepingFields never count as a user-visible change
var bookkeepingFields = map[string]bool{
	"updated_at":      true,
	"last_synced_at":  true,
	"is_dirty":        true,
	"sync_status":     true,
	"lock_updated_at": true,
}

// ChangedFields returns the sorted keys whose values differ between the
// two snapshots. A key present on one side only counts as changed.
func ChangedFields(local, remote map[string]any) []string {
	var changed []string
	seen := make(map[string]bool, len(local)+len(remote))

	check := func(key string) {
		if seen[key] || bookkeepingFields[key] {
			return
		}
		seen[key] = true
		lv, lok := local[key]
		rv, rok := remote[key]
		if lok != rok || !reflect.DeepEqual(lv, rv) {
			changed = append(changed, key)
		}
	}

	for k := range local {
		check(k)
	}
	for k := range remote {
		check(k)
	}

	sort.Strings(changed)
	return changed
}

// Store is the persistence the detector writes through; *db.DB and *db.Tx
// satisfy it.
type Store interface {
	UpsertConflict(ctx context.Context, c *db.Conflict) error
	UpdateRecord(ctx context.Context, r *db.Record) error
}

// Detector records conflicts found while reconciling
type Detector struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewDetector creates a detector. A nil now uses time.Now.
func NewDetector(logger *slog.Logger, now func() time.Time) *Detector {
	if now == nil {
		now = time.Now
	}
	return &Detector{logger: logger, now: now}
}

// Detect stores a conflict between the local record and a remote version
// and marks the record CONFLICT. Local fields are not touched. An entity
// that already has an open conflict gets it refreshed in place.
func (d *Detector) Detect(ctx context.Context, store Store, kind db.ConflictType, local *db.Record,
	remoteFields map[string]any, remoteUpdatedAt *time.Time) (*db.Conflict, error) {

	c := &db.Conflict{
		ConflictID:      uuid.NewString(),
		EntityType:      local.EntityType,
		EntityID:        local.LocalID,
		EntityUUID:      local.UUID,
		EntityRemoteID:  local.RemoteID,
		ConflictType:    kind,
		LocalSnapshot:   local.Fields,
		RemoteSnapshot:  remoteFields,
		ChangedFields:   ChangedFields(local.Fields, remoteFields),
		RemoteUpdatedAt: remoteUpdatedAt,
		DetectedAt:      d.now(),
	}
	if err := store.UpsertConflict(ctx, c); err != nil {
		return nil, fmt.Errorf("store conflict for %s %d: %w", local.EntityType, local.LocalID, err)
	}

	local.SyncStatus = db.StatusConflict
	if err := store.UpdateRecord(ctx, local); err != nil {
		return nil, fmt.Errorf("mark %s %d conflicted: %w", local.EntityType, local.LocalID, err)
	}

	d.logger.Info("sync conflict detected",
		"conflict_id", c.ConflictID,
		"conflict_type", kind,
		"entity_type", local.EntityType,
		"entity_id", local.LocalID,
		"changed_fields", c.ChangedFields)

	return c, nil
}
