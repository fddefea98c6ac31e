// Package checkpoint persists, per sync domain, the time of the last
// successful pull. Checkpoints only move forward.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/livinlefevreloca/fieldsync/internal/db"
)

// Well-known keys that are not derived from an id
const (
	KeyDeletedRecords    = "deleted_records_global"
	KeyDeletedServerDate = "deleted_records_server_date"
)

// CompanyProjectsKey is the checkpoint for a company's project listing
func CompanyProjectsKey(companyID int64, assignedOnly bool) string {
	if assignedOnly {
		return fmt.Sprintf("company_projects_%d_assigned", companyID)
	}
	return fmt.Sprintf("company_projects_%d", companyID)
}

// RoomPhotosKey is the checkpoint for one room's photo listing
func RoomPhotosKey(roomID int64) string {
	return fmt.Sprintf("room_photos_%d", roomID)
}

// ProjectGraphKey is the time of a project's last successful content pass
func ProjectGraphKey(projectID int64) string {
	return fmt.Sprintf("project_graph_%d", projectID)
}

// Backend is the persistence the store needs; *db.DB and *db.Tx satisfy it.
type Backend interface {
	GetCheckpoint(ctx context.Context, key string) (*db.Checkpoint, error)
	PutCheckpoint(ctx context.Context, key string, at, now time.Time) error
	DeleteCheckpoint(ctx context.Context, key string) error
	DeleteAllCheckpoints(ctx context.Context) error
	ListCheckpoints(ctx context.Context) ([]db.Checkpoint, error)
}

// Store reads and advances checkpoints
type Store struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time
}

// NewStore creates a checkpoint store. now may be nil to use time.Now.
func NewStore(backend Backend, logger *slog.Logger, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		backend: backend,
		logger:  logger,
		now:     now,
	}
}

// Get returns the checkpoint for key. ok is false when none is stored.
func (s *Store) Get(ctx context.Context, key string) (at time.Time, ok bool, err error) {
	cp, err := s.backend.GetCheckpoint(ctx, key)
	if errors.Is(err, db.ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get checkpoint %s: %w", key, err)
	}
	return cp.CheckpointAt, true, nil
}

// Advance stores at for key unless the stored value is already later.
// It reports whether the checkpoint moved.
func (s *Store) Advance(ctx context.Context, key string, at time.Time) (bool, error) {
	current, ok, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if ok && !at.After(current) {
		if at.Before(current) {
			s.logger.Debug("ignoring backward checkpoint",
				"key", key,
				"current", current,
				"requested", at)
		}
		return false, nil
	}

	if err := s.backend.PutCheckpoint(ctx, key, at, s.now()); err != nil {
		return false, fmt.Errorf("advance checkpoint %s: %w", key, err)
	}
	return true, nil
}

// Set stores at for key even if it moves the checkpoint backward. Only
// clamping of corrupt future checkpoints uses it.
func (s *Store) Set(ctx context.Context, key string, at time.Time) error {
	if err := s.backend.PutCheckpoint(ctx, key, at, s.now()); err != nil {
		return fmt.Errorf("set checkpoint %s: %w", key, err)
	}
	return nil
}

// Clear removes the checkpoint for key, forcing the next pull to be full
func (s *Store) Clear(ctx context.Context, key string) error {
	return s.backend.DeleteCheckpoint(ctx, key)
}

// ClearAll removes every checkpoint
func (s *Store) ClearAll(ctx context.Context) error {
	return s.backend.DeleteAllCheckpoints(ctx)
}

// List returns every stored checkpoint
func (s *Store) List(ctx context.Context) ([]db.Checkpoint, error) {
	return s.backend.ListCheckpoints(ctx)
}
