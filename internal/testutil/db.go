package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/livinlefevreloca/fieldsync/internal/db"
	"github.com/livinlefevreloca/fieldsync/migrations"
	"github.com/livinlefevreloca/fieldsync/tools/migrator"
)

// NewTestDB opens an in-memory SQLite store with every migration applied
func NewTestDB(t *testing.T) *db.DB {
	t.Helper()

	cfg := db.DefaultConfig()
	cfg.DSN = ":memory:"

	database, err := db.OpenWithConfig(cfg)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := migrator.RunMigrations(database.DB, migrations.FS); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	return database
}

// Int64 returns a pointer to v
func Int64(v int64) *int64 { return &v }

// Time returns a pointer to v
func Time(v time.Time) *time.Time { return &v }

// MakeRecord builds a synced record with the given remote id and fields
func MakeRecord(entityType db.EntityType, remoteID int64, projectID int64, fields map[string]any, syncedAt time.Time) *db.Record {
	return &db.Record{
		EntityType:      entityType,
		RemoteID:        Int64(remoteID),
		UUID:            uuid.NewString(),
		ProjectRemoteID: Int64(projectID),
		Fields:          fields,
		SyncStatus:      db.StatusSynced,
		SyncVersion:     1,
		CreatedAt:       syncedAt,
		UpdatedAt:       syncedAt,
		LastSyncedAt:    Time(syncedAt),
		ServerUpdatedAt: Time(syncedAt),
	}
}

// InsertRecord stores r or fails the test
func InsertRecord(t *testing.T, database *db.DB, r *db.Record) *db.Record {
	t.Helper()
	if err := database.InsertRecord(context.Background(), r); err != nil {
		t.Fatalf("failed to insert record: %v", err)
	}
	return r
}
