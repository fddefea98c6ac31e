package db_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/fieldsync/internal/db"
	"github.com/livinlefevreloca/fieldsync/internal/testutil"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func makeOp(entity *db.Record, opType db.OperationType, priority int, createdAt time.Time) *db.OutboundOperation {
	return &db.OutboundOperation{
		OperationID:   uuid.NewString(),
		EntityType:    entity.EntityType,
		EntityID:      entity.LocalID,
		EntityUUID:    entity.UUID,
		OperationType: opType,
		Payload:       []byte(`{"name":"x"}`),
		Priority:      priority,
		MaxRetries:    5,
		Status:        db.StatusPending,
		CreatedAt:     createdAt,
	}
}

// =============================================================================
// Record Tests
// =============================================================================

func TestRecords_InsertAndGet(t *testing.T) {
	database := testutil.NewTestDB(t)
	ctx := context.Background()

	r := testutil.MakeRecord(db.EntityRoom, 42, 7, map[string]any{"name": "Kitchen", "level": float64(1)}, t0)
	require.NoError(t, database.InsertRecord(ctx, r))
	require.NotZero(t, r.LocalID)

	got, err := database.GetRecord(ctx, r.LocalID)
	require.NoError(t, err)
	assert.Equal(t, db.EntityRoom, got.EntityType)
	assert.Equal(t, int64(42), *got.RemoteID)
	assert.Equal(t, "Kitchen", got.Fields["name"])
	assert.Equal(t, db.StatusSynced, got.SyncStatus)
	assert.False(t, got.IsDirty)
	require.NotNil(t, got.LastSyncedAt)
	assert.True(t, got.LastSyncedAt.Equal(t0))

	byRemote, err := database.GetRecordByRemoteID(ctx, db.EntityRoom, 42)
	require.NoError(t, err)
	assert.Equal(t, r.LocalID, byRemote.LocalID)

	byUUID, err := database.GetRecordByUUID(ctx, r.UUID)
	require.NoError(t, err)
	assert.Equal(t, r.LocalID, byUUID.LocalID)
}

func TestRecords_NotFound(t *testing.T) {
	database := testutil.NewTestDB(t)

	_, err := database.GetRecordByRemoteID(context.Background(), db.EntityRoom, 999)
	assert.True(t, db.IsNotFound(err))
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestRecords_DuplicateRemoteID(t *testing.T) {
	database := testutil.NewTestDB(t)
	ctx := context.Background()

	require.NoError(t, database.InsertRecord(ctx, testutil.MakeRecord(db.EntityRoom, 1, 7, nil, t0)))
	err := database.InsertRecord(ctx, testutil.MakeRecord(db.EntityRoom, 1, 7, nil, t0))
	assert.ErrorIs(t, err, db.ErrDuplicate)

	// The same remote id under another entity type is a different record.
	assert.NoError(t, database.InsertRecord(ctx, testutil.MakeRecord(db.EntityNote, 1, 7, nil, t0)))
}

func TestRecords_UpdateAndFilter(t *testing.T) {
	database := testutil.NewTestDB(t)
	ctx := context.Background()

	a := testutil.InsertRecord(t, database, testutil.MakeRecord(db.EntityRoom, 1, 7, nil, t0))
	testutil.InsertRecord(t, database, testutil.MakeRecord(db.EntityRoom, 2, 8, nil, t0))
	testutil.InsertRecord(t, database, testutil.MakeRecord(db.EntityNote, 3, 7, nil, t0))

	a.IsDirty = true
	a.Fields = map[string]any{"name": "edited"}
	require.NoError(t, database.UpdateRecord(ctx, a))

	rooms, err := database.ListRecords(ctx, db.RecordFilter{EntityType: db.EntityRoom, ProjectRemoteID: testutil.Int64(7)})
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "edited", rooms[0].Fields["name"])

	dirty, err := database.ListRecords(ctx, db.RecordFilter{DirtyOnly: true})
	require.NoError(t, err)
	assert.Len(t, dirty, 1)

	a.IsDeleted = true
	require.NoError(t, database.UpdateRecord(ctx, a))
	live, err := database.ListRecords(ctx, db.RecordFilter{EntityType: db.EntityRoom})
	require.NoError(t, err)
	assert.Len(t, live, 1)

	counts, err := database.CountRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[db.EntityRoom])
	assert.Equal(t, 1, counts[db.EntityNote])
}

func TestRecords_UpdateMissing(t *testing.T) {
	database := testutil.NewTestDB(t)
	err := database.UpdateRecord(context.Background(), &db.Record{LocalID: 12345})
	assert.ErrorIs(t, err, db.ErrNotFound)
}

// =============================================================================
// Outbound Operation Tests
// =============================================================================

func TestOperations_OrderedByPriorityThenCreatedAt(t *testing.T) {
	database := testutil.NewTestDB(t)
	ctx := context.Background()
	rec := testutil.InsertRecord(t, database, testutil.MakeRecord(db.EntityRoom, 1, 7, nil, t0))

	late := makeOp(rec, db.OpUpdate, 1, t0.Add(2*time.Second))
	early := makeOp(rec, db.OpUpdate, 1, t0.Add(1*time.Second))
	urgent := makeOp(rec, db.OpCreate, 0, t0.Add(3*time.Second))
	for _, op := range []*db.OutboundOperation{late, early, urgent} {
		require.NoError(t, database.InsertOperation(ctx, op))
	}

	ops, err := database.ListOperationsByStatus(ctx, db.StatusPending)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, urgent.OperationID, ops[0].OperationID)
	assert.Equal(t, early.OperationID, ops[1].OperationID)
	assert.Equal(t, late.OperationID, ops[2].OperationID)
	assert.Equal(t, `{"name":"x"}`, string(ops[0].Payload))
}

func TestOperations_UpdateResetAndDelete(t *testing.T) {
	database := testutil.NewTestDB(t)
	ctx := context.Background()
	rec := testutil.InsertRecord(t, database, testutil.MakeRecord(db.EntityRoom, 1, 7, nil, t0))

	op := makeOp(rec, db.OpUpdate, 0, t0)
	require.NoError(t, database.InsertOperation(ctx, op))

	msg := "validation failed"
	op.Status = db.StatusFailed
	op.RetryCount = 3
	op.ErrorMessage = &msg
	op.LastAttemptAt = testutil.Time(t0.Add(time.Minute))
	require.NoError(t, database.UpdateOperation(ctx, op))

	got, err := database.GetOperation(ctx, op.OperationID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, msg, *got.ErrorMessage)

	counts, err := database.CountOperationsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[db.StatusFailed])

	n, err := database.ResetFailedOperations(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err = database.GetOperation(ctx, op.OperationID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusPending, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Nil(t, got.ErrorMessage)

	require.NoError(t, database.DeleteOperation(ctx, op.OperationID))
	_, err = database.GetOperation(ctx, op.OperationID)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestOperations_ResetSyncingKeepsRetryState(t *testing.T) {
	database := testutil.NewTestDB(t)
	ctx := context.Background()
	rec := testutil.InsertRecord(t, database, testutil.MakeRecord(db.EntityRoom, 1, 7, nil, t0))

	op := makeOp(rec, db.OpUpdate, 0, t0)
	require.NoError(t, database.InsertOperation(ctx, op))
	op.Status = db.StatusSyncing
	op.RetryCount = 2
	require.NoError(t, database.UpdateOperation(ctx, op))

	n, err := database.ResetSyncingOperations(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := database.GetOperation(ctx, op.OperationID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusPending, got.Status)
	assert.Equal(t, 2, got.RetryCount)

	n, err = database.ResetSyncingOperations(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPushPriority_ParentsFirst(t *testing.T) {
	assert.Zero(t, db.PushPriority(db.EntityProject))
	assert.Less(t, db.PushPriority(db.EntityLocation), db.PushPriority(db.EntityRoom))
	assert.Less(t, db.PushPriority(db.EntityRoom), db.PushPriority(db.EntityNote))
	assert.Equal(t, len(db.EntityTypes), db.PushPriority(db.EntityType("unknown")))
}

func TestOperations_RequireExistingRecord(t *testing.T) {
	database := testutil.NewTestDB(t)
	op := makeOp(&db.Record{LocalID: 999, EntityType: db.EntityRoom, UUID: "u"}, db.OpCreate, 0, t0)
	err := database.InsertOperation(context.Background(), op)
	assert.True(t, db.IsForeignKey(err), "expected foreign key error, got %v", err)
}

// =============================================================================
// Conflict Tests
// =============================================================================

func TestConflicts_UpsertRefreshesOpenConflict(t *testing.T) {
	database := testutil.NewTestDB(t)
	ctx := context.Background()
	rec := testutil.InsertRecord(t, database, testutil.MakeRecord(db.EntityRoom, 1, 7, nil, t0))

	first := &db.Conflict{
		ConflictID:     uuid.NewString(),
		EntityType:     rec.EntityType,
		EntityID:       rec.LocalID,
		EntityUUID:     rec.UUID,
		ConflictType:   db.ConflictPull,
		LocalSnapshot:  map[string]any{"name": "local"},
		RemoteSnapshot: map[string]any{"name": "remote-1"},
		ChangedFields:  []string{"name"},
		DetectedAt:     t0,
	}
	require.NoError(t, database.UpsertConflict(ctx, first))

	second := *first
	second.ConflictID = uuid.NewString()
	second.RemoteSnapshot = map[string]any{"name": "remote-2"}
	second.DetectedAt = t0.Add(time.Hour)
	require.NoError(t, database.UpsertConflict(ctx, &second))

	assert.Equal(t, first.ConflictID, second.ConflictID, "re-detection keeps the original id")

	open, err := database.ListOpenConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "remote-2", open[0].RemoteSnapshot["name"])
	assert.Equal(t, []string{"name"}, open[0].ChangedFields)
	assert.True(t, open[0].DetectedAt.Equal(t0))

	require.NoError(t, database.DeleteConflict(ctx, first.ConflictID))
	_, err = database.GetConflict(ctx, first.ConflictID)
	assert.True(t, errors.Is(err, db.ErrNotFound))
}

// =============================================================================
// Checkpoint and Session Tests
// =============================================================================

func TestCheckpoints_PutGetDelete(t *testing.T) {
	database := testutil.NewTestDB(t)
	ctx := context.Background()

	_, err := database.GetCheckpoint(ctx, "room_photos_1")
	assert.ErrorIs(t, err, db.ErrNotFound)

	require.NoError(t, database.PutCheckpoint(ctx, "room_photos_1", t0, t0))
	require.NoError(t, database.PutCheckpoint(ctx, "room_photos_1", t0.Add(time.Hour), t0))
	require.NoError(t, database.PutCheckpoint(ctx, "user_projects_5", t0, t0))

	cp, err := database.GetCheckpoint(ctx, "room_photos_1")
	require.NoError(t, err)
	assert.True(t, cp.CheckpointAt.Equal(t0.Add(time.Hour)))

	all, err := database.ListCheckpoints(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, database.DeleteCheckpoint(ctx, "room_photos_1"))
	require.NoError(t, database.DeleteAllCheckpoints(ctx))
	all, err = database.ListCheckpoints(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSessions_InsertAndList(t *testing.T) {
	database := testutil.NewTestDB(t)
	ctx := context.Background()

	s := &db.SyncSession{
		SessionID:       "abcd1234",
		StartedAt:       t0,
		EndedAt:         t0.Add(2 * time.Second),
		TotalOperations: 3,
		SuccessCount:    2,
		FailureCount:    1,
		DurationMs:      2000,
		ByEntityType:    map[string]map[string]int{"room": {"success": 2, "failure": 1}},
	}
	require.NoError(t, database.InsertSyncSession(ctx, s))

	sessions, err := database.ListSyncSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 1, sessions[0].ByEntityType["room"]["failure"])
}

// =============================================================================
// Transaction Tests
// =============================================================================

func TestWithTransaction_RollsBackOnError(t *testing.T) {
	database := testutil.NewTestDB(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := database.WithTransaction(ctx, func(tx *db.Tx) error {
		if err := tx.InsertRecord(ctx, testutil.MakeRecord(db.EntityRoom, 1, 7, nil, t0)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = database.GetRecordByRemoteID(ctx, db.EntityRoom, 1)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestWithTransaction_Commits(t *testing.T) {
	database := testutil.NewTestDB(t)
	ctx := context.Background()

	err := database.WithTransaction(ctx, func(tx *db.Tx) error {
		return tx.InsertRecord(ctx, testutil.MakeRecord(db.EntityRoom, 1, 7, nil, t0))
	})
	require.NoError(t, err)

	_, err = database.GetRecordByRemoteID(ctx, db.EntityRoom, 1)
	assert.NoError(t, err)
}
