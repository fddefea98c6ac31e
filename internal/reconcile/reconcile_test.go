package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/fieldsync/internal/checkpoint"
	"github.com/livinlefevreloca/fieldsync/internal/db"
	"github.com/livinlefevreloca/fieldsync/internal/remote"
	"github.com/livinlefevreloca/fieldsync/internal/stats"
	"github.com/livinlefevreloca/fieldsync/internal/testutil"
)

var t0 = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

type recorded struct {
	entityType string
	opType     string
	outcome    stats.Outcome
}

type fakeRecorder struct {
	mu      sync.Mutex
	results []recorded
}

func (f *fakeRecorder) RecordOperationResult(entityType, operationType string, outcome stats.Outcome, duration time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, recorded{entityType, operationType, outcome})
}

func (f *fakeRecorder) outcomes() []stats.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]stats.Outcome, len(f.results))
	for i, r := range f.results {
		out[i] = r.outcome
	}
	return out
}

type fixture struct {
	db        *db.DB
	mux       *http.ServeMux
	repo      *Repository
	recorder  *fakeRecorder
	clock     *testutil.MockClock
	logger    *testutil.TestLogger
	client    *remote.Client
	conflicts atomic.Int32
	changes   atomic.Int32
	offline   atomic.Bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		db:       testutil.NewTestDB(t),
		mux:      http.NewServeMux(),
		recorder: &fakeRecorder{},
		clock:    testutil.NewMockClock(t0.Add(time.Hour)),
		logger:   testutil.NewTestLogger(),
	}

	srv := httptest.NewServer(f.mux)
	t.Cleanup(srv.Close)

	cfg := remote.DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.Timeout = 2 * time.Second
	f.client = remote.New(cfg)

	auth := NewCachedAuth(f.client, &remote.Identity{UserID: 5, CompanyID: 9}, f.logger.Logger())
	f.repo = New(f.db, f.client, auth, DefaultConfig(), f.logger.Logger(), Options{
		Recorder:      f.recorder,
		Now:           f.clock.Now,
		Online:        func() bool { return !f.offline.Load() },
		OnConflicts:   func(context.Context) { f.conflicts.Add(1) },
		OnLocalChange: func() { f.changes.Add(1) },
	})
	return f
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func page(items ...map[string]any) map[string]any {
	if items == nil {
		items = []map[string]any{}
	}
	return map[string]any{
		"data": items,
		"meta": map[string]any{"current_page": 1, "last_page": 1},
	}
}

func ts(d time.Duration) string {
	return t0.Add(d).Format(time.RFC3339Nano)
}

// serveDetail answers the project 7 detail route with a one-room graph
func (f *fixture) serveDetail(roomName string, roomUpdated time.Duration) {
	f.mux.HandleFunc("GET /api/projects/7", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
			"id":         7,
			"name":       "Flood job",
			"updated_at": ts(0),
			"property":   map[string]any{"id": 70, "project_id": 7, "updated_at": ts(0)},
			"locations":  []any{map[string]any{"id": 71, "property_id": 70, "updated_at": ts(0)}},
			"rooms": []any{map[string]any{
				"id":          72,
				"location_id": 71,
				"name":        roomName,
				"updated_at":  ts(roomUpdated),
			}},
		}})
	})
}

func (f *fixture) serveEmptyContent() {
	f.mux.HandleFunc("GET /api/projects/{id}/{collection}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, page())
	})
}

func (f *fixture) record(t *testing.T, entityType db.EntityType, remoteID int64) *db.Record {
	t.Helper()
	rec, err := f.db.GetRecordByRemoteID(context.Background(), entityType, remoteID)
	require.NoError(t, err)
	return rec
}

func (f *fixture) checkpoint(t *testing.T, key string) (time.Time, bool) {
	t.Helper()
	at, ok, err := f.repo.Checkpoints().Get(context.Background(), key)
	require.NoError(t, err)
	return at, ok
}

// syncedRoom stores a clean room 72 last synced at t0
func (f *fixture) syncedRoom(t *testing.T) *db.Record {
	t.Helper()
	rec := testutil.MakeRecord(db.EntityRoom, 72, 7, map[string]any{"id": float64(72), "name": "Kitchen"}, t0)
	rec.ParentRemoteID = testutil.Int64(71)
	return testutil.InsertRecord(t, f.db, rec)
}

// =============================================================================
// Project Graph Tests
// =============================================================================

func TestPullEntityGraph_EssentialsIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.serveDetail("Kitchen", 0)
	ctx := context.Background()

	_, err := f.repo.PullEntityGraph(ctx, 7, ModeEssentialsOnly)
	require.NoError(t, err)

	first, err := f.db.ListRecords(ctx, db.RecordFilter{})
	require.NoError(t, err)
	require.Len(t, first, 4)

	_, err = f.repo.PullEntityGraph(ctx, 7, ModeEssentialsOnly)
	require.NoError(t, err)

	second, err := f.db.ListRecords(ctx, db.RecordFilter{})
	require.NoError(t, err)
	require.Len(t, second, 4, "no duplicate rows")

	for i := range first {
		assert.Equal(t, first[i].LocalID, second[i].LocalID)
		assert.Equal(t, first[i].UUID, second[i].UUID)
		assert.Equal(t, first[i].Fields, second[i].Fields)
		assert.Equal(t, db.StatusSynced, second[i].SyncStatus)
	}

	room := f.record(t, db.EntityRoom, 72)
	assert.Equal(t, int64(7), *room.ProjectRemoteID)
	assert.Equal(t, int64(71), *room.ParentRemoteID)
	assert.Equal(t, 2, room.SyncVersion)

	location := f.record(t, db.EntityLocation, 71)
	assert.Equal(t, int64(70), *location.ParentRemoteID)
}

func TestPullEntityGraph_DirtyRecordNewerRemoteConflicts(t *testing.T) {
	f := newFixture(t)
	f.serveDetail("Kitchen (server)", 20*time.Minute)
	ctx := context.Background()

	rec := f.syncedRoom(t)
	rec.Fields["name"] = "Kitchen (local)"
	rec.IsDirty = true
	rec.SyncStatus = db.StatusPending
	require.NoError(t, f.db.UpdateRecord(ctx, rec))

	result, err := f.repo.PullEntityGraph(ctx, 7, ModeEssentialsOnly)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Conflicts())

	stored := f.record(t, db.EntityRoom, 72)
	assert.Equal(t, "Kitchen (local)", stored.Fields["name"], "local fields unchanged")
	assert.True(t, stored.IsDirty)
	assert.Equal(t, db.StatusConflict, stored.SyncStatus)

	c, err := f.db.GetOpenConflictForEntity(ctx, rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, db.ConflictPull, c.ConflictType)
	assert.Equal(t, []string{"location_id", "name"}, c.ChangedFields)
	assert.Equal(t, int32(1), f.conflicts.Load())
}

func TestPullEntityGraph_DirtyRecordOlderRemoteIsKept(t *testing.T) {
	f := newFixture(t)
	f.serveDetail("Kitchen (server)", -time.Hour)
	ctx := context.Background()

	rec := f.syncedRoom(t)
	rec.Fields["name"] = "Kitchen (local)"
	rec.IsDirty = true
	rec.SyncStatus = db.StatusPending
	require.NoError(t, f.db.UpdateRecord(ctx, rec))

	result, err := f.repo.PullEntityGraph(ctx, 7, ModeEssentialsOnly)
	require.NoError(t, err)
	assert.Zero(t, result.Conflicts())

	stored := f.record(t, db.EntityRoom, 72)
	assert.Equal(t, "Kitchen (local)", stored.Fields["name"])
	assert.Equal(t, db.StatusPending, stored.SyncStatus)

	_, err = f.db.GetOpenConflictForEntity(ctx, rec.LocalID)
	assert.ErrorIs(t, err, db.ErrNotFound)
	assert.Zero(t, f.conflicts.Load())
}

func TestPullEntityGraph_MetadataSkipsRooms(t *testing.T) {
	f := newFixture(t)
	f.serveDetail("Kitchen", 0)

	_, err := f.repo.PullEntityGraph(context.Background(), 7, ModeMetadataOnly)
	require.NoError(t, err)

	counts, err := f.db.CountRecords(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts[db.EntityProject])
	assert.Equal(t, 1, counts[db.EntityProperty])
	assert.Zero(t, counts[db.EntityRoom])
}

func TestPullEntityGraph_FullPullsContentAndPhotos(t *testing.T) {
	f := newFixture(t)
	f.serveDetail("Kitchen", 0)
	f.mux.HandleFunc("GET /api/projects/{id}/{collection}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("collection") == "notes" {
			writeJSON(w, http.StatusOK, page(map[string]any{"id": 80, "room_id": 72, "body": "wet drywall"}))
			return
		}
		writeJSON(w, http.StatusOK, page())
	})
	f.mux.HandleFunc("GET /api/rooms/72/photos", func(w http.ResponseWriter, r *http.Request) {
		n, _ := strconv.Atoi(r.URL.Query().Get("page"))
		writeJSON(w, http.StatusOK, map[string]any{
			"data": []any{map[string]any{"id": 900 + n}},
			"meta": map[string]any{"current_page": n, "last_page": 2},
		})
	})
	ctx := context.Background()

	result, err := f.repo.PullEntityGraph(ctx, 7, ModeFull)
	require.NoError(t, err)
	assert.True(t, result.Succeeded())

	note := f.record(t, db.EntityNote, 80)
	assert.Equal(t, int64(72), *note.ParentRemoteID)
	assert.Equal(t, int64(7), *note.ProjectRemoteID)

	photos, err := f.db.ListRecords(ctx, db.RecordFilter{EntityType: db.EntityPhoto})
	require.NoError(t, err)
	require.Len(t, photos, 2)
	for _, p := range photos {
		assert.Equal(t, int64(72), *p.ParentRemoteID)
	}

	roomAt, ok := f.checkpoint(t, checkpoint.RoomPhotosKey(72))
	require.True(t, ok)
	assert.True(t, roomAt.Equal(f.clock.Now()))

	_, ok = f.checkpoint(t, checkpoint.ProjectGraphKey(7))
	assert.True(t, ok, "full pass advances the graph checkpoint")
}

func TestPullEntityGraph_PhotoPageFailureHoldsCheckpoint(t *testing.T) {
	f := newFixture(t)
	f.serveDetail("Kitchen", 0)
	f.serveEmptyContent()
	f.mux.HandleFunc("GET /api/rooms/72/photos", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "boom"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"data": []any{map[string]any{"id": 901}},
			"meta": map[string]any{"current_page": 1, "last_page": 2},
		})
	})
	ctx := context.Background()

	result, err := f.repo.PullEntityGraph(ctx, 7, ModeFull)
	require.Error(t, err)
	assert.False(t, result.Succeeded())

	_ = f.record(t, db.EntityPhoto, 901)

	_, ok := f.checkpoint(t, checkpoint.RoomPhotosKey(72))
	assert.False(t, ok, "room checkpoint waits for every page")
	_, ok = f.checkpoint(t, checkpoint.ProjectGraphKey(7))
	assert.False(t, ok)
}

func TestPullEntityGraph_UnknownMode(t *testing.T) {
	f := newFixture(t)
	_, err := f.repo.PullEntityGraph(context.Background(), 7, Mode("EVERYTHING"))
	assert.Error(t, err)
}

// =============================================================================
// Project Listing Tests
// =============================================================================

func (f *fixture) serveListings() {
	f.mux.HandleFunc("GET /api/companies/9/projects", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("assigned_to_me") == "1" {
			writeJSON(w, http.StatusOK, page(map[string]any{"id": 7, "name": "Flood job"}))
			return
		}
		writeJSON(w, http.StatusOK, page(
			map[string]any{"id": 8, "name": "Mold job"},
			map[string]any{"id": 7, "name": "Flood job"},
		))
	})
}

func TestPullAll_ReturnsAssignedFirst(t *testing.T) {
	f := newFixture(t)
	f.serveListings()

	ids, err := f.repo.PullAll(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 8}, ids)

	_, ok := f.checkpoint(t, checkpoint.CompanyProjectsKey(9, true))
	assert.True(t, ok)
	_, ok = f.checkpoint(t, checkpoint.CompanyProjectsKey(9, false))
	assert.True(t, ok)
}

func TestPullAll_SkipsRecentlySyncedUnlessForced(t *testing.T) {
	f := newFixture(t)
	f.serveListings()
	f.mux.HandleFunc("GET /api/users/me", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"id": 5, "company_id": 9}})
	})
	ctx := context.Background()

	require.NoError(t, f.repo.Checkpoints().Set(ctx, checkpoint.ProjectGraphKey(7), f.clock.Now().Add(-time.Minute)))

	ids, err := f.repo.PullAll(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []int64{8}, ids)

	ids, err = f.repo.PullAll(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 8}, ids)
}

func TestPullAll_MissingCompanyIsFatal(t *testing.T) {
	f := newFixture(t)
	f.mux.HandleFunc("GET /api/users/me", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "expired"})
	})
	f.repo.auth = NewCachedAuth(f.client, &remote.Identity{UserID: 5}, f.logger.Logger())

	_, err := f.repo.PullAll(context.Background(), false)
	assert.ErrorIs(t, err, ErrMissingContext)
}

// =============================================================================
// Deleted Records Tests
// =============================================================================

func TestPullDeletedRecords_TombstonesCleanKeepsDirty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	room := f.syncedRoom(t)
	note := testutil.MakeRecord(db.EntityNote, 80, 7, map[string]any{"body": "local edit"}, t0)
	note.IsDirty = true
	testutil.InsertRecord(t, f.db, note)

	var since string
	f.mux.HandleFunc("GET /api/sync/deleted", func(w http.ResponseWriter, r *http.Request) {
		since = r.URL.Query().Get("since")
		w.Header().Set("Date", "Tue, 10 Feb 2026 12:30:00 GMT")
		writeJSON(w, http.StatusOK, map[string]any{"rooms": []int64{72}, "notes": []int64{80}})
	})

	n, err := f.repo.PullDeletedRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, remote.FormatTime(f.clock.Now().Add(-30*24*time.Hour)), since)

	stored, err := f.db.GetRecord(ctx, room.LocalID)
	require.NoError(t, err)
	assert.True(t, stored.IsDeleted)

	stored, err = f.db.GetRecord(ctx, note.LocalID)
	require.NoError(t, err)
	assert.False(t, stored.IsDeleted, "dirty record survives")

	serverDate := time.Date(2026, 2, 10, 12, 30, 0, 0, time.UTC)
	at, ok := f.checkpoint(t, checkpoint.KeyDeletedRecords)
	require.True(t, ok)
	assert.True(t, at.Equal(serverDate))
	at, ok = f.checkpoint(t, checkpoint.KeyDeletedServerDate)
	require.True(t, ok)
	assert.True(t, at.Equal(serverDate))
}

func TestPullDeletedRecords_ClampsFutureCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.repo.Checkpoints().Set(ctx, checkpoint.KeyDeletedRecords, f.clock.Now().Add(24*time.Hour)))

	var since string
	f.mux.HandleFunc("GET /api/sync/deleted", func(w http.ResponseWriter, r *http.Request) {
		since = r.URL.Query().Get("since")
		w.Header()["Date"] = nil
		writeJSON(w, http.StatusOK, map[string]any{})
	})

	_, err := f.repo.PullDeletedRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1970-01-01T00:00:00+00:00", since)

	at, ok := f.checkpoint(t, checkpoint.KeyDeletedRecords)
	require.True(t, ok)
	assert.True(t, at.Equal(time.Unix(0, 0)), "no server date means no advance past the clamp")

	_, found := f.logger.Find("no server date")
	assert.True(t, found)
}

// =============================================================================
// Push Tests
// =============================================================================

func (f *fixture) change(t *testing.T, c LocalChange) *db.Record {
	t.Helper()
	rec, err := f.repo.RecordLocalChange(context.Background(), c)
	require.NoError(t, err)
	return rec
}

func (f *fixture) ops(t *testing.T, entityID int64) []*db.OutboundOperation {
	t.Helper()
	ops, err := f.db.ListOperationsForEntity(context.Background(), entityID)
	require.NoError(t, err)
	return ops
}

func TestPushPending_CreateProject(t *testing.T) {
	f := newFixture(t)
	f.mux.HandleFunc("POST /api/projects", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "New job", body["name"])
		assert.NotEmpty(t, body["uuid"])
		writeJSON(w, http.StatusCreated, map[string]any{"data": map[string]any{
			"id": 900, "name": "New job", "updated_at": ts(time.Hour),
		}})
	})

	rec := f.change(t, LocalChange{
		EntityType: db.EntityProject,
		Fields:     map[string]any{"name": "New job"},
		OpType:     db.OpCreate,
	})
	assert.Equal(t, int32(1), f.changes.Load())

	result, err := f.repo.PushPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Pushed)
	assert.Equal(t, []int64{900}, result.CreatedProjects)

	stored, err := f.db.GetRecord(context.Background(), rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, int64(900), *stored.RemoteID)
	assert.False(t, stored.IsDirty)
	assert.Equal(t, db.StatusSynced, stored.SyncStatus)
	assert.Empty(t, f.ops(t, rec.LocalID))
	assert.Equal(t, []stats.Outcome{stats.OutcomeSuccess}, f.recorder.outcomes())
}

func TestPushPending_ChildWaitsForParentThenUsesItsID(t *testing.T) {
	f := newFixture(t)
	var roomBody map[string]any
	f.mux.HandleFunc("POST /api/locations", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]any{"data": map[string]any{"id": 500}})
	})
	f.mux.HandleFunc("POST /api/rooms", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&roomBody))
		writeJSON(w, http.StatusCreated, map[string]any{"data": map[string]any{"id": 501}})
	})

	location := f.change(t, LocalChange{
		EntityType:      db.EntityLocation,
		Fields:          map[string]any{"name": "Basement"},
		OpType:          db.OpCreate,
		ProjectRemoteID: testutil.Int64(7),
		ParentRemoteID:  testutil.Int64(70),
	})
	f.change(t, LocalChange{
		EntityType:      db.EntityRoom,
		Fields:          map[string]any{"name": "Laundry"},
		OpType:          db.OpCreate,
		ProjectRemoteID: testutil.Int64(7),
		ParentUUID:      location.UUID,
	})

	result, err := f.repo.PushPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Pushed)
	require.NotNil(t, roomBody)
	assert.Equal(t, float64(500), roomBody["location_id"])
	assert.NotContains(t, roomBody, parentUUIDField)
}

func TestPushPending_SkipsCreateWithUnpushedParent(t *testing.T) {
	f := newFixture(t)
	parent := &db.Record{
		EntityType: db.EntityLocation,
		UUID:       "loc-uuid",
		Fields:     map[string]any{},
		SyncStatus: db.StatusPending,
		IsDirty:    true,
		CreatedAt:  t0,
		UpdatedAt:  t0,
	}
	testutil.InsertRecord(t, f.db, parent)

	room := f.change(t, LocalChange{
		EntityType: db.EntityRoom,
		Fields:     map[string]any{"name": "Laundry"},
		OpType:     db.OpCreate,
		ParentUUID: "loc-uuid",
	})

	result, err := f.repo.PushPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)

	ops := f.ops(t, room.LocalID)
	require.Len(t, ops, 1)
	assert.Equal(t, db.StatusPending, ops[0].Status)
	assert.Zero(t, ops[0].RetryCount)
	assert.Equal(t, []stats.Outcome{stats.OutcomeSkip}, f.recorder.outcomes())
}

func TestPushPending_ConflictAfterSecond409(t *testing.T) {
	f := newFixture(t)
	rec := f.syncedRoom(t)

	var bodies []map[string]any
	f.mux.HandleFunc("PUT /api/rooms/72", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies = append(bodies, body)
		writeJSON(w, http.StatusConflict, map[string]any{"message": "stale"})
	})
	f.mux.HandleFunc("GET /api/rooms/72/timestamp", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"updated_at": "2026-02-10T12:30:00Z"})
	})
	f.mux.HandleFunc("GET /api/rooms/72", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
			"id": 72, "name": "Kitchen (server)", "updated_at": "2026-02-10T12:30:00Z",
		}})
	})

	f.change(t, LocalChange{
		EntityType: db.EntityRoom,
		LocalID:    rec.LocalID,
		Fields:     map[string]any{"name": "Kitchen (local)"},
		OpType:     db.OpUpdate,
	})

	result, err := f.repo.PushPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Conflicts)

	require.Len(t, bodies, 2, "one retry with a fresh timestamp")
	assert.Equal(t, "2026-02-10T12:00:00+00:00", bodies[0]["updated_at"])
	assert.Equal(t, "2026-02-10T12:30:00+00:00", bodies[1]["updated_at"])

	ops := f.ops(t, rec.LocalID)
	require.Len(t, ops, 1)
	assert.Equal(t, db.StatusConflict, ops[0].Status)

	c, err := f.db.GetOpenConflictForEntity(context.Background(), rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, db.ConflictUpdate, c.ConflictType)
	assert.Equal(t, "Kitchen (server)", c.RemoteSnapshot["name"])

	stored, err := f.db.GetRecord(context.Background(), rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusConflict, stored.SyncStatus)
	assert.Equal(t, "Kitchen (local)", stored.Fields["name"])
	assert.Equal(t, []stats.Outcome{stats.OutcomeConflictPending}, f.recorder.outcomes())
	assert.Equal(t, int32(1), f.conflicts.Load())
}

func TestPushPending_TransientBacksOffThenFails(t *testing.T) {
	f := newFixture(t)
	f.repo.config.MaxRetries = 2
	rec := f.syncedRoom(t)

	var calls atomic.Int32
	f.mux.HandleFunc("PUT /api/rooms/72", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"message": "down"})
	})
	f.change(t, LocalChange{
		EntityType: db.EntityRoom,
		LocalID:    rec.LocalID,
		Fields:     map[string]any{"name": "Kitchen 2"},
		OpType:     db.OpUpdate,
	})
	ctx := context.Background()

	_, err := f.repo.PushPending(ctx)
	require.NoError(t, err)
	ops := f.ops(t, rec.LocalID)
	require.Len(t, ops, 1)
	assert.Equal(t, db.StatusPending, ops[0].Status)
	assert.Equal(t, 1, ops[0].RetryCount)
	require.NotNil(t, ops[0].ScheduledAt)
	assert.True(t, ops[0].ScheduledAt.Equal(f.clock.Now().Add(10*time.Second)))

	_, err = f.repo.PushPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "not due yet")

	f.clock.Advance(10 * time.Second)
	_, err = f.repo.PushPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	ops = f.ops(t, rec.LocalID)
	require.Len(t, ops, 1)
	assert.Equal(t, db.StatusFailed, ops[0].Status)
	require.NotNil(t, ops[0].ErrorMessage)

	reset, err := f.repo.ResetFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reset)
	ops = f.ops(t, rec.LocalID)
	assert.Equal(t, db.StatusPending, ops[0].Status)
	assert.Zero(t, ops[0].RetryCount)
}

func TestPushPending_CancelledRequestRequeues(t *testing.T) {
	f := newFixture(t)
	rec := f.syncedRoom(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	f.mux.HandleFunc("PUT /api/rooms/72", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			cancel()
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
			"id": 72, "name": "Kitchen 2", "updated_at": ts(2 * time.Hour),
		}})
	})
	f.change(t, LocalChange{EntityType: db.EntityRoom, LocalID: rec.LocalID, Fields: map[string]any{"name": "Kitchen 2"}, OpType: db.OpUpdate})

	_, err := f.repo.PushPending(ctx)
	require.ErrorIs(t, err, context.Canceled)

	ops := f.ops(t, rec.LocalID)
	require.Len(t, ops, 1)
	assert.Equal(t, db.StatusPending, ops[0].Status)
	assert.Zero(t, ops[0].RetryCount)

	due, err := f.repo.HasDuePending(context.Background())
	require.NoError(t, err)
	assert.True(t, due)

	result, err := f.repo.PushPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Pushed)
	assert.Equal(t, int32(2), calls.Load())
	assert.Empty(t, f.ops(t, rec.LocalID))
}

func TestRecoverInFlight_ReturnsSyncingToPending(t *testing.T) {
	f := newFixture(t)
	rec := f.syncedRoom(t)
	ctx := context.Background()
	f.change(t, LocalChange{EntityType: db.EntityRoom, LocalID: rec.LocalID, Fields: map[string]any{"name": "Kitchen 2"}, OpType: db.OpUpdate})

	// An interrupted pass leaves the operation marked in flight
	ops := f.ops(t, rec.LocalID)
	require.Len(t, ops, 1)
	ops[0].Status = db.StatusSyncing
	require.NoError(t, f.db.UpdateOperation(ctx, ops[0]))

	var calls atomic.Int32
	f.mux.HandleFunc("PUT /api/rooms/72", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
			"id": 72, "name": "Kitchen 2", "updated_at": ts(2 * time.Hour),
		}})
	})

	_, err := f.repo.PushPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, calls.Load(), "in-flight operations are not pushed")

	n, err := f.repo.RecoverInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	result, err := f.repo.PushPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Pushed)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPushPending_ValidationFails(t *testing.T) {
	f := newFixture(t)
	rec := f.syncedRoom(t)
	f.mux.HandleFunc("PUT /api/rooms/72", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"message": "name too long"})
	})
	f.change(t, LocalChange{EntityType: db.EntityRoom, LocalID: rec.LocalID, Fields: map[string]any{"name": "x"}, OpType: db.OpUpdate})

	result, err := f.repo.PushPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	ops := f.ops(t, rec.LocalID)
	require.Len(t, ops, 1)
	assert.Equal(t, db.StatusFailed, ops[0].Status)
	assert.Contains(t, *ops[0].ErrorMessage, "422")
}

func TestPushPending_UpdateMissingOnServerDrops(t *testing.T) {
	f := newFixture(t)
	rec := f.syncedRoom(t)
	f.mux.HandleFunc("PUT /api/rooms/72", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusGone, map[string]any{})
	})
	f.change(t, LocalChange{EntityType: db.EntityRoom, LocalID: rec.LocalID, Fields: map[string]any{"name": "x"}, OpType: db.OpUpdate})

	result, err := f.repo.PushPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Dropped)
	assert.Empty(t, f.ops(t, rec.LocalID))

	stored, err := f.db.GetRecord(context.Background(), rec.LocalID)
	require.NoError(t, err)
	assert.True(t, stored.IsDeleted)
	assert.False(t, stored.IsDirty)
	assert.Equal(t, []stats.Outcome{stats.OutcomeDrop}, f.recorder.outcomes())
}

func TestPushPending_DeleteMissingOnServerSucceeds(t *testing.T) {
	f := newFixture(t)
	rec := f.syncedRoom(t)
	f.mux.HandleFunc("DELETE /api/rooms/72", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{})
	})
	f.change(t, LocalChange{EntityType: db.EntityRoom, LocalID: rec.LocalID, OpType: db.OpDelete})

	result, err := f.repo.PushPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Pushed)

	stored, err := f.db.GetRecord(context.Background(), rec.LocalID)
	require.NoError(t, err)
	assert.True(t, stored.IsDeleted)
	assert.False(t, stored.IsDirty)
}

func TestPushPending_UnauthorizedAborts(t *testing.T) {
	f := newFixture(t)
	rec := f.syncedRoom(t)
	f.mux.HandleFunc("PUT /api/rooms/72", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]any{})
	})
	f.change(t, LocalChange{EntityType: db.EntityRoom, LocalID: rec.LocalID, Fields: map[string]any{"name": "x"}, OpType: db.OpUpdate})

	_, err := f.repo.PushPending(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, remote.ErrUnauthorized))

	ops := f.ops(t, rec.LocalID)
	require.Len(t, ops, 1)
	assert.Equal(t, db.StatusPending, ops[0].Status)
}

func TestPushPending_OfflineIsNoop(t *testing.T) {
	f := newFixture(t)
	f.offline.Store(true)
	rec := f.syncedRoom(t)
	f.change(t, LocalChange{EntityType: db.EntityRoom, LocalID: rec.LocalID, Fields: map[string]any{"name": "x"}, OpType: db.OpUpdate})

	result, err := f.repo.PushPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Pushed)
	assert.Len(t, f.ops(t, rec.LocalID), 1)
}

// =============================================================================
// Local Change Tests
// =============================================================================

func TestRecordLocalChange_UpdatesCoalesce(t *testing.T) {
	f := newFixture(t)
	rec := f.change(t, LocalChange{
		EntityType: db.EntityNote,
		Fields:     map[string]any{"body": "first"},
		OpType:     db.OpCreate,
		ParentUUID: "room-uuid",
	})
	f.change(t, LocalChange{EntityType: db.EntityNote, LocalID: rec.LocalID, Fields: map[string]any{"body": "second"}, OpType: db.OpUpdate})

	ops := f.ops(t, rec.LocalID)
	require.Len(t, ops, 1)
	assert.Equal(t, db.OpCreate, ops[0].OperationType)
	assert.Equal(t, db.PushPriority(db.EntityNote), ops[0].Priority)

	payload, err := decodePayload(ops[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "second", payload["body"])
	assert.Equal(t, "room-uuid", payload[parentUUIDField])
	assert.Equal(t, int32(2), f.changes.Load())
}

func TestRecordLocalChange_DeleteNeverPushedDiscards(t *testing.T) {
	f := newFixture(t)
	rec := f.change(t, LocalChange{EntityType: db.EntityNote, Fields: map[string]any{"body": "oops"}, OpType: db.OpCreate})
	f.change(t, LocalChange{EntityType: db.EntityNote, LocalID: rec.LocalID, OpType: db.OpDelete})

	assert.Empty(t, f.ops(t, rec.LocalID))
	stored, err := f.db.GetRecord(context.Background(), rec.LocalID)
	require.NoError(t, err)
	assert.True(t, stored.IsDeleted)
	assert.False(t, stored.IsDirty)
}

func TestRecordLocalChange_DeleteReplacesQueuedUpdate(t *testing.T) {
	f := newFixture(t)
	rec := f.syncedRoom(t)
	f.change(t, LocalChange{EntityType: db.EntityRoom, LocalID: rec.LocalID, Fields: map[string]any{"name": "x"}, OpType: db.OpUpdate})
	f.change(t, LocalChange{EntityType: db.EntityRoom, LocalID: rec.LocalID, OpType: db.OpDelete})

	ops := f.ops(t, rec.LocalID)
	require.Len(t, ops, 1)
	assert.Equal(t, db.OpDelete, ops[0].OperationType)
}

// =============================================================================
// Config Tests
// =============================================================================

func TestConfig_RetryDelayDoublesAndCaps(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 10*time.Second, cfg.retryDelay(0))
	assert.Equal(t, 20*time.Second, cfg.retryDelay(1))
	assert.Equal(t, 80*time.Second, cfg.retryDelay(3))
	assert.Equal(t, 30*time.Minute, cfg.retryDelay(12))
	assert.Equal(t, 30*time.Minute, cfg.retryDelay(64))
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	assert.ErrorContains(t, cfg.Validate(), "reconcile max_retries must be positive")

	cfg = DefaultConfig()
	cfg.RetryMaxDelay = time.Second
	assert.Error(t, cfg.Validate())
}
