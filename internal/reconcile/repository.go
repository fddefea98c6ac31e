// Package reconcile moves data between the local store and the backend:
// it pulls remote entity graphs onto local records without losing unpushed
// edits, and pushes queued local mutations.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/livinlefevreloca/fieldsync/internal/checkpoint"
	"github.com/livinlefevreloca/fieldsync/internal/conflict"
	"github.com/livinlefevreloca/fieldsync/internal/db"
	"github.com/livinlefevreloca/fieldsync/internal/remote"
	"github.com/livinlefevreloca/fieldsync/internal/stats"
)

// Remote is the backend surface the repository uses; *remote.Client
// satisfies it.
type Remote interface {
	ListCompanyProjects(ctx context.Context, companyID int64, assignedOnly bool, page int, updatedSince *time.Time) (*remote.Page, error)
	GetProjectDetail(ctx context.Context, projectID int64) (*remote.ProjectDetail, error)
	ListProjectCollection(ctx context.Context, projectID int64, collection string, page int, updatedSince *time.Time) (*remote.Page, error)
	ListRoomPhotos(ctx context.Context, roomID int64, page int, updatedSince *time.Time) (*remote.Page, error)
	GetDeletedRecords(ctx context.Context, since time.Time) (*remote.DeletedRecords, error)
	Create(ctx context.Context, collection string, body map[string]any) (remote.Item, error)
	Update(ctx context.Context, collection string, id int64, body map[string]any) (remote.Item, error)
	Delete(ctx context.Context, collection string, id int64) error
	Get(ctx context.Context, collection string, id int64) (remote.Item, error)
	FetchTimestamp(ctx context.Context, collection string, id int64) (time.Time, error)
}

// OperationRecorder receives one result per pushed operation;
// *stats.Recorder satisfies it.
type OperationRecorder interface {
	RecordOperationResult(entityType, operationType string, outcome stats.Outcome, duration time.Duration)
}

// Mode selects which segments of a project graph a pull fetches
type Mode string

const (
	ModeFull           Mode = "FULL"
	ModeEssentialsOnly Mode = "ESSENTIALS_ONLY"
	ModeContentOnly    Mode = "CONTENT_ONLY"
	ModePhotosOnly     Mode = "PHOTOS_ONLY"
	ModeMetadataOnly   Mode = "METADATA_ONLY"
)

// Valid reports whether m is a known mode
func (m Mode) Valid() bool {
	switch m {
	case ModeFull, ModeEssentialsOnly, ModeContentOnly, ModePhotosOnly, ModeMetadataOnly:
		return true
	}
	return false
}

// PrefetchesPhotos reports whether a successful pull in this mode is
// followed by a photo prefetch
func (m Mode) PrefetchesPhotos() bool {
	return m == ModeFull || m == ModeContentOnly || m == ModePhotosOnly
}

// parentKeys names the field holding each entity type's parent server id
var parentKeys = map[db.EntityType]string{
	db.EntityProperty:        "project_id",
	db.EntityLocation:        "property_id",
	db.EntityRoom:            "location_id",
	db.EntityNote:            "room_id",
	db.EntityPhoto:           "room_id",
	db.EntityEquipment:       "room_id",
	db.EntityDamageMaterial:  "room_id",
	db.EntityAtmosphericLog:  "room_id",
	db.EntityWorkScopeAction: "room_id",
}

// parentUUIDField links a locally created record to a parent that may not
// have a server id yet. It is never sent to the backend.
const parentUUIDField = "parent_uuid"

// Repository reconciles local records with the backend
type Repository struct {
	db          *db.DB
	remote      Remote
	auth        Auth
	photos      PhotoCache
	detector    *conflict.Detector
	checkpoints *checkpoint.Store
	recorder    OperationRecorder
	config      Config
	logger      *slog.Logger
	now         func() time.Time

	online        func() bool
	onConflicts   func(ctx context.Context)
	onLocalChange func()
}

// Options carries the optional collaborators of a Repository
type Options struct {
	Photos   PhotoCache
	Recorder OperationRecorder
	Now      func() time.Time

	// Online gates identity refresh; nil means always online
	Online func() bool

	// OnConflicts runs after a pass that detected conflicts
	OnConflicts func(ctx context.Context)

	// OnLocalChange runs after RecordLocalChange commits
	OnLocalChange func()
}

// New creates a repository
func New(database *db.DB, rem Remote, auth Auth, config Config, logger *slog.Logger, opts Options) *Repository {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	online := opts.Online
	if online == nil {
		online = func() bool { return true }
	}
	photos := opts.Photos
	if photos == nil {
		photos = LogPhotoCache{Logger: logger}
	}

	return &Repository{
		db:            database,
		remote:        rem,
		auth:          auth,
		photos:        photos,
		detector:      conflict.NewDetector(logger, now),
		checkpoints:   checkpoint.NewStore(database, logger, now),
		recorder:      opts.Recorder,
		config:        config,
		logger:        logger,
		now:           now,
		online:        online,
		onConflicts:   opts.OnConflicts,
		onLocalChange: opts.OnLocalChange,
	}
}

// SetOnLocalChange replaces the hook run after local mutations commit
func (r *Repository) SetOnLocalChange(fn func()) { r.onLocalChange = fn }

// Checkpoints exposes the checkpoint store
func (r *Repository) Checkpoints() *checkpoint.Store { return r.checkpoints }

// EnsureContext loads the identity and refreshes it from the backend when
// no user is known and the network is up
func (r *Repository) EnsureContext(ctx context.Context) error {
	if err := r.auth.EnsureContext(ctx); err != nil {
		return fmt.Errorf("ensure context: %w", err)
	}

	id, ok := r.auth.Identity()
	if (ok && id.UserID != 0) || !r.online() {
		return nil
	}
	if _, err := r.auth.RefreshContext(ctx); err != nil {
		return err
	}
	return nil
}

// --- Merge ---

// mergeStats counts what a merge did to each incoming item
type mergeStats struct {
	Inserted   int
	Updated    int
	Conflicted int
	Kept       int
	Skipped    int
}

func (m *mergeStats) add(o mergeStats) {
	m.Inserted += o.Inserted
	m.Updated += o.Updated
	m.Conflicted += o.Conflicted
	m.Kept += o.Kept
	m.Skipped += o.Skipped
}

// Total counts items written or routed to conflict
func (m mergeStats) Total() int {
	return m.Inserted + m.Updated + m.Conflicted
}

// placement is where a merged item sits in its project graph
type placement struct {
	projectID *int64
	parentID  *int64
}

// mergeItems applies the merge rule to each item inside tx
func (r *Repository) mergeItems(ctx context.Context, tx *db.Tx, entityType db.EntityType, items []remote.Item, at placement) (mergeStats, error) {
	var ms mergeStats
	for _, item := range items {
		if err := r.mergeItem(ctx, tx, entityType, item, at, &ms); err != nil {
			return ms, err
		}
	}
	return ms, nil
}

// mergeItem maps one remote item onto its local record:
// a new item is inserted SYNCED, a clean record is overwritten, and a dirty
// record is never overwritten. A dirty record whose remote copy changed
// since the last sync becomes a conflict.
func (r *Repository) mergeItem(ctx context.Context, tx *db.Tx, entityType db.EntityType, item remote.Item, at placement, ms *mergeStats) error {
	remoteID, ok := item.ID()
	if !ok {
		r.logger.Warn("skipping remote item without id", "entity_type", entityType)
		ms.Skipped++
		return nil
	}

	rec, err := r.findLocal(ctx, tx, entityType, remoteID, item.UUID())
	if err != nil {
		return err
	}

	now := r.now()
	fields := item.Fields()
	var remoteUpdated *time.Time
	if ts, ok := item.UpdatedAt(); ok {
		remoteUpdated = &ts
	}

	projectID := at.projectID
	if entityType == db.EntityProject {
		projectID = &remoteID
	}
	parentID := at.parentID
	if parentID == nil {
		if key, ok := parentKeys[entityType]; ok {
			if v, ok := item.Int64(key); ok {
				parentID = &v
			}
		}
	}

	if rec == nil {
		id := item.UUID()
		if id == "" {
			id = uuid.NewString()
		}
		rec = &db.Record{
			EntityType:      entityType,
			RemoteID:        &remoteID,
			UUID:            id,
			ProjectRemoteID: projectID,
			ParentRemoteID:  parentID,
			Fields:          fields,
			SyncStatus:      db.StatusSynced,
			SyncVersion:     1,
			CreatedAt:       now,
			UpdatedAt:       now,
			LastSyncedAt:    &now,
			ServerUpdatedAt: remoteUpdated,
		}
		if err := tx.InsertRecord(ctx, rec); err != nil {
			return fmt.Errorf("insert %s %d: %w", entityType, remoteID, err)
		}
		ms.Inserted++
		return nil
	}

	if rec.IsDirty {
		if remoteUpdated != nil && (rec.LastSyncedAt == nil || remoteUpdated.After(*rec.LastSyncedAt)) {
			if _, err := r.detector.Detect(ctx, tx, db.ConflictPull, rec, fields, remoteUpdated); err != nil {
				return err
			}
			ms.Conflicted++
			return nil
		}
		ms.Kept++
		return nil
	}

	rec.RemoteID = &remoteID
	rec.Fields = fields
	rec.SyncVersion++
	rec.SyncStatus = db.StatusSynced
	rec.IsDeleted = false
	rec.UpdatedAt = now
	rec.LastSyncedAt = &now
	rec.ServerUpdatedAt = remoteUpdated
	if projectID != nil {
		rec.ProjectRemoteID = projectID
	}
	if parentID != nil {
		rec.ParentRemoteID = parentID
	}
	if err := tx.UpdateRecord(ctx, rec); err != nil {
		return fmt.Errorf("update %s %d: %w", entityType, remoteID, err)
	}
	ms.Updated++
	return nil
}

// findLocal looks a record up by server id, then by uuid for records
// created locally whose create response was lost
func (r *Repository) findLocal(ctx context.Context, tx *db.Tx, entityType db.EntityType, remoteID int64, id string) (*db.Record, error) {
	rec, err := tx.GetRecordByRemoteID(ctx, entityType, remoteID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("lookup %s %d: %w", entityType, remoteID, err)
	}
	if id == "" {
		return nil, nil
	}

	rec, err = tx.GetRecordByUUID(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s uuid %s: %w", entityType, id, err)
	}
	if rec.EntityType != entityType {
		return nil, nil
	}
	return rec, nil
}

func (r *Repository) notifyConflicts(ctx context.Context, n int) {
	if n > 0 && r.onConflicts != nil {
		r.onConflicts(ctx)
	}
}
