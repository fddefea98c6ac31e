package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/livinlefevreloca/fieldsync/internal/checkpoint"
	"github.com/livinlefevreloca/fieldsync/internal/db"
	"github.com/livinlefevreloca/fieldsync/internal/remote"
)

// Segment names used in GraphResult
const (
	SegmentEssentials = "essentials"
	SegmentMetadata   = "metadata"
	SegmentRoomPhotos = "room_photos"
)

// contentTypes are the project-level collections pulled by a content pass
var contentTypes = []db.EntityType{
	db.EntityNote,
	db.EntityEquipment,
	db.EntityDamageMaterial,
	db.EntityAtmosphericLog,
	db.EntityWorkScopeAction,
}

// SegmentResult is the outcome of one segment of a graph pull
type SegmentResult struct {
	Segment   string
	Items     int
	Conflicts int
	Err       error
}

// GraphResult summarizes PullEntityGraph
type GraphResult struct {
	ProjectID int64
	Mode      Mode
	Segments  []SegmentResult
}

// Succeeded reports whether every segment completed
func (g *GraphResult) Succeeded() bool {
	for _, s := range g.Segments {
		if s.Err != nil {
			return false
		}
	}
	return true
}

// Err joins the segment failures
func (g *GraphResult) Err() error {
	var errs []error
	for _, s := range g.Segments {
		if s.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Segment, s.Err))
		}
	}
	return errors.Join(errs...)
}

// Conflicts counts the conflicts raised across segments
func (g *GraphResult) Conflicts() int {
	n := 0
	for _, s := range g.Segments {
		n += s.Conflicts
	}
	return n
}

func (g *GraphResult) add(s SegmentResult) {
	g.Segments = append(g.Segments, s)
}

// --- Project listing ---

// PullAll refreshes the company's project listings and returns the
// project ids whose graphs should be pulled, assigned projects first.
// Projects whose graph was pulled within RecentSyncThreshold are left out
// unless force is set.
func (r *Repository) PullAll(ctx context.Context, force bool) ([]int64, error) {
	identity, err := r.resolveCompany(ctx, force)
	if err != nil {
		return nil, err
	}

	var listed []int64
	seen := make(map[int64]bool)
	conflicts := 0

	for _, assigned := range []bool{true, false} {
		ids, n, err := r.pullProjectListing(ctx, identity.CompanyID, assigned, force)
		conflicts += n
		if err != nil {
			r.notifyConflicts(ctx, conflicts)
			return nil, err
		}
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				listed = append(listed, id)
			}
		}
	}
	r.notifyConflicts(ctx, conflicts)

	// Incremental listings only return changed projects, so projects
	// already on the device stay candidates.
	local, err := r.db.ListRecords(ctx, db.RecordFilter{EntityType: db.EntityProject})
	if err != nil {
		return nil, fmt.Errorf("list local projects: %w", err)
	}
	for _, rec := range local {
		if rec.RemoteID != nil && !seen[*rec.RemoteID] {
			seen[*rec.RemoteID] = true
			listed = append(listed, *rec.RemoteID)
		}
	}

	if force {
		return listed, nil
	}

	cutoff := r.now().Add(-r.config.RecentSyncThreshold)
	eligible := make([]int64, 0, len(listed))
	for _, id := range listed {
		last, ok, err := r.checkpoints.Get(ctx, checkpoint.ProjectGraphKey(id))
		if err != nil {
			return nil, err
		}
		if ok && last.After(cutoff) {
			r.logger.Debug("skipping recently synced project",
				"project_id", id,
				"last_synced_at", last,
				"recent_cutoff", cutoff)
			continue
		}
		eligible = append(eligible, id)
	}
	return eligible, nil
}

// resolveCompany returns an identity with a company id, refreshing it from
// the backend when needed
func (r *Repository) resolveCompany(ctx context.Context, force bool) (remote.Identity, error) {
	if force {
		if _, err := r.auth.RefreshContext(ctx); err != nil {
			if errors.Is(err, ErrMissingContext) {
				return remote.Identity{}, err
			}
			r.logger.Warn("identity refresh failed, using cached identity", "error", err)
		}
	} else if err := r.EnsureContext(ctx); err != nil {
		return remote.Identity{}, err
	}

	if id, ok := r.auth.Identity(); ok && id.CompanyID != 0 {
		return id, nil
	}
	if _, err := r.auth.RefreshContext(ctx); err != nil && !errors.Is(err, ErrMissingContext) {
		r.logger.Warn("identity refresh failed", "error", err)
	}
	if id, ok := r.auth.Identity(); ok && id.CompanyID != 0 {
		return id, nil
	}
	return remote.Identity{}, ErrMissingContext
}

// pullProjectListing pulls one company listing page by page and returns
// the project ids it contained
func (r *Repository) pullProjectListing(ctx context.Context, companyID int64, assigned, force bool) ([]int64, int, error) {
	key := checkpoint.CompanyProjectsKey(companyID, assigned)
	since, err := r.since(ctx, key, force)
	if err != nil {
		return nil, 0, err
	}

	started := r.now()
	var ids []int64
	var ms mergeStats

	fetch := func(ctx context.Context, page int) (*remote.Page, error) {
		return r.remote.ListCompanyProjects(ctx, companyID, assigned, page, since)
	}
	flush := func(items []remote.Item) error {
		for _, item := range items {
			if id, ok := item.ID(); ok {
				ids = append(ids, id)
			}
		}
		return r.db.WithTransaction(ctx, func(tx *db.Tx) error {
			page, err := r.mergeItems(ctx, tx, db.EntityProject, items, placement{})
			ms.add(page)
			return err
		})
	}

	if _, err := remote.FetchAllPages(ctx, fetch, flush); err != nil {
		return ids, ms.Conflicted, fmt.Errorf("pull projects for company %d: %w", companyID, err)
	}
	if _, err := r.checkpoints.Advance(ctx, key, started); err != nil {
		return ids, ms.Conflicted, err
	}

	r.logger.Info("project listing pulled",
		"company_id", companyID,
		"assigned_only", assigned,
		"projects", len(ids),
		"inserted", ms.Inserted,
		"updated", ms.Updated,
		"conflicts", ms.Conflicted)
	return ids, ms.Conflicted, nil
}

// since returns the updated_since filter for key, or nil for a full pull
func (r *Repository) since(ctx context.Context, key string, force bool) (*time.Time, error) {
	if force {
		return nil, nil
	}
	at, ok, err := r.checkpoints.Get(ctx, key)
	if err != nil || !ok {
		return nil, err
	}
	return &at, nil
}

// --- Project graph ---

// PullEntityGraph pulls the segments of one project graph selected by
// mode. Segment failures are collected in the result; the returned error
// joins them. A FULL or CONTENT_ONLY pass that succeeds advances the
// project's graph checkpoint.
func (r *Repository) PullEntityGraph(ctx context.Context, projectID int64, mode Mode) (*GraphResult, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("unknown sync mode %q", mode)
	}

	started := r.now()
	result := &GraphResult{ProjectID: projectID, Mode: mode}

	switch mode {
	case ModeEssentialsOnly:
		result.add(r.pullDetail(ctx, projectID, true))
	case ModeMetadataOnly:
		result.add(r.pullDetail(ctx, projectID, false))
	case ModeContentOnly:
		r.pullContent(ctx, projectID, result)
		result.add(r.pullRoomPhotos(ctx, projectID))
	case ModePhotosOnly:
		result.add(r.pullRoomPhotos(ctx, projectID))
	case ModeFull:
		result.add(r.pullDetail(ctx, projectID, true))
		r.pullContent(ctx, projectID, result)
		result.add(r.pullRoomPhotos(ctx, projectID))
	}

	r.notifyConflicts(ctx, result.Conflicts())

	if err := result.Err(); err != nil {
		r.logger.Warn("project graph pull incomplete",
			"project_id", projectID,
			"mode", mode,
			"error", err)
		return result, err
	}

	if mode == ModeFull || mode == ModeContentOnly {
		if _, err := r.checkpoints.Advance(ctx, checkpoint.ProjectGraphKey(projectID), started); err != nil {
			return result, err
		}
	}

	r.logger.Info("project graph pulled",
		"project_id", projectID,
		"mode", mode,
		"segments", len(result.Segments),
		"conflicts", result.Conflicts(),
		"duration_ms", r.now().Sub(started).Milliseconds())
	return result, nil
}

// pullDetail merges the project detail. Metadata passes stop at the
// project and property; essentials also take locations and rooms.
func (r *Repository) pullDetail(ctx context.Context, projectID int64, essentials bool) SegmentResult {
	seg := SegmentResult{Segment: SegmentMetadata}
	if essentials {
		seg.Segment = SegmentEssentials
	}

	detail, err := r.remote.GetProjectDetail(ctx, projectID)
	if err != nil {
		seg.Err = err
		return seg
	}

	at := placement{projectID: &projectID}
	var ms mergeStats
	seg.Err = r.db.WithTransaction(ctx, func(tx *db.Tx) error {
		steps := []mergeStep{
			{db.EntityProject, nonNil(detail.Project), placement{}},
			{db.EntityProperty, nonNil(detail.Property), placement{projectID: &projectID, parentID: &projectID}},
		}
		if essentials {
			steps = append(steps,
				mergeStep{db.EntityLocation, detail.Locations, at},
				mergeStep{db.EntityRoom, detail.Rooms, at},
			)
		}

		for _, s := range steps {
			n, err := r.mergeItems(ctx, tx, s.entityType, s.items, s.at)
			ms.add(n)
			if err != nil {
				return err
			}
		}
		return nil
	})

	seg.Items = ms.Total()
	seg.Conflicts = ms.Conflicted
	return seg
}

type mergeStep struct {
	entityType db.EntityType
	items      []remote.Item
	at         placement
}

func nonNil(item remote.Item) []remote.Item {
	if item == nil {
		return nil
	}
	return []remote.Item{item}
}

// pullContent fetches the project collections in parallel and merges each
// one in its own transaction. Only the fetches run concurrently.
func (r *Repository) pullContent(ctx context.Context, projectID int64, result *GraphResult) {
	since, err := r.since(ctx, checkpoint.ProjectGraphKey(projectID), false)
	if err != nil {
		result.add(SegmentResult{Segment: "content", Err: err})
		return
	}

	fetched := make([][]remote.Item, len(contentTypes))
	fetchErrs := make([]error, len(contentTypes))

	var g errgroup.Group
	g.SetLimit(r.config.ContentConcurrency)
	for i, t := range contentTypes {
		collection := remote.Collection(t)
		g.Go(func() error {
			fetch := func(ctx context.Context, page int) (*remote.Page, error) {
				return r.remote.ListProjectCollection(ctx, projectID, collection, page, since)
			}
			_, fetchErrs[i] = remote.FetchAllPages(ctx, fetch, func(items []remote.Item) error {
				fetched[i] = append(fetched[i], items...)
				return nil
			})
			return nil
		})
	}
	_ = g.Wait()

	at := placement{projectID: &projectID}
	for i, t := range contentTypes {
		seg := SegmentResult{Segment: remote.Collection(t), Err: fetchErrs[i]}
		if seg.Err == nil {
			var ms mergeStats
			seg.Err = r.db.WithTransaction(ctx, func(tx *db.Tx) error {
				var err error
				ms, err = r.mergeItems(ctx, tx, t, fetched[i], at)
				return err
			})
			seg.Items = ms.Total()
			seg.Conflicts = ms.Conflicted
		}
		result.add(seg)
	}
}

// pullRoomPhotos pulls the photos of every room in the project, one
// transaction per page. A room's checkpoint only advances once all of
// its pages are stored.
func (r *Repository) pullRoomPhotos(ctx context.Context, projectID int64) SegmentResult {
	seg := SegmentResult{Segment: SegmentRoomPhotos}

	rooms, err := r.db.ListRecords(ctx, db.RecordFilter{
		EntityType:      db.EntityRoom,
		ProjectRemoteID: &projectID,
	})
	if err != nil {
		seg.Err = fmt.Errorf("list rooms: %w", err)
		return seg
	}

	var errs []error
	for _, room := range rooms {
		if room.RemoteID == nil {
			continue
		}
		roomID := *room.RemoteID
		key := checkpoint.RoomPhotosKey(roomID)

		since, err := r.since(ctx, key, false)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		started := r.now()
		at := placement{projectID: &projectID, parentID: &roomID}
		fetch := func(ctx context.Context, page int) (*remote.Page, error) {
			return r.remote.ListRoomPhotos(ctx, roomID, page, since)
		}
		flush := func(items []remote.Item) error {
			return r.db.WithTransaction(ctx, func(tx *db.Tx) error {
				ms, err := r.mergeItems(ctx, tx, db.EntityPhoto, items, at)
				seg.Items += ms.Total()
				seg.Conflicts += ms.Conflicted
				return err
			})
		}

		if _, err := remote.FetchAllPages(ctx, fetch, flush); err != nil {
			r.logger.Warn("room photo pull failed", "room_id", roomID, "error", err)
			errs = append(errs, fmt.Errorf("room %d: %w", roomID, err))
			continue
		}
		if _, err := r.checkpoints.Advance(ctx, key, started); err != nil {
			errs = append(errs, err)
		}
	}

	seg.Err = errors.Join(errs...)
	return seg
}

// --- Deletions ---

// PullDeletedRecords tombstones local records the backend reports as
// deleted. Dirty records are kept so unpushed edits survive. It returns
// the number of records tombstoned.
func (r *Repository) PullDeletedRecords(ctx context.Context) (int, error) {
	now := r.now()

	since, ok, err := r.checkpoints.Get(ctx, checkpoint.KeyDeletedRecords)
	if err != nil {
		return 0, err
	}
	if !ok {
		since = now.Add(-r.config.DeletedLookback)
	}
	if since.After(now) {
		since, err = r.clampDeletedCheckpoint(ctx, since, now)
		if err != nil {
			return 0, err
		}
	}

	resp, err := r.remote.GetDeletedRecords(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("pull deleted records: %w", err)
	}

	tombstoned, kept := 0, 0
	err = r.db.WithTransaction(ctx, func(tx *db.Tx) error {
		for _, t := range db.EntityTypes {
			for _, id := range resp.ByEntityType()[t] {
				rec, err := tx.GetRecordByRemoteID(ctx, t, id)
				if errors.Is(err, db.ErrNotFound) {
					continue
				}
				if err != nil {
					return fmt.Errorf("lookup deleted %s %d: %w", t, id, err)
				}
				if rec.IsDeleted {
					continue
				}
				if rec.IsDirty {
					kept++
					r.logger.Debug("keeping dirty record deleted on server",
						"entity_type", t,
						"remote_id", id,
						"local_id", rec.LocalID)
					continue
				}

				rec.IsDeleted = true
				rec.SyncStatus = db.StatusSynced
				rec.UpdatedAt = now
				if err := tx.UpdateRecord(ctx, rec); err != nil {
					return fmt.Errorf("tombstone %s %d: %w", t, id, err)
				}
				tombstoned++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if resp.ServerDate.IsZero() {
		r.logger.Warn("deleted records response has no server date, checkpoint not advanced")
	} else {
		if _, err := r.checkpoints.Advance(ctx, checkpoint.KeyDeletedRecords, resp.ServerDate); err != nil {
			return tombstoned, err
		}
		if err := r.checkpoints.Set(ctx, checkpoint.KeyDeletedServerDate, resp.ServerDate); err != nil {
			return tombstoned, err
		}
	}

	r.logger.Info("deleted records pulled",
		"since", since,
		"tombstoned", tombstoned,
		"kept_dirty", kept)
	return tombstoned, nil
}

// clampDeletedCheckpoint pulls a checkpoint that lies in the future back
// to the last server date seen, or to the epoch when there is none
func (r *Repository) clampDeletedCheckpoint(ctx context.Context, since, now time.Time) (time.Time, error) {
	target := time.Unix(0, 0).UTC()
	if serverDate, ok, err := r.checkpoints.Get(ctx, checkpoint.KeyDeletedServerDate); err != nil {
		return since, err
	} else if ok && !serverDate.After(now) {
		target = serverDate
	}

	r.logger.Warn("deleted records checkpoint is in the future, clamping",
		"checkpoint", since,
		"now", now,
		"clamped_to", target)

	if err := r.checkpoints.Set(ctx, checkpoint.KeyDeletedRecords, target); err != nil {
		return since, err
	}
	return target, nil
}
