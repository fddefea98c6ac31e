// Package engine wires the sync components into one runnable unit.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/livinlefevreloca/fieldsync/internal/broadcast"
	"github.com/livinlefevreloca/fieldsync/internal/config"
	"github.com/livinlefevreloca/fieldsync/internal/conflict"
	"github.com/livinlefevreloca/fieldsync/internal/connectivity"
	"github.com/livinlefevreloca/fieldsync/internal/db"
	"github.com/livinlefevreloca/fieldsync/internal/reconcile"
	"github.com/livinlefevreloca/fieldsync/internal/remote"
	"github.com/livinlefevreloca/fieldsync/internal/scheduler"
	"github.com/livinlefevreloca/fieldsync/internal/stats"
	"github.com/livinlefevreloca/fieldsync/migrations"
	"github.com/livinlefevreloca/fieldsync/tools/migrator"
)

// Deps are the collaborators a host may supply. Every field is optional.
type Deps struct {
	// DB is used instead of opening cfg.Database. The engine does not
	// close a supplied DB.
	DB *db.DB

	// Auth defaults to an in-memory identity refreshed from the backend,
	// seeded with Identity
	Auth     reconcile.Auth
	Identity *remote.Identity

	Photos  reconcile.PhotoCache
	Watcher connectivity.InterfaceWatcher
	Sink    stats.RemoteSink
	Now     func() time.Time
}

// Engine is the sync engine surface exposed to hosts
type Engine struct {
	db       *db.DB
	ownsDB   bool
	client   *remote.Client
	auth     reconcile.Auth
	repo     *reconcile.Repository
	resolver *conflict.Resolver
	recorder *stats.Recorder
	monitor  *connectivity.Monitor
	network  *connectivity.NetworkMonitor
	sched    *scheduler.Scheduler
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

// New builds an engine from configuration. Nothing runs until Start.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) (*Engine, error) {
	e := &Engine{logger: logger, db: deps.DB}

	if e.db == nil {
		database, err := db.OpenWithConfig(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		e.db = database
		e.ownsDB = true

		if !cfg.Database.SkipMigrations {
			if err := migrator.RunMigrations(database.DB, migrations.FS); err != nil {
				database.Close()
				return nil, fmt.Errorf("run migrations: %w", err)
			}
		}
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}

	e.client = remote.New(cfg.Remote)

	e.auth = deps.Auth
	if e.auth == nil {
		e.auth = reconcile.NewCachedAuth(e.client, deps.Identity, logger)
	}

	watcher := deps.Watcher
	if watcher == nil {
		watcher = connectivity.NewPollingWatcher(cfg.Connectivity.PollInterval)
	}
	health := connectivity.NewHealthChecker(e.client, cfg.Connectivity, logger, now)
	e.monitor = connectivity.NewMonitor(watcher, health, logger)

	sink := deps.Sink
	if sink == nil {
		sink = stats.NewSlogSink(logger)
	}
	e.recorder = stats.NewRecorder(cfg.Stats, sink, stats.NewDBAdapter(e.db), logger, now)

	e.resolver = conflict.NewResolver(e.db, e.client, cfg.Conflict, logger, now)

	e.repo = reconcile.New(e.db, e.client, e.auth, cfg.Reconcile, logger, reconcile.Options{
		Photos:   deps.Photos,
		Recorder: e.recorder,
		Now:      now,
		Online:   e.monitor.IsNetworkAvailable,
		OnConflicts: func(ctx context.Context) {
			if err := e.resolver.Publish(ctx); err != nil {
				logger.Warn("failed to publish conflicts", "error", err)
			}
		},
	})

	e.sched = scheduler.New(e.repo, e.monitor, deps.Photos, e.recorder, cfg.Scheduler, logger)
	e.repo.SetOnLocalChange(e.sched.NotifyPendingChanged)
	e.resolver.OnRequeue(func() { e.sched.Enqueue(scheduler.ProcessPendingJob()) })

	e.network = connectivity.NewNetworkMonitor(watcher, e.monitor, cfg.Connectivity, logger,
		e.onNetworkRestored, e.onNetworkLost)

	return e, nil
}

// Start returns operations interrupted by an earlier run to PENDING, then
// launches the scheduler and the network monitor
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	if _, err := e.repo.RecoverInFlight(ctx); err != nil {
		e.logger.Warn("failed to recover in-flight operations", "error", err)
	}
	e.sched.Start(ctx)

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.network.Run(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.monitor.CheckFullConnectivity(ctx, false)
	}()

	if err := e.resolver.Publish(ctx); err != nil {
		e.logger.Warn("failed to publish conflicts", "error", err)
	}
	e.logger.Info("sync engine started")
}

// Shutdown stops every goroutine the engine started and closes the
// database it opened. Later calls are no-ops.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
		if err := e.sched.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("scheduler shutdown: %w", err))
		}
		e.wg.Wait()
	}
	e.monitor.CancelHealthCheckRetry()

	if e.ownsDB {
		if err := e.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}

	e.logger.Info("sync engine stopped")
	return errors.Join(errs...)
}

func (e *Engine) onNetworkRestored(ctx context.Context) {
	err := e.sched.Exclusive(ctx, func(ctx context.Context) error {
		n, err := e.repo.ResetFailed(ctx)
		if n > 0 {
			e.logger.Info("reset failed operations after reconnect", "count", n)
		}
		return err
	})
	if err != nil {
		e.logger.Warn("failed to reset failed operations", "error", err)
	}

	e.sched.Enqueue(scheduler.ProcessPendingJob())
	e.sched.Refresh(false)
}

func (e *Engine) onNetworkLost() {
	e.logger.Debug("network lost, sync jobs will skip until it returns")
}

// --- Surface ---

// EnqueueInitialSync queues the first sync pass; repeated calls are no-ops
// until Clear
func (e *Engine) EnqueueInitialSync() { e.sched.EnqueueInitialSync() }

// Refresh queues a refresh of every project
func (e *Engine) Refresh(force bool) { e.sched.Refresh(force) }

// Prioritize moves one project ahead of background work
func (e *Engine) Prioritize(projectID int64) { e.sched.PrioritizeProject(projectID) }

// Clear drops queued work and forgets the identity, for logout
func (e *Engine) Clear() {
	e.sched.Clear()
	e.monitor.Reset()
	if a, ok := e.auth.(interface{ Clear() }); ok {
		a.Clear()
	}
}

// RecordLocalChange stores a user edit and schedules its push
func (e *Engine) RecordLocalChange(ctx context.Context, change reconcile.LocalChange) (*db.Record, error) {
	return e.repo.RecordLocalChange(ctx, change)
}

// IsActive reports whether a sync job is running
func (e *Engine) IsActive() *broadcast.State[bool] { return e.sched.Active() }

// Errors carries one message per failed sync job
func (e *Engine) Errors() *broadcast.Stream[string] { return e.sched.Errors() }

// Conflicts carries the open conflict list whenever it changes
func (e *Engine) Conflicts() *broadcast.Stream[[]*db.Conflict] { return e.resolver.Stream() }

// Connectivity exposes the connectivity state
func (e *Engine) Connectivity() *broadcast.State[connectivity.State] { return e.monitor.States() }

// ListConflicts returns the open conflicts
func (e *Engine) ListConflicts(ctx context.Context) ([]*db.Conflict, error) {
	return e.resolver.List(ctx)
}

// Resolve applies a resolution to one conflict. It runs between sync jobs
// so it never races a pull of the same record.
func (e *Engine) Resolve(ctx context.Context, conflictID string, resolution db.Resolution, resolvedBy string) (bool, error) {
	if e.running() {
		var resolved bool
		err := e.sched.Exclusive(ctx, func(ctx context.Context) error {
			var err error
			resolved, err = e.resolver.Resolve(ctx, conflictID, resolution, resolvedBy)
			return err
		})
		return resolved, err
	}
	return e.resolver.Resolve(ctx, conflictID, resolution, resolvedBy)
}

// ResolveAll applies one resolution to every open conflict
func (e *Engine) ResolveAll(ctx context.Context, resolution db.Resolution, resolvedBy string) (conflict.BatchResult, error) {
	if e.running() {
		var result conflict.BatchResult
		err := e.sched.Exclusive(ctx, func(ctx context.Context) error {
			var err error
			result, err = e.resolver.ResolveAll(ctx, resolution, resolvedBy)
			return err
		})
		return result, err
	}
	return e.resolver.ResolveAll(ctx, resolution, resolvedBy)
}

// ResetFailed returns failed operations to PENDING
func (e *Engine) ResetFailed(ctx context.Context) (int64, error) {
	n, err := e.repo.ResetFailed(ctx)
	if err == nil && n > 0 && e.running() {
		e.sched.Enqueue(scheduler.ProcessPendingJob())
	}
	return n, err
}

func (e *Engine) running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancel != nil
}

// Status is a point-in-time view of the local store
type Status struct {
	Operations  map[db.SyncStatus]int
	Records     map[db.EntityType]int
	Conflicts   int
	Checkpoints []db.Checkpoint
	Sessions    []*db.SyncSession
}

// Status reads queue, conflict and checkpoint counts from the store
func (e *Engine) Status(ctx context.Context, sessionLimit int) (*Status, error) {
	ops, err := e.db.CountOperationsByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count operations: %w", err)
	}
	records, err := e.db.CountRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	conflicts, err := e.db.ListOpenConflicts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	checkpoints, err := e.repo.Checkpoints().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	sessions, err := e.db.ListSyncSessions(ctx, sessionLimit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	return &Status{
		Operations:  ops,
		Records:     records,
		Conflicts:   len(conflicts),
		Checkpoints: checkpoints,
		Sessions:    sessions,
	}, nil
}
