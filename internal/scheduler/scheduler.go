// Package scheduler runs sync jobs one at a time from a priority queue
// with per-key deduplication.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/livinlefevreloca/fieldsync/internal/broadcast"
	"github.com/livinlefevreloca/fieldsync/internal/cron"
	"github.com/livinlefevreloca/fieldsync/internal/reconcile"
	"github.com/livinlefevreloca/fieldsync/internal/stats"
)

// ErrStopped is returned by Exclusive once the consumer has shut down
var ErrStopped = errors.New("scheduler: stopped")

// Repository is the reconciliation surface the jobs call;
// *reconcile.Repository satisfies it.
type Repository interface {
	EnsureContext(ctx context.Context) error
	PullAll(ctx context.Context, force bool) ([]int64, error)
	PullEntityGraph(ctx context.Context, projectID int64, mode reconcile.Mode) (*reconcile.GraphResult, error)
	PullDeletedRecords(ctx context.Context) (int, error)
	PushPending(ctx context.Context) (*reconcile.PushResult, error)
	HasDuePending(ctx context.Context) (bool, error)
}

// Gate reports whether a network interface is up
type Gate interface {
	IsNetworkAvailable() bool
}

// Sessions wraps each job in a metrics session; *stats.Recorder
// satisfies it.
type Sessions interface {
	StartSession(ctx context.Context) *stats.Session
	EndSession(ctx context.Context) *stats.Metrics
}

// Scheduler owns the job queue and its single consumer goroutine
type Scheduler struct {
	repo     Repository
	gate     Gate
	photos   reconcile.PhotoCache
	sessions Sessions
	config   Config
	logger   *slog.Logger

	mu            sync.Mutex
	queue         *queue
	foreground    *int64
	deferredForce bool
	initialSync   bool
	cancelJob     context.CancelFunc
	debounce      *time.Timer

	notify    chan struct{}
	exclusive chan exclusiveRequest

	active *broadcast.State[bool]
	errors *broadcast.Stream[string]

	stop context.CancelFunc
	done chan struct{}
}

type exclusiveRequest struct {
	fn     func(ctx context.Context) error
	result chan error
}

// New creates a scheduler. sessions and photos may be nil.
func New(repo Repository, gate Gate, photos reconcile.PhotoCache, sessions Sessions, config Config, logger *slog.Logger) *Scheduler {
	if photos == nil {
		photos = reconcile.LogPhotoCache{Logger: logger}
	}
	return &Scheduler{
		repo:      repo,
		gate:      gate,
		photos:    photos,
		sessions:  sessions,
		config:    config,
		logger:    logger,
		queue:     newQueue(),
		notify:    make(chan struct{}, 1),
		exclusive: make(chan exclusiveRequest),
		active:    broadcast.NewState(false),
		errors:    broadcast.New[string](),
		done:      make(chan struct{}),
	}
}

// Active flips true while a job executes
func (s *Scheduler) Active() *broadcast.State[bool] { return s.active }

// Errors carries one human-readable message per failed job
func (s *Scheduler) Errors() *broadcast.Stream[string] { return s.errors }

// Start launches the consumer goroutine
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.stop = cancel
	s.logger.Info("starting scheduler")
	go s.run(ctx)

	if s.config.RefreshSchedule != "" {
		schedule, err := cron.Parse(s.config.RefreshSchedule)
		if err != nil {
			s.logger.Warn("periodic refresh disabled", "schedule", s.config.RefreshSchedule, "error", err)
			return
		}
		go s.refreshOnSchedule(ctx, schedule)
	}
}

// refreshOnSchedule queues a routine project refresh at each schedule tick
func (s *Scheduler) refreshOnSchedule(ctx context.Context, schedule *cron.Schedule) {
	for {
		next := schedule.Next(time.Now())
		if next.IsZero() {
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.logger.Debug("scheduled project refresh", "schedule", schedule.String())
			s.Refresh(false)
		}
	}
}

// Shutdown stops the consumer and waits for it to exit
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
	s.mu.Unlock()

	if s.stop == nil {
		return nil
	}
	s.stop()

	select {
	case <-s.done:
		s.errors.Close()
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- Enqueueing ---

// Enqueue adds job to the queue under the dedup rule and wakes the
// consumer. It never blocks on job execution.
func (s *Scheduler) Enqueue(job Job) {
	s.mu.Lock()
	queued := s.queue.push(job)
	s.mu.Unlock()

	if !queued {
		s.logger.Debug("job already queued at equal or higher priority",
			"job_key", job.Key(),
			"priority", job.Priority)
		return
	}
	s.wake()
}

func (s *Scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// EnqueueInitialSync queues the first-run jobs once. Clear re-arms it.
func (s *Scheduler) EnqueueInitialSync() {
	s.mu.Lock()
	if s.initialSync {
		s.mu.Unlock()
		return
	}
	s.initialSync = true
	s.mu.Unlock()

	s.Enqueue(EnsureContextJob())
	s.Enqueue(ProcessPendingJob())
	s.Enqueue(PullAllJob(false))
}

// Refresh queues a project listing refresh
func (s *Scheduler) Refresh(force bool) {
	s.Enqueue(PullAllJob(force))
}

// PrioritizeProject makes projectID the foreground project and queues its
// essentials ahead of bulk work. Bulk refreshes wait until the project's
// content pass finishes.
func (s *Scheduler) PrioritizeProject(projectID int64) {
	s.mu.Lock()
	s.foreground = &projectID
	s.mu.Unlock()

	s.logger.Debug("foreground project sync", "project_id", projectID)
	s.Enqueue(EntityGraphJob(projectID, reconcile.ModeEssentialsOnly, PriorityForeground))
}

// NotifyPendingChanged is called whenever local changes are recorded.
// Bursts within PendingDebounce fold into one push.
func (s *Scheduler) NotifyPendingChanged() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounce = time.AfterFunc(s.config.PendingDebounce, func() {
		s.Enqueue(ProcessPendingJob())
	})
}

// Clear drops every queued job, cancels the running one and re-arms the
// initial sync. It is used on logout.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	s.queue.clear()
	s.foreground = nil
	s.deferredForce = false
	s.initialSync = false
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
	if s.cancelJob != nil {
		s.cancelJob()
	}
	s.mu.Unlock()

	s.logger.Info("sync queue cleared")
}

// PendingKeys returns the queued job keys in dequeue order
func (s *Scheduler) PendingKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.keys()
}

// Exclusive runs fn on the consumer goroutine between jobs, so it never
// overlaps a pull or push
func (s *Scheduler) Exclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	req := exclusiveRequest{fn: fn, result: make(chan error, 1)}

	select {
	case s.exclusive <- req:
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- Consumer ---

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.config.RetryInterval)
	defer ticker.Stop()

	for {
		s.drain(ctx)
		if ctx.Err() != nil {
			return
		}
		s.active.Set(false)

		select {
		case <-ctx.Done():
			return
		case <-s.notify:
		case req := <-s.exclusive:
			s.runExclusive(ctx, req)
		case <-ticker.C:
			s.checkDuePending(ctx)
		}
	}
}

// drain executes queued tasks until the queue is empty, serving
// exclusive requests between tasks
func (s *Scheduler) drain(ctx context.Context) {
	for ctx.Err() == nil {
		select {
		case req := <-s.exclusive:
			s.runExclusive(ctx, req)
			continue
		default:
		}

		s.mu.Lock()
		t, ok := s.queue.pop()
		s.mu.Unlock()
		if !ok {
			return
		}
		s.execute(ctx, t)
	}
}

func (s *Scheduler) runExclusive(ctx context.Context, req exclusiveRequest) {
	s.active.Set(true)
	req.result <- safeCall(func() error { return req.fn(ctx) })
}

func (s *Scheduler) checkDuePending(ctx context.Context) {
	due, err := s.repo.HasDuePending(ctx)
	if err != nil {
		s.logger.Warn("due operation check failed", "error", err)
		return
	}
	if due {
		s.logger.Debug("retry ticker found due operations")
		s.Enqueue(ProcessPendingJob())
	}
}

// execute runs one task inside a metrics session. Failures are logged and
// broadcast; they never stop the consumer.
func (s *Scheduler) execute(ctx context.Context, t *task) {
	jobCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelJob = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.cancelJob = nil
		s.mu.Unlock()
		cancel()
	}()

	s.active.Set(true)
	if s.sessions != nil {
		s.sessions.StartSession(jobCtx)
	}

	start := time.Now()
	err := safeCall(func() error { return s.handle(jobCtx, t) })

	if s.sessions != nil {
		s.sessions.EndSession(ctx)
	}

	if err == nil {
		s.logger.Debug("sync job finished",
			"job_key", t.key,
			"priority", t.priority,
			"duration_ms", time.Since(start).Milliseconds())
		return
	}
	if errors.Is(err, context.Canceled) {
		s.logger.Info("sync job cancelled", "job_key", t.key)
		return
	}

	message := fmt.Sprintf("Sync job %s failed: %v", t.key, err)
	s.logger.Error(message, "job_key", t.key, "priority", t.priority)
	s.errors.Publish(message)
}

// safeCall turns a panic into an error
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn()
}

// --- Handlers ---

func (s *Scheduler) handle(ctx context.Context, t *task) error {
	job := t.job
	if job.needsNetwork() && !s.gate.IsNetworkAvailable() {
		s.logger.Debug("skipping sync job while offline", "job_key", t.key, "kind", job.Kind)
		if job.Kind == KindPullEntityGraph {
			s.dropForeground(job.ProjectID)
		}
		return nil
	}

	switch job.Kind {
	case KindEnsureContext:
		return s.repo.EnsureContext(ctx)
	case KindProcessPending:
		return s.processPending(ctx)
	case KindPullAll:
		return s.pullAll(ctx, job)
	case KindPullDeleted:
		_, err := s.repo.PullDeletedRecords(ctx)
		return err
	case KindPullEntityGraph:
		return s.pullEntityGraph(ctx, t)
	default:
		return fmt.Errorf("%w: %v", ErrUnknownJob, job.Kind)
	}
}

func (s *Scheduler) processPending(ctx context.Context) error {
	result, err := s.repo.PushPending(ctx)
	if result != nil {
		for _, id := range result.CreatedProjects {
			s.Enqueue(EntityGraphJob(id, reconcile.ModeEssentialsOnly, PriorityCreated))
		}
	}
	return err
}

func (s *Scheduler) pullAll(ctx context.Context, job Job) error {
	s.mu.Lock()
	if s.foreground != nil {
		if job.Force {
			s.deferredForce = true
		}
		s.mu.Unlock()
		s.logger.Debug("foreground project sync running, deferring project refresh", "force", job.Force)
		return nil
	}
	force := job.Force || s.deferredForce
	s.deferredForce = false
	s.mu.Unlock()

	ids, err := s.repo.PullAll(ctx, force)
	if err != nil {
		return err
	}

	s.Enqueue(PullDeletedJob())
	for i, id := range ids {
		s.Enqueue(EntityGraphJob(id, reconcile.ModeEssentialsOnly, s.config.BulkBasePriority+i))
	}
	s.logger.Info("queued projects for background sync", "count", len(ids), "force", force)
	return nil
}

func (s *Scheduler) pullEntityGraph(ctx context.Context, t *task) error {
	job := t.job
	_, err := s.repo.PullEntityGraph(ctx, job.ProjectID, job.Mode)

	if err == nil && job.Mode == reconcile.ModeEssentialsOnly {
		s.Enqueue(EntityGraphJob(job.ProjectID, reconcile.ModeContentOnly, t.priority+1))
	}
	if err == nil && job.Mode.PrefetchesPhotos() {
		if perr := s.photos.SchedulePrefetch(ctx, job.ProjectID); perr != nil {
			s.logger.Warn("photo prefetch failed", "project_id", job.ProjectID, "error", perr)
		}
	}

	s.releaseForeground(job, err == nil)
	return err
}

// dropForeground ends the foreground when its project's pass was skipped
// offline. A deferred force carries over to the next project refresh.
func (s *Scheduler) dropForeground(projectID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.foreground == nil || *s.foreground != projectID {
		return
	}
	s.foreground = nil
	s.logger.Debug("foreground project skipped offline, background sync unblocked", "project_id", projectID)
}

// releaseForeground ends the foreground once its project's follow-up pass
// is done, or its essentials failed, and resumes deferred bulk work
func (s *Scheduler) releaseForeground(job Job, succeeded bool) {
	s.mu.Lock()
	if s.foreground == nil || *s.foreground != job.ProjectID {
		s.mu.Unlock()
		return
	}
	if job.Mode == reconcile.ModeEssentialsOnly && succeeded {
		s.mu.Unlock()
		return
	}
	s.foreground = nil
	force := s.deferredForce
	s.deferredForce = false
	s.mu.Unlock()

	s.logger.Debug("foreground project done, resuming background sync", "project_id", job.ProjectID)
	s.Enqueue(PullAllJob(force))
}
