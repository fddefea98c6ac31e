// Package stats aggregates per-session sync metrics: counts by outcome and
// by entity type, reported when the scheduler finishes a job.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/livinlefevreloca/fieldsync/internal/db"
)

// RemoteSink receives the structured end-of-session summary
type RemoteSink interface {
	Log(ctx context.Context, level slog.Level, message string, fields map[string]string)
}

// SessionWriter persists finished sessions
type SessionWriter interface {
	WriteSession(ctx context.Context, session *db.SyncSession) error
}

// Session accumulates counters for one scheduler pass
type Session struct {
	ID        string
	StartedAt time.Time

	mu        sync.Mutex
	endedAt   time.Time
	ended     bool
	total     int
	success   int
	failure   int
	skip      int
	drop      int
	conflicts int
	byType    map[string]*TypeMetrics
}

func newSession(now time.Time) *Session {
	return &Session{
		ID:        uuid.NewString()[:8],
		StartedAt: now,
		byType:    make(map[string]*TypeMetrics),
	}
}

// Record adds one operation result. Safe for concurrent use.
func (s *Session) Record(entityType, operationType string, outcome Outcome, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total++
	switch outcome {
	case OutcomeSuccess:
		s.success++
	case OutcomeFailure:
		s.failure++
	case OutcomeSkip:
		s.skip++
	case OutcomeDrop:
		s.drop++
	case OutcomeConflictPending:
		s.conflicts++
	}

	tm, ok := s.byType[entityType]
	if !ok {
		tm = &TypeMetrics{EntityType: entityType}
		s.byType[entityType] = tm
	}
	tm.add(operationType, outcome, duration)
}

// Ended reports whether end has been called
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *Session) end(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endedAt = now
	s.ended = true
}

// Snapshot copies the counters. An unended session measures up to now.
func (s *Session) Snapshot(now time.Time) Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	end := now
	if s.ended {
		end = s.endedAt
	}
	m := Metrics{
		SessionID:       s.ID,
		StartedAt:       s.StartedAt,
		EndedAt:         end,
		Duration:        end.Sub(s.StartedAt),
		TotalOperations: s.total,
		SuccessCount:    s.success,
		FailureCount:    s.failure,
		SkipCount:       s.skip,
		DropCount:       s.drop,
		ConflictCount:   s.conflicts,
		ByType:          make(map[string]TypeMetrics, len(s.byType)),
	}
	for t, tm := range s.byType {
		m.ByType[t] = *tm
	}
	return m
}

// Recorder owns the current session
type Recorder struct {
	config Config
	sink   RemoteSink
	writer SessionWriter
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	current *Session
}

// NewRecorder creates a recorder. sink and writer may be nil.
func NewRecorder(config Config, sink RemoteSink, writer SessionWriter, logger *slog.Logger, now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{
		config: config,
		sink:   sink,
		writer: writer,
		logger: logger,
		now:    now,
	}
}

// StartSession begins a new session, ending any unended one first
func (r *Recorder) StartSession(ctx context.Context) *Session {
	r.mu.Lock()
	prev := r.current
	r.mu.Unlock()

	if prev != nil && !prev.Ended() {
		r.logger.Warn("previous sync session was not ended properly", "session_id", prev.ID)
		r.EndSession(ctx)
	}

	s := newSession(r.now())
	r.mu.Lock()
	r.current = s
	r.mu.Unlock()

	r.logger.Debug("sync session started", "session_id", s.ID)
	return s
}

// RecordOperationResult adds a result to the current session. Without a
// session it only logs a warning.
func (r *Recorder) RecordOperationResult(entityType, operationType string, outcome Outcome, duration time.Duration) {
	r.mu.Lock()
	s := r.current
	r.mu.Unlock()

	if s == nil {
		r.logger.Warn("recording operation outside of active session",
			"entity_type", entityType,
			"operation_type", operationType)
		return
	}

	s.Record(entityType, operationType, outcome, duration)

	if outcome == OutcomeFailure {
		r.logger.Warn("sync operation failed",
			"entity_type", entityType,
			"operation_type", operationType,
			"duration", duration)
	}
}

// EndSession closes the current session, reports it and returns its
// metrics. It returns nil when no session is active.
func (r *Recorder) EndSession(ctx context.Context) *Metrics {
	r.mu.Lock()
	s := r.current
	r.current = nil
	r.mu.Unlock()

	if s == nil {
		return nil
	}
	s.end(r.now())
	m := s.Snapshot(r.now())

	if r.config.LogSummary {
		r.logger.Debug(FormatSummary(m))
	}

	if m.TotalOperations == 0 {
		return &m
	}

	if r.sink != nil {
		level := slog.LevelInfo
		if m.FailureCount > 0 {
			level = slog.LevelWarn
		}
		r.sink.Log(ctx, level, "Sync session completed", summaryFields(m))
	}

	if r.config.Persist && r.writer != nil {
		if err := r.writer.WriteSession(ctx, toSyncSession(m)); err != nil {
			r.logger.Error("failed to persist sync session", "session_id", m.SessionID, "error", err)
		}
	}

	return &m
}

// CurrentSession returns the active session, if any
func (r *Recorder) CurrentSession() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// IsSessionActive reports whether a session is open
func (r *Recorder) IsSessionActive() bool {
	s := r.CurrentSession()
	return s != nil && !s.Ended()
}

func summaryFields(m Metrics) map[string]string {
	fields := map[string]string{
		"session_id":  m.SessionID,
		"duration_ms": fmt.Sprint(m.Duration.Milliseconds()),
		"total_ops":   fmt.Sprint(m.TotalOperations),
		"success":     fmt.Sprint(m.SuccessCount),
		"failed":      fmt.Sprint(m.FailureCount),
		"skipped":     fmt.Sprint(m.SkipCount),
		"dropped":     fmt.Sprint(m.DropCount),
		"conflicts":   fmt.Sprint(m.ConflictCount),
	}
	if m.FailureCount == 0 && m.ConflictCount == 0 {
		return fields
	}
	for t, tm := range m.ByType {
		if tm.FailureCount > 0 || tm.ConflictCount > 0 {
			fields[t+"_failed"] = fmt.Sprint(tm.FailureCount)
			fields[t+"_conflicts"] = fmt.Sprint(tm.ConflictCount)
		}
	}
	return fields
}

func toSyncSession(m Metrics) *db.SyncSession {
	byType := make(map[string]map[string]int, len(m.ByType))
	for t, tm := range m.ByType {
		byType[t] = map[string]int{
			"create":   tm.CreateCount,
			"update":   tm.UpdateCount,
			"delete":   tm.DeleteCount,
			"success":  tm.SuccessCount,
			"failure":  tm.FailureCount,
			"skip":     tm.SkipCount,
			"conflict": tm.ConflictCount,
		}
	}
	return &db.SyncSession{
		SessionID:       m.SessionID,
		StartedAt:       m.StartedAt,
		EndedAt:         m.EndedAt,
		TotalOperations: m.TotalOperations,
		SuccessCount:    m.SuccessCount,
		FailureCount:    m.FailureCount,
		SkipCount:       m.SkipCount,
		DropCount:       m.DropCount,
		ConflictCount:   m.ConflictCount,
		DurationMs:      m.Duration.Milliseconds(),
		ByEntityType:    byType,
	}
}
