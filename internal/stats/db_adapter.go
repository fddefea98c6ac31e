package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/livinlefevreloca/fieldsync/internal/db"
)

// DBAdapter adapts db.DB to the SessionWriter interface
type DBAdapter struct {
	db interface {
		InsertSyncSession(ctx context.Context, s *db.SyncSession) error
	}
}

// NewDBAdapter creates a new database adapter
func NewDBAdapter(database *db.DB) *DBAdapter {
	return &DBAdapter{db: database}
}

// WriteSession implements SessionWriter for db.DB
func (a *DBAdapter) WriteSession(ctx context.Context, session *db.SyncSession) error {
	if err := a.db.InsertSyncSession(ctx, session); err != nil {
		return fmt.Errorf("failed to write sync session %s: %w", session.SessionID, err)
	}
	return nil
}

// SlogSink is the default RemoteSink. It writes through a logger tagged
// for remote shipping.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink on top of logger
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger.With("sink", "remote")}
}

// Log implements RemoteSink. Fields are emitted in key order.
func (s *SlogSink) Log(ctx context.Context, level slog.Level, message string, fields map[string]string) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		args = append(args, k, fields[k])
	}
	s.logger.Log(ctx, level, message, args...)
}
