package db

import (
	"context"
	"encoding/json"
	"fmt"
)

// InsertSyncSession persists a finished metrics session
func (q queries) InsertSyncSession(ctx context.Context, s *SyncSession) error {
	byType := s.ByEntityType
	if byType == nil {
		byType = map[string]map[string]int{}
	}
	b, err := json.Marshal(byType)
	if err != nil {
		return fmt.Errorf("encode session breakdown: %w", err)
	}

	query := `
		INSERT INTO sync_sessions (session_id, started_at, ended_at, total_operations,
			success_count, failure_count, skip_count, drop_count, conflict_count,
			duration_ms, by_entity_type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = q.q.ExecContext(ctx, query,
		s.SessionID,
		s.StartedAt.UTC(),
		s.EndedAt.UTC(),
		s.TotalOperations,
		s.SuccessCount,
		s.FailureCount,
		s.SkipCount,
		s.DropCount,
		s.ConflictCount,
		s.DurationMs,
		string(b),
	)
	return classify(err)
}

// ListSyncSessions returns the most recent sessions, newest first
func (q queries) ListSyncSessions(ctx context.Context, limit int) ([]*SyncSession, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT session_id, started_at, ended_at, total_operations, success_count, failure_count,
			skip_count, drop_count, conflict_count, duration_ms, by_entity_type
		FROM sync_sessions
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*SyncSession
	for rows.Next() {
		s := &SyncSession{}
		var byType string
		if err := rows.Scan(
			&s.SessionID,
			&s.StartedAt,
			&s.EndedAt,
			&s.TotalOperations,
			&s.SuccessCount,
			&s.FailureCount,
			&s.SkipCount,
			&s.DropCount,
			&s.ConflictCount,
			&s.DurationMs,
			&byType,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(byType), &s.ByEntityType); err != nil {
			return nil, fmt.Errorf("decode session breakdown: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
