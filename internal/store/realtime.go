package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// RealtimeEvent is one broadcast telemetry record. Records are totally
// ordered by ID within one process; cross-process order is not guaranteed.
type RealtimeEvent struct {
	ID          int64
	MachineName string
	EventType   string
	Payload     map[string]any
	CreatedAt   time.Time
	Consumed    bool
	ConsumedAt  *time.Time
}

// LogRealtime appends a telemetry record. This is the one write path that
// swallows errors: telemetry loss is preferable to crashing the engine.
// Returns the new row ID, or 0 on failure.
func (s *Store) LogRealtime(ctx context.Context, machine, eventType string, payload map[string]any) int64 {
	payloadJSON, err := marshalBlob(payload)
	if err != nil {
		slog.Warn("realtime event dropped: marshal payload", "event_type", eventType, "error", err)
		return 0
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO realtime_events (machine_name, event_type, payload, created_at, consumed)
		VALUES (?, ?, ?, ?, 0)
	`, machine, eventType, payloadJSON, time.Now().UTC())
	if err != nil {
		slog.Warn("realtime event dropped: insert", "event_type", eventType, "error", err)
		return 0
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0
	}
	return id
}

// UnconsumedRealtime returns unconsumed records with ID greater than
// sinceID, oldest first. limit <= 0 means no limit.
func (s *Store) UnconsumedRealtime(ctx context.Context, sinceID int64, limit int) ([]*RealtimeEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, machine_name, event_type, payload, created_at, consumed, consumed_at
		FROM realtime_events
		WHERE consumed = 0 AND id > ?
		ORDER BY id ASC
		LIMIT ?
	`, sinceID, limit)
	if err != nil {
		return nil, fmt.Errorf("unconsumed realtime events: %w", err)
	}
	defer rows.Close()

	events := []*RealtimeEvent{}
	for rows.Next() {
		var (
			ev       RealtimeEvent
			payload  string
			consumed sql.NullTime
		)
		if err := rows.Scan(&ev.ID, &ev.MachineName, &ev.EventType, &payload, &ev.CreatedAt, &ev.Consumed, &consumed); err != nil {
			return nil, fmt.Errorf("scan realtime event: %w", err)
		}
		ev.Payload = parseBlob(payload, "payload", fmt.Sprintf("realtime_events/%d", ev.ID))
		if consumed.Valid {
			t := consumed.Time
			ev.ConsumedAt = &t
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate realtime events: %w", err)
	}
	return events, nil
}

// MarkRealtimeConsumed marks a set of records consumed.
func (s *Store) MarkRealtimeConsumed(ctx context.Context, ids []int64) (bool, error) {
	if len(ids) == 0 {
		return true, nil
	}

	placeholders := make([]byte, 0, len(ids)*2-1)
	args := make([]any, 0, len(ids)+1)
	args = append(args, time.Now().UTC())
	for i, id := range ids {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args = append(args, id)
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE realtime_events SET consumed = 1, consumed_at = ?
		WHERE id IN (`+string(placeholders)+`)
	`, args...)
	if err != nil {
		return false, fmt.Errorf("mark realtime consumed: %w", err)
	}
	return true, nil
}

// CleanupConsumedRealtime deletes consumed records older than the given
// number of hours. Returns the number of rows removed.
func (s *Store) CleanupConsumedRealtime(ctx context.Context, olderThanHours int) (int64, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(olderThanHours) * time.Hour)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM realtime_events WHERE consumed = 1 AND consumed_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup consumed realtime events: %w", err)
	}
	return res.RowsAffected()
}
