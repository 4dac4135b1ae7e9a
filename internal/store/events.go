package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Machine event statuses.
const (
	EventPending   = "pending"
	EventProcessed = "processed"
)

// MachineEvent is an addressed peer-to-peer message. It is the durable
// fallback path when the target's control socket is unavailable.
type MachineEvent struct {
	ID            int64
	SourceMachine string
	TargetMachine string
	EventType     string
	JobID         string
	Payload       string // opaque, conventionally JSON
	Status        string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
}

// SendParams carries the optional attributes of SendMachineEvent.
type SendParams struct {
	Source  string
	JobID   string
	Payload string
}

// SendMachineEvent inserts a pending event addressed to target.
func (s *Store) SendMachineEvent(ctx context.Context, target, eventType string, p SendParams) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO machine_events
		(source_machine, target_machine, event_type, job_id, payload, status, created_at)
		VALUES (?, ?, ?, ?, ?, 'pending', ?)
	`,
		nullString(p.Source),
		target,
		eventType,
		nullString(p.JobID),
		nullString(p.Payload),
		time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("send machine event to %s: %w", target, err)
	}
	return res.LastInsertId()
}

// PendingMachineEvents returns the pending events addressed to machine,
// ordered by created_at ascending.
func (s *Store) PendingMachineEvents(ctx context.Context, machine string) ([]*MachineEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_machine, target_machine, event_type, job_id, payload, status, created_at, processed_at
		FROM machine_events
		WHERE target_machine = ? AND status = 'pending'
		ORDER BY created_at ASC
	`, machine)
	if err != nil {
		return nil, fmt.Errorf("pending machine events: %w", err)
	}
	defer rows.Close()

	events := []*MachineEvent{}
	for rows.Next() {
		ev, err := scanMachineEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan machine event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate machine events: %w", err)
	}
	return events, nil
}

// MarkEventProcessed marks one event processed. Processed events are never
// re-delivered.
func (s *Store) MarkEventProcessed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE machine_events SET status = 'processed', processed_at = ?
		WHERE id = ?
	`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark event %d processed: %w", id, err)
	}
	return nil
}

// ClearPendingEvents marks matching pending events processed without
// delivering them (stale-queue hygiene). eventType filters when non-empty.
// Returns the number of events cleared.
func (s *Store) ClearPendingEvents(ctx context.Context, machine, eventType string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE machine_events SET status = 'processed', processed_at = ?
		WHERE target_machine = ? AND status = 'pending'
		  AND (? = '' OR event_type = ?)
	`, time.Now().UTC(), machine, eventType, eventType)
	if err != nil {
		return 0, fmt.Errorf("clear pending events for %s: %w", machine, err)
	}
	return res.RowsAffected()
}

func scanMachineEvent(rows *sql.Rows) (*MachineEvent, error) {
	var (
		ev              MachineEvent
		source, jobID   sql.NullString
		payload         sql.NullString
		processed       sql.NullTime
	)
	if err := rows.Scan(
		&ev.ID, &source, &ev.TargetMachine, &ev.EventType, &jobID, &payload,
		&ev.Status, &ev.CreatedAt, &processed,
	); err != nil {
		return nil, err
	}
	ev.SourceMachine = source.String
	ev.JobID = jobID.String
	ev.Payload = payload.String
	if processed.Valid {
		t := processed.Time
		ev.ProcessedAt = &t
	}
	return &ev, nil
}
