package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TransitionRecord is one row of the append-only per-machine transition
// log. The check_machine_state action reads this log to inspect peers
// without opening sockets.
type TransitionRecord struct {
	ID          int64
	JobID       string
	StepName    string
	StepNumber  int
	Metadata    map[string]any // carries {machine, state, event}
	CompletedAt time.Time
}

// AppendTransition logs one state transition for a machine. The machine
// name doubles as the step name so the log can be filtered per machine.
func (s *Store) AppendTransition(ctx context.Context, machine, state, event string) error {
	metaJSON, err := marshalBlob(map[string]any{
		"machine": machine,
		"state":   state,
		"event":   event,
	})
	if err != nil {
		return fmt.Errorf("append transition for %s: %w", machine, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pipeline_results (step_name, step_number, metadata, completed_at)
		VALUES (?, 0, ?, ?)
	`, machine, metaJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append transition for %s: %w", machine, err)
	}
	return nil
}

// LatestTransition returns the most recent transition record for a machine,
// or ErrNotFound when the machine never logged one.
func (s *Store) LatestTransition(ctx context.Context, machine string) (*TransitionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, step_name, step_number, metadata, completed_at
		FROM pipeline_results
		WHERE step_name = ?
		ORDER BY completed_at DESC, id DESC
		LIMIT 1
	`, machine)

	var (
		rec   TransitionRecord
		jobID sql.NullString
		meta  string
	)
	err := row.Scan(&rec.ID, &jobID, &rec.StepName, &rec.StepNumber, &meta, &rec.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("latest transition %s: %w", machine, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest transition %s: %w", machine, err)
	}
	rec.JobID = jobID.String
	rec.Metadata = parseBlob(meta, "metadata", fmt.Sprintf("pipeline_results/%d", rec.ID))
	return &rec, nil
}
