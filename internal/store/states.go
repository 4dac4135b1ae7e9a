package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// MachineState is the latest snapshot of one running engine. Rows go stale
// when a process dies; downstream consumers treat records older than a
// freshness threshold as "not running".
type MachineState struct {
	MachineName  string
	CurrentState string
	LastActivity time.Time
	PID          int
	Metadata     map[string]any
}

// UpsertMachineState records the current state of a machine. Called by the
// engine on startup and on every state change. Last-writer-wins.
func (s *Store) UpsertMachineState(ctx context.Context, machine, state string, pid int, metadata map[string]any) error {
	metaJSON, err := marshalBlob(metadata)
	if err != nil {
		return fmt.Errorf("upsert machine state %s: %w", machine, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO machine_state (machine_name, current_state, last_activity, pid, metadata)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(machine_name) DO UPDATE SET
			current_state = excluded.current_state,
			last_activity = excluded.last_activity,
			pid = excluded.pid,
			metadata = excluded.metadata
	`, machine, state, time.Now().UTC(), pid, metaJSON)
	if err != nil {
		return fmt.Errorf("upsert machine state %s: %w", machine, err)
	}
	return nil
}

// MachineStates returns every machine snapshot, ordered by name.
func (s *Store) MachineStates(ctx context.Context) ([]*MachineState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT machine_name, current_state, last_activity, pid, metadata
		FROM machine_state
		ORDER BY machine_name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("machine states: %w", err)
	}
	defer rows.Close()

	states := []*MachineState{}
	for rows.Next() {
		ms, err := scanMachineState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan machine state: %w", err)
		}
		states = append(states, ms)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate machine states: %w", err)
	}
	return states, nil
}

// MachineState returns the snapshot for one machine, or ErrNotFound.
func (s *Store) MachineState(ctx context.Context, machine string) (*MachineState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT machine_name, current_state, last_activity, pid, metadata
		FROM machine_state
		WHERE machine_name = ?
	`, machine)
	if err != nil {
		return nil, fmt.Errorf("machine state %s: %w", machine, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("machine state %s: %w", machine, err)
		}
		return nil, fmt.Errorf("machine state %s: %w", machine, ErrNotFound)
	}
	return scanMachineState(rows)
}

func scanMachineState(rows *sql.Rows) (*MachineState, error) {
	var (
		ms   MachineState
		pid  sql.NullInt64
		meta string
	)
	if err := rows.Scan(&ms.MachineName, &ms.CurrentState, &ms.LastActivity, &pid, &meta); err != nil {
		return nil, err
	}
	ms.PID = int(pid.Int64)
	ms.Metadata = parseBlob(meta, "metadata", "machine_state/"+ms.MachineName)
	return &ms, nil
}
