package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Job statuses. Status is monotonic except for the explicit
// ResetStuckJobs admin operation.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// Job is one unit of work in the shared queue.
type Job struct {
	ID           string
	Type         string
	Machine      string // target machine tag; "" means any machine may claim
	SourceJobID  string // free-form parent pointer for user-defined chaining
	Priority     int    // lower = higher
	Status       string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage string
	Data         map[string]any
	Result       map[string]any
	Metadata     map[string]any
}

// CreateJobParams carries the optional attributes of CreateJob.
type CreateJobParams struct {
	Machine     string
	SourceJobID string
	Priority    int // zero value maps to the default priority 5
	Data        map[string]any
	Metadata    map[string]any
}

// CreateJob inserts a new pending job. Returns ErrDuplicateJob if the ID
// already exists.
func (s *Store) CreateJob(ctx context.Context, id, jobType string, p CreateJobParams) (int64, error) {
	priority := p.Priority
	if priority == 0 {
		priority = 5
	}

	dataJSON, err := marshalBlob(p.Data)
	if err != nil {
		return 0, fmt.Errorf("create job: %w", err)
	}
	metaJSON, err := marshalBlob(p.Metadata)
	if err != nil {
		return 0, fmt.Errorf("create job: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs
		(job_id, job_type, machine_type, source_job_id, priority, status, created_at, data, result, metadata)
		VALUES (?, ?, ?, ?, ?, 'pending', ?, ?, '{}', ?)
	`,
		id,
		jobType,
		nullString(p.Machine),
		nullString(p.SourceJobID),
		priority,
		time.Now().UTC(),
		dataJSON,
		metaJSON,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("create job %s: %w", id, ErrDuplicateJob)
		}
		return 0, fmt.Errorf("create job %s: %w", id, err)
	}

	rowid, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create job %s: rowid: %w", id, err)
	}
	return rowid, nil
}

// NextJob atomically dequeues and claims the next pending job: lowest
// priority first, earliest created_at breaking ties. jobType filters when
// non-empty. machine filters by machine_type only when non-empty; an empty
// machine matches any target tag, including non-empty ones (the controller
// mode that claims on behalf of workers).
//
// Returns nil with no error when the queue has no matching pending job.
func (s *Store) NextJob(ctx context.Context, jobType, machine string) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("next job: begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = 'pending'
		  AND (? = '' OR job_type = ?)
		  AND (? = '' OR machine_type = ?)
		ORDER BY priority ASC, created_at ASC
		LIMIT 1
	`, jobType, jobType, machine, machine)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next job: %w", err)
	}

	started := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'processing', started_at = ?
		WHERE job_id = ? AND status = 'pending'
	`, started, job.ID)
	if err != nil {
		return nil, fmt.Errorf("next job: claim %s: %w", job.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("next job: rows affected: %w", err)
	}
	if n == 0 {
		// Lost a race inside the same transaction window; treat as empty.
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("next job: commit: %w", err)
	}

	job.Status = JobProcessing
	job.StartedAt = &started
	return job, nil
}

// PendingJobs is the non-mutating batch read for controllers that plan to
// claim individually. Filters behave as in NextJob; limit <= 0 means no limit.
func (s *Store) PendingJobs(ctx context.Context, jobType, machine string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = 'pending'
		  AND (? = '' OR job_type = ?)
		  AND (? = '' OR machine_type = ?)
		ORDER BY priority ASC, created_at ASC
		LIMIT ?
	`, jobType, jobType, machine, machine, limit)
	if err != nil {
		return nil, fmt.Errorf("pending jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ClaimJob is the compare-and-swap from pending to processing for one ID.
// Returns true only if the row was pending at the time of the update.
func (s *Store) ClaimJob(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'processing', started_at = ?
		WHERE job_id = ? AND status = 'pending'
	`, time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim job %s: rows affected: %w", id, err)
	}
	return n == 1, nil
}

// CompleteJob marks a job completed, storing the optional result blob.
func (s *Store) CompleteJob(ctx context.Context, id string, result map[string]any) error {
	resultJSON, err := marshalBlob(result)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'completed', completed_at = ?, result = ?
		WHERE job_id = ?
	`, time.Now().UTC(), resultJSON, id)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return nil
}

// FailJob marks a job failed with an error message.
func (s *Store) FailJob(ctx context.Context, id, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', completed_at = ?, error_message = ?
		WHERE job_id = ?
	`, time.Now().UTC(), message, id)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	return nil
}

// Job retrieves one job by ID. Returns ErrNotFound if no row matches.
func (s *Store) Job(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE job_id = ?
	`, id)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", id, err)
	}
	return job, nil
}

// ListJobs returns jobs filtered by status and type (either may be empty),
// newest first. limit <= 0 means no limit.
func (s *Store) ListJobs(ctx context.Context, status, jobType string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE (? = '' OR status = ?)
		  AND (? = '' OR job_type = ?)
		ORDER BY created_at DESC
		LIMIT ?
	`, status, status, jobType, jobType, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// CountJobs returns the number of jobs matching status and type filters.
func (s *Store) CountJobs(ctx context.Context, status, jobType string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE (? = '' OR status = ?)
		  AND (? = '' OR job_type = ?)
	`, status, status, jobType, jobType).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return count, nil
}

// ResetStuckJobs is the admin operation that returns processing jobs older
// than the cutoff to pending. This is the only sanctioned status regression.
func (s *Store) ResetStuckJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', started_at = NULL
		WHERE status = 'processing' AND started_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reset stuck jobs: %w", err)
	}
	return res.RowsAffected()
}

// DeleteTerminalJobs removes completed and failed jobs older than the
// cutoff. Cleanup is a separate destructive operation; it never touches
// pending or processing rows.
func (s *Store) DeleteTerminalJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed') AND completed_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	return res.RowsAffected()
}

const jobColumns = `job_id, job_type, machine_type, source_job_id, priority, status,
	created_at, started_at, completed_at, error_message, data, result, metadata`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*Job, error) {
	var (
		job                    Job
		machine, source, emsg  sql.NullString
		started, completed     sql.NullTime
		data, result, metadata string
	)
	if err := r.Scan(
		&job.ID, &job.Type, &machine, &source, &job.Priority, &job.Status,
		&job.CreatedAt, &started, &completed, &emsg, &data, &result, &metadata,
	); err != nil {
		return nil, err
	}

	job.Machine = machine.String
	job.SourceJobID = source.String
	job.ErrorMessage = emsg.String
	if started.Valid {
		t := started.Time
		job.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		job.CompletedAt = &t
	}
	job.Data = parseBlob(data, "data", job.ID)
	job.Result = parseBlob(result, "result", job.ID)
	job.Metadata = parseBlob(metadata, "metadata", job.ID)
	return &job, nil
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	jobs := []*Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
