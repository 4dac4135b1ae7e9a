package actions

import (
	"context"
	"fmt"
	"log/slog"
)

func init() {
	Register("check_database_queue", newCheckQueueAction)
	Register("get_pending_jobs", newGetPendingAction)
	Register("claim_job", newClaimJobAction)
}

// jobContext renders a claimed job as the current_job context value.
func jobContext(id, sourceJobID, jobType string, data map[string]any) map[string]any {
	if data == nil {
		data = map[string]any{}
	}
	return map[string]any{
		"id":            id,
		"source_job_id": sourceJobID,
		"job_type":      jobType,
		"data":          data,
	}
}

// checkQueueAction atomically claims the next pending job of a configured
// type (and optional machine tag) and installs it as current_job.
//
// Events: new_job when a job was claimed, no_jobs when the queue was empty.
type checkQueueAction struct {
	cfg map[string]any
}

func newCheckQueueAction(cfg map[string]any) (Action, error) {
	return &checkQueueAction{cfg: cfg}, nil
}

func (a *checkQueueAction) Execute(ctx context.Context, rt *Runtime, fc Context) (string, error) {
	jobType := stringKey(a.cfg, "job_type", "")
	machine := stringKey(a.cfg, "machine_type", "")

	job, err := rt.Store.NextJob(ctx, jobType, machine)
	if err != nil {
		return "", fmt.Errorf("check database queue: %w", err)
	}
	if job == nil {
		return stringKey(a.cfg, "no_jobs", EventNoJobs), nil
	}

	fc[KeyCurrentJob] = jobContext(job.ID, job.SourceJobID, job.Type, job.Data)
	slog.Info("claimed job from queue", "machine", rt.Machine, "job_id", job.ID, "job_type", job.Type)

	return successEvent(a.cfg, EventNewJob), nil
}

// getPendingAction is the non-mutating batch read: it stores the pending
// job IDs at a configured context key without claiming anything.
//
// Events: jobs_found or no_jobs.
type getPendingAction struct {
	cfg map[string]any
}

func newGetPendingAction(cfg map[string]any) (Action, error) {
	return &getPendingAction{cfg: cfg}, nil
}

func (a *getPendingAction) Execute(ctx context.Context, rt *Runtime, fc Context) (string, error) {
	jobType := stringKey(a.cfg, "job_type", "")
	machine := stringKey(a.cfg, "machine_type", "")
	limit := intKey(a.cfg, "limit", 10)
	key := stringKey(a.cfg, "context_key", "pending_jobs")

	jobs, err := rt.Store.PendingJobs(ctx, jobType, machine, limit)
	if err != nil {
		return "", fmt.Errorf("get pending jobs: %w", err)
	}
	if len(jobs) == 0 {
		return stringKey(a.cfg, "no_jobs", EventNoJobs), nil
	}

	ids := make([]any, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	fc[key] = ids

	return successEvent(a.cfg, "jobs_found"), nil
}

// claimJobAction performs the CAS claim on one job ID, usually templated
// from a list popped by a controller.
//
// Events: claimed, already_claimed, or error when the ID is missing.
type claimJobAction struct {
	cfg map[string]any
}

func newClaimJobAction(cfg map[string]any) (Action, error) {
	return &claimJobAction{cfg: cfg}, nil
}

func (a *claimJobAction) Execute(ctx context.Context, rt *Runtime, fc Context) (string, error) {
	id := stringKey(a.cfg, "job_id", "")
	if id == "" {
		return "", fmt.Errorf("claim job: no job_id configured")
	}

	ok, err := rt.Store.ClaimJob(ctx, id)
	if err != nil {
		return "", fmt.Errorf("claim job %s: %w", id, err)
	}
	if !ok {
		return stringKey(a.cfg, "already_claimed", "already_claimed"), nil
	}

	job, err := rt.Store.Job(ctx, id)
	if err != nil {
		return "", fmt.Errorf("claim job %s: %w", id, err)
	}
	fc[KeyCurrentJob] = jobContext(job.ID, job.SourceJobID, job.Type, job.Data)

	return successEvent(a.cfg, "claimed"), nil
}
