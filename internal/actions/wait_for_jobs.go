package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/statemachine/internal/store"
)

func init() {
	Register("wait_for_jobs", newWaitForJobsAction)
}

// waitForJobsAction polls a tracked list of job IDs and categorizes them
// into completed, failed, and pending buckets, written back to the
// context. It performs one poll per invocation: the FSM throttles by
// re-entering the waiting state, typically behind a timed transition.
//
// Events: all_jobs_complete when nothing is pending; the configured
// pending event ("" to stay put) when some jobs remain; the configured
// timeout event once the wait has run past timeout seconds since the
// first poll.
type waitForJobsAction struct {
	cfg map[string]any
}

func newWaitForJobsAction(cfg map[string]any) (Action, error) {
	return &waitForJobsAction{cfg: cfg}, nil
}

func (a *waitForJobsAction) Execute(ctx context.Context, rt *Runtime, fc Context) (string, error) {
	listKeyName := stringKey(a.cfg, "job_list", "tracked_jobs")
	ids := contextList(fc, listKeyName)

	var completed, failed, pending []any
	for _, raw := range ids {
		id := stringItem(raw)
		job, err := rt.Store.Job(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			failed = append(failed, id)
			continue
		}
		if err != nil {
			return "", fmt.Errorf("wait_for_jobs: %w", err)
		}
		switch job.Status {
		case store.JobCompleted:
			completed = append(completed, id)
		case store.JobFailed:
			failed = append(failed, id)
		default:
			pending = append(pending, id)
		}
	}

	fc["completed_jobs"] = completed
	fc["failed_jobs"] = failed
	fc["pending_jobs_remaining"] = pending

	if len(pending) == 0 {
		delete(fc, "wait_started_at")
		return successEvent(a.cfg, "all_jobs_complete"), nil
	}

	// Deadline is anchored at the first poll, surviving re-entry into the
	// waiting state.
	if timeout := floatKey(a.cfg, "timeout", 0); timeout > 0 {
		now := time.Now().Unix()
		started, ok := fc["wait_started_at"].(int64)
		if !ok {
			fc["wait_started_at"] = now
			started = now
		}
		if float64(now-started) >= timeout {
			delete(fc, "wait_started_at")
			return stringKey(a.cfg, "timeout_event", "wait_timeout"), nil
		}
	}

	return stringKey(a.cfg, "pending", ""), nil
}
