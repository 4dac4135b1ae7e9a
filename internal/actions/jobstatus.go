package actions

import (
	"context"
	"fmt"
)

func init() {
	Register("complete_job", newCompleteJobAction)
	Register("fail_job", newFailJobAction)
}

// currentJobID extracts the id of current_job, preferring an explicit
// job_id config override.
func currentJobID(cfg map[string]any, fc Context) string {
	if id := stringKey(cfg, "job_id", ""); id != "" {
		return id
	}
	if job, ok := fc[KeyCurrentJob].(map[string]any); ok {
		if id, ok := job["id"].(string); ok {
			return id
		}
	}
	return ""
}

// completeJobAction marks the current (or configured) job completed,
// storing an optional result map, and clears current_job.
type completeJobAction struct {
	cfg map[string]any
}

func newCompleteJobAction(cfg map[string]any) (Action, error) {
	return &completeJobAction{cfg: cfg}, nil
}

func (a *completeJobAction) Execute(ctx context.Context, rt *Runtime, fc Context) (string, error) {
	id := currentJobID(a.cfg, fc)
	if id == "" {
		return "", fmt.Errorf("complete job: no job to complete")
	}

	if err := rt.Store.CompleteJob(ctx, id, mapKey(a.cfg, "result")); err != nil {
		return "", fmt.Errorf("complete job %s: %w", id, err)
	}
	delete(fc, KeyCurrentJob)

	return successEvent(a.cfg, EventSuccess), nil
}

// failJobAction marks the current (or configured) job failed with a
// message, and clears current_job.
type failJobAction struct {
	cfg map[string]any
}

func newFailJobAction(cfg map[string]any) (Action, error) {
	return &failJobAction{cfg: cfg}, nil
}

func (a *failJobAction) Execute(ctx context.Context, rt *Runtime, fc Context) (string, error) {
	id := currentJobID(a.cfg, fc)
	if id == "" {
		return "", fmt.Errorf("fail job: no job to fail")
	}

	message := stringKey(a.cfg, "message", "")
	if message == "" {
		message = stringItem(fc[KeyLastError])
	}

	if err := rt.Store.FailJob(ctx, id, message); err != nil {
		return "", fmt.Errorf("fail job %s: %w", id, err)
	}
	delete(fc, KeyCurrentJob)

	return successEvent(a.cfg, EventSuccess), nil
}
