package actions

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/statemachine/internal/store"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return &Runtime{
		Machine:   "test_machine",
		SocketDir: t.TempDir(),
		SocketNS:  "smtest",
		Store:     st,
	}
}

func execute(t *testing.T, rt *Runtime, typeTag string, cfg map[string]any, fc Context) string {
	t.Helper()
	a, err := New(typeTag, cfg)
	require.NoError(t, err)
	ev, err := a.Execute(context.Background(), rt, fc)
	require.NoError(t, err)
	return ev
}

func TestRegistry(t *testing.T) {
	_, err := New("no_such_action", nil)
	require.ErrorIs(t, err, ErrUnknownType)

	// Legacy tags resolve through the alias table.
	a, err := New("activity_log", map[string]any{"message": "hi"})
	require.NoError(t, err)
	assert.IsType(t, &logAction{}, a)

	assert.Contains(t, Registered(), "bash")
	assert.Contains(t, Registered(), "send_event")
}

func TestSetContextAndLists(t *testing.T) {
	rt := newTestRuntime(t)
	fc := Context{}

	ev := execute(t, rt, "set_context", map[string]any{
		"values": map[string]any{"batch": "b1", "retries": 3},
	}, fc)
	assert.Equal(t, EventSuccess, ev)
	assert.Equal(t, "b1", fc["batch"])

	execute(t, rt, "add_to_list", map[string]any{"list": "ids", "value": "j1"}, fc)
	execute(t, rt, "add_to_list", map[string]any{"list": "ids", "value": "j2"}, fc)
	assert.Equal(t, []any{"j1", "j2"}, fc["ids"])

	ev = execute(t, rt, "pop_from_list", map[string]any{"list": "ids", "item_key": "cur"}, fc)
	assert.Equal(t, "popped", ev)
	assert.Equal(t, "j1", fc["cur"])
	assert.Equal(t, []any{"j2"}, fc["ids"])

	execute(t, rt, "pop_from_list", map[string]any{"list": "ids"}, fc)
	ev = execute(t, rt, "pop_from_list", map[string]any{"list": "ids"}, fc)
	assert.Equal(t, "empty", ev)
}

func TestCheckDatabaseQueue(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	fc := Context{}

	ev := execute(t, rt, "check_database_queue", map[string]any{"job_type": "encode"}, fc)
	assert.Equal(t, EventNoJobs, ev)

	_, err := rt.Store.CreateJob(ctx, "job-1", "encode", store.CreateJobParams{
		Data: map[string]any{"file": "a.mp4"},
	})
	require.NoError(t, err)

	ev = execute(t, rt, "check_database_queue", map[string]any{"job_type": "encode", "machine_type": ""}, fc)
	assert.Equal(t, EventNewJob, ev)

	cur := fc[KeyCurrentJob].(map[string]any)
	assert.Equal(t, "job-1", cur["id"])
	assert.Equal(t, "encode", cur["job_type"])
	assert.Equal(t, "a.mp4", cur["data"].(map[string]any)["file"])

	job, err := rt.Store.Job(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, store.JobProcessing, job.Status)
}

func TestClaimJob(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	fc := Context{}

	_, err := rt.Store.CreateJob(ctx, "job-2", "encode", store.CreateJobParams{})
	require.NoError(t, err)

	ev := execute(t, rt, "claim_job", map[string]any{"job_id": "job-2"}, fc)
	assert.Equal(t, "claimed", ev)
	assert.Equal(t, "job-2", fc[KeyCurrentJob].(map[string]any)["id"])

	ev = execute(t, rt, "claim_job", map[string]any{"job_id": "job-2"}, fc)
	assert.Equal(t, "already_claimed", ev)
}

func TestGetPendingJobs(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	fc := Context{}

	ev := execute(t, rt, "get_pending_jobs", map[string]any{"job_type": "encode"}, fc)
	assert.Equal(t, EventNoJobs, ev)

	for _, id := range []string{"a", "b", "c"} {
		_, err := rt.Store.CreateJob(ctx, id, "encode", store.CreateJobParams{})
		require.NoError(t, err)
	}

	ev = execute(t, rt, "get_pending_jobs", map[string]any{
		"job_type": "encode", "context_key": "batch", "limit": 2,
	}, fc)
	assert.Equal(t, "jobs_found", ev)
	assert.Len(t, fc["batch"], 2)

	// Non-mutating: everything is still pending.
	n, err := rt.Store.CountJobs(ctx, store.JobPending, "encode")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestCompleteAndFailJob(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	for _, id := range []string{"done-1", "bad-1"} {
		_, err := rt.Store.CreateJob(ctx, id, "encode", store.CreateJobParams{})
		require.NoError(t, err)
	}

	fc := Context{KeyCurrentJob: map[string]any{"id": "done-1"}}
	ev := execute(t, rt, "complete_job", map[string]any{
		"result": map[string]any{"frames": 100},
	}, fc)
	assert.Equal(t, EventSuccess, ev)
	assert.NotContains(t, fc, KeyCurrentJob)

	job, err := rt.Store.Job(ctx, "done-1")
	require.NoError(t, err)
	assert.Equal(t, store.JobCompleted, job.Status)

	fc = Context{
		KeyCurrentJob: map[string]any{"id": "bad-1"},
		KeyLastError:  "encoder crashed",
	}
	execute(t, rt, "fail_job", nil, fc)

	job, err = rt.Store.Job(ctx, "bad-1")
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, job.Status)
	assert.Equal(t, "encoder crashed", job.ErrorMessage)
}

func TestClearEvents(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := rt.Store.SendMachineEvent(ctx, "test_machine", "go", store.SendParams{})
		require.NoError(t, err)
	}

	execute(t, rt, "clear_events", map[string]any{"event_type": "go"}, Context{})

	pending, err := rt.Store.PendingMachineEvents(ctx, "test_machine")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCheckMachineState(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	cfg := map[string]any{
		"machine_name":    "peer",
		"expected_states": []any{"waiting", "processing"},
	}

	ev := execute(t, rt, "check_machine_state", cfg, Context{})
	assert.Equal(t, "not_running", ev)

	require.NoError(t, rt.Store.AppendTransition(ctx, "peer", "waiting", "start"))
	ev = execute(t, rt, "check_machine_state", cfg, Context{})
	assert.Equal(t, "in_expected_state", ev)

	require.NoError(t, rt.Store.AppendTransition(ctx, "peer", "broken", "error"))
	ev = execute(t, rt, "check_machine_state", cfg, Context{})
	assert.Equal(t, "unexpected_state", ev)

	// A stale record counts as not running.
	cfg["max_age_seconds"] = 0.0
	time.Sleep(20 * time.Millisecond)
	ev = execute(t, rt, "check_machine_state", cfg, Context{})
	assert.Equal(t, "not_running", ev)
}

func TestSendEvent_FallsBackToStore(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	fc := Context{}

	// No receiver socket exists, so the event must land in the table and
	// the action must still report success.
	ev := execute(t, rt, "send_event", map[string]any{
		"target_machine": "peer",
		"event_type":     "go",
		"payload":        map[string]any{"file": "a.mp4"},
	}, fc)
	assert.Equal(t, EventSuccess, ev)

	pending, err := rt.Store.PendingMachineEvents(ctx, "peer")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "go", pending[0].EventType)
	assert.Equal(t, "test_machine", pending[0].SourceMachine)
	assert.JSONEq(t, `{"file":"a.mp4"}`, pending[0].Payload)
}

func TestWaitForJobs(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	for _, id := range []string{"w1", "w2", "w3"} {
		_, err := rt.Store.CreateJob(ctx, id, "encode", store.CreateJobParams{})
		require.NoError(t, err)
	}
	require.NoError(t, rt.Store.CompleteJob(ctx, "w1", nil))
	require.NoError(t, rt.Store.FailJob(ctx, "w2", "boom"))

	fc := Context{"tracked_jobs": []any{"w1", "w2", "w3"}}
	ev := execute(t, rt, "wait_for_jobs", map[string]any{"pending": "still_waiting"}, fc)
	assert.Equal(t, "still_waiting", ev)
	assert.Equal(t, []any{"w1"}, fc["completed_jobs"])
	assert.Equal(t, []any{"w2"}, fc["failed_jobs"])
	assert.Equal(t, []any{"w3"}, fc["pending_jobs_remaining"])

	require.NoError(t, rt.Store.CompleteJob(ctx, "w3", nil))
	ev = execute(t, rt, "wait_for_jobs", nil, fc)
	assert.Equal(t, "all_jobs_complete", ev)
}

func TestWaitForJobs_NullPendingStaysPut(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	_, err := rt.Store.CreateJob(ctx, "w4", "encode", store.CreateJobParams{})
	require.NoError(t, err)

	fc := Context{"tracked_jobs": []any{"w4"}}
	ev := execute(t, rt, "wait_for_jobs", nil, fc)
	assert.Equal(t, "", ev)
}

func TestBash_Success(t *testing.T) {
	rt := newTestRuntime(t)
	fc := Context{}

	ev := execute(t, rt, "bash", map[string]any{"command": "true"}, fc)
	assert.Equal(t, "job_done", ev)
	assert.NotContains(t, fc, KeyLastError)
}

func TestBash_CommandFromJobData(t *testing.T) {
	rt := newTestRuntime(t)
	fc := Context{
		KeyCurrentJob: map[string]any{
			"id":   "j1",
			"data": map[string]any{"command": "exit 0"},
		},
	}

	ev := execute(t, rt, "bash", map[string]any{}, fc)
	assert.Equal(t, "job_done", ev)
}

func TestBash_UnmappedFailure(t *testing.T) {
	rt := newTestRuntime(t)
	fc := Context{KeyCurrentJob: map[string]any{"id": "j1"}}

	ev := execute(t, rt, "bash", map[string]any{"command": "echo oops >&2; exit 3"}, fc)
	assert.Equal(t, EventError, ev)
	assert.Equal(t, 3, fc[KeyLastErrorExitCode])
	assert.Equal(t, "bash", fc[KeyLastErrorAction])
	assert.Contains(t, fc[KeyLastError], "oops")
	assert.NotContains(t, fc, KeyCurrentJob)
}

func TestBash_MappedFailureKeepsJob(t *testing.T) {
	rt := newTestRuntime(t)
	fc := Context{KeyCurrentJob: map[string]any{"id": "j1"}}

	ev := execute(t, rt, "bash", map[string]any{
		"command":        "exit 42",
		"error_mappings": map[string]any{"42": "needs_retry"},
	}, fc)
	assert.Equal(t, "needs_retry", ev)
	assert.Contains(t, fc, KeyCurrentJob)
	assert.NotContains(t, fc, KeyLastError)
}

func TestBash_Timeout(t *testing.T) {
	rt := newTestRuntime(t)
	fc := Context{KeyCurrentJob: map[string]any{"id": "j1"}}

	start := time.Now()
	ev := execute(t, rt, "bash", map[string]any{
		"command": "sleep 30",
		"timeout": 0.2,
	}, fc)
	assert.Equal(t, EventError, ev)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Contains(t, fc[KeyLastError], "timed out")
	assert.NotContains(t, fc, KeyLastErrorExitCode)
	assert.NotContains(t, fc, KeyCurrentJob)
}

func TestSubstituteCommand(t *testing.T) {
	fc := Context{
		"file": "/data/in put.mp4",
		"current_job": map[string]any{
			"data": map[string]any{"preset": "fast"},
		},
	}

	got := substituteCommand("encode {file} --preset {current_job.data.preset}", fc)
	assert.Equal(t, `encode '/data/in put.mp4' --preset fast`, got)

	// Fallback alternatives: first present wins, literal when none resolve.
	got = substituteCommand("run {missing|file}", fc)
	assert.Equal(t, `run '/data/in put.mp4'`, got)
	got = substituteCommand("run {missing|also_missing}", fc)
	assert.Equal(t, "run {missing|also_missing}", got)

	// Inside single quotes the value is escaped, not re-quoted.
	fc["msg"] = "it's done"
	got = substituteCommand(`notify 'status: {msg}'`, fc)
	assert.Equal(t, `notify 'status: it'\''s done'`, got)
}

func TestSleep(t *testing.T) {
	rt := newTestRuntime(t)

	start := time.Now()
	ev := execute(t, rt, "sleep", map[string]any{"seconds": 0.05}, Context{})
	assert.Equal(t, EventWakeUp, ev)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestSleep_Cancel(t *testing.T) {
	rt := newTestRuntime(t)

	a, err := New("sleep", map[string]any{"seconds": 10})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.Execute(ctx, rt, Context{})
	require.ErrorIs(t, err, context.Canceled)
}
