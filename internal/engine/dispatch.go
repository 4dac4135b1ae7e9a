package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/statemachine/internal/actions"
)

// dispatch resolves one event against the transition table and applies
// the resulting state change. Events with no matching transition are
// dropped with a rate-limited debug log; that is legal, not an error.
func (e *Engine) dispatch(ctx context.Context, event string) {
	if event == "" {
		return
	}
	if !idleEvents[event] {
		e.lastActivity = time.Now()
	}

	to, ok := e.cfg.Resolve(e.state, event)
	if !ok {
		if n, allow := e.limiter.Allow("drop:" + e.state + ":" + event); allow {
			slog.Debug("no transition for event",
				"machine", e.machine,
				"state", e.state,
				"event", event,
				"occurrences", n,
			)
		}
		return
	}

	from := e.state

	// An idle self-loop is not a real state change: it is counted but it
	// must neither emit telemetry nor restart the state's timers, or a
	// fast poll loop would starve every timed transition.
	if from == to && idleEvents[event] {
		e.transitions++
		return
	}

	e.cancelTimers()
	e.state = to
	e.transitions++
	e.startTimers(to)

	slog.Info("state change",
		"machine", e.machine,
		"from", from,
		"to", to,
		"event", event,
	)
	e.rt.EmitRealtime(ctx, "state_change", map[string]any{
		"from_state":    from,
		"to_state":      to,
		"event_trigger": event,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	})

	e.recordMachineState(ctx)
	if e.st != nil {
		if err := e.st.AppendTransition(ctx, e.machine, to, event); err != nil {
			slog.Warn("transition log append failed", "machine", e.machine, "error", err)
		}
	}
}

// currentJobFields are lifted to the top-level context after each action,
// alongside every key of current_job.data, so templates can reference
// them directly.
var currentJobFields = []string{"id", "source_job_id", "job_id", "job_type"}

func (e *Engine) propagateCurrentJob() {
	job, ok := e.fc[actions.KeyCurrentJob].(map[string]any)
	if !ok {
		return
	}

	for _, k := range currentJobFields {
		if v, present := job[k]; present {
			e.fc[k] = v
		}
	}
	lifted := 0
	if data, ok := job["data"].(map[string]any); ok {
		for k, v := range data {
			e.fc[k] = v
		}
		lifted = len(data)
	}

	if n, allow := e.limiter.Allow("propagate:" + e.machine); allow {
		slog.Debug("propagated current_job into context",
			"machine", e.machine,
			"data_keys", lifted,
			"occurrences", n,
		)
	}
}
