package actions

import (
	"context"
	"fmt"
	"log/slog"
)

func init() {
	Register("clear_events", newClearEventsAction)
}

// clearEventsAction marks pending peer events addressed to this machine
// as processed without dispatching them. Machines run it on startup or on
// re-entry into an idle state to discard a stale backlog.
type clearEventsAction struct {
	cfg map[string]any
}

func newClearEventsAction(cfg map[string]any) (Action, error) {
	return &clearEventsAction{cfg: cfg}, nil
}

func (a *clearEventsAction) Execute(ctx context.Context, rt *Runtime, fc Context) (string, error) {
	machine := stringKey(a.cfg, "machine_name", rt.Machine)
	eventType := stringKey(a.cfg, "event_type", "")

	n, err := rt.Store.ClearPendingEvents(ctx, machine, eventType)
	if err != nil {
		return "", fmt.Errorf("clear events for %s: %w", machine, err)
	}
	if n > 0 {
		slog.Info("cleared stale peer events", "machine", machine, "event_type", eventType, "count", n)
	}

	return successEvent(a.cfg, EventSuccess), nil
}
