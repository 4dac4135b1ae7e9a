package actions

import (
	"context"
	"time"
)

// sleepAction suspends the machine for the configured number of seconds,
// then dispatches wake_up. The engine's loop keeps draining its control
// socket while the sleep runs, because the sleep honors cancellation.
type sleepAction struct {
	cfg map[string]any
}

func newSleepAction(cfg map[string]any) (Action, error) {
	return &sleepAction{cfg: cfg}, nil
}

func (a *sleepAction) Execute(ctx context.Context, rt *Runtime, fc Context) (string, error) {
	seconds := floatKey(a.cfg, "seconds", 1)

	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	return successEvent(a.cfg, EventWakeUp), nil
}
