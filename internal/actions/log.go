package actions

import (
	"context"
	"log/slog"
)

func init() {
	Register("log", newLogAction)
	Register("sleep", newSleepAction)
}

// logAction writes a structured record to the realtime-events stream,
// addressed to observer UIs. The engine also handles the "log" type inline
// for loop-local efficiency; this registration covers direct construction
// and user overrides.
type logAction struct {
	cfg map[string]any
}

func newLogAction(cfg map[string]any) (Action, error) {
	return &logAction{cfg: cfg}, nil
}

func (a *logAction) Execute(ctx context.Context, rt *Runtime, fc Context) (string, error) {
	message := stringKey(a.cfg, "message", "")
	level := stringKey(a.cfg, "level", "info")

	slog.Info("machine log", "machine", rt.Machine, "level", level, "message", message)
	rt.EmitRealtime(ctx, "log", map[string]any{
		"message": message,
		"level":   level,
		"target":  "ui",
	})

	return successEvent(a.cfg, EventSuccess), nil
}
