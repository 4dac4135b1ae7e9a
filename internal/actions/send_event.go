package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/roach88/statemachine/internal/socket"
	"github.com/roach88/statemachine/internal/store"
)

func init() {
	Register("send_event", newSendEventAction)
}

// sendEventAction delivers a message to a peer machine. Fast path is a
// datagram to the peer's control socket; when the socket file is missing
// or the send fails, the event is written to machine_events and a wake_up
// datagram nudges the peer to drain the table. Both paths emit the
// configured success event: delivery degradation is not an error.
//
// The payload config arrives interpolated, so map values and the
// whole-payload forward form `{event_data.payload}` have already been
// resolved to their concrete values.
type sendEventAction struct {
	cfg map[string]any
}

func newSendEventAction(cfg map[string]any) (Action, error) {
	if stringKey(cfg, "target_machine", "") == "" {
		return nil, fmt.Errorf("send_event: target_machine is required")
	}
	return &sendEventAction{cfg: cfg}, nil
}

func (a *sendEventAction) Execute(ctx context.Context, rt *Runtime, fc Context) (string, error) {
	target := stringKey(a.cfg, "target_machine", "")
	eventType := stringKey(a.cfg, "event_type", EventWakeUp)
	payload := a.cfg["payload"]

	jobID := stringKey(a.cfg, "job_id", "")
	if jobID == "" {
		if job, ok := fc[KeyCurrentJob].(map[string]any); ok {
			jobID, _ = job["id"].(string)
		}
	}

	msg := socket.Message{Type: eventType, Payload: payload, JobID: jobID}
	path := rt.ControlPathFor(target)

	if socket.SocketExists(path) {
		if err := socket.Send(path, msg); err == nil {
			return successEvent(a.cfg, EventSuccess), nil
		}
	}

	// Durable fallback: the peer is down or its inbox is gone. The row is
	// at-least-once; receivers tolerate replays.
	payloadJSON := ""
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("send_event to %s: encode payload: %w", target, err)
		}
		payloadJSON = string(b)
	}

	if _, err := rt.Store.SendMachineEvent(ctx, target, eventType, store.SendParams{
		Source:  rt.Machine,
		JobID:   jobID,
		Payload: payloadJSON,
	}); err != nil {
		return "", fmt.Errorf("send_event to %s: %w", target, err)
	}

	// Best-effort nudge in case the peer comes up mid-send.
	if err := socket.Send(path, socket.Message{Type: socket.WakeUp}); err != nil {
		slog.Debug("wake_up nudge failed", "target", target, "error", err)
	}

	return successEvent(a.cfg, EventSuccess), nil
}
