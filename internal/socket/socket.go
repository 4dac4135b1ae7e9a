// Package socket implements the local datagram fabric: the per-machine
// control inbox, the shared telemetry emitter, and the fire-and-forget peer
// sender. All IPC is same-host unixgram; one object per datagram, UTF-8 JSON.
package socket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"

	"golang.org/x/text/unicode/norm"
)

// Defaults for the socket namespace. Overridable so multiple runtime
// namespaces coexist on one host.
const (
	DefaultDir       = "/tmp"
	DefaultNamespace = "statemachine"
)

// Wire-level event types with engine-side meaning.
const (
	// WakeUp datagrams exist purely to break the idle poll.
	WakeUp = "wake_up"
)

// EventsPath returns the shared telemetry socket path for a namespace.
func EventsPath(dir, ns string) string {
	return filepath.Join(dir, ns+"-events.sock")
}

// ControlPath returns the control socket path for one machine. Machine
// names are NFC-normalized so the same logical name always derives the
// same file regardless of how the YAML encoded it.
func ControlPath(dir, ns, machine string) string {
	return filepath.Join(dir, ns+"-control-"+norm.NFC.String(machine)+".sock")
}

// Message is the canonical outbound datagram shape. Telemetry records add
// machine_name/event_type; peer events carry type/payload/job_id.
type Message struct {
	Type        string `json:"type,omitempty"`
	Payload     any    `json:"payload,omitempty"`
	JobID       string `json:"job_id,omitempty"`
	MachineName string `json:"machine_name,omitempty"`
	EventType   string `json:"event_type,omitempty"`
}

// AutoParsePayload applies the payload auto-parse contract in place: a
// string payload is parsed as JSON and replaced with the parsed value; a
// string that fails to parse is replaced with an empty map and a warning.
// Non-string payloads are left alone.
func AutoParsePayload(record map[string]any) {
	raw, ok := record["payload"].(string)
	if !ok {
		return
	}
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		slog.Warn("control payload is not valid json, replacing with empty map",
			"payload", truncate(raw, 120),
			"error", err,
		)
		record["payload"] = map[string]any{}
		return
	}
	record["payload"] = parsed
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func marshalDatagram(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode datagram: %w", err)
	}
	return b, nil
}
