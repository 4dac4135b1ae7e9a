package socket

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// writeGrace bounds one telemetry write so a full receiver buffer cannot
// stall the engine loop.
const writeGrace = 10 * time.Millisecond

// Emitter sends JSON telemetry records to the shared events socket. Sends
// are best-effort: any failure drops the client so the next call redials,
// and the caller falls back to the realtime_events table.
type Emitter struct {
	path string

	mu   sync.Mutex
	conn *net.UnixConn
}

// NewEmitter creates an emitter for the namespace's shared events socket.
// No connection is opened until the first Emit.
func NewEmitter(dir, ns string) *Emitter {
	return &Emitter{path: EventsPath(dir, ns)}
}

// Emit sends one telemetry record. The record carries
// {machine_name, event_type, payload}. Returns an error when the datagram
// could not be delivered; callers are expected to fall back, not crash.
func (e *Emitter) Emit(machine, eventType string, payload map[string]any) error {
	data, err := marshalDatagram(Message{
		MachineName: machine,
		EventType:   eventType,
		Payload:     payload,
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		addr := &net.UnixAddr{Name: e.path, Net: "unixgram"}
		conn, err := net.DialUnix("unixgram", nil, addr)
		if err != nil {
			return fmt.Errorf("dial events socket: %w", err)
		}
		e.conn = conn
	}

	e.conn.SetWriteDeadline(time.Now().Add(writeGrace))
	if _, err := e.conn.Write(data); err != nil {
		// Drop the client; the next Emit reattempts from scratch.
		e.conn.Close()
		e.conn = nil
		return fmt.Errorf("emit %s: %w", eventType, err)
	}
	return nil
}

// Close releases the client socket if one is open.
func (e *Emitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil
	}
	err := e.conn.Close()
	e.conn = nil
	return err
}
