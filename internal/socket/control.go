package socket

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
)

// maxDatagram bounds one control datagram. Initial-context payloads are
// warned about above 4 KiB, so 64 KiB leaves generous headroom.
const maxDatagram = 64 * 1024

// Inbound is one decoded control datagram. Record holds the whole decoded
// object (payload already auto-parsed); the engine stores it at
// context.event_data and dispatches Type.
type Inbound struct {
	Type   string
	Record map[string]any
}

// Control is a machine's bound datagram inbox. A background reader decodes
// datagrams onto Messages(); the engine drains that channel from its loop
// goroutine, which keeps all context mutation single-threaded.
type Control struct {
	path string
	conn *net.UnixConn
	msgs chan Inbound
	done chan struct{}
}

// ListenControl removes any stale socket file at the machine's control
// path, binds a datagram socket, and starts the reader.
func ListenControl(dir, ns, machine string) (*Control, error) {
	path := ControlPath(dir, ns, machine)

	// A previous process that died without cleanup leaves the file behind;
	// binding requires it gone.
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale control socket %s: %w", path, err)
	}

	addr := &net.UnixAddr{Name: path, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, fmt.Errorf("bind control socket %s: %w", path, err)
	}

	c := &Control{
		path: path,
		conn: conn,
		msgs: make(chan Inbound, 64),
		done: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Messages returns the channel of decoded inbound datagrams.
func (c *Control) Messages() <-chan Inbound {
	return c.msgs
}

// Path returns the bound socket file path.
func (c *Control) Path() string {
	return c.path
}

// Close shuts the reader down, closes the socket, and unlinks the file.
func (c *Control) Close() error {
	close(c.done)
	err := c.conn.Close()
	if rmErr := os.Remove(c.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
		err = rmErr
	}
	return err
}

func (c *Control) readLoop() {
	defer close(c.msgs)
	buf := make([]byte, maxDatagram)

	for {
		n, _, err := c.conn.ReadFromUnix(buf)
		if err != nil {
			select {
			case <-c.done:
				// Close() tore the socket down.
			default:
				slog.Warn("control socket read failed", "path", c.path, "error", err)
			}
			return
		}

		var record map[string]any
		if err := json.Unmarshal(buf[:n], &record); err != nil {
			// Malformed outer JSON: log and discard, never alter state.
			slog.Warn("discarding malformed control datagram",
				"path", c.path,
				"bytes", n,
				"error", err,
			)
			continue
		}

		AutoParsePayload(record)

		eventType, _ := record["type"].(string)
		select {
		case c.msgs <- Inbound{Type: eventType, Record: record}:
		case <-c.done:
			return
		}
	}
}

// Send opens a fresh datagram client to path, writes one message, and
// closes. Per-send sockets trade a little overhead for zero shared state.
func Send(path string, msg Message) error {
	data, err := marshalDatagram(msg)
	if err != nil {
		return err
	}

	addr := &net.UnixAddr{Name: path, Net: "unixgram"}
	conn, err := net.DialUnix("unixgram", nil, addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", path, err)
	}
	defer conn.Close()

	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("send to %s: %w", path, err)
	}
	return nil
}

// SocketExists reports whether a socket file is present at path. The fast
// path of send_event checks this before dialing.
func SocketExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
