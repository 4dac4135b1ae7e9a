package socket

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var nsCounter atomic.Int64

// Short socket paths matter: AF_UNIX limits sun_path to ~104 bytes and
// t.TempDir can be deep, so tests use /tmp with unique namespaces.
func testNS(t *testing.T) string {
	t.Helper()
	ns := fmt.Sprintf("smtest-%d-%d", os.Getpid(), nsCounter.Add(1))
	t.Cleanup(func() {
		os.Remove(EventsPath(DefaultDir, ns))
	})
	return ns
}

func recvInbound(t *testing.T, c *Control) Inbound {
	t.Helper()
	select {
	case in := <-c.Messages():
		return in
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for control message")
		return Inbound{}
	}
}

func TestControl_ReceivesPeerEvent(t *testing.T) {
	ns := testNS(t)
	c, err := ListenControl(DefaultDir, ns, "B")
	require.NoError(t, err)
	defer c.Close()

	err = Send(ControlPath(DefaultDir, ns, "B"), Message{
		Type:    "go",
		Payload: map[string]any{"n": 42},
		JobID:   "j1",
	})
	require.NoError(t, err)

	in := recvInbound(t, c)
	assert.Equal(t, "go", in.Type)
	assert.Equal(t, "j1", in.Record["job_id"])
	assert.Equal(t, map[string]any{"n": float64(42)}, in.Record["payload"])
}

func TestControl_AutoParsesStringPayload(t *testing.T) {
	ns := testNS(t)
	c, err := ListenControl(DefaultDir, ns, "B")
	require.NoError(t, err)
	defer c.Close()

	// Peers may JSON-encode the payload as a string; the receiver parses it.
	err = Send(c.Path(), Message{Type: "go", Payload: `{"n": 7}`})
	require.NoError(t, err)

	in := recvInbound(t, c)
	assert.Equal(t, map[string]any{"n": float64(7)}, in.Record["payload"])
}

func TestControl_UnparseablePayloadBecomesEmptyMap(t *testing.T) {
	ns := testNS(t)
	c, err := ListenControl(DefaultDir, ns, "B")
	require.NoError(t, err)
	defer c.Close()

	err = Send(c.Path(), Message{Type: "go", Payload: "not json at all"})
	require.NoError(t, err)

	in := recvInbound(t, c)
	assert.Equal(t, "go", in.Type)
	assert.Equal(t, map[string]any{}, in.Record["payload"])
}

func TestControl_DiscardsMalformedDatagram(t *testing.T) {
	ns := testNS(t)
	c, err := ListenControl(DefaultDir, ns, "B")
	require.NoError(t, err)
	defer c.Close()

	addr := &net.UnixAddr{Name: c.Path(), Net: "unixgram"}
	conn, err := net.DialUnix("unixgram", nil, addr)
	require.NoError(t, err)
	_, err = conn.Write([]byte("{{{{"))
	require.NoError(t, err)
	conn.Close()

	// The bad datagram is dropped; a following good one still arrives.
	require.NoError(t, Send(c.Path(), Message{Type: "ok"}))
	in := recvInbound(t, c)
	assert.Equal(t, "ok", in.Type)
}

func TestControl_ReplacesStaleSocketFile(t *testing.T) {
	ns := testNS(t)

	c1, err := ListenControl(DefaultDir, ns, "B")
	require.NoError(t, err)
	// Simulate a crash: the file stays behind.
	c1.conn.Close()

	c2, err := ListenControl(DefaultDir, ns, "B")
	require.NoError(t, err)
	defer c2.Close()

	require.NoError(t, Send(c2.Path(), Message{Type: "alive"}))
	in := recvInbound(t, c2)
	assert.Equal(t, "alive", in.Type)
}

func TestControl_CloseUnlinks(t *testing.T) {
	ns := testNS(t)
	c, err := ListenControl(DefaultDir, ns, "B")
	require.NoError(t, err)

	path := c.Path()
	assert.True(t, SocketExists(path))
	require.NoError(t, c.Close())
	assert.False(t, SocketExists(path))
}

func TestSend_NoReceiver(t *testing.T) {
	err := Send("/tmp/definitely-missing-"+time.Now().Format("150405.000")+".sock", Message{Type: "x"})
	assert.Error(t, err)
}

func TestEmitter_DeliversAndRecovers(t *testing.T) {
	ns := testNS(t)
	path := EventsPath(DefaultDir, ns)

	em := NewEmitter(DefaultDir, ns)
	defer em.Close()

	// No collector bound yet: emit fails but never panics.
	assert.Error(t, em.Emit("m1", "state_change", nil))

	addr := &net.UnixAddr{Name: path, Net: "unixgram"}
	listener, err := net.ListenUnixgram("unixgram", addr)
	require.NoError(t, err)
	defer listener.Close()

	// Silent reattempt on the next call once the collector exists.
	require.NoError(t, em.Emit("m1", "state_change", map[string]any{"to_state": "working"}))

	buf := make([]byte, maxDatagram)
	listener.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := listener.Read(buf)
	require.NoError(t, err)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf[:n], &record))
	assert.Equal(t, "m1", record["machine_name"])
	assert.Equal(t, "state_change", record["event_type"])
	assert.Equal(t, map[string]any{"to_state": "working"}, record["payload"])
}

func TestAutoParsePayload(t *testing.T) {
	rec := map[string]any{"payload": `["a", 1]`}
	AutoParsePayload(rec)
	assert.Equal(t, []any{"a", float64(1)}, rec["payload"])

	rec = map[string]any{"payload": map[string]any{"keep": true}}
	AutoParsePayload(rec)
	assert.Equal(t, map[string]any{"keep": true}, rec["payload"])

	rec = map[string]any{}
	AutoParsePayload(rec)
	_, present := rec["payload"]
	assert.False(t, present)
}

func TestPaths(t *testing.T) {
	assert.Equal(t, "/tmp/ns-events.sock", EventsPath("/tmp", "ns"))
	assert.Equal(t, "/tmp/ns-control-worker.sock", ControlPath("/tmp", "ns", "worker"))
}
