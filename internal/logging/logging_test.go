package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer guards a bytes.Buffer so the drain goroutine and the test can
// share it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestAsyncHandler_FlushesOnClose(t *testing.T) {
	var buf syncBuffer
	h := NewAsyncHandler(slog.NewTextHandler(&buf, nil))
	logger := slog.New(h)

	for i := 0; i < 10; i++ {
		logger.Info("cycle", "i", i)
	}
	h.Close()

	out := buf.String()
	assert.Equal(t, 10, strings.Count(out, "msg=cycle"))
	assert.Contains(t, out, "i=9")
}

func TestAsyncHandler_WithAttrsSharesWorker(t *testing.T) {
	var buf syncBuffer
	h := NewAsyncHandler(slog.NewTextHandler(&buf, nil))
	logger := slog.New(h).With("machine", "m1")

	logger.Info("hello")
	h.Close()

	assert.Contains(t, buf.String(), "machine=m1")
}

func TestAsyncHandler_DropsAfterClose(t *testing.T) {
	var buf syncBuffer
	h := NewAsyncHandler(slog.NewTextHandler(&buf, nil))
	h.Close()

	require.NoError(t, h.Handle(context.Background(), slog.Record{}))
	assert.Equal(t, int64(1), h.Dropped())
}

func TestLimiter_FirstAndEveryNth(t *testing.T) {
	l := NewLimiter(10)

	var logged []int64
	for i := 0; i < 25; i++ {
		if n, ok := l.Allow("no_jobs"); ok {
			logged = append(logged, n)
		}
	}

	assert.Equal(t, []int64{1, 10, 20}, logged)
	assert.Equal(t, int64(25), l.Count("no_jobs"))
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l := NewLimiter(10)

	_, ok := l.Allow("a")
	assert.True(t, ok)
	_, ok = l.Allow("b")
	assert.True(t, ok, "first occurrence per key always logs")
}

func TestLimiter_Reset(t *testing.T) {
	l := NewLimiter(10)

	l.Allow("idle")
	l.Allow("idle")
	l.Reset("idle")

	n, ok := l.Allow("idle")
	assert.True(t, ok)
	assert.Equal(t, int64(1), n)
}
