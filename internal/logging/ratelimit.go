package logging

import "sync"

// DefaultEvery is the default suppression interval: log the first
// occurrence of a key and every Nth after.
const DefaultEvery = 50

// Limiter suppresses repeated log lines per message key. Routine idle
// events (no_jobs, wake_up) fire every loop iteration; without suppression
// they drown everything else.
//
// Thread-safe; keyed per message template, counters live for the process.
type Limiter struct {
	every int

	mu     sync.Mutex
	counts map[string]int64
}

// NewLimiter creates a limiter that allows the 1st and every Nth
// occurrence of each key. every < 1 falls back to DefaultEvery.
func NewLimiter(every int) *Limiter {
	if every < 1 {
		every = DefaultEvery
	}
	return &Limiter{every: every, counts: make(map[string]int64)}
}

// Allow counts one occurrence of key and reports whether this one should
// be logged. The returned count is the total seen so far, so suppressed
// spans can be summarized ("seen 150 times").
func (l *Limiter) Allow(key string) (count int64, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.counts[key]++
	n := l.counts[key]
	return n, n == 1 || n%int64(l.every) == 0
}

// Reset clears the counter for one key. The engine resets idle counters on
// non-idle activity so the next idle burst logs its first line again.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.counts, key)
}

// Count returns the occurrences seen for key.
func (l *Limiter) Count(key string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[key]
}
