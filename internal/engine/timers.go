package engine

import (
	"log/slog"
	"time"

	"github.com/roach88/statemachine/internal/config"
)

// timedEvent is a fired state timer. The generation stamp lets the loop
// discard timers that lost the race with a state change.
type timedEvent struct {
	event string
	gen   uint64
}

// startTimers launches one timer per timed transition leaving state.
// Timers deliver their event into timerCh; the loop goroutine dispatches
// it, so timer firing never touches engine state concurrently. When
// several timers race, the shortest delivers first and its state change
// cancels the rest.
func (e *Engine) startTimers(state string) {
	timed := e.cfg.TimedTransitions(state)
	if len(timed) == 0 {
		return
	}

	e.timerGen++
	gen := e.timerGen
	cancel := make(chan struct{})
	e.timerCancel = cancel

	for _, t := range timed {
		d, ok := config.ParseTimeoutEvent(t.Event)
		if !ok {
			continue
		}
		slog.Debug("timed transition armed",
			"machine", e.machine,
			"state", state,
			"event", t.Event,
			"after", d,
		)
		go func(event string, d time.Duration) {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
				select {
				case e.timerCh <- timedEvent{event: event, gen: gen}:
				case <-cancel:
				}
			case <-cancel:
			}
		}(t.Event, d)
	}
}

// cancelTimers stops all outstanding timers for the previous state.
// Fired-but-undelivered events are discarded by the generation check.
func (e *Engine) cancelTimers() {
	if e.timerCancel != nil {
		close(e.timerCancel)
		e.timerCancel = nil
	}
}
