// Package engine implements the cooperative state-machine loop: one
// goroutine per engine that drains the control socket, resolves
// transitions, and executes the current state's action list.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/roach88/statemachine/internal/actions"
	"github.com/roach88/statemachine/internal/config"
	"github.com/roach88/statemachine/internal/interp"
	"github.com/roach88/statemachine/internal/logging"
	"github.com/roach88/statemachine/internal/socket"
	"github.com/roach88/statemachine/internal/store"
)

// StoppedState is the terminal state. Reaching it ends the loop.
const StoppedState = "stopped"

// startEvent is dispatched once after startup so configs can transition
// out of the initial state immediately.
const startEvent = "start"

// Poll intervals for the loop tail sleep. The active interval applies
// while the machine has seen a non-idle event recently.
const (
	idleInterval   = 500 * time.Millisecond
	activeInterval = 50 * time.Millisecond
	activeWindow   = 2 * time.Second
)

// idleEvents self-loop without being interesting: they keep the poll
// alive but are suppressed from state-change telemetry.
var idleEvents = map[string]bool{
	socket.WakeUp: true,
	"no_events":   true,
	"no_jobs":     true,
}

// Engine runs one machine definition.
//
// All context mutation, transition resolution, and action execution happen
// on the goroutine that calls Run. The control socket's reader goroutine
// only delivers decoded datagrams onto a channel; it never touches engine
// state.
type Engine struct {
	cfg     *config.Config
	machine string
	st      *store.Store

	socketDir string
	socketNS  string
	initial   map[string]any

	idle   time.Duration
	active time.Duration

	rt      *actions.Runtime
	control *socket.Control
	emitter *socket.Emitter
	limiter *logging.Limiter

	state        string
	fc           actions.Context
	lastActivity time.Time
	transitions  int64

	timerGen    uint64
	timerCancel chan struct{}
	timerCh     chan timedEvent
}

// Option configures an Engine.
type Option func(*Engine)

// WithMachineName overrides metadata.machine_name from the config.
// An empty name is ignored, so callers can pass flag values through.
func WithMachineName(name string) Option {
	return func(e *Engine) {
		if name != "" {
			e.machine = name
		}
	}
}

// WithInitialContext seeds the context before the start dispatch. Parents
// pass variables to spawned children this way.
func WithInitialContext(initial map[string]any) Option {
	return func(e *Engine) { e.initial = initial }
}

// WithSocket overrides the socket directory and namespace.
func WithSocket(dir, ns string) Option {
	return func(e *Engine) { e.socketDir, e.socketNS = dir, ns }
}

// WithIntervals overrides the loop poll intervals. Tests shrink them.
func WithIntervals(idle, active time.Duration) Option {
	return func(e *Engine) { e.idle, e.active = idle, active }
}

// New builds an engine for a parsed machine definition. The machine name
// comes from metadata.machine_name unless overridden.
func New(cfg *config.Config, st *store.Store, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:       cfg,
		machine:   cfg.MachineName(),
		st:        st,
		socketDir: socket.DefaultDir,
		socketNS:  socket.DefaultNamespace,
		idle:      idleInterval,
		active:    activeInterval,
		limiter:   logging.NewLimiter(logging.DefaultEvery),
		timerCh:   make(chan timedEvent, 8),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.machine == "" {
		return nil, fmt.Errorf("engine: machine name is required (metadata.machine_name or --machine-name)")
	}
	if !cfg.HasState(cfg.InitialState) {
		return nil, fmt.Errorf("engine: initial state %q is not in the state list", cfg.InitialState)
	}
	return e, nil
}

// State returns the current state. Meaningful only from the Run goroutine
// or after Run returns.
func (e *Engine) State() string { return e.state }

// Context returns the live context map. Same ownership rule as State.
func (e *Engine) Context() actions.Context { return e.fc }

// Run executes the machine until it reaches the stopped state or the
// context is cancelled. Must be called from exactly one goroutine.
func (e *Engine) Run(ctx context.Context) error {
	control, err := socket.ListenControl(e.socketDir, e.socketNS, e.machine)
	if err != nil {
		return fmt.Errorf("engine: bind control socket: %w", err)
	}
	defer control.Close()
	e.control = control

	e.emitter = socket.NewEmitter(e.socketDir, e.socketNS)
	defer e.emitter.Close()

	e.rt = &actions.Runtime{
		Machine:   e.machine,
		SocketDir: e.socketDir,
		SocketNS:  e.socketNS,
		Store:     e.st,
		Emitter:   e.emitter,
	}

	e.fc = actions.Context{}
	for k, v := range e.initial {
		e.fc[k] = v
	}
	e.state = e.cfg.InitialState
	e.recordMachineState(ctx)

	slog.Info("machine starting",
		"machine", e.machine,
		"initial_state", e.state,
		"control_socket", control.Path(),
	)

	e.startTimers(e.state)
	defer e.cancelTimers()

	e.dispatch(ctx, startEvent)

	for {
		select {
		case <-ctx.Done():
			slog.Info("machine stopping: context cancelled", "machine", e.machine, "state", e.state)
			return ctx.Err()
		default:
		}

		select {
		case in, ok := <-control.Messages():
			if ok {
				e.handleInbound(ctx, in)
			}
		default:
		}

		if e.state == StoppedState {
			break
		}

		e.runStateActions(ctx)

		if e.state == StoppedState {
			break
		}

		interval := e.idle
		if time.Since(e.lastActivity) < activeWindow {
			interval = e.active
		}
		select {
		case <-ctx.Done():
			slog.Info("machine stopping: context cancelled", "machine", e.machine, "state", e.state)
			return ctx.Err()
		case in, ok := <-control.Messages():
			if ok {
				e.handleInbound(ctx, in)
			}
		case te := <-e.timerCh:
			if te.gen == e.timerGen {
				e.dispatch(ctx, te.event)
			}
		case <-time.After(interval):
		}
	}

	e.recordMachineState(ctx)
	slog.Info("machine stopped", "machine", e.machine, "transitions", e.transitions)
	return nil
}

// handleInbound applies the control-socket receipt contract: store the
// decoded record at event_data, announce the receipt, dispatch the type.
func (e *Engine) handleInbound(ctx context.Context, in socket.Inbound) {
	e.fc[actions.KeyEventData] = in.Record

	if !idleEvents[in.Type] {
		e.rt.EmitRealtime(ctx, "event_received", map[string]any{
			"received_type": in.Type,
		})
	}
	if in.Type != "" {
		e.dispatch(ctx, in.Type)
	}
}

// runStateActions executes the current state's action list in order.
// A transition mid-list stops the walk; the remaining work belongs to the
// new state and runs on the next loop iteration.
func (e *Engine) runStateActions(ctx context.Context) {
	for _, ac := range e.cfg.ActionsFor(e.state) {
		before := e.state
		e.runAction(ctx, ac)
		if e.state != before || e.state == StoppedState {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// runAction interpolates one action config against the live context,
// executes it, propagates current_job, and dispatches whatever event it
// produced. Action failures never escape: they become error events.
func (e *Engine) runAction(ctx context.Context, ac config.ActionConfig) {
	typeTag := ac.Type()

	icfg, _ := interp.InterpolateConfig(map[string]any(ac), e.fc).(map[string]any)
	if icfg == nil {
		icfg = map[string]any{}
	}
	// The bash action does its own substitution so it can shell-quote the
	// values; hand it the raw command string.
	if typeTag == "bash" || typeTag == "run_command" {
		if raw, ok := ac["command"]; ok {
			icfg["command"] = raw
		}
	}

	switch typeTag {
	case "log", "activity_log":
		e.intrinsicLog(ctx, icfg)
		e.dispatch(ctx, configEvent(icfg, "success", actions.EventSuccess))
		return
	case "sleep":
		if ev, ok := e.intrinsicSleep(ctx, icfg); ok {
			e.dispatch(ctx, ev)
		}
		return
	}

	act, err := actions.New(typeTag, icfg)
	if err != nil {
		e.failAction(ctx, typeTag, icfg, err)
		return
	}

	ev, err := e.executeSafely(ctx, act, typeTag)
	e.propagateCurrentJob()

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.failAction(ctx, typeTag, icfg, err)
		return
	}
	if ev != "" {
		e.dispatch(ctx, ev)
	}
}

// executeSafely runs one action, converting panics into errors.
func (e *Engine) executeSafely(ctx context.Context, act actions.Action, typeTag string) (ev string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action %s panicked: %v", typeTag, r)
		}
	}()
	return act.Execute(ctx, e.rt, e.fc)
}

// failAction is the error funnel: record last_error*, emit a realtime
// error record, and dispatch the error event. The loop keeps running.
func (e *Engine) failAction(ctx context.Context, typeTag string, icfg map[string]any, err error) {
	e.fc[actions.KeyLastError] = err.Error()
	e.fc[actions.KeyLastErrorAction] = typeTag

	slog.Error("action failed",
		"machine", e.machine,
		"state", e.state,
		"action", typeTag,
		"error", err,
	)
	e.rt.EmitRealtime(ctx, "error", map[string]any{
		"action": typeTag,
		"state":  e.state,
		"error":  err.Error(),
	})

	e.dispatch(ctx, configEvent(icfg, "error", actions.EventError))
}

// intrinsicLog is the engine-inline log action: rate-limited process log
// plus an unconditional realtime record for observers.
func (e *Engine) intrinsicLog(ctx context.Context, icfg map[string]any) {
	message := configEvent(icfg, "message", "")
	level := configEvent(icfg, "level", "info")

	if n, ok := e.limiter.Allow("log:" + e.state + ":" + message); ok {
		slog.Info("machine log",
			"machine", e.machine,
			"state", e.state,
			"level", level,
			"message", message,
			"occurrences", n,
		)
	}
	e.rt.EmitRealtime(ctx, "log", map[string]any{
		"message": message,
		"level":   level,
		"target":  "ui",
	})
}

// intrinsicSleep suspends the loop for the configured seconds, still
// honoring cancellation. Reports false when the wait was cancelled.
func (e *Engine) intrinsicSleep(ctx context.Context, icfg map[string]any) (string, bool) {
	seconds := 1.0
	switch v := icfg["seconds"].(type) {
	case float64:
		seconds = v
	case int:
		seconds = float64(v)
	}

	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-timer.C:
		return configEvent(icfg, "success", actions.EventWakeUp), true
	case <-ctx.Done():
		return "", false
	}
}

// recordMachineState upserts this machine's liveness row. Failures are
// logged and ignored; state tracking is advisory.
func (e *Engine) recordMachineState(ctx context.Context) {
	if e.st == nil {
		return
	}
	err := e.st.UpsertMachineState(ctx, e.machine, e.state, os.Getpid(), e.cfg.Metadata)
	if err != nil {
		slog.Warn("machine state upsert failed", "machine", e.machine, "error", err)
	}
}

func configEvent(cfg map[string]any, key, def string) string {
	if s, ok := cfg[key].(string); ok && s != "" {
		return s
	}
	return def
}
