// Package actions defines the action contract, the type registry, and the
// built-in action pack.
//
// An action is constructed from its (already interpolated) config map and
// exposes one operation: Execute, which may read and mutate the machine
// context and returns the name of a follow-up event, or "" for none. The
// engine dispatches returned events through the transition table.
//
// Discovery uses an explicit registry: each built-in registers its factory
// from init(), and embedders register user actions through Register before
// the engine starts. The legacy filesystem scan maps onto the same type
// tags, so configs are unchanged.
package actions

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/statemachine/internal/socket"
	"github.com/roach88/statemachine/internal/store"
)

// Context is the mutable per-engine map threaded through all actions. It is
// owned by the engine's loop goroutine and must not be shared across
// goroutines.
type Context = map[string]any

// Well-known context keys.
const (
	KeyCurrentJob        = "current_job"
	KeyEventData         = "event_data"
	KeyLastError         = "last_error"
	KeyLastErrorAction   = "last_error_action"
	KeyLastErrorCommand  = "last_error_command"
	KeyLastErrorExitCode = "last_error_exit_code"
)

// Events with engine-side meaning, shared across the built-in pack.
const (
	EventError   = "error"
	EventSuccess = "success"
	EventNoJobs  = "no_jobs"
	EventNewJob  = "new_job"
	EventWakeUp  = "wake_up"
)

// Runtime is the set of core services an action may call on. One Runtime
// per engine; actions receive it on every Execute.
type Runtime struct {
	Machine   string
	SocketDir string
	SocketNS  string
	Store     *store.Store
	Emitter   *socket.Emitter
}

// ControlPathFor returns the control socket path of a peer machine in this
// runtime's namespace.
func (rt *Runtime) ControlPathFor(machine string) string {
	return socket.ControlPath(rt.SocketDir, rt.SocketNS, machine)
}

// EmitRealtime broadcasts one telemetry record: fast path through the
// shared events socket, falling back to the realtime_events table when the
// send fails. Never returns an error; telemetry is best-effort.
func (rt *Runtime) EmitRealtime(ctx context.Context, eventType string, payload map[string]any) {
	if rt.Emitter != nil {
		if err := rt.Emitter.Emit(rt.Machine, eventType, payload); err == nil {
			return
		}
	}
	if rt.Store != nil {
		rt.Store.LogRealtime(ctx, rt.Machine, eventType, payload)
	}
}

// Action is one unit of work attached to a state.
type Action interface {
	// Execute runs the action against the live context. The returned event
	// is dispatched by the engine; "" means no event. Errors are funneled
	// into the error event by the engine, never raised past the loop.
	Execute(ctx context.Context, rt *Runtime, fc Context) (string, error)
}

// Factory builds an action from its interpolated config map.
type Factory func(config map[string]any) (Action, error)

// ErrUnknownType is wrapped by New for unregistered type tags.
var ErrUnknownType = fmt.Errorf("unknown action type")

// aliases maps legacy type tags to current ones.
var aliases = map[string]string{
	"activity_log": "log",
	"run_command":  "bash",
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register binds a type tag to a factory. Later registrations override
// earlier ones, which is how user actions shadow built-ins.
func Register(typeTag string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[typeTag] = f
}

// New builds an action for a type tag. Unknown tags return a wrapped
// ErrUnknownType; the engine converts that into an error event.
func New(typeTag string, config map[string]any) (Action, error) {
	registryMu.RLock()
	if real, ok := aliases[typeTag]; ok {
		typeTag = real
	}
	f, ok := registry[typeTag]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typeTag)
	}
	return f(config)
}

// Registered returns the registered type tags, sorted. Used by the CLI to
// list the action pack.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	tags := make([]string, 0, len(registry))
	for tag := range registry {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
