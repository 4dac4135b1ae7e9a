package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
)

func init() {
	Register("start_fsm", newStartFSMAction)
}

// initialContextWarnBytes is the size past which a serialized initial
// context stops being a reasonable command-line argument.
const initialContextWarnBytes = 4096

// startFSMAction spawns a new engine process for another machine config.
// The child runs in its own session and is not supervised: it terminates
// itself when it reaches a stopped state, and parents that want completion
// signals watch the job queue with wait_for_jobs instead.
type startFSMAction struct {
	cfg map[string]any
}

func newStartFSMAction(cfg map[string]any) (Action, error) {
	if stringKey(cfg, "config", "") == "" {
		return nil, fmt.Errorf("start_fsm: config is required")
	}
	return &startFSMAction{cfg: cfg}, nil
}

func (a *startFSMAction) Execute(_ context.Context, rt *Runtime, fc Context) (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("start_fsm: locate runtime binary: %w", err)
	}

	args := []string{"run", stringKey(a.cfg, "config", "")}
	if name := stringKey(a.cfg, "machine_name", ""); name != "" {
		args = append(args, "--machine-name", name)
	}
	if rt.SocketDir != "" {
		args = append(args, "--socket-dir", rt.SocketDir)
	}
	if rt.SocketNS != "" {
		args = append(args, "--socket-ns", rt.SocketNS)
	}

	if ic := mapKey(a.cfg, "initial_context"); ic != nil {
		encoded, err := json.Marshal(ic)
		if err != nil {
			return "", fmt.Errorf("start_fsm: encode initial context: %w", err)
		}
		if len(encoded) > initialContextWarnBytes {
			slog.Warn("initial context is large for a command line",
				"machine", rt.Machine, "bytes", len(encoded))
		}
		args = append(args, "--initial-context", string(encoded))
	}

	for _, extra := range listKey(a.cfg, "args") {
		args = append(args, stringItem(extra))
	}

	cmd := exec.Command(exe, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start_fsm: spawn %s: %w", args[1], err)
	}
	pid := cmd.Process.Pid
	go cmd.Wait() // reap; the child is otherwise unsupervised

	slog.Info("spawned machine process",
		"machine", rt.Machine, "config", args[1], "pid", pid)

	if key := stringKey(a.cfg, "pid_list", ""); key != "" {
		fc[key] = append(contextList(fc, key), pid)
	}

	return successEvent(a.cfg, "fsm_started"), nil
}
