package actions

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/roach88/statemachine/internal/interp"
)

func init() {
	Register("bash", newBashAction)
}

const (
	defaultBashTimeout = 300 * time.Second
	killGrace          = 5 * time.Second
)

// bashAction runs a shell command with a timeout. The command comes from
// the action config or from current_job.data.command, and is templated
// against the machine context by the action itself so substituted values
// can be shell-quoted. The engine leaves the command key uninterpolated
// for exactly that reason.
//
// Exit 0 emits the success event (default job_done). Non-zero exits first
// consult error_mappings, keyed by the exit code as a string: a match
// emits the mapped event and keeps current_job, so the FSM can retry or
// route recoverable failures. Unmapped failures and timeouts record
// last_error* in the context, clear current_job, and emit error.
type bashAction struct {
	cfg map[string]any
}

func newBashAction(cfg map[string]any) (Action, error) {
	return &bashAction{cfg: cfg}, nil
}

func (a *bashAction) Execute(ctx context.Context, rt *Runtime, fc Context) (string, error) {
	command := stringKey(a.cfg, "command", "")
	if command == "" {
		if job, ok := fc[KeyCurrentJob].(map[string]any); ok {
			if data, ok := job["data"].(map[string]any); ok {
				command, _ = data["command"].(string)
			}
		}
	}
	if command == "" {
		return "", fmt.Errorf("bash: no command configured and no current_job.data.command")
	}

	command = substituteCommand(command, fc)
	timeout := time.Duration(floatKey(a.cfg, "timeout", defaultBashTimeout.Seconds()) * float64(time.Second))

	slog.Info("running command", "machine", rt.Machine, "command", command, "timeout", timeout)

	exitCode, output, timedOut, err := runShell(ctx, command, timeout)
	if err != nil {
		return "", fmt.Errorf("bash: %w", err)
	}

	if timedOut {
		fc[KeyLastError] = fmt.Sprintf("command timed out after %s", timeout)
		fc[KeyLastErrorAction] = "bash"
		fc[KeyLastErrorCommand] = command
		delete(fc, KeyLastErrorExitCode)
		delete(fc, KeyCurrentJob)
		slog.Error("command timed out", "machine", rt.Machine, "command", command)
		return errorEvent(a.cfg), nil
	}

	if exitCode == 0 {
		return successEvent(a.cfg, "job_done"), nil
	}

	// A mapped exit code is a recoverable outcome, not a failure: the
	// current job stays installed so the target state can act on it.
	if mapped := mapKey(a.cfg, "error_mappings"); mapped != nil {
		if ev, ok := mapped[fmt.Sprintf("%d", exitCode)]; ok {
			slog.Info("command exit mapped to event",
				"machine", rt.Machine, "exit_code", exitCode, "event", stringItem(ev))
			return stringItem(ev), nil
		}
	}

	fc[KeyLastError] = fmt.Sprintf("command failed with exit code %d: %s", exitCode, tail(output, 500))
	fc[KeyLastErrorAction] = "bash"
	fc[KeyLastErrorCommand] = command
	fc[KeyLastErrorExitCode] = exitCode
	delete(fc, KeyCurrentJob)
	slog.Error("command failed", "machine", rt.Machine, "exit_code", exitCode, "output", tail(output, 500))

	return errorEvent(a.cfg), nil
}

// runShell executes the command under bash -c in its own process group,
// so a timeout can terminate the whole tree: SIGTERM first, SIGKILL after
// the grace window.
func runShell(ctx context.Context, command string, timeout time.Duration) (exitCode int, output string, timedOut bool, err error) {
	cmd := exec.Command("bash", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	if err := cmd.Start(); err != nil {
		return 0, "", false, fmt.Errorf("start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case waitErr := <-done:
		return exitCodeOf(waitErr), buf.String(), false, nil
	case <-timer.C:
	case <-ctx.Done():
	}

	syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(killGrace):
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
	}

	if ctx.Err() != nil {
		return 0, buf.String(), false, ctx.Err()
	}
	return 0, buf.String(), true, nil
}

func exitCodeOf(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if ee, ok := waitErr.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return -1
}

// commandPlaceholderRe extends the standard placeholder grammar with
// fallback alternatives: {primary|fallback|...}, first present wins.
var commandPlaceholderRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_.]*(?:\|[A-Za-z_][A-Za-z0-9_.]*)*)\}`)

// substituteCommand templates a shell command against the context. Unlike
// generic config interpolation, substituted values are quoted for the
// shell: values with whitespace or path separators are single-quoted, and
// values landing inside an existing '...' region are escaped for
// single-quote context instead. Unresolvable placeholders stay literal.
func substituteCommand(command string, fc Context) string {
	matches := commandPlaceholderRe.FindAllStringSubmatchIndex(command, -1)
	if matches == nil {
		return command
	}

	var b strings.Builder
	prev := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		expr := command[m[2]:m[3]]

		value, ok := resolveFallback(expr, fc)
		b.WriteString(command[prev:start])
		if !ok {
			b.WriteString(command[start:end])
		} else if insideSingleQuotes(command[:start]) {
			b.WriteString(strings.ReplaceAll(value, "'", `'\''`))
		} else {
			b.WriteString(quoteForShell(value))
		}
		prev = end
	}
	b.WriteString(command[prev:])
	return b.String()
}

func resolveFallback(expr string, fc Context) (string, bool) {
	for _, path := range strings.Split(expr, "|") {
		if v, ok := interp.Lookup(fc, path); ok {
			return interp.Stringify(v), true
		}
	}
	return "", false
}

// insideSingleQuotes reports whether the end of prefix sits inside an
// unterminated '...' region.
func insideSingleQuotes(prefix string) bool {
	return strings.Count(prefix, "'")%2 == 1
}

func quoteForShell(value string) string {
	if !strings.ContainsAny(value, " \t\n/") {
		return value
	}
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
