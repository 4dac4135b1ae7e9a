package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/statemachine/internal/store"
)

func init() {
	Register("check_machine_state", newCheckMachineStateAction)
}

// checkMachineStateAction inspects a peer through the append-only
// transition log instead of opening a socket to it. A peer whose latest
// record is older than the freshness window counts as not running, since
// a live machine keeps appending on every transition.
//
// Events: in_expected_state, unexpected_state, not_running.
type checkMachineStateAction struct {
	cfg map[string]any
}

func newCheckMachineStateAction(cfg map[string]any) (Action, error) {
	if stringKey(cfg, "machine_name", "") == "" {
		return nil, fmt.Errorf("check_machine_state: machine_name is required")
	}
	return &checkMachineStateAction{cfg: cfg}, nil
}

func (a *checkMachineStateAction) Execute(ctx context.Context, rt *Runtime, fc Context) (string, error) {
	machine := stringKey(a.cfg, "machine_name", "")
	maxAge := time.Duration(floatKey(a.cfg, "max_age_seconds", 300) * float64(time.Second))
	notRunning := stringKey(a.cfg, "not_running", "not_running")

	rec, err := rt.Store.LatestTransition(ctx, machine)
	if errors.Is(err, store.ErrNotFound) {
		return notRunning, nil
	}
	if err != nil {
		return "", fmt.Errorf("check machine state of %s: %w", machine, err)
	}
	if time.Since(rec.CompletedAt) > maxAge {
		return notRunning, nil
	}

	state, _ := rec.Metadata["state"].(string)
	for _, want := range listKey(a.cfg, "expected_states") {
		if stringItem(want) == state {
			return successEvent(a.cfg, "in_expected_state"), nil
		}
	}
	return stringKey(a.cfg, "unexpected", "unexpected_state"), nil
}
