// Package config loads and validates YAML machine definitions.
//
// A machine definition declares the state set, the transition table, and the
// ordered action lists attached to each state. The engine treats the loaded
// Config as immutable.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Wildcard is the transition source matching any current state.
const Wildcard = "*"

// Transition is one (from, event, to) rule. From may be Wildcard.
type Transition struct {
	From  string `yaml:"from"`
	To    string `yaml:"to"`
	Event string `yaml:"event"`
}

// ActionConfig is one action entry in a state's action list. Type is the
// registry tag; everything else is action-specific and may contain
// placeholders, interpolated by the engine per invocation.
type ActionConfig map[string]any

// Type returns the action's type tag, or "" if absent.
func (a ActionConfig) Type() string {
	t, _ := a["type"].(string)
	return t
}

// Config is a parsed machine definition.
type Config struct {
	Metadata     map[string]any            `yaml:"metadata"`
	InitialState string                    `yaml:"initial_state"`
	States       []string                  `yaml:"states"`
	Events       []string                  `yaml:"events"`
	Transitions  []Transition              `yaml:"transitions"`
	Actions      map[string][]ActionConfig `yaml:"actions"`
}

// Load reads and parses a machine definition from path.
// A missing or unparseable file is a fatal startup error for the caller.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a machine definition from YAML bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.InitialState == "" {
		return nil, fmt.Errorf("parse config: initial_state is required")
	}
	if len(cfg.States) == 0 {
		return nil, fmt.Errorf("parse config: states list is required")
	}
	return &cfg, nil
}

// MachineName returns metadata.machine_name, or "" when unset.
// The run command overrides this with --machine-name.
func (c *Config) MachineName() string {
	if c.Metadata == nil {
		return ""
	}
	name, _ := c.Metadata["machine_name"].(string)
	return name
}

// ActionsFor returns the ordered action list for a state.
// States with no actions return nil.
func (c *Config) ActionsFor(state string) []ActionConfig {
	if c.Actions == nil {
		return nil
	}
	return c.Actions[state]
}

// Resolve returns the destination of the first transition matching the
// current state and event, in document order. From == Wildcard matches any
// state. Missing transitions are legal; ok is false and the engine stays put.
func (c *Config) Resolve(state, event string) (to string, ok bool) {
	for _, t := range c.Transitions {
		if (t.From == state || t.From == Wildcard) && t.Event == event {
			return t.To, true
		}
	}
	return "", false
}

// TimedTransitions returns the timed transitions leaving state, preserving
// document order. The engine starts one timer per entry on state entry.
func (c *Config) TimedTransitions(state string) []Transition {
	var out []Transition
	for _, t := range c.Transitions {
		if t.From != state && t.From != Wildcard {
			continue
		}
		if _, ok := ParseTimeoutEvent(t.Event); ok {
			out = append(out, t)
		}
	}
	return out
}

// HasState reports whether name is in the declared state set.
func (c *Config) HasState(name string) bool {
	for _, s := range c.States {
		if s == name {
			return true
		}
	}
	return false
}

// timeoutRe matches timed transition events, e.g. "timeout(0.5)".
var timeoutRe = regexp.MustCompile(`^timeout\((\d+(?:\.\d+)?)\)$`)

// ParseTimeoutEvent parses a timed-transition event name of the form
// timeout(<seconds>). Seconds may be fractional.
func ParseTimeoutEvent(event string) (time.Duration, bool) {
	m := timeoutRe.FindStringSubmatch(event)
	if m == nil {
		return 0, false
	}
	secs, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}
