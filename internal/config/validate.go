package config

import (
	_ "embed"
	"fmt"

	"cuelang.org/go/cue/cuecontext"
	cueyaml "cuelang.org/go/encoding/yaml"
)

//go:embed schema.cue
var schemaCUE string

// Severity classifies a validation finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding.
type Issue struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s %s: %s", i.Severity, i.Code, i.Message)
}

// Validation error codes, surfaced by the validate command.
const (
	CodeSchema           = "V001" // CUE schema violation
	CodeParse            = "V002" // YAML does not decode into a machine definition
	CodeUnknownState     = "V101" // transition references an undeclared state
	CodeUnknownInitial   = "V102" // initial_state not in states
	CodeActionState      = "V103" // actions keyed by an undeclared state
	CodeMissingType      = "V104" // action entry without a type key
	CodeDuplicateRule    = "V201" // duplicate (from, event) pair; first match wins
	CodeUnreachableState = "V202" // state is neither initial nor any transition target
)

// ValidateSchema checks raw YAML bytes against the embedded CUE schema.
// Returns nil when the document conforms.
func ValidateSchema(data []byte) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	if err := cueyaml.Validate(data, schema); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}

// Validate runs semantic checks over a parsed config and collects every
// finding. Warnings do not block running the machine; errors do.
func (c *Config) Validate() []Issue {
	var issues []Issue

	if !c.HasState(c.InitialState) {
		issues = append(issues, Issue{SeverityError, CodeUnknownInitial,
			fmt.Sprintf("initial_state %q is not in the states list", c.InitialState)})
	}

	seen := make(map[[2]string]bool, len(c.Transitions))
	targeted := make(map[string]bool, len(c.States))
	for i, t := range c.Transitions {
		if t.From != Wildcard && !c.HasState(t.From) {
			issues = append(issues, Issue{SeverityError, CodeUnknownState,
				fmt.Sprintf("transition %d: from state %q is not declared", i, t.From)})
		}
		if !c.HasState(t.To) {
			issues = append(issues, Issue{SeverityError, CodeUnknownState,
				fmt.Sprintf("transition %d: to state %q is not declared", i, t.To)})
		}
		key := [2]string{t.From, t.Event}
		if seen[key] {
			// Legal but surprising: the loader keeps document order and the
			// first matching rule wins.
			issues = append(issues, Issue{SeverityWarning, CodeDuplicateRule,
				fmt.Sprintf("transition %d: duplicate rule (%s, %s); the earlier rule wins", i, t.From, t.Event)})
		}
		seen[key] = true
		targeted[t.To] = true
	}

	for state := range c.Actions {
		if !c.HasState(state) {
			issues = append(issues, Issue{SeverityError, CodeActionState,
				fmt.Sprintf("actions: state %q is not declared", state)})
		}
		for j, a := range c.Actions[state] {
			if a.Type() == "" {
				issues = append(issues, Issue{SeverityError, CodeMissingType,
					fmt.Sprintf("actions.%s[%d]: missing type key", state, j)})
			}
		}
	}

	for _, s := range c.States {
		if s != c.InitialState && !targeted[s] {
			issues = append(issues, Issue{SeverityWarning, CodeUnreachableState,
				fmt.Sprintf("state %q is never the target of a transition", s)})
		}
	}

	return issues
}

// HasErrors reports whether any issue in the list is an error.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}
