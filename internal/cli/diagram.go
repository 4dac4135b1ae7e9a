package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/statemachine/internal/config"
	"github.com/roach88/statemachine/internal/engine"
)

// NewDiagramCommand creates the diagram command.
func NewDiagramCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diagram <config.yaml>",
		Short: "Render a machine as a Mermaid state diagram",
		Long: `Render a machine definition as a Mermaid stateDiagram-v2 on stdout,
suitable for pasting into documentation.

Example:
  statemachine diagram worker.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load config", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), Diagram(cfg))
			return nil
		},
	}
	return cmd
}

// Diagram renders a machine definition as Mermaid stateDiagram-v2 text.
// Wildcard transitions are expanded to one edge per declared source state,
// since Mermaid has no wildcard notation.
func Diagram(cfg *config.Config) string {
	var b strings.Builder
	b.WriteString("stateDiagram-v2\n")

	if name := cfg.MachineName(); name != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", name)
	}
	fmt.Fprintf(&b, "    [*] --> %s\n", cfg.InitialState)

	for _, t := range cfg.Transitions {
		if t.From != config.Wildcard {
			fmt.Fprintf(&b, "    %s --> %s: %s\n", t.From, t.To, t.Event)
			continue
		}
		for _, s := range cfg.States {
			if s == t.To {
				continue
			}
			fmt.Fprintf(&b, "    %s --> %s: %s\n", s, t.To, t.Event)
		}
	}

	if cfg.HasState(engine.StoppedState) {
		fmt.Fprintf(&b, "    %s --> [*]\n", engine.StoppedState)
	}
	return b.String()
}
