package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/statemachine/internal/config"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <config.yaml>",
		Short: "Validate a machine definition",
		Long: `Validate a machine definition without running it.

Checks the YAML against the machine schema, then runs the semantic checks:
initial state membership, transition endpoint membership, duplicate rules,
and unreachable states. All findings are reported, not just the first.

Example:
  statemachine validate worker.yaml
  statemachine validate worker.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateConfig(opts, args[0], cmd)
		},
	}

	return cmd
}

func validateConfig(opts *ValidateOptions, path string, cmd *cobra.Command) error {
	out := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read config", err)
	}

	var issues []config.Issue
	if err := config.ValidateSchema(data); err != nil {
		issues = append(issues, config.Issue{
			Severity: config.SeverityError,
			Code:     config.CodeSchema,
			Message:  err.Error(),
		})
	}

	cfg, err := config.Parse(data)
	if err != nil {
		issues = append(issues, config.Issue{
			Severity: config.SeverityError,
			Code:     config.CodeParse,
			Message:  err.Error(),
		})
	} else {
		issues = append(issues, cfg.Validate()...)
	}

	if opts.Format == "json" {
		payload := map[string]any{
			"file":   path,
			"valid":  !config.HasErrors(issues),
			"issues": issues,
		}
		if config.HasErrors(issues) {
			if err := out.Success(payload); err != nil {
				return err
			}
			return NewExitError(ExitFailure, "config validation failed")
		}
		return out.Success(payload)
	}

	for _, issue := range issues {
		fmt.Fprintln(cmd.OutOrStdout(), issue)
	}
	if config.HasErrors(issues) {
		return NewExitError(ExitFailure, fmt.Sprintf("%s: config validation failed", path))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: valid\n", path)
	return nil
}
