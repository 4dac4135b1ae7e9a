package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/statemachine/internal/config"
	"github.com/roach88/statemachine/internal/engine"
	"github.com/roach88/statemachine/internal/logging"
	"github.com/roach88/statemachine/internal/socket"
	"github.com/roach88/statemachine/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	MachineName    string
	Database       string
	InitialContext string
	SocketDir      string
	SocketNS       string
	Debug          bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <config.yaml>",
		Short: "Run a machine until it stops",
		Long: `Run one state machine from a YAML definition.

The engine binds its control socket, opens the shared job store (creating
it if needed), dispatches the synthetic start event, and loops until the
machine reaches the stopped state or the process is signalled.

Example:
  statemachine run worker.yaml --machine-name encoder_1
  statemachine run controller.yaml --db ./data/pipeline.db --debug`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMachine(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.MachineName, "machine-name", "", "override metadata.machine_name")
	cmd.Flags().StringVar(&opts.Database, "db", store.DefaultPath, "path to the shared SQLite store")
	cmd.Flags().StringVar(&opts.InitialContext, "initial-context", "", "JSON object seeding the machine context")
	cmd.Flags().StringVar(&opts.SocketDir, "socket-dir", socket.DefaultDir, "directory for control and event sockets")
	cmd.Flags().StringVar(&opts.SocketNS, "socket-ns", socket.DefaultNamespace, "socket namespace prefix")
	cmd.Flags().BoolVar(&opts.Debug, "debug", false, "debug-level logging")

	return cmd
}

func runMachine(opts *RunOptions, configPath string, cmd *cobra.Command) error {
	logLevel := slog.LevelInfo
	if opts.Debug || opts.Verbose {
		logLevel = slog.LevelDebug
	}
	// Log writes are enqueued and drained by a background worker so the
	// engine loop never blocks on stderr.
	handler := logging.NewAsyncHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	defer handler.Close()
	slog.SetDefault(slog.New(handler))

	cfg, err := config.Load(configPath)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to load config", err)
	}
	if issues := cfg.Validate(); config.HasErrors(issues) {
		for _, issue := range issues {
			fmt.Fprintln(cmd.ErrOrStderr(), issue)
		}
		return NewExitError(ExitFailure, "config validation failed")
	}

	var initial map[string]any
	if opts.InitialContext != "" {
		if err := json.Unmarshal([]byte(opts.InitialContext), &initial); err != nil {
			return WrapExitError(ExitFailure, "failed to parse --initial-context", err)
		}
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to open store", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing store", "error", closeErr)
		}
	}()

	eng, err := engine.New(cfg, st,
		engine.WithMachineName(opts.MachineName),
		engine.WithInitialContext(initial),
		engine.WithSocket(opts.SocketDir, opts.SocketNS),
	)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to build engine", err)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := eng.Run(ctx); err != nil && err != context.Canceled && err != context.DeadlineExceeded {
		return WrapExitError(ExitFailure, "engine error", err)
	}
	return nil
}
