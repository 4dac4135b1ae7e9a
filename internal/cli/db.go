package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roach88/statemachine/internal/store"
)

// DBOptions holds flags shared by the db subcommands.
type DBOptions struct {
	*RootOptions
	Database string
}

// NewDBCommand creates the db command group: the operator surface over
// the shared job store.
func NewDBCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DBOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "db",
		Short: "Inspect and manage the shared job store",
	}
	cmd.PersistentFlags().StringVar(&opts.Database, "db", store.DefaultPath, "path to the shared SQLite store")

	cmd.AddCommand(newCreateJobCommand(opts))
	cmd.AddCommand(newListJobsCommand(opts))
	cmd.AddCommand(newShowJobCommand(opts))
	cmd.AddCommand(newMachinesCommand(opts))
	cmd.AddCommand(newCleanupCommand(opts))

	return cmd
}

func openStore(opts *DBOptions) (*store.Store, error) {
	st, err := store.Open(opts.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	return st, nil
}

func newCreateJobCommand(opts *DBOptions) *cobra.Command {
	var (
		id       string
		machine  string
		source   string
		priority int
		dataJSON string
	)

	cmd := &cobra.Command{
		Use:   "create-job <job-type>",
		Short: "Insert a pending job",
		Long: `Insert a pending job into the queue.

The job ID defaults to a UUIDv7, so IDs sort by creation time.

Example:
  statemachine db create-job encode --data '{"input_file": "a.mp4"}'
  statemachine db create-job encode --machine encoder_1 --priority 1`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				u, err := uuid.NewV7()
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to generate job ID", err)
				}
				id = u.String()
			}

			var data map[string]any
			if dataJSON != "" {
				if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
					return WrapExitError(ExitCommandError, "failed to parse --data", err)
				}
			}

			st, err := openStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()

			_, err = st.CreateJob(cmd.Context(), id, args[0], store.CreateJobParams{
				Machine:     machine,
				SourceJobID: source,
				Priority:    priority,
				Data:        data,
			})
			if errors.Is(err, store.ErrDuplicateJob) {
				return WrapExitError(ExitCommandError, fmt.Sprintf("job %s already exists", id), err)
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to create job", err)
			}

			out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			if opts.Format == "json" {
				return out.Success(map[string]any{"job_id": id})
			}
			return out.Success(id)
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "job ID (default: generated UUIDv7)")
	cmd.Flags().StringVar(&machine, "machine", "", "target machine tag (empty = any machine)")
	cmd.Flags().StringVar(&source, "source", "", "source job ID for chained jobs")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority, lower runs first (0 = default 5)")
	cmd.Flags().StringVar(&dataJSON, "data", "", "job data as a JSON object")

	return cmd
}

func newListJobsCommand(opts *DBOptions) *cobra.Command {
	var (
		status  string
		jobType string
		limit   int
	)

	cmd := &cobra.Command{
		Use:           "list-jobs",
		Short:         "List jobs, newest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()

			jobs, err := st.ListJobs(cmd.Context(), status, jobType, limit)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list jobs", err)
			}

			if opts.Format == "json" {
				out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
				return out.Success(jobs)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-38s %-14s %-12s %-10s %s\n", "JOB", "TYPE", "STATUS", "PRIORITY", "CREATED")
			for _, j := range jobs {
				fmt.Fprintf(w, "%-38s %-14s %-12s %-10d %s\n",
					j.ID, j.Type, j.Status, j.Priority, j.CreatedAt.Format(time.RFC3339))
			}
			fmt.Fprintf(w, "%d job(s)\n", len(jobs))
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending|processing|completed|failed)")
	cmd.Flags().StringVar(&jobType, "type", "", "filter by job type")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows (0 = no limit)")

	return cmd
}

func newShowJobCommand(opts *DBOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "show-job <job-id>",
		Short:         "Show one job in full",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()

			job, err := st.Job(cmd.Context(), args[0])
			if errors.Is(err, store.ErrNotFound) {
				return NewExitError(ExitCommandError, fmt.Sprintf("job %s not found", args[0]))
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read job", err)
			}

			if opts.Format == "json" {
				out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
				return out.Success(job)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "job:      %s\n", job.ID)
			fmt.Fprintf(w, "type:     %s\n", job.Type)
			fmt.Fprintf(w, "status:   %s\n", job.Status)
			fmt.Fprintf(w, "machine:  %s\n", job.Machine)
			fmt.Fprintf(w, "priority: %d\n", job.Priority)
			fmt.Fprintf(w, "created:  %s\n", job.CreatedAt.Format(time.RFC3339))
			if job.ErrorMessage != "" {
				fmt.Fprintf(w, "error:    %s\n", job.ErrorMessage)
			}
			if len(job.Data) > 0 {
				data, _ := json.Marshal(job.Data)
				fmt.Fprintf(w, "data:     %s\n", data)
			}
			if len(job.Result) > 0 {
				result, _ := json.Marshal(job.Result)
				fmt.Fprintf(w, "result:   %s\n", result)
			}
			return nil
		},
	}
	return cmd
}

func newMachinesCommand(opts *DBOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "machines",
		Short:         "List known machines and their last reported state",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()

			states, err := st.MachineStates(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list machines", err)
			}

			if opts.Format == "json" {
				out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
				return out.Success(states)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-24s %-16s %-8s %s\n", "MACHINE", "STATE", "PID", "UPDATED")
			for _, ms := range states {
				fmt.Fprintf(w, "%-24s %-16s %-8d %s\n",
					ms.MachineName, ms.CurrentState, ms.PID, ms.LastActivity.Format(time.RFC3339))
			}
			return nil
		},
	}
	return cmd
}

func newCleanupCommand(opts *DBOptions) *cobra.Command {
	var (
		stuckMinutes int
		jobDays      int
		eventHours   int
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Reset stuck jobs and prune old rows",
		Long: `Reset stuck jobs back to pending and prune old rows.

Jobs processing longer than --stuck-minutes go back to pending for another
claim. Terminal jobs older than --job-days and consumed realtime events
older than --event-hours are deleted. Pass 0 to skip a step.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			w := cmd.OutOrStdout()
			summary := map[string]int64{}

			if stuckMinutes > 0 {
				n, err := st.ResetStuckJobs(ctx, time.Duration(stuckMinutes)*time.Minute)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to reset stuck jobs", err)
				}
				summary["stuck_jobs_reset"] = n
			}
			if jobDays > 0 {
				n, err := st.DeleteTerminalJobs(ctx, time.Duration(jobDays)*24*time.Hour)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to delete old jobs", err)
				}
				summary["jobs_deleted"] = n
			}
			if eventHours > 0 {
				n, err := st.CleanupConsumedRealtime(ctx, eventHours)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to prune realtime events", err)
				}
				summary["events_deleted"] = n
			}

			if opts.Format == "json" {
				out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
				return out.Success(summary)
			}
			for k, v := range summary {
				fmt.Fprintf(w, "%s: %d\n", k, v)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&stuckMinutes, "stuck-minutes", 60, "reset jobs processing longer than this many minutes")
	cmd.Flags().IntVar(&jobDays, "job-days", 0, "delete completed/failed jobs older than this many days")
	cmd.Flags().IntVar(&eventHours, "event-hours", 24, "delete consumed realtime events older than this many hours")

	return cmd
}
