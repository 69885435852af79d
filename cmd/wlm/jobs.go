package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"wlmigrate/internal/domain"
	"wlmigrate/internal/engine"
	"wlmigrate/internal/repo"
)

func jobCmd() *cobra.Command {
	job := &cobra.Command{Use: "job", Short: "Create and inspect import jobs"}
	job.AddCommand(jobCreateCmd())
	job.AddCommand(jobListCmd())
	job.AddCommand(jobShowCmd())
	job.AddCommand(jobCancelCmd())
	job.AddCommand(jobRerunCmd())
	job.AddCommand(jobErrorsCmd())
	job.AddCommand(jobAdvanceCmd())
	job.AddCommand(jobHistoryCmd())
	return job
}

func jobCreateCmd() *cobra.Command {
	var opts engine.CreateOptions
	var source string
	var settings []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Validate mappings and seats and queue a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseSettings(settings)
			if err != nil {
				return err
			}
			opts.Source = domain.SourceType(source)
			opts.SourceSettings = parsed
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				job, err := e.Create(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(job)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "destination project id")
	cmd.Flags().StringVar(&source, "source", "", "source type (jira, linear, github, ...)")
	cmd.Flags().StringVar(&opts.SnapshotID, "snapshot", "", "mapping snapshot id")
	cmd.Flags().StringVar(&opts.CredentialID, "credential", "", "source credential id")
	cmd.Flags().StringArrayVar(&settings, "setting", nil, "connector setting key=value (repeatable)")
	cmd.Flags().BoolVar(&opts.SkipUserImport, "skip-user-import", false, "do not create members for unmapped users")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", 0, "records per batch (default from config)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("snapshot")
	return cmd
}

func jobListCmd() *cobra.Command {
	var f repo.JobFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				jobs, err := e.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := newTable(table.Row{"ID", "Source", "Project", "Status", "Attempt", "Batches", "Error"})
				for _, j := range jobs {
					tw.AppendRow(table.Row{j.ID, j.Source, j.ProjectID, j.Status, j.Attempt, batchProgress(j), deref(j.Error)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.WorkspaceID, "workspace-id", "", "workspace filter")
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max jobs")
	return cmd
}

func jobShowCmd() *cobra.Command {
	var batches bool
	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job with its attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				job, err := e.Get(ctx, args[0])
				if err != nil {
					return err
				}
				attempts, err := e.Attempts(ctx, job.ID)
				if err != nil {
					return err
				}
				var items []domain.Batch
				if batches {
					if items, err = e.Batches(ctx, job.ID); err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"job": job, "attempts": attempts, "batches": items})
				}
				fmt.Printf("Job %s (%s -> %s)\n", job.ID, job.Source, job.ProjectID)
				fmt.Printf("  status:   %s (attempt %d)\n", job.Status, job.Attempt)
				fmt.Printf("  batches:  %s\n", batchProgress(job))
				fmt.Printf("  snapshot: %s\n", job.MappingSnapshotID)
				if job.Error != nil {
					fmt.Printf("  error:    [%s] %s\n", deref(job.ErrorKind), *job.Error)
				}
				tw := newTable(table.Row{"Attempt", "Status", "From batch", "Started", "Finished", "Error"})
				for _, a := range attempts {
					tw.AppendRow(table.Row{a.Attempt, a.Status, a.StartSequence, a.StartedAt, deref(a.FinishedAt), deref(a.Error)})
				}
				tw.Render()
				if batches {
					bw := newTable(table.Row{"Seq", "Status", "Stage", "Raw", "Pushed", "Failed", "Retries", "Last"})
					for _, b := range items {
						bw.AppendRow(table.Row{b.Sequence, b.Status, b.LastStage, b.RawCount, b.PushedCount, b.FailedCount, b.RetryCount, b.IsLast})
					}
					bw.Render()
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&batches, "batches", false, "include batches")
	return cmd
}

func jobCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				job, err := e.Cancel(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if job.CancelRequested && !job.Status.Terminal() {
					fmt.Println("Cancel requested; the worker stops the job at its next stage boundary.")
				}
				return printJSONOrTable(job)
			})
		},
	}
}

func jobRerunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rerun <job-id>",
		Short: "Re-run a failed or cancelled job from the last pushed batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				job, err := e.ReRun(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(job)
			})
		},
	}
}

func jobErrorsCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "errors <job-id>",
		Short: "Write the per-record error report as CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if out == "" || out == "-" {
					return e.ErrorReport(ctx, args[0], os.Stdout)
				}
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				if err := e.ErrorReport(ctx, args[0], f); err != nil {
					f.Close()
					return err
				}
				return f.Close()
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}

func jobAdvanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "advance <job-id>",
		Short: "Drive one job in the foreground until it finishes, fails or yields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.AdvanceUntilDone(ctx, args[0])
				if err != nil {
					return err
				}
				if res.Yield {
					fmt.Printf("Job yielded at %s; retry after %s\n", res.Status, res.RetryAfter)
					return nil
				}
				fmt.Printf("Job %s\n", res.Status)
				return nil
			})
		},
	}
}

func jobHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <job-id>",
		Short: "Show the job's status history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evts, err := e.History(ctx, args[0], 0, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := newTable(table.Row{"ID", "Time", "Type", "Actor", "Payload"})
				for _, ev := range evts {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.ActorID, ev.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 200, "max events")
	return cmd
}

func batchProgress(j domain.ImportJob) string {
	if j.TotalBatches == nil {
		return fmt.Sprintf("%d/?", j.ImportedBatches)
	}
	return fmt.Sprintf("%d/%d", j.ImportedBatches, *j.TotalBatches)
}

func parseSettings(kvs []string) (map[string]string, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --setting %q (want key=value)", kv)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}
