package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aristath/taskgraph/internal/checkpoint"
	"github.com/aristath/taskgraph/internal/orchestrator"
	"github.com/aristath/taskgraph/internal/persistence"
	"github.com/aristath/taskgraph/internal/scheduler"
)

func newCmdStatus(o *options) *cobra.Command {
	var backup int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the checkpointed state of the current run",
		Long: `Show the state recorded in the checkpoint: per-status counts, running
tasks with their worker handles, held locks, and the latest run in the
ledger. --backup N inspects the Nth retained checkpoint backup instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := o.load()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			cps := checkpoint.NewManager(env.cfg.Checkpoint.Path, checkpoint.WithRetain(env.cfg.Checkpoint.Retain))

			var cp *checkpoint.Checkpoint
			if backup > 0 {
				cp, err = cps.LoadBackup(backup)
			} else {
				cp, err = cps.Load()
			}
			switch {
			case errors.Is(err, checkpoint.ErrNoCheckpoint):
				fmt.Fprintln(w, "No checkpoint: nothing in progress.")
			case err != nil:
				return err
			default:
				printCheckpoint(w, cp)
			}

			if err := printLocks(w, env); err != nil {
				return err
			}
			return printLatestRun(cmd.Context(), w, env.cfg.Ledger.Path)
		},
	}
	cmd.Flags().IntVar(&backup, "backup", 0, "Inspect retained backup N instead of the live checkpoint")
	return cmd
}

func printCheckpoint(w io.Writer, cp *checkpoint.Checkpoint) {
	printHeader(w, "Checkpoint saved %s (run %s)", humanize.Time(cp.SavedAt), shortID(cp.Metadata[orchestrator.MetaRunID]))
	if spec := cp.Metadata[orchestrator.MetaSpec]; spec != "" {
		fmt.Fprintf(w, "  spec: %s\n", spec)
	}

	byStatus := make(map[scheduler.TaskStatus][]string)
	var running []scheduler.TaskNode
	for _, t := range cp.State.Tasks {
		byStatus[t.Status] = append(byStatus[t.Status], t.ID)
		if t.Status == scheduler.TaskRunning {
			running = append(running, t)
		}
	}
	rows := []struct {
		status scheduler.TaskStatus
		icon   string
		attr   color.Attribute
	}{
		{scheduler.TaskCompleted, "✓", color.FgGreen},
		{scheduler.TaskRunning, "●", color.FgYellow},
		{scheduler.TaskReady, "○", color.FgCyan},
		{scheduler.TaskPending, "○", color.FgHiBlack},
		{scheduler.TaskFailed, "✗", color.FgRed},
		{scheduler.TaskSkipped, "⊘", color.FgYellow},
	}
	for _, r := range rows {
		ids := byStatus[r.status]
		if len(ids) == 0 {
			continue
		}
		printStatus(w, r.icon, fmt.Sprintf("%-9s %d: %s", r.status, len(ids), joinIDs(ids, 8)), r.attr)
	}
	for _, t := range running {
		fmt.Fprintf(w, "    %s -> %s\n", t.ID, t.Handle)
	}
	if len(cp.State.CriticalPath) > 0 {
		fmt.Fprintf(w, "  critical path: %s\n", joinIDs(cp.State.CriticalPath, 12))
	}
}

func printLocks(w io.Writer, env *environment) error {
	if _, err := os.Stat(env.cfg.Locks.Dir); os.IsNotExist(err) {
		return nil
	}
	records, err := listLocks(env)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	printHeader(w, "Locks")
	for _, rec := range records {
		fmt.Fprintf(w, "  %s held by %s, expires %s\n", rec.Resource, rec.Holder, humanize.Time(rec.ExpiresAt))
	}
	return nil
}

func printLatestRun(ctx context.Context, w io.Writer, ledgerPath string) error {
	if ledgerPath == "" {
		return nil
	}
	if _, err := os.Stat(ledgerPath); os.IsNotExist(err) {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := persistence.NewSQLiteStore(ctx, ledgerPath)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.LatestRun(ctx)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	outcome := run.Outcome
	if outcome == "" {
		outcome = "in progress"
	}
	fmt.Fprintln(w)
	printHeader(w, "Latest run %s: %s", shortID(run.ID), outcome)
	fmt.Fprintf(w, "  started %s", humanize.Time(run.StartedAt))
	if run.FinishedAt != nil {
		fmt.Fprintf(w, ", took %s", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	}
	if run.Resumed {
		fmt.Fprint(w, ", resumed from checkpoint")
	}
	fmt.Fprintln(w)

	tasks, err := store.ListTasks(ctx, run.ID)
	if err != nil {
		return err
	}
	var failed []string
	for _, t := range tasks {
		if t.Status == scheduler.TaskFailed {
			failed = append(failed, t.ID)
		}
	}
	for _, id := range failed {
		history, err := store.History(ctx, run.ID, id)
		if err != nil {
			return err
		}
		detail := ""
		if n := len(history); n > 0 {
			detail = history[n-1].Detail
		}
		printStatus(w, "✗", fmt.Sprintf("%s: %s", id, dash(detail)), color.FgRed)
	}
	return nil
}
