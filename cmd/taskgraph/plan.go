package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aristath/taskgraph/internal/scheduler"
	"github.com/aristath/taskgraph/internal/taskspec"
)

func newCmdPlan(o *options) *cobra.Command {
	var maxConcurrent int
	cmd := &cobra.Command{
		Use:   "plan [spec]",
		Short: "Show execution order, first wave and critical path",
		Long: `Print the deterministic topological order of the graph, the tasks that
would be dispatched on the first tick, and the critical path: the longest
chain of estimated durations, which bounds the total run time.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := o.load()
			if err != nil {
				return err
			}
			spec, err := taskspec.Load(env.specPath(args))
			if err != nil {
				return err
			}
			if maxConcurrent <= 0 {
				maxConcurrent = spec.MaxConcurrent
			}
			if maxConcurrent <= 0 {
				maxConcurrent = env.cfg.Loop.MaxConcurrent
			}
			sched, err := spec.Build(maxConcurrent)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			path, length := sched.CriticalPath()
			onPath := make(map[string]bool, len(path))
			for _, id := range path {
				onPath[id] = true
			}

			printHeader(w, "Execution order")
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "  #\tTASK\tTYPE\tEST\tLOCK\tDEPENDS ON\t")
			for i, task := range sched.Tasks() {
				mark := ""
				if onPath[task.ID] {
					mark = " *"
				}
				fmt.Fprintf(tw, "  %d\t%s%s\t%s\t%g\t%s\t%s\t\n",
					i+1, task.ID, mark, task.Type, task.EstimatedDuration,
					dash(task.ResourceLock), dash(strings.Join(task.Dependencies, ", ")))
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			ready := sched.ReadyTasks()
			budget := sched.MaxConcurrentFor(ready)
			first := ready
			if len(first) > budget {
				first = first[:budget]
			}
			fmt.Fprintln(w)
			printHeader(w, "First wave (budget %d of %d ready)", budget, len(ready))
			fmt.Fprintf(w, "  %s\n", dash(joinIDs(ids(first), 20)))

			fmt.Fprintln(w)
			printHeader(w, "Critical path (* above), estimated %g", length)
			fmt.Fprintf(w, "  %s\n", dash(strings.Join(path, " -> ")))
			return nil
		},
	}
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "Global concurrency ceiling (overrides spec and config)")
	return cmd
}

func ids(tasks []scheduler.TaskNode) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
