package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aristath/taskgraph/internal/taskspec"
)

func newCmdValidate(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [spec]",
		Short: "Check a task specification for errors",
		Long: `Parse the task specification and build its graph without running
anything. Reports unknown fields, duplicate ids, unknown dependencies and
cycles. Exits 2 when the graph is invalid.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := o.load()
			if err != nil {
				return err
			}
			path := env.specPath(args)
			spec, err := taskspec.Load(path)
			if err != nil {
				return err
			}
			sched, err := spec.Build(0)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}

			w := cmd.OutOrStdout()
			printStatus(w, "✓", fmt.Sprintf("%s is valid", path), color.FgGreen)
			printStatus(w, "•", fmt.Sprintf("%d tasks, %d ready to start", sched.Len(), len(sched.ReadyTasks())), color.FgCyan)
			if types := sched.Hints().Types(); len(types) > 0 {
				printStatus(w, "•", fmt.Sprintf("parallelism hints for: %s", joinIDs(types, 10)), color.FgCyan)
			}
			return nil
		},
	}
}
