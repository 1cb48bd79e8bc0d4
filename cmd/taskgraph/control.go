package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aristath/taskgraph/internal/control"
)

var controlHelp = map[string]string{
	"stop":   "Ask the running loop to drain, checkpoint and exit",
	"pause":  "Stop dispatching new tasks; running tasks keep being polled",
	"resume": "Clear a pause request",
}

// newCmdControl builds one of the stop/pause/resume commands. They only
// touch files in the control directory, so they work from any shell while a
// run is in progress.
func newCmdControl(o *options, action string) *cobra.Command {
	return &cobra.Command{
		Use:   action,
		Short: controlHelp[action],
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := o.load()
			if err != nil {
				return err
			}
			w, err := control.NewWatcher(env.cfg.Control.Dir, env.logger)
			if err != nil {
				return err
			}
			defer w.Close()

			switch action {
			case "stop":
				err = w.RequestStop()
			case "pause":
				err = w.Pause()
			case "resume":
				err = w.Resume()
			default:
				return fmt.Errorf("unknown control action %q", action)
			}
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), "✓", action+" requested", color.FgGreen)
			return nil
		},
	}
}
