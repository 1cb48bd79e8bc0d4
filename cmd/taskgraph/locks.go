package main

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aristath/taskgraph/internal/locks"
)

func lockManager(env *environment) (*locks.Manager, error) {
	return locks.NewManager(env.cfg.Locks.Dir, locks.WithLogger(env.logger))
}

func listLocks(env *environment) ([]locks.Record, error) {
	m, err := lockManager(env)
	if err != nil {
		return nil, err
	}
	return m.List()
}

func newCmdLocks(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect and manage resource locks",
	}
	cmd.AddCommand(newCmdLocksList(o), newCmdLocksCleanup(o), newCmdLocksRelease(o))
	return cmd
}

func newCmdLocksList(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List live lock records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := o.load()
			if err != nil {
				return err
			}
			records, err := listLocks(env)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(w, "No locks held.")
				return nil
			}
			for _, rec := range records {
				fmt.Fprintf(w, "%s\theld by %s since %s, expires %s\n",
					rec.Resource, rec.Holder, humanize.Time(rec.AcquiredAt), humanize.Time(rec.ExpiresAt))
			}
			return nil
		},
	}
}

func newCmdLocksCleanup(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired lock records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := o.load()
			if err != nil {
				return err
			}
			m, err := lockManager(env)
			if err != nil {
				return err
			}
			n, err := m.CleanupExpired()
			printStatus(cmd.OutOrStdout(), "✓", fmt.Sprintf("removed %d expired %s", n, plural(n, "lock", "locks")), color.FgGreen)
			return err
		},
	}
}

func newCmdLocksRelease(o *options) *cobra.Command {
	var holder string
	var force bool
	cmd := &cobra.Command{
		Use:   "release <resource>",
		Short: "Release a lock",
		Long: `Release the lock on resource. The record is only removed if --holder
matches the current holder; --force removes it regardless, which is meant
for recovering from a holder that will never come back.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if holder == "" && !force {
				return errors.New("either --holder or --force is required")
			}
			env, err := o.load()
			if err != nil {
				return err
			}
			m, err := lockManager(env)
			if err != nil {
				return err
			}
			if force {
				err = m.ForceRelease(args[0])
			} else {
				err = m.Release(args[0], holder)
			}
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), "✓", "released "+args[0], color.FgGreen)
			return nil
		},
	}
	cmd.Flags().StringVar(&holder, "holder", "", "Release only if held by this holder (task id)")
	cmd.Flags().BoolVar(&force, "force", false, "Release regardless of holder")
	return cmd
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
