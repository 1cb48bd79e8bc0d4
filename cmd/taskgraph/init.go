package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aristath/taskgraph/internal/config"
)

const exampleSpec = `# Tasks run once all of their dependencies have completed.
max_concurrent: 4

parallelism:
  hints:
    build:
      max_workers: 2
    deploy:
      max_workers: 1
      can_parallel: false

tasks:
  - id: fetch
    type: build
    estimated_duration: 5
    command: echo fetching
  - id: compile
    type: build
    dependencies: [fetch]
    estimated_duration: 30
    command: echo compiling
  - id: lint
    type: check
    dependencies: [fetch]
    estimated_duration: 10
    command: echo linting
  - id: deploy
    type: deploy
    dependencies: [compile, lint]
    estimated_duration: 15
    resource_lock: staging
    command: echo deploying
`

func newCmdInit(o *options) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the project state directory, config and an example spec",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := filepath.Abs(o.projectDir)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()

			cfg := config.DefaultConfig().Resolve(root)
			for _, dir := range []string{cfg.Locks.Dir, cfg.Control.Dir, filepath.Dir(cfg.Checkpoint.Path)} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("creating %s: %w", dir, err)
				}
			}

			cfgPath := config.ProjectPath(root)
			if exists(cfgPath) && !force {
				printStatus(w, "-", cfgPath+" exists, keeping it", color.FgHiBlack)
			} else {
				if err := config.Save(config.DefaultConfig(), cfgPath); err != nil {
					return err
				}
				printStatus(w, "✓", "wrote "+cfgPath, color.FgGreen)
			}

			specPath := filepath.Join(root, DefaultSpecFile)
			if exists(specPath) {
				printStatus(w, "-", specPath+" exists, keeping it", color.FgHiBlack)
				return nil
			}
			if err := os.WriteFile(specPath, []byte(exampleSpec), 0o644); err != nil {
				return fmt.Errorf("writing example spec: %w", err)
			}
			printStatus(w, "✓", "wrote "+specPath, color.FgGreen)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing project config")
	return cmd
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
