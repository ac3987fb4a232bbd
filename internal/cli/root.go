// Package cli defines the analyze command tree.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"analysis-orchestrator/internal/logging"
	"analysis-orchestrator/internal/runner"
)

// ExitError carries a process exit code out of a command without printing.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

type app struct {
	verbose bool
	logger  *zap.Logger
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	a := &app{logger: zap.NewNop()}

	root := &cobra.Command{
		Use:   "analyze",
		Short: "Run per-stock AI research analyses as a concurrent batch",
		Long: `analyze runs one analysis per subject across a bounded pool of workers,
assigning data-provider credentials round-robin and writing one text report
per subject.

Examples:
  analyze run                         # default watchlist, today's date
  analyze run NVDA MSFT --date 2026-01-05
  analyze run --subjects-file watchlist.yaml --concurrency 5`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var (
				logger *zap.Logger
				err    error
			)
			if cmd.Name() == runner.WorkerCommand {
				logger, err = logging.NewWorker()
			} else {
				logger, err = logging.New(a.verbose)
			}
			if err != nil {
				return err
			}
			a.logger = logger
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = a.logger.Sync()
		},
	}
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(newRunCommand(a))
	root.AddCommand(newWorkerCommand(a))
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCommand().Execute()
}
