package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"analysis-orchestrator/internal/config"
	"analysis-orchestrator/internal/engine"
	"analysis-orchestrator/internal/runner"
)

func newWorkerCommand(a *app) *cobra.Command {
	var req runner.WorkerRequest
	cmd := &cobra.Command{
		Use:    runner.WorkerCommand,
		Short:  "Run a single analysis in an isolated child process",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg := config.Load()
			if err := cfg.ValidateWorker(); err != nil {
				a.logger.Error("worker configuration", zap.Error(err))
				return &ExitError{Code: runner.ExitUsage}
			}
			code := runner.ServeWorker(ctx, req,
				engine.NewCommandFactory(cfg.EngineCommand, credentialSetVar),
				engine.SettingsFromEnv(os.Getenv),
				cmd.OutOrStdout(), cmd.ErrOrStderr())
			if code != runner.ExitOK {
				return &ExitError{Code: code}
			}
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&req.Subject, "subject", "", "Subject to analyze")
	fl.StringVar(&req.AsOfDate, "date", "", "As-of date YYYY-MM-DD")
	fl.StringVar(&req.ResultFile, "result-file", "", "Where to write the result envelope")
	return cmd
}
