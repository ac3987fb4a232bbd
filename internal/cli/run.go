package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"analysis-orchestrator/internal/api"
	"analysis-orchestrator/internal/config"
	"analysis-orchestrator/internal/credential"
	"analysis-orchestrator/internal/dispatch"
	"analysis-orchestrator/internal/engine"
	"analysis-orchestrator/internal/jobenv"
	"analysis-orchestrator/internal/lease"
	"analysis-orchestrator/internal/ratelimit"
	"analysis-orchestrator/internal/report"
	"analysis-orchestrator/internal/runner"
)

// credentialSetVar holds the full data-provider key list and never reaches a job.
const credentialSetVar = "AV_KEYS"

type runFlags struct {
	date         string
	concurrency  int
	reportsDir   string
	isolation    string
	timeout      time.Duration
	subjectsFile string
	transcript   bool
	statusAddr   string
}

func newRunCommand(a *app) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run [SUBJECT...]",
		Short: "Analyze every subject and write one report each",
		Long: `Run validates configuration, then analyzes each subject concurrently.
Subjects come from arguments, --subjects-file, SUBJECTS, or the default
watchlist, in that order. A status line is printed as each subject finishes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, f, args)
			if err != nil {
				return err
			}
			return a.runBatch(cmd, cfg)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.date, "date", "", "As-of date YYYY-MM-DD (default today)")
	fl.IntVar(&f.concurrency, "concurrency", 0, "Jobs in flight at once (default CONCURRENCY or 3)")
	fl.StringVar(&f.reportsDir, "reports-dir", "", "Directory for report files (default REPORTS_DIR or ./reports)")
	fl.StringVar(&f.isolation, "isolation", "", "Job isolation: process or cooperative")
	fl.DurationVar(&f.timeout, "timeout", 0, "Per-job time limit, 0 disables (default JOB_TIMEOUT or 30m)")
	fl.StringVar(&f.subjectsFile, "subjects-file", "", "YAML watchlist with a top-level subjects list")
	fl.BoolVar(&f.transcript, "transcript", false, "Append the captured engine output to successful reports")
	fl.StringVar(&f.statusAddr, "status-addr", "", "Serve /healthz, /metrics and /jobs on this address while running")
	return cmd
}

// resolveConfig layers flags and arguments over the environment.
func resolveConfig(cmd *cobra.Command, f runFlags, args []string) (config.Config, error) {
	cfg := config.Load()
	changed := cmd.Flags().Changed
	if changed("date") {
		cfg.AsOfDate = f.date
	}
	if changed("concurrency") {
		cfg.Concurrency = f.concurrency
	}
	if changed("reports-dir") {
		cfg.ReportsDir = f.reportsDir
	}
	if changed("isolation") {
		cfg.Isolation = f.isolation
	}
	if changed("timeout") {
		cfg.JobTimeout = f.timeout
	}
	if changed("subjects-file") {
		cfg.SubjectsFile = f.subjectsFile
	}
	if changed("transcript") {
		cfg.IncludeTranscript = f.transcript
	}
	if changed("status-addr") {
		cfg.StatusAddr = f.statusAddr
	}

	switch {
	case len(args) > 0:
		cfg.Subjects = args
	case cfg.SubjectsFile != "":
		subjects, err := config.LoadSubjectsFile(cfg.SubjectsFile)
		if err != nil {
			return cfg, err
		}
		cfg.Subjects = subjects
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (a *app) runBatch(cmd *cobra.Command, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := a.logger

	pool, err := credential.NewPool(cfg.DataAPIKeys)
	if err != nil {
		return err
	}

	settings := engineSettings(cfg)
	builder := jobenv.NewBuilder(settings.Vars(), credentialSetVar)

	var jobRunner runner.Runner
	switch cfg.Isolation {
	case runner.IsolationCooperative:
		jobRunner = runner.NewCooperativeRunner(engine.NewCommandFactory(cfg.EngineCommand, credentialSetVar), builder, settings, cfg.JobTimeout, logger)
	default:
		pr, err := runner.NewProcessRunner(builder, cfg.JobTimeout, logger)
		if err != nil {
			return err
		}
		jobRunner = pr
	}

	var mirror report.Mirror
	s3m, err := report.NewS3Mirror(ctx, cfg)
	if err != nil {
		return fmt.Errorf("report mirror: %w", err)
	}
	if s3m != nil {
		mirror = s3m
	}
	writer, err := report.NewWriter(cfg.ReportsDir, report.Options{IncludeTranscript: cfg.IncludeTranscript}, mirror, logger)
	if err != nil {
		return err
	}

	opts := dispatch.Options{
		Concurrency: cfg.Concurrency,
		LeaseTTL:    cfg.LeaseTTL,
		Status:      cmd.OutOrStdout(),
		Logger:      logger,
	}
	if cfg.RedisAddr != "" {
		locker := lease.NewRedisLocker(cfg)
		defer locker.Close()
		opts.Locker = locker
		if cfg.CredentialRateCapacity > 0 {
			opts.Throttle = ratelimit.NewTokenBucket(locker.Client(), cfg.CredentialRateCapacity, cfg.CredentialRateRefill, time.Hour)
		}
	} else if cfg.CredentialRateCapacity > 0 {
		logger.Warn("CREDENTIAL_RATE_CAPACITY needs REDIS_ADDR; credential throttling disabled")
	}

	d, err := dispatch.New(pool, jobRunner, writer, opts)
	if err != nil {
		return err
	}

	serverDone := make(chan struct{})
	serverCtx, stopServer := context.WithCancel(ctx)
	if cfg.StatusAddr != "" {
		go func() {
			defer close(serverDone)
			if err := api.New(d.Tracker(), d.RunID(), logger).Serve(serverCtx, cfg.StatusAddr); err != nil {
				logger.Error("status server stopped", zap.Error(err))
			}
		}()
	} else {
		close(serverDone)
	}
	defer func() {
		stopServer()
		<-serverDone
	}()

	asOf := cfg.ResolveAsOfDate(time.Now())
	_, err = d.Run(ctx, cfg.Subjects, asOf)
	if err != nil {
		return err
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		logger.Warn("batch interrupted; unfinished subjects were reported as failed")
	}
	return nil
}

// engineSettings pins the model provider for every job. The data credential
// is filled in per job.
func engineSettings(cfg config.Config) engine.Settings {
	override := engine.ProviderOverride{BaseURL: cfg.ModelBaseURL, APIKey: cfg.ModelAPIKey}
	return engine.Settings{
		SearchAPIKey:    cfg.SearchAPIKey,
		Model:           override.Apply(engine.ClientConfig{}),
		DeepThinkModel:  cfg.DeepThinkModel,
		QuickThinkModel: cfg.QuickThinkModel,
		DebateRounds:    cfg.DebateRounds,
	}
}
