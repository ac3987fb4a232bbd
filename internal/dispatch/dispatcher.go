// Package dispatch runs a batch of subjects across a bounded worker pool and
// collects outcomes in completion order.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"analysis-orchestrator/internal/credential"
	"analysis-orchestrator/internal/lease"
	"analysis-orchestrator/internal/models"
	"analysis-orchestrator/internal/ratelimit"
	"analysis-orchestrator/internal/runner"
	"analysis-orchestrator/internal/telemetry"
)

// ReportWriter persists one job's report and returns its path.
type ReportWriter interface {
	Write(ctx context.Context, job models.Job, res models.JobResult) (string, error)
}

// Throttle delays a job start until its credential may be used.
type Throttle interface {
	Wait(ctx context.Context, key string) error
}

// Options configure a Dispatcher. Zero values pick defaults.
type Options struct {
	Concurrency int
	Locker      lease.Locker
	LeaseTTL    time.Duration
	Throttle    Throttle
	// RunID identifies the batch in logs and lease ownership. Generated when empty.
	RunID string
	// Status receives one line per finished subject and a final summary.
	Status io.Writer
	Logger *zap.Logger
}

// Dispatcher owns the worker pool for one batch.
type Dispatcher struct {
	pool        *credential.Pool
	runner      runner.Runner
	writer      ReportWriter
	locker      lease.Locker
	throttle    Throttle
	tracker     *Tracker
	runID       string
	concurrency int
	leaseTTL    time.Duration
	status      io.Writer
	logger      *zap.Logger
}

// New validates the pool before any job can be scheduled.
func New(pool *credential.Pool, r runner.Runner, w ReportWriter, opts Options) (*Dispatcher, error) {
	if pool == nil || pool.Len() == 0 {
		return nil, credential.ErrEmptyPool
	}
	if r == nil {
		return nil, errors.New("runner is required")
	}
	if w == nil {
		return nil, errors.New("report writer is required")
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 3
	}
	if opts.Locker == nil {
		opts.Locker = lease.NewMemoryLocker()
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = time.Hour
	}
	if opts.RunID == "" {
		opts.RunID = uuid.New().String()
	}
	if opts.Status == nil {
		opts.Status = io.Discard
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Dispatcher{
		pool:        pool,
		runner:      r,
		writer:      w,
		locker:      opts.Locker,
		throttle:    opts.Throttle,
		tracker:     NewTracker(),
		runID:       opts.RunID,
		concurrency: opts.Concurrency,
		leaseTTL:    opts.LeaseTTL,
		status:      opts.Status,
		logger:      opts.Logger,
	}, nil
}

// RunID identifies this dispatcher's batch.
func (d *Dispatcher) RunID() string {
	return d.runID
}

// Tracker exposes live job states.
func (d *Dispatcher) Tracker() *Tracker {
	return d.tracker
}

// Jobs binds subjects to credentials round-robin by their position in the
// configured list. Blank and duplicate entries are dropped so no two jobs for
// one subject are in flight together; they still occupy their position.
func (d *Dispatcher) Jobs(subjects []string, asOfDate string) []models.Job {
	seen := make(map[string]bool, len(subjects))
	jobs := make([]models.Job, 0, len(subjects))
	for i, s := range subjects {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if seen[s] {
			d.logger.Warn("duplicate subject dropped", zap.String("subject", s))
			continue
		}
		seen[s] = true
		jobs = append(jobs, models.Job{
			Index:      i,
			Subject:    s,
			Credential: d.pool.Assign(i),
			AsOfDate:   asOfDate,
		})
	}
	return jobs
}

// Run submits one task per subject and reports outcomes as they finish.
// Per-job failures never fail the batch.
func (d *Dispatcher) Run(ctx context.Context, subjects []string, asOfDate string) (models.Summary, error) {
	jobs := d.Jobs(subjects, asOfDate)
	summary := models.Summary{
		RunID:     d.runID,
		Total:     len(jobs),
		StartedAt: time.Now().UTC(),
	}
	if len(jobs) == 0 {
		return summary, errors.New("no subjects to analyze")
	}
	d.tracker.Reset(jobs)

	d.logger.Info("batch started",
		zap.String("run_id", summary.RunID),
		zap.Int("jobs", len(jobs)),
		zap.Int("concurrency", d.concurrency),
		zap.Int("credentials", d.pool.Len()),
		zap.String("as_of_date", asOfDate))

	outcomes := make(chan models.Outcome)
	go func() {
		var g errgroup.Group
		g.SetLimit(d.concurrency)
		for _, job := range jobs {
			job := job
			g.Go(func() error {
				outcomes <- d.execute(ctx, d.runID, job)
				return nil
			})
		}
		_ = g.Wait()
		close(outcomes)
	}()

	for o := range outcomes {
		switch {
		case o.Rejected:
			summary.Skipped++
		case o.Result.Succeeded() && o.ReportError == "":
			summary.Succeeded++
		default:
			summary.Failed++
		}
		d.printOutcome(o)
	}

	summary.EndedAt = time.Now().UTC()
	fmt.Fprintf(d.status, "batch complete: %d succeeded, %d failed, %d skipped\n",
		summary.Succeeded, summary.Failed, summary.Skipped)
	d.logger.Info("batch finished",
		zap.String("run_id", summary.RunID),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Duration("elapsed", summary.EndedAt.Sub(summary.StartedAt)))
	return summary, nil
}

func (d *Dispatcher) execute(ctx context.Context, runID string, job models.Job) models.Outcome {
	d.tracker.Transition(job.Subject, models.StateDispatched)
	log := d.logger.With(
		zap.String("run_id", runID),
		zap.String("subject", job.Subject),
		zap.String("credential", credential.Mask(job.Credential)))

	// Reports and lease releases must still happen after the batch is cancelled.
	bg := context.WithoutCancel(ctx)

	held, err := d.locker.Acquire(ctx, job.Subject, runID, d.leaseTTL)
	if err != nil {
		log.Warn("subject lease unavailable, continuing without it", zap.Error(err))
		held = true
	} else if !held {
		res := models.Failed("", "subject is already being analyzed by another batch run")
		d.tracker.Finish(job.Subject, res, "")
		telemetry.JobsRejected.Inc()
		log.Warn("subject in flight elsewhere, skipped")
		return models.Outcome{Job: job, Result: res, Rejected: true}
	}
	stopRenew := d.renewLease(bg, job.Subject, runID, log)
	defer func() {
		stopRenew()
		if err := d.locker.Release(bg, job.Subject, runID); err != nil {
			log.Warn("release subject lease", zap.Error(err))
		}
	}()

	res, ran := d.run(ctx, job, log)
	outcome := models.Outcome{Job: job, Result: res}

	path, err := d.writer.Write(bg, job, res)
	if err != nil {
		telemetry.ReportErrors.Inc()
		outcome.ReportError = err.Error()
		log.Error("report not written", zap.Error(err))
	}
	outcome.ReportPath = path

	if ran {
		telemetry.JobDuration.Observe(res.Duration.Seconds())
	}
	if res.Succeeded() {
		telemetry.JobsCompleted.Inc()
		log.Info("analysis completed", zap.Duration("duration", res.Duration), zap.String("report", path))
	} else {
		telemetry.JobsFailed.Inc()
		log.Warn("analysis failed", zap.Duration("duration", res.Duration), zap.String("report", path))
	}
	d.tracker.Finish(job.Subject, res, path)
	return outcome
}

// renewLease re-acquires the subject lease every third of its TTL so it
// outlives jobs of any length. The returned func stops renewal and waits for it.
func (d *Dispatcher) renewLease(ctx context.Context, subject, owner string, log *zap.Logger) func() {
	interval := d.leaseTTL / 3
	if interval <= 0 {
		interval = d.leaseTTL
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				held, err := d.locker.Acquire(ctx, subject, owner, d.leaseTTL)
				switch {
				case err != nil:
					log.Warn("renew subject lease", zap.Error(err))
				case !held:
					log.Error("subject lease lost to another batch run")
				}
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

// run waits for the credential throttle, then hands the job to the runner.
func (d *Dispatcher) run(ctx context.Context, job models.Job, log *zap.Logger) (models.JobResult, bool) {
	if d.throttle != nil {
		telemetry.ThrottleWaiting.Inc()
		err := d.throttle.Wait(ctx, ratelimit.CredentialKey(credential.Fingerprint(job.Credential)))
		telemetry.ThrottleWaiting.Dec()
		if err != nil {
			return models.Failed("", fmt.Sprintf("waiting for credential rate limit: %v", err)), false
		}
	}

	d.tracker.Transition(job.Subject, models.StateRunning)
	telemetry.JobsDispatched.Inc()
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()
	log.Info("analysis started")
	return d.runner.Run(ctx, job), true
}

func (d *Dispatcher) printOutcome(o models.Outcome) {
	switch {
	case o.Rejected:
		fmt.Fprintf(d.status, "⏭️ [%s] skipped: %s\n", o.Job.Subject, o.Result.Error)
	case o.ReportError != "":
		fmt.Fprintf(d.status, "❌ [%s] report not written: %s\n", o.Job.Subject, snippet(o.ReportError))
	case o.Result.Succeeded():
		fmt.Fprintf(d.status, "✅ [%s] report saved to %s\n", o.Job.Subject, o.ReportPath)
	default:
		fmt.Fprintf(d.status, "❌ [%s] analysis failed: %s (details in %s)\n", o.Job.Subject, snippet(o.Result.Error), o.ReportPath)
	}
}

// snippet keeps the first line of an error, capped for the status stream.
func snippet(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 120
	if r := []rune(s); len(r) > max {
		s = string(r[:max]) + "..."
	}
	return s
}
