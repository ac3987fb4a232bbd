package runner

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"analysis-orchestrator/internal/engine"
	"analysis-orchestrator/internal/jobenv"
	"analysis-orchestrator/internal/models"
)

// environMu guards the process environment for every CooperativeRunner.
var environMu sync.Mutex

// CooperativeRunner runs engines in this process. The process environment is
// set to the job's values and the engine is constructed while holding
// environMu; the analysis call itself runs without the lock. Engines that read
// the environment lazily during the call can observe another job's values, so
// ProcessRunner is preferred.
type CooperativeRunner struct {
	factory  engine.Factory
	builder  *jobenv.Builder
	settings engine.Settings
	timeout  time.Duration
	logger   *zap.Logger
	setenv   func(key, value string) error
}

// NewCooperativeRunner wires a runner; settings.DataAPIKey is replaced per job.
func NewCooperativeRunner(factory engine.Factory, builder *jobenv.Builder, settings engine.Settings, timeout time.Duration, logger *zap.Logger) *CooperativeRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CooperativeRunner{
		factory:  factory,
		builder:  builder,
		settings: settings,
		timeout:  timeout,
		logger:   logger,
		setenv:   os.Setenv,
	}
}

type propagation struct {
	state    any
	decision any
	err      error
}

// Run executes job and waits for the engine, the timeout, or cancellation.
func (r *CooperativeRunner) Run(ctx context.Context, job models.Job) models.JobResult {
	start := time.Now()
	ctx, cancel := withJobTimeout(ctx, r.timeout)
	defer cancel()

	out := &syncBuffer{}
	eng, err := r.construct(job)
	if err != nil {
		res := models.Failed(out.String(), fmt.Sprintf("construct engine: %v", err))
		res.Duration = time.Since(start)
		return res
	}

	done := make(chan propagation, 1)
	go func() {
		state, decision, err := propagate(ctx, eng, job, out)
		done <- propagation{state: state, decision: decision, err: err}
	}()

	var res models.JobResult
	select {
	case p := <-done:
		if p.err != nil {
			res = models.Failed(out.String(), joinDetail(p.err.Error(), interruptDetail(ctx, r.timeout)))
		} else {
			res = models.Completed(out.String(), p.state, engine.Text(p.decision))
		}
	case <-ctx.Done():
		// The engine goroutine is abandoned; it exits when the engine returns.
		r.logger.Warn("engine did not stop after interruption",
			zap.String("subject", job.Subject),
			zap.Error(ctx.Err()))
		res = models.Failed(out.String(), interruptDetail(ctx, r.timeout))
	}
	res.Duration = time.Since(start)
	return res
}

func (r *CooperativeRunner) construct(job models.Job) (eng engine.Engine, err error) {
	environMu.Lock()
	defer environMu.Unlock()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("engine constructor panic: %v\n%s", rec, debug.Stack())
		}
	}()

	for k, v := range r.builder.Overrides(job) {
		if err := r.setenv(k, v); err != nil {
			return nil, fmt.Errorf("set %s: %w", k, err)
		}
	}
	settings := r.settings
	settings.DataAPIKey = job.Credential
	return r.factory(settings)
}
