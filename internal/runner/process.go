package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"analysis-orchestrator/internal/engine"
	"analysis-orchestrator/internal/jobenv"
	"analysis-orchestrator/internal/models"
)

// WorkerCommand is the subcommand a child process is started with.
const WorkerCommand = "worker"

// ProcessRunner spawns one child process per job:
//
//	<executable> [prefix...] worker --subject S --date D --result-file P
//
// The child environment is exactly the job's descriptor. Stdout becomes the
// captured output, stderr the error detail, and the result envelope travels
// through P.
type ProcessRunner struct {
	executable string
	prefix     []string
	builder    *jobenv.Builder
	timeout    time.Duration
	logger     *zap.Logger
	// parent seeds each job environment.
	parent func() []string
	// tempDir holds per-job result files; "" means os.TempDir().
	tempDir string
}

// NewProcessRunner re-invokes the running binary.
func NewProcessRunner(builder *jobenv.Builder, timeout time.Duration, logger *zap.Logger) (*ProcessRunner, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	return NewProcessRunnerFor(exe, nil, builder, timeout, logger), nil
}

// NewProcessRunnerFor spawns executable with prefix arguments ahead of the worker command.
func NewProcessRunnerFor(executable string, prefix []string, builder *jobenv.Builder, timeout time.Duration, logger *zap.Logger) *ProcessRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessRunner{
		executable: executable,
		prefix:     append([]string(nil), prefix...),
		builder:    builder,
		timeout:    timeout,
		logger:     logger,
		parent:     os.Environ,
	}
}

// WorkerArgs is the argument list after the worker command name.
func WorkerArgs(job models.Job, resultFile string) []string {
	return []string{"--subject", job.Subject, "--date", job.AsOfDate, "--result-file", resultFile}
}

// Run starts the child, waits for exit and stream drain, and classifies the outcome.
func (r *ProcessRunner) Run(ctx context.Context, job models.Job) models.JobResult {
	start := time.Now()
	res := r.run(ctx, job)
	res.Duration = time.Since(start)
	return res
}

func (r *ProcessRunner) run(ctx context.Context, job models.Job) models.JobResult {
	ctx, cancel := withJobTimeout(ctx, r.timeout)
	defer cancel()

	dir, err := os.MkdirTemp(r.tempDir, "analysis-job-*")
	if err != nil {
		return models.Failed("", fmt.Sprintf("create job scratch dir: %v", err))
	}
	defer os.RemoveAll(dir)
	resultFile := filepath.Join(dir, "result.json")

	args := make([]string, 0, len(r.prefix)+8)
	args = append(args, r.prefix...)
	args = append(args, WorkerCommand)
	args = append(args, WorkerArgs(job, resultFile)...)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.executable, args...)
	cmd.Env = r.builder.Build(r.parent(), job).Environ()
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// SIGTERM lets the worker cancel its engine; WaitDelay escalates to SIGKILL.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	if err := cmd.Start(); err != nil {
		return models.Failed("", fmt.Sprintf("start worker: %v", err))
	}
	r.logger.Debug("worker started",
		zap.String("subject", job.Subject),
		zap.Int("pid", cmd.Process.Pid))

	waitErr := cmd.Wait()
	if waitErr != nil {
		return models.Failed(stdout.String(), joinDetail(
			interruptDetail(ctx, r.timeout),
			exitDetail(waitErr),
			stderr.String(),
		))
	}

	raw, err := os.ReadFile(resultFile)
	if err != nil {
		return models.Failed(stdout.String(), joinDetail(
			fmt.Sprintf("worker exited cleanly without a result: %v", err),
			stderr.String(),
		))
	}
	envelope, err := engine.DecodeResult(raw)
	if err != nil {
		return models.Failed(stdout.String(), joinDetail(err.Error(), stderr.String()))
	}
	return models.Completed(stdout.String(), envelope.State, engine.Text(envelope.Decision))
}

func exitDetail(err error) string {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Sprintf("worker exited with %s", exitErr.ProcessState)
	}
	return fmt.Sprintf("worker wait: %v", err)
}
