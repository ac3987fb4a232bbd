// Package runner executes one job's analysis in isolation and captures its
// output. Two strategies exist: ProcessRunner re-invokes the binary in worker
// mode so each job owns an address space and environment table, and
// CooperativeRunner serializes engine construction in-process behind a lock.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"analysis-orchestrator/internal/engine"
	"analysis-orchestrator/internal/models"
)

// Isolation strategy names accepted in configuration.
const (
	IsolationProcess     = "process"
	IsolationCooperative = "cooperative"
)

// Runner executes a job. Faults are reported in the result, never returned.
type Runner interface {
	Run(ctx context.Context, job models.Job) models.JobResult
}

func withJobTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// interruptDetail describes why ctx ended, or "" if it has not.
func interruptDetail(ctx context.Context, timeout time.Duration) string {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Sprintf("analysis timed out after %s", timeout)
	case errors.Is(ctx.Err(), context.Canceled):
		return "analysis cancelled before completion"
	default:
		return ""
	}
}

// propagate calls the engine and converts a panic into an error.
func propagate(ctx context.Context, eng engine.Engine, job models.Job, out io.Writer) (state any, decision any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("engine panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return eng.Propagate(ctx, job.Subject, job.AsOfDate, out)
}

// syncBuffer is a runner-owned output handle safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func joinDetail(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return strings.Join(out, "\n")
}
