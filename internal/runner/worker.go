package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"analysis-orchestrator/internal/engine"
	"analysis-orchestrator/internal/models"
)

// Worker exit codes.
const (
	ExitOK     = 0
	ExitFailed = 1
	ExitUsage  = 2
)

// WorkerRequest is the single task a worker child executes.
type WorkerRequest struct {
	Subject    string
	AsOfDate   string
	ResultFile string
}

// Validate checks the request carries everything the child needs.
func (w WorkerRequest) Validate() error {
	var errs []error
	if w.Subject == "" {
		errs = append(errs, errors.New("subject is required"))
	}
	if w.AsOfDate == "" {
		errs = append(errs, errors.New("date is required"))
	}
	if w.ResultFile == "" {
		errs = append(errs, errors.New("result file is required"))
	}
	return errors.Join(errs...)
}

// ServeWorker runs one job inside a child process and returns its exit code.
// Engine narration goes to stdout, diagnostics to stderr.
func ServeWorker(ctx context.Context, req WorkerRequest, factory engine.Factory, settings engine.Settings, stdout, stderr io.Writer) int {
	if err := req.Validate(); err != nil {
		fmt.Fprintf(stderr, "invalid worker request: %v\n", err)
		return ExitUsage
	}

	eng, err := factory(settings)
	if err != nil {
		fmt.Fprintf(stderr, "construct engine: %v\n", err)
		return ExitFailed
	}

	state, decision, err := propagate(ctx, eng, models.Job{Subject: req.Subject, AsOfDate: req.AsOfDate}, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "analysis of %s failed: %v\n", req.Subject, err)
		return ExitFailed
	}

	raw, err := encodeResult(state, decision)
	if err != nil {
		fmt.Fprintf(stderr, "encode result: %v\n", err)
		return ExitFailed
	}
	if err := os.WriteFile(req.ResultFile, raw, 0o600); err != nil {
		fmt.Fprintf(stderr, "write result: %v\n", err)
		return ExitFailed
	}
	return ExitOK
}

// encodeResult falls back to the state's text form when it cannot be encoded as JSON.
func encodeResult(state, decision any) ([]byte, error) {
	raw, err := json.Marshal(engine.Result{State: state, Decision: engine.Text(decision)})
	if err == nil {
		return raw, nil
	}
	return json.Marshal(engine.Result{State: engine.Text(state), Decision: engine.Text(decision)})
}
