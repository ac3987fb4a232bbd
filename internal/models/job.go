package models

import (
	"time"
)

// JobState enumerates the lifecycle of one subject's analysis within a batch.
type JobState string

const (
	StatePending    JobState = "pending"
	StateDispatched JobState = "dispatched"
	StateRunning    JobState = "running"
	StateCompleted  JobState = "completed"
	StateFailed     JobState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Job is one subject bound to a credential and an as-of date.
type Job struct {
	Index      int    `json:"index"`
	Subject    string `json:"subject"`
	Credential string `json:"-"`
	AsOfDate   string `json:"as_of_date"`
}

// JobResult is produced by a runner and consumed by the report writer.
type JobResult struct {
	State    JobState      `json:"state"`
	Output   string        `json:"output"`
	Decision string        `json:"decision,omitempty"`
	Analysis any           `json:"analysis,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Completed builds a successful result.
func Completed(output string, analysis any, decision string) JobResult {
	return JobResult{
		State:    StateCompleted,
		Output:   output,
		Analysis: analysis,
		Decision: decision,
	}
}

// Failed builds a failed result keeping whatever output was captured.
func Failed(output, detail string) JobResult {
	if detail == "" {
		detail = "unknown failure"
	}
	return JobResult{
		State:  StateFailed,
		Output: output,
		Error:  detail,
	}
}

// Succeeded reports whether the job completed.
func (r JobResult) Succeeded() bool {
	return r.State == StateCompleted
}

// JobStatus is a point-in-time view of a job for operators.
type JobStatus struct {
	Subject     string     `json:"subject"`
	Credential  string     `json:"credential"`
	State       JobState   `json:"state"`
	ReportPath  string     `json:"report_path,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Outcome is what the dispatcher collects for each finished job.
type Outcome struct {
	Job        Job       `json:"job"`
	Result     JobResult `json:"result"`
	ReportPath string    `json:"report_path,omitempty"`
	// ReportError is set when the report file could not be written.
	ReportError string `json:"report_error,omitempty"`
	// Rejected is set when the job never ran because another run holds the subject.
	Rejected bool `json:"rejected,omitempty"`
}

// Summary aggregates a batch run.
type Summary struct {
	RunID     string    `json:"run_id"`
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}
