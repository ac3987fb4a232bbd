// Package report turns job results into per-subject text reports.
package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"analysis-orchestrator/internal/models"
)

// Mirror receives a copy of every report written locally.
type Mirror interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Writer persists reports under a directory, one file per subject.
type Writer struct {
	dir    string
	opts   Options
	mirror Mirror
	logger *zap.Logger
}

// NewWriter creates dir if needed. mirror may be nil.
func NewWriter(dir string, opts Options, mirror Mirror, logger *zap.Logger) (*Writer, error) {
	if dir == "" {
		dir = "reports"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create reports dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{dir: dir, opts: opts, mirror: mirror, logger: logger}, nil
}

// FileName is the deterministic report file name for subject.
func FileName(subject string) string {
	return sanitizeSubject(subject) + "_analysis.txt"
}

// Path is where the report for subject lives.
func (w *Writer) Path(subject string) string {
	return filepath.Join(w.dir, FileName(subject))
}

// Write renders and atomically replaces the subject's report. Only I/O
// failures produce an error; mirror failures are logged.
func (w *Writer) Write(ctx context.Context, job models.Job, res models.JobResult) (string, error) {
	body := []byte(Render(job, res, w.opts))
	path := w.Path(job.Subject)
	if err := writeAtomic(path, body); err != nil {
		return "", err
	}
	if w.mirror != nil {
		location, err := w.mirror.Upload(ctx, FileName(job.Subject), body, "text/plain; charset=utf-8")
		if err != nil {
			w.logger.Warn("report mirror failed",
				zap.String("subject", job.Subject),
				zap.Error(err))
		} else {
			w.logger.Debug("report mirrored",
				zap.String("subject", job.Subject),
				zap.String("location", location))
		}
	}
	return path, nil
}

func writeAtomic(path string, body []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dirs: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp report: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write report: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close report: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod report: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace report: %w", err)
	}
	return nil
}

// sanitizeSubject keeps report paths inside the reports directory.
func sanitizeSubject(subject string) string {
	s := strings.TrimSpace(subject)
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, s)
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
