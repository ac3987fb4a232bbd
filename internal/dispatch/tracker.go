package dispatch

import (
	"sort"
	"sync"
	"time"

	"analysis-orchestrator/internal/credential"
	"analysis-orchestrator/internal/models"
)

// Tracker records the lifecycle of every job in the current batch.
type Tracker struct {
	mu     sync.RWMutex
	order  map[string]int
	states map[string]*models.JobStatus
	now    func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		order:  make(map[string]int),
		states: make(map[string]*models.JobStatus),
		now:    time.Now,
	}
}

// Reset replaces the tracked set with jobs, all pending.
func (t *Tracker) Reset(jobs []models.Job) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.order = make(map[string]int, len(jobs))
	t.states = make(map[string]*models.JobStatus, len(jobs))
	now := t.now()
	for _, j := range jobs {
		t.order[j.Subject] = j.Index
		t.states[j.Subject] = &models.JobStatus{
			Subject:    j.Subject,
			Credential: credential.Mask(j.Credential),
			State:      models.StatePending,
			UpdatedAt:  now,
		}
	}
}

// Transition moves subject to state. Terminal states are final.
func (t *Tracker) Transition(subject string, state models.JobState) {
	t.update(subject, func(s *models.JobStatus, now time.Time) {
		s.State = state
		if state == models.StateRunning {
			s.StartedAt = &now
		}
	})
}

// Finish records the terminal state of subject.
func (t *Tracker) Finish(subject string, res models.JobResult, reportPath string) {
	t.update(subject, func(s *models.JobStatus, now time.Time) {
		s.State = res.State
		s.ReportPath = reportPath
		s.CompletedAt = &now
		if res.Error != "" {
			msg := res.Error
			s.LastError = &msg
		}
	})
}

func (t *Tracker) update(subject string, fn func(*models.JobStatus, time.Time)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[subject]
	if !ok || s.State.Terminal() {
		return
	}
	now := t.now()
	fn(s, now)
	s.UpdatedAt = now
}

// Get returns a copy of subject's status.
func (t *Tracker) Get(subject string) (models.JobStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[subject]
	if !ok {
		return models.JobStatus{}, false
	}
	return *s, true
}

// Snapshot returns copies of all statuses in submission order.
func (t *Tracker) Snapshot() []models.JobStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.JobStatus, 0, len(t.states))
	for _, s := range t.states {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		return t.order[out[i].Subject] < t.order[out[j].Subject]
	})
	return out
}
