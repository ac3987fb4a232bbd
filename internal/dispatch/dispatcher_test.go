package dispatch

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"analysis-orchestrator/internal/credential"
	"analysis-orchestrator/internal/lease"
	"analysis-orchestrator/internal/models"
	"analysis-orchestrator/internal/report"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type runnerFunc func(ctx context.Context, job models.Job) models.JobResult

func (f runnerFunc) Run(ctx context.Context, job models.Job) models.JobResult {
	return f(ctx, job)
}

func newWriter(t *testing.T) (*report.Writer, string) {
	t.Helper()
	dir := t.TempDir()
	w, err := report.NewWriter(dir, report.Options{}, nil, zap.NewNop())
	require.NoError(t, err)
	return w, dir
}

func newPool(t *testing.T, keys ...string) *credential.Pool {
	t.Helper()
	p, err := credential.NewPool(keys)
	require.NoError(t, err)
	return p
}

func TestNewRejectsEmptyPool(t *testing.T) {
	w, _ := newWriter(t)
	_, err := New(nil, runnerFunc(nil), w, Options{})
	assert.ErrorIs(t, err, credential.ErrEmptyPool)
}

func TestJobsAssignCredentialsRoundRobin(t *testing.T) {
	w, _ := newWriter(t)
	d, err := New(newPool(t, "K1", "K2"), runnerFunc(nil), w, Options{})
	require.NoError(t, err)

	jobs := d.Jobs([]string{"A", "B", "C", "B", " "}, "2026-01-05")
	require.Len(t, jobs, 3)
	assert.Equal(t, []string{"K1", "K2", "K1"}, []string{jobs[0].Credential, jobs[1].Credential, jobs[2].Credential})
	assert.Equal(t, "C", jobs[2].Subject)
	assert.Equal(t, 2, jobs[2].Index)
}

func TestJobsKeepConfiguredPositions(t *testing.T) {
	w, _ := newWriter(t)
	d, err := New(newPool(t, "K1", "K2"), runnerFunc(nil), w, Options{})
	require.NoError(t, err)

	// The dropped duplicate at position 1 does not shift later assignments.
	jobs := d.Jobs([]string{"A", "A", "B", "C"}, "2026-01-05")
	require.Len(t, jobs, 3)
	assert.Equal(t, []int{0, 2, 3}, []int{jobs[0].Index, jobs[1].Index, jobs[2].Index})
	assert.Equal(t, []string{"K1", "K1", "K2"}, []string{jobs[0].Credential, jobs[1].Credential, jobs[2].Credential})
}

func TestRunWritesOneReportPerSubject(t *testing.T) {
	w, dir := newWriter(t)
	var mu sync.Mutex
	seen := map[string]string{}
	r := runnerFunc(func(_ context.Context, job models.Job) models.JobResult {
		mu.Lock()
		seen[job.Subject] = job.Credential
		mu.Unlock()
		if job.Subject == "BBB" {
			return models.Failed("partial output", "engine exploded\nstack trace")
		}
		return models.Completed("log", map[string]any{"market_report": "up"}, "BUY")
	})

	var status bytes.Buffer
	d, err := New(newPool(t, "K1"), r, w, Options{Concurrency: 2, Status: &status})
	require.NoError(t, err)

	summary, err := d.Run(context.Background(), []string{"AAA", "BBB"}, "2026-01-05")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, map[string]string{"AAA": "K1", "BBB": "K1"}, seen)

	ok, err := os.ReadFile(filepath.Join(dir, "AAA_analysis.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(ok), "Market & Technical Analysis")
	assert.Contains(t, string(ok), "BUY")

	failed, err := os.ReadFile(filepath.Join(dir, "BBB_analysis.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(failed), "ANALYSIS FAILED")
	assert.Contains(t, string(failed), "partial output")

	out := status.String()
	assert.Contains(t, out, "✅ [AAA] report saved to "+filepath.Join(dir, "AAA_analysis.txt"))
	assert.Contains(t, out, "❌ [BBB] analysis failed: engine exploded (details in")
	assert.NotContains(t, out, "stack trace")
	assert.True(t, strings.HasSuffix(out, "batch complete: 1 succeeded, 1 failed, 0 skipped\n"))

	for _, st := range d.Tracker().Snapshot() {
		assert.True(t, st.State.Terminal(), st.Subject)
		assert.Equal(t, credential.Mask("K1"), st.Credential)
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunReportsInCompletionOrder(t *testing.T) {
	w, _ := newWriter(t)
	status := &lockedBuffer{}
	r := runnerFunc(func(_ context.Context, job models.Job) models.JobResult {
		if job.Subject == "SLOW" {
			deadline := time.Now().Add(5 * time.Second)
			for !strings.Contains(status.String(), "[FAST]") && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}
		}
		return models.Completed("", map[string]any{"market_report": job.Subject}, "HOLD")
	})

	d, err := New(newPool(t, "K1", "K2"), r, w, Options{Concurrency: 2, Status: status})
	require.NoError(t, err)

	_, err = d.Run(context.Background(), []string{"SLOW", "FAST"}, "2026-01-05")
	require.NoError(t, err)

	out := status.String()
	require.Contains(t, out, "[SLOW]")
	assert.Less(t, strings.Index(out, "[FAST]"), strings.Index(out, "[SLOW]"))
}

func TestRunHonoursConcurrencyLimit(t *testing.T) {
	w, _ := newWriter(t)
	var active, peak int32
	r := runnerFunc(func(_ context.Context, job models.Job) models.JobResult {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return models.Completed("", nil, "HOLD")
	})

	d, err := New(newPool(t, "K1", "K2", "K3"), r, w, Options{Concurrency: 2})
	require.NoError(t, err)

	summary, err := d.Run(context.Background(), []string{"A", "B", "C", "D", "E", "F"}, "2026-01-05")
	require.NoError(t, err)
	assert.Equal(t, 6, summary.Succeeded)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestRunSkipsSubjectLeasedElsewhere(t *testing.T) {
	w, dir := newWriter(t)
	locker := lease.NewMemoryLocker()
	held, err := locker.Acquire(context.Background(), "AAA", "other-run", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	var ran []string
	var mu sync.Mutex
	r := runnerFunc(func(_ context.Context, job models.Job) models.JobResult {
		mu.Lock()
		ran = append(ran, job.Subject)
		mu.Unlock()
		return models.Completed("", nil, "SELL")
	})

	var status bytes.Buffer
	d, err := New(newPool(t, "K1"), r, w, Options{Locker: locker, Status: &status})
	require.NoError(t, err)

	summary, err := d.Run(context.Background(), []string{"AAA", "BBB"}, "2026-01-05")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, []string{"BBB"}, ran)
	assert.Contains(t, status.String(), "[AAA] skipped")

	_, err = os.Stat(filepath.Join(dir, "AAA_analysis.txt"))
	assert.True(t, os.IsNotExist(err))

	// The finished run released its own lease.
	again, err := locker.Acquire(context.Background(), "BBB", "next-run", time.Minute)
	require.NoError(t, err)
	assert.True(t, again)
}

type failingLocker struct{}

func (failingLocker) Acquire(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}

func (failingLocker) Release(context.Context, string, string) error { return nil }

func TestRunProceedsWhenLeaseStoreFails(t *testing.T) {
	w, _ := newWriter(t)
	r := runnerFunc(func(context.Context, models.Job) models.JobResult {
		return models.Completed("", nil, "BUY")
	})
	d, err := New(newPool(t, "K1"), r, w, Options{Locker: failingLocker{}})
	require.NoError(t, err)

	summary, err := d.Run(context.Background(), []string{"AAA"}, "2026-01-05")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
}

type throttleFunc func(ctx context.Context, key string) error

func (f throttleFunc) Wait(ctx context.Context, key string) error { return f(ctx, key) }

func TestRunThrottlesPerCredential(t *testing.T) {
	w, _ := newWriter(t)
	var mu sync.Mutex
	var keys []string
	th := throttleFunc(func(_ context.Context, key string) error {
		mu.Lock()
		keys = append(keys, key)
		mu.Unlock()
		if strings.HasSuffix(key, credential.Fingerprint("K2")) {
			return errors.New("bucket closed")
		}
		return nil
	})
	r := runnerFunc(func(context.Context, models.Job) models.JobResult {
		return models.Completed("", nil, "BUY")
	})
	d, err := New(newPool(t, "K1", "K2"), r, w, Options{Throttle: th})
	require.NoError(t, err)

	summary, err := d.Run(context.Background(), []string{"AAA", "BBB"}, "2026-01-05")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)

	sort.Strings(keys)
	require.Len(t, keys, 2)
	assert.NotEqual(t, keys[0], keys[1])

	st, ok := d.Tracker().Get("BBB")
	require.True(t, ok)
	require.NotNil(t, st.LastError)
	assert.Contains(t, *st.LastError, "credential rate limit")
}

func TestRunWithoutSubjects(t *testing.T) {
	w, _ := newWriter(t)
	d, err := New(newPool(t, "K1"), runnerFunc(nil), w, Options{})
	require.NoError(t, err)
	_, err = d.Run(context.Background(), nil, "2026-01-05")
	assert.Error(t, err)
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "first", snippet("  first\nsecond"))
	long := strings.Repeat("x", 200)
	assert.Equal(t, strings.Repeat("x", 120)+"...", snippet(long))
}
