package cli

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"analysis-orchestrator/internal/config"
	"analysis-orchestrator/internal/engine"
)

// workerEnv marks a re-executed test binary that should run the real
// command tree, as the analyze binary does when it spawns a worker.
const workerEnv = "ANALYZE_TEST_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(workerEnv) == "1" {
		root := NewRootCommand()
		root.SetArgs(os.Args[1:])
		if err := root.Execute(); err != nil {
			var exit *ExitError
			if errors.As(err, &exit) {
				os.Exit(exit.Code)
			}
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// isolateEnv pins every variable the commands read or the cooperative runner
// writes, so the test restores them afterwards.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"AV_KEYS", "OPENAI_API_KEY", "BRAVE_API_KEY", "MODEL_BASE_URL", "ENGINE_COMMAND",
		"SUBJECTS", "SUBJECTS_FILE", "AS_OF_DATE", "CONCURRENCY", "REPORTS_DIR", "ISOLATION",
		"JOB_TIMEOUT", "STATUS_ADDR", "REDIS_ADDR", "CREDENTIAL_RATE_CAPACITY", "REPORT_S3_BUCKET",
		engine.DataAPIKeyVar, engine.ModelBaseURLVar, engine.DeepThinkModelVar,
		engine.QuickThinkModelVar, engine.DebateRoundsVar, engine.UnbufferedVar,
	} {
		t.Setenv(k, "")
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRunFailsFastWithoutCredentials(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	t.Setenv("OPENAI_API_KEY", "model-key")
	t.Setenv("ENGINE_COMMAND", "true")

	_, err := execute(t, "run", "--reports-dir", dir, "NVDA")
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrNoDataKeys))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunRejectsUnknownIsolation(t *testing.T) {
	isolateEnv(t)
	t.Setenv("OPENAI_API_KEY", "model-key")
	t.Setenv("AV_KEYS", "K1")
	t.Setenv("ENGINE_COMMAND", "true")

	_, err := execute(t, "run", "--isolation", "threads", "--reports-dir", t.TempDir(), "NVDA")
	assert.ErrorIs(t, err, config.ErrUnknownIsolation)
}

func TestRunCooperativeBatchWritesReports(t *testing.T) {
	isolateEnv(t)
	work := t.TempDir()
	script := filepath.Join(work, "engine.sh")
	require.NoError(t, os.WriteFile(script, []byte(`#!/bin/sh
echo "analyzing $1 on $2 with $ALPHA_VANTAGE_API_KEY"
if [ "$1" = "BAD" ]; then
  echo "data provider refused the request" >&2
  exit 3
fi
printf '{"state":{"market_report":"trend for %s"},"decision":"BUY"}' "$1" > "$ANALYSIS_RESULT_FILE"
`), 0o755))

	reports := filepath.Join(work, "reports")
	t.Setenv("OPENAI_API_KEY", "model-key")
	t.Setenv("AV_KEYS", "K1,K2")
	t.Setenv("ENGINE_COMMAND", "sh "+script)

	out, err := execute(t, "run", "--isolation", "cooperative", "--reports-dir", reports,
		"--date", "2026-01-05", "--concurrency", "2", "GOOD", "BAD")
	require.NoError(t, err)
	assert.Contains(t, out, "✅ [GOOD] report saved to")
	assert.Contains(t, out, "❌ [BAD] analysis failed")
	assert.Contains(t, out, "batch complete: 1 succeeded, 1 failed, 0 skipped")

	good, err := os.ReadFile(filepath.Join(reports, "GOOD_analysis.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(good), "trend for GOOD")
	assert.Contains(t, string(good), "BUY")

	bad, err := os.ReadFile(filepath.Join(reports, "BAD_analysis.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(bad), "ANALYSIS FAILED")
	assert.Contains(t, string(bad), "analyzing BAD on 2026-01-05 with K2")
}

func TestRunProcessBatchWritesReports(t *testing.T) {
	isolateEnv(t)
	work := t.TempDir()
	script := filepath.Join(work, "engine.sh")
	require.NoError(t, os.WriteFile(script, []byte(`#!/bin/sh
echo "analyzing $1 on $2 with $ALPHA_VANTAGE_API_KEY siblings=${AV_KEYS:-none}"
printf '{"state":{"market_report":"up"},"decision":"BUY"}' > "$ANALYSIS_RESULT_FILE"
`), 0o755))

	reports := filepath.Join(work, "reports")
	t.Setenv(workerEnv, "1")
	t.Setenv("OPENAI_API_KEY", "model-key")
	t.Setenv("AV_KEYS", "K1")
	t.Setenv("ENGINE_COMMAND", "sh "+script)

	out, err := execute(t, "run", "--isolation", "process", "--reports-dir", reports,
		"--date", "2026-01-05", "--transcript", "AAA", "BBB")
	require.NoError(t, err)
	assert.Contains(t, out, "✅ [AAA] report saved to")
	assert.Contains(t, out, "✅ [BBB] report saved to")
	assert.Contains(t, out, "batch complete: 2 succeeded, 0 failed, 0 skipped")

	for _, subject := range []string{"AAA", "BBB"} {
		body, err := os.ReadFile(filepath.Join(reports, subject+"_analysis.txt"))
		require.NoError(t, err)
		text := string(body)
		assert.Contains(t, text, "Market & Technical Analysis")
		assert.Contains(t, text, "up")
		assert.Contains(t, text, "Final Trading Decision")
		assert.Contains(t, text, "BUY")
		assert.Contains(t, text, "analyzing "+subject+" on 2026-01-05 with K1 siblings=none")
	}
}

func TestWorkerRequiresConfiguration(t *testing.T) {
	isolateEnv(t)
	_, err := execute(t, "worker", "--subject", "NVDA", "--date", "2026-01-05", "--result-file", filepath.Join(t.TempDir(), "r.json"))
	var exit *ExitError
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, 2, exit.Code)
}
