//go:build unix

package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// processGone treats zombies as gone; a container init may never reap them.
func processGone(pid int) bool {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err == nil {
		if i := bytes.LastIndexByte(raw, ')'); i >= 0 && i+2 < len(raw) {
			return raw[i+2] == 'Z' || raw[i+2] == 'X'
		}
		return false
	}
	if _, statErr := os.Stat("/proc/self/stat"); statErr == nil {
		return true
	}
	return errors.Is(syscall.Kill(pid, 0), syscall.ESRCH)
}

func TestCommandEngineCancelKillsSpawnedProcesses(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	pidFile := filepath.Join(t.TempDir(), "sleep.pid")
	eng, err := NewCommandEngine([]string{sh, "-c", `sleep 30 & echo $! > "$SLEEP_PID_FILE"; wait`, "engine"}, Settings{})
	require.NoError(t, err)
	eng.base = []string{"PATH=/usr/bin:/bin", "SLEEP_PID_FILE=" + pidFile}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := eng.Propagate(ctx, "AAA", "2026-01-02", &bytes.Buffer{})
		done <- err
	}()

	var pid int
	require.Eventually(t, func() bool {
		raw, err := os.ReadFile(pidFile)
		if err != nil {
			return false
		}
		pid, err = strconv.Atoi(strings.TrimSpace(string(raw)))
		return err == nil && pid > 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("engine did not return after cancel")
	}
	assert.Eventually(t, func() bool { return processGone(pid) }, 5*time.Second, 20*time.Millisecond)
}
