package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// CommandEngine runs an external analysis program as
//
//	<argv...> <subject> <as-of-date>
//
// with an environment built from Settings. The program narrates on
// stdout/stderr and writes a Result envelope to $ANALYSIS_RESULT_FILE.
type CommandEngine struct {
	argv     []string
	settings Settings
	// base seeds the program environment; nil means os.Environ().
	base []string
	// strip names base variables the program must never see.
	strip map[string]bool
}

// NewCommandFactory returns a Factory that builds CommandEngines for argv.
// Variables named in strip are removed from the inherited environment.
func NewCommandFactory(argv []string, strip ...string) Factory {
	return func(s Settings) (Engine, error) {
		return NewCommandEngine(argv, s, strip...)
	}
}

// NewCommandEngine validates argv and binds the settings.
func NewCommandEngine(argv []string, s Settings, strip ...string) (*CommandEngine, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, errors.New("engine command is not configured")
	}
	cp := make([]string, len(argv))
	copy(cp, argv)
	drop := make(map[string]bool, len(strip))
	for _, name := range strip {
		drop[name] = true
	}
	return &CommandEngine{argv: cp, settings: s, strip: drop}, nil
}

// Propagate runs the program to completion.
func (e *CommandEngine) Propagate(ctx context.Context, subject, asOfDate string, out io.Writer) (any, any, error) {
	dir, err := os.MkdirTemp("", "analysis-engine-*")
	if err != nil {
		return nil, nil, fmt.Errorf("create result dir: %w", err)
	}
	defer os.RemoveAll(dir)
	resultPath := filepath.Join(dir, "result.json")

	args := append(append([]string{}, e.argv[1:]...), subject, asOfDate)
	cmd := exec.CommandContext(ctx, e.argv[0], args...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = e.environ(resultPath)
	// The program runs in its own process group so a cancel reaches
	// everything it spawned.
	setProcessGroup(cmd)
	// Grandchildren can hold the output pipes open after a kill.
	cmd.WaitDelay = 2 * time.Second

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, fmt.Errorf("engine command interrupted: %w", ctxErr)
		}
		return nil, nil, fmt.Errorf("engine command: %w", err)
	}

	raw, err := os.ReadFile(resultPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read engine result: %w", err)
	}
	res, err := DecodeResult(raw)
	if err != nil {
		return nil, nil, err
	}
	return res.State, res.Decision, nil
}

func (e *CommandEngine) environ(resultPath string) []string {
	base := e.base
	if base == nil {
		base = os.Environ()
	}
	overrides := e.settings.Vars()
	overrides[ResultFileVar] = resultPath
	overrides[UnbufferedVar] = "1"

	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		if name, _, ok := strings.Cut(kv, "="); ok {
			if _, replaced := overrides[name]; replaced || e.strip[name] {
				continue
			}
		}
		env = append(env, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}
