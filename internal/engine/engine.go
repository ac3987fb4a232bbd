// Package engine is the seam to the external analysis engine. The engine is a
// black box: it may be slow, write freely to its output stream, and fail.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Environment variable names shared by the engine and the orchestrator.
const (
	DataAPIKeyVar      = "ALPHA_VANTAGE_API_KEY"
	ModelAPIKeyVar     = "OPENAI_API_KEY"
	ModelBaseURLVar    = "OPENAI_BASE_URL"
	SearchAPIKeyVar    = "BRAVE_API_KEY"
	DeepThinkModelVar  = "ANALYSIS_DEEP_THINK_MODEL"
	QuickThinkModelVar = "ANALYSIS_QUICK_THINK_MODEL"
	DebateRoundsVar    = "ANALYSIS_MAX_DEBATE_ROUNDS"
	ResultFileVar      = "ANALYSIS_RESULT_FILE"
	UnbufferedVar      = "PYTHONUNBUFFERED"
)

// Engine runs one analysis. Narration goes to out; the returned state may be
// a nested map, a list of conversational turns, or anything else.
type Engine interface {
	Propagate(ctx context.Context, subject, asOfDate string, out io.Writer) (state any, decision any, err error)
}

// Func adapts a plain function to Engine.
type Func func(ctx context.Context, subject, asOfDate string, out io.Writer) (any, any, error)

func (f Func) Propagate(ctx context.Context, subject, asOfDate string, out io.Writer) (any, any, error) {
	return f(ctx, subject, asOfDate, out)
}

// Settings is everything an engine instance needs, passed explicitly at
// construction instead of read from ambient process state.
type Settings struct {
	DataAPIKey      string
	SearchAPIKey    string
	Model           ClientConfig
	DeepThinkModel  string
	QuickThinkModel string
	DebateRounds    int
}

// Factory constructs one engine per job.
type Factory func(Settings) (Engine, error)

// Vars renders the settings as environment variables.
func (s Settings) Vars() map[string]string {
	vars := map[string]string{
		DataAPIKeyVar:   s.DataAPIKey,
		ModelAPIKeyVar:  s.Model.APIKey,
		DebateRoundsVar: strconv.Itoa(s.DebateRounds),
	}
	if s.Model.BaseURL != "" {
		vars[ModelBaseURLVar] = s.Model.BaseURL
	}
	if s.SearchAPIKey != "" {
		vars[SearchAPIKeyVar] = s.SearchAPIKey
	}
	if s.DeepThinkModel != "" {
		vars[DeepThinkModelVar] = s.DeepThinkModel
	}
	if s.QuickThinkModel != "" {
		vars[QuickThinkModelVar] = s.QuickThinkModel
	}
	return vars
}

// SettingsFromEnv rebuilds settings inside a worker process.
func SettingsFromEnv(getenv func(string) string) Settings {
	rounds, err := strconv.Atoi(getenv(DebateRoundsVar))
	if err != nil {
		rounds = 0
	}
	return Settings{
		DataAPIKey:   getenv(DataAPIKeyVar),
		SearchAPIKey: getenv(SearchAPIKeyVar),
		Model: ClientConfig{
			BaseURL: getenv(ModelBaseURLVar),
			APIKey:  getenv(ModelAPIKeyVar),
		},
		DeepThinkModel:  getenv(DeepThinkModelVar),
		QuickThinkModel: getenv(QuickThinkModelVar),
		DebateRounds:    rounds,
	}
}

// Result is the envelope an engine run produces. It is also the wire format
// between a worker child and its parent.
type Result struct {
	State    any `json:"state"`
	Decision any `json:"decision"`
}

// DecodeResult parses a result envelope.
func DecodeResult(raw []byte) (Result, error) {
	var res Result
	if len(strings.TrimSpace(string(raw))) == 0 {
		return res, fmt.Errorf("empty result envelope")
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return res, fmt.Errorf("decode result envelope: %w", err)
	}
	return res, nil
}

// Text renders an opaque value as text: strings verbatim, everything else as
// JSON (map keys sorted), falling back to fmt.
func Text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case error:
		return t.Error()
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}
