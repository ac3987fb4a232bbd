package report

import (
	"fmt"
	"strings"

	"analysis-orchestrator/internal/engine"
	"analysis-orchestrator/internal/models"
)

var (
	rule      = strings.Repeat("=", 50)
	blockRule = strings.Repeat("=", 40)
	thinRule  = strings.Repeat("-", 50)
	turnRule  = strings.Repeat("-", 40)
)

type section struct {
	key   string
	title string
}

// analystSections are emitted in this order whatever the state's key order.
var analystSections = []section{
	{key: "market_report", title: "Market & Technical Analysis (Market Report)"},
	{key: "fundamentals_report", title: "Fundamentals Analysis (Fundamentals Report)"},
	{key: "news_report", title: "News & Events Analysis (News Report)"},
	{key: "sentiment_report", title: "Market Sentiment Analysis (Sentiment Report)"},
}

type debate struct {
	key    string
	title  string
	fields []section
}

var debates = []debate{
	{
		key:   "investment_debate_state",
		title: "Investment Debate",
		fields: []section{
			{key: "bull_history", title: "Bull Analyst"},
			{key: "bear_history", title: "Bear Analyst"},
			{key: "judge_decision", title: "Portfolio Manager Verdict"},
		},
	},
	{
		key:   "risk_debate_state",
		title: "Risk Debate",
		fields: []section{
			{key: "aggressive_history", title: "Aggressive Analyst"},
			{key: "conservative_history", title: "Conservative Analyst"},
			{key: "neutral_history", title: "Neutral Analyst"},
			{key: "judge_decision", title: "Risk Judge Verdict"},
		},
	},
}

// Options tune rendering.
type Options struct {
	// IncludeTranscript appends the captured output to successful reports.
	IncludeTranscript bool
}

// Render turns a job result into report text. It never fails: shapes it
// cannot interpret fall back to a raw dump. Equal inputs give equal output.
func Render(job models.Job, res models.JobResult, opts Options) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s\n", job.Subject)
	fmt.Fprintf(&b, "As-of date: %s\n", job.AsOfDate)
	b.WriteString(rule + "\n\n")

	if !res.Succeeded() {
		renderFailure(&b, res)
	} else {
		b.WriteString("AI Research Team Analysis Record\n")
		b.WriteString(thinRule + "\n")
		renderAnalysis(&b, job.AsOfDate, res.Analysis)
		if opts.IncludeTranscript && strings.TrimSpace(res.Output) != "" {
			writeBlock(&b, "Execution Transcript", res.Output)
		}
	}

	b.WriteString("\n\n" + rule + "\n")
	b.WriteString("Final Trading Decision\n")
	b.WriteString(rule + "\n")
	decision := strings.TrimSpace(res.Decision)
	if decision == "" {
		decision = "(none)"
	}
	b.WriteString(decision + "\n")
	return b.String()
}

func renderFailure(b *strings.Builder, res models.JobResult) {
	b.WriteString("ANALYSIS FAILED\n")
	b.WriteString(thinRule + "\n")
	b.WriteString(strings.TrimRight(res.Error, "\n") + "\n")

	writeBlock(b, "Captured Output (partial)", orPlaceholder(res.Output, "(no output captured)"))
}

func renderAnalysis(b *strings.Builder, asOfDate string, analysis any) {
	if state, ok := sectionState(asOfDate, analysis); ok {
		renderSections(b, state)
		return
	}
	if turns, ok := turnSequence(analysis); ok {
		renderTurns(b, turns)
		return
	}
	b.WriteString("WARNING: the analysis result is not in a recognised structure; raw result follows.\n")
	b.WriteString(orPlaceholder(engine.Text(analysis), "(empty result)") + "\n")
}

// sectionState unwraps one level of date keying and reports whether any
// known section is present.
func sectionState(asOfDate string, analysis any) (map[string]any, bool) {
	state, ok := analysis.(map[string]any)
	if !ok {
		return nil, false
	}
	if inner, ok := state[asOfDate].(map[string]any); ok {
		state = inner
	}
	for _, s := range analystSections {
		if _, ok := state[s.key]; ok {
			return state, true
		}
	}
	for _, d := range debates {
		if _, ok := state[d.key]; ok {
			return state, true
		}
	}
	return nil, false
}

func renderSections(b *strings.Builder, state map[string]any) {
	for _, s := range analystSections {
		if text := textOf(state[s.key]); text != "" {
			writeBlock(b, s.title, text)
		}
	}
	for _, d := range debates {
		sub, ok := state[d.key].(map[string]any)
		if !ok {
			if text := textOf(state[d.key]); text != "" {
				writeBlock(b, d.title, text)
			}
			continue
		}
		fmt.Fprintf(b, "\n\n%s\n%s\n%s\n", blockRule, d.title, blockRule)
		for _, f := range d.fields {
			if text := textOf(sub[f.key]); text != "" {
				fmt.Fprintf(b, "\n[%s]:\n%s\n", f.title, text)
			}
		}
	}
}

func writeBlock(b *strings.Builder, title, body string) {
	fmt.Fprintf(b, "\n\n%s\n%s\n%s\n", blockRule, title, blockRule)
	b.WriteString(strings.TrimRight(body, "\n"))
	b.WriteString("\n")
}

// textOf renders a section value, "" meaning absent or empty.
func textOf(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case map[string]any:
		if len(t) == 0 {
			return ""
		}
	case []any:
		if len(t) == 0 {
			return ""
		}
	}
	return strings.TrimSpace(engine.Text(v))
}

func orPlaceholder(s, placeholder string) string {
	if strings.TrimSpace(s) == "" {
		return placeholder
	}
	return s
}
