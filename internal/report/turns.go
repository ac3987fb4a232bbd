package report

import (
	"fmt"
	"strings"

	"analysis-orchestrator/internal/engine"
)

// turn is one conversational message from a turn-based result.
type turn struct {
	role    string
	content string
	actions []action
}

type action struct {
	name string
	args any
}

// turnSequence accepts either a bare list of turns or a mapping carrying one
// under "messages". Entries that are not mappings are rendered as text.
func turnSequence(analysis any) ([]turn, bool) {
	var raw []any
	switch t := analysis.(type) {
	case []any:
		raw = t
	case map[string]any:
		msgs, ok := t["messages"].([]any)
		if !ok {
			return nil, false
		}
		raw = msgs
	default:
		return nil, false
	}
	if len(raw) == 0 {
		return nil, false
	}
	turns := make([]turn, 0, len(raw))
	for _, item := range raw {
		turns = append(turns, parseTurn(item))
	}
	return turns, true
}

func parseTurn(item any) turn {
	m, ok := item.(map[string]any)
	if !ok {
		return turn{role: "unknown", content: engine.Text(item)}
	}
	t := turn{role: firstString(m, "role", "type", "name")}
	if t.role == "" {
		t.role = "unknown"
	}
	t.content = contentText(m["content"])
	calls, _ := m["tool_calls"].([]any)
	for _, c := range calls {
		cm, ok := c.(map[string]any)
		if !ok {
			t.actions = append(t.actions, action{name: engine.Text(c)})
			continue
		}
		a := action{name: firstString(cm, "name"), args: cm["args"]}
		if fn, ok := cm["function"].(map[string]any); ok {
			if a.name == "" {
				a.name = firstString(fn, "name")
			}
			if a.args == nil {
				a.args = fn["arguments"]
			}
		}
		if a.args == nil {
			a.args = cm["arguments"]
		}
		t.actions = append(t.actions, a)
	}
	return t
}

// contentText flattens string content or a list of content parts.
func contentText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			if pm, ok := p.(map[string]any); ok {
				if text := firstString(pm, "text"); text != "" {
					parts = append(parts, text)
				}
				continue
			}
			if s := strings.TrimSpace(engine.Text(p)); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n")
	}
	return strings.TrimSpace(engine.Text(v))
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func renderTurns(b *strings.Builder, turns []turn) {
	for _, t := range turns {
		fmt.Fprintf(b, "\n[%s]\n", strings.ToUpper(t.role))
		if t.content != "" {
			b.WriteString(t.content + "\n")
		}
		for _, a := range t.actions {
			name := a.name
			if name == "" {
				name = "(unnamed)"
			}
			args := engine.Text(a.args)
			if args == "" {
				args = "{}"
			}
			fmt.Fprintf(b, "  -> action %s %s\n", name, args)
		}
		b.WriteString(turnRule + "\n")
	}
}
