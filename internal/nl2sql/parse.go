package nl2sql

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/chatsql/chatsql/internal/apperrors"
)

// ParseResponse reads model output of the form
// {"explanation": "...", "sql": "..." | null, "reasoning": "...", "visualization": {...}}.
// Anything else yields a ParseFailure.
func ParseResponse(raw string) Response {
	text := stripFences(raw)
	if text == "" {
		return ParseFailure{RawText: raw, Reason: "response is empty"}
	}
	if !gjson.Valid(text) {
		return ParseFailure{RawText: raw, Reason: "response is not valid JSON"}
	}
	root := gjson.Parse(text)
	if !root.IsObject() {
		return ParseFailure{RawText: raw, Reason: "response is not a JSON object"}
	}

	explanation := root.Get("explanation")
	if explanation.Type != gjson.String {
		return ParseFailure{RawText: raw, Reason: "explanation must be a string"}
	}
	parsed := Parsed{Explanation: explanation.String()}

	sql := root.Get("sql")
	switch {
	case !sql.Exists():
		return ParseFailure{RawText: raw, Reason: "sql field is required"}
	case sql.Type == gjson.Null:
	case sql.Type == gjson.String:
		value := strings.TrimSpace(sql.String())
		if value != "" {
			parsed.SQL = &value
		}
	default:
		return ParseFailure{RawText: raw, Reason: "sql must be a string or null"}
	}

	if reasoning := root.Get("reasoning"); reasoning.Exists() && reasoning.Type != gjson.Null {
		if reasoning.Type != gjson.String {
			return ParseFailure{RawText: raw, Reason: "reasoning must be a string"}
		}
		parsed.Reasoning = reasoning.String()
	}

	if exploratory := root.Get("exploratory"); exploratory.Exists() && exploratory.Type != gjson.Null {
		if exploratory.Type != gjson.True && exploratory.Type != gjson.False {
			return ParseFailure{RawText: raw, Reason: "exploratory must be a boolean"}
		}
		parsed.Exploratory = exploratory.Bool()
	}

	if viz := root.Get("visualization"); viz.Exists() && viz.Type != gjson.Null {
		hint, reason := parseVisualization(viz)
		if reason != "" {
			return ParseFailure{RawText: raw, Reason: reason}
		}
		parsed.Visualization = hint
	}
	return parsed
}

func parseVisualization(viz gjson.Result) (*VisualizationHint, string) {
	if !viz.IsObject() {
		return nil, "visualization must be an object"
	}
	kind := viz.Get("type")
	if kind.Type != gjson.String || strings.TrimSpace(kind.String()) == "" {
		return nil, "visualization.type must be a non-empty string"
	}
	hint := &VisualizationHint{
		Type:  strings.ToLower(strings.TrimSpace(kind.String())),
		X:     viz.Get("x").String(),
		Title: viz.Get("title").String(),
	}
	y := viz.Get("y")
	switch {
	case !y.Exists() || y.Type == gjson.Null:
	case y.Type == gjson.String:
		hint.Y = []string{y.String()}
	case y.IsArray():
		for _, item := range y.Array() {
			if item.Type != gjson.String {
				return nil, "visualization.y must contain strings"
			}
			hint.Y = append(hint.Y, item.String())
		}
	default:
		return nil, "visualization.y must be a string or an array of strings"
	}
	return hint, ""
}

// Err converts a parse failure into the typed error persisted on the task.
func (f ParseFailure) Err() error {
	return apperrors.MalformedResponse(f.RawText, f.Reason)
}

func stripFences(value string) string {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if newline := strings.IndexByte(trimmed, '\n'); newline >= 0 {
		// drop the info string, e.g. ```json
		if !strings.ContainsAny(trimmed[:newline], "{[") {
			trimmed = trimmed[newline+1:]
		}
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
