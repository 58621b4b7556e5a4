package executor

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// recognizedCanvasLanguages are the fenced-code-block languages spec §4.8
// names explicitly; anything else falls back to a first-500-char heuristic.
var recognizedCanvasLanguages = map[string]bool{
	"html": true, "css": true, "javascript": true, "python": true,
	"sql": true, "markdown": true, "json": true, "svg": true, "mermaid": true,
}

var fencedBlockPattern = regexp.MustCompile("(?s)```([a-zA-Z0-9_+-]*)\\n(.*?)```")

// extractComponentPayload inspects one tool's raw (JSON-marshaled) result
// for an embedded component render payload (spec §4.8: "chart spec, code
// block, canvas, etc."). Tool results are the marshaled MCP CallToolResult;
// a payload is recognized by a top-level or nested "render_payload" object
// carrying at least "kind" and "content" fields.
func extractComponentPayload(toolName, rawResult string) *ComponentPayload {
	if !gjson.Valid(rawResult) {
		return nil
	}
	payload := gjson.Get(rawResult, "render_payload")
	if !payload.Exists() {
		payload = gjson.Get(rawResult, "structuredContent.render_payload")
	}
	if !payload.Exists() || !payload.IsObject() {
		return nil
	}

	kind := payload.Get("kind").String()
	content := payload.Get("content").String()
	if kind == "" || content == "" {
		return nil
	}

	return &ComponentPayload{
		Kind:         kind,
		Title:        payload.Get("title").String(),
		Language:     payload.Get("language").String(),
		Content:      content,
		LineCount:    strings.Count(content, "\n") + 1,
		RenderTarget: payload.Get("render_target").String(),
		PreviewOK:    payload.Get("preview_ok").Bool(),
	}
}

// hasCanvasPayload reports whether any payload produced earlier in the turn
// (e.g. extractComponentPayload on a tool result) already carries a canvas
// render, so autoCanvas knows to stay out of the way.
func hasCanvasPayload(payloads []*ComponentPayload) bool {
	for _, p := range payloads {
		if p.Kind == "canvas" {
			return true
		}
	}
	return false
}

// autoCanvas implements spec §4.8's auto-canvas post-processing: when a
// Canvas tool is bound and no Canvas payload was produced earlier in the
// turn, every fenced code block in the answer becomes its own Canvas
// payload and is stripped from the returned text.
func autoCanvas(answer string, toolByName map[string]Tool, existingPayloads []*ComponentPayload) (string, []*ComponentPayload) {
	if _, hasCanvas := toolByName["canvas"]; !hasCanvas {
		return answer, nil
	}
	if hasCanvasPayload(existingPayloads) {
		return answer, nil
	}

	matches := fencedBlockPattern.FindAllStringSubmatchIndex(answer, -1)
	if len(matches) == 0 {
		return answer, nil
	}

	var payloads []*ComponentPayload
	var b strings.Builder
	last := 0
	for i, m := range matches {
		langStart, langEnd := m[2], m[3]
		bodyStart, bodyEnd := m[4], m[5]
		lang := strings.ToLower(answer[langStart:langEnd])
		body := answer[bodyStart:bodyEnd]

		if lang == "" {
			lang = detectLanguageHeuristic(body)
		}
		if !recognizedCanvasLanguages[lang] {
			continue
		}

		b.WriteString(answer[last:m[0]])
		last = m[1]

		payloads = append(payloads, &ComponentPayload{
			Kind:         "canvas",
			Title:        "Canvas " + strconv.Itoa(i+1),
			Language:     lang,
			Content:      body,
			LineCount:    strings.Count(body, "\n") + 1,
			RenderTarget: "sub_window",
			PreviewOK:    true,
		})
	}
	b.WriteString(answer[last:])

	if len(payloads) == 0 {
		return answer, nil
	}
	return strings.TrimSpace(b.String()), payloads
}

// detectLanguageHeuristic guesses a fenced block's language from its first
// ~500 characters when no language tag is present (spec §4.8: "or
// detectable via heuristics on the first ~500 characters").
func detectLanguageHeuristic(body string) string {
	sample := body
	if len(sample) > 500 {
		sample = sample[:500]
	}
	trimmed := strings.TrimSpace(sample)
	lower := strings.ToLower(trimmed)

	switch {
	case strings.HasPrefix(trimmed, "<!DOCTYPE html") || strings.HasPrefix(trimmed, "<html"):
		return "html"
	case strings.HasPrefix(trimmed, "<svg"):
		return "svg"
	case strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "["):
		return "json"
	case strings.HasPrefix(lower, "select ") || strings.HasPrefix(lower, "insert ") ||
		strings.HasPrefix(lower, "update ") || strings.HasPrefix(lower, "delete ") ||
		strings.HasPrefix(lower, "with "):
		return "sql"
	case strings.HasPrefix(lower, "graph ") || strings.HasPrefix(lower, "sequencediagram") ||
		strings.HasPrefix(lower, "flowchart") || strings.HasPrefix(lower, "classdiagram"):
		return "mermaid"
	case strings.Contains(trimmed, "def ") && strings.Contains(trimmed, ":"):
		return "python"
	case strings.Contains(trimmed, "function ") || strings.Contains(trimmed, "const ") || strings.Contains(trimmed, "=>"):
		return "javascript"
	case strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* "):
		return "markdown"
	default:
		return ""
	}
}
