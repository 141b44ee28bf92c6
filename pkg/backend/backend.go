// Package backend provides the concrete generation backends: a local
// subprocess CLI and a remote OpenAI-compatible HTTP endpoint. Both
// implement worker.Generator and normalize their raw model output the
// same way, so the rest of the engine never sees fenced or
// marker-bearing text.
package backend

import "strings"

// needsContextMarker is the protocol a backend model uses to ask for
// more context instead of answering. Output starting with it is turned
// into a needs-context result rather than generated text.
const needsContextMarker = "NEED_CONTEXT"

// normalize strips surrounding whitespace and a single markdown code
// fence, and detects the needs-context marker. Models wrap output in
// fences no matter how firmly the prompt forbids it.
func normalize(raw string) (text string, needsContext bool) {
	text = strings.TrimSpace(raw)
	if strings.HasPrefix(text, needsContextMarker) {
		return "", true
	}
	text = stripFence(text)
	return text, false
}

// stripFence removes one outer ``` fence pair, tolerating a language
// tag on the opening line. Inner fences are left alone.
func stripFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	if len(lines) < 2 || strings.TrimSpace(lines[len(lines)-1]) != "```" {
		return text
	}
	return strings.Join(lines[1:len(lines)-1], "\n")
}
