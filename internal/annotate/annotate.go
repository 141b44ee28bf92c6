// Package annotate scans source files for loom marker comments and
// turns them into events. A marker is a line comment beginning with
// `//~` (or `#~` for hash-comment languages):
//
//	//~ fix the off-by-one in this loop
//	//~! refactor this function to use a strings.Builder
//	//~~ document the exported API          (low priority)
//	//~ add a table test >foo_test.go       (redirect output)
//	//~ complete this handler @types.go     (attach another file)
//
// The first word classifies the intent when it names one; otherwise
// the intent defaults to complete.
package annotate

import (
	"bufio"
	"os"
	"strings"

	"loom/pkg/protocol"
)

// Markers recognized at the start of a trimmed line.
var markers = []string{"//~", "#~"}

// Annotation is one parsed marker comment.
type Annotation struct {
	Doc         string
	Line        int // 1-based
	Instruction string
	Intent      protocol.Intent
	Priority    int
	TargetDoc   string   // ">file" redirection, empty for in-place
	Attachments []string // "@file" references, paths as written
}

// intentWords maps a leading instruction word to an intent.
var intentWords = map[string]protocol.Intent{
	"complete": protocol.IntentComplete,
	"refactor": protocol.IntentRefactor,
	"fix":      protocol.IntentFix,
	"add":      protocol.IntentAdd,
	"document": protocol.IntentDocument,
	"test":     protocol.IntentTest,
	"optimize": protocol.IntentOptimize,
	"explain":  protocol.IntentExplain,
}

// ScanLines extracts annotations from document content.
func ScanLines(doc string, lines []string) []Annotation {
	var out []Annotation
	for i, line := range lines {
		body, ok := markerBody(line)
		if !ok {
			continue
		}
		ann := parseBody(body)
		if ann.Instruction == "" {
			continue
		}
		ann.Doc = doc
		ann.Line = i + 1
		out = append(out, ann)
	}
	return out
}

// ScanFile reads and scans one file from disk.
func ScanFile(path string) ([]Annotation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return ScanLines(path, lines), nil
}

// markerBody returns the text after the marker, or ok=false when the
// line is not an annotation.
func markerBody(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	for _, m := range markers {
		if strings.HasPrefix(trimmed, m) {
			return trimmed[len(m):], true
		}
	}
	return "", false
}

// parseBody interprets priority markers, intent keyword, target
// redirection, and attachments, leaving a clean instruction.
func parseBody(body string) Annotation {
	ann := Annotation{Priority: protocol.PriorityNormal, Intent: protocol.IntentComplete}

	// Priority prefix: "!" high, "~" low. At most one.
	if strings.HasPrefix(body, "!") {
		ann.Priority = protocol.PriorityHigh
		body = body[1:]
	} else if strings.HasPrefix(body, "~") {
		ann.Priority = protocol.PriorityLow
		body = body[1:]
	}

	// Pull out >target and @attachment tokens, keep the rest.
	var kept []string
	for _, tok := range strings.Fields(body) {
		switch {
		case strings.HasPrefix(tok, ">") && len(tok) > 1:
			ann.TargetDoc = tok[1:]
		case strings.HasPrefix(tok, "@") && len(tok) > 1:
			ann.Attachments = append(ann.Attachments, tok[1:])
		default:
			kept = append(kept, tok)
		}
	}
	ann.Instruction = strings.Join(kept, " ")

	if len(kept) > 0 {
		word := strings.ToLower(strings.TrimRight(kept[0], ":,"))
		if intent, ok := intentWords[word]; ok {
			ann.Intent = intent
		}
	}
	return ann
}

// Event converts an annotation into a queue event. Attachment contents
// are resolved by the caller, which knows the project root.
func (a Annotation) Event(attachments []protocol.Attachment) protocol.Event {
	return protocol.Event{
		Doc:         a.Doc,
		StartLine:   a.Line,
		EndLine:     a.Line,
		Instruction: a.Instruction,
		Intent:      a.Intent,
		Priority:    a.Priority,
		TargetDoc:   a.TargetDoc,
		Attachments: attachments,
	}
}
