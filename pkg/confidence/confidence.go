// Package confidence scores generated text against cheap heuristics.
// The score drives the scheduler's escalation decision: output from
// the local backend below the threshold is regenerated on the remote
// one. Scoring is deterministic and side-effect free.
package confidence

import "strings"

// Breakdown itemizes the checks behind a score, for logging and
// inspection. Each component is in [0,1].
type Breakdown struct {
	NonEmpty float64 `json:"non_empty"`
	Balanced float64 `json:"balanced"`
	Clean    float64 `json:"clean"`  // free of leaked tool-call / meta markup
	Length   float64 `json:"length"` // plausible size relative to the instruction
}

// Component weights. Balance and cleanliness dominate: unbalanced
// brackets or leaked markup make a generation unusable regardless of
// its size.
const (
	weightNonEmpty = 0.2
	weightBalanced = 0.3
	weightClean    = 0.3
	weightLength   = 0.2
)

// leakMarkers are substrings that indicate the backend echoed its own
// scaffolding instead of producing code.
var leakMarkers = []string{
	"<tool_call>",
	"</tool_call>",
	"<|im_start|>",
	"<|im_end|>",
	"[TOOL_REQUEST]",
	"```json\n{\"tool\"",
	"As an AI",
	"I cannot",
}

// Score rates generated text in [0,1] given the original instruction.
// Identical inputs always produce identical output.
func Score(generated, instruction string) (float64, Breakdown) {
	var b Breakdown

	trimmed := strings.TrimSpace(generated)
	if trimmed != "" {
		b.NonEmpty = 1
	}
	if balanced(trimmed) {
		b.Balanced = 1
	}
	b.Clean = 1
	for _, marker := range leakMarkers {
		if strings.Contains(generated, marker) {
			b.Clean = 0
			break
		}
	}
	b.Length = lengthScore(trimmed, instruction)

	score := weightNonEmpty*b.NonEmpty +
		weightBalanced*b.Balanced +
		weightClean*b.Clean +
		weightLength*b.Length

	// Empty output is worthless no matter what the other components say.
	if b.NonEmpty == 0 {
		score = 0
	}
	return score, b
}

// balanced checks bracket/paren/brace pairing with a small stack,
// ignoring characters inside string and rune literals and after line
// comments. This is a heuristic, not a parser: it only has to catch
// truncated generations, which almost always cut a block in half.
func balanced(text string) bool {
	var stack []byte
	pairs := map[byte]byte{')': '(', ']': '[', '}': '{'}

	for _, line := range strings.Split(text, "\n") {
		inString := byte(0)
		for i := 0; i < len(line); i++ {
			c := line[i]
			if inString != 0 {
				if c == '\\' {
					i++
				} else if c == inString {
					inString = 0
				}
				continue
			}
			switch c {
			case '"', '\'', '`':
				inString = c
			case '/':
				if i+1 < len(line) && line[i+1] == '/' {
					i = len(line) // rest of line is comment
				}
			case '(', '[', '{':
				stack = append(stack, c)
			case ')', ']', '}':
				if len(stack) == 0 || stack[len(stack)-1] != pairs[c] {
					return false
				}
				stack = stack[:len(stack)-1]
			}
		}
		// A raw-string or rune literal can legitimately span lines; the
		// heuristic resets per line to avoid cascading false negatives.
	}
	return len(stack) == 0
}

// lengthScore rates output size against the instruction. A one-line
// instruction that yields ten thousand characters, or a detailed
// instruction that yields three, both look wrong.
func lengthScore(generated, instruction string) float64 {
	gl := len(generated)
	if gl == 0 {
		return 0
	}
	il := len(instruction)
	if il == 0 {
		il = 40
	}

	switch {
	case gl < 3:
		return 0.2
	case gl > 100*il && gl > 8000:
		return 0.3
	case gl > 50*il && gl > 4000:
		return 0.7
	default:
		return 1
	}
}
