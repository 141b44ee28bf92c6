// Package textmatch locates a snippet inside a document's line
// sequence using a cascade of strategies of decreasing strictness.
// The first strategy that finds any match wins; strategies are never
// compared against each other. Patch application uses this to re-find
// code whose exact position has drifted since generation.
package textmatch

import "strings"

// Strategy identifies which cascade stage produced a match.
type Strategy string

// Cascade stages, strictest first.
const (
	StrategyExact          Strategy = "exact"
	StrategyLineTrimmed    Strategy = "line_trimmed"
	StrategyIndentFlexible Strategy = "indent_flexible"
	StrategyBlockAnchor    Strategy = "block_anchor"
	StrategyWhitespace     Strategy = "whitespace_normalized"
)

// Fixed confidence weights per strategy.
const (
	confExact          = 1.0
	confLineTrimmed    = 0.95
	confIndentFlexible = 0.9
	confBlockAnchor    = 0.85 // multiplied by the block's average similarity
	confWhitespace     = 0.8
)

// Block-anchor acceptance thresholds.
const (
	anchorLineSimilarity = 0.8 // first and last line must each clear this
	anchorAvgSimilarity  = 0.7 // whole-span average must exceed this
)

// Match is the located range. Lines are 1-based inclusive; columns are
// 1-based, EndCol pointing one past the last character of the final
// matched line.
type Match struct {
	StartLine  int
	EndLine    int
	StartCol   int
	EndCol     int
	Strategy   Strategy
	Confidence float64
}

// Find runs the cascade over lines looking for snippet. It returns the
// first strategy's match, or ok=false when no strategy locates the
// snippet — the caller must treat that as a hard "could not locate",
// never as a silent no-op.
func Find(lines []string, snippet string) (Match, bool) {
	want := strings.Split(strings.TrimSuffix(snippet, "\n"), "\n")
	if len(want) == 0 || (len(want) == 1 && strings.TrimSpace(want[0]) == "") {
		return Match{}, false
	}
	if len(want) > len(lines) {
		return Match{}, false
	}

	type stage struct {
		run func([]string, []string) (Match, bool)
	}
	stages := []stage{
		{findExact},
		{findLineTrimmed},
		{findIndentFlexible},
		{findBlockAnchor},
		{findWhitespace},
	}
	for _, s := range stages {
		if m, ok := s.run(lines, want); ok {
			m.StartCol = 1
			m.EndCol = len(lines[m.EndLine-1]) + 1
			return m, true
		}
	}
	return Match{}, false
}

// scanWindows slides a window of len(want) over lines and returns the
// first window where eq holds for every line pair.
func scanWindows(lines, want []string, eq func(have, want string) bool) (int, bool) {
	for start := 0; start+len(want) <= len(lines); start++ {
		hit := true
		for i, w := range want {
			if !eq(lines[start+i], w) {
				hit = false
				break
			}
		}
		if hit {
			return start, true
		}
	}
	return 0, false
}

func findExact(lines, want []string) (Match, bool) {
	start, ok := scanWindows(lines, want, func(a, b string) bool { return a == b })
	if !ok {
		return Match{}, false
	}
	return Match{StartLine: start + 1, EndLine: start + len(want), Strategy: StrategyExact, Confidence: confExact}, true
}

func findLineTrimmed(lines, want []string) (Match, bool) {
	trim := func(s string) string { return strings.TrimRight(s, " \t") }
	start, ok := scanWindows(lines, want, func(a, b string) bool { return trim(a) == trim(b) })
	if !ok {
		return Match{}, false
	}
	return Match{StartLine: start + 1, EndLine: start + len(want), Strategy: StrategyLineTrimmed, Confidence: confLineTrimmed}, true
}

// findIndentFlexible compares blocks after stripping each block's own
// base indentation, so a snippet generated at one nesting depth still
// matches code that has since been re-indented.
func findIndentFlexible(lines, want []string) (Match, bool) {
	wantNorm := stripBaseIndent(want)
	for start := 0; start+len(want) <= len(lines); start++ {
		block := stripBaseIndent(lines[start : start+len(want)])
		if equalLines(block, wantNorm) {
			return Match{
				StartLine:  start + 1,
				EndLine:    start + len(want),
				Strategy:   StrategyIndentFlexible,
				Confidence: confIndentFlexible,
			}, true
		}
	}
	return Match{}, false
}

// findBlockAnchor matches only the first and last lines of the snippet
// by similarity, then accepts the block if the average per-line
// similarity across the whole span is high enough. Among multiple
// candidates it picks the highest average. Needs at least three lines;
// shorter snippets fall through to the whitespace stage.
func findBlockAnchor(lines, want []string) (Match, bool) {
	if len(want) < 3 {
		return Match{}, false
	}
	first := normalizeWS(want[0])
	last := normalizeWS(want[len(want)-1])

	bestAvg := 0.0
	bestStart := -1
	for start := 0; start+len(want) <= len(lines); start++ {
		end := start + len(want) - 1
		if similarity(normalizeWS(lines[start]), first) < anchorLineSimilarity {
			continue
		}
		if similarity(normalizeWS(lines[end]), last) < anchorLineSimilarity {
			continue
		}
		total := 0.0
		for i, w := range want {
			total += similarity(normalizeWS(lines[start+i]), normalizeWS(w))
		}
		avg := total / float64(len(want))
		if avg > anchorAvgSimilarity && avg > bestAvg {
			bestAvg = avg
			bestStart = start
		}
	}
	if bestStart < 0 {
		return Match{}, false
	}
	return Match{
		StartLine:  bestStart + 1,
		EndLine:    bestStart + len(want),
		Strategy:   StrategyBlockAnchor,
		Confidence: bestAvg * confBlockAnchor,
	}, true
}

func findWhitespace(lines, want []string) (Match, bool) {
	start, ok := scanWindows(lines, want, func(a, b string) bool {
		return normalizeWS(a) == normalizeWS(b)
	})
	if !ok {
		return Match{}, false
	}
	return Match{StartLine: start + 1, EndLine: start + len(want), Strategy: StrategyWhitespace, Confidence: confWhitespace}, true
}

// --- Normalization helpers ---

// normalizeWS collapses every run of whitespace to a single space and
// trims the ends.
func normalizeWS(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// stripBaseIndent removes the block's common leading whitespace prefix
// from every line. Blank lines are ignored when computing the base and
// returned empty.
func stripBaseIndent(block []string) []string {
	base := ""
	found := false
	for _, line := range block {
		if strings.TrimSpace(line) == "" {
			continue
		}
		ind := leadingIndent(line)
		if !found || len(ind) < len(base) {
			base = ind
			found = true
		}
	}
	out := make([]string, len(block))
	for i, line := range block {
		if strings.TrimSpace(line) == "" {
			out[i] = ""
			continue
		}
		out[i] = strings.TrimPrefix(line, base)
	}
	return out
}

func leadingIndent(line string) string {
	return line[:len(line)-len(strings.TrimLeft(line, " \t"))]
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// similarity is a normalized edit-distance ratio in [0,1]:
// 1 − levenshtein(a,b) / max(len(a),len(b)). Two empty strings are
// identical (1).
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := max(len(a), len(b))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(a, b))/float64(longest)
}

// Reindent rebases a block onto the indentation found at the matched
// location: the block's own base indentation is stripped and indent is
// prepended, so a substitution stays visually consistent with its
// surroundings regardless of which strategy matched.
func Reindent(block []string, indent string) []string {
	stripped := stripBaseIndent(block)
	out := make([]string, len(stripped))
	for i, line := range stripped {
		if line == "" {
			out[i] = ""
			continue
		}
		out[i] = indent + line
	}
	return out
}

// IndentAt returns the leading indentation of the first non-blank line
// at or after line idx (0-based). Used to re-derive replacement
// indentation from the matched location itself.
func IndentAt(lines []string, idx int) string {
	for i := idx; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) != "" {
			return leadingIndent(lines[i])
		}
	}
	return ""
}
