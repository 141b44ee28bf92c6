package patch

import (
	"errors"
	"fmt"
	"strings"

	"loom/pkg/buffer"
	"loom/pkg/protocol"
	"loom/pkg/textmatch"
)

// Apply attempts to land a pending candidate on the live buffer. The
// gate order matters: safe-to-mutate first (unsafe defers, it never
// fails the patch), staleness second (a drifted region makes the patch
// stale, never a silent misapply), then the actual mutation. force
// skips the safe-to-mutate gate only; staleness is always enforced.
//
// A mutation failure is terminal: the candidate is rejected and the
// error returned. An unsafe buffer leaves the candidate pending and
// returns UnsafeBufferError so callers can distinguish "later" from
// "never".
func (m *Manager) Apply(id string, force bool) error {
	m.mu.Lock()
	c, ok := m.patches[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("patch %s: not found", id)
	}
	if c.Status != StatusPending {
		m.mu.Unlock()
		return fmt.Errorf("patch %s: already %s", id, c.Status)
	}
	snapshot := *c
	m.mu.Unlock()

	if !force && !m.host.IsEditingPaused() {
		return &protocol.UnsafeBufferError{Doc: snapshot.TargetDoc}
	}

	if stale, reason := m.IsStale(snapshot); stale {
		m.resolve(id, StatusStale, reason, OpStale)
		return &protocol.StalePatchError{PatchID: id, Doc: snapshot.TargetDoc, Reason: reason}
	}

	if err := m.mutate(snapshot); err != nil {
		m.resolve(id, StatusRejected, err.Error(), OpReject)
		return err
	}

	m.resolve(id, StatusApplied, "", OpApply)
	return nil
}

// mutate performs the buffer write for one candidate. A panic anywhere
// below (host implementations are external code) degrades to an error
// so the caller can reject the candidate instead of crashing the
// scheduler.
func (m *Manager) mutate(c Candidate) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("apply %s: panic: %v", c.ID, r)
		}
	}()

	lines, rerr := m.host.ReadLines(c.TargetDoc)
	if rerr != nil {
		if c.Strategy != StrategyAppendAtEnd {
			return fmt.Errorf("apply %s: %w", c.ID, rerr)
		}
		lines = nil // append may create the document
	}

	var out []string
	switch c.Strategy {
	case StrategyReplaceRange:
		out, err = m.applyReplace(c, lines)
	case StrategyInsertAtLine:
		out = m.applyInsert(c, lines)
	case StrategyAppendAtEnd:
		out = applyAppend(c, lines)
	default:
		return fmt.Errorf("apply %s: unknown strategy %q", c.ID, c.Strategy)
	}
	if err != nil {
		return err
	}

	if werr := m.host.WriteLines(c.TargetDoc, out); werr != nil {
		return fmt.Errorf("apply %s: write %s: %w", c.ID, c.TargetDoc, werr)
	}
	return nil
}

// applyReplace rewrites the candidate's bound region. The region is
// re-located in this order: structural scope re-resolution at the
// stored position, fuzzy relocation of the original region content,
// then the stored range clamped to current bounds. The replacement is
// reindented to match whatever location won.
func (m *Manager) applyReplace(c Candidate, lines []string) ([]string, error) {
	start, end, ok := m.relocate(c, lines)
	if !ok {
		return nil, &protocol.MatchNotFoundError{
			Doc:     c.TargetDoc,
			Snippet: firstLine(c.OriginLines),
		}
	}

	repl := textmatch.Reindent(splitText(c.Text), textmatch.IndentAt(lines, start-1))
	out := make([]string, 0, len(lines)-(end-start+1)+len(repl))
	out = append(out, lines[:start-1]...)
	out = append(out, repl...)
	out = append(out, lines[end:]...)
	return out, nil
}

// relocate finds where the bound region lives now. Returns a 1-based
// inclusive range.
func (m *Manager) relocate(c Candidate, lines []string) (int, int, bool) {
	if len(lines) == 0 {
		return 0, 0, false
	}

	// Structural lookup first: if the resolver still finds a narrower-
	// than-file scope at the stored position, trust it.
	if m.resolver != nil {
		line := c.StartLine
		if line < 1 {
			line = 1
		}
		if line > len(lines) {
			line = len(lines)
		}
		if sc, err := m.resolver.ResolveScope(c.TargetDoc, line, 1); err == nil && sc.Kind != protocol.ScopeFile {
			return sc.StartLine, sc.EndLine, true
		}
	}

	// Fuzzy relocation of the original region content.
	if len(c.OriginLines) > 0 {
		if match, ok := textmatch.Find(lines, strings.Join(c.OriginLines, "\n")); ok {
			return match.StartLine, match.EndLine, true
		}
	}

	// Last resort: the stored range, pulled inside current bounds. Only
	// safe because the staleness gate already confirmed the region's
	// content is unchanged.
	start, end := buffer.ClampRange(c.StartLine, c.EndLine, len(lines))
	if start == 0 {
		return 0, 0, false
	}
	return start, end, true
}

// applyInsert injects the text after the annotation line, indented to
// match the insertion point. The annotation line itself may have
// drifted; it is re-located by content before falling back to the
// stored position.
func (m *Manager) applyInsert(c Candidate, lines []string) []string {
	at := c.EndLine
	if len(c.OriginLines) > 0 {
		if match, ok := textmatch.Find(lines, strings.Join(c.OriginLines, "\n")); ok {
			at = match.EndLine
		}
	}
	if at < 0 {
		at = 0
	}
	if at > len(lines) {
		at = len(lines)
	}

	ins := textmatch.Reindent(splitText(c.Text), textmatch.IndentAt(lines, maxInt(at-1, 0)))
	out := make([]string, 0, len(lines)+len(ins))
	out = append(out, lines[:at]...)
	out = append(out, ins...)
	out = append(out, lines[at:]...)
	return out
}

// applyAppend adds the text at the end of the document, separated by a
// blank line when the document already has content.
func applyAppend(c Candidate, lines []string) []string {
	add := splitText(c.Text)
	if len(lines) == 0 {
		return add
	}
	out := append([]string(nil), lines...)
	if strings.TrimSpace(lines[len(lines)-1]) != "" {
		out = append(out, "")
	}
	return append(out, add...)
}

// Flush walks every pending candidate in creation order and attempts
// each one. force bypasses the safe-to-mutate gate. Staleness is
// re-checked per candidate inside Apply, so an earlier patch landing
// inside a later patch's bound region correctly stales the later one.
func (m *Manager) Flush(force bool) FlushStats {
	m.mu.Lock()
	ids := make([]string, 0, len(m.order))
	for _, id := range m.order {
		if m.patches[id].Status == StatusPending {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	var fs FlushStats
	for _, id := range ids {
		err := m.Apply(id, force)
		switch {
		case err == nil:
			fs.Applied++
		case isUnsafe(err):
			fs.Deferred++
		case isStale(err):
			fs.Stale++
		default:
			fs.Rejected++
		}
	}
	return fs
}

// resolve moves a candidate to a terminal state and notifies listeners.
func (m *Manager) resolve(id string, status CandidateStatus, errMsg string, op Op) {
	m.mu.Lock()
	c, ok := m.patches[id]
	if !ok || c.Status != StatusPending {
		m.mu.Unlock()
		return
	}
	c.Status = status
	c.Error = errMsg
	c.ResolvedAt = m.nowFunc()
	copied := *c
	m.mu.Unlock()

	m.notify(op, copied)
}

func isUnsafe(err error) bool {
	var ue *protocol.UnsafeBufferError
	return errors.As(err, &ue)
}

func isStale(err error) bool {
	var se *protocol.StalePatchError
	return errors.As(err, &se)
}

func firstLine(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return lines[0]
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
