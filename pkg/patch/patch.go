// Package patch turns successful generation results into snapshot-bound
// patch candidates and applies them to live buffers. A patch is only
// ever applied to the exact document state it was generated against;
// drifted positions are re-located with the textmatch cascade, and a
// changed region makes the patch stale rather than corrupting the
// buffer.
package patch

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"loom/pkg/buffer"
	"loom/pkg/protocol"
	"loom/pkg/textmatch"
)

// Strategy is how generated text is injected into the target document.
type Strategy string

// Injection strategies.
const (
	StrategyReplaceRange Strategy = "replace_range"
	StrategyInsertAtLine Strategy = "insert_at_line"
	StrategyAppendAtEnd  Strategy = "append_at_end"
)

// CandidateStatus is a patch candidate's lifecycle state.
type CandidateStatus string

// Candidate status constants. A candidate reaches exactly one terminal
// state; terminal candidates are garbage-collected after a retention
// window.
const (
	StatusPending   CandidateStatus = "pending"
	StatusApplied   CandidateStatus = "applied"
	StatusStale     CandidateStatus = "stale"
	StatusRejected  CandidateStatus = "rejected"
	StatusCancelled CandidateStatus = "cancelled"
)

// Terminal reports whether s is a final state.
func (s CandidateStatus) Terminal() bool { return s != StatusPending }

// Candidate is a not-yet-applied unit of generated text bound to a
// snapshot of its target region.
type Candidate struct {
	ID        string
	EventID   string
	SourceDoc string // document carrying the annotation
	TargetDoc string // document the text goes into
	Text      string

	Snapshot    protocol.Snapshot
	OriginLines []string // region content at snapshot time, for fuzzy relocation

	Strategy   Strategy
	StartLine  int // bound range (replace) or insertion line (insert); 1-based
	EndLine    int
	Confidence float64

	Status     CandidateStatus
	Error      string
	CreatedAt  time.Time
	ResolvedAt time.Time // terminal transition time, drives cleanup
}

// Op identifies a lifecycle notification sent to patch listeners.
type Op string

// Listener notification kinds.
const (
	OpCreate Op = "create"
	OpApply  Op = "apply"
	OpStale  Op = "stale"
	OpReject Op = "reject"
	OpCancel Op = "cancel"
)

// Listener receives patch lifecycle notifications. Isolated like queue
// listeners: a panic in one observer never touches manager state.
type Listener func(op Op, c Candidate)

// Stats summarizes the patch store by status.
type Stats struct {
	Pending  int `json:"pending"`
	Applied  int `json:"applied"`
	Stale    int `json:"stale"`
	Rejected int `json:"rejected"`
	Total    int `json:"total"`
}

// FlushStats is the tri-state outcome of a flush pass. Deferred
// patches stay pending for a later flush — "try again later" is not a
// failure.
type FlushStats struct {
	Applied  int
	Stale    int
	Deferred int
	Rejected int
}

// Manager owns patch candidates from creation until a terminal state.
type Manager struct {
	host     buffer.Host
	resolver buffer.ScopeResolver

	mu        sync.Mutex
	patches   map[string]*Candidate
	order     []string // creation order, for deterministic flushing
	listeners []Listener

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewManager creates a Manager over the given buffer host. resolver
// may be nil; replace-strategy application then skips scope
// re-resolution and goes straight to fuzzy matching.
func NewManager(host buffer.Host, resolver buffer.ScopeResolver) *Manager {
	return &Manager{
		host:     host,
		resolver: resolver,
		patches:  make(map[string]*Candidate),
		nowFunc:  time.Now,
	}
}

// SetNowFunc overrides the clock (for testing).
func (m *Manager) SetNowFunc(f func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowFunc = f
}

// Subscribe registers a lifecycle listener.
func (m *Manager) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Snapshot captures a fingerprint of a document region. start/end of
// zero snapshots the whole document.
func (m *Manager) Snapshot(doc string, start, end int) (protocol.Snapshot, error) {
	return buffer.Take(m.host, doc, start, end)
}

// CreateFromEvent builds a candidate from a successful generation.
// strategy may be empty; it is then derived from the event's action:
// replace-style intents rewrite the resolved scope, insert-style
// intents inject at the annotation's own location, everything else
// appends. An insert that targets a different document degrades to
// append — there is no annotation location in the other file.
func (m *Manager) CreateFromEvent(ev protocol.Event, text string, conf float64, strategy Strategy) (Candidate, error) {
	target := ev.Target()
	if strategy == "" {
		strategy = deriveStrategy(ev)
	}

	c := Candidate{
		ID:         uuid.NewString(),
		EventID:    ev.ID,
		SourceDoc:  ev.Doc,
		TargetDoc:  target,
		Text:       text,
		Strategy:   strategy,
		Confidence: conf,
		Status:     StatusPending,
	}

	switch strategy {
	case StrategyReplaceRange:
		c.StartLine, c.EndLine = replaceRange(ev)
	case StrategyInsertAtLine:
		c.StartLine, c.EndLine = ev.StartLine, ev.EndLine
	case StrategyAppendAtEnd:
		// no range binding
	}

	// Bind the candidate to the current content of the region it will
	// touch. A target that does not exist yet is only valid for append,
	// where the empty snapshot means "no expectations".
	if snap, err := buffer.Take(m.host, target, c.StartLine, c.EndLine); err == nil {
		c.Snapshot = snap
		if lines, rerr := m.host.ReadLines(target); rerr == nil {
			s, e := buffer.ClampRange(c.StartLine, c.EndLine, len(lines))
			if s > 0 {
				c.OriginLines = lines[s-1 : e]
			}
		}
	} else if strategy != StrategyAppendAtEnd {
		return Candidate{}, err
	} else {
		c.Snapshot = protocol.Snapshot{Doc: target}
	}

	m.mu.Lock()
	c.CreatedAt = m.nowFunc()
	stored := c
	m.patches[c.ID] = &stored
	m.order = append(m.order, c.ID)
	m.mu.Unlock()

	m.notify(OpCreate, c)
	return c, nil
}

// deriveStrategy maps an event's action to an injection strategy.
func deriveStrategy(ev protocol.Event) Strategy {
	action := ev.Action
	if action == "" {
		action = protocol.DeriveAction(ev.Intent)
	}
	switch action {
	case protocol.ActionReplace:
		return StrategyReplaceRange
	case protocol.ActionInsert:
		if ev.Target() != ev.Doc {
			return StrategyAppendAtEnd
		}
		return StrategyInsertAtLine
	default:
		return StrategyAppendAtEnd
	}
}

// replaceRange picks the region a replace-strategy patch rewrites: the
// resolved scope when one exists, the annotation's own range otherwise.
func replaceRange(ev protocol.Event) (int, int) {
	if ev.Scope != nil && ev.Scope.Kind != protocol.ScopeFile {
		return ev.Scope.StartLine, ev.Scope.EndLine
	}
	return ev.StartLine, ev.EndLine
}

// IsStale re-snapshots the patch's bound region and reports whether it
// changed since creation. An empty-hash snapshot carries no binding
// and is never stale.
//
// A hash mismatch at the stored range can mean drift rather than an
// edit: lines inserted above shift the region without touching its
// content. When the original region is still locatable elsewhere in
// the document, the patch is applicable after relocation and not
// stale. Only a region that is genuinely gone or rewritten stales the
// patch.
func (m *Manager) IsStale(c Candidate) (bool, string) {
	if c.Snapshot.Hash == "" {
		return false, ""
	}
	changed, reason, err := buffer.Changed(m.host, c.Snapshot)
	if err != nil {
		return true, err.Error()
	}
	if !changed {
		return false, ""
	}
	if len(c.OriginLines) > 0 {
		if lines, rerr := m.host.ReadLines(c.Snapshot.Doc); rerr == nil {
			if _, ok := textmatch.Find(lines, strings.Join(c.OriginLines, "\n")); ok {
				return false, ""
			}
		}
	}
	return true, reason
}

// Get returns a copy of a candidate.
func (m *Manager) Get(id string) (Candidate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.patches[id]
	if !ok {
		return Candidate{}, false
	}
	return *c, true
}

// PendingCount returns the number of pending candidates.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.patches {
		if c.Status == StatusPending {
			n++
		}
	}
	return n
}

// PatchStats returns per-status counts.
func (m *Manager) PatchStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s Stats
	for _, c := range m.patches {
		switch c.Status {
		case StatusPending:
			s.Pending++
		case StatusApplied:
			s.Applied++
		case StatusStale:
			s.Stale++
		case StatusRejected:
			s.Rejected++
		}
	}
	s.Total = len(m.patches)
	return s
}

// CancelForBuffer cancels every pending candidate bound to the given
// document (as source or target). Returns the number cancelled.
func (m *Manager) CancelForBuffer(doc string) int {
	m.mu.Lock()
	var cancelled []Candidate
	for _, c := range m.patches {
		if c.Status != StatusPending {
			continue
		}
		if c.SourceDoc != doc && c.TargetDoc != doc {
			continue
		}
		c.Status = StatusCancelled
		c.Error = "buffer closed"
		c.ResolvedAt = m.nowFunc()
		cancelled = append(cancelled, *c)
	}
	m.mu.Unlock()

	for _, c := range cancelled {
		m.notify(OpCancel, c)
	}
	return len(cancelled)
}

// Cleanup evicts terminal candidates older than maxAge (measured from
// the terminal transition) and returns the number evicted.
func (m *Manager) Cleanup(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.nowFunc().Add(-maxAge)
	kept := m.order[:0]
	evicted := 0
	for _, id := range m.order {
		c := m.patches[id]
		if c.Status.Terminal() && c.ResolvedAt.Before(cutoff) {
			delete(m.patches, id)
			evicted++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return evicted
}

// splitText breaks generated text into lines, dropping a single
// trailing newline so "x\n" is one line, not two.
func splitText(text string) []string {
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}

func (m *Manager) notify(op Op, c Candidate) {
	m.mu.Lock()
	ls := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	for _, l := range ls {
		func() {
			defer func() { _ = recover() }()
			l(op, c)
		}()
	}
}
