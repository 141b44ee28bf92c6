// Package protocol defines the shared data model for the loom engine:
// generation events, structural scopes, buffer snapshots, and the typed
// errors exchanged between the queue, scheduler, worker, and patch
// packages. It has no dependencies on the packages that consume it.
package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// --- Event classification ---

// Intent classifies what an annotation asks the backend to do.
type Intent string

// Intent constants. The set is closed; unknown instructions default to
// IntentComplete.
const (
	IntentComplete Intent = "complete"
	IntentRefactor Intent = "refactor"
	IntentFix      Intent = "fix"
	IntentAdd      Intent = "add"
	IntentDocument Intent = "document"
	IntentTest     Intent = "test"
	IntentOptimize Intent = "optimize"
	IntentExplain  Intent = "explain"
)

// Action is the injection action derived from an Intent.
type Action string

// Action constants.
const (
	ActionReplace Action = "replace"
	ActionInsert  Action = "insert"
	ActionAppend  Action = "append"
	ActionNone    Action = "none"
)

// DeriveAction maps an intent to its default injection action.
// Replacement-style intents rewrite the resolved scope; insertion-style
// intents add code at the annotation's own location; explain produces
// no buffer mutation at all.
func DeriveAction(in Intent) Action {
	switch in {
	case IntentRefactor, IntentFix, IntentOptimize, IntentComplete:
		return ActionReplace
	case IntentAdd, IntentTest, IntentDocument:
		return ActionInsert
	case IntentExplain:
		return ActionNone
	default:
		return ActionAppend
	}
}

// --- Structural scope ---

// ScopeKind classifies a resolved structural region.
type ScopeKind string

// Scope kind constants. ScopeFile means "no narrower scope found".
const (
	ScopeFunction ScopeKind = "function"
	ScopeMethod   ScopeKind = "method"
	ScopeClass    ScopeKind = "class"
	ScopeFile     ScopeKind = "file"
)

// Scope is a structural code region bounding where a replace-style
// patch should operate. Lines are 1-based and inclusive.
type Scope struct {
	Kind      ScopeKind `json:"kind"`
	Name      string    `json:"name,omitempty"`
	StartLine int       `json:"start_line"`
	EndLine   int       `json:"end_line"`
}

// Overlaps reports whether two line ranges intersect.
func (s Scope) Overlaps(other Scope) bool {
	return s.StartLine <= other.EndLine && other.StartLine <= s.EndLine
}

// --- Event status and scheduling ---

// Status is an Event's lifecycle state.
type Status string

// Event status constants. Transitions are monotonic except for the
// explicit pending→processing→pending escalation cycle.
const (
	StatusPending      Status = "pending"
	StatusProcessing   Status = "processing"
	StatusCompleted    Status = "completed"
	StatusEscalated    Status = "escalated"
	StatusNeedsContext Status = "needs_context"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusNeedsContext, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Priority levels. Lower number dispatches first.
const (
	PriorityHigh   = 1
	PriorityNormal = 2
	PriorityLow    = 3
)

// BackendRole names a generation backend by policy role, not vendor.
type BackendRole string

// Backend role constants. The local role is the cheap first choice;
// the remote role is the escalation target.
const (
	BackendLocal  BackendRole = "local"
	BackendRemote BackendRole = "remote"
)

// MaxAttempts caps per-event generation attempts: one on the cheap
// backend, one escalated to the costly backend.
const MaxAttempts = 2

// --- Event ---

// Attachment is an auxiliary file payload referenced by an annotation.
type Attachment struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Event is a queued request to generate code from a natural-language
// instruction embedded in a source file.
type Event struct {
	// Identity.
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"` // monotonic creation counter, assigned by the queue
	CreatedAt time.Time `json:"created_at"`

	// Origin: where the annotation lives.
	Doc         string   `json:"doc"`
	StartLine   int      `json:"start_line"`
	EndLine     int      `json:"end_line"`
	Fingerprint Snapshot `json:"fingerprint"`

	// Payload.
	Instruction string       `json:"instruction"`
	Attachments []Attachment `json:"attachments,omitempty"`

	// Target: destination document. May differ from Doc — an
	// annotation in one file can generate code for another.
	TargetDoc string `json:"target_doc"`

	// Classification.
	Intent Intent `json:"intent"`
	Scope  *Scope `json:"scope,omitempty"`
	Action Action `json:"action"`

	// Scheduling.
	Priority int         `json:"priority"`
	Status   Status      `json:"status"`
	Attempts int         `json:"attempts"`
	Backend  BackendRole `json:"backend,omitempty"` // pinned after escalation; empty = policy default
	Error    string      `json:"error,omitempty"`   // terminal failure detail
}

// Target returns the document the event generates code for, falling
// back to the annotation's own document.
func (e *Event) Target() string {
	if e.TargetDoc != "" {
		return e.TargetDoc
	}
	return e.Doc
}

// --- Snapshot ---

// Snapshot is a content fingerprint of a document region at a point in
// time: revision counter plus content hash. StartLine/EndLine of zero
// means the whole document.
type Snapshot struct {
	Doc       string `json:"doc"`
	Revision  int64  `json:"revision"`
	Hash      string `json:"hash"`
	StartLine int    `json:"start_line,omitempty"`
	EndLine   int    `json:"end_line,omitempty"`
}

// Same reports whether two snapshots fingerprint identical content.
// The hash is authoritative; revision equality alone is necessary but
// not sufficient, since undo/redo can restore a counter value without
// restoring content.
func (s Snapshot) Same(other Snapshot) bool {
	return s.Doc == other.Doc && s.Revision == other.Revision && s.Hash == other.Hash
}

// HashLines fingerprints a line slice. Line boundaries are part of the
// fingerprint so that joining or splitting lines changes the hash.
func HashLines(lines []string) string {
	h := sha256.New()
	for _, line := range lines {
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// HashText fingerprints raw text by its lines.
func HashText(text string) string {
	return HashLines(strings.Split(text, "\n"))
}

// --- Generation results ---

// GenResult is the envelope a backend returns from one generation call.
type GenResult struct {
	Text         string `json:"text"`
	NeedsContext bool   `json:"needs_context,omitempty"` // backend wants more information before answering
	Usage        any    `json:"usage,omitempty"`         // opaque accounting payload, passed through
}
