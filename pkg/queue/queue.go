// Package queue implements the priority-ordered store of pending
// generation events. Ordering is by ascending priority number, FIFO
// within a priority. The queue also detects same-scope conflicts and
// applies the first-tag-wins precedence rule so two generations never
// race on the same code region.
//
// None of the operations here can fail: malformed input is defaulted,
// not rejected. The producers are trusted internal code, and a dropped
// annotation is worse than a defaulted field.
package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"loom/pkg/protocol"
)

// conflictProximity is the line distance within which two events on
// the same document are considered conflicting when neither carries
// resolved scope information.
const conflictProximity = 10

// Op identifies a lifecycle notification sent to listeners.
type Op string

// Listener notification kinds.
const (
	OpEnqueue Op = "enqueue"
	OpDequeue Op = "dequeue"
	OpUpdate  Op = "update"
	OpCancel  Op = "cancel"
)

// Listener receives lifecycle notifications. Fire-and-forget: a
// panicking listener must not affect queue state, so each call is
// isolated. The event is a copy.
type Listener func(op Op, ev protocol.Event)

// Stats summarizes queue contents by status.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	Other      int `json:"other"`
	Total      int `json:"total"`
}

// Queue is the event store. Safe for concurrent use; a single mutex
// guards the ordered slice and the id index.
type Queue struct {
	mu         sync.Mutex
	events     []*protocol.Event // priority order, FIFO within priority
	byID       map[string]*protocol.Event
	finishedAt map[string]time.Time
	listeners  []Listener
	seq        int64

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		byID:       make(map[string]*protocol.Event),
		finishedAt: make(map[string]time.Time),
		nowFunc:    time.Now,
	}
}

// SetNowFunc overrides the clock (for testing).
func (q *Queue) SetNowFunc(f func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nowFunc = f
}

// Subscribe registers a lifecycle listener.
func (q *Queue) Subscribe(l Listener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners = append(q.listeners, l)
}

// Enqueue assigns defaults, inserts the event in priority/FIFO order,
// and returns a copy of the stored event.
func (q *Queue) Enqueue(ev protocol.Event) protocol.Event {
	q.mu.Lock()

	// A caller-supplied origin snapshot is preferred; absent one, the
	// instruction text itself is fingerprinted.
	if ev.Fingerprint.Hash == "" {
		ev.Fingerprint = protocol.Snapshot{
			Doc:       ev.Doc,
			Hash:      protocol.HashText(ev.Instruction),
			StartLine: ev.StartLine,
			EndLine:   ev.EndLine,
		}
	}
	// The same annotation submitted twice while the first is still
	// pending is one unit of work: hand back the queued event instead
	// of racing two generations on it.
	for _, e := range q.events {
		if e.Status == protocol.StatusPending && e.Doc == ev.Doc &&
			e.StartLine == ev.StartLine && e.EndLine == ev.EndLine &&
			e.Fingerprint.Hash == ev.Fingerprint.Hash {
			out := *e
			q.mu.Unlock()
			return out
		}
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	q.seq++
	ev.Seq = q.seq
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = q.nowFunc()
	}
	ev.Status = protocol.StatusPending
	ev.Attempts = 0
	if ev.Priority < protocol.PriorityHigh || ev.Priority > protocol.PriorityLow {
		ev.Priority = protocol.PriorityNormal
	}
	if ev.Intent == "" {
		ev.Intent = protocol.IntentComplete
	}
	if ev.Action == "" {
		ev.Action = protocol.DeriveAction(ev.Intent)
	}

	stored := &ev
	// Stable insertion point: before the first entry with a strictly
	// lower precedence (higher priority number).
	at := len(q.events)
	for i, e := range q.events {
		if e.Priority > stored.Priority {
			at = i
			break
		}
	}
	q.events = append(q.events, nil)
	copy(q.events[at+1:], q.events[at:])
	q.events[at] = stored
	q.byID[stored.ID] = stored

	out := *stored
	q.mu.Unlock()

	q.notify(OpEnqueue, out)
	return out
}

// Dequeue returns a copy of the first pending event in order and marks
// it processing. Non-blocking: ok is false when nothing is pending.
func (q *Queue) Dequeue() (protocol.Event, bool) {
	q.mu.Lock()
	for _, e := range q.events {
		if e.Status == protocol.StatusPending {
			e.Status = protocol.StatusProcessing
			out := *e
			q.mu.Unlock()
			q.notify(OpDequeue, out)
			return out, true
		}
	}
	q.mu.Unlock()
	return protocol.Event{}, false
}

// Get returns a copy of the event with the given id.
func (q *Queue) Get(id string) (protocol.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[id]
	if !ok {
		return protocol.Event{}, false
	}
	return *e, true
}

// FindConflicts returns copies of other live (pending or in-flight)
// events targeting the same document whose resolved scopes overlap —
// or, absent scope information, whose annotation ranges sit within
// conflictProximity lines of each other. In-flight events count: an
// older event already at a backend still owns its region.
func (q *Queue) FindConflicts(ev protocol.Event) []protocol.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []protocol.Event
	for _, other := range q.events {
		if other.ID == ev.ID {
			continue
		}
		if other.Status != protocol.StatusPending && other.Status != protocol.StatusProcessing {
			continue
		}
		if other.Target() != ev.Target() {
			continue
		}
		if conflicts(&ev, other) {
			out = append(out, *other)
		}
	}
	return out
}

func conflicts(a, b *protocol.Event) bool {
	if a.Scope != nil && b.Scope != nil {
		return a.Scope.Overlaps(*b.Scope)
	}
	// No scope info on one side: fall back to annotation proximity.
	lo, hi := a.StartLine-conflictProximity, a.EndLine+conflictProximity
	return b.StartLine <= hi && b.EndLine >= lo
}

// CheckPrecedence applies the first-tag-wins rule: if any conflicting
// event is strictly older, ev loses and should be cancelled instead of
// dispatched.
func (q *Queue) CheckPrecedence(ev protocol.Event) (skip bool, reason string) {
	for _, other := range q.FindConflicts(ev) {
		if other.Seq < ev.Seq {
			return true, "conflicts with older event " + other.ID
		}
	}
	return false, ""
}

// --- Status mutators ---

// Complete marks an event completed.
func (q *Queue) Complete(id string) {
	q.transition(id, protocol.StatusCompleted, "")
}

// Fail marks an event failed with a terminal error message.
func (q *Queue) Fail(id, errMsg string) {
	q.transition(id, protocol.StatusFailed, errMsg)
}

// NeedsContext marks an event as waiting for external augmentation.
func (q *Queue) NeedsContext(id, detail string) {
	q.transition(id, protocol.StatusNeedsContext, detail)
}

// Requeue returns a processing event to pending without counting an
// attempt, for a dispatcher that pulled it but could not place it.
func (q *Queue) Requeue(id string) {
	q.mu.Lock()
	e, ok := q.byID[id]
	if !ok || e.Status != protocol.StatusProcessing {
		q.mu.Unlock()
		return
	}
	e.Status = protocol.StatusPending
	out := *e
	q.mu.Unlock()
	q.notify(OpUpdate, out)
}

// Escalate resets a processing event to pending with the attempt count
// incremented and the backend pinned, so the next dispatch goes to the
// costlier backend. This is the only non-monotonic transition.
func (q *Queue) Escalate(id string, backend protocol.BackendRole) {
	q.mu.Lock()
	e, ok := q.byID[id]
	if !ok || e.Status.Terminal() {
		q.mu.Unlock()
		return
	}
	e.Attempts++
	e.Backend = backend
	e.Status = protocol.StatusPending
	out := *e
	q.mu.Unlock()
	q.notify(OpUpdate, out)
}

// Cancel marks an event cancelled.
func (q *Queue) Cancel(id, reason string) {
	q.mu.Lock()
	e, ok := q.byID[id]
	if !ok || e.Status.Terminal() {
		q.mu.Unlock()
		return
	}
	e.Status = protocol.StatusCancelled
	e.Error = reason
	q.finishedAt[id] = q.nowFunc()
	out := *e
	q.mu.Unlock()
	q.notify(OpCancel, out)
}

// CancelForBuffer cancels every non-terminal event whose origin or
// target is the given document. Returns the number cancelled.
func (q *Queue) CancelForBuffer(doc string) int {
	q.mu.Lock()
	var cancelled []protocol.Event
	for _, e := range q.events {
		if e.Status.Terminal() {
			continue
		}
		if e.Doc != doc && e.Target() != doc {
			continue
		}
		e.Status = protocol.StatusCancelled
		e.Error = "buffer closed"
		q.finishedAt[e.ID] = q.nowFunc()
		cancelled = append(cancelled, *e)
	}
	q.mu.Unlock()

	for _, ev := range cancelled {
		q.notify(OpCancel, ev)
	}
	return len(cancelled)
}

func (q *Queue) transition(id string, to protocol.Status, errMsg string) {
	q.mu.Lock()
	e, ok := q.byID[id]
	if !ok || e.Status.Terminal() {
		q.mu.Unlock()
		return
	}
	e.Status = to
	if errMsg != "" {
		e.Error = errMsg
	}
	if to.Terminal() {
		q.finishedAt[id] = q.nowFunc()
	}
	out := *e
	q.mu.Unlock()
	q.notify(OpUpdate, out)
}

// --- Read accessors ---

// PendingCount returns the number of pending events.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.events {
		if e.Status == protocol.StatusPending {
			n++
		}
	}
	return n
}

// Snapshot returns copies of all events in queue order.
func (q *Queue) Snapshot() []protocol.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]protocol.Event, len(q.events))
	for i, e := range q.events {
		out[i] = *e
	}
	return out
}

// QueueStats returns per-status counts.
func (q *Queue) QueueStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s Stats
	for _, e := range q.events {
		switch e.Status {
		case protocol.StatusPending:
			s.Pending++
		case protocol.StatusProcessing:
			s.Processing++
		case protocol.StatusCompleted:
			s.Completed++
		case protocol.StatusFailed:
			s.Failed++
		case protocol.StatusCancelled:
			s.Cancelled++
		default:
			s.Other++
		}
	}
	s.Total = len(q.events)
	return s
}

// Cleanup evicts terminal events older than maxAge (measured from the
// terminal transition) and returns the number evicted.
func (q *Queue) Cleanup(maxAge time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.nowFunc().Add(-maxAge)
	kept := q.events[:0]
	evicted := 0
	for _, e := range q.events {
		done, terminal := q.finishedAt[e.ID]
		if terminal && done.Before(cutoff) {
			delete(q.byID, e.ID)
			delete(q.finishedAt, e.ID)
			evicted++
			continue
		}
		kept = append(kept, e)
	}
	q.events = kept
	return evicted
}

// notify delivers a lifecycle notification to every listener. Each
// call is isolated: a panicking listener is swallowed so the queue's
// own state can never be corrupted by an observer.
func (q *Queue) notify(op Op, ev protocol.Event) {
	q.mu.Lock()
	ls := append([]Listener(nil), q.listeners...)
	q.mu.Unlock()

	for _, l := range ls {
		func() {
			defer func() { _ = recover() }()
			l(op, ev)
		}()
	}
}
