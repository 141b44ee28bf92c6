package buffer

import (
	"sync"

	"loom/pkg/protocol"
)

// MemHost is an in-memory Host for tests and simulated editing
// sessions. Every write bumps the per-document revision counter;
// Touch bumps it without changing content (undo/redo shape).
type MemHost struct {
	mu        sync.Mutex
	docs      map[string][]string
	revisions map[string]int64
	editing   bool // true while the user is mid-edit (unsafe to mutate)
}

// NewMemHost creates an empty MemHost in the safe-to-mutate state.
func NewMemHost() *MemHost {
	return &MemHost{
		docs:      make(map[string][]string),
		revisions: make(map[string]int64),
	}
}

// SetLines creates or replaces a document without counting as a user
// edit (the revision is bumped, like any content change).
func (m *MemHost) SetLines(doc string, lines []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc] = append([]string(nil), lines...)
	m.revisions[doc]++
}

// Remove deletes a document.
func (m *MemHost) Remove(doc string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, doc)
	delete(m.revisions, doc)
}

// Touch bumps the revision counter without changing content. Models an
// undo/redo cycle that restores identical text under a new counter.
func (m *MemHost) Touch(doc string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[doc]; ok {
		m.revisions[doc]++
	}
}

// SetEditing marks the session as mid-edit (unsafe) or idle (safe).
func (m *MemHost) SetEditing(editing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.editing = editing
}

// IsEditingPaused implements Host.
func (m *MemHost) IsEditingPaused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.editing
}

// Revision implements Host.
func (m *MemHost) Revision(doc string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.docs[doc]
	return m.revisions[doc], ok
}

// ReadLines implements Host.
func (m *MemHost) ReadLines(doc string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lines, ok := m.docs[doc]
	if !ok {
		return nil, &protocol.DocumentNotFoundError{Doc: doc}
	}
	return append([]string(nil), lines...), nil
}

// WriteLines implements Host.
func (m *MemHost) WriteLines(doc string, lines []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc] = append([]string(nil), lines...)
	m.revisions[doc]++
	return nil
}
