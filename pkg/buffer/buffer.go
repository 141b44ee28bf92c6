// Package buffer abstracts the host editor's document access. The core
// engine never touches files or editor buffers directly: it goes
// through a Host, so that the scheduler and patch manager are testable
// without a real editing session.
package buffer

import "loom/pkg/protocol"

// Host supplies document content and editing-session state. All line
// slices are whole documents; lines carry no trailing newline.
type Host interface {
	// IsEditingPaused reports whether the session is safe to mutate:
	// no in-progress keystroke composition, no active completion popup.
	IsEditingPaused() bool

	// Revision returns the document's revision counter and whether the
	// document exists.
	Revision(doc string) (int64, bool)

	// ReadLines returns the document's full line content.
	ReadLines(doc string) ([]string, error)

	// WriteLines replaces the document's full content.
	WriteLines(doc string, lines []string) error
}

// ScopeResolver is the structural-lookup capability. Best-effort: a
// resolver may return a ScopeFile result meaning "no narrower scope
// found", or an error when the document cannot be analyzed.
type ScopeResolver interface {
	ResolveScope(doc string, line, col int) (protocol.Scope, error)
}

// FileScopeResolver is the trivial resolver: every position resolves
// to the whole document. Used when no structural analyzer is wired in.
type FileScopeResolver struct {
	Host Host
}

// ResolveScope returns a file-kind scope spanning the whole document.
func (r FileScopeResolver) ResolveScope(doc string, _, _ int) (protocol.Scope, error) {
	lines, err := r.Host.ReadLines(doc)
	if err != nil {
		return protocol.Scope{}, err
	}
	return protocol.Scope{Kind: protocol.ScopeFile, StartLine: 1, EndLine: len(lines)}, nil
}
