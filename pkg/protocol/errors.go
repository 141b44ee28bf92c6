package protocol

import "fmt"

// StalePatchError reports that a patch's bound region changed between
// snapshot and apply. Retryable at the event level: the host may
// regenerate against the new content.
type StalePatchError struct {
	PatchID string
	Doc     string
	Reason  string
}

func (e *StalePatchError) Error() string {
	return fmt.Sprintf("patch %s stale for %s: %s", e.PatchID, e.Doc, e.Reason)
}

// UnsafeBufferError reports that the editing session was not in a state
// safe to mutate (mid-keystroke composition or active completion
// popup). Retryable: the patch stays pending for a later flush.
type UnsafeBufferError struct {
	Doc string
}

func (e *UnsafeBufferError) Error() string {
	return fmt.Sprintf("buffer %s not safe to mutate", e.Doc)
}

// DocumentNotFoundError reports that a target document could not be
// resolved or loaded. Fatal for the patch.
type DocumentNotFoundError struct {
	Doc string
}

func (e *DocumentNotFoundError) Error() string {
	return fmt.Sprintf("document %s not found", e.Doc)
}

// MatchNotFoundError reports that no matching strategy could locate the
// patch's original text in the current document. Fatal for the patch —
// never silently a no-op.
type MatchNotFoundError struct {
	Doc     string
	Snippet string // first line of the snippet, for diagnostics
}

func (e *MatchNotFoundError) Error() string {
	return fmt.Sprintf("no match for snippet in %s (starts %q)", e.Doc, e.Snippet)
}

// BackendError reports a generation failure from a specific backend.
// Retryable indicates whether the scheduler may escalate the event to
// the costly backend rather than failing it outright.
type BackendError struct {
	Backend   BackendRole
	Retryable bool
	Msg       string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %s", e.Backend, e.Msg)
}
