package buffer

import (
	"fmt"

	"loom/pkg/protocol"
)

// Take captures a snapshot of a document region. start/end are 1-based
// inclusive; zero values snapshot the whole document. The range is
// clamped to valid bounds before hashing, and the clamped range is
// stored on the snapshot so a later recheck fingerprints the same
// region.
func Take(h Host, doc string, start, end int) (protocol.Snapshot, error) {
	rev, ok := h.Revision(doc)
	if !ok {
		return protocol.Snapshot{}, &protocol.DocumentNotFoundError{Doc: doc}
	}
	lines, err := h.ReadLines(doc)
	if err != nil {
		return protocol.Snapshot{}, fmt.Errorf("read %s: %w", doc, err)
	}

	start, end = ClampRange(start, end, len(lines))
	region := lines
	if start > 0 {
		region = lines[start-1 : end]
	}

	return protocol.Snapshot{
		Doc:       doc,
		Revision:  rev,
		Hash:      protocol.HashLines(region),
		StartLine: start,
		EndLine:   end,
	}, nil
}

// Changed re-snapshots the region bound by snap and reports whether its
// content differs. The revision counter is only a fast path: when it
// matches, the region is assumed unchanged without rehashing. When it
// differs, the hash decides — an unrelated edit elsewhere bumps a
// global counter without touching this region, and that must not count
// as a change.
func Changed(h Host, snap protocol.Snapshot) (changed bool, reason string, err error) {
	rev, ok := h.Revision(snap.Doc)
	if !ok {
		return true, "document gone", nil
	}
	if rev == snap.Revision {
		return false, "", nil
	}

	cur, err := Take(h, snap.Doc, snap.StartLine, snap.EndLine)
	if err != nil {
		return true, "", err
	}
	if cur.Hash != snap.Hash {
		return true, fmt.Sprintf("region content changed (rev %d -> %d)", snap.Revision, rev), nil
	}
	return false, "", nil
}

// ClampRange clamps a 1-based inclusive line range to [1, n]. A zero
// start means the whole document. An inverted or out-of-bounds range
// is pulled back inside rather than rejected.
func ClampRange(start, end, n int) (int, int) {
	if n == 0 {
		return 0, 0
	}
	if start <= 0 {
		return 1, n
	}
	if start > n {
		start = n
	}
	if end < start {
		end = start
	}
	if end > n {
		end = n
	}
	return start, end
}
