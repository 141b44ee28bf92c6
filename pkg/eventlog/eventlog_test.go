package eventlog_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"loom/pkg/buffer"
	"loom/pkg/eventlog"
	"loom/pkg/patch"
	"loom/pkg/protocol"
	"loom/pkg/queue"
)

func openLogger(t *testing.T) (*eventlog.Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loom.db")
	l, err := eventlog.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, path
}

func TestQueueLifecycleRoundTrip(t *testing.T) {
	l, path := openLogger(t)

	q := queue.New()
	l.AttachQueue(q)

	ev := q.Enqueue(protocol.Event{Doc: "a.go", StartLine: 1, EndLine: 1, Instruction: "fix"})
	q.Dequeue()
	q.Complete(ev.ID)
	if err := l.LastErr(); err != nil {
		t.Fatalf("logger swallowed error: %v", err)
	}

	r, err := eventlog.NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	rows, err := r.Query(context.Background(), eventlog.QueryOpts{EntityID: ev.ID})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3 (enqueue, dequeue, update)", len(rows))
	}
	// Newest first.
	if rows[0].Kind != string(queue.OpUpdate) || rows[2].Kind != string(queue.OpEnqueue) {
		t.Fatalf("unexpected order: %s .. %s", rows[0].Kind, rows[2].Kind)
	}
	if rows[0].Status != string(protocol.StatusCompleted) {
		t.Errorf("final status = %s, want completed", rows[0].Status)
	}
	if rows[0].Doc != "a.go" || rows[0].Entity != eventlog.EntityEvent {
		t.Errorf("row = %+v", rows[0])
	}
	if rows[0].CreatedAt.IsZero() {
		t.Error("created_at must parse")
	}
}

func TestPatchLifecycleRows(t *testing.T) {
	l, path := openLogger(t)

	host := buffer.NewMemHost()
	host.SetLines("a.go", []string{"x()"})
	pm := patch.NewManager(host, nil)
	l.AttachPatches(pm)

	c, err := pm.CreateFromEvent(protocol.Event{
		ID: "e1", Doc: "a.go", StartLine: 1, EndLine: 1, Intent: protocol.IntentFix,
	}, "y()", 0.9, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := pm.Apply(c.ID, false); err != nil {
		t.Fatal(err)
	}

	r, err := eventlog.NewReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	rows, err := r.Query(context.Background(), eventlog.QueryOpts{Entity: eventlog.EntityPatch})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2 (create, apply)", len(rows))
	}
	if rows[0].Kind != string(patch.OpApply) || rows[1].Kind != string(patch.OpCreate) {
		t.Fatalf("kinds = %s, %s", rows[0].Kind, rows[1].Kind)
	}
}

func TestQueryFilters(t *testing.T) {
	l, path := openLogger(t)

	q := queue.New()
	l.AttachQueue(q)
	q.Enqueue(protocol.Event{Doc: "a.go", StartLine: 1, EndLine: 1})
	q.Enqueue(protocol.Event{Doc: "b.go", StartLine: 1, EndLine: 1})
	q.Enqueue(protocol.Event{Doc: "b.go", StartLine: 50, EndLine: 50})

	r, err := eventlog.NewReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	ctx := context.Background()

	rows, err := r.Query(ctx, eventlog.QueryOpts{Doc: "b.go"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("doc filter rows = %d, want 2", len(rows))
	}

	rows, err = r.Query(ctx, eventlog.QueryOpts{Kind: string(queue.OpEnqueue), Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("limit ignored, rows = %d", len(rows))
	}

	future := time.Now().Add(time.Hour)
	rows, err = r.Query(ctx, eventlog.QueryOpts{After: &future})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Fatalf("time filter rows = %d, want 0", len(rows))
	}
}

func TestNewReaderMissingDB(t *testing.T) {
	t.Parallel()

	if _, err := eventlog.NewReader(filepath.Join(t.TempDir(), "absent.db")); err == nil {
		t.Fatal("expected error for missing database")
	}
}
