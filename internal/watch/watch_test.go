package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"loom/pkg/protocol"
)

type recorder struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (r *recorder) Submit(ev protocol.Event) protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return ev
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) all() []protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Event(nil), r.events...)
}

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("waitFor: condition not met within %v", timeout)
}

func TestScanAllSubmitsOncePerAnnotation(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	write(t, root, "a.go", "package a\n//~ fix the loop\n")
	write(t, root, "sub/b.go", "package b\n//~! add a test\n//~ document this\n")
	write(t, root, "ignored.txt", "//~ not a source file\n")

	rec := &recorder{}
	w := New(root, rec, Config{Extensions: []string{".go"}})

	n, err := w.ScanAll()
	if err != nil {
		t.Fatalf("ScanAll: %v", err)
	}
	if n != 3 || rec.count() != 3 {
		t.Fatalf("submitted %d events, want 3", rec.count())
	}

	// Docs are root-relative.
	var docs []string
	for _, ev := range rec.all() {
		docs = append(docs, ev.Doc)
	}
	found := map[string]bool{}
	for _, d := range docs {
		found[d] = true
	}
	if !found["a.go"] || !found[filepath.Join("sub", "b.go")] {
		t.Fatalf("docs = %v", docs)
	}

	// A second full scan submits nothing new.
	n, err = w.ScanAll()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 || rec.count() != 3 {
		t.Fatalf("rescan submitted %d extra events", rec.count()-3)
	}
}

func TestScanFilePicksUpNewAnnotationOnly(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	write(t, root, "a.go", "package a\n//~ fix the loop\n")

	rec := &recorder{}
	w := New(root, rec, Config{Extensions: []string{".go"}})
	if _, err := w.ScanAll(); err != nil {
		t.Fatal(err)
	}

	// Code drifts above the annotation and a second one appears: only
	// the new one is submitted.
	write(t, root, "a.go", "package a\n\nimport \"fmt\"\n//~ fix the loop\n//~ optimize the hot path\n")
	if _, err := w.ScanAll(); err != nil {
		t.Fatal(err)
	}

	if rec.count() != 2 {
		t.Fatalf("events = %d, want 2", rec.count())
	}
	last := rec.all()[1]
	if last.Instruction != "optimize the hot path" {
		t.Errorf("instruction = %q", last.Instruction)
	}
	if last.Intent != protocol.IntentOptimize {
		t.Errorf("intent = %s", last.Intent)
	}
}

func TestAnnotationRemovedThenRestoredResubmits(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	write(t, root, "a.go", "package a\n//~ fix the loop\n")

	rec := &recorder{}
	w := New(root, rec, Config{Extensions: []string{".go"}})
	w.ScanAll()

	write(t, root, "a.go", "package a\n")
	w.ScanAll()
	write(t, root, "a.go", "package a\n//~ fix the loop\n")
	w.ScanAll()

	if rec.count() != 2 {
		t.Fatalf("events = %d, want 2 (original + restored)", rec.count())
	}
}

func TestAttachmentsResolvedFromRoot(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	write(t, root, "types.go", "package a\ntype T struct{}\n")
	write(t, root, "a.go", "package a\n//~ add a constructor @types.go @missing.go\n")

	rec := &recorder{}
	w := New(root, rec, Config{Extensions: []string{".go"}})
	w.ScanAll()

	evs := rec.all()
	if len(evs) != 1 {
		t.Fatalf("events = %d", len(evs))
	}
	// The readable attachment is carried; the missing one is dropped.
	if len(evs[0].Attachments) != 1 || evs[0].Attachments[0].Name != "types.go" {
		t.Fatalf("attachments = %+v", evs[0].Attachments)
	}
}

func TestRunReactsToFileChange(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	write(t, root, "a.go", "package a\n")

	rec := &recorder{}
	w := New(root, rec, Config{Extensions: []string{".go"}, FallbackPoll: 200 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	// Give the watcher a moment to register, then drop an annotation.
	time.Sleep(100 * time.Millisecond)
	write(t, root, "a.go", "package a\n//~ fix the loop\n")

	// fsnotify usually fires immediately; the fallback poll guarantees
	// pickup either way.
	waitFor(t, func() bool { return rec.count() == 1 }, 3*time.Second)

	cancel()
	<-done
}
