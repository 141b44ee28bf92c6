package worker_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"loom/pkg/protocol"
	"loom/pkg/worker"
)

// fakeGen is a scriptable Generator. If block is non-nil, Generate
// waits on it (or ctx) before returning.
type fakeGen struct {
	text  string
	err   error
	needs bool
	block chan struct{}
}

func (f *fakeGen) Generate(ctx context.Context, _ string) (protocol.GenResult, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return protocol.GenResult{}, ctx.Err()
		}
	}
	if f.err != nil {
		return protocol.GenResult{}, f.err
	}
	return protocol.GenResult{Text: f.text, NeedsContext: f.needs}, nil
}

// collect gathers results and counts invocations.
type collect struct {
	mu      sync.Mutex
	results []worker.Result
}

func (c *collect) done(r worker.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
}

func (c *collect) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

func (c *collect) first() worker.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results[0]
}

func waitFor(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("waitFor: condition not met within %v", timeout)
}

func testEvent() protocol.Event {
	return protocol.Event{
		ID:          "ev1",
		Instruction: "write an add function",
		Doc:         "a.go",
	}
}

func TestWorkerSuccessScoresConfidence(t *testing.T) {
	t.Parallel()

	gen := &fakeGen{text: "func add(a, b int) int {\n\treturn a + b\n}"}
	var c collect
	w := worker.New(testEvent(), protocol.BackendLocal, gen, time.Second, c.done)
	w.Start(context.Background())

	waitFor(t, func() bool { return c.count() == 1 }, time.Second)
	r := c.first()
	if r.Status != worker.StatusCompleted {
		t.Fatalf("status = %s, want completed", r.Status)
	}
	if r.Confidence < 0.9 {
		t.Errorf("confidence = %v, want >= 0.9 for clean output", r.Confidence)
	}
	if r.Event.ID != "ev1" || r.Backend != protocol.BackendLocal {
		t.Error("result must carry event and backend")
	}
}

func TestWorkerFailure(t *testing.T) {
	t.Parallel()

	gen := &fakeGen{err: errors.New("model unavailable")}
	var c collect
	w := worker.New(testEvent(), protocol.BackendLocal, gen, time.Second, c.done)
	w.Start(context.Background())

	waitFor(t, func() bool { return c.count() == 1 }, time.Second)
	r := c.first()
	if !r.Failed() {
		t.Fatalf("status = %s, want a failure", r.Status)
	}
	if r.Confidence != 0 {
		t.Error("failed attempt must carry confidence 0")
	}
}

func TestWorkerNeedsContext(t *testing.T) {
	t.Parallel()

	gen := &fakeGen{needs: true}
	var c collect
	w := worker.New(testEvent(), protocol.BackendRemote, gen, time.Second, c.done)
	w.Start(context.Background())

	waitFor(t, func() bool { return c.count() == 1 }, time.Second)
	r := c.first()
	if !r.NeedsContext {
		t.Fatal("needs-context signal must pass through")
	}
	if r.Failed() {
		t.Error("needs-context is not a failure")
	}
}

func TestWorkerTimeoutThenLateCallbackIgnored(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	gen := &fakeGen{text: "late()", block: block}
	var c collect
	w := worker.New(testEvent(), protocol.BackendLocal, gen, 20*time.Millisecond, c.done)
	w.Start(context.Background())

	waitFor(t, func() bool { return c.count() == 1 }, time.Second)
	r := c.first()
	if r.Status != worker.StatusTimeout {
		t.Fatalf("status = %s, want timeout", r.Status)
	}
	if r.Confidence != 0 {
		t.Error("timeout must synthesize confidence 0")
	}
	var be *protocol.BackendError
	if !errors.As(r.Err, &be) || !be.Retryable {
		t.Error("timeout error must be a retryable BackendError")
	}

	// Release the late genuine callback; it must be discarded.
	close(block)
	time.Sleep(50 * time.Millisecond)
	if c.count() != 1 {
		t.Fatalf("done invoked %d times, want exactly 1", c.count())
	}
}

func TestWorkerCancelDiscardsResult(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	gen := &fakeGen{text: "x", block: block}
	var c collect
	w := worker.New(testEvent(), protocol.BackendLocal, gen, time.Second, c.done)
	w.Start(context.Background())

	w.Cancel()
	if w.Status() != worker.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", w.Status())
	}

	close(block)
	time.Sleep(50 * time.Millisecond)
	if c.count() != 0 {
		t.Fatalf("cancelled worker emitted %d results, want 0", c.count())
	}
}

func TestWorkerStartIsIdempotent(t *testing.T) {
	t.Parallel()

	gen := &fakeGen{text: "ok()"}
	var c collect
	w := worker.New(testEvent(), protocol.BackendLocal, gen, time.Second, c.done)
	w.Start(context.Background())
	w.Start(context.Background()) // second start must be a no-op

	waitFor(t, func() bool { return c.count() >= 1 }, time.Second)
	time.Sleep(50 * time.Millisecond)
	if c.count() != 1 {
		t.Fatalf("done invoked %d times, want 1", c.count())
	}
}

func TestTimeoutFor(t *testing.T) {
	t.Parallel()

	if worker.TimeoutFor(protocol.BackendLocal) != worker.DefaultLocalTimeout {
		t.Error("local budget mismatch")
	}
	if worker.TimeoutFor(protocol.BackendRemote) != worker.DefaultRemoteTimeout {
		t.Error("remote budget mismatch")
	}
	if worker.DefaultLocalTimeout >= worker.DefaultRemoteTimeout {
		t.Error("local budget must be shorter than remote")
	}
}

func TestBuildPrompt(t *testing.T) {
	t.Parallel()

	ev := protocol.Event{
		Instruction: "rename the receiver",
		Intent:      protocol.IntentRefactor,
		Doc:         "a.go",
		TargetDoc:   "b.go",
		Scope:       &protocol.Scope{Kind: protocol.ScopeFunction, Name: "Load", StartLine: 3, EndLine: 9},
		Attachments: []protocol.Attachment{{Name: "helper.go", Content: "package x"}},
	}
	p := worker.BuildPrompt(ev)

	for _, want := range []string{
		"rename the receiver",
		"refactor",
		"b.go",
		"function Load (lines 3-9)",
		"helper.go",
		"package x",
	} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q:\n%s", want, p)
		}
	}

	// File-kind scope carries no useful range; it is omitted.
	ev.Scope = &protocol.Scope{Kind: protocol.ScopeFile}
	if strings.Contains(worker.BuildPrompt(ev), "Scope:") {
		t.Error("file-kind scope must be omitted from the prompt")
	}
}
