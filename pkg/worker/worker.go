// Package worker wraps a single asynchronous generation call. A Worker
// exists for exactly one attempt: it races the backend's response
// against a wall-clock timeout, scores successful output, and reports
// one uniform result envelope — exactly once, no matter how the race
// resolves.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"loom/pkg/confidence"
	"loom/pkg/protocol"
)

// Generator is the external LLM capability. Implementations must honor
// context cancellation; the Worker tracks its own timer regardless.
type Generator interface {
	Generate(ctx context.Context, prompt string) (protocol.GenResult, error)
}

// Status is a Worker's lifecycle state.
type Status string

// Worker status constants. A Worker is destroyed on any terminal
// transition; it never runs a second attempt.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Default per-backend timeout budgets. The local backend is expected
// to answer fast; the remote one gets room for network and queueing.
const (
	DefaultLocalTimeout  = 30 * time.Second
	DefaultRemoteTimeout = 120 * time.Second
)

// TimeoutFor returns the default budget for a backend role.
func TimeoutFor(role protocol.BackendRole) time.Duration {
	if role == protocol.BackendRemote {
		return DefaultRemoteTimeout
	}
	return DefaultLocalTimeout
}

// Result is the uniform envelope a Worker reports.
type Result struct {
	WorkerID     string
	Event        protocol.Event
	Backend      protocol.BackendRole
	Status       Status
	Text         string
	NeedsContext bool
	Err          error
	Confidence   float64
	Breakdown    confidence.Breakdown
	Duration     time.Duration
	Usage        any
}

// Failed reports whether the attempt produced no usable output.
func (r Result) Failed() bool {
	return r.Status == StatusFailed || r.Status == StatusTimeout
}

// Worker drives one generation attempt.
type Worker struct {
	ID      string
	event   protocol.Event
	backend protocol.BackendRole
	gen     Generator
	timeout time.Duration
	done    func(Result)

	mu        sync.Mutex
	status    Status
	startedAt time.Time
	timer     *time.Timer
	cancel    context.CancelFunc

	nowFunc func() time.Time
}

// New creates a Worker for one (event, backend) attempt. done is
// invoked exactly once with the result.
func New(event protocol.Event, backend protocol.BackendRole, gen Generator, timeout time.Duration, done func(Result)) *Worker {
	if timeout <= 0 {
		timeout = TimeoutFor(backend)
	}
	return &Worker{
		ID:      uuid.NewString(),
		event:   event,
		backend: backend,
		gen:     gen,
		timeout: timeout,
		done:    done,
		status:  StatusPending,
		nowFunc: time.Now,
	}
}

// SetNowFunc overrides the clock (for testing).
func (w *Worker) SetNowFunc(f func() time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nowFunc = f
}

// Status returns the worker's current state.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Event returns the event this worker is serving.
func (w *Worker) Event() protocol.Event { return w.event }

// Backend returns the backend role this attempt runs on.
func (w *Worker) Backend() protocol.BackendRole { return w.backend }

// Start records the start time, arms the timeout, and issues the
// generation call. The call runs in its own goroutine; completion is
// delivered through the done callback.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.status != StatusPending {
		w.mu.Unlock()
		return
	}
	w.status = StatusRunning
	w.startedAt = w.nowFunc()

	cctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	// The timer races the callback. Whichever finishes first wins the
	// idempotent guard in finish; the loser's result is discarded.
	w.timer = time.AfterFunc(w.timeout, w.onTimeout)
	w.mu.Unlock()

	go w.run(cctx)
}

func (w *Worker) run(ctx context.Context) {
	prompt := BuildPrompt(w.event)
	res, err := w.gen.Generate(ctx, prompt)
	if err != nil {
		w.finish(Result{Status: StatusFailed, Err: err})
		return
	}
	if res.NeedsContext {
		w.finish(Result{Status: StatusCompleted, NeedsContext: true, Usage: res.Usage})
		return
	}
	score, breakdown := confidence.Score(res.Text, w.event.Instruction)
	w.finish(Result{
		Status:     StatusCompleted,
		Text:       res.Text,
		Confidence: score,
		Breakdown:  breakdown,
		Usage:      res.Usage,
	})
}

// onTimeout fires when the budget elapses before the callback. It
// synthesizes a failure with confidence 0 and abandons the in-flight
// call; a late genuine callback is ignored by the finish guard.
func (w *Worker) onTimeout() {
	w.finish(Result{
		Status: StatusTimeout,
		Err:    &protocol.BackendError{Backend: w.backend, Retryable: true, Msg: "generation timed out"},
	})
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Cancel stops a running worker without emitting a result. The
// in-transit call is told to stop, but a server-side abort is not
// guaranteed — if a response still arrives, the finish guard discards
// it.
func (w *Worker) Cancel() {
	w.mu.Lock()
	if w.status != StatusRunning && w.status != StatusPending {
		w.mu.Unlock()
		return
	}
	w.status = StatusCancelled
	if w.timer != nil {
		w.timer.Stop()
	}
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// finish applies the idempotent completion guard: only a worker still
// in the running state may emit, and it emits exactly once.
func (w *Worker) finish(r Result) {
	w.mu.Lock()
	if w.status != StatusRunning {
		w.mu.Unlock()
		return
	}
	w.status = r.Status
	if w.timer != nil {
		w.timer.Stop()
	}
	duration := w.nowFunc().Sub(w.startedAt)
	w.mu.Unlock()

	r.WorkerID = w.ID
	r.Event = w.event
	r.Backend = w.backend
	r.Duration = duration
	if w.done != nil {
		w.done(r)
	}
}
