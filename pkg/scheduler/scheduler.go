// Package scheduler drives events from the queue through workers to
// patch candidates. It enforces the concurrency cap, applies the
// cheap-first escalation policy, and owns the background maintenance
// loop (poll dispatch, deferred patch flushing, probabilistic garbage
// collection).
package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"loom/pkg/patch"
	"loom/pkg/protocol"
	"loom/pkg/queue"
	"loom/pkg/worker"
)

// State is the scheduler's run state.
type State string

// Scheduler states. Paused keeps in-flight workers running but
// dispatches nothing new.
const (
	StateStopped State = "stopped"
	StateRunning State = "running"
	StatePaused  State = "paused"
)

// Default tuning.
const (
	DefaultMaxConcurrent       = 2
	DefaultPollInterval        = 500 * time.Millisecond
	DefaultEscalationThreshold = 0.7
	DefaultRetention           = 5 * time.Minute
	DefaultGCProbability       = 0.02
)

// Config tunes the scheduler. Zero values take defaults.
type Config struct {
	MaxConcurrent       int
	PollInterval        time.Duration
	EscalationThreshold float64
	Retention           time.Duration
	GCProbability       float64
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.EscalationThreshold <= 0 {
		c.EscalationThreshold = DefaultEscalationThreshold
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.GCProbability <= 0 {
		c.GCProbability = DefaultGCProbability
	}
	return c
}

// Status is a point-in-time view for status surfaces.
type Status struct {
	State         State       `json:"state"`
	ActiveWorkers int         `json:"active_workers"`
	MaxConcurrent int         `json:"max_concurrent"`
	Queue         queue.Stats `json:"queue"`
	Patches       patch.Stats `json:"patches"`
}

// Scheduler coordinates queue, workers, and patch manager.
type Scheduler struct {
	queue   *queue.Queue
	patches *patch.Manager

	mu       sync.Mutex
	cfg      Config
	state    State
	backends map[protocol.BackendRole]worker.Generator
	workers  map[string]*worker.Worker // by event ID
	ctx      context.Context
	cancel   context.CancelFunc

	wakeCh chan struct{}
	wg     sync.WaitGroup

	// randFunc feeds the probabilistic GC; overridable in tests.
	randFunc func() float64
}

// New creates a stopped Scheduler. patches may be nil; completed
// events then produce no candidates (useful for dry runs).
func New(q *queue.Queue, pm *patch.Manager, cfg Config) *Scheduler {
	return &Scheduler{
		queue:    q,
		patches:  pm,
		cfg:      cfg.withDefaults(),
		state:    StateStopped,
		backends: make(map[protocol.BackendRole]worker.Generator),
		workers:  make(map[string]*worker.Worker),
		wakeCh:   make(chan struct{}, 1),
		randFunc: rand.Float64,
	}
}

// SetRandFunc overrides the GC dice roll (for testing).
func (s *Scheduler) SetRandFunc(f func() float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.randFunc = f
}

// RegisterBackend wires a generator for a backend role. Registering
// nil removes the role.
func (s *Scheduler) RegisterBackend(role protocol.BackendRole, gen worker.Generator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen == nil {
		delete(s.backends, role)
		return
	}
	s.backends[role] = gen
}

// SetMaxConcurrent adjusts the worker cap at runtime. In-flight
// workers above a lowered cap finish normally; only new dispatch is
// limited.
func (s *Scheduler) SetMaxConcurrent(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > 0 {
		s.cfg.MaxConcurrent = n
	}
}

// SetEscalationThreshold adjusts the confidence bar at runtime.
func (s *Scheduler) SetEscalationThreshold(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v > 0 && v <= 1 {
		s.cfg.EscalationThreshold = v
	}
}

// SetPollInterval adjusts the maintenance tick at runtime. The loop
// picks up the new interval on its next iteration.
func (s *Scheduler) SetPollInterval(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.cfg.PollInterval = d
	}
}

func (s *Scheduler) pollInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.PollInterval
}

// Start launches the maintenance loop. Calling Start on a running
// scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return
	}
	s.state = StateRunning
	s.ctx, s.cancel = context.WithCancel(ctx)
	interval := s.cfg.PollInterval
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(interval)
	s.Wake()
}

// Stop halts dispatch, cancels in-flight workers, and waits for the
// maintenance loop to exit. Queued events survive; a later Start picks
// them up.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.state = StateStopped
	cancel := s.cancel
	active := make([]*worker.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		active = append(active, w)
	}
	s.workers = make(map[string]*worker.Worker)
	s.mu.Unlock()

	for _, w := range active {
		w.Cancel()
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// Pause stops new dispatch; in-flight workers run to completion.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		s.state = StatePaused
	}
}

// Resume restarts dispatch after a Pause.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	if s.state == StatePaused {
		s.state = StateRunning
	}
	s.mu.Unlock()
	s.Wake()
}

// Wake nudges the maintenance loop to dispatch immediately instead of
// waiting for the next poll tick. Non-blocking; coalesces.
func (s *Scheduler) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Submit enqueues an event and wakes the dispatcher. Returns the
// stored event with defaults applied.
func (s *Scheduler) Submit(ev protocol.Event) protocol.Event {
	stored := s.queue.Enqueue(ev)
	s.Wake()
	return stored
}

// CloseBuffer cancels all work bound to a closed document: queued
// events, in-flight workers, and pending patches. Returns the number
// of events and patches cancelled.
func (s *Scheduler) CloseBuffer(doc string) (events, patches int) {
	s.mu.Lock()
	var toCancel []*worker.Worker
	for id, w := range s.workers {
		ev := w.Event()
		if ev.Doc == doc || ev.Target() == doc {
			toCancel = append(toCancel, w)
			delete(s.workers, id)
		}
	}
	s.mu.Unlock()

	for _, w := range toCancel {
		w.Cancel()
		s.queue.Cancel(w.Event().ID, "buffer closed")
	}
	events = len(toCancel) + s.queue.CancelForBuffer(doc)
	if s.patches != nil {
		patches = s.patches.CancelForBuffer(doc)
	}
	s.Wake()
	return events, patches
}

// SchedStatus reports the current run state and store statistics.
func (s *Scheduler) SchedStatus() Status {
	s.mu.Lock()
	st := Status{
		State:         s.state,
		ActiveWorkers: len(s.workers),
		MaxConcurrent: s.cfg.MaxConcurrent,
	}
	s.mu.Unlock()

	st.Queue = s.queue.QueueStats()
	if s.patches != nil {
		st.Patches = s.patches.PatchStats()
	}
	return st
}

// run is the maintenance loop: dispatch on wake or tick, flush
// deferred patches, and occasionally garbage-collect terminal state.
func (s *Scheduler) run(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wakeCh:
		case <-ticker.C:
			s.maybeGC()
		}
		s.dispatch(ctx)
		if s.patches != nil {
			s.patches.Flush(false)
		}
		if d := s.pollInterval(); d != interval {
			interval = d
			ticker.Reset(d)
		}
	}
}

// dispatch drains the queue into workers until the cap is hit or the
// queue is empty.
func (s *Scheduler) dispatch(ctx context.Context) {
	for s.dispatchOne(ctx) {
	}
}

// dispatchOne moves at most one event into a worker. It returns true
// when the loop should try again immediately (an event was dispatched
// or discarded), false when there is nothing more to do.
func (s *Scheduler) dispatchOne(ctx context.Context) bool {
	s.mu.Lock()
	if s.state != StateRunning || len(s.workers) >= s.cfg.MaxConcurrent {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	// Queue calls run outside s.mu: they notify queue listeners
	// synchronously, and a listener may call back into the scheduler.
	// Only this loop adds workers, so the cap check above holds.
	ev, ok := s.queue.Dequeue()
	if !ok {
		return false
	}

	// First tag wins: a younger event conflicting with an older live
	// one is cancelled, never raced.
	if skip, reason := s.queue.CheckPrecedence(ev); skip {
		s.queue.Cancel(ev.ID, reason)
		return true
	}

	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		s.queue.Requeue(ev.ID)
		return false
	}
	role := s.pickBackendLocked(ev)
	gen := s.backends[role]
	if gen == nil {
		s.mu.Unlock()
		s.queue.Fail(ev.ID, "no backend registered for role "+string(role))
		return true
	}

	w := worker.New(ev, role, gen, 0, s.handleResult)
	s.workers[ev.ID] = w
	s.mu.Unlock()

	w.Start(ctx)
	return true
}

// pickBackendLocked chooses the role for an attempt: an escalation pin
// on the event wins, otherwise the cheap local backend when one is
// registered. Caller holds s.mu.
func (s *Scheduler) pickBackendLocked(ev protocol.Event) protocol.BackendRole {
	if ev.Backend != "" {
		return ev.Backend
	}
	if _, ok := s.backends[protocol.BackendLocal]; ok {
		return protocol.BackendLocal
	}
	return protocol.BackendRemote
}

// handleResult is the single completion path for all workers. It
// applies the escalation policy, turns accepted output into a patch
// candidate, and backfills freed capacity.
func (s *Scheduler) handleResult(r worker.Result) {
	s.mu.Lock()
	delete(s.workers, r.Event.ID)
	threshold := s.cfg.EscalationThreshold
	_, hasRemote := s.backends[protocol.BackendRemote]
	s.mu.Unlock()

	ev := r.Event
	switch {
	case r.NeedsContext:
		s.queue.NeedsContext(ev.ID, "backend requested more context")

	case r.Failed():
		if s.canEscalate(r, hasRemote) {
			s.queue.Escalate(ev.ID, protocol.BackendRemote)
		} else {
			msg := "generation failed"
			if r.Err != nil {
				msg = r.Err.Error()
			}
			s.queue.Fail(ev.ID, msg)
		}

	case r.Confidence < threshold && s.canEscalate(r, hasRemote):
		s.queue.Escalate(ev.ID, protocol.BackendRemote)

	default:
		// Accepted. Low confidence with no higher tier available is
		// still accepted: a mediocre candidate the user can discard
		// beats silently dropping the work.
		if s.patches != nil {
			if _, err := s.patches.CreateFromEvent(ev, r.Text, r.Confidence, ""); err != nil {
				s.queue.Fail(ev.ID, err.Error())
				s.Wake()
				return
			}
		}
		s.queue.Complete(ev.ID)
	}
	s.Wake()
}

// canEscalate reports whether an unsatisfying local attempt may be
// retried on the remote backend. The attempt ceiling counts the
// attempt that just ran.
func (s *Scheduler) canEscalate(r worker.Result, hasRemote bool) bool {
	return hasRemote &&
		r.Backend == protocol.BackendLocal &&
		r.Event.Attempts+1 < protocol.MaxAttempts
}

// maybeGC evicts old terminal events and patches on a small fraction
// of poll ticks, so cleanup cost never clusters.
func (s *Scheduler) maybeGC() {
	s.mu.Lock()
	p := s.cfg.GCProbability
	retention := s.cfg.Retention
	roll := s.randFunc()
	s.mu.Unlock()

	if roll >= p {
		return
	}
	s.queue.Cleanup(retention)
	if s.patches != nil {
		s.patches.Cleanup(retention)
	}
}
