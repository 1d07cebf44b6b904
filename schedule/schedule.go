// Package schedule implements the process scheduler of spec.md §4.4: a
// single worker that interleaves Parallel handler invocations with
// Serial ones, guaranteeing that for any two enqueued items A then B, if
// either is Serial then every side effect of A happens before any side
// effect of B.
package schedule

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ProcessType classifies how an inbound item may be scheduled relative
// to its neighbours.
type ProcessType uint8

const (
	// Serial waits for all currently in-flight Parallel work to finish,
	// then runs to completion before the next queued item starts.
	Serial ProcessType = iota
	// Parallel starts immediately and may overlap with other Parallel
	// items.
	Parallel
)

func (t ProcessType) String() string {
	if t == Serial {
		return "serial"
	}
	return "parallel"
}

// Item is one unit of scheduled work. Run receives a context derived
// from the Scheduler's shutdown context; Run should return promptly once
// that context is cancelled.
type Item struct {
	Type ProcessType
	Run  func(ctx context.Context)
}

// DefaultGrace is how long Shutdown waits for outstanding Parallel work
// to finish before abandoning it (spec.md §4.4 "grace period").
const DefaultGrace = 5 * time.Second

// Scheduler runs a single dedicated worker draining a blocking queue of
// Items, enforcing the Serial/Parallel ordering rule. The zero value is
// not usable; construct with New.
type Scheduler struct {
	logger *zap.Logger
	grace  time.Duration

	queue chan Item

	ctx    context.Context
	cancel context.CancelFunc

	workerDone chan struct{}
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithGrace overrides DefaultGrace.
func WithGrace(d time.Duration) Option {
	return func(s *Scheduler) { s.grace = d }
}

// WithLogger attaches a logger handle; nil (the default) uses zap.NewNop.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// New starts a Scheduler's worker goroutine, ready to accept Items via
// Enqueue. queueSize bounds the pending-item backlog.
func New(queueSize int, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		logger:     zap.NewNop(),
		grace:      DefaultGrace,
		queue:      make(chan Item, queueSize),
		ctx:        ctx,
		cancel:     cancel,
		workerDone: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.run()

	return s
}

// Enqueue adds item to the pending queue, blocking if the queue is full.
// Enqueue after Shutdown is a no-op; the item is dropped.
func (s *Scheduler) Enqueue(item Item) {
	select {
	case s.queue <- item:
	case <-s.ctx.Done():
		s.logger.Debug("schedule: dropped item after shutdown")
	}
}

// run is the dedicated worker: it takes items off the queue one at a
// time, reaping finished Parallel tasks opportunistically and blocking
// on all of them before running a Serial item.
func (s *Scheduler) run() {
	defer close(s.workerDone)

	var inFlight []chan struct{}

	for {
		inFlight = reap(inFlight)

		select {
		case <-s.ctx.Done():
			s.drain(inFlight)
			return
		case item, ok := <-s.queue:
			if !ok {
				s.drain(inFlight)
				return
			}

			switch item.Type {
			case Parallel:
				done := make(chan struct{})
				go func(run func(context.Context)) {
					defer close(done)
					run(s.ctx)
				}(item.Run)
				inFlight = append(inFlight, done)

			case Serial:
				for _, done := range inFlight {
					<-done
				}
				inFlight = inFlight[:0]
				item.Run(s.ctx)
			}
		}
	}
}

// reap removes already-finished done channels from inFlight without
// blocking.
func reap(inFlight []chan struct{}) []chan struct{} {
	live := inFlight[:0]
	for _, done := range inFlight {
		select {
		case <-done:
		default:
			live = append(live, done)
		}
	}
	return live
}

// drain waits up to the configured grace period for outstanding Parallel
// tasks to finish, then returns regardless, abandoning any still
// running.
func (s *Scheduler) drain(inFlight []chan struct{}) {
	deadline := time.NewTimer(s.grace)
	defer deadline.Stop()

	for _, done := range inFlight {
		select {
		case <-done:
		case <-deadline.C:
			s.logger.Warn("schedule: grace period elapsed, abandoning outstanding work")
			return
		}
	}
}

// Shutdown cancels the worker and blocks until it has drained (or
// abandoned, past the grace period) outstanding work.
func (s *Scheduler) Shutdown() {
	s.cancel()
	<-s.workerDone
}
