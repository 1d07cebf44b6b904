// Package correlate implements the per-outgoing-request correlation table
// of spec.md §4.3: an id -> PendingRequest map with a completion slot
// settled at most once, plus a Cancel hook that settles the request and
// hands its method back so the caller can send a best-effort cancel
// message to the peer.
package correlate

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/haldis/wireconn/message"
)

// ErrCancelled distinguishes a caller- or peer-initiated cancellation
// from a server-side error in the settled Result (spec.md §7).
var ErrCancelled = errors.New("correlate: request cancelled")

// ErrClosed is the error every still-pending request is settled with on
// disconnect.
var ErrClosed = errors.New("correlate: connection closed")

// Result is what a PendingRequest settles to: either a raw JSON result or
// an error (protocol error, cancellation, or transport shutdown).
type Result struct {
	Value json.RawMessage
	Err   error
}

// PendingRequest is a single outstanding outgoing request awaiting the
// peer's matching Response. Settling is idempotent: only the first
// settle call has an effect, matching the "completion slot settable at
// most once" invariant.
type PendingRequest struct {
	ID     uint64
	Method string

	done    chan Result
	settled chan struct{}
	once    sync.Once
}

// Done returns the channel that receives the single Result when this
// request settles.
func (p *PendingRequest) Done() <-chan Result {
	return p.done
}

// Settled returns a channel that is closed once this request settles,
// independent of Done: unlike Done, Settled can be observed by more than
// one goroutine (e.g. a cancellation watcher racing the real caller)
// without either side consuming the other's single buffered Result.
func (p *PendingRequest) Settled() <-chan struct{} {
	return p.settled
}

func (p *PendingRequest) settle(r Result) {
	p.once.Do(func() {
		p.done <- r
		close(p.done)
		close(p.settled)
	})
}

// Table is the correlation table itself: outgoing request id -> pending
// completion slot. Safe for concurrent use; ids are allocated atomically
// and are unique among currently in-flight outgoing requests by
// construction (monotonic counter, never reused while pending).
type Table struct {
	seq atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]*PendingRequest
}

// New returns an empty correlation table.
func New() *Table {
	return &Table{pending: make(map[uint64]*PendingRequest)}
}

// NextID allocates the next monotonic request id, starting at 1.
func (t *Table) NextID() uint64 {
	return t.seq.Add(1)
}

// Register enters a new PendingRequest for id into the table. Panics if
// id is already registered, which would indicate an id-allocation bug
// upstream (ids are supposed to be unique by construction).
func (t *Table) Register(id uint64, method string) *PendingRequest {
	p := &PendingRequest{ID: id, Method: method, done: make(chan Result, 1), settled: make(chan struct{})}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.pending[id]; exists {
		panic("correlate: duplicate pending request id")
	}
	t.pending[id] = p

	return p
}

// Complete settles the PendingRequest for id with resp, and removes it
// from the table. Returns false if no PendingRequest is registered for
// id (an inbound Response with an unknown id, per spec.md §4.3: logged
// and dropped by the caller).
func (t *Table) Complete(id uint64, resp *message.Response) bool {
	t.mu.Lock()
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}

	if resp.Err != nil {
		p.settle(Result{Err: resp.Err})
	} else {
		p.settle(Result{Value: resp.Result})
	}

	return true
}

// Cancel settles the PendingRequest for id with ErrCancelled and removes
// it, returning the pending request's method name so the caller can emit
// a best-effort cancel notification. ok is false if id was already
// settled or never registered.
func (t *Table) Cancel(id uint64) (method string, ok bool) {
	t.mu.Lock()
	p, exists := t.pending[id]
	if exists {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !exists {
		return "", false
	}

	p.settle(Result{Err: ErrCancelled})

	return p.Method, true
}

// DrainClosed settles every remaining PendingRequest with ErrClosed, for
// use during Connection shutdown (spec.md §4.6 Disconnect). Returns the
// number of requests settled this way.
func (t *Table) DrainClosed() int {
	t.mu.Lock()
	remaining := t.pending
	t.pending = make(map[uint64]*PendingRequest)
	t.mu.Unlock()

	for _, p := range remaining {
		p.settle(Result{Err: ErrClosed})
	}

	return len(remaining)
}

// Len reports the number of currently in-flight requests, for tests and
// diagnostics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
