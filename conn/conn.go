package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/haldis/wireconn/correlate"
	"github.com/haldis/wireconn/frame"
	"github.com/haldis/wireconn/message"
	"github.com/haldis/wireconn/receive"
	"github.com/haldis/wireconn/registry"
	"github.com/haldis/wireconn/router"
	"github.com/haldis/wireconn/schedule"
)

// DefaultFlushTimeout bounds how long Disconnect(true) waits for the
// outgoing queue to drain before cancelling the root source regardless
// (spec.md §4.6).
const DefaultFlushTimeout = 5 * time.Second

const defaultQueueSize = 64

// ErrNotOpen is returned by SendRequest/SendNotification whenever the
// Connection is not in the Open state (before Connect or after
// Disconnect).
var ErrNotOpen = errors.New("conn: connection not open")

// ErrAlreadyConnected is returned by Connect on a non-New Connection.
var ErrAlreadyConnected = errors.New("conn: already connected")

// Connection drives a single LSP or DAP session over a byte-stream pair,
// implementing spec.md §4.6: it owns the send, receive and dispatch
// loops, the correlation table, the process scheduler and the handler
// registry, and exposes itself to handlers only through the narrow Peer
// interface.
type Connection struct {
	protocol message.Protocol
	logger   *zap.Logger

	reader *frame.Reader
	writer *frame.Writer
	closer io.Closer

	table     *correlate.Table
	scheduler *schedule.Scheduler
	registry  *registry.Registry
	router    *router.Router

	outgoing chan []byte
	incoming chan message.Envelope

	flushTimeout time.Duration

	mu    sync.Mutex
	state State

	rootCtx context.Context
	cancel  context.CancelFunc

	wg sync.WaitGroup

	dapSeq atomic.Uint64

	ready     chan struct{}
	readyOnce sync.Once

	disconnectOnce sync.Once

	routerOpts    []router.Option
	schedulerOpts []schedule.Option
}

// Option configures a Connection at construction time.
type Option func(*Connection)

// WithLogger attaches a logger handle; the default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Connection) { c.logger = l }
}

// WithFlushTimeout overrides DefaultFlushTimeout.
func WithFlushTimeout(d time.Duration) Option {
	return func(c *Connection) { c.flushTimeout = d }
}

// WithQueueSize overrides the default incoming/outgoing queue capacity.
func WithQueueSize(n int) Option {
	return func(c *Connection) {
		c.outgoing = make(chan []byte, n)
		c.incoming = make(chan message.Envelope, n)
	}
}

// WithCloser attaches the underlying stream's Closer, invoked once by
// Disconnect right after the root source is cancelled. A Connection that
// is disconnected before Connect does not call it.
func WithCloser(cl io.Closer) Option {
	return func(c *Connection) { c.closer = cl }
}

// WithDAPLegacyErrorCode forwards to router.WithDAPLegacyErrorCode,
// resolving spec.md §9's DAP 500-vs-(-32603) open question.
func WithDAPLegacyErrorCode(enabled bool) Option {
	return func(c *Connection) { c.routerOpts = append(c.routerOpts, router.WithDAPLegacyErrorCode(enabled)) }
}

// WithSchedulerGrace forwards to schedule.WithGrace.
func WithSchedulerGrace(d time.Duration) Option {
	return func(c *Connection) { c.schedulerOpts = append(c.schedulerOpts, schedule.WithGrace(d)) }
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New builds a Connection over r/w, constructing its own Registry,
// Router and Scheduler. Call Connect to start the three driver loops.
func New(protocol message.Protocol, r io.Reader, w io.Writer, opts ...Option) *Connection {
	c := &Connection{
		protocol:     protocol,
		logger:       zap.NewNop(),
		reader:       frame.NewReader(r),
		writer:       frame.NewWriter(w),
		closer:       nopCloser{},
		table:        correlate.New(),
		registry:     registry.New(),
		outgoing:     make(chan []byte, defaultQueueSize),
		incoming:     make(chan message.Envelope, defaultQueueSize),
		flushTimeout: DefaultFlushTimeout,
		state:        StateNew,
		ready:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.router = router.New(c.registry, append(c.routerOpts, router.WithLogger(c.logger))...)
	c.scheduler = schedule.New(defaultQueueSize, append(c.schedulerOpts, schedule.WithLogger(c.logger))...)

	ctx, cancel := context.WithCancel(context.Background())
	c.rootCtx = WithPeer(ctx, c)
	c.cancel = cancel

	return c
}

// Registry exposes the underlying Registry for direct use (e.g. by
// protocol-specific wiring that needs DynamicRegistrations or
// WithCapabilities), alongside the Peer-based registration helpers.
func (c *Connection) Registry() *registry.Registry { return c.registry }

// State reports the Connection's current lifecycle stage.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready returns a channel closed once the protocol-specific
// initialisation handshake has completed (spec.md §4.8). Core conn is
// protocol-agnostic; protocol wiring calls MarkReady after exchanging
// initialize/initialized.
func (c *Connection) Ready() <-chan struct{} { return c.ready }

// MarkReady closes the Ready channel. Idempotent.
func (c *Connection) MarkReady() {
	c.readyOnce.Do(func() { close(c.ready) })
}

// Connect starts the send, receive and dispatch loops, moving New→Open.
func (c *Connection) Connect() error {
	c.mu.Lock()
	if c.state != StateNew {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = StateOpen
	c.mu.Unlock()

	c.wg.Add(3)
	go c.sendLoop()
	go c.receiveLoop()
	go c.dispatchLoop()

	return nil
}

func (c *Connection) isDraining() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateDraining || c.state == StateClosed
}

func (c *Connection) sendLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.rootCtx.Done():
			return
		case payload, ok := <-c.outgoing:
			if !ok {
				return
			}
			if err := c.writer.Write(payload); err != nil {
				c.logger.Warn("conn: write error", zap.Error(err))
			}
		}
	}
}

func (c *Connection) receiveLoop() {
	defer c.wg.Done()

	for {
		raw, err := c.reader.Read()
		if err != nil {
			if errors.Is(err, frame.ErrFraming) {
				c.logger.Warn("conn: framing error", zap.Error(err))
				continue
			}
			if !errors.Is(err, frame.ErrStreamClosed) {
				c.logger.Warn("conn: transport read error", zap.Error(err))
			}
			c.onTransportClosed()
			return
		}

		for _, env := range c.classify(raw) {
			if !c.handleEnvelope(env) {
				return
			}
		}
	}
}

func (c *Connection) classify(raw []byte) []message.Envelope {
	if c.protocol == message.LSP {
		return receive.LSP(json.RawMessage(raw))
	}
	return []message.Envelope{receive.DAP(json.RawMessage(raw))}
}

// handleEnvelope processes one classified unit off the wire. It returns
// false if the receive loop should stop (root cancelled).
func (c *Connection) handleEnvelope(env message.Envelope) bool {
	switch env.Kind {
	case message.KindResponse:
		c.settleResponse(env.Resp)
		return true

	case message.KindInvalid:
		c.logger.Warn("conn: invalid message", zap.String("reason", env.Bad.Reason))
		return true

	case message.KindRequest, message.KindNotification:
		if c.isDraining() {
			c.logger.Debug("conn: dropping inbound item while draining")
			return true
		}
		select {
		case c.incoming <- env:
			return true
		case <-c.rootCtx.Done():
			return false
		}

	default:
		return true
	}
}

func (c *Connection) settleResponse(resp *message.Response) {
	id, err := rawToID(resp.ID)
	if err != nil {
		c.logger.Warn("conn: response with unparseable id", zap.Error(err))
		return
	}

	// E2E-4: a response for an id we never sent (or already settled) is
	// logged and dropped, not a fatal condition.
	if !c.table.Complete(id, resp) {
		c.logger.Debug("conn: response for unknown or already-settled id", zap.Uint64("id", id))
	}
}

func (c *Connection) onTransportClosed() {
	go c.Disconnect(false)
}

func (c *Connection) dispatchLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.rootCtx.Done():
			return
		case env, ok := <-c.incoming:
			if !ok {
				return
			}
			c.scheduleEnvelope(env)
		}
	}
}

func (c *Connection) scheduleEnvelope(env message.Envelope) {
	switch env.Kind {
	case message.KindRequest:
		req := env.Req
		pt := schedule.Parallel
		if rec := c.registry.Lookup(req.Method); rec != nil {
			pt = rec.ProcessType
		}
		c.scheduler.Enqueue(schedule.Item{Type: pt, Run: func(context.Context) {
			resp := c.router.DispatchRequest(c.rootCtx, env.Protocol, req)
			c.enqueueResponse(env.Protocol, req.Method, resp)
		}})

	case message.KindNotification:
		notif := env.Notif
		pt := c.notificationProcessType(notif.Method)
		c.scheduler.Enqueue(schedule.Item{Type: pt, Run: func(context.Context) {
			c.router.DispatchNotification(c.rootCtx, env.Protocol, notif)
		}})
	}
}

// notificationProcessType special-cases the cancel sentinel to always run
// Parallel: a Serial item waits for all in-flight Parallel work, which
// would deadlock against the very handler the cancel is meant to stop.
func (c *Connection) notificationProcessType(method string) schedule.ProcessType {
	if method == string(router.CancelMethodLSP) || method == string(router.CancelMethodDAP) {
		return schedule.Parallel
	}
	if rec := c.registry.Lookup(method); rec != nil {
		return rec.ProcessType
	}
	return schedule.Serial
}

func (c *Connection) enqueueResponse(protocol message.Protocol, method string, resp message.Response) {
	raw, err := c.encodeResponse(protocol, method, resp)
	if err != nil {
		c.logger.Warn("conn: encode response", zap.Error(err))
		return
	}
	c.sendRaw(raw)
}

func (c *Connection) sendRaw(payload []byte) {
	select {
	case c.outgoing <- payload:
	case <-c.rootCtx.Done():
	}
}

// SendNotification implements Peer.
func (c *Connection) SendNotification(method string, params any) error {
	if c.State() != StateOpen {
		return ErrNotOpen
	}

	raw, err := marshalParams(params)
	if err != nil {
		return err
	}

	payload, err := c.encodeNotification(c.protocol, method, raw)
	if err != nil {
		return err
	}

	c.sendRaw(payload)
	return nil
}

// SendRequest implements Peer. Cancelling ctx settles the returned
// PendingRequest with correlate.ErrCancelled and emits a best-effort
// cancel message to the peer (spec.md §5, E2E-3).
func (c *Connection) SendRequest(ctx context.Context, method string, params any) (*correlate.PendingRequest, error) {
	if c.State() != StateOpen {
		return nil, ErrNotOpen
	}

	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	// For DAP, the table key must equal the wire seq: the peer echoes our
	// seq back as request_seq, and that is the only handle we get to
	// settle the right PendingRequest. For LSP the table's own counter and
	// the wire id are the same thing by construction.
	var id uint64
	if c.protocol == message.DAP {
		id = c.nextDAPSeq()
	} else {
		id = c.table.NextID()
	}
	pending := c.table.Register(id, method)

	payload, err := c.encodeRequest(c.protocol, id, method, raw)
	if err != nil {
		c.table.Cancel(id)
		return nil, err
	}

	if ctx != nil && ctx.Done() != nil {
		go c.watchCancellation(ctx, id, pending)
	}

	c.sendRaw(payload)
	return pending, nil
}

func (c *Connection) watchCancellation(ctx context.Context, id uint64, pending *correlate.PendingRequest) {
	select {
	case <-ctx.Done():
		if _, ok := c.table.Cancel(id); ok {
			payload, err := c.cancelNotificationPayload(c.protocol, id)
			if err != nil {
				c.logger.Warn("conn: encode cancel notification", zap.Error(err))
				return
			}
			c.sendRaw(payload)
		}
	case <-pending.Settled():
	}
}

// RegisterHandler implements Peer.
func (c *Connection) RegisterHandler(method string, rec *registry.HandlerRecord) (*registry.Handle, error) {
	return c.registry.RegisterRecord(method, rec)
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("conn: encode params: %w", err)
	}
	return b, nil
}

// Disconnect moves Open→Draining→Closed: stops accepting new inbound
// work, optionally waits up to FlushTimeout for the outgoing queue to
// drain, then cancels the root source, joins the three loops and settles
// every remaining PendingRequest with correlate.ErrClosed (spec.md §4.6).
func (c *Connection) Disconnect(flush bool) {
	c.disconnectOnce.Do(func() {
		c.mu.Lock()
		if c.state == StateNew {
			c.state = StateClosed
			c.mu.Unlock()
			return
		}
		c.state = StateDraining
		c.mu.Unlock()

		if flush {
			c.awaitFlush()
		}

		c.cancel()

		// Closing the underlying stream unblocks any Read/Write the send or
		// receive loop is currently blocked in; neither loop can otherwise
		// observe root cancellation mid-syscall.
		if err := c.closer.Close(); err != nil {
			c.logger.Warn("conn: close underlying stream", zap.Error(err))
		}

		c.scheduler.Shutdown()
		c.wg.Wait()
		c.table.DrainClosed()

		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
	})
}

func (c *Connection) awaitFlush() {
	deadline := time.NewTimer(c.flushTimeout)
	defer deadline.Stop()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for len(c.outgoing) > 0 {
		select {
		case <-deadline.C:
			c.logger.Warn("conn: flush timeout elapsed, outgoing queue not empty")
			return
		case <-ticker.C:
		}
	}
}

// Dispose is Disconnect(false), provided for symmetry with spec.md's
// Dispose contract; both are idempotent via the same sync.Once.
func (c *Connection) Dispose() {
	c.Disconnect(false)
}
