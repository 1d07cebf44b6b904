// Package router implements the request router/dispatcher of spec.md
// §4.5: it looks up the HandlerRecord for an inbound method, decodes the
// payload, invokes the handler with a cancellation handle, and turns the
// result (or error) into a Response.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/haldis/wireconn/message"
	"github.com/haldis/wireconn/registry"
)

// CancelMethod names the sentinel notification/request that trips an
// inbound execution's cancellation source: "$/cancelRequest" for LSP,
// "cancel" for DAP.
type CancelMethod string

const (
	CancelMethodLSP CancelMethod = "$/cancelRequest"
	CancelMethodDAP CancelMethod = "cancel"
)

// Executions tracks in-flight inbound request cancellation sources,
// keyed by the peer's request id (spec.md's InboundExecution). Safe for
// concurrent use.
type Executions struct {
	mu   sync.Mutex
	byID map[string]context.CancelFunc
}

func newExecutions() *Executions {
	return &Executions{byID: make(map[string]context.CancelFunc)}
}

func (e *Executions) start(id string, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byID[id] = cancel
}

func (e *Executions) finish(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.byID, id)
}

// Cancel trips the cancellation source for id, if one is currently
// running. Returns true if a running execution was found.
func (e *Executions) Cancel(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	cancel, ok := e.byID[id]
	if ok {
		cancel()
	}
	return ok
}

// Router ties a Registry to reply and logging plumbing. It is
// protocol-agnostic; DAPLegacyErrorCode controls whether DAP handler
// failures reply with 500 or -32603 (spec.md §9 open question).
type Router struct {
	registry         *registry.Registry
	logger           *zap.Logger
	executions       *Executions
	dapLegacyErrCode bool
}

// Option configures a Router.
type Option func(*Router)

// WithLogger attaches a logger handle.
func WithLogger(l *zap.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithDAPLegacyErrorCode toggles the 500-vs-(-32603) DAP handler-error
// code (spec.md §9 open question, resolved as a flag).
func WithDAPLegacyErrorCode(enabled bool) Option {
	return func(r *Router) { r.dapLegacyErrCode = enabled }
}

// New builds a Router over reg.
func New(reg *registry.Registry, opts ...Option) *Router {
	r := &Router{registry: reg, logger: zap.NewNop(), executions: newExecutions()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Executions exposes the router's inbound-execution tracker. The router
// itself trips it when DispatchRequest or DispatchNotification sees the
// cancel sentinel.
func (r *Router) Executions() *Executions { return r.executions }

// DispatchRequest handles a single inbound Request and returns the
// resulting Response. rootCtx is the connection's
// root cancellation context; the per-request context is derived from it
// so a Disconnect tears down every in-flight handler.
func (r *Router) DispatchRequest(rootCtx context.Context, protocol message.Protocol, req *message.Request) message.Response {
	if isCancelSentinel(protocol, req.Method) {
		// DAP models cancel as a request (unlike LSP's $/cancelRequest
		// notification), so it must still be acknowledged with a Response.
		r.handleCancelSentinel(req.Params)
		return message.Response{ID: req.ID, Result: json.RawMessage("{}")}
	}

	idKey := string(req.ID)

	rec := r.registry.Lookup(req.Method)
	if rec == nil || rec.RequestFn == nil {
		r.logger.Debug("router: method not found", zap.String("method", req.Method))
		return errorResponse(req.ID, message.MethodNotFound, notFoundMessage(protocol), nil)
	}

	ctx, cancel := context.WithCancel(rootCtx)
	r.executions.start(idKey, cancel)
	defer func() {
		cancel()
		r.executions.finish(idKey)
	}()

	result, err := rec.RequestFn(ctx, req.Params)
	if err != nil {
		if errors.Is(err, registry.ErrDecodeParams) {
			return errorResponse(req.ID, message.InvalidParams, "invalid params", errData(err))
		}
		if errors.Is(err, context.Canceled) {
			return errorResponse(req.ID, message.RequestCancelled, "request cancelled", nil)
		}

		r.logger.Warn("router: handler error", zap.String("method", req.Method), zap.Error(err))
		code := message.InternalError
		if protocol == message.DAP {
			code = message.DAPErrorCode(r.dapLegacyErrCode)
		}
		return errorResponse(req.ID, code, "internal error", errData(err))
	}

	return message.Response{ID: req.ID, Result: result}
}

// DispatchNotification handles a single inbound Notification/Event. If
// method is the protocol's cancel sentinel, it trips the matching
// inbound execution instead of looking up a registered handler.
func (r *Router) DispatchNotification(rootCtx context.Context, protocol message.Protocol, notif *message.Notification) {
	if isCancelSentinel(protocol, notif.Method) {
		r.handleCancelSentinel(notif.Params)
		return
	}

	rec := r.registry.Lookup(notif.Method)
	if rec == nil || rec.NotifyFn == nil {
		r.logger.Debug("router: unknown notification", zap.String("method", notif.Method))
		return
	}

	if err := rec.NotifyFn(rootCtx, notif.Params); err != nil {
		r.logger.Warn("router: notification handler error", zap.String("method", notif.Method), zap.Error(err))
	}
}

func isCancelSentinel(p message.Protocol, method string) bool {
	if p == message.LSP {
		return method == string(CancelMethodLSP)
	}
	return method == string(CancelMethodDAP)
}

type cancelParams struct {
	ID json.RawMessage `json:"id"`
}

type cancelArguments struct {
	RequestID json.RawMessage `json:"requestId"`
}

func (r *Router) handleCancelSentinel(raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}

	var cp cancelParams
	if err := json.Unmarshal(raw, &cp); err == nil && len(cp.ID) > 0 {
		r.executions.Cancel(string(cp.ID))
		return
	}

	var ca cancelArguments
	if err := json.Unmarshal(raw, &ca); err == nil && len(ca.RequestID) > 0 {
		r.executions.Cancel(string(ca.RequestID))
	}
}

// notFoundMessage distinguishes wording only: both protocols use the
// JSON-RPC MethodNotFound numeric code (spec.md §6), DAP just calls the
// concept CommandNotFound in prose.
func notFoundMessage(p message.Protocol) string {
	if p == message.LSP {
		return "method not found"
	}
	return "command not found"
}

func errData(err error) json.RawMessage {
	b, mErr := json.Marshal(err.Error())
	if mErr != nil {
		return nil
	}
	return b
}

func errorResponse(id json.RawMessage, code int, msg string, data json.RawMessage) message.Response {
	return message.Response{
		ID:  id,
		Err: &message.Error{Code: code, Message: msg, Data: data},
	}
}
