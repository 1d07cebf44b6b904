// Package registry implements the handler registry of spec.md §4.7: a
// method -> HandlerRecord table enforcing one handler per method, with
// optional registration-options and capability hooks for LSP dynamic
// registration. Payload decoding is captured as a closure at
// registration time (via the generic Request/Notification helpers)
// rather than discovered by reflection, per the redesign note in
// spec.md §9.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/haldis/wireconn/schedule"
)

// ErrAlreadyRegistered is returned by Register when method already has a
// handler.
var ErrAlreadyRegistered = errors.New("registry: method already registered")

// ErrDecodeParams wraps a payload decode failure; the router replies
// InvalidParams/InvalidArguments for it (spec.md §4.5).
var ErrDecodeParams = errors.New("registry: invalid params")

// RequestInvoker decodes raw request params, invokes the handler, and
// re-encodes the result (or returns an error) as raw JSON.
type RequestInvoker func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error)

// NotificationInvoker decodes raw notification params and invokes the
// handler; it has no reply.
type NotificationInvoker func(ctx context.Context, raw json.RawMessage) error

// CapabilitySetter receives the peer's capability record for this method
// each time Registry.WithCapabilities is called with an entry for it
// (spec.md §4.7/§9). The lspwire handshake does not call WithCapabilities.
type CapabilitySetter func(raw json.RawMessage)

// RegistrationOptionsFunc builds the document-selector-bearing
// registration-options payload an LSP server sends via
// client/registerCapability for a handler that opts in to dynamic
// registration.
type RegistrationOptionsFunc func() any

// HandlerRecord is what the registry stores for a method: one of
// RequestFn/NotifyFn is set depending on whether the method expects a
// reply.
type HandlerRecord struct {
	Method      string
	ProcessType schedule.ProcessType

	RequestFn RequestInvoker
	NotifyFn  NotificationInvoker

	RegistrationOptions RegistrationOptionsFunc
	SetCapability       CapabilitySetter

	// RegistrationID is a fresh GUID assigned the moment a handler with
	// RegistrationOptions is registered, used as the id field of the
	// client/registerCapability payload (spec.md §4.7).
	RegistrationID string
}

// Option customises a HandlerRecord at registration time.
type Option func(*HandlerRecord)

// Serial marks the handler as spec.md §4.4 Serial (mutually exclusive
// with all prior in-flight work). Notifications default to Serial,
// requests default to Parallel; see WithProcessType to override either.
func Serial() Option { return WithProcessType(schedule.Serial) }

// Parallel marks the handler as spec.md §4.4 Parallel.
func Parallel() Option { return WithProcessType(schedule.Parallel) }

// WithProcessType sets the scheduling class explicitly.
func WithProcessType(t schedule.ProcessType) Option {
	return func(h *HandlerRecord) { h.ProcessType = t }
}

// WithRegistrationOptions attaches a dynamic-registration options
// provider, and causes a fresh GUID to be minted for the handler.
func WithRegistrationOptions(fn RegistrationOptionsFunc) Option {
	return func(h *HandlerRecord) {
		h.RegistrationOptions = fn
		h.RegistrationID = uuid.NewString()
	}
}

// WithCapabilitySetter attaches a capability-setter closure.
func WithCapabilitySetter(fn CapabilitySetter) Option {
	return func(h *HandlerRecord) { h.SetCapability = fn }
}

// Registry maps method names to HandlerRecords. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]*HandlerRecord
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]*HandlerRecord)}
}

// Register enforces one handler per method (spec.md §4.7): a second
// registration for the same method fails.
func (r *Registry) Register(method string, rec *HandlerRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[method]; exists {
		return fmt.Errorf("%w: %q", ErrAlreadyRegistered, method)
	}

	rec.Method = method
	r.handlers[method] = rec

	return nil
}

// Lookup returns the HandlerRecord for method, or nil if none is
// registered.
func (r *Registry) Lookup(method string) *HandlerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[method]
}

// Release removes the handler for method, implementing the handle
// returned by Connection.RegisterHandler.
func (r *Registry) Release(method string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, method)
}

// RegisterRecord registers a pre-built HandlerRecord and returns the
// Handle that releases it. Used by conn.Connection.RegisterHandler, which
// builds records through the generic request/notification wrappers
// without holding a *Registry directly (spec.md §9's Peer interface
// breaks the Connection/Dispatcher/HandlerRecord reference cycle).
func (r *Registry) RegisterRecord(method string, rec *HandlerRecord) (*Handle, error) {
	if err := r.Register(method, rec); err != nil {
		return nil, err
	}
	return &Handle{registry: r, method: method}, nil
}

// Handle is returned by a successful registration; releasing it removes
// the handler.
type Handle struct {
	registry *Registry
	method   string
}

// Release removes the associated handler. Idempotent.
func (h *Handle) Release() {
	if h == nil || h.registry == nil {
		return
	}
	h.registry.Release(h.method)
}

// WithCapabilities calls every registered handler's SetCapability with
// the matching entry of caps, keyed by method (spec.md §4.7/§4.8). It
// runs only when a caller invokes it; the lspwire handshake does not.
// Unknown or absent capabilities are skipped.
func (r *Registry) WithCapabilities(caps map[string]json.RawMessage) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for method, raw := range caps {
		if h, ok := r.handlers[method]; ok && h.SetCapability != nil {
			h.SetCapability(raw)
		}
	}
}

// Registration is the {method, id, registerOptions} entry of one
// registered handler that opted in to dynamic registration, as returned
// by DynamicRegistrations for a server to send as
// client/registerCapability.
type Registration struct {
	Method  string
	ID      string
	Options any
}

// DynamicRegistrations returns one Registration per handler carrying
// RegistrationOptions.
func (r *Registry) DynamicRegistrations() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Registration
	for method, h := range r.handlers {
		if h.RegistrationOptions == nil {
			continue
		}
		out = append(out, Registration{
			Method:  method,
			ID:      h.RegistrationID,
			Options: h.RegistrationOptions(),
		})
	}
	return out
}
