package conn

import (
	"context"

	"github.com/haldis/wireconn/correlate"
	"github.com/haldis/wireconn/registry"
)

// Peer is the narrow interface a HandlerRecord closure sees, breaking the
// Connection→Dispatcher→HandlerRecord→Connection reference cycle noted in
// spec.md §9: a handler gets only sendNotification/sendRequest/
// registerHandler, never the full Connection.
type Peer interface {
	// SendRequest issues a new outgoing request for method, marshalling
	// params (nil is allowed) as its payload, and returns the
	// PendingRequest that settles when the peer replies. Cancelling ctx
	// settles the PendingRequest with correlate.ErrCancelled and emits a
	// best-effort cancel notification to the peer.
	SendRequest(ctx context.Context, method string, params any) (*correlate.PendingRequest, error)

	// SendNotification fires a fire-and-forget message at the peer.
	SendNotification(method string, params any) error

	// RegisterHandler installs a pre-built HandlerRecord and returns the
	// handle that removes it. Prefer the generic RegisterRequest/
	// RegisterNotification helpers in this package over calling this
	// directly.
	RegisterHandler(method string, rec *registry.HandlerRecord) (*registry.Handle, error)
}

type peerKeyType struct{}

var peerKey peerKeyType

// WithPeer returns a context carrying peer, retrievable by a handler via
// PeerFromContext.
func WithPeer(ctx context.Context, peer Peer) context.Context {
	return context.WithValue(ctx, peerKey, peer)
}

// PeerFromContext retrieves the Peer injected by the owning Connection
// into every handler invocation's context.
func PeerFromContext(ctx context.Context) (Peer, bool) {
	p, ok := ctx.Value(peerKey).(Peer)
	return p, ok
}
