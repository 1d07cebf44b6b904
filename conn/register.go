package conn

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haldis/wireconn/registry"
	"github.com/haldis/wireconn/schedule"
)

// RegisterRequest registers a typed request handler on peer. It mirrors
// registry.RegisterRequest, but goes through the Peer interface so the
// call site never needs a concrete *registry.Registry (or *Connection),
// matching the Peer-handle pattern of spec.md §9.
func RegisterRequest[P, R any](peer Peer, method string, fn func(ctx context.Context, params P) (R, error), opts ...registry.Option) (*registry.Handle, error) {
	rec := &registry.HandlerRecord{
		ProcessType: schedule.Parallel,
		RequestFn: func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
			var p P
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &p); err != nil {
					return nil, fmt.Errorf("%w: %v", registry.ErrDecodeParams, err)
				}
			}

			result, err := fn(ctx, p)
			if err != nil {
				return nil, err
			}

			out, err := json.Marshal(result)
			if err != nil {
				return nil, fmt.Errorf("conn: encode result: %w", err)
			}

			return out, nil
		},
	}

	for _, opt := range opts {
		opt(rec)
	}

	return peer.RegisterHandler(method, rec)
}

// RegisterNotification registers a typed notification/event handler on
// peer. See RegisterRequest.
func RegisterNotification[P any](peer Peer, method string, fn func(ctx context.Context, params P) error, opts ...registry.Option) (*registry.Handle, error) {
	rec := &registry.HandlerRecord{
		ProcessType: schedule.Serial,
		NotifyFn: func(ctx context.Context, raw json.RawMessage) error {
			var p P
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &p); err != nil {
					return fmt.Errorf("%w: %v", registry.ErrDecodeParams, err)
				}
			}
			return fn(ctx, p)
		},
	}

	for _, opt := range opts {
		opt(rec)
	}

	return peer.RegisterHandler(method, rec)
}
