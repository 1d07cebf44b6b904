package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haldis/wireconn/schedule"
)

// RegisterRequest registers a typed request handler: params are decoded
// as P before fn is called, and fn's result (or error) becomes the
// Response. Defaults to schedule.Parallel (pure queries); pass Serial()
// to override for handlers that mutate shared state.
func RegisterRequest[P, R any](reg *Registry, method string, fn func(ctx context.Context, params P) (R, error), opts ...Option) (*Handle, error) {
	rec := &HandlerRecord{
		ProcessType: schedule.Parallel,
		RequestFn: func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
			var p P
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &p); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrDecodeParams, err)
				}
			}

			result, err := fn(ctx, p)
			if err != nil {
				return nil, err
			}

			out, err := json.Marshal(result)
			if err != nil {
				return nil, fmt.Errorf("registry: encode result: %w", err)
			}

			return out, nil
		},
	}

	for _, opt := range opts {
		opt(rec)
	}

	if err := reg.Register(method, rec); err != nil {
		return nil, err
	}

	return &Handle{registry: reg, method: method}, nil
}

// RegisterNotification registers a typed notification/event handler.
// Defaults to schedule.Serial (document-state-changing by default, per
// spec.md §4.4's default policy); pass Parallel() for pure-query
// notifications.
func RegisterNotification[P any](reg *Registry, method string, fn func(ctx context.Context, params P) error, opts ...Option) (*Handle, error) {
	rec := &HandlerRecord{
		ProcessType: schedule.Serial,
		NotifyFn: func(ctx context.Context, raw json.RawMessage) error {
			var p P
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &p); err != nil {
					return fmt.Errorf("%w: %v", ErrDecodeParams, err)
				}
			}
			return fn(ctx, p)
		},
	}

	for _, opt := range opts {
		opt(rec)
	}

	if err := reg.Register(method, rec); err != nil {
		return nil, err
	}

	return &Handle{registry: reg, method: method}, nil
}
