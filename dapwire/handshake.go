// Package dapwire adapts conn.Connection to the Debug Adapter Protocol's
// initialize/initialized handshake (spec.md §4.8). DAP inverts LSP's
// roles here: the adapter (server) fires the initialized event itself
// while handling initialize, rather than waiting on an acknowledgement
// from the client.
package dapwire

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haldis/wireconn/conn"
)

// InitializeParams is the minimal subset of DAP's initialize request
// arguments this engine's core cares about.
type InitializeParams struct {
	ClientID        string `json:"clientID,omitempty"`
	AdapterID       string `json:"adapterID,omitempty"`
	LinesStartAt1   bool   `json:"linesStartAt1,omitempty"`
	ColumnsStartAt1 bool   `json:"columnsStartAt1,omitempty"`
}

// Capabilities is the minimal DAP initialize response body.
type Capabilities struct {
	SupportsConfigurationDoneRequest bool `json:"supportsConfigurationDoneRequest,omitempty"`
}

// BuildCapabilities computes the Capabilities an adapter replies with
// to a given InitializeParams.
type BuildCapabilities func(context.Context, InitializeParams) (Capabilities, error)

// ServeHandshake registers the adapter (server) side of the handshake:
// the initialize handler builds the capabilities, fires the initialized
// event, marks c ready and returns the capabilities as the response. The
// event is queued from inside the handler, so it goes out on the wire
// before the initialize response, not after it. The event is unprompted;
// the client does not send its own "initialized" message back.
func ServeHandshake(c *conn.Connection, build BuildCapabilities) error {
	_, err := conn.RegisterRequest(c, "initialize", func(ctx context.Context, p InitializeParams) (Capabilities, error) {
		caps, err := build(ctx, p)
		if err != nil {
			return Capabilities{}, err
		}

		if notifyErr := c.SendNotification("initialized", struct{}{}); notifyErr != nil {
			return Capabilities{}, fmt.Errorf("dapwire: send initialized event: %w", notifyErr)
		}
		c.MarkReady()

		return caps, nil
	})
	if err != nil {
		return fmt.Errorf("dapwire: register initialize: %w", err)
	}
	return nil
}

// ClientHandshake performs the client side: send initialize, await
// Capabilities, then wait for the adapter's initialized event before
// returning. ClientHandshake registers its own "initialized" handler on
// c, which stays registered afterwards; it returns an error if c already
// has a handler for "initialized".
func ClientHandshake(ctx context.Context, c *conn.Connection, params InitializeParams) (*Capabilities, error) {
	ready := make(chan struct{}, 1)
	if _, err := conn.RegisterNotification(c, "initialized", func(_ context.Context, _ json.RawMessage) error {
		c.MarkReady()
		select {
		case ready <- struct{}{}:
		default:
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("dapwire: register initialized: %w", err)
	}

	pending, err := c.SendRequest(ctx, "initialize", params)
	if err != nil {
		return nil, fmt.Errorf("dapwire: send initialize: %w", err)
	}

	select {
	case res := <-pending.Done():
		if res.Err != nil {
			return nil, fmt.Errorf("dapwire: initialize failed: %w", res.Err)
		}
		var caps Capabilities
		if len(res.Value) > 0 {
			if err := json.Unmarshal(res.Value, &caps); err != nil {
				return nil, fmt.Errorf("dapwire: decode Capabilities: %w", err)
			}
		}

		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		return &caps, nil

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
