// Package lspwire adapts the protocol-agnostic conn.Connection to LSP's
// initialize/initialized handshake and dynamic-registration push
// (spec.md §4.8/§4.7), the one piece of wire behaviour specific enough to
// the LSP base protocol that it does not belong in the core conn driver.
package lspwire

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/sjson"

	"github.com/haldis/wireconn/conn"
	"github.com/haldis/wireconn/registry"
)

// InitializeParams is the minimal subset of the LSP initialize request
// this engine's core cares about; callers needing the full LSP method
// catalogue extend this with their own params type and decode Capabilities
// themselves.
type InitializeParams struct {
	ProcessID    *int            `json:"processId,omitempty"`
	RootURI      *string         `json:"rootUri,omitempty"`
	Capabilities json.RawMessage `json:"capabilities,omitempty"`
}

// InitializeResult is the minimal initialize response shape.
type InitializeResult struct {
	Capabilities json.RawMessage `json:"capabilities,omitempty"`
}

// ClientHandshake performs the client side of spec.md §4.8: send
// initialize, await InitializeResult, fire initialized, then mark c
// ready. Requests issued on c before this returns are still queued by
// the core driver; ready only gates callers that choose to await it.
func ClientHandshake(ctx context.Context, c *conn.Connection, params InitializeParams) (*InitializeResult, error) {
	pending, err := c.SendRequest(ctx, "initialize", params)
	if err != nil {
		return nil, fmt.Errorf("lspwire: send initialize: %w", err)
	}

	select {
	case res := <-pending.Done():
		if res.Err != nil {
			return nil, fmt.Errorf("lspwire: initialize failed: %w", res.Err)
		}
		var result InitializeResult
		if len(res.Value) > 0 {
			if err := json.Unmarshal(res.Value, &result); err != nil {
				return nil, fmt.Errorf("lspwire: decode InitializeResult: %w", err)
			}
		}

		if err := c.SendNotification("initialized", struct{}{}); err != nil {
			return nil, fmt.Errorf("lspwire: send initialized: %w", err)
		}
		c.MarkReady()

		return &result, nil

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// BuildResult computes the InitializeResult a server replies with to a
// given InitializeParams.
type BuildResult func(context.Context, InitializeParams) (InitializeResult, error)

// ServeHandshake registers the server side of spec.md §4.8: answer
// initialize with build's result, and on the client's initialized
// notification, mark c ready and push any dynamic registrations
// accumulated on c's registry via client/registerCapability.
func ServeHandshake(c *conn.Connection, build BuildResult) error {
	if _, err := conn.RegisterRequest(c, "initialize", func(ctx context.Context, p InitializeParams) (InitializeResult, error) {
		return build(ctx, p)
	}); err != nil {
		return fmt.Errorf("lspwire: register initialize: %w", err)
	}

	if _, err := conn.RegisterNotification(c, "initialized", func(ctx context.Context, _ json.RawMessage) error {
		c.MarkReady()
		return pushDynamicRegistrations(ctx, c)
	}); err != nil {
		return fmt.Errorf("lspwire: register initialized: %w", err)
	}

	return nil
}

// pushDynamicRegistrations sends client/registerCapability for every
// handler registered with registry.WithRegistrationOptions, building the
// registrations array incrementally with sjson since each entry mixes a
// fixed {id,method} shell with an arbitrary, handler-supplied
// registerOptions value.
func pushDynamicRegistrations(ctx context.Context, c *conn.Connection) error {
	regs := c.Registry().DynamicRegistrations()
	if len(regs) == 0 {
		return nil
	}

	params, err := buildRegistrationParams(regs)
	if err != nil {
		return fmt.Errorf("lspwire: build registerCapability params: %w", err)
	}

	if _, err := c.SendRequest(ctx, "client/registerCapability", params); err != nil {
		return fmt.Errorf("lspwire: send client/registerCapability: %w", err)
	}
	return nil
}

func buildRegistrationParams(regs []registry.Registration) (json.RawMessage, error) {
	raw := []byte(`{"registrations":[]}`)

	for i, r := range regs {
		path := fmt.Sprintf("registrations.%d", i)

		var err error
		raw, err = sjson.SetBytes(raw, path+".id", r.ID)
		if err != nil {
			return nil, fmt.Errorf("set id: %w", err)
		}
		raw, err = sjson.SetBytes(raw, path+".method", r.Method)
		if err != nil {
			return nil, fmt.Errorf("set method: %w", err)
		}

		if r.Options == nil {
			continue
		}
		optsJSON, err := json.Marshal(r.Options)
		if err != nil {
			return nil, fmt.Errorf("marshal registerOptions for %s: %w", r.Method, err)
		}
		raw, err = sjson.SetRawBytes(raw, path+".registerOptions", optsJSON)
		if err != nil {
			return nil, fmt.Errorf("set registerOptions: %w", err)
		}
	}

	return raw, nil
}
