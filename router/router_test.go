package router_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/haldis/wireconn/message"
	"github.com/haldis/wireconn/registry"
	"github.com/haldis/wireconn/router"
)

type echoParams struct {
	Text string `json:"text"`
}

type echoResult struct {
	Text string `json:"text"`
}

func TestDispatchRequestUnknownMethod(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	r := router.New(reg)

	resp := r.DispatchRequest(context.Background(), message.LSP, &message.Request{
		ID:     json.RawMessage("1"),
		Method: "nope",
	})

	if resp.Err == nil || resp.Err.Code != message.MethodNotFound {
		t.Fatalf("expected MethodNotFound, got %+v", resp.Err)
	}
	if string(resp.ID) != "1" {
		t.Fatalf("expected original id echoed back, got %s", resp.ID)
	}
}

func TestDispatchRequestSuccess(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	_, err := registry.RegisterRequest(reg, "echo", func(_ context.Context, p echoParams) (echoResult, error) {
		return echoResult{Text: p.Text}, nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	r := router.New(reg)

	resp := r.DispatchRequest(context.Background(), message.LSP, &message.Request{
		ID:     json.RawMessage("1"),
		Method: "echo",
		Params: json.RawMessage(`{"text":"hi"}`),
	})

	if resp.Err != nil {
		t.Fatalf("unexpected error: %+v", resp.Err)
	}
	if string(resp.Result) != `{"text":"hi"}` {
		t.Fatalf("got %s", resp.Result)
	}
}

func TestDispatchRequestInvalidParams(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	_, err := registry.RegisterRequest(reg, "echo", func(_ context.Context, p echoParams) (echoResult, error) {
		return echoResult{}, nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	r := router.New(reg)

	resp := r.DispatchRequest(context.Background(), message.LSP, &message.Request{
		ID:     json.RawMessage("1"),
		Method: "echo",
		Params: json.RawMessage(`not-json`),
	})

	if resp.Err == nil || resp.Err.Code != message.InvalidParams {
		t.Fatalf("expected InvalidParams, got %+v", resp.Err)
	}
}

func TestDispatchRequestHandlerError(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	_, err := registry.RegisterRequest(reg, "boom", func(_ context.Context, p echoParams) (echoResult, error) {
		return echoResult{}, errBoom
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	r := router.New(reg)

	resp := r.DispatchRequest(context.Background(), message.LSP, &message.Request{
		ID:     json.RawMessage("1"),
		Method: "boom",
	})

	if resp.Err == nil || resp.Err.Code != message.InternalError {
		t.Fatalf("expected InternalError, got %+v", resp.Err)
	}
}

var errBoom = &boomErr{}

type boomErr struct{}

func (*boomErr) Error() string { return "boom" }

// TestCancelNotificationTripsExecution exercises spec.md §8 property 7:
// a cancel notification for an in-flight request trips that request's
// cancellation handle within one dispatch cycle.
func TestCancelNotificationTripsExecution(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	started := make(chan struct{})
	cancelled := make(chan struct{})

	_, err := registry.RegisterRequest(reg, "slow", func(ctx context.Context, p echoParams) (echoResult, error) {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return echoResult{}, ctx.Err()
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	r := router.New(reg)

	done := make(chan message.Response, 1)
	go func() {
		done <- r.DispatchRequest(context.Background(), message.LSP, &message.Request{
			ID:     json.RawMessage("7"),
			Method: "slow",
		})
	}()

	<-started

	r.DispatchNotification(context.Background(), message.LSP, &message.Notification{
		Method: "$/cancelRequest",
		Params: json.RawMessage(`{"id":7}`),
	})

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatalf("cancellation did not trip within one dispatch cycle")
	}

	<-done
}

// TestDAPCancelIsRequestShaped exercises DAP's "cancel" command, which
// unlike LSP's $/cancelRequest notification arrives as a Request and
// still expects an acknowledging Response.
func TestDAPCancelIsRequestShaped(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	started := make(chan struct{})
	cancelled := make(chan struct{})

	_, err := registry.RegisterRequest(reg, "slow", func(ctx context.Context, p echoParams) (echoResult, error) {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return echoResult{}, ctx.Err()
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	r := router.New(reg)

	go r.DispatchRequest(context.Background(), message.DAP, &message.Request{
		ID:     json.RawMessage("7"),
		Method: "slow",
	})
	<-started

	resp := r.DispatchRequest(context.Background(), message.DAP, &message.Request{
		ID:     json.RawMessage("8"),
		Method: "cancel",
		Params: json.RawMessage(`{"requestId":7}`),
	})
	if resp.Err != nil {
		t.Fatalf("expected cancel to be acknowledged, got error %+v", resp.Err)
	}

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatalf("cancellation did not trip")
	}
}

func TestDAPLegacyErrorCodeFlag(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	_, err := registry.RegisterRequest(reg, "boom", func(_ context.Context, p echoParams) (echoResult, error) {
		return echoResult{}, errBoom
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	r := router.New(reg, router.WithDAPLegacyErrorCode(true))

	resp := r.DispatchRequest(context.Background(), message.DAP, &message.Request{
		ID:     json.RawMessage("1"),
		Method: "boom",
	})

	if resp.Err == nil || resp.Err.Code != message.DAPInternalError {
		t.Fatalf("expected legacy 500 code, got %+v", resp.Err)
	}
}
