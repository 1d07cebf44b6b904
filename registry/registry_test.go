package registry_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/haldis/wireconn/registry"
	"github.com/haldis/wireconn/schedule"
)

type pingParams struct {
	Name string `json:"name"`
}

type pingResult struct {
	Greeting string `json:"greeting"`
}

func pingHandler(_ context.Context, p pingParams) (pingResult, error) {
	return pingResult{Greeting: "hello " + p.Name}, nil
}

func TestRegisterRequestRoundTrip(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	if _, err := registry.RegisterRequest(reg, "ping", pingHandler); err != nil {
		t.Fatalf("RegisterRequest: %v", err)
	}

	rec := reg.Lookup("ping")
	if rec == nil {
		t.Fatalf("expected handler registered")
	}
	if rec.ProcessType != schedule.Parallel {
		t.Fatalf("expected default Parallel, got %v", rec.ProcessType)
	}

	out, err := rec.RequestFn(context.Background(), []byte(`{"name":"world"}`))
	if err != nil {
		t.Fatalf("RequestFn: %v", err)
	}
	if string(out) != `{"greeting":"hello world"}` {
		t.Fatalf("got %s", out)
	}
}

func TestRegisterDuplicateMethodFails(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	if _, err := registry.RegisterRequest(reg, "ping", pingHandler); err != nil {
		t.Fatalf("first Register: %v", err)
	}

	_, err := registry.RegisterRequest(reg, "ping", pingHandler)
	if !errors.Is(err, registry.ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestHandleReleaseRemovesHandler(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	h, err := registry.RegisterRequest(reg, "ping", pingHandler)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	h.Release()

	if reg.Lookup("ping") != nil {
		t.Fatalf("expected handler removed after Release")
	}
}

func TestDecodeFailureWrapsErrDecodeParams(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	if _, err := registry.RegisterRequest(reg, "ping", pingHandler); err != nil {
		t.Fatalf("Register: %v", err)
	}

	rec := reg.Lookup("ping")
	_, err := rec.RequestFn(context.Background(), []byte(`not json`))
	if !errors.Is(err, registry.ErrDecodeParams) {
		t.Fatalf("expected ErrDecodeParams, got %v", err)
	}
}

func TestGroupRegisterToAggregatesErrors(t *testing.T) {
	t.Parallel()

	var g registry.Group
	g.Add("ping", func(r *registry.Registry, method string) error {
		_, err := registry.RegisterRequest(r, method, pingHandler)
		return err
	})
	g.Use("math", func(sub *registry.Group) {
		sub.Add("ping", func(r *registry.Registry, method string) error {
			_, err := registry.RegisterRequest(r, method, pingHandler)
			return err
		})
	})

	reg := registry.New()
	// Pre-register "ping" so the top-level Add fails, but "math.ping"
	// must still succeed independently.
	if _, err := registry.RegisterRequest(reg, "ping", pingHandler); err != nil {
		t.Fatalf("pre-register: %v", err)
	}

	err := g.RegisterTo(reg)
	if err == nil {
		t.Fatalf("expected an aggregated error for the duplicate ping registration")
	}

	if reg.Lookup("math.ping") == nil {
		t.Fatalf("expected math.ping to be registered despite the other failure")
	}
}

func TestWithRegistrationOptionsMintsGUID(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	_, err := registry.RegisterRequest(reg, "textDocument/hover", pingHandler,
		registry.WithRegistrationOptions(func() any { return map[string]string{"scheme": "file"} }))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	regs := reg.DynamicRegistrations()
	if len(regs) != 1 {
		t.Fatalf("expected 1 dynamic registration, got %d", len(regs))
	}
	if regs[0].ID == "" {
		t.Fatalf("expected a non-empty registration id")
	}
}

func TestCapabilitySetterInvokedByWithCapabilities(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	var received string

	_, err := registry.RegisterRequest(reg, "textDocument/completion", pingHandler,
		registry.WithCapabilitySetter(func(raw json.RawMessage) { received = string(raw) }))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	reg.WithCapabilities(map[string]json.RawMessage{
		"textDocument/completion": json.RawMessage(`{"dynamicRegistration":true}`),
	})

	if received != `{"dynamicRegistration":true}` {
		t.Fatalf("got %q", received)
	}
}
