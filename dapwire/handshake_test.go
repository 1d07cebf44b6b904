package dapwire_test

import (
	"context"
	"testing"
	"time"

	"github.com/haldis/wireconn/conn"
	"github.com/haldis/wireconn/dapwire"
	"github.com/haldis/wireconn/internal/wiretest"
	"github.com/haldis/wireconn/message"
)

func newDAPPair(t *testing.T) (adapter, client *conn.Connection) {
	t.Helper()

	pipe := wiretest.NewPipe()
	adapter = conn.New(message.DAP, pipe.A.Reader, pipe.A.Writer, conn.WithCloser(pipe.A))
	client = conn.New(message.DAP, pipe.B.Reader, pipe.B.Writer, conn.WithCloser(pipe.B))

	if err := adapter.Connect(); err != nil {
		t.Fatalf("adapter Connect: %v", err)
	}
	if err := client.Connect(); err != nil {
		t.Fatalf("client Connect: %v", err)
	}
	t.Cleanup(func() {
		client.Disconnect(false)
		adapter.Disconnect(false)
	})

	return adapter, client
}

// TestHandshakeFiresInitializedEventUnprompted exercises spec.md §4.8's
// DAP variant: the adapter answers initialize and then fires initialized
// itself, without waiting on any message back from the client.
func TestHandshakeFiresInitializedEventUnprompted(t *testing.T) {
	t.Parallel()

	adapter, client := newDAPPair(t)

	if err := dapwire.ServeHandshake(adapter, func(_ context.Context, p dapwire.InitializeParams) (dapwire.Capabilities, error) {
		if p.ClientID != "test-client" {
			t.Errorf("got clientID %q", p.ClientID)
		}
		return dapwire.Capabilities{SupportsConfigurationDoneRequest: true}, nil
	}); err != nil {
		t.Fatalf("ServeHandshake: %v", err)
	}

	ctx, cancelCtx := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelCtx()

	caps, err := dapwire.ClientHandshake(ctx, client, dapwire.InitializeParams{ClientID: "test-client"})
	if err != nil {
		t.Fatalf("ClientHandshake: %v", err)
	}
	if !caps.SupportsConfigurationDoneRequest {
		t.Fatalf("expected SupportsConfigurationDoneRequest")
	}

	select {
	case <-adapter.Ready():
	case <-time.After(time.Second):
		t.Fatalf("adapter never marked itself ready")
	}
	select {
	case <-client.Ready():
	default:
		t.Fatalf("client should be ready once ClientHandshake returns")
	}
}
