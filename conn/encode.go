package conn

import (
	"encoding/json"
	"fmt"

	"github.com/haldis/wireconn/message"
)

// lspFrame is the wire shape of a JSON-RPC 2.0 envelope; only the fields
// relevant to the kind being encoded are populated.
type lspFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *message.Error  `json:"error,omitempty"`
}

// dapFrame is the wire shape of a Debug Adapter Protocol envelope.
type dapFrame struct {
	Seq        uint64          `json:"seq"`
	Type       string          `json:"type"`
	Command    string          `json:"command,omitempty"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Event      string          `json:"event,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
	RequestSeq uint64          `json:"request_seq,omitempty"`
	Success    *bool           `json:"success,omitempty"`
	Message    string          `json:"message,omitempty"`
}

func boolPtr(b bool) *bool { return &b }

// encodeRequest builds the wire bytes for an outgoing request carrying
// id as both the correlation table's key and the wire id/seq, so the
// peer's echoed id settles the right PendingRequest.
func (c *Connection) encodeRequest(protocol message.Protocol, id uint64, method string, params json.RawMessage) ([]byte, error) {
	if protocol == message.LSP {
		return json.Marshal(lspFrame{
			JSONRPC: "2.0",
			ID:      idToRaw(id),
			Method:  method,
			Params:  params,
		})
	}

	return json.Marshal(dapFrame{
		Seq:       id,
		Type:      "request",
		Command:   method,
		Arguments: params,
	})
}

// encodeNotification builds the wire bytes for an outgoing
// notification/event.
func (c *Connection) encodeNotification(protocol message.Protocol, method string, params json.RawMessage) ([]byte, error) {
	if protocol == message.LSP {
		return json.Marshal(lspFrame{
			JSONRPC: "2.0",
			Method:  method,
			Params:  params,
		})
	}

	return json.Marshal(dapFrame{
		Seq:   c.nextDAPSeq(),
		Type:  "event",
		Event: method,
		Body:  params,
	})
}

// encodeResponse builds the wire bytes replying to an inbound request.
// method is the original request's method/command; DAP responses must
// echo it back, LSP responses ignore it.
func (c *Connection) encodeResponse(protocol message.Protocol, method string, resp message.Response) ([]byte, error) {
	if protocol == message.LSP {
		return json.Marshal(lspFrame{
			JSONRPC: "2.0",
			ID:      resp.ID,
			Result:  resp.Result,
			Error:   resp.Err,
		})
	}

	requestSeq, err := rawToID(resp.ID)
	if err != nil {
		return nil, fmt.Errorf("conn: encode DAP response: %w", err)
	}

	f := dapFrame{
		// Per spec.md §9's open question, DAP response seq shares the same
		// monotonic counter as outgoing requests.
		Seq:        c.nextDAPSeq(),
		Type:       "response",
		Command:    method,
		RequestSeq: requestSeq,
		Success:    boolPtr(resp.Err == nil),
	}
	if resp.Err != nil {
		f.Message = resp.Err.Message
	} else {
		f.Body = resp.Result
	}

	return json.Marshal(f)
}

// cancelNotificationPayload builds the best-effort cancel message sent
// to the peer when a caller abandons an outgoing request: $/cancelRequest
// for LSP, a "cancel" request for DAP (spec.md §6).
func (c *Connection) cancelNotificationPayload(protocol message.Protocol, id uint64) ([]byte, error) {
	if protocol == message.LSP {
		params, err := json.Marshal(struct {
			ID uint64 `json:"id"`
		}{ID: id})
		if err != nil {
			return nil, err
		}
		return c.encodeNotification(message.LSP, "$/cancelRequest", params)
	}

	args, err := json.Marshal(struct {
		RequestID uint64 `json:"requestId"`
	}{RequestID: id})
	if err != nil {
		return nil, err
	}
	return c.encodeRequest(message.DAP, c.nextDAPSeq(), "cancel", args)
}

func (c *Connection) nextDAPSeq() uint64 {
	return c.dapSeq.Add(1)
}

func idToRaw(id uint64) json.RawMessage {
	b, _ := json.Marshal(id)
	return b
}

func rawToID(raw json.RawMessage) (uint64, error) {
	var id uint64
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, err
	}
	return id, nil
}
