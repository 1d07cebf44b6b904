// Package receive implements the Receiver/validator of spec.md §4.2: it
// classifies already-decoded (or gjson-probed) JSON bytes into a
// message.Envelope, for both the LSP (JSON-RPC 2.0) and DAP wire shapes.
package receive

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/haldis/wireconn/internal/jsonutil"
	"github.com/haldis/wireconn/message"
)

// LSP classifies a single top-level JSON value (object or array) per the
// JSON-RPC 2.0 rules of spec.md §4.2, returning one Envelope per
// top-level request/notification/response/invalid item. A JSON array is
// a batch: every element is classified independently, in order; an empty
// array is itself invalid. Non-object, non-array top-level values are
// invalid.
func LSP(raw json.RawMessage) []message.Envelope {
	trimmed := json.RawMessage(jsonutil.TrimLeftWhitespace(raw))
	if len(trimmed) == 0 {
		return []message.Envelope{message.InvalidEnvelope(message.LSP, "empty message", raw)}
	}

	switch trimmed[0] {
	case '[':
		return lspBatch(trimmed)
	case '{':
		return []message.Envelope{lspOne(trimmed)}
	default:
		return []message.Envelope{message.InvalidEnvelope(message.LSP, "top-level value must be an object or array", raw)}
	}
}

func lspBatch(raw json.RawMessage) []message.Envelope {
	result := gjson.ParseBytes(raw)
	items := result.Array()

	if len(items) == 0 {
		return []message.Envelope{message.InvalidEnvelope(message.LSP, "empty batch", raw)}
	}

	envs := make([]message.Envelope, 0, len(items))
	for _, item := range items {
		envs = append(envs, lspOne(json.RawMessage(item.Raw)))
	}

	return envs
}

// lspOne classifies a single non-array JSON value.
func lspOne(raw json.RawMessage) message.Envelope {
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return message.InvalidEnvelope(message.LSP, "top-level value must be an object", raw)
	}

	if v := root.Get("jsonrpc"); v.String() != "2.0" {
		return message.InvalidEnvelope(message.LSP, "Unexpected protocol", raw)
	}

	idResult := root.Get("id")
	hasID := idResult.Exists()
	hasResult := root.Get("result").Exists()
	hasError := root.Get("error").Exists()

	if hasID && (hasResult || hasError) {
		resp := &message.Response{ID: rawOf(idResult)}
		if hasResult {
			resp.Result = rawOf(root.Get("result"))
		}
		if hasError {
			resp.Err = decodeError(rawOf(root.Get("error")))
		}
		return message.ResponseEnvelope(message.LSP, resp)
	}

	method := root.Get("method")
	if !method.Exists() || method.String() == "" {
		return message.InvalidEnvelope(message.LSP, "Method not set", raw)
	}

	params := root.Get("params")
	if params.Exists() && !(params.IsObject() || params.IsArray()) {
		return message.InvalidEnvelope(message.LSP, "Invalid params", raw)
	}

	var paramsRaw json.RawMessage
	if params.Exists() {
		paramsRaw = rawOf(params)
	}

	if hasID {
		return message.RequestEnvelope(message.LSP, &message.Request{
			ID:     rawOf(idResult),
			Method: method.String(),
			Params: paramsRaw,
		})
	}

	return message.NotificationEnvelope(message.LSP, &message.Notification{
		Method: method.String(),
		Params: paramsRaw,
	})
}

func decodeError(raw json.RawMessage) *message.Error {
	var e message.Error
	if err := json.Unmarshal(raw, &e); err != nil {
		return &message.Error{Code: message.ParseError, Message: "unparseable error object"}
	}
	return &e
}

func rawOf(r gjson.Result) json.RawMessage {
	if r.Raw == "" {
		return nil
	}
	return json.RawMessage(r.Raw)
}

