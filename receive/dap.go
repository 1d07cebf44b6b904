package receive

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/haldis/wireconn/message"
)

// DAP classifies a single Debug Adapter Protocol envelope by switching on
// its "type" property, per spec.md §4.2/§6. Unlike LSP, DAP has no batch
// wire shape.
func DAP(raw json.RawMessage) message.Envelope {
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return message.InvalidEnvelope(message.DAP, "top-level value must be an object", raw)
	}

	switch root.Get("type").String() {
	case "request":
		return dapRequest(root, raw)
	case "event":
		return dapEvent(root, raw)
	case "response":
		return dapResponse(root, raw)
	default:
		return message.InvalidEnvelope(message.DAP, fmt.Sprintf("unknown type %q", root.Get("type").String()), raw)
	}
}

func dapRequest(root gjson.Result, raw json.RawMessage) message.Envelope {
	command := root.Get("command")
	if !command.Exists() || command.String() == "" {
		return message.InvalidEnvelope(message.DAP, "command not set", raw)
	}

	seq := root.Get("seq")
	if !seq.Exists() {
		return message.InvalidEnvelope(message.DAP, "seq not set", raw)
	}

	var params json.RawMessage
	if args := root.Get("arguments"); args.Exists() {
		params = rawOf(args)
	}

	return message.RequestEnvelope(message.DAP, &message.Request{
		ID:     rawOf(seq),
		Method: command.String(),
		Params: params,
	})
}

func dapEvent(root gjson.Result, raw json.RawMessage) message.Envelope {
	event := root.Get("event")
	if !event.Exists() || event.String() == "" {
		return message.InvalidEnvelope(message.DAP, "event not set", raw)
	}

	var body json.RawMessage
	if b := root.Get("body"); b.Exists() {
		body = rawOf(b)
	}

	return message.NotificationEnvelope(message.DAP, &message.Notification{
		Method: event.String(),
		Params: body,
	})
}

func dapResponse(root gjson.Result, raw json.RawMessage) message.Envelope {
	requestSeq := root.Get("request_seq")
	if !requestSeq.Exists() {
		return message.InvalidEnvelope(message.DAP, "request_seq not set", raw)
	}

	resp := &message.Response{ID: rawOf(requestSeq)}

	if success := root.Get("success"); success.Exists() && !success.Bool() {
		code := message.InternalError
		if root.Get("body.error.id").Exists() {
			code = int(root.Get("body.error.id").Int())
		}
		resp.Err = &message.Error{
			Code:    code,
			Message: root.Get("message").String(),
		}
	} else if body := root.Get("body"); body.Exists() {
		resp.Result = rawOf(body)
	} else {
		resp.Result = json.RawMessage("{}")
	}

	return message.ResponseEnvelope(message.DAP, resp)
}
