package codec

import (
	"encoding/json"
	"fmt"

	"datalayer-rpc/message"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/anypb"
)

// JSONCodec writes envelopes as JSON with the payload in protojson's Any
// form ({"@type": ..., ...}). Readable on the wire, but both ends must link
// the payload types since protojson resolves them from the global registry.
type JSONCodec struct{}

type jsonEnvelope struct {
	Method   string          `json:"method,omitempty"`
	Request  json.RawMessage `json:"request,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	var env jsonEnvelope
	var err error
	switch msg := v.(type) {
	case *message.Request:
		env.Method = msg.Method
		env.Request, err = marshalAnyJSON(msg.Request)
	case *message.Response:
		env.Response, err = marshalAnyJSON(msg.Response)
	default:
		return nil, fmt.Errorf("JSONCodec: unsupported type %T", v)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(&env)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: %v", message.ErrMalformed, err)
	}
	switch msg := v.(type) {
	case *message.Request:
		payload, err := unmarshalAnyJSON(env.Request)
		if err != nil {
			return err
		}
		*msg = message.Request{Method: env.Method, Request: payload}
	case *message.Response:
		payload, err := unmarshalAnyJSON(env.Response)
		if err != nil {
			return err
		}
		*msg = message.Response{Response: payload}
	default:
		return fmt.Errorf("JSONCodec: unsupported type %T", v)
	}
	return nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

func marshalAnyJSON(payload *anypb.Any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	return protojson.Marshal(payload)
}

func unmarshalAnyJSON(raw json.RawMessage) (*anypb.Any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	payload := &anypb.Any{}
	if err := protojson.Unmarshal(raw, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", message.ErrMalformed, err)
	}
	return payload, nil
}
