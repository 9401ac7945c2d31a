package codec

import (
	"fmt"

	"datalayer-rpc/message"

	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/protobuf/types/known/anypb"
)

// MsgpackCodec writes envelopes as a msgpack map. The payload keeps its
// type URL and protobuf bytes, so no type registry is needed to decode.
type MsgpackCodec struct{}

type msgpackEnvelope struct {
	Method  string `msgpack:"method,omitempty"`
	TypeURL string `msgpack:"type_url,omitempty"`
	Value   []byte `msgpack:"value,omitempty"`
	Present bool   `msgpack:"present"`
}

func (c *MsgpackCodec) Encode(v any) ([]byte, error) {
	var env msgpackEnvelope
	var payload *anypb.Any
	switch msg := v.(type) {
	case *message.Request:
		env.Method = msg.Method
		payload = msg.Request
	case *message.Response:
		payload = msg.Response
	default:
		return nil, fmt.Errorf("MsgpackCodec: unsupported type %T", v)
	}
	if payload != nil {
		env.Present = true
		env.TypeURL = payload.GetTypeUrl()
		env.Value = payload.GetValue()
	}
	return msgpack.Marshal(&env)
}

func (c *MsgpackCodec) Decode(data []byte, v any) error {
	var env msgpackEnvelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: %v", message.ErrMalformed, err)
	}
	var payload *anypb.Any
	if env.Present {
		payload = &anypb.Any{TypeUrl: env.TypeURL, Value: env.Value}
	}
	switch msg := v.(type) {
	case *message.Request:
		*msg = message.Request{Method: env.Method, Request: payload}
	case *message.Response:
		*msg = message.Response{Response: payload}
	default:
		return fmt.Errorf("MsgpackCodec: unsupported type %T", v)
	}
	return nil
}

func (c *MsgpackCodec) Type() CodecType {
	return CodecTypeMsgpack
}
