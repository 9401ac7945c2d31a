package codec

import (
	"errors"
	"fmt"

	"datalayer-rpc/message"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/known/anypb"
)

var (
	// ErrMalformedEnvelope marks bytes that are not a valid envelope.
	ErrMalformedEnvelope = message.ErrMalformed
	// ErrTypeMismatch marks a payload whose type URL does not name the
	// expected message type.
	ErrTypeMismatch = errors.New("payload type mismatch")
)

// EncodeRequest wraps req in a type-tagged payload and a request envelope.
func EncodeRequest(c Codec, method string, req proto.Message) ([]byte, error) {
	if req == nil {
		return nil, errors.New("codec: nil request value")
	}
	payload, err := anypb.New(req)
	if err != nil {
		return nil, err
	}
	return c.Encode(&message.Request{Method: method, Request: payload})
}

// DecodeRequest parses a request envelope. The method name and payload are
// both required.
func DecodeRequest(c Codec, data []byte) (*message.Request, error) {
	req := &message.Request{}
	if err := c.Decode(data, req); err != nil {
		if errors.Is(err, ErrMalformedEnvelope) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if req.Method == "" {
		return nil, fmt.Errorf("%w: missing method", ErrMalformedEnvelope)
	}
	if req.Request == nil {
		return nil, fmt.Errorf("%w: missing request payload", ErrMalformedEnvelope)
	}
	return req, nil
}

// EncodeResponse wraps the single response value in a response envelope.
func EncodeResponse(c Codec, resp proto.Message) ([]byte, error) {
	if resp == nil {
		return nil, errors.New("codec: nil response value")
	}
	payload, err := anypb.New(resp)
	if err != nil {
		return nil, err
	}
	return c.Encode(&message.Response{Response: payload})
}

// DecodeResponse parses a response envelope and unpacks it into into.
func DecodeResponse(c Codec, data []byte, into proto.Message) error {
	payload, err := decodeResponsePayload(c, data)
	if err != nil {
		return err
	}
	return Unpack(payload, into)
}

// DecodeResponseNew parses a response envelope whose type is not known in
// advance and unpacks it into a message of the type its URL names.
func DecodeResponseNew(c Codec, data []byte) (proto.Message, error) {
	payload, err := decodeResponsePayload(c, data)
	if err != nil {
		return nil, err
	}
	return UnpackNew(payload)
}

func decodeResponsePayload(c Codec, data []byte) (*anypb.Any, error) {
	resp := &message.Response{}
	if err := c.Decode(data, resp); err != nil {
		if errors.Is(err, ErrMalformedEnvelope) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if resp.Response == nil {
		return nil, fmt.Errorf("%w: missing response payload", ErrMalformedEnvelope)
	}
	return resp.Response, nil
}

// Unpack decodes payload into into after checking that the type URL names
// into's message type.
func Unpack(payload *anypb.Any, into proto.Message) error {
	if !payload.MessageIs(into) {
		return fmt.Errorf("%w: got %s, want %s", ErrTypeMismatch,
			payload.MessageName(), into.ProtoReflect().Descriptor().FullName())
	}
	if err := proto.Unmarshal(payload.GetValue(), into); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return nil
}

// UnpackNew decodes payload into a new message of the type its URL names.
// The type must be linked into the binary.
func UnpackNew(payload *anypb.Any) (proto.Message, error) {
	name := payload.MessageName()
	if !name.IsValid() {
		return nil, fmt.Errorf("%w: bad type url %q", ErrMalformedEnvelope, payload.GetTypeUrl())
	}
	mt, err := protoregistry.GlobalTypes.FindMessageByName(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTypeMismatch, name, err)
	}
	msg := mt.New().Interface()
	if err := proto.Unmarshal(payload.GetValue(), msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return msg, nil
}

// MessageName returns the full name of msg's type.
func MessageName(msg proto.Message) protoreflect.FullName {
	return msg.ProtoReflect().Descriptor().FullName()
}
