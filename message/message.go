// Package message defines the envelopes exchanged between a calling node and
// the node hosting the service.
//
// An envelope never knows the concrete type it carries. Payloads travel as
// google.protobuf.Any, so the envelope schema stays fixed no matter which
// service is bound. The binary form is wire compatible with:
//
//	message MessageRequest  { string method = 1; google.protobuf.Any request = 2; }
//	message MessageResponse { google.protobuf.Any response = 1; }
package message

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// ErrMalformed is returned when bytes cannot be parsed as an envelope.
var ErrMalformed = errors.New("malformed envelope")

const (
	requestMethodField   protowire.Number = 1
	requestPayloadField  protowire.Number = 2
	responsePayloadField protowire.Number = 1
)

// Request carries a single unary call.
//
//   - Method is the fully-qualified method name, e.g. "/echo.EchoService/Echo".
//   - Request is the type-tagged request value.
type Request struct {
	Method  string
	Request *anypb.Any
}

// Response carries the single value emitted by the handler.
type Response struct {
	Response *anypb.Any
}

// Marshal encodes r in protobuf wire format.
func (r *Request) Marshal() ([]byte, error) {
	var b []byte
	if r.Method != "" {
		b = protowire.AppendTag(b, requestMethodField, protowire.BytesType)
		b = protowire.AppendString(b, r.Method)
	}
	if r.Request != nil {
		payload, err := proto.Marshal(r.Request)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, requestPayloadField, protowire.BytesType)
		b = protowire.AppendBytes(b, payload)
	}
	return b, nil
}

// Unmarshal decodes r from protobuf wire format. Unknown fields are skipped.
func (r *Request) Unmarshal(data []byte) error {
	*r = Request{}
	return walk(data, func(num protowire.Number, v []byte) error {
		switch num {
		case requestMethodField:
			r.Method = string(v)
		case requestPayloadField:
			payload, err := unmarshalAny(v)
			if err != nil {
				return err
			}
			r.Request = payload
		}
		return nil
	})
}

// Marshal encodes r in protobuf wire format.
func (r *Response) Marshal() ([]byte, error) {
	var b []byte
	if r.Response != nil {
		payload, err := proto.Marshal(r.Response)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, responsePayloadField, protowire.BytesType)
		b = protowire.AppendBytes(b, payload)
	}
	return b, nil
}

// Unmarshal decodes r from protobuf wire format. Unknown fields are skipped.
func (r *Response) Unmarshal(data []byte) error {
	*r = Response{}
	return walk(data, func(num protowire.Number, v []byte) error {
		if num != responsePayloadField {
			return nil
		}
		payload, err := unmarshalAny(v)
		if err != nil {
			return err
		}
		r.Response = payload
		return nil
	})
}

// walk visits every length-delimited field in data. Known envelope fields are
// all length-delimited, so any other wire type on a known field number means
// the bytes were not produced by Marshal.
func walk(data []byte, visit func(num protowire.Number, v []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]

		if typ != protowire.BytesType {
			if num == requestMethodField || num == requestPayloadField {
				return fmt.Errorf("%w: field %d has wire type %d", ErrMalformed, num, typ)
			}
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]
		if err := visit(num, v); err != nil {
			return err
		}
	}
	return nil
}

func unmarshalAny(b []byte) (*anypb.Any, error) {
	payload := &anypb.Any{}
	if err := proto.Unmarshal(b, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return payload, nil
}
