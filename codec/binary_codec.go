package codec

import (
	"fmt"

	"datalayer-rpc/message"
)

// BinaryCodec writes envelopes in protobuf wire format. It is the default
// since any protobuf runtime on the other device can read it.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	switch msg := v.(type) {
	case *message.Request:
		return msg.Marshal()
	case *message.Response:
		return msg.Marshal()
	}
	return nil, fmt.Errorf("BinaryCodec: unsupported type %T", v)
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	switch msg := v.(type) {
	case *message.Request:
		return msg.Unmarshal(data)
	case *message.Response:
		return msg.Unmarshal(data)
	}
	return fmt.Errorf("BinaryCodec: unsupported type %T", v)
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}
