package codec

import (
	"fmt"
	"strings"
)

type CodecType byte

const (
	CodecTypeBinary  CodecType = 0
	CodecTypeJSON    CodecType = 1
	CodecTypeMsgpack CodecType = 2
)

// Codec turns envelopes into bytes and back. Encode accepts
// *message.Request or *message.Response; Decode fills the same types.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=Binary, 1=JSON, 2=Msgpack
}

func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeJSON:
		return &JSONCodec{}
	case CodecTypeMsgpack:
		return &MsgpackCodec{}
	}
	return &BinaryCodec{}
}

// ParseCodecType maps a config name ("binary", "json", "msgpack") to its type.
func ParseCodecType(name string) (CodecType, error) {
	switch strings.ToLower(name) {
	case "", "binary", "proto", "protobuf":
		return CodecTypeBinary, nil
	case "json":
		return CodecTypeJSON, nil
	case "msgpack":
		return CodecTypeMsgpack, nil
	}
	return 0, fmt.Errorf("unknown codec %q", name)
}

func (t CodecType) String() string {
	switch t {
	case CodecTypeBinary:
		return "binary"
	case CodecTypeJSON:
		return "json"
	case CodecTypeMsgpack:
		return "msgpack"
	}
	return fmt.Sprintf("codec(%d)", byte(t))
}
