// Package protocol implements the frame format of the TCP message transport.
//
// Every frame is a fixed 16-byte header followed by the request path and the
// body. The path names the handler on the receiving node; the body is opaque
// to the transport (an encoded envelope for RPC traffic).
//
// Frame format:
//
//	0      3  4  5  6         10     12        16
//	┌──────┬──┬──┬──┬─────────┬──────┬─────────┬────────┬────────┐
//	│magic │v │mt│rs│   seq   │pathLn│ bodyLen │ path   │ body   │
//	│ dlr  │01│  │00│ uint32  │uint16│ uint32  │ pathLn │ bodyLen│
//	└──────┴──┴──┴──┴─────────┴──────┴─────────┴────────┴────────┘
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic number bytes: "dlr" (data-layer rpc).
const (
	MagicNumber byte = 0x64 // 'd'
	MagicByte2  byte = 0x6c // 'l'
	MagicByte3  byte = 0x72 // 'r'
	Version     byte = 0x01
	HeaderSize  int  = 16 // 3 (magic) + 1 (version) + 1 (msgType) + 1 (reserved) + 4 (seq) + 2 (pathLen) + 4 (bodyLen)
)

// MaxBodyLen bounds a single frame body. The platform message channel this
// transport stands in for caps payloads well below this.
const MaxBodyLen = 4 << 20

type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // caller → handler
	MsgTypeResponse  MsgType = 1 // handler → caller
	MsgTypeHeartbeat MsgType = 2 // keepalive, no body
	MsgTypeError     MsgType = 3 // handler failed; carries no detail
	MsgTypeHello     MsgType = 4 // first frame on a connection, body is the caller's node id
)

func (t MsgType) valid() bool {
	return t <= MsgTypeHello
}

// Header is the fixed part of every frame.
type Header struct {
	MsgType MsgType
	Seq     uint32 // matches a response to its request on a shared connection
	PathLen uint16
	BodyLen uint32
}

// Encode writes one frame to w in a single Write call, so callers sharing
// a writer only need to serialize calls to Encode.
func Encode(w io.Writer, h *Header, path string, body []byte) error {
	if len(path) > 0xffff {
		return fmt.Errorf("path too long: %d bytes", len(path))
	}
	if len(body) > MaxBodyLen {
		return fmt.Errorf("body too large: %d bytes", len(body))
	}
	h.PathLen = uint16(len(path))
	h.BodyLen = uint32(len(body))

	buf := make([]byte, HeaderSize+len(path)+len(body))
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint16(buf[10:12], h.PathLen)
	binary.BigEndian.PutUint32(buf[12:16], h.BodyLen)
	copy(buf[HeaderSize:], path)
	copy(buf[HeaderSize+len(path):], body)

	_, err := w.Write(buf)
	return err
}

// Decode reads one frame from r, validating magic, version, message type and
// body length before allocating.
func Decode(r io.Reader) (*Header, string, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, "", nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, "", nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, "", nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	msgType := MsgType(headerBuf[4])
	if !msgType.valid() {
		return nil, "", nil, fmt.Errorf("unsupported message type: %d", msgType)
	}

	h := &Header{
		MsgType: msgType,
		Seq:     binary.BigEndian.Uint32(headerBuf[6:10]),
		PathLen: binary.BigEndian.Uint16(headerBuf[10:12]),
		BodyLen: binary.BigEndian.Uint32(headerBuf[12:16]),
	}
	if h.BodyLen > MaxBodyLen {
		return nil, "", nil, fmt.Errorf("body too large: %d bytes", h.BodyLen)
	}

	rest := make([]byte, int(h.PathLen)+int(h.BodyLen))
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, "", nil, err
	}
	return h, string(rest[:h.PathLen]), rest[h.PathLen:], nil
}
