package transport

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"datalayer-rpc/protocol"
)

type frameReply struct {
	msgType protocol.MsgType
	body    []byte
	err     error
}

// ClientTransport lets many concurrent requests share one TCP connection to
// a peer node. Each request gets a sequence id; recvLoop reads replies and
// routes them to the waiting caller through its pending channel.
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single TCP conn ──→ peer node
//	goroutine-3 ──Send(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] → goroutine-2 wakes up
type ClientTransport struct {
	conn    net.Conn
	seq     atomic.Uint32
	pending sync.Map   // map[uint32]chan frameReply
	sending sync.Mutex // frames from different callers must not interleave

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClientTransport introduces the caller as sourceNode, then starts the
// receive loop and, for a positive interval, the heartbeat loop.
func NewClientTransport(conn net.Conn, sourceNode string, heartbeat time.Duration) (*ClientTransport, error) {
	t := &ClientTransport{
		conn:   conn,
		closed: make(chan struct{}),
	}
	hello := &protocol.Header{MsgType: protocol.MsgTypeHello}
	if err := protocol.Encode(conn, hello, "", []byte(sourceNode)); err != nil {
		conn.Close()
		return nil, err
	}
	go t.recvLoop()
	if heartbeat > 0 {
		go t.heartbeatLoop(heartbeat)
	}
	return t, nil
}

// Send writes one request frame. The returned channel receives exactly one
// reply, or an error if the connection breaks first.
func (t *ClientTransport) Send(path string, body []byte) (uint32, <-chan frameReply, error) {
	seq := t.seq.Add(1)

	// Register before writing so recvLoop can never see an unknown seq.
	respChan := make(chan frameReply, 1)
	t.pending.Store(seq, respChan)

	t.sending.Lock()
	err := protocol.Encode(t.conn, &protocol.Header{MsgType: protocol.MsgTypeRequest, Seq: seq}, path, body)
	t.sending.Unlock()
	if err != nil {
		t.pending.Delete(seq)
		t.Close()
		return 0, nil, fmt.Errorf("%w: %v", ErrNodeUnreachable, err)
	}

	select {
	case <-t.closed:
		// recvLoop may have drained pending before our Store.
		if _, ok := t.pending.LoadAndDelete(seq); ok {
			return 0, nil, ErrNodeUnreachable
		}
	default:
	}
	return seq, respChan, nil
}

// Forget drops the pending entry for seq, e.g. after the caller timed out.
// A reply arriving later is discarded.
func (t *ClientTransport) Forget(seq uint32) {
	t.pending.Delete(seq)
}

// Done is closed once the connection is broken or closed.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.closed
}

// Close closes the connection; pending callers get ErrNodeUnreachable.
func (t *ClientTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.conn.Close()
		close(t.closed)
	})
	return err
}

func (t *ClientTransport) recvLoop() {
	for {
		header, _, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.Close()
			t.closeAllPending(fmt.Errorf("%w: %v", ErrNodeUnreachable, err))
			return
		}

		switch header.MsgType {
		case protocol.MsgTypeResponse, protocol.MsgTypeError:
		default:
			continue
		}

		if ch, ok := t.pending.LoadAndDelete(header.Seq); ok {
			ch.(chan frameReply) <- frameReply{msgType: header.MsgType, body: body}
		}
	}
}

func (t *ClientTransport) closeAllPending(err error) {
	t.pending.Range(func(key, value any) bool {
		if _, ok := t.pending.LoadAndDelete(key); ok {
			value.(chan frameReply) <- frameReply{err: err}
		}
		return true
	})
}

func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-t.closed:
			return
		}
		t.sending.Lock()
		err := protocol.Encode(t.conn, &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}, "", nil)
		t.sending.Unlock()
		if err != nil {
			t.Close()
			return
		}
	}
}
