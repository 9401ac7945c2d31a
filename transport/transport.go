// Package transport defines the message transport the RPC bridge rides on
// and provides two implementations of it.
//
// The contract is deliberately the platform message client's: one request
// of bytes to a named node and path, one reply of bytes, best-effort
// delivery, with timeouts and unreachable nodes reported as distinct
// errors. Nothing here knows about envelopes or methods.
//
//   - Loopback: in-process nodes, for tests and single-process setups.
//   - TCPClient / Server: one multiplexed TCP connection per peer node.
package transport

import (
	"context"
	"errors"
	"net"
)

// DefaultPathPrefix namespaces RPC traffic among the other paths a node
// receives messages on. The full path is the prefix followed by the
// method, e.g. "/datalayer/echo.Echo/Echo".
const DefaultPathPrefix = "/datalayer"

var (
	// ErrTimeout is returned when no reply arrived within the transport's
	// send timeout.
	ErrTimeout = errors.New("transport: request timed out")
	// ErrNodeUnreachable is returned when the target node is not connected.
	ErrNodeUnreachable = errors.New("transport: node unreachable")
	// ErrRemote is returned when the target node received the request but
	// its handler failed. The remote error itself is not carried.
	ErrRemote = errors.New("transport: remote handler failed")
	// ErrNoHandler is returned by a receiving node that has nothing bound
	// for the request path.
	ErrNoHandler = errors.New("transport: no handler for path")
)

// MessageClient sends a single request to a node and returns its reply.
type MessageClient interface {
	SendRequest(ctx context.Context, nodeID, path string, data []byte) ([]byte, error)
}

// RequestHandler serves one inbound request on the receiving node.
type RequestHandler func(ctx context.Context, sourceNode, path string, data []byte) ([]byte, error)

// AddrFunc resolves a node id to a dialable address.
type AddrFunc func(ctx context.Context, nodeID string) (string, error)

// StaticAddrs resolves node ids from a fixed table.
func StaticAddrs(addrs map[string]string) AddrFunc {
	return func(_ context.Context, nodeID string) (string, error) {
		addr, ok := addrs[nodeID]
		if !ok {
			return "", ErrNodeUnreachable
		}
		return addr, nil
	}
}

// IsTimeout reports whether err is a transport timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsUnreachable reports whether err means the node could not be reached.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrNodeUnreachable)
}
