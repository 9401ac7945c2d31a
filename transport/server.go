package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"datalayer-rpc/protocol"

	"go.uber.org/zap"
)

// Server accepts connections from peer nodes and serves their request
// frames with a RequestHandler.
//
//	Accept conn → handleConn (one goroutine reads frames)
//	  → for each request: go handleRequest (parallel)
//	    → RequestHandler → write response or error frame
type Server struct {
	handler RequestHandler
	logger  *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}

	wg       sync.WaitGroup // in-flight requests
	shutdown atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewServer creates a server that passes every request frame to h.
func NewServer(h RequestHandler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		handler: h,
		logger:  logger,
		conns:   make(map[net.Conn]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Serve listens on address and blocks in the accept loop.
func (s *Server) Serve(network, address string) error {
	ln, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.ServeListener(ln)
}

// ServeListener blocks in the accept loop of ln. It returns nil after
// Shutdown.
func (s *Server) ServeListener(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	if s.shutdown.Load() {
		ln.Close()
		return nil
	}
	s.logger.Info("transport listening", zap.String("addr", ln.Addr().String()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			// Shutdown closes the listener; that Accept error is expected.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.handleConn(conn)
	}
}

// Addr returns the listening address, or nil before serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// handleConn reads frames sequentially and dispatches each request to its
// own goroutine. Responses share writeMu so frames never interleave.
func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	writeMu := &sync.Mutex{}
	source := ""
	for {
		header, path, body, err := protocol.Decode(conn)
		if err != nil {
			if !s.shutdown.Load() && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("connection closed", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
			}
			return
		}

		switch header.MsgType {
		case protocol.MsgTypeHello:
			source = string(body)
			s.logger.Debug("peer connected", zap.String("node", source), zap.String("remote", conn.RemoteAddr().String()))
		case protocol.MsgTypeRequest:
			if !s.track() {
				s.reply(conn, writeMu, header.Seq, protocol.MsgTypeError, nil)
				continue
			}
			go s.handleRequest(conn, writeMu, source, header.Seq, path, body)
		}
	}
}

// track counts a request in unless shutdown has begun. The check and the
// Add share s.mu with Shutdown, so no Add can race its Wait.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) handleRequest(conn net.Conn, writeMu *sync.Mutex, source string, seq uint32, path string, body []byte) {
	defer s.wg.Done()

	out, err := s.handler(s.ctx, source, path, body)
	if err != nil {
		s.logger.Debug("request failed",
			zap.String("node", source), zap.String("path", path), zap.Error(err))
		s.reply(conn, writeMu, seq, protocol.MsgTypeError, nil)
		return
	}
	s.reply(conn, writeMu, seq, protocol.MsgTypeResponse, out)
}

func (s *Server) reply(conn net.Conn, writeMu *sync.Mutex, seq uint32, msgType protocol.MsgType, body []byte) {
	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.Encode(conn, &protocol.Header{MsgType: msgType, Seq: seq}, "", body); err != nil {
		s.logger.Warn("failed to write reply", zap.Uint32("seq", seq), zap.Error(err))
	}
}

// Shutdown stops accepting connections, waits up to timeout for in-flight
// requests, then cancels whatever is still running and closes all
// connections.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	s.shutdown.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("timeout waiting for ongoing requests to finish")
	}

	s.cancel()
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	return err
}
