// Package service binds a dispatcher to a node's inbound message callback
// and lifecycle. It holds no RPC state of its own: only the scope that
// in-flight dispatches run under.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"datalayer-rpc/registry"
	"datalayer-rpc/server"
	"datalayer-rpc/transport"

	"go.uber.org/zap"
)

// ErrNotRunning is returned for messages that arrive before OnCreate or
// after OnDestroy.
var ErrNotRunning = errors.New("service: not running")

// Service is the data-layer service hosting one dispatcher.
type Service struct {
	dispatcher *server.Dispatcher
	pathPrefix string
	logger     *zap.Logger

	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

type Option func(*Service)

// WithPathPrefix sets the path prefix RPC messages arrive under. Messages
// on other paths are refused.
func WithPathPrefix(prefix string) Option {
	return func(s *Service) { s.pathPrefix = prefix }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// New creates a stopped service owning d.
func New(d *server.Dispatcher, opts ...Option) *Service {
	s := &Service{
		dispatcher: d,
		pathPrefix: transport.DefaultPathPrefix,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dispatcher returns the dispatcher the service owns.
func (s *Service) Dispatcher() *server.Dispatcher {
	return s.dispatcher
}

// OnCreate opens the dispatch scope. The method table is frozen from here
// on.
func (s *Service) OnCreate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true
	s.dispatcher.Freeze()
	s.logger.Info("service created", zap.Strings("methods", s.dispatcher.Methods()))
}

// OnIncomingMessage serves one inbound message. The dispatch runs under
// both ctx and the service scope, so OnDestroy cancels it.
func (s *Service) OnIncomingMessage(ctx context.Context, sourceNode, path string, data []byte) ([]byte, error) {
	if !strings.HasPrefix(path, s.pathPrefix+"/") {
		return nil, fmt.Errorf("%w: %s", transport.ErrNoHandler, path)
	}

	s.mu.RLock()
	if !s.running {
		s.mu.RUnlock()
		return nil, ErrNotRunning
	}
	scope := s.ctx
	s.wg.Add(1)
	s.mu.RUnlock()
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(scope, cancel)
	defer stop()

	resp, err := s.dispatcher.HandleFrom(ctx, sourceNode, data)
	if err != nil {
		s.logger.Debug("dispatch failed",
			zap.String("source", sourceNode),
			zap.String("path", path),
			zap.Stringer("code", server.StatusCode(err)),
			zap.Error(err))
		return nil, err
	}
	return resp, nil
}

// Handler exposes OnIncomingMessage to a transport.
func (s *Service) Handler() transport.RequestHandler {
	return s.OnIncomingMessage
}

// OnDestroy cancels in-flight dispatches and waits for them to return.
// Their callers see a transport failure, since no reply is sent.
func (s *Service) OnDestroy() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("service destroyed")
}

// Advertise registers node under every service name the dispatcher serves
// and under the extra capabilities given.
func (s *Service) Advertise(ctx context.Context, reg registry.Registry, node registry.Node, ttl int64, capabilities ...string) error {
	for _, capability := range append(s.services(), capabilities...) {
		if err := reg.Register(ctx, capability, node, ttl); err != nil {
			return fmt.Errorf("advertise %s: %w", capability, err)
		}
	}
	return nil
}

// Withdraw removes what Advertise registered.
func (s *Service) Withdraw(ctx context.Context, reg registry.Registry, nodeID string, capabilities ...string) error {
	var errs []error
	for _, capability := range append(s.services(), capabilities...) {
		if err := reg.Deregister(ctx, capability, nodeID); err != nil {
			errs = append(errs, fmt.Errorf("withdraw %s: %w", capability, err))
		}
	}
	return errors.Join(errs...)
}

// services lists the distinct service names of the bound methods.
func (s *Service) services() []string {
	var names []string
	seen := make(map[string]bool)
	for _, method := range s.dispatcher.Methods() {
		name := strings.TrimPrefix(method, "/")
		if i := strings.IndexByte(name, '/'); i >= 0 {
			name = name[:i]
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}
