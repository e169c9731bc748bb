// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package iorequest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Server accepts connections and serves each with its own Client. The
// routes registered on the Server are installed on every Client before it
// is opened.
type Server struct {
	acceptor acceptor
	opts     *dialOptions
	log      *zap.Logger

	handlersMu sync.RWMutex
	routes     []route
	fallback   Handler
	onOpen     func(*Client)

	mu      sync.Mutex
	clients map[*Client]struct{}

	workers *Workers
	closed  atomic.Bool
}

// Listen creates a server on addr using the transport selected by
// WithTransport.
func Listen(addr string, opts ...DialOption) (*Server, error) {
	o := newDialOptions(opts)
	_, listen, ok := lookupTransport(o.transport)
	if !ok {
		return nil, fmt.Errorf("unknown transport: %s", o.transport)
	}
	a, err := listen(addr, o)
	if err != nil {
		return nil, err
	}

	co := defaultClientOptions()
	for _, opt := range o.client {
		opt(co)
	}
	log := co.log.Named("iorequest.server").With(zap.String("transport", o.transport))
	return &Server{
		acceptor: a,
		opts:     o,
		log:      log,
		clients:  make(map[*Client]struct{}),
		workers:  NewWorkers(log),
	}, nil
}

// Respond registers h on every client accepted from now on.
func (s *Server) Respond(m Matcher, h Handler) {
	s.handlersMu.Lock()
	s.routes = append(s.routes, route{match: m, handler: h})
	s.handlersMu.Unlock()
}

// RespondDefault sets the default handler of every client accepted from now
// on.
func (s *Server) RespondDefault(h Handler) {
	s.handlersMu.Lock()
	s.fallback = h
	s.handlersMu.Unlock()
}

// OnOpen registers fn to run for every client once it is open.
func (s *Server) OnOpen(fn func(*Client)) {
	s.handlersMu.Lock()
	s.onOpen = fn
	s.handlersMu.Unlock()
}

// Serve accepts connections until ctx is done or the server is closed.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		t, err := s.acceptor.Accept(ctx)
		if err != nil {
			if s.closed.Load() || ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.log.Warn("accept failed", zap.Error(err))
			continue
		}
		s.workers.Spawn("handshake", func(context.Context) { s.open(t) })
	}
}

func (s *Server) open(t Transport) {
	c := NewClient(s.opts.client...)

	s.handlersMu.RLock()
	for _, r := range s.routes {
		c.Respond(r.match, r.handler)
	}
	if s.fallback != nil {
		c.RespondDefault(s.fallback)
	}
	onOpen := s.onOpen
	s.handlersMu.RUnlock()

	if err := c.Open(t); err != nil {
		s.log.Debug("failed to open client", zap.String("conn", c.Name()), zap.Error(err))
		_ = t.Close()
		return
	}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = c.Close()
		return
	}
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	s.workers.Spawn("client", func(ctx context.Context) {
		select {
		case <-c.Done():
		case <-ctx.Done():
		}
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
	})
	if onOpen != nil {
		onOpen(c)
	}
}

// Clients returns the currently open clients.
func (s *Server) Clients() []*Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		out = append(out, c)
	}
	return out
}

// Close stops accepting, closes every client and waits for handshakes in
// progress.
func (s *Server) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	err := s.acceptor.Close()
	for _, c := range s.Clients() {
		_ = c.Close()
	}
	s.workers.Wait()
	return err
}

// Addr returns the listener address
func (s *Server) Addr() string {
	return s.acceptor.Addr().String()
}
