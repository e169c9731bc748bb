// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package iorequest

import (
	"context"
	"io"
	"net"
	"sort"
	"sync"
)

// Transport is the ordered, reliable byte stream a Client runs on. Reads and
// writes may happen concurrently; Close must unblock a pending Read.
//
// Transports that also implement SetDeadline(time.Time) error get a bounded
// handshake and close frame.
type Transport interface {
	io.ReadWriteCloser
}

// Transport types
const (
	TransportTCP  = "tcp"
	TransportTLS  = "tls"
	TransportQUIC = "quic"
	TransportGRPC = "grpc"
)

// DefaultTransport is the transport used by Dial and Listen unless
// WithTransport says otherwise.
const DefaultTransport = TransportTCP

// acceptor hands out the raw transports of incoming connections.
type acceptor interface {
	Accept(ctx context.Context) (Transport, error)
	Close() error
	Addr() net.Addr
}

type dialFunc func(ctx context.Context, addr string, o *dialOptions) (Transport, error)
type listenFunc func(addr string, o *dialOptions) (acceptor, error)

var (
	transportsMu sync.RWMutex
	transports   = map[string]struct {
		dial   dialFunc
		listen listenFunc
	}{
		TransportTCP: {dialTCP, listenTCP},
		TransportTLS: {dialTLS, listenTLS},
	}
)

// registerTransport registers a new transport
func registerTransport(name string, dial dialFunc, listen listenFunc) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[name] = struct {
		dial   dialFunc
		listen listenFunc
	}{dial, listen}
}

func lookupTransport(name string) (dialFunc, listenFunc, bool) {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	t, ok := transports[name]
	return t.dial, t.listen, ok
}

// AvailableTransports returns the sorted list of available transport types
func AvailableTransports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	result := make([]string, 0, len(transports))
	for name := range transports {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// HasTransport checks if a transport is available
func HasTransport(name string) bool {
	_, _, ok := lookupTransport(name)
	return ok
}
