// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package iorequest

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
)

// DialOption configures Dial and Listen.
type DialOption func(*dialOptions)

type dialOptions struct {
	transport   string
	tlsConfig   *tls.Config
	dialTimeout time.Duration
	grpcOptions []grpc.DialOption
	client      []Option
}

func newDialOptions(opts []DialOption) *dialOptions {
	o := &dialOptions{
		transport:   DefaultTransport,
		dialTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithTransport explicitly sets the transport type
func WithTransport(t string) DialOption {
	return func(o *dialOptions) { o.transport = t }
}

// WithTLSConfig sets the TLS configuration of the tls and quic transports.
func WithTLSConfig(c *tls.Config) DialOption {
	return func(o *dialOptions) { o.tlsConfig = c }
}

// WithDialTimeout bounds connection establishment.
func WithDialTimeout(d time.Duration) DialOption {
	return func(o *dialOptions) { o.dialTimeout = d }
}

// WithGRPCDialOptions adds options used when dialing the grpc transport.
func WithGRPCDialOptions(opts ...grpc.DialOption) DialOption {
	return func(o *dialOptions) { o.grpcOptions = append(o.grpcOptions, opts...) }
}

// WithClientOptions configures the Client created for each connection.
func WithClientOptions(opts ...Option) DialOption {
	return func(o *dialOptions) { o.client = append(o.client, opts...) }
}

// Dial connects to addr and returns an open Client. Handlers may be
// registered on the returned client at any time; requests arriving before
// that are answered with empty data. Use DialClient to register them first.
func Dial(ctx context.Context, addr string, opts ...DialOption) (*Client, error) {
	o := newDialOptions(opts)
	return DialClient(ctx, NewClient(o.client...), addr, opts...)
}

// DialClient connects to addr and opens c on the connection. If the
// handshake fails the connection is closed.
func DialClient(ctx context.Context, c *Client, addr string, opts ...DialOption) (*Client, error) {
	o := newDialOptions(opts)
	dial, _, ok := lookupTransport(o.transport)
	if !ok {
		return nil, fmt.Errorf("unknown transport: %s", o.transport)
	}

	t, err := dial(ctx, addr, o)
	if err != nil {
		return nil, err
	}
	if err := c.Open(t); err != nil {
		_ = t.Close()
		return nil, err
	}
	return c, nil
}

func dialTCP(ctx context.Context, addr string, o *dialOptions) (Transport, error) {
	d := &net.Dialer{Timeout: o.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial tcp %s: %w", addr, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("set no delay: %w", err)
		}
	}
	return conn, nil
}

func dialTLS(ctx context.Context, addr string, o *dialOptions) (Transport, error) {
	if o.tlsConfig == nil {
		return nil, ErrMissingTLS
	}
	d := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: o.dialTimeout},
		Config:    withALPN(o.tlsConfig),
	}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial tls %s: %w", addr, err)
	}
	return conn, nil
}

// netAcceptor adapts a net.Listener.
type netAcceptor struct {
	l net.Listener
}

func listenTCP(addr string, _ *dialOptions) (acceptor, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &netAcceptor{l: l}, nil
}

func listenTLS(addr string, o *dialOptions) (acceptor, error) {
	if o.tlsConfig == nil {
		return nil, ErrMissingTLS
	}
	l, err := tls.Listen("tcp", addr, withALPN(o.tlsConfig))
	if err != nil {
		return nil, err
	}
	return &netAcceptor{l: l}, nil
}

func (a *netAcceptor) Accept(context.Context) (Transport, error) {
	return a.l.Accept()
}

func (a *netAcceptor) Close() error   { return a.l.Close() }
func (a *netAcceptor) Addr() net.Addr { return a.l.Addr() }

// ErrMissingTLS is returned when a TLS based transport has no TLS config.
var ErrMissingTLS = errors.New("iorequest: missing TLS configuration")
