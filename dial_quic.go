// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package iorequest

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
)

func init() {
	registerTransport(TransportQUIC, dialQUIC, listenQUIC)
}

// A QUIC stream is invisible to the peer until its first byte, so the
// dialer opens every stream with quicHello.
const quicHello byte = 0x01

// quicCloseGrace lets the final frames of a closed stream reach the peer
// before the connection is torn down.
const quicCloseGrace = 200 * time.Millisecond

var quicConfig = &quic.Config{
	KeepAlivePeriod: 10 * time.Second,
}

type quicStream interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
	CancelRead(code quic.StreamErrorCode)
}

type quicConn interface {
	CloseWithError(code quic.ApplicationErrorCode, msg string) error
}

// quicTransport runs a connection on a single bidirectional QUIC stream and
// owns the QUIC connection carrying it.
type quicTransport struct {
	stream quicStream
	conn   quicConn
	once   sync.Once
}

func (q *quicTransport) Read(b []byte) (int, error)    { return q.stream.Read(b) }
func (q *quicTransport) Write(b []byte) (int, error)   { return q.stream.Write(b) }
func (q *quicTransport) SetDeadline(t time.Time) error { return q.stream.SetDeadline(t) }

func (q *quicTransport) Close() error {
	var err error
	q.once.Do(func() {
		err = q.stream.Close()
		q.stream.CancelRead(0)
		time.AfterFunc(quicCloseGrace, func() {
			_ = q.conn.CloseWithError(0, "closed")
		})
	})
	return err
}

func dialQUIC(ctx context.Context, addr string, o *dialOptions) (Transport, error) {
	if o.tlsConfig == nil {
		return nil, ErrMissingTLS
	}
	dctx, cancel := context.WithTimeout(ctx, o.dialTimeout)
	defer cancel()

	conn, err := quic.DialAddr(dctx, addr, withALPN(o.tlsConfig), quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial quic %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(dctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("open quic stream: %w", err)
	}
	if _, err := stream.Write([]byte{quicHello}); err != nil {
		_ = conn.CloseWithError(0, "hello failed")
		return nil, fmt.Errorf("quic hello: %w", err)
	}
	return &quicTransport{stream: stream, conn: conn}, nil
}

type quicAcceptor struct {
	l       *quic.Listener
	streams chan Transport
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
}

func listenQUIC(addr string, o *dialOptions) (acceptor, error) {
	if o.tlsConfig == nil {
		return nil, ErrMissingTLS
	}
	l, err := quic.ListenAddr(addr, withALPN(o.tlsConfig), quicConfig)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &quicAcceptor{
		l:       l,
		streams: make(chan Transport),
		ctx:     ctx,
		cancel:  cancel,
	}
	go a.acceptLoop(o.dialTimeout)
	return a, nil
}

func (a *quicAcceptor) acceptLoop(timeout time.Duration) {
	for {
		conn, err := a.l.Accept(a.ctx)
		if err != nil {
			return
		}
		go func() {
			hctx, cancel := context.WithTimeout(a.ctx, timeout)
			defer cancel()
			stream, err := conn.AcceptStream(hctx)
			if err != nil {
				_ = conn.CloseWithError(0, "no stream")
				return
			}
			var hello [1]byte
			if _, err := io.ReadFull(stream, hello[:]); err != nil || hello[0] != quicHello {
				_ = conn.CloseWithError(0, "bad hello")
				return
			}
			t := &quicTransport{stream: stream, conn: conn}
			select {
			case a.streams <- t:
			case <-a.ctx.Done():
				_ = t.Close()
			}
		}()
	}
}

func (a *quicAcceptor) Accept(ctx context.Context) (Transport, error) {
	select {
	case t := <-a.streams:
		return t, nil
	case <-a.ctx.Done():
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *quicAcceptor) Close() error {
	var err error
	a.once.Do(func() {
		a.cancel()
		err = a.l.Close()
	})
	return err
}

func (a *quicAcceptor) Addr() net.Addr { return a.l.Addr() }
