// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package iorequest

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func init() {
	registerTransport(TransportGRPC, dialGRPC, listenGRPC)
}

// The grpc transport tunnels the byte stream through one bidirectional
// stream of BytesValue messages. Both directions of the tunnel carry
// requests and responses, whichever side dialed.
const tunnelMethod = "/iorequest.Tunnel/Pipe"

// grpcCloseGrace lets queued messages drain before a client stream is
// cancelled.
const grpcCloseGrace = 200 * time.Millisecond

type tunnelServer interface {
	pipe(stream grpc.ServerStream) error
}

var tunnelServiceDesc = grpc.ServiceDesc{
	ServiceName: "iorequest.Tunnel",
	HandlerType: (*tunnelServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName: "Pipe",
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(tunnelServer).pipe(stream)
			},
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "iorequest/tunnel",
}

type grpcStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// streamConn adapts a message stream to a byte stream.
type streamConn struct {
	stream  grpcStream
	rbuf    []byte
	closeFn func() error
	once    sync.Once
}

func (s *streamConn) Read(b []byte) (int, error) {
	for len(s.rbuf) == 0 {
		msg := new(wrapperspb.BytesValue)
		if err := s.stream.RecvMsg(msg); err != nil {
			return 0, err
		}
		s.rbuf = msg.GetValue()
	}
	n := copy(b, s.rbuf)
	s.rbuf = s.rbuf[n:]
	return n, nil
}

func (s *streamConn) Write(b []byte) (int, error) {
	if err := s.stream.SendMsg(wrapperspb.Bytes(b)); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (s *streamConn) Close() error {
	var err error
	s.once.Do(func() { err = s.closeFn() })
	return err
}

func dialGRPC(ctx context.Context, addr string, o *dialOptions) (Transport, error) {
	creds := insecure.NewCredentials()
	if o.tlsConfig != nil {
		creds = credentials.NewTLS(o.tlsConfig)
	}
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, o.grpcOptions...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}

	// The stream outlives ctx, which only bounds establishment.
	dctx, dcancel := context.WithTimeout(ctx, o.dialTimeout)
	defer dcancel()
	sctx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(dctx, cancel)
	stream, err := conn.NewStream(sctx, &tunnelServiceDesc.Streams[0], tunnelMethod)
	if !stop() || err != nil {
		cancel()
		_ = conn.Close()
		if err == nil {
			err = dctx.Err()
		}
		return nil, fmt.Errorf("grpc open tunnel: %w", err)
	}

	return &streamConn{
		stream: stream,
		closeFn: func() error {
			err := stream.CloseSend()
			time.AfterFunc(grpcCloseGrace, func() {
				cancel()
				_ = conn.Close()
			})
			return err
		},
	}, nil
}

type grpcAcceptor struct {
	srv    *grpc.Server
	lis    net.Listener
	conns  chan Transport
	closed chan struct{}
	once   sync.Once
}

func listenGRPC(addr string, o *dialOptions) (acceptor, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	var opts []grpc.ServerOption
	if o.tlsConfig != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(o.tlsConfig)))
	}
	a := &grpcAcceptor{
		srv:    grpc.NewServer(opts...),
		lis:    lis,
		conns:  make(chan Transport),
		closed: make(chan struct{}),
	}
	a.srv.RegisterService(&tunnelServiceDesc, a)
	go func() { _ = a.srv.Serve(lis) }()
	return a, nil
}

// pipe serves one tunnel. The stream lives until the transport handed to
// Accept is closed.
func (a *grpcAcceptor) pipe(stream grpc.ServerStream) error {
	done := make(chan struct{})
	t := &streamConn{
		stream: stream,
		closeFn: func() error {
			close(done)
			return nil
		},
	}

	select {
	case a.conns <- t:
	case <-a.closed:
		return status.Error(codes.Unavailable, "server closed")
	case <-stream.Context().Done():
		return stream.Context().Err()
	}

	select {
	case <-done:
	case <-stream.Context().Done():
	case <-a.closed:
	}
	return nil
}

func (a *grpcAcceptor) Accept(ctx context.Context) (Transport, error) {
	select {
	case t := <-a.conns:
		return t, nil
	case <-a.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *grpcAcceptor) Close() error {
	a.once.Do(func() {
		close(a.closed)
		a.srv.Stop()
	})
	return nil
}

func (a *grpcAcceptor) Addr() net.Addr { return a.lis.Addr() }
