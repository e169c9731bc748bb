// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package iorequest provides duplex request/response messaging over a single
// byte stream.
//
// Both ends of a connection run a Client. Either end may send requests and
// answer the other's requests at the same time; responses are correlated to
// their requests by identifier, so they may arrive in any order.
//
// # Wire format
//
// Every message is a frame: a two byte big-endian length followed by that
// many bytes of JSON:
//
//	{"id":"<token>#<seq>","type":"request","data":{...}}
//	{"id":"<token>#<seq>","type":"response","to":"<request id>","data":{...}}
//
// A zero length frame announces an orderly close.
//
// # Transports
//
// Any io.ReadWriteCloser can be opened directly. Dial and Listen build one
// from a registered transport:
//
//	tcp    plain TCP (default)
//	tls    TLS 1.3 over TCP
//	quic   one bidirectional QUIC stream
//	grpc   one bidirectional gRPC stream
//
// # Usage
//
// Server:
//
//	srv, err := iorequest.Listen(":9000", iorequest.WithClientOptions(
//	    iorequest.WithAuthorizer(iorequest.SharedSecret(secret)),
//	))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv.Respond(iorequest.HasKey("ping"), func(ctx context.Context, d iorequest.Data) (iorequest.Data, error) {
//	    return iorequest.Data{"pong": true}, nil
//	})
//	srv.Serve(ctx)
//
// Client:
//
//	c, err := iorequest.Dial(ctx, "localhost:9000", iorequest.WithClientOptions(
//	    iorequest.WithAuthorizer(iorequest.SharedSecret(secret)),
//	))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
//	resp, err := c.Request(ctx, iorequest.Data{"ping": true})
package iorequest
