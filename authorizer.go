// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package iorequest

import (
	"bytes"
	"fmt"
	"io"
)

// Authorizer runs the handshake on a freshly opened transport. The client
// holds both its read and write locks for the whole call, so no frame can
// interleave with handshake bytes.
//
// Authorize returns ok=false on any failure; the returned data is kept by the
// client on success and is otherwise ignored.
type Authorizer interface {
	Authorize(rw io.ReadWriter) (ok bool, data any)
}

// AuthorizerFunc is a function adapter for Authorizer.
type AuthorizerFunc func(rw io.ReadWriter) (bool, any)

func (f AuthorizerFunc) Authorize(rw io.ReadWriter) (bool, any) {
	return f(rw)
}

type emptyAuthData struct{}

func (emptyAuthData) String() string { return "empty" }

// EmptyAuthData is the data reported by the Empty authorizer.
var EmptyAuthData any = emptyAuthData{}

// Empty returns an authorizer that accepts every connection without
// exchanging any bytes.
func Empty() Authorizer {
	return AuthorizerFunc(func(io.ReadWriter) (bool, any) {
		return true, EmptyAuthData
	})
}

// SharedSecret returns an authorizer that writes key, reads back len(key)
// bytes and accepts the peer iff they are equal. Both sides must use it.
//
// This is an echo check, not a proof of knowledge: the key travels in the
// clear and there is no nonce. Run it over TLS if the key matters.
func SharedSecret(key []byte) Authorizer {
	key = bytes.Clone(key)
	return AuthorizerFunc(func(rw io.ReadWriter) (bool, any) {
		if _, err := rw.Write(key); err != nil {
			return false, nil
		}
		other := make([]byte, len(key))
		if _, err := io.ReadFull(rw, other); err != nil {
			return false, nil
		}
		if !bytes.Equal(key, other) {
			return false, nil
		}
		return true, other
	})
}

// authorize runs a and converts panics into a failed handshake.
func authorize(a Authorizer, rw io.ReadWriter) (ok bool, data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, data, err = false, nil, fmt.Errorf("authorizer panic: %v", r)
		}
	}()
	ok, data = a.Authorize(rw)
	if !ok {
		data = nil
	}
	return ok, data, nil
}
