// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package iorequest

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

type authResult struct {
	ok   bool
	data any
}

// handshake runs a on one end of a pipe and b on the other.
func handshake(t *testing.T, a, b Authorizer) (authResult, authResult) {
	t.Helper()
	left, right, err := Pipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = left.Close()
		_ = right.Close()
	})

	ch := make(chan authResult, 1)
	go func() {
		ok, data := b.Authorize(right)
		ch <- authResult{ok, data}
	}()
	ok, data := a.Authorize(left)
	return authResult{ok, data}, <-ch
}

func TestEmptyAuthorizer(t *testing.T) {
	var buf bytes.Buffer
	ok, data := Empty().Authorize(&buf)
	require.True(t, ok)
	require.Equal(t, EmptyAuthData, data)
	require.Zero(t, buf.Len())
}

func TestSharedSecretMatch(t *testing.T) {
	key := []byte("correct horse")
	l, r := handshake(t, SharedSecret(key), SharedSecret(key))
	require.True(t, l.ok)
	require.True(t, r.ok)
	require.Equal(t, key, l.data)
	require.Equal(t, key, r.data)
}

func TestSharedSecretMismatch(t *testing.T) {
	l, r := handshake(t, SharedSecret([]byte("secret-a")), SharedSecret([]byte("secret-b")))
	require.False(t, l.ok)
	require.False(t, r.ok)
}

func TestSharedSecretCopiesKey(t *testing.T) {
	key := []byte("abc")
	a := SharedSecret(key)
	key[0] = 'x'
	l, _ := handshake(t, a, SharedSecret([]byte("abc")))
	require.True(t, l.ok)
}

func TestSharedSecretShortPeer(t *testing.T) {
	var in bytes.Buffer
	in.WriteString("ab")
	rw := struct {
		io.Reader
		io.Writer
	}{&in, io.Discard}
	ok, data := SharedSecret([]byte("abc")).Authorize(rw)
	require.False(t, ok)
	require.Nil(t, data)
}

func TestAuthorizeRecoversPanic(t *testing.T) {
	panicky := AuthorizerFunc(func(io.ReadWriter) (bool, any) {
		panic("boom")
	})
	ok, data, err := authorize(panicky, &bytes.Buffer{})
	require.False(t, ok)
	require.Nil(t, data)
	require.ErrorContains(t, err, "boom")
}

func TestAuthorizeDropsDataOnFailure(t *testing.T) {
	reject := AuthorizerFunc(func(io.ReadWriter) (bool, any) {
		return false, "leaked"
	})
	ok, data, err := authorize(reject, &bytes.Buffer{})
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, data)
}
