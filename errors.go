// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package iorequest

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport reports an I/O failure on the underlying stream.
	ErrTransport = errors.New("iorequest: transport failure")
	// ErrTransportClosed reports that the stream ended in the middle of, or
	// before, a frame.
	ErrTransportClosed = errors.New("iorequest: transport closed")
	// ErrProtocol reports a malformed frame.
	ErrProtocol = errors.New("iorequest: protocol error")
	// ErrFrameTooLarge is returned when an encoded message does not fit in a
	// frame. It wraps ErrProtocol.
	ErrFrameTooLarge = fmt.Errorf("%w: frame too large", ErrProtocol)
	// ErrAuthorization is returned by Open when the handshake is rejected.
	ErrAuthorization = errors.New("iorequest: authorization failed")
	// ErrRequestTimeout is returned when a synchronous request is not answered
	// before its deadline.
	ErrRequestTimeout = errors.New("iorequest: request timeout")
	// ErrClosed is returned to requests still waiting when the connection
	// closes.
	ErrClosed = errors.New("iorequest: connection closed")
	// ErrNotOpen is returned by requests made before Open or after Close.
	ErrNotOpen = errors.New("iorequest: connection not open")
	// ErrAlreadyOpened is returned by a second call to Open.
	ErrAlreadyOpened = errors.New("iorequest: client already opened")
)

// CloseSignal is returned by ReadFrame when the peer sent the zero-length
// frame announcing an orderly close. Like io.EOF it is not a failure.
var CloseSignal = errors.New("iorequest: orderly close")
