// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package iorequest

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Frame layout: [2 len][len bytes of JSON]. A zero length announces an
// orderly close and carries no payload.
const (
	frameHeaderLen  = 2
	MaxFramePayload = 1<<16 - 1
)

// wireMessage mirrors Message with pointers so missing fields can be told
// apart from empty ones.
type wireMessage struct {
	ID   *string `json:"id"`
	Type *Kind   `json:"type"`
	To   *string `json:"to"`
	Data Data    `json:"data"`
}

// EncodeFrame returns the frame for m.
func EncodeFrame(m *Message) ([]byte, error) {
	out := *m
	if out.Data == nil {
		out.Data = Data{}
	}
	payload, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("%w: encode message: %v", ErrProtocol, err)
	}
	if len(payload) > MaxFramePayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	buf := make([]byte, frameHeaderLen+len(payload))
	binary.BigEndian.PutUint16(buf[0:frameHeaderLen], uint16(len(payload)))
	copy(buf[frameHeaderLen:], payload)
	return buf, nil
}

// WriteFrame encodes m and writes it to w in a single Write call.
func WriteFrame(w io.Writer, m *Message) error {
	buf, err := EncodeFrame(m)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

// WriteCloseFrame writes the zero-length frame.
func WriteCloseFrame(w io.Writer) error {
	var buf [frameHeaderLen]byte
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

// ReadFrame reads one frame from r. It returns CloseSignal when the peer sent
// the zero-length frame.
func ReadFrame(r io.Reader) (*Message, error) {
	var header [frameHeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, readError(err)
	}

	n := binary.BigEndian.Uint16(header[:])
	if n == 0 {
		return nil, CloseSignal
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, readError(err)
	}
	return DecodeMessage(payload)
}

// DecodeMessage parses a frame payload.
func DecodeMessage(payload []byte) (*Message, error) {
	var w wireMessage
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if w.ID == nil || *w.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrProtocol)
	}
	if w.Type == nil {
		return nil, fmt.Errorf("%w: missing type", ErrProtocol)
	}

	m := &Message{ID: *w.ID, Type: *w.Type, Data: w.Data}
	if m.Data == nil {
		m.Data = Data{}
	}
	switch m.Type {
	case KindRequest:
		if w.To != nil && *w.To != "" {
			return nil, fmt.Errorf("%w: request %s carries to", ErrProtocol, m.ID)
		}
	case KindResponse:
		if w.To == nil || *w.To == "" {
			return nil, fmt.Errorf("%w: response %s without to", ErrProtocol, m.ID)
		}
		m.To = *w.To
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrProtocol, m.Type)
	}
	return m, nil
}

func readError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", ErrTransportClosed, err)
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}
