// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package iorequest

import "fmt"

// Kind identifies a message as a request or a response.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
)

// Data is the structured payload carried by every message.
type Data map[string]any

// Message is a single request or response on the wire.
//
// A response carries the ID of the request it answers in To. Requests leave
// To empty.
type Message struct {
	ID   string `json:"id"`
	Type Kind   `json:"type"`
	To   string `json:"to,omitempty"`
	Data Data   `json:"data"`
}

// IsRequest reports whether m is a request.
func (m *Message) IsRequest() bool { return m.Type == KindRequest }

// IsResponse reports whether m is a response.
func (m *Message) IsResponse() bool { return m.Type == KindResponse }

func (m *Message) String() string {
	if m.IsResponse() {
		return fmt.Sprintf("%s %s to %s", m.Type, m.ID, m.To)
	}
	return fmt.Sprintf("%s %s", m.Type, m.ID)
}

func newRequest(id string, data Data) *Message {
	if data == nil {
		data = Data{}
	}
	return &Message{ID: id, Type: KindRequest, Data: data}
}

func newResponse(id string, to *Message, data Data) *Message {
	if data == nil {
		data = Data{}
	}
	return &Message{ID: id, Type: KindResponse, To: to.ID, Data: data}
}
