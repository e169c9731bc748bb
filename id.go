// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package iorequest

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// ID is a correlation identifier: a generator token plus a sequence number.
// Two generators never share a token, so IDs stay unique across clients,
// goroutines and processes without coordination.
type ID struct {
	Token string
	Seq   uint64
}

const idSeparator = "#"

func (id ID) String() string {
	return id.Token + idSeparator + strconv.FormatUint(id.Seq, 10)
}

// Compare orders IDs by token, then sequence. The order carries no meaning
// beyond being stable.
func (id ID) Compare(other ID) int {
	if c := strings.Compare(id.Token, other.Token); c != 0 {
		return c
	}
	return cmp.Compare(id.Seq, other.Seq)
}

// ParseID parses the string form produced by ID.String.
func ParseID(s string) (ID, error) {
	i := strings.LastIndex(s, idSeparator)
	if i <= 0 || i == len(s)-1 {
		return ID{}, fmt.Errorf("iorequest: invalid id %q", s)
	}
	seq, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("iorequest: invalid id %q: %w", s, err)
	}
	return ID{Token: s[:i], Seq: seq}, nil
}

// IDGenerator hands out IDs sharing one random token. It is safe for
// concurrent use.
type IDGenerator struct {
	token string
	seq   atomic.Uint64
}

// NewIDGenerator returns a generator with a fresh random token.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{token: uuid.NewString()}
}

// Token returns the token shared by all IDs of g.
func (g *IDGenerator) Token() string { return g.token }

// Next returns the next ID.
func (g *IDGenerator) Next() ID {
	return ID{Token: g.token, Seq: g.seq.Add(1)}
}
