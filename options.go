// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package iorequest

import (
	"time"

	"go.uber.org/zap"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
)

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	name             string
	authorizer       Authorizer
	log              *zap.Logger
	ids              *IDGenerator
	metrics          *Metrics
	requestTimeout   time.Duration
	handshakeTimeout time.Duration
}

func defaultClientOptions() *clientOptions {
	return &clientOptions{
		authorizer:       Empty(),
		log:              zap.NewNop(),
		handshakeTimeout: DefaultHandshakeTimeout,
	}
}

// WithAuthorizer sets the handshake run by Open. The default is Empty.
func WithAuthorizer(a Authorizer) Option {
	return func(o *clientOptions) { o.authorizer = a }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *clientOptions) {
		if l != nil {
			o.log = l
		}
	}
}

// WithIDGenerator shares an ID generator between clients.
func WithIDGenerator(g *IDGenerator) Option {
	return func(o *clientOptions) { o.ids = g }
}

// WithMetrics records client activity in m.
func WithMetrics(m *Metrics) Option {
	return func(o *clientOptions) { o.metrics = m }
}

// WithRequestTimeout bounds requests whose context has no deadline. Zero
// waits indefinitely.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *clientOptions) { o.requestTimeout = d }
}

// WithHandshakeTimeout bounds the authorization handshake on transports that
// support deadlines. Zero disables the bound.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *clientOptions) { o.handshakeTimeout = d }
}

// WithName sets the name the client logs under. It defaults to the token of
// its ID generator.
func WithName(name string) Option {
	return func(o *clientOptions) { o.name = name }
}
