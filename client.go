// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package iorequest

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the lifecycle state of a Client.
type State int32

const (
	StateUnopened State = iota
	StateAuthorizing
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateAuthorizing:
		return "authorizing"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// closeFrameTimeout bounds the best-effort close frame written by Close.
const closeFrameTimeout = time.Second

// Client is one endpoint of a duplex request/response connection. Both sides
// of a connection run a Client; either can send requests and answer the
// other's requests at the same time.
//
// A Client serves exactly one transport and cannot be reopened.
type Client struct {
	opts *clientOptions
	log  *zap.Logger
	ids  *IDGenerator
	name string

	mu       sync.Mutex // guards state, conn and authData
	state    State
	conn     Transport
	authData any

	// readMu and writeMu serialize each direction of conn independently so
	// frames never interleave. Only the handshake holds both.
	readMu  sync.Mutex
	writeMu sync.Mutex

	handlersMu sync.RWMutex
	routes     []route
	fallback   Handler
	onClose    func()

	pending  *pendingRequests
	workers  *Workers
	done     chan struct{}
	doneOnce sync.Once
}

// NewClient returns an unopened client.
func NewClient(opts ...Option) *Client {
	o := defaultClientOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.ids == nil {
		o.ids = NewIDGenerator()
	}
	name := o.name
	if name == "" {
		name = o.ids.Token()
	}

	log := o.log.Named("iorequest").With(zap.String("conn", name))
	c := &Client{
		opts:    o,
		log:     log,
		ids:     o.ids,
		name:    name,
		pending: newPendingRequests(),
		workers: NewWorkers(log),
		done:    make(chan struct{}),
	}
	c.workers.OnChange = o.metrics.workerDelta
	return c
}

// Name returns the name the client logs under.
func (c *Client) Name() string { return c.name }

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsOpen reports whether the connection is open.
func (c *Client) IsOpen() bool { return c.State() == StateOpen }

// AuthData returns the data produced by a successful handshake.
func (c *Client) AuthData() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authData
}

// Done is closed once the client reaches StateClosed.
func (c *Client) Done() <-chan struct{} { return c.done }

// Respond registers h for requests matched by m. Routes are tried in
// registration order and the first match wins.
func (c *Client) Respond(m Matcher, h Handler) {
	c.handlersMu.Lock()
	c.routes = append(c.routes, route{match: m, handler: h})
	c.handlersMu.Unlock()
}

// RespondDefault registers the handler used when no route matches. The last
// registration wins. Without any handler requests are answered with empty
// data.
func (c *Client) RespondDefault(h Handler) {
	c.handlersMu.Lock()
	c.fallback = h
	c.handlersMu.Unlock()
}

// OnClose registers fn to run once the connection is closed. Only one
// callback is kept.
func (c *Client) OnClose(fn func()) {
	c.handlersMu.Lock()
	c.onClose = fn
	c.handlersMu.Unlock()
}

// Open authorizes t and starts serving it. On a rejected handshake Open
// returns an error wrapping ErrAuthorization and leaves the client closed;
// t is not closed, the caller owns it.
func (c *Client) Open(t Transport) error {
	c.mu.Lock()
	if c.state != StateUnopened {
		c.mu.Unlock()
		return ErrAlreadyOpened
	}
	c.state = StateAuthorizing
	c.conn = t
	c.mu.Unlock()

	c.log.Debug("authorizing connection")
	ok, data, err := c.authorize(t)
	if !ok {
		if err != nil {
			c.log.Error("authorizer failed", zap.Error(err))
		}
		c.log.Debug("authorization failed")
		c.mu.Lock()
		if c.state == StateAuthorizing {
			c.state = StateClosed
		}
		c.mu.Unlock()
		c.pending.close()
		c.closeDone()
		return ErrAuthorization
	}

	c.mu.Lock()
	if c.state != StateAuthorizing {
		c.mu.Unlock()
		return ErrClosed
	}
	c.authData = data
	c.state = StateOpen
	c.mu.Unlock()

	c.log.Debug("connection authorized", zap.Any("auth_data", data))
	c.workers.Spawn("connection", c.receiveLoop)
	return nil
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

func (c *Client) authorize(t Transport) (bool, any, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if d, ok := t.(deadliner); ok && c.opts.handshakeTimeout > 0 {
		_ = d.SetDeadline(time.Now().Add(c.opts.handshakeTimeout))
		defer func() { _ = d.SetDeadline(time.Time{}) }()
	}
	return authorize(c.opts.authorizer, t)
}

// Close sends the close frame, closes the transport and waits for every
// worker of the connection to finish. It is safe to call more than once.
//
// Close must not be called from a handler or callback of the same client,
// since it would wait for itself; use Shutdown there.
func (c *Client) Close() error {
	c.shutdown(true)
	c.workers.Wait()
	return nil
}

// Shutdown closes the connection like Close but does not wait for workers.
func (c *Client) Shutdown() {
	c.shutdown(true)
}

// Abort tears the connection down without a close frame and kills every
// worker instead of joining it. Killed workers may still be running when
// Abort returns; see Workers.Kill.
func (c *Client) Abort() {
	c.shutdown(false)
	if n := c.workers.Kill(); n > 0 {
		c.log.Debug("killed workers", zap.Int("count", n))
	}
}

func (c *Client) beginClose() (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.state
	if prev == StateClosing || prev == StateClosed {
		return prev, false
	}
	c.state = StateClosing
	return prev, true
}

// shutdown runs the close sequence once. notifyPeer selects whether the
// close frame is written.
func (c *Client) shutdown(notifyPeer bool) {
	prev, ok := c.beginClose()
	if !ok {
		return
	}
	c.log.Debug("closing connection", zap.Stringer("from", prev))

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		if prev == StateOpen && notifyPeer {
			c.sendCloseFrame(conn)
		}
		if err := conn.Close(); err != nil {
			c.log.Debug("closing transport failed", zap.Error(err))
		}
	}
	c.pending.close()

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()

	c.handlersMu.RLock()
	onClose := c.onClose
	c.handlersMu.RUnlock()
	if onClose != nil {
		c.safeCall("on close", onClose)
	}
	c.closeDone()
	c.log.Debug("connection closed")
}

func (c *Client) sendCloseFrame(conn Transport) {
	if d, ok := conn.(deadliner); ok {
		_ = d.SetDeadline(time.Now().Add(closeFrameTimeout))
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := WriteCloseFrame(conn); err != nil {
		c.log.Debug("sending close frame failed", zap.Error(err))
	}
}

func (c *Client) closeDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Client) closing() bool {
	s := c.State()
	return s == StateClosing || s == StateClosed
}

func (c *Client) receiveLoop(ctx context.Context) {
	c.log.Debug("starting receive loop")
	for ctx.Err() == nil {
		c.readMu.Lock()
		msg, err := ReadFrame(c.conn)
		c.readMu.Unlock()
		if err != nil {
			switch {
			case errors.Is(err, CloseSignal):
				c.log.Debug("connection closed by peer")
			case c.closing():
				c.log.Debug("receive loop stopped", zap.Error(err))
			default:
				c.log.Warn("receive failed, closing connection", zap.Error(err))
			}
			break
		}

		c.log.Debug("received message", zap.Stringer("message", msg))
		if msg.IsRequest() {
			c.workers.Spawn("responding", func(ctx context.Context) {
				c.handleRequest(ctx, msg)
			})
			continue
		}
		if !c.pending.deliver(msg) {
			c.opts.metrics.droppedFrame()
			c.log.Debug("dropped response for unknown request", zap.String("to", msg.To))
		}
	}
	c.shutdown(false)
}

func (c *Client) handlerFor(data Data) Handler {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	for _, r := range c.routes {
		if r.match == nil || r.match(data) {
			return r.handler
		}
	}
	return c.fallback
}

func (c *Client) handleRequest(ctx context.Context, req *Message) {
	c.opts.metrics.request(directionInbound)

	resp := newResponse(c.ids.Next().String(), req, c.dispatch(ctx, req))
	buf, err := EncodeFrame(resp)
	if errors.Is(err, ErrFrameTooLarge) {
		c.log.Warn("response too large, answering with empty data",
			zap.String("to", req.ID), zap.Error(err))
		resp.Data = Data{}
		buf, err = EncodeFrame(resp)
	}
	if err == nil {
		err = c.writeFrame(buf)
	}
	if err != nil {
		if c.closing() {
			c.log.Debug("response not sent, connection closing", zap.String("to", req.ID), zap.Error(err))
		} else {
			c.log.Warn("sending response failed", zap.String("to", req.ID), zap.Error(err))
		}
		return
	}
	c.opts.metrics.response(directionInbound)
	c.log.Debug("sent response", zap.Stringer("message", resp))
}

// dispatch runs the handler for req. Handler errors and panics are logged
// and answered with empty data.
func (c *Client) dispatch(ctx context.Context, req *Message) (data Data) {
	defer func() {
		if r := recover(); r != nil {
			c.opts.metrics.handlerFailure()
			c.log.Error("handler panic",
				zap.String("request", req.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			data = Data{}
		}
	}()

	h := c.handlerFor(req.Data)
	if h == nil {
		return Data{}
	}
	data, err := h(ctx, req.Data)
	if err != nil {
		c.opts.metrics.handlerFailure()
		c.log.Warn("handler failed", zap.String("request", req.ID), zap.Error(err))
		return Data{}
	}
	if data == nil {
		data = Data{}
	}
	return data
}

func (c *Client) writeFrame(buf []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(buf); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

// Request sends data to the peer and waits for the response. If ctx has no
// deadline the client's request timeout applies. An unanswered request
// fails with ErrRequestTimeout; a late response is discarded.
func (c *Client) Request(ctx context.Context, data Data) (Data, error) {
	start := time.Now()
	id, ch, err := c.send(data)
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.requestContext(ctx)
	defer cancel()
	resp, err := c.await(ctx, id, ch)
	if err != nil {
		return nil, err
	}
	c.opts.metrics.observe(start)
	return resp.Data, nil
}

// RequestAsync sends data to the peer and returns once it is written. The
// callback runs on a worker of the client when the response arrives. It is
// never called if ctx ends, the request times out or the connection closes
// first.
//
// ctx keeps bounding the wait after RequestAsync returns, so a context
// cancelled by a deferred cancel at the call site drops the callback. Pass a
// context that lives until the response is expected.
func (c *Client) RequestAsync(ctx context.Context, data Data, callback func(Data)) error {
	start := time.Now()
	id, ch, err := c.send(data)
	if err != nil {
		return err
	}

	c.workers.Spawn("requesting", func(wctx context.Context) {
		ctx, cancel := c.requestContext(ctx)
		defer cancel()
		stop := context.AfterFunc(wctx, cancel)
		defer stop()

		resp, err := c.await(ctx, id, ch)
		if err != nil {
			c.log.Debug("async request abandoned", zap.String("id", id), zap.Error(err))
			return
		}
		c.opts.metrics.observe(start)
		if callback != nil {
			c.safeCall("request callback", func() { callback(resp.Data) })
		}
	})
	return nil
}

func (c *Client) send(data Data) (string, <-chan *Message, error) {
	if !c.IsOpen() {
		return "", nil, ErrNotOpen
	}
	req := newRequest(c.ids.Next().String(), data)
	buf, err := EncodeFrame(req)
	if err != nil {
		return "", nil, err
	}

	ch := c.pending.add(req.ID)
	if err := c.writeFrame(buf); err != nil {
		c.pending.forget(req.ID)
		return "", nil, err
	}
	c.opts.metrics.request(directionOutbound)
	c.log.Debug("sent request", zap.Stringer("message", req))
	return req.ID, ch, nil
}

func (c *Client) await(ctx context.Context, id string, ch <-chan *Message) (*Message, error) {
	resp, err := c.pending.wait(ctx, id, ch)
	if err != nil {
		if errors.Is(err, ErrRequestTimeout) {
			c.opts.metrics.timeout()
			c.log.Debug("request timed out", zap.String("id", id))
		}
		return nil, err
	}
	c.opts.metrics.response(directionOutbound)
	return resp, nil
}

func (c *Client) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok && c.opts.requestTimeout > 0 {
		return context.WithTimeout(ctx, c.opts.requestTimeout)
	}
	return context.WithCancel(ctx)
}

func (c *Client) safeCall(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error(what+" panic", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
	}()
	fn()
}
