// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package iorequest

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// pendingRequests correlates responses with the requests waiting for them.
// Every pending request owns a single-shot channel, so a delivery wakes only
// its own waiter.
type pendingRequests struct {
	mu      sync.Mutex
	waiting map[string]chan *Message
	closed  chan struct{}
	once    sync.Once
}

func newPendingRequests() *pendingRequests {
	return &pendingRequests{
		waiting: make(map[string]chan *Message),
		closed:  make(chan struct{}),
	}
}

// add registers id. It must be called before the request is written so the
// response cannot overtake the registration.
func (p *pendingRequests) add(id string) <-chan *Message {
	ch := make(chan *Message, 1)
	p.mu.Lock()
	p.waiting[id] = ch
	p.mu.Unlock()
	return ch
}

// forget drops id. A response arriving afterwards is discarded.
func (p *pendingRequests) forget(id string) {
	p.mu.Lock()
	delete(p.waiting, id)
	p.mu.Unlock()
}

// deliver hands resp to the request it answers and reports whether anyone
// was waiting for it.
func (p *pendingRequests) deliver(resp *Message) bool {
	p.mu.Lock()
	ch, ok := p.waiting[resp.To]
	delete(p.waiting, resp.To)
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// wait blocks until the response for id arrives, ctx is done or the
// connection closes.
func (p *pendingRequests) wait(ctx context.Context, id string, ch <-chan *Message) (*Message, error) {
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		p.forget(id)
		// The response may have raced the deadline.
		select {
		case resp := <-ch:
			return resp, nil
		default:
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrRequestTimeout, id)
		}
		return nil, ctx.Err()
	case <-p.closed:
		p.forget(id)
		select {
		case resp := <-ch:
			return resp, nil
		default:
		}
		return nil, ErrClosed
	}
}

// close wakes every waiter with ErrClosed.
func (p *pendingRequests) close() {
	p.once.Do(func() { close(p.closed) })
}

func (p *pendingRequests) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiting)
}
