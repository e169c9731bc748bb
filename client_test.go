// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package iorequest

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

// open connects a and b over a pipe and closes both when the test ends.
func open(t *testing.T, a, b *Client) {
	t.Helper()
	left, right, err := Pipe()
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() { errs <- b.Open(right) }()
	require.NoError(t, a.Open(left))
	require.NoError(t, <-errs)

	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
}

func pair(t *testing.T, opts ...Option) (*Client, *Client) {
	t.Helper()
	a, b := NewClient(append([]Option{WithName("a")}, opts...)...), NewClient(append([]Option{WithName("b")}, opts...)...)
	open(t, a, b)
	return a, b
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func constant(d Data) Handler {
	return func(context.Context, Data) (Data, error) { return d, nil }
}

func TestClientRequest(t *testing.T) {
	a, b := pair(t)
	b.RespondDefault(func(_ context.Context, d Data) (Data, error) {
		return Data{"got": d["msg"]}, nil
	})

	resp, err := a.Request(testContext(t), Data{"msg": "hi"})
	require.NoError(t, err)
	require.Equal(t, Data{"got": "hi"}, resp)
	require.True(t, a.IsOpen())
	require.Equal(t, "a", a.Name())
}

func TestClientBidirectional(t *testing.T) {
	a, b := pair(t)
	a.RespondDefault(constant(Data{"from": "a"}))
	b.RespondDefault(constant(Data{"from": "b"}))
	ctx := testContext(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			resp, err := a.Request(ctx, Data{})
			assert.NoError(t, err)
			assert.Equal(t, "b", resp["from"])
		}()
		go func() {
			defer wg.Done()
			resp, err := b.Request(ctx, Data{})
			assert.NoError(t, err)
			assert.Equal(t, "a", resp["from"])
		}()
	}
	wg.Wait()
}

func TestClientOutOfOrderResponses(t *testing.T) {
	const n = 8
	a, b := pair(t)
	start := make(chan struct{})
	b.RespondDefault(func(ctx context.Context, d Data) (Data, error) {
		i := int(d["i"].(float64))
		<-start
		// Earlier requests are answered last.
		time.Sleep(time.Duration(n-i) * 20 * time.Millisecond)
		return Data{"i": d["i"]}, nil
	})
	ctx := testContext(t)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		order []int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := a.Request(ctx, Data{"i": i})
			assert.NoError(t, err)
			assert.Equal(t, float64(i), resp["i"])
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}()
	}
	require.Eventually(t, func() bool { return a.pending.len() == n }, testTimeout, time.Millisecond)
	close(start)
	wg.Wait()

	want := make([]int, 0, n)
	for i := n - 1; i >= 0; i-- {
		want = append(want, i)
	}
	require.Equal(t, want, order)
	require.Zero(t, a.pending.len())
}

func TestClientRequestAsync(t *testing.T) {
	a, b := pair(t)
	b.RespondDefault(constant(Data{"ok": true}))

	got := make(chan Data, 1)
	require.NoError(t, a.RequestAsync(testContext(t), Data{}, func(d Data) { got <- d }))

	select {
	case d := <-got:
		require.Equal(t, Data{"ok": true}, d)
	case <-time.After(testTimeout):
		t.Fatal("callback not called")
	}
}

func TestClientRequestAsyncNeverCalledOnTimeout(t *testing.T) {
	a, b := pair(t)
	release := make(chan struct{})
	b.RespondDefault(func(context.Context, Data) (Data, error) {
		<-release
		return Data{}, nil
	})
	defer close(release)

	var called atomic.Bool
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, a.RequestAsync(ctx, Data{}, func(Data) { called.Store(true) }))

	require.Eventually(t, func() bool { return a.pending.len() == 0 }, testTimeout, 5*time.Millisecond)
	require.False(t, called.Load())
}

func TestClientTimeoutIsolation(t *testing.T) {
	a, b := pair(t)
	release := make(chan struct{})
	b.Respond(HasKey("slow"), func(context.Context, Data) (Data, error) {
		<-release
		return Data{"slow": true}, nil
	})
	b.RespondDefault(constant(Data{"fast": true}))

	const deadline = 50 * time.Millisecond
	began := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()
	_, err := a.Request(ctx, Data{"slow": true})
	elapsed := time.Since(began)
	require.ErrorIs(t, err, ErrRequestTimeout)
	require.GreaterOrEqual(t, elapsed, deadline)
	require.Less(t, elapsed, deadline+250*time.Millisecond)
	require.Zero(t, a.pending.len())

	resp, err := a.Request(testContext(t), Data{})
	require.NoError(t, err)
	require.Equal(t, Data{"fast": true}, resp)

	// The late answer to the timed out request is discarded.
	close(release)
	resp, err = a.Request(testContext(t), Data{})
	require.NoError(t, err)
	require.Equal(t, Data{"fast": true}, resp)
	require.True(t, a.IsOpen())
}

func TestClientDefaultRequestTimeout(t *testing.T) {
	a, b := pair(t, WithRequestTimeout(30*time.Millisecond))
	release := make(chan struct{})
	defer close(release)
	b.RespondDefault(func(context.Context, Data) (Data, error) {
		<-release
		return nil, nil
	})

	_, err := a.Request(context.Background(), Data{})
	require.ErrorIs(t, err, ErrRequestTimeout)
}

func TestClientHandlerFailures(t *testing.T) {
	a, b := pair(t)
	b.Respond(HasKey("error"), func(context.Context, Data) (Data, error) {
		return Data{"partial": true}, errors.New("handler failed")
	})
	b.Respond(HasKey("panic"), func(context.Context, Data) (Data, error) {
		panic("handler panicked")
	})
	b.Respond(HasKey("nil"), constant(nil))
	ctx := testContext(t)

	for _, key := range []string{"error", "panic", "nil"} {
		resp, err := a.Request(ctx, Data{key: true})
		require.NoError(t, err, key)
		require.Equal(t, Data{}, resp, key)
	}
	require.True(t, b.IsOpen())
}

func TestClientRouting(t *testing.T) {
	a, b := pair(t)
	b.Respond(HasKey("x"), constant(Data{"route": "first"}))
	b.Respond(HasKey("x"), constant(Data{"route": "second"}))
	b.Respond(Subset(Data{"kind": "y"}), constant(Data{"route": "y"}))
	b.Respond(nil, constant(Data{"route": "catch-all"}))
	ctx := testContext(t)

	tests := []struct {
		data Data
		want string
	}{
		{data: Data{"x": 1}, want: "first"},
		{data: Data{"kind": "y"}, want: "y"},
		{data: Data{"kind": "z"}, want: "catch-all"},
	}
	for _, tt := range tests {
		resp, err := a.Request(ctx, tt.data)
		require.NoError(t, err)
		require.Equal(t, tt.want, resp["route"])
	}
}

func TestClientFallback(t *testing.T) {
	a, b := pair(t)
	ctx := testContext(t)

	resp, err := a.Request(ctx, Data{"q": 1})
	require.NoError(t, err)
	require.Equal(t, Data{}, resp)

	b.Respond(HasKey("known"), constant(Data{"route": "known"}))
	b.RespondDefault(constant(Data{"route": "old"}))
	b.RespondDefault(constant(Data{"route": "default"}))
	resp, err = a.Request(ctx, Data{"q": 1})
	require.NoError(t, err)
	require.Equal(t, Data{"route": "default"}, resp)
}

func TestClientNestedRequest(t *testing.T) {
	a, b := pair(t)
	a.RespondDefault(constant(Data{"inner": "a"}))
	b.RespondDefault(func(ctx context.Context, d Data) (Data, error) {
		inner, err := b.Request(ctx, Data{})
		if err != nil {
			return nil, err
		}
		return Data{"outer": "b", "inner": inner["inner"]}, nil
	})

	resp, err := a.Request(testContext(t), Data{})
	require.NoError(t, err)
	require.Equal(t, Data{"outer": "b", "inner": "a"}, resp)
}

func TestClientOrderlyClose(t *testing.T) {
	a, b := pair(t)
	var aClosed, bClosed atomic.Int32
	a.OnClose(func() { aClosed.Add(1) })
	b.OnClose(func() { bClosed.Add(1) })

	require.NoError(t, a.Close())
	require.Equal(t, StateClosed, a.State())

	select {
	case <-b.Done():
	case <-time.After(testTimeout):
		t.Fatal("peer did not observe close")
	}
	require.Equal(t, StateClosed, b.State())

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	a.Shutdown()
	require.Equal(t, int32(1), aClosed.Load())
	require.Equal(t, int32(1), bClosed.Load())

	_, err := a.Request(context.Background(), Data{})
	require.ErrorIs(t, err, ErrNotOpen)
	require.ErrorIs(t, b.RequestAsync(context.Background(), Data{}, nil), ErrNotOpen)
}

// closeCounter counts the close frames written through it.
type closeCounter struct {
	Transport
	frames atomic.Int32
}

func (c *closeCounter) Write(b []byte) (int, error) {
	if len(b) == frameHeaderLen && b[0] == 0 && b[1] == 0 {
		c.frames.Add(1)
	}
	return c.Transport.Write(b)
}

func TestClientConcurrentClose(t *testing.T) {
	left, right, err := Pipe()
	require.NoError(t, err)
	counted := &closeCounter{Transport: left}

	a, b := NewClient(), NewClient()
	release := make(chan struct{})
	a.RespondDefault(func(context.Context, Data) (Data, error) {
		<-release
		return Data{}, nil
	})
	errs := make(chan error, 1)
	go func() { errs <- b.Open(right) }()
	require.NoError(t, a.Open(counted))
	require.NoError(t, <-errs)
	defer b.Close()

	// Keep a handler worker busy so Close has something to join.
	require.NoError(t, b.RequestAsync(testContext(t), Data{}, nil))
	require.Eventually(t, func() bool { return a.workers.Len() == 2 }, testTimeout, 5*time.Millisecond)

	const closers = 4
	var wg sync.WaitGroup
	for i := 0; i < closers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, a.Close())
			assert.Zero(t, a.workers.Len())
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), counted.frames.Load())
	require.Equal(t, StateClosed, a.State())
}

func TestClientPendingRequestFailsOnClose(t *testing.T) {
	a, b := pair(t)
	release := make(chan struct{})
	b.RespondDefault(func(context.Context, Data) (Data, error) {
		<-release
		return Data{}, nil
	})

	errs := make(chan error, 1)
	go func() {
		_, err := a.Request(context.Background(), Data{})
		errs <- err
	}()
	require.Eventually(t, func() bool { return a.pending.len() == 1 }, testTimeout, 5*time.Millisecond)

	require.NoError(t, a.Close())
	require.ErrorIs(t, <-errs, ErrClosed)
	close(release)
}

func TestClientOnClosePanicIsContained(t *testing.T) {
	a, _ := pair(t)
	a.OnClose(func() { panic("close callback") })
	require.NoError(t, a.Close())
	require.Equal(t, StateClosed, a.State())
}

func TestClientAbort(t *testing.T) {
	a, b := pair(t)
	stuck := make(chan struct{})
	defer close(stuck)
	b.RespondDefault(func(context.Context, Data) (Data, error) {
		<-stuck
		return Data{}, nil
	})
	require.NoError(t, a.RequestAsync(context.Background(), Data{}, nil))
	require.Eventually(t, func() bool { return b.workers.Len() == 2 }, testTimeout, 5*time.Millisecond)

	b.Abort()
	require.Equal(t, StateClosed, b.State())
	require.Zero(t, b.workers.Len())

	select {
	case <-a.Done():
	case <-time.After(testTimeout):
		t.Fatal("peer did not observe abort")
	}
}

func TestClientAuthorization(t *testing.T) {
	key := []byte("open sesame")
	a := NewClient(WithAuthorizer(SharedSecret(key)))
	b := NewClient(WithAuthorizer(SharedSecret(key)))
	open(t, a, b)
	require.Equal(t, key, a.AuthData())
	require.Equal(t, key, b.AuthData())

	b.RespondDefault(constant(Data{"ok": true}))
	resp, err := a.Request(testContext(t), Data{})
	require.NoError(t, err)
	require.Equal(t, Data{"ok": true}, resp)
}

func TestClientAuthorizationFailure(t *testing.T) {
	left, right, err := Pipe()
	require.NoError(t, err)
	defer left.Close()
	defer right.Close()

	a := NewClient(WithAuthorizer(SharedSecret([]byte("one"))))
	b := NewClient(WithAuthorizer(SharedSecret([]byte("two"))))
	errs := make(chan error, 1)
	go func() { errs <- b.Open(right) }()
	require.ErrorIs(t, a.Open(left), ErrAuthorization)
	require.ErrorIs(t, <-errs, ErrAuthorization)

	require.Equal(t, StateClosed, a.State())
	require.Nil(t, a.AuthData())
	require.Zero(t, a.workers.Len())
	require.Zero(t, b.workers.Len())
	<-a.Done()
	require.NoError(t, a.Close())
	require.ErrorIs(t, a.Open(left), ErrAlreadyOpened)
	_, err = a.Request(context.Background(), Data{})
	require.ErrorIs(t, err, ErrNotOpen)
}

func TestClientAuthorizerPanic(t *testing.T) {
	left, right, err := Pipe()
	require.NoError(t, err)
	defer left.Close()
	defer right.Close()

	a := NewClient(WithAuthorizer(AuthorizerFunc(func(io.ReadWriter) (bool, any) {
		panic("authorizer exploded")
	})))
	require.ErrorIs(t, a.Open(left), ErrAuthorization)
	require.Equal(t, StateClosed, a.State())
	require.Nil(t, a.AuthData())
	require.Zero(t, a.workers.Len())

	_, err = a.Request(context.Background(), Data{})
	require.ErrorIs(t, err, ErrNotOpen)
}

func TestClientHandshakeTimeout(t *testing.T) {
	left, right, err := Pipe()
	require.NoError(t, err)
	defer left.Close()
	defer right.Close()

	// Nobody answers on the other end.
	a := NewClient(
		WithAuthorizer(SharedSecret([]byte("hello"))),
		WithHandshakeTimeout(50*time.Millisecond),
	)
	require.ErrorIs(t, a.Open(left), ErrAuthorization)
}

func TestClientOpenTwice(t *testing.T) {
	a, _ := pair(t)
	left, right, err := Pipe()
	require.NoError(t, err)
	defer left.Close()
	defer right.Close()
	require.ErrorIs(t, a.Open(left), ErrAlreadyOpened)
}

func TestClientRequestBeforeOpen(t *testing.T) {
	c := NewClient()
	require.Equal(t, StateUnopened, c.State())
	_, err := c.Request(context.Background(), Data{})
	require.ErrorIs(t, err, ErrNotOpen)
	require.NoError(t, c.Close())
	require.Equal(t, StateClosed, c.State())
}

func TestClientOversizedMessages(t *testing.T) {
	a, b := pair(t)
	huge := strings.Repeat("x", MaxFramePayload)
	b.RespondDefault(constant(Data{"blob": huge}))
	ctx := testContext(t)

	_, err := a.Request(ctx, Data{"blob": huge})
	require.ErrorIs(t, err, ErrFrameTooLarge)
	require.Zero(t, a.pending.len())

	resp, err := a.Request(ctx, Data{})
	require.NoError(t, err)
	require.Equal(t, Data{}, resp)
	require.True(t, b.IsOpen())
}

func TestClientPeerProtocolError(t *testing.T) {
	left, right, err := Pipe()
	require.NoError(t, err)
	defer right.Close()

	a := NewClient()
	require.NoError(t, a.Open(left))
	defer a.Close()

	_, err = right.Write([]byte{0, 5, 'h', 'e', 'l', 'l', 'o'})
	require.NoError(t, err)

	select {
	case <-a.Done():
	case <-time.After(testTimeout):
		t.Fatal("malformed frame did not close the connection")
	}
}

func TestStateString(t *testing.T) {
	require.Equal(t, "open", StateOpen.String())
	require.Equal(t, "state(9)", State(9).String())
}
