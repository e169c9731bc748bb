// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package iorequest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"go.uber.org/zap"
)

const (
	maxRetries    = 3
	retryBaseWait = 500 * time.Millisecond

	// GatewayMethod is the JSON-RPC method served by NewGateway.
	GatewayMethod = "Peer.Request"
)

// GatewayArgs are the params of Peer.Request. A zero TimeoutMS uses the
// client's request timeout.
type GatewayArgs struct {
	Data      Data  `json:"data"`
	TimeoutMS int64 `json:"timeout_ms,omitempty"`
}

// GatewayReply is the result of Peer.Request.
type GatewayReply struct {
	Data Data `json:"data"`
}

type peerService struct {
	c *Client
}

// Request forwards args.Data to the peer of the gateway's client.
func (s *peerService) Request(r *http.Request, args *GatewayArgs, reply *GatewayReply) error {
	ctx := r.Context()
	if args.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(args.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	data, err := s.c.Request(ctx, args.Data)
	if err != nil {
		s.c.log.Debug("gateway request failed", zap.Error(err))
		return &json2.Error{Code: json2.E_SERVER, Message: err.Error()}
	}
	reply.Data = data
	return nil
}

// NewGateway returns an HTTP handler exposing c as the JSON-RPC 2.0
// method Peer.Request.
func NewGateway(c *Client) (http.Handler, error) {
	s := rpc.NewServer()
	s.RegisterCodec(json2.NewCodec(), "application/json")
	if err := s.RegisterService(&peerService{c: c}, "Peer"); err != nil {
		return nil, fmt.Errorf("register gateway service: %w", err)
	}
	return s, nil
}

// newHTTPClient creates a client with connection reuse disabled.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DisableKeepAlives: true,
		},
	}
}

// CleanlyCloseBody drains and closes an HTTP response body.
func CleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// isRetryableError checks if an error is transient and worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	if errors.Is(err, io.EOF) || strings.Contains(errStr, "EOF") {
		return true
	}
	return strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "broken pipe")
}

// CallGateway sends data through the gateway at endpoint and returns the
// peer's response. Transient HTTP failures are retried with backoff.
func CallGateway(ctx context.Context, endpoint string, data Data, timeout time.Duration) (Data, error) {
	args := &GatewayArgs{Data: data, TimeoutMS: timeout.Milliseconds()}
	body, err := json2.EncodeClientRequest(GatewayMethod, args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode client params: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			wait := retryBaseWait * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := newHTTPClient().Do(req)
		if err != nil {
			lastErr = err
			if isRetryableError(err) {
				continue
			}
			return nil, fmt.Errorf("failed to issue request: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			// Some servers report JSON-RPC errors with a failure status.
			var rpcErr *json2.Error
			err := json2.DecodeClientResponse(resp.Body, &GatewayReply{})
			_ = CleanlyCloseBody(resp.Body)
			if errors.As(err, &rpcErr) {
				return nil, rpcErr
			}
			return nil, fmt.Errorf("received status code: %d", resp.StatusCode)
		}

		var reply GatewayReply
		err = json2.DecodeClientResponse(resp.Body, &reply)
		_ = CleanlyCloseBody(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to decode client response: %w", err)
		}
		if reply.Data == nil {
			reply.Data = Data{}
		}
		return reply.Data, nil
	}

	return nil, fmt.Errorf("failed to issue request after %d retries: %w", maxRetries, lastErr)
}
