// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package iorequest

import (
	"errors"
	"os"
	"time"
)

// pipeConn joins the read end of one OS pipe and the write end of another.
type pipeConn struct {
	r *os.File
	w *os.File
}

// Pipe returns two connected in-process transports. Unlike net.Pipe, writes
// are buffered by the kernel, so both ends may write before reading, which
// the SharedSecret handshake requires.
func Pipe() (Transport, Transport, error) {
	r1, w1, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	r2, w2, err := os.Pipe()
	if err != nil {
		_ = r1.Close()
		_ = w1.Close()
		return nil, nil, err
	}
	return &pipeConn{r: r1, w: w2}, &pipeConn{r: r2, w: w1}, nil
}

func (p *pipeConn) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeConn) Write(b []byte) (int, error) { return p.w.Write(b) }

func (p *pipeConn) Close() error {
	return errors.Join(p.r.Close(), p.w.Close())
}

func (p *pipeConn) SetDeadline(t time.Time) error {
	return errors.Join(p.r.SetDeadline(t), p.w.SetDeadline(t))
}
