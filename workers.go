// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package iorequest

import (
	"context"
	"runtime/debug"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Workers tracks goroutines spawned on behalf of a connection so they can be
// joined, or abandoned, as a group.
//
// Registration and removal are atomic; the bodies of the workers run
// concurrently and are not serialized by Workers.
type Workers struct {
	log *zap.Logger

	// OnChange, if set, is called with +1 when a worker starts and -1 when
	// it stops tracking.
	OnChange func(delta int)

	mu      sync.Mutex
	nextID  uint64
	running map[uint64]*worker
}

type worker struct {
	name   string
	done   chan struct{}
	cancel context.CancelFunc
}

// NewWorkers returns an empty registry. A nil logger disables logging.
func NewWorkers(log *zap.Logger) *Workers {
	if log == nil {
		log = zap.NewNop()
	}
	return &Workers{
		log:     log,
		running: make(map[uint64]*worker),
	}
}

// Spawn runs fn in a new goroutine. The context passed to fn is cancelled by
// Kill. A panic in fn is recovered and logged; the worker is removed from the
// registry whether fn returns or panics.
func (w *Workers) Spawn(name string, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	wk := &worker{name: name, done: make(chan struct{}), cancel: cancel}

	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.running[id] = wk
	w.mu.Unlock()
	w.changed(1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("worker panic",
					zap.String("worker", name),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
			}
			cancel()
			if w.remove(id) {
				w.changed(-1)
			}
			close(wk.done)
		}()
		fn(ctx)
	}()
}

func (w *Workers) remove(id uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.running[id]; !ok {
		return false
	}
	delete(w.running, id)
	return true
}

func (w *Workers) changed(delta int) {
	if w.OnChange != nil {
		w.OnChange(delta)
	}
}

func (w *Workers) snapshot() []*worker {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*worker, 0, len(w.running))
	for _, wk := range w.running {
		out = append(out, wk)
	}
	return out
}

// Wait blocks until every worker tracked at the time of the call has
// finished. Workers spawned while waiting are not waited for.
func (w *Workers) Wait() {
	for _, wk := range w.snapshot() {
		<-wk.done
	}
}

// Kill cancels every tracked worker and stops tracking it without waiting.
// It returns the number of workers affected.
//
// Goroutines cannot be stopped from outside: a worker that ignores its
// context keeps running, possibly holding locks or halfway through a write.
// Use Kill only for abrupt teardown.
func (w *Workers) Kill() int {
	w.mu.Lock()
	killed := make([]*worker, 0, len(w.running))
	for id, wk := range w.running {
		killed = append(killed, wk)
		delete(w.running, id)
	}
	w.mu.Unlock()

	for _, wk := range killed {
		wk.cancel()
		w.changed(-1)
	}
	return len(killed)
}

// Len returns the number of tracked workers.
func (w *Workers) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.running)
}

// Names returns the sorted names of the tracked workers.
func (w *Workers) Names() []string {
	wks := w.snapshot()
	names := make([]string, 0, len(wks))
	for _, wk := range wks {
		names = append(names, wk.name)
	}
	sort.Strings(names)
	return names
}
