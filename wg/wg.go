// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package wg provides a counter of in-flight work whose zero state can
// be awaited through a channel. The graph manager counts queued kernel
// inputs, undelivered outputs and posted mutations with it, and
// equilibrium is the counter reaching zero.
package wg

import (
	"context"
	"sync"
)

// A WaitGroup counts outstanding work. Unlike sync.WaitGroup, its
// zero state is observed through a channel, so that waiting composes
// with select. The count may rise again after reaching zero; each
// channel returned by C reports one such drain. The zero value is
// ready to use.
type WaitGroup struct {
	mu sync.Mutex
	n  int
	// drained is closed when n next reaches zero; it is created on
	// demand by C.
	drained chan struct{}
}

// Add changes the count by delta and releases waiters when it reaches
// zero. It panics if the count becomes negative.
func (w *WaitGroup) Add(delta int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.n += delta; w.n < 0 {
		panic("wg: negative count")
	}
	if w.n == 0 && w.drained != nil {
		close(w.drained)
		w.drained = nil
	}
}

// Done decrements the count.
func (w *WaitGroup) Done() { w.Add(-1) }

var closed = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// C returns a channel that is closed once the count is zero. If the
// count is already zero, the channel is closed on return.
func (w *WaitGroup) C() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.n == 0 {
		return closed
	}
	if w.drained == nil {
		w.drained = make(chan struct{})
	}
	return w.drained
}

// N returns the current count.
func (w *WaitGroup) N() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

// Wait blocks until the count is zero. It returns ctx.Err() if ctx is
// done first.
func (w *WaitGroup) Wait(ctx context.Context) error {
	select {
	case <-w.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
