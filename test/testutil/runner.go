// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package testutil

import (
	"context"
	"sync"

	"github.com/grailbio/cellgraph/errors"
	"github.com/grailbio/cellgraph/kernel"
)

// BlockingRunner is a kernel.CodeRunner whose invocations block
// until they are released. Every invocation returns the worker's
// inputs under the output name given by the code source, so that
// "y" copies the single input of a worker to its output y.
type BlockingRunner struct {
	mu      sync.Mutex
	release chan struct{}
	started chan struct{}
	invoked int
}

// NewBlockingRunner returns a new BlockingRunner with no released
// invocations.
func NewBlockingRunner() *BlockingRunner {
	return &BlockingRunner{
		release: make(chan struct{}),
		started: make(chan struct{}, 1024),
	}
}

type outputName string

// Compile implements kernel.CodeRunner.
func (r *BlockingRunner) Compile(lang, source string) (kernel.Unit, error) {
	if source == "" {
		return nil, errors.E("compile", errors.Invalid, errors.New("empty output name"))
	}
	return outputName(source), nil
}

// Invoke implements kernel.CodeRunner.
func (r *BlockingRunner) Invoke(ctx context.Context, unit kernel.Unit, ns *kernel.Namespace) (map[string]interface{}, error) {
	r.mu.Lock()
	r.invoked++
	release := r.release
	r.mu.Unlock()
	r.started <- struct{}{}
	select {
	case <-release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var v interface{}
	for _, in := range ns.Inputs {
		v = in
	}
	return map[string]interface{}{string(unit.(outputName)): v}, nil
}

// Started returns a channel that receives a value whenever an
// invocation begins.
func (r *BlockingRunner) Started() <-chan struct{} { return r.started }

// Release releases all current and future invocations.
func (r *BlockingRunner) Release() {
	r.mu.Lock()
	select {
	case <-r.release:
	default:
		close(r.release)
	}
	r.mu.Unlock()
}

// Invoked returns the number of invocations so far.
func (r *BlockingRunner) Invoked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invoked
}
