// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/cellgraph"
	"github.com/grailbio/cellgraph/errors"
	"github.com/grailbio/cellgraph/metrics"
	"github.com/grailbio/cellgraph/trace"
)

// ReportInterval is the interval at which Equilibrate reports its
// progress.
var ReportInterval = time.Second

// Equilibrate waits until the graph has no in-flight work: every
// kernel has drained its queue, all outputs have been delivered, and
// the main loop is idle. A positive timeout bounds the wait. Progress
// is reported periodically to the manager's status group.
//
// Equilibrate may not be called from the main loop.
func (m *Manager) Equilibrate(ctx context.Context, timeout time.Duration) error {
	if m.OnLoop() {
		return errors.E("equilibrate", errors.Invalid, errors.New("called from the main loop"))
	}
	if timeout > 0 {
		var cancel func()
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	begin := time.Now()
	ticker := time.NewTicker(ReportInterval)
	defer ticker.Stop()
	task := m.status.Start("equilibrate")
	defer task.Done()
	tctx, done := trace.Start(m.ctx, trace.Equilibrate, cellgraph.Digester.FromString("equilibrate"), "equilibrate")
	defer done()
	for {
		select {
		case <-m.wg.C():
			m.log.Debugf("equilibrated in %s", time.Since(begin))
			trace.Note(tctx, "elapsed", time.Since(begin).String())
			return nil
		case <-ticker.C:
			pending := m.wg.N()
			metrics.GetEquilibratePendingGauge(m.ctx).Set(float64(pending))
			msg := fmt.Sprintf("elapsed: %s, pending: %d", time.Since(begin).Round(time.Second), pending)
			task.Print(msg)
			m.log.Debug(msg)
		case <-ctx.Done():
			kind := errors.Canceled
			if ctx.Err() == context.DeadlineExceeded {
				kind = errors.Timeout
			}
			trace.Note(tctx, "pending", m.wg.N())
			return errors.E("equilibrate", kind, errors.Errorf("%d pending after %s", m.wg.N(), time.Since(begin).Round(time.Millisecond)))
		}
	}
}

// Exceptions returns the exceptions of all nodes in the root's tree,
// by path.
func (m *Manager) Exceptions() map[string]error {
	m.treeMu.RLock()
	var nodes []Node
	walkLocked(m.root, func(n Node) { nodes = append(nodes, n) })
	m.treeMu.RUnlock()
	excs := make(map[string]error)
	for _, n := range nodes {
		if err := n.Exception(); err != nil {
			excs[n.Path()] = err
		}
	}
	return excs
}
