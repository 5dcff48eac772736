// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/cellgraph"
	"github.com/grailbio/cellgraph/celltype"
	"github.com/grailbio/cellgraph/errors"
	"github.com/grailbio/cellgraph/trace"
)

// CellStatus is the status of a cell.
type CellStatus int

const (
	// Uninitialized cells hold no value.
	Uninitialized CellStatus = iota
	// Error cells failed to parse their latest value. They retain
	// their previous good value, if any.
	Error
	// OK cells hold a valid value.
	OK
)

func (s CellStatus) String() string {
	switch s {
	case Uninitialized:
		return "UNINITIALIZED"
	case Error:
		return "ERROR"
	case OK:
		return "OK"
	default:
		return fmt.Sprintf("CellStatus(%d)", int(s))
	}
}

// Cell is a named, typed storage slot. A cell holds a canonical
// buffer and its checksum, or only the checksum, in which case the
// buffer is fetched from the manager's buffer store on demand.
//
// Cells are updated only on the main loop. The buffer, checksum, and
// value of a cell are always read together, so that readers never
// observe a mix of two updates.
type Cell struct {
	node
	dtype celltype.Type

	mu       sync.RWMutex
	state    CellStatus
	buffer   []byte
	checksum cellgraph.Checksum
	value    interface{}
	err      error
	prelim   bool
	incoming int
	outgoing int
}

// Endpoint is a connection endpoint: a *Cell or a *Pin.
type Endpoint interface {
	end() End
	endType() celltype.Type
}

func (c *Cell) end() End { return End{Cell: c.h} }

func (c *Cell) endType() celltype.Type { return c.dtype }

// Dtype returns the cell's dtype.
func (c *Cell) Dtype() celltype.Type { return c.dtype }

// State returns the cell's status.
func (c *Cell) State() CellStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Status implements Node.
func (c *Cell) Status() string {
	return c.State().String()
}

// Exception returns the error that put the cell into ERROR state.
func (c *Cell) Exception() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Checksum returns the checksum of the cell's current buffer. It is
// zero if the cell holds no value.
func (c *Cell) Checksum() cellgraph.Checksum {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.checksum
}

// Prelim tells whether the cell's value is preliminary: it was
// emitted by a worker that had further input queued.
func (c *Cell) Prelim() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.prelim
}

// Dependent tells whether the cell has an authoritative writer.
func (c *Cell) Dependent() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.incoming > 0
}

// Incoming returns the number of authoritative incoming connections;
// it is never more than one.
func (c *Cell) Incoming() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.incoming
}

// Outgoing returns the number of outgoing connections.
func (c *Cell) Outgoing() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.outgoing
}

// Buffer returns the cell's canonical buffer. If the cell is known by
// checksum only, the buffer is fetched from the buffer store; a
// missing buffer is reported as an errors.CacheMiss.
func (c *Cell) Buffer(ctx context.Context) ([]byte, error) {
	c.mu.RLock()
	b, sum := c.buffer, c.checksum
	c.mu.RUnlock()
	if b != nil || sum.IsZero() {
		return b, nil
	}
	if c.m.store == nil {
		return nil, errors.E("buffer", c.Path(), sum, errors.CacheMiss, errors.New("no buffer store"))
	}
	tctx, done := trace.Start(c.m.ctx, trace.Transfer, sum, c.Path())
	b, err := c.m.store.GetBuffer(ctx, sum)
	trace.Note(tctx, "size", len(b))
	done()
	if err != nil {
		return nil, errors.E("buffer", c.Path(), err)
	}
	if got := cellgraph.ChecksumOf(b); got != sum {
		return nil, errors.E("buffer", c.Path(), errors.Integrity, errors.Errorf("buffer %v has checksum %v", sum, got))
	}
	c.mu.Lock()
	if c.checksum == sum && c.buffer == nil {
		c.buffer = b
	}
	c.mu.Unlock()
	return b, nil
}

// Value returns the cell's parsed value. It returns nil if the cell
// holds no value.
func (c *Cell) Value(ctx context.Context) (interface{}, error) {
	c.mu.RLock()
	v, sum := c.value, c.checksum
	c.mu.RUnlock()
	if v != nil || sum.IsZero() {
		return v, nil
	}
	b, err := c.Buffer(ctx)
	if err != nil {
		return nil, err
	}
	v, err = c.dtype.Parse(b)
	if err != nil {
		return nil, errors.E("value", c.Path(), err)
	}
	c.mu.Lock()
	if c.checksum == sum && c.value == nil {
		c.value = v
	}
	c.mu.Unlock()
	return v, nil
}

// assign sets the cell's contents; b may be nil for checksum-only
// assignment. It reports whether the checksum and whether the
// preliminary flag changed.
func (c *Cell) assign(b []byte, sum cellgraph.Checksum, v interface{}, prelim bool) (changed, prelimChanged bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prelimChanged = c.prelim != prelim
	c.prelim = prelim
	if c.state == OK && c.checksum == sum {
		if c.buffer == nil {
			c.buffer = b
		}
		return false, prelimChanged
	}
	c.state = OK
	c.err = nil
	c.buffer, c.checksum, c.value = b, sum, v
	return true, prelimChanged
}

// fail puts the cell into the error state, retaining its previous
// value.
func (c *Cell) fail(err error) {
	c.mu.Lock()
	c.state = Error
	c.err = err
	c.mu.Unlock()
}

func (c *Cell) addIncoming(delta int) {
	c.mu.Lock()
	c.incoming += delta
	c.mu.Unlock()
}

func (c *Cell) addOutgoing(delta int) {
	c.mu.Lock()
	c.outgoing += delta
	c.mu.Unlock()
}
