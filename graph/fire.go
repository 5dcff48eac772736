// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package graph

import (
	"context"

	"github.com/grailbio/cellgraph"
	"github.com/grailbio/cellgraph/celltype"
	"github.com/grailbio/cellgraph/errors"
	"github.com/grailbio/cellgraph/kernel"
	"github.com/grailbio/cellgraph/metrics"
)

// Set sets the value of cell c. The value is serialized to the cell's
// dtype; failures are returned as errors of kind errors.Construction.
// Only independent cells may be set.
func (m *Manager) Set(c *Cell, v interface{}) error {
	b, err := c.dtype.Serialize(v)
	if err != nil {
		return errors.E("set", c.Path(), err)
	}
	return m.setBuffer(c, b, true, false)
}

// SetPrelim sets cell c to a preliminary value, as a worker does when
// it emits while more input is queued. A later Set makes the value
// final.
func (m *Manager) SetPrelim(c *Cell, v interface{}) error {
	b, err := c.dtype.Serialize(v)
	if err != nil {
		return errors.E("set", c.Path(), err)
	}
	return m.setBuffer(c, b, true, true)
}

// SetBuffer sets the buffer of independent cell c from outside the
// graph. The buffer is parsed and canonicalized according to the
// cell's dtype. If it fails to parse, the cell's status becomes ERROR,
// and its previous value is retained; the parse error is returned
// only if strict is set.
func (m *Manager) SetBuffer(c *Cell, b []byte, strict bool) error {
	return m.setBuffer(c, b, strict, false)
}

func (m *Manager) setBuffer(c *Cell, b []byte, strict, prelim bool) error {
	return m.Do(func() error {
		if !m.live(c.h) {
			return errors.E("set", c.name, errors.NotExist, errors.New("cell destroyed"))
		}
		if _, ok := m.cellIn[c.h]; ok {
			return errors.E("set", c.Path(), errors.Invalid, errors.New("cell is dependent"))
		}
		canon, v, err := c.dtype.Canonicalize(b)
		if err != nil {
			err = errors.E("set", c.Path(), err)
			c.fail(err)
			m.notify(c)
			if strict {
				return err
			}
			return nil
		}
		m.assign(c, canon, cellgraph.ChecksumOf(canon), v, prelim, 0)
		return nil
	})
}

// SetChecksum sets independent cell c to the value with checksum sum.
// The cell's buffer is fetched from the buffer store when it is
// needed.
func (m *Manager) SetChecksum(c *Cell, sum cellgraph.Checksum) error {
	if sum.IsZero() {
		return errors.E("setchecksum", c.Path(), errors.Invalid, errors.New("zero checksum"))
	}
	return m.Do(func() error {
		if !m.live(c.h) {
			return errors.E("setchecksum", c.name, errors.NotExist, errors.New("cell destroyed"))
		}
		if _, ok := m.cellIn[c.h]; ok {
			return errors.E("setchecksum", c.Path(), errors.Invalid, errors.New("cell is dependent"))
		}
		m.assign(c, nil, sum, nil, false, 0)
		return nil
	})
}

// UpdateFromWorker sets the value of a worker's output or edit pin,
// and propagates it to the pin's cells. Updates for destroyed workers
// or cells are ignored.
func (m *Manager) UpdateFromWorker(w Handle, out kernel.Output) {
	m.Post(func() { m.updateFromWorker(w, out) })
}

func (m *Manager) updateFromWorker(h Handle, out kernel.Output) {
	n, ok := m.nodes[h]
	if !ok {
		return
	}
	w, ok := n.(*Worker)
	if !ok {
		return
	}
	pin, ok := w.pins[out.Pin]
	if !ok {
		return
	}
	b, err := pin.typ.Serialize(out.Value)
	if err != nil {
		m.log.Errorf("%s: %v", pin.Path(), err)
		err = errors.E("output", pin.Path(), err)
		for _, id := range m.pinOut[pin.ID()] {
			if c, ok := m.cells[m.conns[id].Target.Cell]; ok {
				c.fail(err)
				m.notify(c)
			}
		}
		return
	}
	var ids []ConnID
	switch pin.kind {
	case Output:
		ids = m.pinOut[pin.ID()]
	case Edit:
		if id, ok := m.pinIn[pin.ID()]; ok {
			ids = []ConnID{id}
		}
	}
	for _, id := range append([]ConnID(nil), ids...) {
		conn, ok := m.conns[id]
		if !ok {
			continue
		}
		cellEnd := conn.Target
		if conn.Edit && !conn.Source.IsPin() {
			cellEnd = conn.Source
		}
		c, ok := m.cells[cellEnd.Cell]
		if !ok {
			continue
		}
		cb := b
		if conn.Mode == celltype.ModeConvert {
			if cb, err = celltype.Convert(pin.typ, c.dtype, b); err != nil {
				c.fail(errors.E("output", pin.Path(), c.Path(), err))
				m.notify(c)
				continue
			}
		}
		canon, v, err := c.dtype.Canonicalize(cb)
		if err != nil {
			c.fail(errors.E("output", pin.Path(), c.Path(), err))
			m.notify(c)
			continue
		}
		var origin Handle
		if pin.kind == Edit {
			origin = h
		}
		m.assign(c, canon, cellgraph.ChecksumOf(canon), v, out.Prelim, origin)
	}
}

// assign sets the contents of cell c and fires its listeners if the
// checksum changed. Edit pins of worker origin are skipped.
func (m *Manager) assign(c *Cell, b []byte, sum cellgraph.Checksum, v interface{}, prelim bool, origin Handle) {
	changed, prelimChanged := c.assign(b, sum, v, prelim)
	switch {
	case changed:
		metrics.GetCellUpdatesCounter(m.ctx).Inc()
		m.fire(c, origin)
	case prelimChanged:
		m.notify(c)
	}
}

// fire propagates a change of cell c: first to macro listeners, which
// may rewrite the graph that the other listeners belong to; then to
// input pins and aliased cells; then to edit pins; and finally to
// observers.
func (m *Manager) fire(c *Cell, origin Handle) {
	h := c.h
	listeners := m.macros[h]
	live := listeners[:0]
	for _, l := range listeners {
		a, ok := m.attachments[l.obj]
		if !ok {
			continue
		}
		live = append(live, l)
		if al, ok := a.(ArgListener); ok {
			al.ArgChanged(l.arg, c)
		}
	}
	if len(live) == 0 {
		delete(m.macros, h)
	} else {
		m.macros[h] = live
	}
	if !m.live(h) {
		return
	}
	for _, id := range append([]ConnID(nil), m.cellOut[h]...) {
		conn, ok := m.conns[id]
		if !ok {
			continue
		}
		if conn.Target.IsPin() {
			m.deliverToPin(c, conn, conn.Target.Pin)
		} else {
			m.propagate(c, conn)
		}
	}
	for _, id := range append([]ConnID(nil), m.cellEdit[h]...) {
		conn, ok := m.conns[id]
		if !ok {
			continue
		}
		pin := conn.Target.Pin
		if conn.Source.IsPin() {
			pin = conn.Source.Pin
		}
		if pin.Worker == origin {
			continue
		}
		m.deliverToPin(c, conn, pin)
	}
	m.notify(c)
}

func (m *Manager) notify(c *Cell) {
	for _, o := range append([]observer(nil), m.observers[c.h]...) {
		o.fn(c)
	}
}

// deliverToPin enqueues the value of cell c on the kernel of pin id's
// worker.
func (m *Manager) deliverToPin(c *Cell, conn *Connection, id PinID) {
	n, ok := m.nodes[id.Worker]
	if !ok {
		return
	}
	w := n.(*Worker)
	pin := w.pins[id.Name]
	v, err := m.pinValue(c, conn, pin)
	if err != nil {
		if errors.Recoverable(err) {
			m.log.Printf("%s: %v", pin.Path(), err)
		} else {
			m.log.Errorf("%s: %v", pin.Path(), err)
		}
		return
	}
	w.kernel.Enqueue(kernel.Item{Name: pin.name, Value: v})
}

func (m *Manager) pinValue(c *Cell, conn *Connection, pin *Pin) (interface{}, error) {
	ctx := context.Background()
	if conn.Mode == celltype.ModeBuffer {
		return c.Value(ctx)
	}
	b, err := c.Buffer(ctx)
	if err != nil {
		return nil, err
	}
	if b, err = celltype.Convert(c.dtype, pin.typ, b); err != nil {
		return nil, err
	}
	return pin.typ.Parse(b)
}

// propagate copies the value of cell c along a cell-to-cell
// connection.
func (m *Manager) propagate(c *Cell, conn *Connection) {
	target, ok := m.cells[conn.Target.Cell]
	if !ok {
		return
	}
	if conn.Mode == celltype.ModeBuffer {
		c.mu.RLock()
		b, sum, v, prelim := c.buffer, c.checksum, c.value, c.prelim
		c.mu.RUnlock()
		if target.dtype != c.dtype {
			v = nil
		}
		m.assign(target, b, sum, v, prelim, 0)
		return
	}
	b, err := c.Buffer(context.Background())
	if err == nil {
		b, err = celltype.Convert(c.dtype, target.dtype, b)
	}
	var (
		canon []byte
		v     interface{}
	)
	if err == nil {
		canon, v, err = target.dtype.Canonicalize(b)
	}
	if err != nil {
		target.fail(errors.E("propagate", c.Path(), target.Path(), err))
		m.notify(target)
		return
	}
	m.assign(target, canon, cellgraph.ChecksumOf(canon), v, c.Prelim(), 0)
}
