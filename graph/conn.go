// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package graph

import (
	"fmt"

	"github.com/grailbio/cellgraph/celltype"
	"github.com/grailbio/cellgraph/errors"
)

// ConnID identifies a connection. IDs are assigned monotonically and
// are never reused, except that a connection re-attached after a
// macro rewrite keeps its original ID.
type ConnID uint64

// End is a connection endpoint, by handle: either a cell or a pin.
type End struct {
	Cell Handle
	Pin  PinID
}

// IsPin tells whether the endpoint is a pin.
func (e End) IsPin() bool { return e.Pin.Worker != 0 }

// Node returns the handle of the endpoint's node (the cell, or the
// pin's worker).
func (e End) Node() Handle {
	if e.IsPin() {
		return e.Pin.Worker
	}
	return e.Cell
}

func (e End) String() string {
	if e.IsPin() {
		return fmt.Sprintf("pin(%d.%s)", e.Pin.Worker, e.Pin.Name)
	}
	return fmt.Sprintf("cell(%d)", e.Cell)
}

// Connection is a directed, typed edge between a cell and a pin, or
// between two cells.
type Connection struct {
	ID     ConnID
	Source End
	Target End
	Mode   celltype.Mode
	// Edit is set for connections between a cell and an edit pin.
	// These are bidirectional, and do not make the cell dependent.
	Edit bool
}

// connect validates and indexes a new connection. It must be called
// on the main loop.
func (m *Manager) connect(id ConnID, source, target Endpoint) (*Connection, error) {
	srcType, dstType := source.endType(), target.endType()
	conn := &Connection{ID: id, Source: source.end(), Target: target.end()}
	if !m.live(conn.Source.Node()) || !m.live(conn.Target.Node()) {
		return nil, errors.E("connect", errors.NotExist, errors.New("endpoint destroyed"))
	}
	mismatch := func(msg string) error {
		return errors.E("connect", m.endPath(conn.Source), m.endPath(conn.Target), errors.TypeMismatch, errors.New(msg))
	}
	switch src := source.(type) {
	case *Cell:
		switch dst := target.(type) {
		case *Pin:
			switch dst.kind {
			case Input:
			case Edit:
				conn.Edit = true
			default:
				return nil, mismatch("a cell may only connect to an input or edit pin")
			}
			if _, ok := m.pinIn[dst.ID()]; ok {
				return nil, mismatch("pin already has an incoming connection")
			}
		case *Cell:
			if src == dst {
				return nil, mismatch("cell connected to itself")
			}
			if _, ok := m.cellIn[dst.h]; ok {
				return nil, mismatch("cell already has a writer")
			}
		}
	case *Pin:
		dst, ok := target.(*Cell)
		if !ok {
			return nil, mismatch("pins may only connect to cells")
		}
		switch src.kind {
		case Output:
			if _, ok := m.cellIn[dst.h]; ok {
				return nil, mismatch("cell already has a writer")
			}
		case Edit:
			if _, ok := m.pinIn[src.ID()]; ok {
				return nil, mismatch("pin already has an incoming connection")
			}
			conn.Edit = true
		default:
			return nil, mismatch("input pins cannot be connection sources")
		}
	}
	mode, err := celltype.Negotiate(srcType, dstType)
	if err != nil {
		return nil, errors.E("connect", m.endPath(conn.Source), m.endPath(conn.Target), err)
	}
	if conn.Edit {
		if _, err := celltype.Negotiate(dstType, srcType); err != nil {
			return nil, errors.E("connect", m.endPath(conn.Source), m.endPath(conn.Target), err)
		}
	}
	conn.Mode = mode
	m.index(conn)
	return conn, nil
}

func (m *Manager) index(conn *Connection) {
	m.conns[conn.ID] = conn
	switch {
	case conn.Edit:
		cell, pin := conn.Source.Cell, conn.Target.Pin
		if conn.Source.IsPin() {
			cell, pin = conn.Target.Cell, conn.Source.Pin
		}
		m.cellEdit[cell] = append(m.cellEdit[cell], conn.ID)
		m.pinIn[pin] = conn.ID
	case conn.Source.IsPin():
		m.pinOut[conn.Source.Pin] = append(m.pinOut[conn.Source.Pin], conn.ID)
		m.cellIn[conn.Target.Cell] = conn.ID
		m.cells[conn.Target.Cell].addIncoming(1)
	case conn.Target.IsPin():
		m.cellOut[conn.Source.Cell] = append(m.cellOut[conn.Source.Cell], conn.ID)
		m.pinIn[conn.Target.Pin] = conn.ID
		m.cells[conn.Source.Cell].addOutgoing(1)
	default:
		m.cellOut[conn.Source.Cell] = append(m.cellOut[conn.Source.Cell], conn.ID)
		m.cellIn[conn.Target.Cell] = conn.ID
		m.cells[conn.Source.Cell].addOutgoing(1)
		m.cells[conn.Target.Cell].addIncoming(1)
	}
}

func (m *Manager) unindex(conn *Connection) {
	delete(m.conns, conn.ID)
	switch {
	case conn.Edit:
		cell, pin := conn.Source.Cell, conn.Target.Pin
		if conn.Source.IsPin() {
			cell, pin = conn.Target.Cell, conn.Source.Pin
		}
		m.cellEdit[cell] = removeID(m.cellEdit[cell], conn.ID)
		delete(m.pinIn, pin)
	case conn.Source.IsPin():
		m.pinOut[conn.Source.Pin] = removeID(m.pinOut[conn.Source.Pin], conn.ID)
		delete(m.cellIn, conn.Target.Cell)
		if c, ok := m.cells[conn.Target.Cell]; ok {
			c.addIncoming(-1)
		}
	case conn.Target.IsPin():
		m.cellOut[conn.Source.Cell] = removeID(m.cellOut[conn.Source.Cell], conn.ID)
		delete(m.pinIn, conn.Target.Pin)
		if c, ok := m.cells[conn.Source.Cell]; ok {
			c.addOutgoing(-1)
		}
	default:
		m.cellOut[conn.Source.Cell] = removeID(m.cellOut[conn.Source.Cell], conn.ID)
		delete(m.cellIn, conn.Target.Cell)
		if c, ok := m.cells[conn.Source.Cell]; ok {
			c.addOutgoing(-1)
		}
		if c, ok := m.cells[conn.Target.Cell]; ok {
			c.addIncoming(-1)
		}
	}
}

func removeID(ids []ConnID, id ConnID) []ConnID {
	for i := range ids {
		if ids[i] == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}

// fireConn delivers the current value of a newly made connection's
// source, if it holds one.
func (m *Manager) fireConn(conn *Connection) {
	cellEnd, pinEnd := conn.Source, conn.Target
	if conn.Source.IsPin() {
		if !conn.Edit {
			return
		}
		cellEnd, pinEnd = conn.Target, conn.Source
	}
	cell, ok := m.cells[cellEnd.Cell]
	if !ok || cell.State() != OK {
		return
	}
	if pinEnd.IsPin() {
		m.deliverToPin(cell, conn, pinEnd.Pin)
		return
	}
	m.propagate(cell, conn)
}
