// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package graph

import (
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/cellgraph/errors"
)

// Destroy destroys node n and its subtree. The connections of
// destroyed nodes are severed; the kernels of destroyed workers are
// finished, in parallel, and joined. Attachments of destroyed
// contexts are detached. Destroying a destroyed node is a no-op.
func (m *Manager) Destroy(n Node) {
	_ = m.Do(func() error {
		m.destroy(n)
		return nil
	})
}

func (m *Manager) destroy(n Node) {
	if !m.live(n.Handle()) || n == Node(m.root) {
		return
	}
	var (
		nodes   []Node
		workers []*Worker
		detach  []Attachment
	)
	m.treeMu.Lock()
	walkLocked(n, func(n Node) {
		nodes = append(nodes, n)
		switch n := n.(type) {
		case *Worker:
			workers = append(workers, n)
		case *Context:
			for _, h := range n.attached {
				if a, ok := m.attachments[h]; ok {
					detach = append(detach, a)
					delete(m.attachments, h)
				}
			}
		}
	})
	b := n.(baseNode).base()
	if b.parent != nil {
		delete(b.parent.children, b.name)
		b.parent = nil
	}
	m.treeMu.Unlock()

	for _, n := range nodes {
		h := n.Handle()
		delete(m.nodes, h)
		switch n := n.(type) {
		case *Cell:
			m.sever(m.cellOut[h]...)
			m.sever(m.cellEdit[h]...)
			if id, ok := m.cellIn[h]; ok {
				m.sever(id)
			}
			delete(m.cells, h)
			delete(m.cellOut, h)
			delete(m.cellEdit, h)
			delete(m.macros, h)
			delete(m.observers, h)
		case *Worker:
			for name := range n.pins {
				id := PinID{h, name}
				if cid, ok := m.pinIn[id]; ok {
					m.sever(cid)
				}
				m.sever(m.pinOut[id]...)
				delete(m.pinOut, id)
			}
		}
	}
	_ = traverse.Each(len(workers), func(i int) error {
		workers[i].kernel.Finish()
		return nil
	})
	for _, a := range detach {
		a.Detach()
	}
}

func (m *Manager) sever(ids ...ConnID) {
	for _, id := range append([]ConnID(nil), ids...) {
		if conn, ok := m.conns[id]; ok {
			m.unindex(conn)
		}
	}
}

// Move moves node n into context to, under the given name. Moved nodes
// keep their handles, connections, and (for workers) their running
// kernels. Kernels of workers that become reachable from the root are
// started.
func (m *Manager) Move(n Node, to *Context, name string) error {
	return m.Do(func() error {
		if !m.live(n.Handle()) {
			return errors.E("move", name, errors.NotExist)
		}
		m.treeMu.Lock()
		b := n.(baseNode).base()
		if c, ok := n.(*Context); ok && (c == to || c.containsLocked(to)) {
			m.treeMu.Unlock()
			return errors.E("move", name, errors.Invalid, errors.New("context moved into itself"))
		}
		oldParent, oldName := b.parent, b.name
		if oldParent != nil {
			delete(oldParent.children, oldName)
		}
		b.name = name
		if err := m.checkName(to, name); err != nil {
			b.name = oldName
			if oldParent != nil {
				oldParent.children[oldName] = n
			}
			m.treeMu.Unlock()
			return err
		}
		b.parent = to
		to.children[name] = n
		m.treeMu.Unlock()
		m.startKernels(n)
		return nil
	})
}

// Rename renames node n within its parent context.
func (m *Manager) Rename(n Node, name string) error {
	return m.Do(func() error {
		p := n.Parent()
		if p == nil {
			m.treeMu.Lock()
			n.(baseNode).base().name = name
			m.treeMu.Unlock()
			return nil
		}
		return m.Move(n, p, name)
	})
}

// startKernels starts the kernels of all workers in the subtree of n,
// if it is reachable from the root.
func (m *Manager) startKernels(n Node) {
	m.treeMu.RLock()
	var workers []*Worker
	reachable := n == Node(m.root)
	if b, ok := n.(baseNode); ok && b.base().parent != nil {
		reachable = b.base().parent.rootLocked() == m.root
	}
	if reachable {
		walkLocked(n, func(n Node) {
			if w, ok := n.(*Worker); ok {
				workers = append(workers, w)
			}
		})
	}
	m.treeMu.RUnlock()
	for _, w := range workers {
		w.kernel.Start(m.ctx)
	}
}
