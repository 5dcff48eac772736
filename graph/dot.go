// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package graph

import (
	"io"
	"sort"
	"strings"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"
)

// dotNode is a cell or worker in the dot graph.
type dotNode struct {
	n Node
}

// ID implements graph.Node.
func (d dotNode) ID() int64 { return int64(d.n.Handle()) }

// DOTID implements dot.Node.
func (d dotNode) DOTID() string { return d.n.Path() }

// Attributes implements encoding.Attributer. Workers are drawn as
// boxes; nodes with exceptions are filled red.
func (d dotNode) Attributes() []encoding.Attribute {
	var attrs []encoding.Attribute
	if w, ok := d.n.(*Worker); ok {
		attrs = append(attrs,
			encoding.Attribute{Key: "shape", Value: "box"},
			encoding.Attribute{Key: "kind", Value: w.Kind().String()})
	}
	if d.n.Exception() != nil {
		attrs = append(attrs,
			encoding.Attribute{Key: "style", Value: "filled"},
			encoding.Attribute{Key: "fillcolor", Value: "red"})
	}
	return attrs
}

// dotEdge is a set of connections between two nodes.
type dotEdge struct {
	graph.Edge
	labels []string
	edit   bool
}

// Attributes implements encoding.Attributer. Edit connections are
// dashed.
func (e dotEdge) Attributes() []encoding.Attribute {
	sort.Strings(e.labels)
	attrs := []encoding.Attribute{{Key: "label", Value: strings.Join(e.labels, ",")}}
	if e.edit {
		attrs = append(attrs, encoding.Attribute{Key: "style", Value: "dashed"})
	}
	return attrs
}

// WriteDot writes the graph, as reachable from the root, to w in the
// dot format.
func (m *Manager) WriteDot(w io.Writer) error {
	var b []byte
	err := m.Do(func() error {
		g := simple.NewDirectedGraph()
		m.treeMu.RLock()
		walkLocked(m.root, func(n Node) {
			switch n.(type) {
			case *Cell, *Worker:
				g.AddNode(dotNode{n})
			}
		})
		m.treeMu.RUnlock()
		ids := make([]ConnID, 0, len(m.conns))
		for id := range m.conns {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			conn := m.conns[id]
			from, to := g.Node(int64(conn.Source.Node())), g.Node(int64(conn.Target.Node()))
			if from == nil || to == nil {
				continue
			}
			label := conn.Source.Pin.Name + conn.Target.Pin.Name
			e := dotEdge{Edge: g.NewEdge(from, to), edit: conn.Edit}
			if prev, ok := g.Edge(from.ID(), to.ID()).(dotEdge); ok {
				e = prev
				e.edit = e.edit || conn.Edit
			}
			if label != "" {
				e.labels = append(e.labels, label)
			}
			g.SetEdge(e)
		}
		var err error
		b, err = dot.Marshal(g, "cellgraph", "", "  ")
		return err
	})
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
