// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package macro

import (
	"encoding/json"

	"github.com/cespare/xxhash/v2"
	"github.com/grailbio/cellgraph/graph"
)

// A signature summarizes the structure of a subgraph child: enough to
// decide whether an old child can stand in for a newly built one. It
// is distinct from a cell's value checksum.
type signature uint64

// open marks cells whose value comes from outside the subgraph (or
// not at all), and pins that are fed from outside the subgraph (or not
// at all). External connections are re-attached after a rewrite, so
// they do not distinguish children.
const open = "open"

type cellShape struct {
	Type     string  `json:"type"`
	Dtype    string  `json:"dtype"`
	Checksum string  `json:"checksum,omitempty"`
	Writer   string  `json:"writer,omitempty"`
	Upstream *uint64 `json:"upstream,omitempty"`
}

type pinShape struct {
	Name   string  `json:"name"`
	Kind   string  `json:"kind"`
	Dtype  string  `json:"dtype"`
	Source string  `json:"source,omitempty"`
	Cell   *uint64 `json:"cell,omitempty"`
}

type workerShape struct {
	Type string            `json:"type"`
	Kind string            `json:"kind"`
	Pins []pinShape        `json:"pins"`
	Code map[string]string `json:"code,omitempty"`
}

type contextShape struct {
	Type     string            `json:"type"`
	Children map[string]uint64 `json:"children"`
}

// signer computes signatures of the children of a generated subgraph.
// It must run on the main loop.
type signer struct {
	m    *graph.Manager
	root *graph.Context
	// known memoizes cell and worker signatures. A node present in
	// signing is on the current path; reaching it again breaks the
	// cycle by leaving the upstream signature out.
	known   map[graph.Node]signature
	signing map[graph.Node]bool
}

func newSigner(m *graph.Manager, root *graph.Context) *signer {
	return &signer{
		m:       m,
		root:    root,
		known:   make(map[graph.Node]signature),
		signing: make(map[graph.Node]bool),
	}
}

// signatures returns the signatures of the top-level children of ctx
// that may be transplanted.
func signatures(m *graph.Manager, ctx *graph.Context) map[string]signature {
	sigs := make(map[string]signature)
	if ctx == nil {
		return sigs
	}
	s := newSigner(m, ctx)
	for _, child := range ctx.Children() {
		if sig, ok := s.sign(child); ok {
			sigs[child.Name()] = sig
		}
	}
	return sigs
}

// sign returns the signature of n. Contexts generated by macros are
// never transplanted: their macro objects are rebuilt with the
// subgraph.
func (s *signer) sign(n graph.Node) (signature, bool) {
	var shape interface{}
	switch n := n.(type) {
	case *graph.Cell, *graph.Worker:
		if sig, ok := s.known[n]; ok {
			return sig, true
		}
		if s.signing[n] {
			return 0, false
		}
		s.signing[n] = true
		if c, ok := n.(*graph.Cell); ok {
			shape = s.cell(c)
		} else {
			shape = s.worker(n.(*graph.Worker))
		}
		delete(s.signing, n)
		sig, ok := hash(shape)
		if ok {
			s.known[n] = sig
		}
		return sig, ok
	case *graph.Context:
		if p := n.Parent(); p != nil {
			if _, ok := p.Attached(n.Name()); ok {
				return 0, false
			}
		}
		cs := contextShape{Type: "context", Children: make(map[string]uint64)}
		for _, child := range n.Children() {
			sig, ok := s.sign(child)
			if !ok {
				return 0, false
			}
			cs.Children[child.Name()] = uint64(sig)
		}
		shape = cs
	default:
		return 0, false
	}
	return hash(shape)
}

func hash(shape interface{}) (signature, bool) {
	b, err := json.Marshal(shape)
	if err != nil {
		return 0, false
	}
	return signature(xxhash.Sum64(b)), true
}

func (s *signer) cell(c *graph.Cell) cellShape {
	shape := cellShape{Type: "cell", Dtype: c.Dtype().String()}
	if conn, ok := s.m.Writer(c); ok {
		if path, ok := s.relPath(conn.Source); ok {
			shape.Writer = path
			shape.Upstream = s.upstream(conn.Source)
			return shape
		}
		shape.Writer = open
		return shape
	}
	if sum := c.Checksum(); !sum.IsZero() {
		shape.Checksum = sum.String()
	} else {
		shape.Writer = open
	}
	return shape
}

func (s *signer) worker(w *graph.Worker) workerShape {
	config := w.Config()
	shape := workerShape{Type: "worker", Kind: w.Kind().String(), Code: config.Code}
	for _, p := range w.Params() {
		ps := pinShape{Name: p.Name, Kind: p.Kind.String(), Dtype: p.Dtype.String()}
		if p.Kind != graph.Output {
			pin, _ := w.Pin(p.Name)
			ps.Source = open
			if conn, ok := s.m.Feed(pin); ok {
				cellEnd := conn.Source
				if conn.Source.IsPin() {
					cellEnd = conn.Target
				}
				if path, ok := s.relPath(cellEnd); ok {
					ps.Source = path
					if ep, ok := s.m.Endpoint(cellEnd); ok {
						if c, ok := ep.(*graph.Cell); ok {
							b, err := json.Marshal(s.cell(c))
							if err == nil {
								sig := xxhash.Sum64(b)
								ps.Cell = &sig
							}
						}
					}
				}
			}
		}
		shape.Pins = append(shape.Pins, ps)
	}
	return shape
}

// upstream returns the signature of the node that writes through
// source: the worker owning a pin, or the aliased cell. A cell whose
// writer changes shape must not be transplanted even if its own path
// and type are unchanged.
func (s *signer) upstream(source graph.End) *uint64 {
	ep, ok := s.m.Endpoint(source)
	if !ok {
		return nil
	}
	var n graph.Node
	switch ep := ep.(type) {
	case *graph.Pin:
		n = ep.Worker()
	case *graph.Cell:
		n = ep
	default:
		return nil
	}
	sig, ok := s.sign(n)
	if !ok {
		return nil
	}
	v := uint64(sig)
	return &v
}

// relPath returns the path of endpoint e relative to the subgraph
// root, if it lies within the subgraph.
func (s *signer) relPath(e graph.End) (string, bool) {
	ep, ok := s.m.Endpoint(e)
	if !ok {
		return "", false
	}
	switch ep := ep.(type) {
	case *graph.Cell:
		return s.root.RelPath(ep)
	case *graph.Pin:
		path, ok := s.root.RelPath(ep.Worker())
		if !ok {
			return "", false
		}
		return path + graph.Sep + ep.Name(), true
	}
	return "", false
}
