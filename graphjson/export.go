// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package graphjson

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/grailbio/cellgraph/celltype"
	"github.com/grailbio/cellgraph/engine"
	"github.com/grailbio/cellgraph/errors"
	"github.com/grailbio/cellgraph/graph"
	"github.com/grailbio/cellgraph/kernel"
	"github.com/grailbio/cellgraph/macro"
)

// Export returns the document of engine e's graph. Cells whose
// buffers are not available are exported by checksum.
func Export(ctx context.Context, e *engine.Engine) (*Document, error) {
	doc := &Document{
		Lib:   make(map[string]string),
		Macro: make(map[string]MacroDef),
	}
	for _, name := range e.LibNames() {
		doc.Lib[name], _ = e.Lib(name)
	}
	var err error
	if doc.Main, err = exportNode(ctx, e.Root()); err != nil {
		return nil, err
	}
	m := e.Manager
	for _, conn := range m.Connections() {
		src, _ := m.Lookup(conn.Source.Node())
		dst, _ := m.Lookup(conn.Target.Node())
		if src == nil || dst == nil || generated(src) && generated(dst) {
			continue
		}
		doc.Connections = append(doc.Connections, Connection{
			Source: m.EndPath(conn.Source),
			Target: m.EndPath(conn.Target),
		})
	}
	sort.Slice(doc.Connections, func(i, j int) bool {
		ci, cj := doc.Connections[i], doc.Connections[j]
		if ci.Source != cj.Source {
			return ci.Source < cj.Source
		}
		return ci.Target < cj.Target
	})
	for _, obj := range e.MacroObjects() {
		if generated(obj.Owner()) {
			continue
		}
		mac := obj.Macro()
		if _, ok := doc.Macro[mac.Name]; !ok {
			doc.Macro[mac.Name] = macroDef(mac.Source, mac.Args, mac.Outputs)
		}
		mo := MacroObject{
			Owner:  obj.Owner().Path(),
			Name:   obj.Name(),
			Macro:  mac.Name,
			Params: obj.Params(),
		}
		if args := obj.Args(); len(args) > 0 {
			mo.Args = make(map[string]string)
			for name, c := range args {
				mo.Args[name] = c.Path()
			}
		}
		doc.MacroObjects = append(doc.MacroObjects, mo)
	}
	for _, name := range e.Registrars.Names() {
		reg, _ := e.Registrars.Get(name)
		var paths []string
		for _, c := range reg.Cells() {
			if !generated(c) {
				paths = append(paths, c.Path())
			}
		}
		if len(paths) == 0 {
			continue
		}
		if doc.Registrations == nil {
			doc.Registrations = make(map[string][]string)
		}
		doc.Registrations[name] = paths
	}
	for reg, keys := range m.RegistrarListeners() {
		for key, paths := range keys {
			var kept []string
			for _, path := range paths {
				if n, _, err := m.Resolve(path); err == nil && !generated(n) {
					kept = append(kept, path)
				}
			}
			if len(kept) == 0 {
				continue
			}
			sort.Strings(kept)
			if doc.RegistrarListeners == nil {
				doc.RegistrarListeners = make(map[string]map[string][]string)
			}
			if doc.RegistrarListeners[reg] == nil {
				doc.RegistrarListeners[reg] = make(map[string][]string)
			}
			doc.RegistrarListeners[reg][key] = kept
		}
	}
	return doc, nil
}

func macroDef(source string, args []macro.Arg, outputs []string) MacroDef {
	def := MacroDef{Source: source, Args: make([]Arg, len(args)), Outputs: outputs}
	for i, arg := range args {
		def.Args[i] = Arg{Name: arg.Name, Dtype: arg.Dtype}
	}
	return def
}

func exportNode(ctx context.Context, n graph.Node) (*Node, error) {
	switch n := n.(type) {
	case *graph.Context:
		node := &Node{Type: TypeContext, Children: make(map[string]*Node)}
		for _, child := range n.Children() {
			if generated(child) {
				continue
			}
			c, err := exportNode(ctx, child)
			if err != nil {
				return nil, err
			}
			node.Children[child.Name()] = c
		}
		return node, nil
	case *graph.Cell:
		dtype := n.Dtype()
		node := &Node{Type: TypeCell, Dtype: &dtype}
		if n.State() != graph.OK || n.Dependent() {
			return node, nil
		}
		b, err := n.Buffer(ctx)
		if errors.Is(errors.CacheMiss, err) {
			node.Checksum = n.Checksum().String()
			return node, nil
		}
		if err != nil {
			return nil, errors.E("export", n.Path(), err)
		}
		if node.Data, err = encodeData(dtype, b); err != nil {
			return nil, errors.E("export", n.Path(), err)
		}
		return node, nil
	case *graph.Worker:
		config := n.Config()
		node := &Node{
			Type:     TypeTransformer,
			Params:   paramsOf(config.Params),
			Language: config.Language,
			Code:     config.Code,
		}
		if config.Kind == kernel.Reactor {
			node.Type = TypeReactor
		}
		return node, nil
	default:
		return nil, errors.E("export", n.Path(), errors.NotSupported, errors.Errorf("unknown node type %T", n))
	}
}

// generated tells whether node n is, or is inside, a context
// generated by a macro object.
func generated(n graph.Node) bool {
	for {
		parent := n.Parent()
		if parent == nil {
			return false
		}
		if _, ok := n.(*graph.Context); ok {
			if _, ok := parent.Attached(n.Name()); ok {
				return true
			}
		}
		n = parent
	}
}

func encodeData(dtype celltype.Type, b []byte) (json.RawMessage, error) {
	switch dtype.Celltype {
	case celltype.Int, celltype.Float, celltype.Bool, celltype.Str, celltype.JSON, celltype.Plain:
		return json.RawMessage(b), nil
	case celltype.Bytes:
		return json.Marshal(b)
	default:
		return json.Marshal(string(b))
	}
}

func decodeData(dtype celltype.Type, data json.RawMessage) ([]byte, error) {
	switch dtype.Celltype {
	case celltype.Int, celltype.Float, celltype.Bool, celltype.Str, celltype.JSON, celltype.Plain:
		return data, nil
	case celltype.Bytes:
		var b []byte
		err := json.Unmarshal(data, &b)
		return b, err
	default:
		var s string
		err := json.Unmarshal(data, &s)
		return []byte(s), err
	}
}
