// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package graphjson

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"sort"

	"github.com/grailbio/cellgraph"
	"github.com/grailbio/cellgraph/engine"
	"github.com/grailbio/cellgraph/errors"
	"github.com/grailbio/cellgraph/graph"
	"github.com/grailbio/cellgraph/kernel"
)

// Load builds the graph described by doc in engine e, under e's
// root context. The engine must provide the document's macros and
// registrars, and the functions its workers run.
//
// The tree is built first, followed by registrations and the
// connections among existing nodes. Macro objects are then created
// and the graph is equilibrated, so that connections to nodes in
// generated contexts can be made. Registrar listeners come last.
func Load(ctx context.Context, e *engine.Engine, doc *Document) error {
	if doc.Main == nil {
		return errors.E("load", errors.Invalid, errors.New("document has no main"))
	}
	for name, def := range doc.Macro {
		if err := checkMacro(e, name, def); err != nil {
			return err
		}
	}
	for name, source := range doc.Lib {
		e.SetLib(name, source)
	}
	l := &loader{e: e, m: e.Manager, dir: doc.Dir}
	for _, name := range sortedNames(doc.Main.Children) {
		if err := l.node(ctx, e.Root(), name, doc.Main.Children[name]); err != nil {
			return err
		}
	}
	regs := make([]string, 0, len(doc.Registrations))
	for name := range doc.Registrations {
		regs = append(regs, name)
	}
	sort.Strings(regs)
	for _, name := range regs {
		reg, ok := e.Registrars.Get(name)
		if !ok {
			return errors.E("load", name, errors.NotExist, errors.New("no such registrar"))
		}
		for _, path := range doc.Registrations[name] {
			c, err := l.cell(path)
			if err != nil {
				return err
			}
			if err := reg.Register(c); err != nil {
				return err
			}
		}
	}
	var deferred []Connection
	for _, conn := range doc.Connections {
		err := l.connect(conn)
		if errors.Is(errors.NotExist, err) {
			deferred = append(deferred, conn)
			continue
		}
		if err != nil {
			return err
		}
	}
	for _, mo := range doc.MacroObjects {
		if err := l.invoke(mo); err != nil {
			return err
		}
	}
	if len(doc.MacroObjects) > 0 {
		if err := e.Equilibrate(ctx, 0); err != nil {
			return errors.E("load", err)
		}
	}
	for _, conn := range deferred {
		if err := l.connect(conn); err != nil {
			if errors.Is(errors.NotExist, err) {
				return errors.E("load", conn.Source, conn.Target, errors.DanglingReference, err)
			}
			return err
		}
	}
	for _, reg := range sortedNames(doc.RegistrarListeners) {
		keys := doc.RegistrarListeners[reg]
		for _, key := range sortedNames(keys) {
			for _, path := range keys[key] {
				n, _, err := l.m.Resolve(path)
				if err != nil {
					return errors.E("load", reg, key, err)
				}
				w, ok := n.(*graph.Worker)
				if !ok {
					return errors.E("load", reg, key, path, errors.Invalid, errors.New("listener is not a worker"))
				}
				l.m.ListenRegistrar(reg, key, w.Handle())
			}
		}
	}
	return nil
}

func checkMacro(e *engine.Engine, name string, def MacroDef) error {
	mac, ok := e.Macro(name)
	if !ok {
		return errors.E("load", name, errors.NotExist, errors.New("macro not registered"))
	}
	if len(mac.Args) != len(def.Args) {
		return errors.E("load", name, errors.Precondition,
			errors.Errorf("macro takes %d arguments, document declares %d", len(mac.Args), len(def.Args)))
	}
	for i, arg := range def.Args {
		if mac.Args[i].Name != arg.Name || mac.Args[i].Dtype != arg.Dtype {
			return errors.E("load", name, arg.Name, errors.Precondition,
				errors.Errorf("argument is %s %s, document declares %s %s",
					mac.Args[i].Name, mac.Args[i].Dtype, arg.Name, arg.Dtype))
		}
	}
	return nil
}

type loader struct {
	e   *engine.Engine
	m   *graph.Manager
	dir string
}

func (l *loader) node(ctx context.Context, parent *graph.Context, name string, node *Node) error {
	if node == nil {
		return errors.E("load", name, errors.Invalid, errors.New("empty node"))
	}
	switch node.Type {
	case TypeContext:
		c, err := l.m.NewContext(parent, name)
		if err != nil {
			return err
		}
		for _, child := range sortedNames(node.Children) {
			if err := l.node(ctx, c, child, node.Children[child]); err != nil {
				return err
			}
		}
		return nil
	case TypeCell:
		if node.Dtype == nil {
			return errors.E("load", name, errors.Invalid, errors.New("cell has no dtype"))
		}
		c, err := l.m.NewCell(parent, name, *node.Dtype)
		if err != nil {
			return err
		}
		return l.value(c, node)
	case TypeTransformer, TypeReactor:
		params, err := node.Params.graph()
		if err != nil {
			return err
		}
		config := graph.WorkerConfig{
			Kind:     kernel.Transformer,
			Params:   params,
			Language: node.Language,
			Code:     node.Code,
		}
		if node.Type == TypeReactor {
			config.Kind = kernel.Reactor
		}
		_, err = l.m.NewWorker(parent, name, config)
		return err
	default:
		return errors.E("load", name, errors.Invalid, errors.Errorf("unknown node type %q", node.Type))
	}
}

func (l *loader) value(c *graph.Cell, node *Node) error {
	switch {
	case node.Data != nil:
		b, err := decodeData(c.Dtype(), node.Data)
		if err != nil {
			return errors.E("load", c.Path(), errors.Parse, err)
		}
		return l.m.SetBuffer(c, b, true)
	case node.Resource != "":
		path := node.Resource
		if !filepath.IsAbs(path) {
			path = filepath.Join(l.dir, path)
		}
		b, err := ioutil.ReadFile(path)
		if err != nil {
			return errors.E("load", c.Path(), path, err)
		}
		return l.m.SetBuffer(c, b, true)
	case node.Checksum != "":
		sum, err := cellgraph.Digester.Parse(node.Checksum)
		if err != nil {
			return errors.E("load", c.Path(), errors.Parse, err)
		}
		return l.m.SetChecksum(c, sum)
	}
	return nil
}

func (l *loader) cell(path string) (*graph.Cell, error) {
	n, pin, err := l.m.Resolve(path)
	if err != nil {
		return nil, err
	}
	c, ok := n.(*graph.Cell)
	if !ok || pin != nil {
		return nil, errors.E("load", path, errors.Invalid, errors.New("not a cell"))
	}
	return c, nil
}

func (l *loader) endpoint(path string) (graph.Endpoint, error) {
	n, pin, err := l.m.Resolve(path)
	if err != nil {
		return nil, err
	}
	if pin != nil {
		return pin, nil
	}
	c, ok := n.(*graph.Cell)
	if !ok {
		return nil, errors.E("load", path, errors.Invalid, errors.New("not a cell or pin"))
	}
	return c, nil
}

func (l *loader) connect(conn Connection) error {
	src, err := l.endpoint(conn.Source)
	if err != nil {
		return err
	}
	dst, err := l.endpoint(conn.Target)
	if err != nil {
		return err
	}
	_, err = l.m.Connect(src, dst)
	return err
}

func (l *loader) invoke(mo MacroObject) error {
	owner := l.e.Root()
	if mo.Owner != "" {
		n, _, err := l.m.Resolve(mo.Owner)
		if err != nil {
			return errors.E("load", mo.Name, err)
		}
		ctx, ok := n.(*graph.Context)
		if !ok {
			return errors.E("load", mo.Owner, errors.Invalid, errors.New("owner is not a context"))
		}
		owner = ctx
	}
	args := make(map[string]*graph.Cell)
	for name, path := range mo.Args {
		c, err := l.cell(path)
		if err != nil {
			return errors.E("load", mo.Name, name, err)
		}
		args[name] = c
	}
	_, err := l.e.Invoke(owner, mo.Name, mo.Macro, args, mo.Params)
	return err
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
