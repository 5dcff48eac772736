// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package macro

import (
	"strings"

	"github.com/grailbio/cellgraph/celltype"
	"github.com/grailbio/cellgraph/errors"
	"github.com/grailbio/cellgraph/graph"
	"github.com/grailbio/cellgraph/kernel"
)

// Builder builds a macro's subgraph. Paths passed to a builder are
// relative to the context it builds.
type Builder struct {
	m   *graph.Manager
	ctx *graph.Context
	obj *Object
}

// Context returns the context being built.
func (b *Builder) Context() *graph.Context { return b.ctx }

// Manager returns the graph manager.
func (b *Builder) Manager() *graph.Manager { return b.m }

// Sub creates a child context and returns a builder for it.
func (b *Builder) Sub(name string) (*Builder, error) {
	ctx, err := b.m.NewContext(b.ctx, name)
	if err != nil {
		return nil, err
	}
	return &Builder{m: b.m, ctx: ctx, obj: b.obj}, nil
}

// Cell creates a cell with the given dtype. If v is non-nil, the cell
// is set to it.
func (b *Builder) Cell(name, dtype string, v interface{}) (*graph.Cell, error) {
	typ, err := celltype.ParseType(dtype)
	if err != nil {
		return nil, err
	}
	c, err := b.m.NewCell(b.ctx, name, typ)
	if err != nil {
		return nil, err
	}
	if v != nil {
		if err := b.m.Set(c, v); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// cellAt creates a cell at a dotted path, creating intermediate
// contexts as needed.
func (b *Builder) cellAt(path string, dtype celltype.Type) (*graph.Cell, error) {
	elems := strings.Split(path, graph.Sep)
	cur := b.ctx
	for _, elem := range elems[:len(elems)-1] {
		if n, ok := cur.Child(elem); ok {
			ctx, ok := n.(*graph.Context)
			if !ok {
				return nil, errors.E("cell", path, errors.Invalid, errors.New("not a context"))
			}
			cur = ctx
			continue
		}
		ctx, err := b.m.NewContext(cur, elem)
		if err != nil {
			return nil, err
		}
		cur = ctx
	}
	return b.m.NewCell(cur, elems[len(elems)-1], dtype)
}

// Worker creates a worker.
func (b *Builder) Worker(name string, config graph.WorkerConfig) (*graph.Worker, error) {
	return b.m.NewWorker(b.ctx, name, config)
}

// Transformer creates a transformer with the given input pins and a
// single output pin, running code in the default language.
func (b *Builder) Transformer(name, code string, output graph.Param, inputs ...graph.Param) (*graph.Worker, error) {
	output.Kind = graph.Output
	params := make([]graph.Param, 0, len(inputs)+1)
	for _, p := range inputs {
		p.Kind = graph.Input
		params = append(params, p)
	}
	params = append(params, output)
	return b.Worker(name, graph.WorkerConfig{
		Kind:   kernel.Transformer,
		Params: params,
		Code:   map[string]string{kernel.CodePin: code},
	})
}

// Connect connects the cell or pin at source to the cell or pin at
// target.
func (b *Builder) Connect(source, target string) error {
	src, err := endpoint(b.ctx, source)
	if err != nil {
		return errors.E("connect", source, err)
	}
	dst, err := endpoint(b.ctx, target)
	if err != nil {
		return errors.E("connect", target, err)
	}
	_, err = b.m.Connect(src, dst)
	return err
}

// Macro invokes macro mac within the subgraph, with the cells at the
// given paths as its arguments.
func (b *Builder) Macro(name string, mac *Macro, args map[string]string, params map[string]interface{}) (*Object, error) {
	cells := make(map[string]*graph.Cell, len(args))
	for arg, path := range args {
		n, _, err := b.ctx.Resolve(path)
		if err != nil {
			return nil, errors.E("macro", name, arg, err)
		}
		c, ok := n.(*graph.Cell)
		if !ok {
			return nil, errors.E("macro", name, arg, errors.Invalid, errors.New("argument is not a cell"))
		}
		cells[arg] = c
	}
	return New(b.m, b.obj.env, b.ctx, name, mac, cells, params)
}

// MacroNamed is like Macro, but looks up the macro by name.
func (b *Builder) MacroNamed(name, macro string, args map[string]string, params map[string]interface{}) (*Object, error) {
	if b.obj.env.Macros == nil {
		return nil, errors.E("macro", macro, errors.NotExist)
	}
	mac, ok := b.obj.env.Macros(macro)
	if !ok {
		return nil, errors.E("macro", macro, errors.NotExist)
	}
	return b.Macro(name, mac, args, params)
}

// Registered returns the value of a registrar key, and subscribes
// the macro object to it: the object is re-evaluated whenever the key
// changes.
func (b *Builder) Registered(registrar, key string) (interface{}, error) {
	o := b.obj
	if id := registrar + "\x00" + key; !o.listening.Contains(id) {
		o.listening.Add(id)
		b.m.ListenRegistrar(registrar, key, o.h)
	}
	if o.env.Lookup == nil {
		return nil, errors.E("registered", registrar, key, errors.NotExist)
	}
	return o.env.Lookup(registrar, key)
}
