// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package graph

import (
	"sort"
	"strings"

	"github.com/grailbio/cellgraph/errors"
)

// A Handle addresses a node in the manager's arena. Handles are never
// reused: a handle whose node has been destroyed is stale, and lookups
// of stale handles fail silently.
type Handle uint64

// Sep separates the components of a node path.
const Sep = "."

// Node is a node in the graph: a *Cell, *Worker, or *Context.
type Node interface {
	// Handle returns the node's arena handle.
	Handle() Handle
	// Name returns the node's name in its parent context.
	Name() string
	// Parent returns the node's parent context; it is nil for root and
	// detached contexts.
	Parent() *Context
	// Path returns the dotted path of the node from its root.
	Path() string
	// Status returns a human-readable status of the node.
	Status() string
	// Exception returns the node's current error, if any.
	Exception() error
}

type node struct {
	m      *Manager
	h      Handle
	name   string
	parent *Context
}

func (n *node) Handle() Handle { return n.h }

func (n *node) Name() string {
	n.m.treeMu.RLock()
	defer n.m.treeMu.RUnlock()
	return n.name
}

func (n *node) Parent() *Context {
	n.m.treeMu.RLock()
	defer n.m.treeMu.RUnlock()
	return n.parent
}

func (n *node) Path() string {
	n.m.treeMu.RLock()
	defer n.m.treeMu.RUnlock()
	return n.pathLocked()
}

func (n *node) pathLocked() string {
	var elems []string
	for p := n; p != nil; {
		if p.parent == nil {
			if p.name != "" && p != &n.m.root.node {
				elems = append(elems, p.name)
			}
			break
		}
		elems = append(elems, p.name)
		p = &p.parent.node
	}
	for i, j := 0, len(elems)-1; i < j; i, j = i+1, j-1 {
		elems[i], elems[j] = elems[j], elems[i]
	}
	return strings.Join(elems, Sep)
}

func (n *node) base() *node { return n }

type baseNode interface {
	Node
	base() *node
}

// An Attachment is an object owned by a context that is not itself a
// graph node, for example a macro object. Attachments are registered
// in the arena so that listeners may refer to them by handle.
type Attachment interface {
	// Detach is called, on the main loop, when the owning context
	// is destroyed.
	Detach()
}

// Context is a node that contains other nodes.
type Context struct {
	node
	children map[string]Node
	attached map[string]Handle
}

// Status implements Node.
func (c *Context) Status() string {
	var (
		bad   []string
		nodes = c.Children()
	)
	for _, child := range nodes {
		if child.Exception() != nil {
			bad = append(bad, child.Name())
		}
	}
	if len(bad) == 0 {
		return "ok"
	}
	return "errors in: " + strings.Join(bad, ", ")
}

// Exception implements Node. Contexts have no exception of their own.
func (c *Context) Exception() error { return nil }

// Child returns the named child of the context.
func (c *Context) Child(name string) (Node, bool) {
	c.m.treeMu.RLock()
	defer c.m.treeMu.RUnlock()
	n, ok := c.children[name]
	return n, ok
}

// Children returns the context's children, sorted by name.
func (c *Context) Children() []Node {
	c.m.treeMu.RLock()
	defer c.m.treeMu.RUnlock()
	return c.childrenLocked()
}

func (c *Context) childrenLocked() []Node {
	names := make([]string, 0, len(c.children))
	for name := range c.children {
		names = append(names, name)
	}
	sort.Strings(names)
	nodes := make([]Node, len(names))
	for i, name := range names {
		nodes[i] = c.children[name]
	}
	return nodes
}

// Attached returns the handle of the named attachment.
func (c *Context) Attached(name string) (Handle, bool) {
	c.m.treeMu.RLock()
	defer c.m.treeMu.RUnlock()
	h, ok := c.attached[name]
	return h, ok
}

// Detached tells whether the context is not reachable from the
// manager's root context.
func (c *Context) Detached() bool {
	c.m.treeMu.RLock()
	defer c.m.treeMu.RUnlock()
	return c.rootLocked() != c.m.root
}

func (c *Context) rootLocked() *Context {
	p := c
	for p.parent != nil {
		p = p.parent
	}
	return p
}

// Contains tells whether n is a (transitive) descendant of c.
func (c *Context) Contains(n Node) bool {
	c.m.treeMu.RLock()
	defer c.m.treeMu.RUnlock()
	return c.containsLocked(n)
}

func (c *Context) containsLocked(n Node) bool {
	b, ok := n.(baseNode)
	if !ok {
		return false
	}
	for p := b.base().parent; p != nil; p = p.parent {
		if p == c {
			return true
		}
	}
	return false
}

// RelPath returns the path of n relative to c. RelPath fails if n is
// not contained in c.
func (c *Context) RelPath(n Node) (string, bool) {
	c.m.treeMu.RLock()
	defer c.m.treeMu.RUnlock()
	b, ok := n.(baseNode)
	if !ok || !c.containsLocked(n) {
		return "", false
	}
	var elems []string
	for p := b.base(); p != &c.node; p = &p.parent.node {
		elems = append(elems, p.name)
	}
	for i, j := 0, len(elems)-1; i < j; i, j = i+1, j-1 {
		elems[i], elems[j] = elems[j], elems[i]
	}
	return strings.Join(elems, Sep), true
}

// Resolve resolves the dotted path relative to c. Paths that traverse
// a worker resolve to the worker's pin, which is returned as the
// second value.
func (c *Context) Resolve(path string) (Node, *Pin, error) {
	c.m.treeMu.RLock()
	defer c.m.treeMu.RUnlock()
	if path == "" {
		return c, nil, nil
	}
	elems := strings.Split(path, Sep)
	var cur Node = c
	for i, elem := range elems {
		switch n := cur.(type) {
		case *Context:
			child, ok := n.children[elem]
			if !ok {
				return nil, nil, errors.E("resolve", path, errors.NotExist)
			}
			cur = child
		case *Worker:
			pin, ok := n.pins[elem]
			if !ok || i != len(elems)-1 {
				return nil, nil, errors.E("resolve", path, errors.NotExist)
			}
			return n, pin, nil
		default:
			return nil, nil, errors.E("resolve", path, errors.NotExist)
		}
	}
	return cur, nil, nil
}

// walk calls fn for every node in the subtree rooted at n, parents
// before children. The tree lock must be held.
func walkLocked(n Node, fn func(Node)) {
	fn(n)
	if c, ok := n.(*Context); ok {
		for _, child := range c.childrenLocked() {
			walkLocked(child, fn)
		}
	}
}
