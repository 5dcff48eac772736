// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package registrar implements registrars: named, keyed registries of
// values that workers and macro objects subscribe to. Values are
// registered from cells; how a cell's value yields keyed items is
// determined by the registrar's Strategy. When a registered cell
// changes, the subscribers of every key whose value changed (or
// disappeared) are notified through the graph manager.
package registrar

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/grailbio/base/digest"
	"github.com/grailbio/cellgraph"
	"github.com/grailbio/cellgraph/celltype"
	"github.com/grailbio/cellgraph/errors"
	"github.com/grailbio/cellgraph/graph"
	"github.com/grailbio/cellgraph/log"
)

// Strategy interprets the value of a registered cell as a set of
// keyed items.
type Strategy interface {
	// Dtype is the dtype of the cells the strategy accepts.
	Dtype() celltype.Type
	// Items returns the keyed items of the value v.
	Items(v interface{}) (map[string]interface{}, error)
}

type item struct {
	value interface{}
	sum   digest.Digest
	owner graph.Handle
}

// Registrar is a named registry of keyed values.
type Registrar struct {
	name     string
	strategy Strategy
	m        *graph.Manager
	log      *log.Logger

	mu      sync.Mutex
	items   map[string]item
	sources map[graph.Handle]func()
}

// New returns a new registrar with the given name and strategy,
// whose subscribers are notified through manager m.
func New(m *graph.Manager, name string, strategy Strategy, log *log.Logger) *Registrar {
	return &Registrar{
		name:     name,
		strategy: strategy,
		m:        m,
		log:      log,
		items:    make(map[string]item),
		sources:  make(map[graph.Handle]func()),
	}
}

// Name returns the registrar's name.
func (r *Registrar) Name() string { return r.name }

// Register registers the items of cell c, now and whenever c changes.
func (r *Registrar) Register(c *graph.Cell) error {
	if c.Dtype().Celltype != r.strategy.Dtype().Celltype {
		return errors.E("register", r.name, c.Path(), errors.TypeMismatch,
			errors.Errorf("registrar accepts %s, cell is %s", r.strategy.Dtype(), c.Dtype()))
	}
	r.mu.Lock()
	if _, ok := r.sources[c.Handle()]; ok {
		r.mu.Unlock()
		return errors.E("register", r.name, c.Path(), errors.Precondition, errors.New("already registered"))
	}
	r.sources[c.Handle()] = nil
	r.mu.Unlock()
	cancel := r.m.Observe(c, r.update)
	r.mu.Lock()
	r.sources[c.Handle()] = cancel
	r.mu.Unlock()
	return r.m.Do(func() error {
		if c.State() == graph.OK {
			r.update(c)
		}
		return nil
	})
}

// Unregister stops tracking cell c, and removes the items it
// registered.
func (r *Registrar) Unregister(c *graph.Cell) {
	r.mu.Lock()
	cancel, ok := r.sources[c.Handle()]
	delete(r.sources, c.Handle())
	r.mu.Unlock()
	if !ok {
		return
	}
	if cancel != nil {
		cancel()
	}
	r.apply(c.Handle(), nil)
}

// update re-registers the items of cell c. It runs on the main loop.
func (r *Registrar) update(c *graph.Cell) {
	if c.State() != graph.OK {
		return
	}
	v, err := c.Value(context.Background())
	if err != nil {
		r.log.Errorf("registrar %s: %s: %v", r.name, c.Path(), err)
		return
	}
	items, err := r.strategy.Items(v)
	if err != nil {
		r.log.Errorf("registrar %s: %s: %v", r.name, c.Path(), err)
		return
	}
	r.apply(c.Handle(), items)
}

// apply replaces the items owned by cell h with items, and notifies
// the subscribers of changed keys.
func (r *Registrar) apply(h graph.Handle, items map[string]interface{}) {
	var changed []string
	r.mu.Lock()
	for key, it := range r.items {
		if _, ok := items[key]; !ok && it.owner == h {
			delete(r.items, key)
			changed = append(changed, key)
		}
	}
	for key, v := range items {
		b, err := json.Marshal(v)
		if err != nil {
			r.log.Errorf("registrar %s: key %s: %v", r.name, key, err)
			continue
		}
		sum := cellgraph.ChecksumOf(b)
		if it, ok := r.items[key]; ok && it.sum == sum {
			r.items[key] = item{v, sum, h}
			continue
		}
		r.items[key] = item{v, sum, h}
		changed = append(changed, key)
	}
	r.mu.Unlock()
	sort.Strings(changed)
	for _, key := range changed {
		r.log.Debugf("registrar %s: key %s changed", r.name, key)
		r.m.UpdateRegistrarKey(r.name, key)
	}
}

// Get returns the value registered under key.
func (r *Registrar) Get(key string) (interface{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[key]
	if !ok {
		return nil, errors.E("registrar", r.name, key, errors.NotExist)
	}
	return it.value, nil
}

// Keys returns the registered keys, sorted.
func (r *Registrar) Keys() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.items))
	for key := range r.items {
		keys = append(keys, key)
	}
	r.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Cells returns the cells registered with the registrar that are
// still live, ordered by path.
func (r *Registrar) Cells() []*graph.Cell {
	r.mu.Lock()
	handles := make([]graph.Handle, 0, len(r.sources))
	for h := range r.sources {
		handles = append(handles, h)
	}
	r.mu.Unlock()
	var cells []*graph.Cell
	for _, h := range handles {
		if n, ok := r.m.Lookup(h); ok {
			if c, ok := n.(*graph.Cell); ok {
				cells = append(cells, c)
			}
		}
	}
	sort.Slice(cells, func(i, j int) bool { return cells[i].Path() < cells[j].Path() })
	return cells
}

// Connect subscribes the worker or macro object with handle target to
// key.
func (r *Registrar) Connect(key string, target graph.Handle) {
	r.m.ListenRegistrar(r.name, key, target)
}

// Registry holds the registrars of an engine.
type Registry struct {
	mu   sync.Mutex
	regs map[string]*Registrar
}

// Add adds registrar r to the registry.
func (r *Registry) Add(reg *Registrar) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.regs == nil {
		r.regs = make(map[string]*Registrar)
	}
	if _, ok := r.regs[reg.name]; ok {
		return errors.E("addregistrar", reg.name, errors.Precondition, errors.New("already registered"))
	}
	r.regs[reg.name] = reg
	return nil
}

// Get returns the named registrar.
func (r *Registry) Get(name string) (*Registrar, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.regs[name]
	return reg, ok
}

// Names returns the names of the registered registrars, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.regs))
	for name := range r.regs {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)
	return names
}

// Lookup returns the value of key in the named registrar. It is
// suitable as the registrar lookup function of a graph manager and
// of macro environments.
func (r *Registry) Lookup(registrar, key string) (interface{}, error) {
	reg, ok := r.Get(registrar)
	if !ok {
		return nil, errors.E("lookup", registrar, key, errors.NotExist, errors.New("no such registrar"))
	}
	return reg.Get(key)
}
