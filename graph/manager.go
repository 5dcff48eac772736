// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package graph implements the cell graph: cells, workers and their
// pins, contexts, and the connections between them, all maintained
// by a Manager.
//
// Nodes live in an arena addressed by Handle. The manager's indices
// (listeners, writers, macro and registrar listeners) refer to nodes
// by handle only; entries that refer to destroyed nodes are skipped,
// and pruned, lazily during traversal.
//
// All manager state is mutated on a single goroutine, the main loop.
// Exported methods may be called from any goroutine: they dispatch
// onto the main loop and wait for the result, or run inline when
// called from the main loop itself. Worker kernels never touch
// manager state directly; their outputs are posted to the main loop.
package graph

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/status"
	"github.com/grailbio/cellgraph"
	"github.com/grailbio/cellgraph/celltype"
	"github.com/grailbio/cellgraph/errors"
	"github.com/grailbio/cellgraph/kernel"
	"github.com/grailbio/cellgraph/log"
	"github.com/grailbio/cellgraph/wg"
	"github.com/petermattis/goid"
)

// Options configures a Manager.
type Options struct {
	// Store is the buffer store from which cells known by checksum
	// only are resolved.
	Store cellgraph.BufferStore
	// Runner compiles and runs worker code.
	Runner kernel.CodeRunner
	// Lookup resolves registrar items for worker kernels.
	Lookup func(registrar, key string) (interface{}, error)
	// BumpBudget is the registrar bump budget of each kernel.
	BumpBudget int
	// WaitGroup counts in-flight work; it is allocated if nil.
	WaitGroup *wg.WaitGroup
	// Status receives equilibration progress reports.
	Status *status.Group
	Log    *log.Logger
	// Context is the parent of the context passed to worker code. It
	// carries the metrics client, if any.
	Context context.Context
}

// Observer is called, on the main loop, after a cell changes.
type Observer func(*Cell)

type macroListener struct {
	obj Handle
	arg string
}

// ArgListener is implemented by attachments that listen to cells,
// such as macro objects.
type ArgListener interface {
	Attachment
	// ArgChanged is called, on the main loop, when cell arg changes.
	ArgChanged(arg string, cell *Cell)
}

// RegistrarListener is implemented by attachments that listen to
// registrar keys.
type RegistrarListener interface {
	Attachment
	// RegistrarChanged is called, on the main loop, when the
	// registrar key changes.
	RegistrarChanged(registrar, key string)
}

type registrarKey struct{ registrar, key string }

type observer struct {
	id int
	fn Observer
}

// Manager maintains a cell graph.
type Manager struct {
	store      cellgraph.BufferStore
	runner     kernel.CodeRunner
	lookup     func(registrar, key string) (interface{}, error)
	bumpBudget int
	wg         *wg.WaitGroup
	status     *status.Group
	log        *log.Logger
	ctx        context.Context
	cancel     func()

	// treeMu guards the node tree: names, parents, children.
	treeMu sync.RWMutex
	root   *Context

	// The following are owned by the main loop.
	next        Handle
	nextConn    ConnID
	nodes       map[Handle]Node
	attachments map[Handle]Attachment
	cells       map[Handle]*Cell
	conns       map[ConnID]*Connection
	cellOut     map[Handle][]ConnID
	cellIn      map[Handle]ConnID
	cellEdit    map[Handle][]ConnID
	pinIn       map[PinID]ConnID
	pinOut      map[PinID][]ConnID
	macros      map[Handle][]macroListener
	registrars  map[registrarKey][]Handle
	observers   map[Handle][]observer
	nobserver   int

	mu     sync.Mutex
	ops    []func()
	wake   chan struct{}
	closed bool
	done   chan struct{}
	gid    int64
}

// New returns a new manager, and starts its main loop.
func New(opts Options) *Manager {
	m := &Manager{
		store:       opts.Store,
		runner:      opts.Runner,
		lookup:      opts.Lookup,
		bumpBudget:  opts.BumpBudget,
		wg:          opts.WaitGroup,
		status:      opts.Status,
		log:         opts.Log,
		nodes:       make(map[Handle]Node),
		attachments: make(map[Handle]Attachment),
		cells:       make(map[Handle]*Cell),
		conns:       make(map[ConnID]*Connection),
		cellOut:     make(map[Handle][]ConnID),
		cellIn:      make(map[Handle]ConnID),
		cellEdit:    make(map[Handle][]ConnID),
		pinIn:       make(map[PinID]ConnID),
		pinOut:      make(map[PinID][]ConnID),
		macros:      make(map[Handle][]macroListener),
		registrars:  make(map[registrarKey][]Handle),
		observers:   make(map[Handle][]observer),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	if m.wg == nil {
		m.wg = new(wg.WaitGroup)
	}
	parent := opts.Context
	if parent == nil {
		parent = context.Background()
	}
	m.ctx, m.cancel = context.WithCancel(parent)
	m.root = &Context{children: make(map[string]Node), attached: make(map[string]Handle)}
	m.root.node = node{m: m, h: m.handle()}
	m.nodes[m.root.h] = m.root
	go m.loop()
	return m
}

// Context returns the context passed to worker code. It is canceled
// when the manager is closed.
func (m *Manager) Context() context.Context { return m.ctx }

// Root returns the manager's root context.
func (m *Manager) Root() *Context { return m.root }

// WaitGroup returns the wait group that counts the graph's in-flight
// work.
func (m *Manager) WaitGroup() *wg.WaitGroup { return m.wg }

// Log returns the manager's logger.
func (m *Manager) Log() *log.Logger { return m.log }

// Store returns the manager's buffer store.
func (m *Manager) Store() cellgraph.BufferStore { return m.store }

func (m *Manager) handle() Handle {
	m.next++
	return m.next
}

func (m *Manager) loop() {
	atomic.StoreInt64(&m.gid, goid.Get())
	defer close(m.done)
	for range m.wake {
		for {
			m.mu.Lock()
			ops := m.ops
			m.ops = nil
			closed := m.closed
			m.mu.Unlock()
			if len(ops) == 0 {
				if closed {
					return
				}
				break
			}
			for _, op := range ops {
				op()
				m.wg.Done()
			}
		}
	}
}

// OnLoop tells whether the caller is running on the main loop.
func (m *Manager) OnLoop() bool {
	return goid.Get() == atomic.LoadInt64(&m.gid)
}

// Post schedules fn to run on the main loop, and returns immediately.
// Posted functions are counted as in-flight work until they have
// run. Post reports false if the manager is closed.
func (m *Manager) Post(fn func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.wg.Add(1)
	m.ops = append(m.ops, fn)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the main loop and returns its error. Do must not be
// called from worker code while the worker is being destroyed.
func (m *Manager) Do(fn func() error) error {
	if m.OnLoop() {
		return fn()
	}
	errc := make(chan error, 1)
	if !m.Post(func() { errc <- fn() }) {
		return errors.E("do", errors.Closed)
	}
	return <-errc
}

// Close destroys the graph, finishing every worker kernel, and stops
// the main loop.
func (m *Manager) Close() error {
	err := m.Do(func() error {
		for _, child := range m.root.Children() {
			m.destroy(child)
		}
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}
	m.cancel()
	select {
	case m.wake <- struct{}{}:
	default:
	}
	if !m.OnLoop() {
		<-m.done
	}
	return nil
}

func (m *Manager) live(h Handle) bool {
	_, ok := m.nodes[h]
	return ok
}

// Lookup returns the node with handle h, if it is live.
func (m *Manager) Lookup(h Handle) (n Node, ok bool) {
	_ = m.Do(func() error {
		n, ok = m.nodes[h]
		return nil
	})
	return
}

// Resolve resolves an absolute path.
func (m *Manager) Resolve(path string) (Node, *Pin, error) {
	return m.root.Resolve(path)
}

func (m *Manager) endPath(e End) string {
	n, ok := m.nodes[e.Node()]
	if !ok {
		return e.String()
	}
	if e.IsPin() {
		return n.Path() + Sep + e.Pin.Name
	}
	return n.Path()
}

// EndPath returns the path of a connection endpoint.
func (m *Manager) EndPath(e End) (path string) {
	_ = m.Do(func() error {
		path = m.endPath(e)
		return nil
	})
	return
}

// Endpoint returns the live endpoint denoted by e.
func (m *Manager) Endpoint(e End) (Endpoint, bool) {
	var (
		ep Endpoint
		ok bool
	)
	_ = m.Do(func() error {
		ep, ok = m.endpoint(e)
		return nil
	})
	return ep, ok
}

func (m *Manager) endpoint(e End) (Endpoint, bool) {
	if e.IsPin() {
		n, ok := m.nodes[e.Pin.Worker]
		if !ok {
			return nil, false
		}
		w, ok := n.(*Worker)
		if !ok {
			return nil, false
		}
		p, ok := w.pins[e.Pin.Name]
		return p, ok
	}
	c, ok := m.cells[e.Cell]
	return c, ok
}

func (m *Manager) checkName(parent *Context, name string) error {
	if name == "" {
		return errors.E("create", errors.Invalid, errors.New("empty name"))
	}
	for _, r := range name {
		if string(r) == Sep {
			return errors.E("create", name, errors.Invalid, errors.New("name contains separator"))
		}
	}
	if _, ok := parent.children[name]; ok {
		return errors.E("create", parent.pathLocked(), name, errors.Invalid, errors.New("name in use"))
	}
	if !m.live(parent.h) {
		return errors.E("create", name, errors.NotExist, errors.New("parent context destroyed"))
	}
	return nil
}

func (m *Manager) addChild(parent *Context, n *node, child Node) error {
	m.treeMu.Lock()
	defer m.treeMu.Unlock()
	if err := m.checkName(parent, n.name); err != nil {
		return err
	}
	n.parent = parent
	parent.children[n.name] = child
	return nil
}

// NewContext creates a new child context of parent.
func (m *Manager) NewContext(parent *Context, name string) (*Context, error) {
	var c *Context
	err := m.Do(func() error {
		c = &Context{children: make(map[string]Node), attached: make(map[string]Handle)}
		c.node = node{m: m, h: m.handle(), name: name}
		if err := m.addChild(parent, &c.node, c); err != nil {
			return err
		}
		m.nodes[c.h] = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// NewDetachedContext creates a new context that is not reachable
// from the root. Workers created in a detached context do not run
// until the context is moved into the root's tree.
func (m *Manager) NewDetachedContext(name string) *Context {
	var c *Context
	_ = m.Do(func() error {
		c = &Context{children: make(map[string]Node), attached: make(map[string]Handle)}
		c.node = node{m: m, h: m.handle(), name: name}
		m.nodes[c.h] = c
		return nil
	})
	return c
}

// NewCell creates a new, uninitialized cell.
func (m *Manager) NewCell(parent *Context, name string, dtype celltype.Type) (*Cell, error) {
	if dtype.IsZero() {
		return nil, errors.E("newcell", name, errors.Invalid, errors.New("no dtype"))
	}
	var c *Cell
	err := m.Do(func() error {
		c = &Cell{dtype: dtype}
		c.node = node{m: m, h: m.handle(), name: name}
		if err := m.addChild(parent, &c.node, c); err != nil {
			return err
		}
		m.nodes[c.h] = c
		m.cells[c.h] = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// NewWorker creates a new worker. The worker's kernel starts when
// its context is reachable from the root.
func (m *Manager) NewWorker(parent *Context, name string, config WorkerConfig) (*Worker, error) {
	if config.Language == "" {
		config.Language = "go"
	}
	w := &Worker{pins: make(map[string]*Pin)}
	var (
		inputs, outputs []string
		langs           = make(map[string]string)
		params          []Param
	)
	for _, p := range config.Params {
		if _, ok := w.pins[p.Name]; ok {
			return nil, errors.E("newworker", name, p.Name, errors.Invalid, errors.New("duplicate pin"))
		}
		w.pins[p.Name] = &Pin{worker: w, name: p.Name, kind: p.Kind, typ: p.Dtype}
		params = append(params, p)
	}
	for _, pin := range config.Kind.CodePins() {
		p, ok := w.pins[pin]
		if !ok {
			typ := celltype.Type{Celltype: celltype.Code, Subtype: config.Language}
			p = &Pin{worker: w, name: pin, kind: Input, typ: typ}
			w.pins[pin] = p
			params = append(params, Param{Name: pin, Kind: Input, Dtype: typ})
		}
		if p.kind != Input || !p.typ.IsCode() {
			return nil, errors.E("newworker", name, pin, errors.Invalid, errors.New("code pins must be code inputs"))
		}
		langs[pin] = p.typ.Subtype
	}
	var nout int
	for _, p := range params {
		if _, ok := langs[p.Name]; ok {
			continue
		}
		switch p.Kind {
		case Input:
			inputs = append(inputs, p.Name)
		case Output:
			nout++
			outputs = append(outputs, p.Name)
		case Edit:
			if config.Kind != kernel.Reactor {
				return nil, errors.E("newworker", name, p.Name, errors.Invalid, errors.New("only reactors have edit pins"))
			}
			outputs = append(outputs, p.Name)
		}
	}
	if config.Kind == kernel.Transformer && nout != 1 {
		return nil, errors.E("newworker", name, errors.Invalid, errors.Errorf("transformers have exactly one output, not %d", nout))
	}
	config.Params = params
	w.config = config
	err := m.Do(func() error {
		w.node = node{m: m, h: m.handle(), name: name}
		prefix := name
		m.treeMu.RLock()
		if p := parent.pathLocked(); p != "" {
			prefix = p + Sep + name
		}
		m.treeMu.RUnlock()
		h := w.h
		w.kernel = kernel.New(kernel.Config{
			Name:       prefix,
			Kind:       config.Kind,
			Inputs:     inputs,
			Outputs:    outputs,
			Languages:  langs,
			Code:       config.Code,
			Runner:     m.runner,
			Lookup:     m.lookup,
			WaitGroup:  m.wg,
			BumpBudget: m.bumpBudget,
			Log:        m.log,
			Deliver: func(out kernel.Output) {
				m.Post(func() { m.updateFromWorker(h, out) })
			},
		})
		if err := m.addChild(parent, &w.node, w); err != nil {
			return err
		}
		m.nodes[w.h] = w
		if !parent.Detached() {
			w.kernel.Start(m.ctx)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Attach registers the attachment a with the context parent, under
// the given name.
func (m *Manager) Attach(parent *Context, name string, a Attachment) (Handle, error) {
	var h Handle
	err := m.Do(func() error {
		m.treeMu.Lock()
		defer m.treeMu.Unlock()
		if !m.live(parent.h) {
			return errors.E("attach", name, errors.NotExist)
		}
		if _, ok := parent.attached[name]; ok {
			return errors.E("attach", name, errors.Invalid, errors.New("name in use"))
		}
		h = m.handle()
		parent.attached[name] = h
		m.attachments[h] = a
		return nil
	})
	return h, err
}

// Attachment returns the live attachment with handle h.
func (m *Manager) Attachment(h Handle) (a Attachment, ok bool) {
	_ = m.Do(func() error {
		a, ok = m.attachments[h]
		return nil
	})
	return
}

// Connect connects source to target, returning the new connection's
// ID. Valid connections are cell to input or edit pin, output or edit
// pin to cell, and cell to cell. A cell has at most one writer (an
// output pin or another cell), and an input or edit pin at most one
// cell; violations, as well as incompatible dtypes, are reported as
// errors.TypeMismatch, leaving the graph unchanged. If the source
// holds a value, it is delivered once through the new connection.
func (m *Manager) Connect(source, target Endpoint) (ConnID, error) {
	var id ConnID
	err := m.Do(func() error {
		m.nextConn++
		conn, err := m.connect(m.nextConn, source, target)
		if err != nil {
			return err
		}
		id = conn.ID
		m.fireConn(conn)
		return nil
	})
	return id, err
}

// Reconnect is like Connect, but reuses the connection ID id, which
// must not be in use.
func (m *Manager) Reconnect(id ConnID, source, target Endpoint) error {
	return m.Do(func() error {
		if _, ok := m.conns[id]; ok {
			return errors.E("reconnect", errors.Precondition, errors.Errorf("connection %d exists", id))
		}
		if id > m.nextConn {
			m.nextConn = id
		}
		conn, err := m.connect(id, source, target)
		if err != nil {
			return err
		}
		m.fireConn(conn)
		return nil
	})
}

// Disconnect removes the connection with the given ID. Disconnecting
// a missing connection is a no-op.
func (m *Manager) Disconnect(id ConnID) {
	_ = m.Do(func() error {
		if conn, ok := m.conns[id]; ok {
			m.unindex(conn)
		}
		return nil
	})
}

// Connection returns the connection with the given ID.
func (m *Manager) Connection(id ConnID) (conn Connection, ok bool) {
	_ = m.Do(func() error {
		var c *Connection
		if c, ok = m.conns[id]; ok {
			conn = *c
		}
		return nil
	})
	return
}

// Connections returns all connections, ordered by ID.
func (m *Manager) Connections() []Connection {
	var conns []Connection
	_ = m.Do(func() error {
		conns = make([]Connection, 0, len(m.conns))
		for _, c := range m.conns {
			conns = append(conns, *c)
		}
		return nil
	})
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID < conns[j].ID })
	return conns
}

// ConnectionsOf returns the connections that touch any node in the
// subtree rooted at n, ordered by ID.
func (m *Manager) ConnectionsOf(n Node) []Connection {
	var conns []Connection
	_ = m.Do(func() error {
		in := make(map[Handle]bool)
		m.treeMu.RLock()
		walkLocked(n, func(n Node) { in[n.Handle()] = true })
		m.treeMu.RUnlock()
		for _, c := range m.conns {
			if in[c.Source.Node()] || in[c.Target.Node()] {
				conns = append(conns, *c)
			}
		}
		return nil
	})
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID < conns[j].ID })
	return conns
}

// Writer returns the connection that writes to cell c.
func (m *Manager) Writer(c *Cell) (conn Connection, ok bool) {
	_ = m.Do(func() error {
		var id ConnID
		if id, ok = m.cellIn[c.h]; ok {
			conn = *m.conns[id]
		}
		return nil
	})
	return
}

// Feed returns the connection that feeds input or edit pin p.
func (m *Manager) Feed(p *Pin) (conn Connection, ok bool) {
	_ = m.Do(func() error {
		var id ConnID
		if id, ok = m.pinIn[p.ID()]; ok {
			conn = *m.conns[id]
		}
		return nil
	})
	return
}

// Observe registers fn to be called after every change of cell c.
// The returned function cancels the observation.
func (m *Manager) Observe(c *Cell, fn Observer) (cancel func()) {
	var id int
	_ = m.Do(func() error {
		m.nobserver++
		id = m.nobserver
		m.observers[c.h] = append(m.observers[c.h], observer{id, fn})
		return nil
	})
	return func() {
		_ = m.Do(func() error {
			obs := m.observers[c.h]
			for i := range obs {
				if obs[i].id == id {
					m.observers[c.h] = append(obs[:i:i], obs[i+1:]...)
					break
				}
			}
			return nil
		})
	}
}

// ListenMacro registers the attachment obj, which must implement
// ArgListener, to be notified when cell c changes.
func (m *Manager) ListenMacro(c *Cell, obj Handle, arg string) {
	_ = m.Do(func() error {
		m.macros[c.h] = append(m.macros[c.h], macroListener{obj, arg})
		return nil
	})
}

// ListenRegistrar subscribes target, a worker or an attachment that
// implements RegistrarListener, to a registrar key. Workers are sent
// the key's current value right away.
func (m *Manager) ListenRegistrar(registrar, key string, target Handle) {
	_ = m.Do(func() error {
		k := registrarKey{registrar, key}
		m.registrars[k] = append(m.registrars[k], target)
		if w, ok := m.nodes[target].(*Worker); ok {
			w.kernel.Enqueue(kernel.Item{Name: kernel.Registrar, Registrar: registrar, Key: key})
		}
		return nil
	})
}

// RegistrarListeners returns the paths of the workers listening to
// each registrar key.
func (m *Manager) RegistrarListeners() map[string]map[string][]string {
	listeners := make(map[string]map[string][]string)
	_ = m.Do(func() error {
		for k, hs := range m.registrars {
			for _, h := range hs {
				n, ok := m.nodes[h]
				if !ok {
					continue
				}
				if listeners[k.registrar] == nil {
					listeners[k.registrar] = make(map[string][]string)
				}
				listeners[k.registrar][k.key] = append(listeners[k.registrar][k.key], n.Path())
			}
		}
		return nil
	})
	return listeners
}

// UpdateRegistrarKey notifies the listeners of a registrar key that
// its value has changed: workers receive a registrar item, and
// attachments are notified directly.
func (m *Manager) UpdateRegistrarKey(registrar, key string) {
	m.Post(func() {
		k := registrarKey{registrar, key}
		hs := m.registrars[k]
		live := hs[:0]
		for _, h := range hs {
			if n, ok := m.nodes[h]; ok {
				live = append(live, h)
				if w, ok := n.(*Worker); ok {
					w.kernel.Enqueue(kernel.Item{Name: kernel.Registrar, Registrar: registrar, Key: key})
				}
				continue
			}
			if a, ok := m.attachments[h]; ok {
				live = append(live, h)
				if l, ok := a.(RegistrarListener); ok {
					l.RegistrarChanged(registrar, key)
				}
			}
		}
		if len(live) == 0 {
			delete(m.registrars, k)
		} else {
			m.registrars[k] = live
		}
	})
}
