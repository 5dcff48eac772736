// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package engine ties a cell graph together with the state that is
// shared by all of its parts: macro definitions and objects,
// registrars, the code library, the buffer store, and the elision
// cache. An Engine is self-contained; tests and programs create as
// many as they need.
package engine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/digest"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/status"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/cellgraph"
	"github.com/grailbio/cellgraph/assoc"
	"github.com/grailbio/cellgraph/assoc/memassoc"
	"github.com/grailbio/cellgraph/buffer/membuf"
	"github.com/grailbio/cellgraph/config"
	"github.com/grailbio/cellgraph/elision"
	"github.com/grailbio/cellgraph/errors"
	"github.com/grailbio/cellgraph/graph"
	"github.com/grailbio/cellgraph/kernel"
	"github.com/grailbio/cellgraph/liveset/bloomlive"
	"github.com/grailbio/cellgraph/log"
	"github.com/grailbio/cellgraph/macro"
	"github.com/grailbio/cellgraph/metrics"
	"github.com/grailbio/cellgraph/registrar"
	"github.com/grailbio/cellgraph/runner"
	"github.com/grailbio/cellgraph/trace"
	"golang.org/x/sync/errgroup"
)

// LibPrefix marks worker code that refers to an entry of the engine's
// code library: code "lib:name" runs the library entry name.
const LibPrefix = "lib:"

// DefaultElisionConcurrency is the default number of concurrent
// elision cache lookups and writes.
const DefaultElisionConcurrency = 16

// Options configures an Engine.
type Options struct {
	// Buffers is the engine's buffer store. An in-memory store is
	// used if nil.
	Buffers cellgraph.BufferStore
	// Assoc persists the elision cache. An in-memory assoc is used
	// if nil and elision is enabled.
	Assoc assoc.Assoc
	// Elision enables the elision cache.
	Elision bool
	// Runner runs worker code in languages other than those the
	// engine provides: "go" (functions registered with Funcs) and
	// "bash" and "sh" (shell scripts).
	Runner kernel.CodeRunner
	// BumpBudget is the registrar bump budget of worker kernels.
	BumpBudget int
	// EquilibrateTimeout bounds Equilibrate; zero means no bound.
	EquilibrateTimeout time.Duration
	// Status receives progress reports.
	Status *status.Group
	// Metrics receives the engine's metrics; none are emitted if nil.
	Metrics metrics.Client
	// Tracer receives trace events for equilibration, worker
	// invocations, macro rewrites, and buffer transfers.
	Tracer trace.Tracer
	Log    *log.Logger
}

// Engine is a cell graph with its macros, registrars, code library,
// and caches.
type Engine struct {
	// Manager is the engine's graph.
	Manager *graph.Manager
	// Funcs holds the Go functions that implement "go" code.
	Funcs *runner.Funcs
	// Buffers is the engine's buffer store.
	Buffers cellgraph.BufferStore
	// Elision is the elision cache; nil if elision is disabled.
	Elision *elision.Cache
	// Registrars holds the engine's registrars.
	Registrars *registrar.Registry
	Log        *log.Logger

	timeout time.Duration
	tracer  trace.Tracer
	env     *macro.Env
	objects *macro.Registry

	mu     sync.Mutex
	macros map[string]*macro.Macro
	lib    map[string]string
	closed bool
}

// NewEngine returns a new engine configured by opts. The engine must
// be closed after use.
func NewEngine(opts Options) (*Engine, error) {
	e := &Engine{
		Funcs:      new(runner.Funcs),
		Buffers:    opts.Buffers,
		Registrars: new(registrar.Registry),
		Log:        opts.Log,
		timeout:    opts.EquilibrateTimeout,
		tracer:     opts.Tracer,
		objects:    new(macro.Registry),
		macros:     make(map[string]*macro.Macro),
		lib:        make(map[string]string),
	}
	if e.Buffers == nil {
		store, err := membuf.New(0)
		if err != nil {
			return nil, err
		}
		e.Buffers = store
	}
	if opts.Elision {
		a := opts.Assoc
		if a == nil {
			var err error
			if a, err = memassoc.New(0); err != nil {
				return nil, err
			}
		}
		lookupLim, writeLim := limiter.New(), limiter.New()
		lookupLim.Release(DefaultElisionConcurrency)
		writeLim.Release(DefaultElisionConcurrency)
		e.Elision = &elision.Cache{
			Buffers:   e.Buffers,
			Assoc:     a,
			LookupLim: lookupLim,
			WriteLim:  writeLim,
			Log:       opts.Log,
		}
	}
	mux := runner.Mux{
		"go":   e.Funcs,
		"bash": &runner.Shell{Interpreter: "bash -c"},
		"sh":   new(runner.Shell),
	}
	e.Manager = graph.New(graph.Options{
		Store:      e.Buffers,
		Runner:     &libRunner{e, mux, opts.Runner},
		Lookup:     e.Registrars.Lookup,
		BumpBudget: opts.BumpBudget,
		Status:     opts.Status,
		Log:        opts.Log,
		Context:    trace.WithTracer(metrics.WithClient(context.Background(), opts.Metrics), opts.Tracer),
	})
	e.env = &macro.Env{
		Elision:  e.Elision,
		Lookup:   e.Registrars.Lookup,
		Macros:   e.Macro,
		Registry: e.objects,
		Log:      opts.Log,
	}
	return e, nil
}

// NewFromConfig returns a new engine configured by cfg.
func NewFromConfig(cfg config.Config) (*Engine, error) {
	var (
		opts Options
		err  error
	)
	if opts.Log, err = cfg.Logger(); err != nil {
		return nil, err
	}
	if opts.Buffers, err = cfg.Buffers(); err != nil {
		return nil, err
	}
	if opts.Elision, err = cfg.Elision(); err != nil {
		return nil, err
	}
	if opts.Elision {
		if opts.Assoc, err = cfg.Assoc(); err != nil {
			return nil, err
		}
	}
	if opts.BumpBudget, err = cfg.BumpBudget(); err != nil {
		return nil, err
	}
	if opts.EquilibrateTimeout, err = cfg.EquilibrateTimeout(); err != nil {
		return nil, err
	}
	if opts.Metrics, err = cfg.Metrics(); err != nil {
		return nil, err
	}
	if opts.Tracer, err = cfg.Tracer(); err != nil {
		return nil, err
	}
	return NewEngine(opts)
}

// Close destroys the engine's graph, finishing every worker kernel,
// and stops its main loop.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	err := e.Manager.Close()
	if f, ok := e.tracer.(flusher); ok {
		if ferr := f.Flush(); err == nil {
			err = ferr
		}
	}
	return err
}

// flusher is implemented by tracers that buffer their events.
type flusher interface {
	Flush() error
}

// Root returns the root context of the engine's graph.
func (e *Engine) Root() *graph.Context { return e.Manager.Root() }

// RegisterMacro registers a macro definition by its name.
func (e *Engine) RegisterMacro(mac *macro.Macro) error {
	if mac.Name == "" {
		return errors.E("registermacro", errors.Invalid, errors.New("unnamed macro"))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.macros[mac.Name]; ok {
		return errors.E("registermacro", mac.Name, errors.Precondition, errors.New("macro already registered"))
	}
	e.macros[mac.Name] = mac
	return nil
}

// Macro returns the named macro definition.
func (e *Engine) Macro(name string) (*macro.Macro, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	mac, ok := e.macros[name]
	return mac, ok
}

// Macros returns the registered macro definitions, ordered by name.
func (e *Engine) Macros() []*macro.Macro {
	e.mu.Lock()
	macs := make([]*macro.Macro, 0, len(e.macros))
	for _, mac := range e.macros {
		macs = append(macs, mac)
	}
	e.mu.Unlock()
	sort.Slice(macs, func(i, j int) bool { return macs[i].Name < macs[j].Name })
	return macs
}

// Invoke creates a macro object for the named macro in context
// owner. Its subgraph is generated under the given name.
func (e *Engine) Invoke(owner *graph.Context, name, macroName string, args map[string]*graph.Cell, params map[string]interface{}) (*macro.Object, error) {
	mac, ok := e.Macro(macroName)
	if !ok {
		return nil, errors.E("invoke", macroName, errors.NotExist, errors.New("no such macro"))
	}
	return macro.New(e.Manager, e.env, owner, name, mac, args, params)
}

// MacroObjects returns the engine's live macro objects, ordered by
// path.
func (e *Engine) MacroObjects() []*macro.Object {
	return e.objects.Objects()
}

// AddRegistrar creates and adds a registrar with the given strategy.
func (e *Engine) AddRegistrar(name string, strategy registrar.Strategy) (*registrar.Registrar, error) {
	reg := registrar.New(e.Manager, name, strategy, e.Log)
	if err := e.Registrars.Add(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// SetLib sets the library entry name to source. Workers whose code
// refers to the entry pick up the new source the next time their
// code is compiled.
func (e *Engine) SetLib(name, source string) {
	e.mu.Lock()
	e.lib[name] = source
	e.mu.Unlock()
}

// Lib returns the library entry name.
func (e *Engine) Lib(name string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	source, ok := e.lib[name]
	return source, ok
}

// LibNames returns the names of the library entries, sorted.
func (e *Engine) LibNames() []string {
	e.mu.Lock()
	names := make([]string, 0, len(e.lib))
	for name := range e.lib {
		names = append(names, name)
	}
	e.mu.Unlock()
	sort.Strings(names)
	return names
}

// Equilibrate waits for the graph to reach equilibrium, and then
// records the outputs of macro objects in the elision cache. A zero
// timeout selects the engine's configured timeout.
func (e *Engine) Equilibrate(ctx context.Context, timeout time.Duration) error {
	if timeout == 0 {
		timeout = e.timeout
	}
	if err := e.Manager.Equilibrate(ctx, timeout); err != nil {
		return err
	}
	if e.Elision == nil {
		return nil
	}
	objs := e.objects.Objects()
	return traverse.Each(len(objs), func(i int) error {
		if err := objs[i].Flush(ctx); err != nil {
			e.Log.Errorf("elision %s: %v", objs[i].Path(), err)
		}
		return nil
	})
}

// cells returns the cells reachable from the root.
func (e *Engine) cells() []*graph.Cell {
	var (
		cells []*graph.Cell
		walk  func(*graph.Context)
	)
	walk = func(ctx *graph.Context) {
		for _, n := range ctx.Children() {
			switch n := n.(type) {
			case *graph.Cell:
				cells = append(cells, n)
			case *graph.Context:
				walk(n)
			}
		}
	}
	walk(e.Root())
	return cells
}

// Persist writes the buffers of all cells that hold a value to the
// buffer store, so that the graph can later be restored from
// checksums alone.
func (e *Engine) Persist(ctx context.Context) error {
	cells := e.cells()
	var total int64
	var mu sync.Mutex
	err := traverse.Each(len(cells), func(i int) error {
		c := cells[i]
		if c.State() != graph.OK {
			return nil
		}
		b, err := c.Buffer(ctx)
		if err != nil {
			if errors.Is(errors.CacheMiss, err) {
				return nil
			}
			return errors.E("persist", c.Path(), err)
		}
		if _, err := e.Buffers.PutBuffer(ctx, b); err != nil {
			return errors.E("persist", c.Path(), err)
		}
		mu.Lock()
		total += int64(len(b))
		mu.Unlock()
		return nil
	})
	if err == nil {
		e.Log.Debugf("persisted %d cells (%s)", len(cells), data.Size(total))
	}
	return err
}

// Collect removes from the buffer store every buffer that is neither
// held by a cell of the graph nor referenced by the elision cache.
func (e *Engine) Collect(ctx context.Context) error {
	var (
		g             errgroup.Group
		cells, cached []digest.Digest
	)
	g.Go(func() error {
		for _, c := range e.cells() {
			if sum := c.Checksum(); !sum.IsZero() {
				cells = append(cells, sum)
			}
		}
		return nil
	})
	if e.Elision != nil {
		g.Go(func() (err error) {
			cached, err = e.Elision.Live(ctx)
			return
		})
	}
	if err := g.Wait(); err != nil {
		return errors.E("collect", err)
	}
	live := bloomlive.Of(append(cells, cached...))
	e.Log.Debugf("collecting with %d live buffers", len(cells)+len(cached))
	return e.Buffers.Collect(ctx, live)
}

// libRunner resolves library references before compiling code with
// a language multiplexer. Languages unknown to the multiplexer are
// delegated to the fallback runner, if any.
type libRunner struct {
	e        *Engine
	mux      runner.Mux
	fallback kernel.CodeRunner
}

type fallbackUnit struct{ unit kernel.Unit }

func (r *libRunner) Compile(lang, source string) (kernel.Unit, error) {
	if name := strings.TrimSpace(source); strings.HasPrefix(name, LibPrefix) {
		name = strings.TrimPrefix(name, LibPrefix)
		lib, ok := r.e.Lib(name)
		if !ok {
			return nil, errors.E("compile", name, errors.NotExist, errors.New("no such library entry"))
		}
		source = lib
	}
	if _, ok := r.mux[lang]; !ok && r.fallback != nil {
		unit, err := r.fallback.Compile(lang, source)
		if err != nil {
			return nil, err
		}
		return fallbackUnit{unit}, nil
	}
	return r.mux.Compile(lang, source)
}

func (r *libRunner) Invoke(ctx context.Context, unit kernel.Unit, ns *kernel.Namespace) (map[string]interface{}, error) {
	if u, ok := unit.(fallbackUnit); ok {
		return r.fallback.Invoke(ctx, u.unit, ns)
	}
	return r.mux.Invoke(ctx, unit, ns)
}
