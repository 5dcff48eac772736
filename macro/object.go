// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package macro

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/deckarep/golang-set/v2"
	"github.com/grailbio/base/digest"
	"github.com/grailbio/cellgraph"
	"github.com/grailbio/cellgraph/elision"
	"github.com/grailbio/cellgraph/errors"
	"github.com/grailbio/cellgraph/graph"
	"github.com/grailbio/cellgraph/metrics"
	"github.com/grailbio/cellgraph/trace"
)

// Dangling records an external connection that could not be
// re-attached after a rewrite of a macro's subgraph.
type Dangling struct {
	ID ConnID
	// Kind classifies the connection relative to the subgraph: "input"
	// and "output" for worker pins, "alias" for a cell alias into the
	// subgraph, "rev_alias" for one out of it, and "edit" for an edit
	// link, which is kept apart from plain aliases.
	Kind string
	// Inner is the path of the endpoint within the subgraph, relative
	// to it; Outer is the absolute path of the other endpoint.
	Inner, Outer string
	Err          error
}

// ConnID is a graph connection ID.
type ConnID = graph.ConnID

// Object is an invocation of a macro. It is owned by a context, and
// generates its subgraph as a child context of the same name.
//
// Object state is maintained on the graph's main loop.
type Object struct {
	m      *graph.Manager
	env    *Env
	macro  *Macro
	owner  *graph.Context
	name   string
	h      graph.Handle
	args   map[string]*graph.Cell
	params map[string]interface{}
	psum   digest.Digest

	// Owned by the main loop.
	last        map[string]cellgraph.Checksum
	gen         *graph.Context
	dirty       bool
	force       bool
	detached    bool
	pending     *storeRequest
	transplants []string
	passes      int
	elided      bool
	listening   mapset.Set[string]

	mu       sync.Mutex
	state    State
	exc      error
	dangling []Dangling
}

type storeRequest struct {
	inputs map[string]digest.Digest
}

// New creates a macro object in context owner, which generates its
// subgraph under the given name. The object listens to the provided
// argument cells, and is evaluated as soon as all of them hold valid
// values. Params are fixed parameters passed to the macro body
// alongside the argument values.
func New(m *graph.Manager, env *Env, owner *graph.Context, name string, mac *Macro, args map[string]*graph.Cell, params map[string]interface{}) (*Object, error) {
	if env == nil {
		env = new(Env)
	}
	for _, arg := range mac.Args {
		if _, ok := args[arg.Name]; !ok {
			return nil, errors.E("macro", mac.Name, arg.Name, errors.Invalid, errors.New("missing argument"))
		}
	}
	if len(args) != len(mac.Args) {
		return nil, errors.E("macro", mac.Name, errors.Invalid, errors.Errorf("got %d arguments, want %d", len(args), len(mac.Args)))
	}
	o := &Object{
		m:         m,
		env:       env,
		macro:     mac,
		owner:     owner,
		name:      name,
		args:      args,
		params:    params,
		listening: mapset.NewSet[string](),
	}
	if len(params) > 0 {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, errors.E("macro", mac.Name, errors.Invalid, err)
		}
		o.psum = cellgraph.ChecksumOf(b)
	}
	err := m.Do(func() error {
		if _, ok := owner.Child(name); ok {
			return errors.E("macro", name, errors.Invalid, errors.New("name in use"))
		}
		h, err := m.Attach(owner, name, o)
		if err != nil {
			return err
		}
		o.h = h
		names := make([]string, 0, len(args))
		for name := range args {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			m.ListenMacro(args[name], h, name)
		}
		env.Registry.add(o)
		o.evaluate()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// Handle returns the object's attachment handle.
func (o *Object) Handle() graph.Handle { return o.h }

// Macro returns the object's macro.
func (o *Object) Macro() *Macro { return o.macro }

// Name returns the name of the generated context.
func (o *Object) Name() string { return o.name }

// Owner returns the context that owns the object.
func (o *Object) Owner() *graph.Context { return o.owner }

// Path returns the path of the generated context.
func (o *Object) Path() string {
	if p := o.owner.Path(); p != "" {
		return p + graph.Sep + o.name
	}
	return o.name
}

// Args returns the object's argument cells.
func (o *Object) Args() map[string]*graph.Cell { return o.args }

// Params returns the object's fixed parameters.
func (o *Object) Params() map[string]interface{} { return o.params }

// Context returns the current generated context, or nil.
func (o *Object) Context() (ctx *graph.Context) {
	_ = o.m.Do(func() error {
		ctx = o.gen
		return nil
	})
	return
}

// State returns the object's evaluation state.
func (o *Object) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Status returns a human-readable status of the object.
func (o *Object) Status() string {
	return o.State().String()
}

// Exception returns the error of the most recent failed evaluation.
func (o *Object) Exception() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.exc
}

// Dangling returns the external connections that were dropped by the
// most recent rewrite.
func (o *Object) Dangling() []Dangling {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Dangling(nil), o.dangling...)
}

// Transplanted returns the names of the children that were
// transplanted by the most recent rewrite.
func (o *Object) Transplanted() (names []string) {
	_ = o.m.Do(func() error {
		names = append(names, o.transplants...)
		return nil
	})
	return
}

// Passes returns the number of times the object rebuilt its subgraph.
func (o *Object) Passes() (n int) {
	_ = o.m.Do(func() error {
		n = o.passes
		return nil
	})
	return
}

// Elided tells whether the current subgraph was materialized from the
// elision cache.
func (o *Object) Elided() (elided bool) {
	_ = o.m.Do(func() error {
		elided = o.elided
		return nil
	})
	return
}

func (o *Object) setState(state State, exc error) {
	o.mu.Lock()
	o.state = state
	o.exc = exc
	o.mu.Unlock()
}

// ArgChanged implements graph.ArgListener.
func (o *Object) ArgChanged(arg string, cell *graph.Cell) {
	o.evaluate()
}

// RegistrarChanged implements graph.RegistrarListener. Registrar
// changes force re-evaluation even if the arguments are unchanged.
func (o *Object) RegistrarChanged(registrar, key string) {
	o.force = true
	o.evaluate()
}

// Detach implements graph.Attachment.
func (o *Object) Detach() {
	o.detached = true
	o.pending = nil
	o.env.Registry.remove(o)
}

// Reevaluate forces the object to rebuild its subgraph.
func (o *Object) Reevaluate() {
	_ = o.m.Do(func() error {
		o.force = true
		o.evaluate()
		return nil
	})
}

// evaluate (re-)evaluates the macro if its arguments are defined and
// have changed since the previous evaluation. It runs on the main
// loop. Evaluations requested while one is in progress are rejected;
// another pass is scheduled once the current one completes.
func (o *Object) evaluate() {
	if o.detached {
		return
	}
	if o.State() == Reevaluating {
		o.dirty = true
		o.env.Log.Debugf("macro %s: deferred: %v", o.Path(), errors.E("evaluate", errors.Reentrant))
		return
	}
	values := make(map[string]interface{}, len(o.args)+len(o.params))
	sums := make(map[string]cellgraph.Checksum, len(o.args))
	prelim := false
	for name, c := range o.args {
		if c.State() != graph.OK {
			return
		}
		prelim = prelim || c.Prelim()
		v, err := c.Value(context.Background())
		if err != nil {
			o.setState(Failed, errors.E("macro", o.Path(), name, err))
			return
		}
		values[name] = v
		sums[name] = c.Checksum()
	}
	for name, v := range o.params {
		if _, ok := values[name]; !ok {
			values[name] = v
		}
	}
	state := o.State()
	if !o.force && state == Evaluated && sumsEqual(sums, o.last) {
		return
	}
	o.force = false
	o.setState(Reevaluating, nil)
	ctx, done := trace.Start(o.m.Context(), trace.Macro, cellgraph.Digester.FromString(o.Path()), o.Path())
	err := o.rewrite(values, sums, prelim)
	trace.Note(ctx, "elided", o.elided)
	done()
	if err != nil {
		o.env.Log.Errorf("macro %s: %v", o.Path(), err)
		o.setState(Failed, err)
	} else {
		o.last = sums
		o.setState(Evaluated, nil)
		metrics.GetMacroEvaluationsCounter(o.m.Context()).Inc()
		if o.elided {
			metrics.GetMacroElidedCounter(o.m.Context()).Inc()
		}
	}
	if o.dirty {
		o.dirty = false
		o.m.Post(o.evaluate)
	}
}

func sumsEqual(a, b map[string]cellgraph.Checksum) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// rewrite rebuilds the object's subgraph. The elision cache is
// neither consulted nor filled when an argument is preliminary.
func (o *Object) rewrite(values map[string]interface{}, sums map[string]cellgraph.Checksum, prelim bool) error {
	old := o.gen
	externals := o.capture(old)
	oldSigs := signatures(o.m, old)

	gen := o.m.NewDetachedContext(o.name)
	var (
		hit    bool
		result elision.Result
		cache  = o.cache()
	)
	if prelim {
		cache = nil
	}
	if cache != nil {
		result, hit = cache.Lookup(context.Background(), o.Path(), sums, o.psum)
	}
	var err error
	if hit {
		err = o.materialize(gen, result)
	} else {
		err = o.macro.Func(&Builder{m: o.m, ctx: gen, obj: o}, values)
	}
	if err != nil {
		o.m.Destroy(gen)
		return errors.E("macro", o.Path(), errors.WorkerException, err)
	}

	internal := o.internal(gen)
	newSigs := signatures(o.m, gen)
	transplants := mapset.NewSet[string]()
	for name, sig := range newSigs {
		if old == nil {
			break
		}
		if prev, ok := oldSigs[name]; ok && prev == sig {
			transplants.Add(name)
		}
	}
	names := transplants.ToSlice()
	sort.Strings(names)
	for _, name := range names {
		placeholder, _ := gen.Child(name)
		child, _ := old.Child(name)
		o.m.Destroy(placeholder)
		if err := o.m.Move(child, gen, name); err != nil {
			return errors.E("macro", o.Path(), name, err)
		}
	}
	if old != nil {
		o.m.Destroy(old)
	}
	o.fixInternal(gen, internal)
	if err := o.m.Move(gen, o.owner, o.name); err != nil {
		return errors.E("macro", o.Path(), err)
	}
	o.gen = gen
	o.reattach(gen, externals)

	o.transplants = names
	o.passes++
	o.elided = hit
	o.pending = nil
	// Registrar subscriptions made by this build are only known now.
	if cache != nil && !hit && o.cache() != nil {
		o.pending = &storeRequest{inputs: sums}
	}
	if len(names) > 0 {
		o.env.Log.Debugf("macro %s: transplanted %v", o.Path(), names)
	}
	return nil
}

// cache returns the elision cache used by the object, or nil. Macros
// that read registrar values are not elided: registrar values are not
// part of the elision key.
func (o *Object) cache() *elision.Cache {
	if o.env.Elision == nil || len(o.macro.Outputs) == 0 || o.listening.Cardinality() > 0 {
		return nil
	}
	return o.env.Elision
}

// materialize builds a subgraph consisting of the macro's output
// cells only, set to the checksums recorded in an elision result.
func (o *Object) materialize(gen *graph.Context, r elision.Result) error {
	b := &Builder{m: o.m, ctx: gen, obj: o}
	for _, path := range o.macro.Outputs {
		out, ok := r[path]
		if !ok {
			return errors.E("materialize", path, errors.NotExist, errors.New("output not recorded"))
		}
		c, err := b.cellAt(path, out.Dtype)
		if err != nil {
			return err
		}
		if err := o.m.SetChecksum(c, out.Checksum); err != nil {
			return err
		}
	}
	return nil
}

// Flush records the object's current outputs in the elision cache if
// the object was last evaluated in full and its outputs are now
// stable: every output cell holds a final (non-preliminary) value,
// and the arguments have not changed since. Flush is intended to be
// called once the graph is in equilibrium.
func (o *Object) Flush(ctx context.Context) error {
	var (
		inputs  map[string]digest.Digest
		result  elision.Result
		buffers map[digest.Digest][]byte
		cache   *elision.Cache
	)
	err := o.m.Do(func() error {
		cache = o.cache()
		if o.pending == nil || cache == nil || o.gen == nil {
			return nil
		}
		for name, c := range o.args {
			if c.Prelim() || c.Checksum() != o.pending.inputs[name] {
				o.pending = nil
				return nil
			}
		}
		r := make(elision.Result)
		bufs := make(map[digest.Digest][]byte)
		for _, path := range o.macro.Outputs {
			n, _, err := o.gen.Resolve(path)
			if err != nil {
				o.pending = nil
				return errors.E("flush", o.Path(), path, err)
			}
			c, ok := n.(*graph.Cell)
			if !ok {
				o.pending = nil
				return errors.E("flush", o.Path(), path, errors.Invalid, errors.New("output is not a cell"))
			}
			if c.State() != graph.OK || c.Prelim() {
				return nil
			}
			b, err := c.Buffer(ctx)
			if err != nil {
				return err
			}
			r[path] = elision.Output{Dtype: c.Dtype(), Checksum: c.Checksum()}
			bufs[c.Checksum()] = b
		}
		inputs, result, buffers = o.pending.inputs, r, bufs
		o.pending = nil
		return nil
	})
	if err != nil || result == nil {
		return err
	}
	return cache.Store(ctx, o.Path(), inputs, o.psum, result, buffers)
}

// external is a connection between the subgraph and the rest of the
// graph. Exactly one of its ends lies within the subgraph; that end is
// recorded by relative path, the other by its (stable) endpoint.
type external struct {
	id    ConnID
	kind  string
	inner string
	outer graph.End
	// innerSource is set when the inner end is the connection's source.
	innerSource bool
}

// capture records the external connections of subgraph ctx.
func (o *Object) capture(ctx *graph.Context) []external {
	if ctx == nil {
		return nil
	}
	s := newSigner(o.m, ctx)
	var exts []external
	for _, conn := range o.m.ConnectionsOf(ctx) {
		src, srcIn := s.relPath(conn.Source)
		dst, dstIn := s.relPath(conn.Target)
		switch {
		case srcIn && dstIn:
		case dstIn:
			exts = append(exts, external{
				id:    conn.ID,
				kind:  kindOf(conn, false),
				inner: dst,
				outer: conn.Source,
			})
		case srcIn:
			exts = append(exts, external{
				id:          conn.ID,
				kind:        kindOf(conn, true),
				inner:       src,
				outer:       conn.Target,
				innerSource: true,
			})
		}
	}
	return exts
}

func kindOf(conn graph.Connection, innerSource bool) string {
	switch {
	case conn.Edit:
		return "edit"
	case conn.Source.IsPin():
		return "output"
	case conn.Target.IsPin():
		return "input"
	case innerSource:
		return "rev_alias"
	default:
		return "alias"
	}
}

// reattach re-establishes the captured external connections against
// the new subgraph ctx, under their original IDs. Connections whose
// inner endpoint no longer exists, or can no longer be connected, are
// dropped and reported.
func (o *Object) reattach(ctx *graph.Context, exts []external) {
	var dangling []Dangling
	for _, ext := range exts {
		if _, ok := o.m.Connection(ext.id); ok {
			continue
		}
		err := o.reconnect(ctx, ext)
		if err == nil {
			continue
		}
		d := Dangling{
			ID:    ext.id,
			Kind:  ext.kind,
			Inner: ext.inner,
			Outer: o.m.EndPath(ext.outer),
			Err:   err,
		}
		o.env.Log.Warnf("macro %s: %v", o.Path(),
			errors.E("reattach", d.Kind, ctx.Path()+graph.Sep+d.Inner, d.Outer, errors.DanglingReference, err))
		dangling = append(dangling, d)
	}
	o.mu.Lock()
	o.dangling = dangling
	o.mu.Unlock()
}

func (o *Object) reconnect(ctx *graph.Context, ext external) error {
	inner, err := endpoint(ctx, ext.inner)
	if err != nil {
		return err
	}
	outer, ok := o.m.Endpoint(ext.outer)
	if !ok {
		return errors.E(errors.NotExist, errors.New("outer endpoint destroyed"))
	}
	if ext.innerSource {
		return o.m.Reconnect(ext.id, inner, outer)
	}
	return o.m.Reconnect(ext.id, outer, inner)
}

// endpoint resolves path, relative to ctx, to a cell or a pin.
func endpoint(ctx *graph.Context, path string) (graph.Endpoint, error) {
	n, pin, err := ctx.Resolve(path)
	if err != nil {
		return nil, err
	}
	if pin != nil {
		return pin, nil
	}
	if c, ok := n.(*graph.Cell); ok {
		return c, nil
	}
	return nil, errors.E(path, errors.Invalid, errors.New("not a cell or pin"))
}

type pathPair struct{ source, target string }

// internal returns the connections within subgraph ctx, by relative
// path.
func (o *Object) internal(ctx *graph.Context) []pathPair {
	s := newSigner(o.m, ctx)
	var pairs []pathPair
	for _, conn := range o.m.ConnectionsOf(ctx) {
		src, srcIn := s.relPath(conn.Source)
		dst, dstIn := s.relPath(conn.Target)
		if srcIn && dstIn {
			pairs = append(pairs, pathPair{src, dst})
		}
	}
	return pairs
}

// fixInternal makes the connections within ctx match want: after a
// transplant, transplanted children carry connections from the old
// subgraph, while connections from their placeholders are gone.
func (o *Object) fixInternal(ctx *graph.Context, want []pathPair) {
	wanted := make(map[pathPair]bool, len(want))
	for _, p := range want {
		wanted[p] = true
	}
	s := newSigner(o.m, ctx)
	have := make(map[pathPair]bool)
	for _, conn := range o.m.ConnectionsOf(ctx) {
		src, srcIn := s.relPath(conn.Source)
		dst, dstIn := s.relPath(conn.Target)
		if !srcIn || !dstIn {
			continue
		}
		p := pathPair{src, dst}
		if !wanted[p] || have[p] {
			o.m.Disconnect(conn.ID)
			continue
		}
		have[p] = true
	}
	for _, p := range want {
		if have[p] {
			continue
		}
		src, err := endpoint(ctx, p.source)
		if err != nil {
			o.env.Log.Errorf("macro %s: %v", o.Path(), err)
			continue
		}
		dst, err := endpoint(ctx, p.target)
		if err != nil {
			o.env.Log.Errorf("macro %s: %v", o.Path(), err)
			continue
		}
		if _, err := o.m.Connect(src, dst); err != nil {
			o.env.Log.Errorf("macro %s: connect %s to %s: %v", o.Path(), p.source, p.target, err)
		}
		have[p] = true
	}
}
