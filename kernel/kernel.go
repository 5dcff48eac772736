// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package kernel implements the execution kernel of a worker. Each
// kernel runs a goroutine that consumes a FIFO queue of input
// updates, and another that delivers the worker's outputs.
//
// Two deterministic adjustments are made to FIFO order. First, an
// item is dropped when a later item in the queue targets the same
// input (look-ahead coalescing), so that only the most recent value
// of an input within a burst is delivered to the worker's code.
// Second, registrar items may be promoted ahead of ordinary items,
// bounded by a per-kernel bump budget.
//
// Once every mandatory input holds a value, the kernel invokes the
// worker's code through a CodeRunner: once per item for transformers,
// and once per drained batch for reactors. Errors returned by worker
// code are captured in the kernel's exception slot and logged; they
// never stop the kernel.
package kernel

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/cellgraph"
	"github.com/grailbio/cellgraph/errors"
	"github.com/grailbio/cellgraph/log"
	"github.com/grailbio/cellgraph/metrics"
	"github.com/grailbio/cellgraph/trace"
	"github.com/grailbio/cellgraph/wg"
	"github.com/petermattis/goid"
	"golang.org/x/sync/semaphore"
)

// Registrar is the name of items that carry registrar updates.
const Registrar = "@REGISTRAR"

// DefaultBumpBudget is the bump budget used when none is configured.
const DefaultBumpBudget = 3

// Code pin names.
const (
	CodePin       = "code"
	CodeStartPin  = "code_start"
	CodeUpdatePin = "code_update"
	CodeStopPin   = "code_stop"
)

// maxQueue bounds the number of queued items; the semaphore is
// created with this capacity, fully held.
const maxQueue = 1 << 62

// Kind is the kind of worker a kernel executes.
type Kind int

const (
	// Transformer workers compute their single output afresh on
	// every update.
	Transformer Kind = iota
	// Reactor workers keep state across updates, and may emit
	// outputs at any time during an update.
	Reactor
)

func (k Kind) String() string {
	switch k {
	case Transformer:
		return "transformer"
	case Reactor:
		return "reactor"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// CodePins returns the names of the code pins of a worker kind.
func (k Kind) CodePins() []string {
	if k == Reactor {
		return []string{CodeStartPin, CodeUpdatePin, CodeStopPin}
	}
	return []string{CodePin}
}

// An Item is an update of a single worker input.
type Item struct {
	// Name is the input pin name, or Registrar.
	Name string
	// Value is the parsed value of the input. For code pins, it is
	// the source text.
	Value interface{}

	// Registrar and Key identify the registered value
	// that is updated by a Registrar item.
	Registrar, Key string
}

// Output is a value emitted by a worker.
type Output struct {
	Pin   string
	Value interface{}
	// Prelim is set when the value was emitted while the kernel
	// still had queued input.
	Prelim bool
}

// Config configures a kernel.
type Config struct {
	// Name identifies the worker in logs.
	Name string
	Kind Kind
	// Inputs names the mandatory (non-code) inputs of the worker.
	// The worker's code is not invoked until all of them hold a value.
	Inputs []string
	// Outputs names the output and edit pins of the worker.
	Outputs []string
	// Languages maps each code pin to the language of its code.
	Languages map[string]string
	// Code holds code that is set directly on the worker, by code pin.
	Code map[string]string
	// Runner compiles and invokes the worker's code.
	Runner CodeRunner
	// Deliver is called, from the kernel's output goroutine, for
	// every value emitted by the worker.
	Deliver func(Output)
	// Lookup resolves registrar items. It returns an error of kind
	// errors.NotExist if the key is not (yet) registered.
	Lookup func(registrar, key string) (interface{}, error)
	// WaitGroup counts the kernel's in-flight work: queued items and
	// undelivered outputs.
	WaitGroup *wg.WaitGroup
	// BumpBudget bounds the number of consecutive registrar items
	// that may be promoted ahead of ordinary items.
	BumpBudget int
	Log        *log.Logger
}

// Kernel is the execution kernel of a single worker.
type Kernel struct {
	Config

	sem *semaphore.Weighted

	mu       sync.Mutex
	queue    []Item
	finish   bool
	bumped   int
	exc      error
	status   string
	started  bool
	finished chan struct{}

	// Owned by the kernel goroutine.
	values     map[string]interface{}
	units      map[string]Unit
	registered map[string]interface{}
	pending    map[string]bool
	changed    map[string]bool
	state      map[string]interface{}
	running    bool
	ctx        context.Context

	outMu   sync.Mutex
	outCond *sync.Cond
	outputs []Output
	outDone bool
	outExit chan struct{}

	gid        int64
	once       sync.Once
	nupdate    int64
	bumpBudget int
}

// New returns a new kernel with the provided configuration. The
// kernel does not consume its queue until Start is called; items
// enqueued before then are retained.
func New(config Config) *Kernel {
	k := &Kernel{
		Config:     config,
		sem:        semaphore.NewWeighted(maxQueue),
		finished:   make(chan struct{}),
		outExit:    make(chan struct{}),
		values:     make(map[string]interface{}),
		units:      make(map[string]Unit),
		registered: make(map[string]interface{}),
		pending:    make(map[string]bool),
		changed:    make(map[string]bool),
		state:      make(map[string]interface{}),
		bumpBudget: config.BumpBudget,
		status:     "pending",
	}
	if k.bumpBudget <= 0 {
		k.bumpBudget = DefaultBumpBudget
	}
	if k.WaitGroup == nil {
		k.WaitGroup = new(wg.WaitGroup)
	}
	// The semaphore starts out fully held; every enqueue releases one.
	if !k.sem.TryAcquire(maxQueue) {
		panic("kernel: fresh semaphore not available")
	}
	k.outCond = sync.NewCond(&k.outMu)
	for _, name := range k.Inputs {
		k.pending[name] = true
	}
	for _, pin := range k.Kind.CodePins() {
		k.pending[pin] = true
	}
	for pin, source := range k.Code {
		k.compile(pin, source)
	}
	return k
}

// Start starts the kernel's goroutines. The context is passed to
// every invocation of the worker's code.
func (k *Kernel) Start(ctx context.Context) {
	k.mu.Lock()
	if k.started || k.finish {
		k.mu.Unlock()
		return
	}
	k.started = true
	k.mu.Unlock()
	k.ctx = ctx
	go k.loop()
	go k.deliver()
}

// Started tells whether the kernel has been started.
func (k *Kernel) Started() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.started
}

// Enqueue appends item to the kernel's queue.
func (k *Kernel) Enqueue(item Item) {
	k.mu.Lock()
	if k.finish {
		k.mu.Unlock()
		k.Log.Debugf("%s: dropping %s after finish", k.Name, item.Name)
		return
	}
	k.WaitGroup.Add(1)
	k.queue = append(k.queue, item)
	k.mu.Unlock()
	k.sem.Release(1)
}

// Len returns the number of queued items.
func (k *Kernel) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.queue)
}

// Finish signals the kernel to finish, and waits for it to do so.
// The kernel drains its queue and runs its cleanup hook (a reactor's
// code_stop) before finishing. Finish does not preempt worker code:
// it blocks for as long as the current invocation runs.
func (k *Kernel) Finish() {
	k.once.Do(func() {
		k.mu.Lock()
		k.finish = true
		started := k.started
		k.mu.Unlock()
		if !started {
			k.mu.Lock()
			n := len(k.queue)
			k.queue = nil
			k.mu.Unlock()
			k.WaitGroup.Add(-n)
			close(k.finished)
			return
		}
		k.sem.Release(1)
		<-k.finished
		k.outMu.Lock()
		k.outDone = true
		k.outCond.Broadcast()
		k.outMu.Unlock()
		<-k.outExit
	})
}

// Finished returns a channel that is closed once the kernel has
// finished processing.
func (k *Kernel) Finished() <-chan struct{} {
	return k.finished
}

// GoroutineID returns the id of the kernel's goroutine, or 0 if the
// kernel is not running.
func (k *Kernel) GoroutineID() int64 {
	return atomic.LoadInt64(&k.gid)
}

// Updates returns the number of times the worker's update code has
// been invoked.
func (k *Kernel) Updates() int64 {
	return atomic.LoadInt64(&k.nupdate)
}

// Exception returns the error returned by the most recent failed
// invocation of the worker's code, or nil.
func (k *Kernel) Exception() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.exc
}

// Status returns a human-readable status of the kernel.
func (k *Kernel) Status() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.status
}

func (k *Kernel) setStatus(status string, exc error) {
	k.mu.Lock()
	k.status = status
	k.exc = exc
	k.mu.Unlock()
}

func (k *Kernel) loop() {
	atomic.StoreInt64(&k.gid, goid.Get())
	defer close(k.finished)
	for {
		// The semaphore is only ever released, so Acquire cannot fail.
		_ = k.sem.Acquire(context.Background(), 1)
		k.mu.Lock()
		if len(k.queue) == 0 {
			finish := k.finish
			k.mu.Unlock()
			if finish {
				break
			}
			continue
		}
		item := k.pop()
		superseded := item.Name != Registrar && k.supersededLocked(item.Name)
		more := len(k.queue) > 0
		k.mu.Unlock()
		if superseded {
			k.Log.Debugf("%s: coalesced update of %s", k.Name, item.Name)
		} else {
			k.process(item)
			// Reactors are updated once per drained batch.
			if k.Kind == Transformer || !more {
				k.update()
			}
		}
		k.WaitGroup.Done()
	}
	k.cleanup()
}

// pop removes the next item from the queue. If there is a registrar
// item behind the head and the bump budget is not exhausted, it is
// promoted. Ordinary items replenish the budget.
func (k *Kernel) pop() Item {
	if len(k.queue) > 1 && k.bumped < k.bumpBudget {
		for i := 1; i < len(k.queue); i++ {
			if k.queue[i].Name != Registrar {
				continue
			}
			item := k.queue[i]
			k.queue = append(k.queue[:i], k.queue[i+1:]...)
			k.bumped++
			return item
		}
	}
	item := k.queue[0]
	k.queue[0] = Item{}
	k.queue = k.queue[1:]
	if item.Name != Registrar && k.bumped > 0 {
		k.bumped--
	}
	return item
}

func (k *Kernel) supersededLocked(name string) bool {
	for _, item := range k.queue {
		if item.Name == name {
			return true
		}
	}
	return false
}

func (k *Kernel) isCode(name string) bool {
	for _, pin := range k.Kind.CodePins() {
		if pin == name {
			return true
		}
	}
	return false
}

// process applies a single item to the kernel's state.
func (k *Kernel) process(item Item) {
	switch {
	case item.Name == Registrar:
		pkey := Registrar + item.Registrar + ":" + item.Key
		if k.Lookup == nil {
			k.pending[pkey] = true
			return
		}
		v, err := k.Lookup(item.Registrar, item.Key)
		if err != nil {
			if !errors.Is(errors.NotExist, err) {
				k.Log.Errorf("%s: registrar %s: %v", k.Name, item.Registrar, err)
			}
			k.pending[pkey] = true
			return
		}
		k.registered[item.Key] = v
		delete(k.pending, pkey)
		k.changed[item.Key] = true
	case k.isCode(item.Name):
		source, _ := item.Value.(string)
		k.compile(item.Name, source)
		k.changed[item.Name] = true
	default:
		k.values[item.Name] = item.Value
		delete(k.pending, item.Name)
		k.changed[item.Name] = true
	}
}

func (k *Kernel) compile(pin, source string) {
	if k.Runner == nil {
		k.pending[pin] = true
		k.setStatus("no code runner", errors.E("compile", k.Name, pin, errors.NotSupported))
		return
	}
	unit, err := k.Runner.Compile(k.Languages[pin], source)
	if err != nil {
		err = errors.E("compile", k.Name, pin, errors.WorkerException, err)
		k.Log.Errorf("%s: %v", k.Name, err)
		delete(k.units, pin)
		k.pending[pin] = true
		k.setStatus("compile error", err)
		return
	}
	k.units[pin] = unit
	delete(k.pending, pin)
}

func (k *Kernel) pendingNames() []string {
	var names []string
	for name := range k.pending {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (k *Kernel) namespace() *Namespace {
	ns := &Namespace{
		Inputs:     make(map[string]interface{}, len(k.values)),
		State:      k.state,
		Registered: make(map[string]interface{}, len(k.registered)),
		outputs:    make(map[string]bool, len(k.Outputs)),
		emit:       k.emit,
	}
	for name, v := range k.values {
		ns.Inputs[name] = v
	}
	for key, v := range k.registered {
		ns.Registered[key] = v
	}
	for name := range k.changed {
		ns.Changed = append(ns.Changed, name)
	}
	sort.Strings(ns.Changed)
	for _, name := range k.Outputs {
		ns.outputs[name] = true
	}
	return ns
}

// update invokes the worker's code if all inputs are defined.
func (k *Kernel) update() {
	if len(k.pending) > 0 {
		if k.exc == nil {
			k.setStatus("pending: "+strings.Join(k.pendingNames(), ", "), nil)
		}
		return
	}
	ns := k.namespace()
	k.changed = make(map[string]bool)
	atomic.AddInt64(&k.nupdate, 1)
	k.setStatus("executing", nil)
	var err error
	switch k.Kind {
	case Transformer:
		err = k.invoke(CodePin, ns)
	case Reactor:
		if !k.running || ns.IsChanged(CodeStartPin) {
			if k.running {
				if err := k.invoke(CodeStopPin, ns); err != nil {
					k.Log.Errorf("%s: %v", k.Name, err)
				}
			}
			k.state = make(map[string]interface{})
			ns.State = k.state
			k.running = false
			if err = k.invoke(CodeStartPin, ns); err != nil {
				break
			}
			k.running = true
		}
		err = k.invoke(CodeUpdatePin, ns)
	}
	if err != nil {
		k.Log.Errorf("%s: %v", k.Name, err)
		k.setStatus("exception", err)
		return
	}
	k.setStatus("ok", nil)
}

func (k *Kernel) invoke(pin string, ns *Namespace) error {
	kind := k.Kind.String()
	metrics.GetWorkerInvocationsCounter(k.ctx, kind).Inc()
	ctx, done := trace.Start(k.ctx, trace.Invoke, cellgraph.Digester.FromString(k.Name), k.Name)
	trace.Note(ctx, "pin", pin)
	begin := time.Now()
	outputs, err := k.Runner.Invoke(ctx, k.units[pin], ns)
	metrics.GetWorkerInvocationLatencySecondsHistogram(k.ctx, kind).Observe(time.Since(begin).Seconds())
	if err != nil {
		trace.Note(ctx, "error", err.Error())
	}
	done()
	if err != nil {
		metrics.GetWorkerExceptionsCounter(k.ctx, kind).Inc()
		return errors.E("invoke", k.Name, pin, errors.WorkerException, err)
	}
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := ns.Emit(name, outputs[name]); err != nil {
			return errors.E("invoke", k.Name, pin, errors.WorkerException, err)
		}
	}
	return nil
}

func (k *Kernel) cleanup() {
	if k.Kind != Reactor || !k.running {
		k.setStatus("finished", k.Exception())
		return
	}
	ns := k.namespace()
	if err := k.invoke(CodeStopPin, ns); err != nil {
		k.Log.Errorf("%s: %v", k.Name, err)
	}
	k.running = false
	k.setStatus("finished", k.Exception())
}

func (k *Kernel) emit(name string, v interface{}) {
	k.mu.Lock()
	prelim := len(k.queue) > 0
	k.mu.Unlock()
	k.WaitGroup.Add(1)
	k.outMu.Lock()
	k.outputs = append(k.outputs, Output{Pin: name, Value: v, Prelim: prelim})
	k.outCond.Signal()
	k.outMu.Unlock()
}

// deliver is the kernel's output goroutine.
func (k *Kernel) deliver() {
	defer close(k.outExit)
	for {
		k.outMu.Lock()
		for len(k.outputs) == 0 && !k.outDone {
			k.outCond.Wait()
		}
		if len(k.outputs) == 0 {
			k.outMu.Unlock()
			return
		}
		out := k.outputs[0]
		k.outputs = k.outputs[1:]
		k.outMu.Unlock()
		if k.Deliver != nil {
			k.Deliver(out)
		}
		k.WaitGroup.Done()
	}
}
