// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package graph

import (
	"fmt"

	"github.com/grailbio/cellgraph/celltype"
	"github.com/grailbio/cellgraph/kernel"
)

// PinKind is the kind of a pin.
type PinKind int

const (
	// Input pins receive values from a single upstream cell.
	Input PinKind = iota
	// Output pins write values to any number of downstream cells.
	Output
	// Edit pins are bidirectionally connected to a single cell: the
	// worker both receives the cell's value and may set it.
	Edit
)

func (k PinKind) String() string {
	switch k {
	case Input:
		return "input"
	case Output:
		return "output"
	case Edit:
		return "edit"
	default:
		return fmt.Sprintf("PinKind(%d)", int(k))
	}
}

// ParsePinKind parses a pin kind from its string representation.
func ParsePinKind(s string) (PinKind, bool) {
	switch s {
	case "input":
		return Input, true
	case "output":
		return Output, true
	case "edit":
		return Edit, true
	}
	return 0, false
}

// PinID identifies a pin by its worker and name.
type PinID struct {
	Worker Handle
	Name   string
}

// Pin is a typed attachment point of a worker. Pins hold no data.
type Pin struct {
	worker *Worker
	name   string
	kind   PinKind
	typ    celltype.Type
}

func (p *Pin) end() End { return End{Pin: p.ID()} }

func (p *Pin) endType() celltype.Type { return p.typ }

// ID returns the pin's identifier.
func (p *Pin) ID() PinID { return PinID{p.worker.h, p.name} }

// Worker returns the pin's worker.
func (p *Pin) Worker() *Worker { return p.worker }

// Name returns the pin's name.
func (p *Pin) Name() string { return p.name }

// Kind returns the pin's kind.
func (p *Pin) Kind() PinKind { return p.kind }

// Dtype returns the pin's dtype.
func (p *Pin) Dtype() celltype.Type { return p.typ }

// Path returns the dotted path of the pin.
func (p *Pin) Path() string { return p.worker.Path() + Sep + p.name }

// Param declares a worker pin.
type Param struct {
	Name  string
	Kind  PinKind
	Dtype celltype.Type
}

// WorkerConfig configures a new worker.
type WorkerConfig struct {
	Kind kernel.Kind
	// Params declares the worker's pins, in order. Code pins are
	// added implicitly when they are not declared.
	Params []Param
	// Language is the language of implicitly declared code pins.
	// It defaults to "go".
	Language string
	// Code sets code directly on the worker, by code pin.
	Code map[string]string
}

// Worker is a computation node: a transformer or a reactor. Each
// worker owns an execution kernel.
type Worker struct {
	node
	config WorkerConfig
	pins   map[string]*Pin
	kernel *kernel.Kernel
}

// Kind returns the worker's kind.
func (w *Worker) Kind() kernel.Kind { return w.config.Kind }

// Config returns the worker's configuration.
func (w *Worker) Config() WorkerConfig { return w.config }

// Pin returns the named pin of the worker.
func (w *Worker) Pin(name string) (*Pin, bool) {
	p, ok := w.pins[name]
	return p, ok
}

// Params returns the worker's pins, in declaration order, including
// implicit code pins.
func (w *Worker) Params() []Param { return w.config.Params }

// Kernel returns the worker's execution kernel.
func (w *Worker) Kernel() *kernel.Kernel { return w.kernel }

// Status implements Node.
func (w *Worker) Status() string { return w.kernel.Status() }

// Exception implements Node.
func (w *Worker) Exception() error { return w.kernel.Exception() }
