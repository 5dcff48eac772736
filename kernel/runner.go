// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kernel

import (
	"context"
	"sort"

	"github.com/grailbio/cellgraph/errors"
)

// A Unit is a compiled code unit, as produced by a CodeRunner.
type Unit interface{}

// A CodeRunner compiles and invokes worker code. The kernel is
// agnostic to the language of the code it runs: each code pin's
// language is passed through to the runner.
type CodeRunner interface {
	// Compile compiles the source of the given language into a unit.
	Compile(lang, source string) (Unit, error)
	// Invoke runs a compiled unit against the namespace ns. The
	// returned map holds output values by pin name; it may be nil
	// when outputs are emitted through the namespace instead.
	Invoke(ctx context.Context, unit Unit, ns *Namespace) (map[string]interface{}, error)
}

// A Namespace is the view of a worker that is presented to its code
// on each invocation.
type Namespace struct {
	// Inputs holds the current values of the worker's inputs,
	// including its edit pins.
	Inputs map[string]interface{}
	// Changed lists, in sorted order, the inputs that changed since
	// the previous invocation.
	Changed []string
	// State persists across invocations of a reactor; it is reset
	// whenever the reactor is (re)started.
	State map[string]interface{}
	// Registered holds values obtained from registrars, by key.
	Registered map[string]interface{}

	outputs map[string]bool
	emit    func(name string, v interface{})
}

// Emit sets the output (or edit) pin name to the value v. Emit may
// be called any number of times during an invocation.
func (ns *Namespace) Emit(name string, v interface{}) error {
	if !ns.outputs[name] {
		return errors.E("emit", name, errors.Invalid, errors.New("no such output pin"))
	}
	ns.emit(name, v)
	return nil
}

// IsChanged tells whether input name changed since the previous
// invocation.
func (ns *Namespace) IsChanged(name string) bool {
	i := sort.SearchStrings(ns.Changed, name)
	return i < len(ns.Changed) && ns.Changed[i] == name
}

// Outputs returns the sorted names of the pins that may be emitted.
func (ns *Namespace) Outputs() []string {
	names := make([]string, 0, len(ns.outputs))
	for name := range ns.outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewNamespace returns a namespace whose emitted values are passed to
// emit. It is intended for CodeRunner implementations and their tests.
func NewNamespace(inputs map[string]interface{}, outputs []string, emit func(name string, v interface{})) *Namespace {
	ns := &Namespace{
		Inputs:     inputs,
		State:      make(map[string]interface{}),
		Registered: make(map[string]interface{}),
		outputs:    make(map[string]bool, len(outputs)),
		emit:       emit,
	}
	for _, name := range outputs {
		ns.outputs[name] = true
	}
	return ns
}
