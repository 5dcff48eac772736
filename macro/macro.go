// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package macro implements macros: functions that generate a subgraph
// from the values of their argument cells. A macro object is an
// invocation of a macro; it listens to its argument cells and
// re-evaluates the macro whenever they change.
//
// Re-evaluation rebuilds the generated subgraph. Connections between
// the subgraph and the rest of the graph are captured before the
// rebuild and re-attached, by relative path, afterwards. Top-level
// children of the old subgraph whose structural signature is
// unchanged are transplanted into the new subgraph in place of their
// freshly built counterparts, so that they keep their state and their
// running kernels.
package macro

import (
	"fmt"
	"sort"
	"sync"

	"github.com/grailbio/cellgraph/celltype"
	"github.com/grailbio/cellgraph/elision"
	"github.com/grailbio/cellgraph/log"
)

// Func is the body of a macro. It builds the macro's subgraph with b,
// from the values of the macro's arguments and parameters.
type Func func(b *Builder, args map[string]interface{}) error

// Arg declares a macro argument.
type Arg struct {
	Name  string
	Dtype celltype.Type
}

// Macro is a macro definition.
type Macro struct {
	// Name identifies the macro in graph documents.
	Name string
	// Args declares the macro's cell arguments.
	Args []Arg
	// Func is the macro body.
	Func Func
	// Outputs lists the paths, relative to the generated subgraph, of
	// the macro's output cells. Only macros with outputs are elided.
	Outputs []string
	// Source is informational: it is recorded in graph documents.
	Source string
}

// State is the evaluation state of a macro object.
type State int

const (
	// Unevaluated objects have not yet been evaluated.
	Unevaluated State = iota
	// Evaluated objects hold the subgraph generated from their
	// current arguments.
	Evaluated
	// Reevaluating objects are rebuilding their subgraph.
	Reevaluating
	// Failed objects failed their most recent evaluation, and retain
	// the subgraph from the previous one.
	Failed
)

func (s State) String() string {
	switch s {
	case Unevaluated:
		return "UNEVALUATED"
	case Evaluated:
		return "EVALUATED"
	case Reevaluating:
		return "RE-EVALUATING"
	case Failed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Env is the environment shared by the macro objects of an engine.
type Env struct {
	// Elision is the elision cache; elision is disabled when nil.
	Elision *elision.Cache
	// Lookup resolves registrar keys for macro bodies.
	Lookup func(registrar, key string) (interface{}, error)
	// Macros resolves macro names for nested invocations.
	Macros func(name string) (*Macro, bool)
	// Registry tracks live macro objects.
	Registry *Registry
	Log      *log.Logger
}

// Registry tracks the live macro objects of an engine.
type Registry struct {
	mu      sync.Mutex
	objects map[*Object]bool
}

func (r *Registry) add(o *Object) {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.objects == nil {
		r.objects = make(map[*Object]bool)
	}
	r.objects[o] = true
	r.mu.Unlock()
}

func (r *Registry) remove(o *Object) {
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.objects, o)
	r.mu.Unlock()
}

// Objects returns the registered objects, ordered by path.
func (r *Registry) Objects() []*Object {
	r.mu.Lock()
	objs := make([]*Object, 0, len(r.objects))
	for o := range r.objects {
		objs = append(objs, o)
	}
	r.mu.Unlock()
	sort.Slice(objs, func(i, j int) bool { return objs[i].Path() < objs[j].Path() })
	return objs
}
