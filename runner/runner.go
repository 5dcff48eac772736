// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package runner implements kernel.CodeRunner backends: Funcs, which
// runs registered Go functions in-process, Shell, which runs shell
// scripts as subprocesses, and Mux, which dispatches on language.
package runner

import (
	"context"
	"strings"
	"sync"

	"github.com/grailbio/cellgraph/errors"
	"github.com/grailbio/cellgraph/kernel"
)

// Func is the type of function that may be registered with Funcs.
type Func func(ctx context.Context, ns *kernel.Namespace) (map[string]interface{}, error)

// Funcs is a registry of named Go functions. The source of a code
// cell run by Funcs is the name of the function, surrounding
// whitespace ignored.
type Funcs struct {
	mu    sync.Mutex
	funcs map[string]Func
}

// Register registers fn under name, replacing any previous
// registration.
func (f *Funcs) Register(name string, fn Func) {
	f.mu.Lock()
	if f.funcs == nil {
		f.funcs = make(map[string]Func)
	}
	f.funcs[name] = fn
	f.mu.Unlock()
}

// Compile implements kernel.CodeRunner.
func (f *Funcs) Compile(lang, source string) (kernel.Unit, error) {
	name := strings.TrimSpace(source)
	f.mu.Lock()
	fn, ok := f.funcs[name]
	f.mu.Unlock()
	if !ok {
		return nil, errors.E("compile", name, errors.NotExist, errors.New("function not registered"))
	}
	return fn, nil
}

// Invoke implements kernel.CodeRunner.
func (f *Funcs) Invoke(ctx context.Context, unit kernel.Unit, ns *kernel.Namespace) (map[string]interface{}, error) {
	fn, ok := unit.(Func)
	if !ok {
		return nil, errors.E("invoke", errors.Invalid, errors.Errorf("unexpected unit type %T", unit))
	}
	return fn(ctx, ns)
}

// Mux dispatches code to runners by language.
type Mux map[string]kernel.CodeRunner

type muxUnit struct {
	lang string
	unit kernel.Unit
}

// Compile implements kernel.CodeRunner.
func (m Mux) Compile(lang, source string) (kernel.Unit, error) {
	r, ok := m[lang]
	if !ok {
		return nil, errors.E("compile", lang, errors.NotSupported, errors.New("no runner for language"))
	}
	unit, err := r.Compile(lang, source)
	if err != nil {
		return nil, err
	}
	return muxUnit{lang, unit}, nil
}

// Invoke implements kernel.CodeRunner.
func (m Mux) Invoke(ctx context.Context, unit kernel.Unit, ns *kernel.Namespace) (map[string]interface{}, error) {
	u, ok := unit.(muxUnit)
	if !ok {
		return nil, errors.E("invoke", errors.Invalid, errors.Errorf("unexpected unit type %T", unit))
	}
	return m[u.lang].Invoke(ctx, u.unit, ns)
}
