// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package trace provides a tracing system for engine events.
// Following Dapper [1], trace events are named by a span. Each span
// is associated with a logical timeline: an equilibration, a worker
// invocation, a macro rewrite, or a buffer transfer.
//
// Tracing metadata is propagated through Go's context mechanism:
// each operation that creates a new span is given a context that
// represents that span. Package functions are provided to emit trace
// events to the current span, as defined by a context.
//
// [1] https://research.google.com/pubs/pub36356.html
package trace

import (
	"context"
	"time"

	"github.com/grailbio/base/digest"
)

// Kind is the type of spans.
type Kind int

const (
	// Equilibrate is the span type for waiting on the graph to settle.
	Equilibrate Kind = iota
	// Invoke is the span type for a single worker code invocation.
	Invoke
	// Macro is the span type for a macro subgraph rewrite.
	Macro
	// Transfer is the span type for fetching a buffer from the store.
	Transfer
)

var kinds = [...]string{
	Equilibrate: "equilibrate",
	Invoke:      "invoke",
	Macro:       "macro",
	Transfer:    "transfer",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kinds) {
		return "unknown"
	}
	return kinds[k]
}

var nopFunc = func() {}

// Start traces the beginning of a span of the indicated kind, with
// the given ID and name. Start returns a new context for this span:
// notes on the context are associated with the span. The returned
// function ends the span.
func Start(ctx context.Context, kind Kind, id digest.Digest, name string) (context.Context, func()) {
	if !On(ctx) {
		return ctx, nopFunc
	}
	t := tracer(ctx)
	event := Event{
		Time:     time.Now(),
		Kind:     StartEvent,
		Id:       id,
		Name:     name,
		SpanKind: kind,
	}
	startCtx, err := t.Emit(ctx, event)
	if err != nil || startCtx == nil {
		startCtx = ctx
	}
	return startCtx, func() {
		event.Time = time.Now()
		event.Kind = EndEvent
		_, _ = t.Emit(startCtx, event)
	}
}

// Note emits the provided key and value as a trace event associated
// with the span of the provided context.
func Note(ctx context.Context, key string, value interface{}) {
	if !On(ctx) {
		return
	}
	_, _ = tracer(ctx).Emit(ctx, Event{
		Time:  time.Now(),
		Kind:  NoteEvent,
		Key:   key,
		Value: value,
	})
}
