// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package localtrace implements a trace.Tracer that writes events in
// the Chrome tracing format, viewable with chrome://tracing.
package localtrace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/cellgraph/trace"
)

// LocalTracer collects completed spans in memory and writes them to a
// file on Flush.
type LocalTracer struct {
	rwmu       sync.RWMutex
	tidCounter int32
	tidMap     sync.Map
	trace      T

	path string
}

// New returns a new LocalTracer that writes its trace to path. The
// path is created (or truncated) to validate it.
func New(path string) (*LocalTracer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return &LocalTracer{path: path}, nil
}

type key int

const eventKey key = 0

func (k key) getEvent(ctx context.Context) (Event, error) {
	if event, ok := ctx.Value(k).(Event); ok {
		return event, nil
	}
	return Event{}, fmt.Errorf("no event found for key: %d", k)
}

// getPid groups spans by kind: each kind is displayed as a separate
// "process" in the trace viewer.
func getPid(e trace.Event) int {
	return int(e.SpanKind)
}

// getTid returns a stable "thread" for the span's ID, so that repeated
// spans of the same timeline (e.g., invocations of one worker) share a
// row. getTid is safe for concurrent use.
func (lt *LocalTracer) getTid(id string) int {
	tid, ok := lt.tidMap.Load(id)
	if !ok {
		tid, _ = lt.tidMap.LoadOrStore(id, int(atomic.AddInt32(&lt.tidCounter, 1)))
	}
	return tid.(int)
}

// Flush writes the completed trace events to the tracer's path. It
// can be called concurrently.
func (lt *LocalTracer) Flush() error {
	lt.rwmu.RLock()
	defer lt.rwmu.RUnlock()
	// The file is rewritten with every event collected so far.
	f, err := os.Create(lt.path)
	if err != nil {
		return err
	}
	if err := lt.trace.Encode(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Path returns the location of the output trace file.
func (lt *LocalTracer) Path() string {
	return lt.path
}

// Len returns the number of completed spans.
func (lt *LocalTracer) Len() int {
	lt.rwmu.RLock()
	defer lt.rwmu.RUnlock()
	return len(lt.trace.Events)
}

// Emit implements trace.Tracer. It should not be used directly;
// use trace.Start and trace.Note instead.
func (lt *LocalTracer) Emit(ctx context.Context, e trace.Event) (context.Context, error) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	switch e.Kind {
	case trace.StartEvent:
		event := Event{
			Pid:  getPid(e),
			Tid:  lt.getTid(e.Id.Short()),
			Ts:   e.Time.UnixNano() / 1000, // microseconds
			Ph:   "X",                      // a complete event; Dur is filled in on EndEvent
			Name: e.Name,
			Cat:  e.SpanKind.String(),
			Args: map[string]interface{}{
				"beginTime": e.Time.Format(time.RFC850),
			},
		}
		return context.WithValue(ctx, eventKey, event), nil
	case trace.EndEvent:
		if event, err := eventKey.getEvent(ctx); err == nil {
			lt.rwmu.Lock()
			event.Dur = (e.Time.UnixNano() / 1000) - event.Ts
			event.Args["endTime"] = e.Time.Format(time.RFC850)
			lt.trace.Events = append(lt.trace.Events, event)
			lt.rwmu.Unlock()
		}
		return nil, nil
	case trace.NoteEvent:
		if event, err := eventKey.getEvent(ctx); err == nil {
			lt.rwmu.Lock()
			event.Args[e.Key] = e.Value
			lt.rwmu.Unlock()
		}
		return ctx, nil
	default:
		return ctx, fmt.Errorf("unsupported trace event kind %d", e.Kind)
	}
}

// Event is an event in the Chrome tracing format.
type Event struct {
	Pid  int                    `json:"pid"`
	Tid  int                    `json:"tid"`
	Ts   int64                  `json:"ts"`
	Ph   string                 `json:"ph"`
	Dur  int64                  `json:"dur,omitempty"`
	Name string                 `json:"name"`
	Cat  string                 `json:"cat,omitempty"`
	Args map[string]interface{} `json:"args"`
}

// T represents the JSON object format in the Chrome tracing format.
type T struct {
	Events []Event `json:"traceEvents"`
}

// Encode JSON encodes t into w.
func (t *T) Encode(w io.Writer) error {
	return json.NewEncoder(w).Encode(t)
}

// Decode decodes the JSON object format read from r into t. Call this
// with a t zero value.
func (t *T) Decode(r io.Reader) error {
	return json.NewDecoder(r).Decode(t)
}
