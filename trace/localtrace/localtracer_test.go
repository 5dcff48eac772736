// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package localtrace

import (
	"context"
	"crypto"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/grailbio/base/digest"
	"github.com/grailbio/cellgraph/trace"
	"github.com/grailbio/testutil"
)

func newTracer(t *testing.T) *LocalTracer {
	t.Helper()
	dir, cleanup := testutil.TempDir(t, "", "localtrace")
	t.Cleanup(cleanup)
	lt, err := New(filepath.Join(dir, "cellgraph.trace"))
	if err != nil {
		t.Fatal(err)
	}
	return lt
}

func TestLocalTracerEmit(t *testing.T) {
	startTime := time.Now()
	endTime := startTime.Add(time.Minute)
	name := "root.add"
	id := digest.Digester(crypto.SHA256).FromString(name)
	wantFinalEvent := Event{
		Pid:  int(trace.Invoke),
		Tid:  1,
		Ts:   startTime.UnixNano() / 1000,
		Ph:   "X",
		Dur:  endTime.Sub(startTime).Microseconds(),
		Name: name,
		Cat:  trace.Invoke.String(),
		Args: map[string]interface{}{
			"beginTime": startTime.Format(time.RFC850),
			"endTime":   endTime.Format(time.RFC850),
			"pin":       "code",
		},
	}
	lt := newTracer(t)

	startCtx, err := lt.Emit(context.Background(), trace.Event{
		Time:     startTime,
		Kind:     trace.StartEvent,
		Id:       id,
		Name:     name,
		SpanKind: trace.Invoke,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err = eventKey.getEvent(startCtx); err != nil {
		t.Error("expected startCtx to contain an Event value")
	}
	noteCtx, err := lt.Emit(startCtx, trace.Event{
		Time:  startTime,
		Kind:  trace.NoteEvent,
		Key:   "pin",
		Value: "code",
	})
	if err != nil {
		t.Fatal(err)
	}
	endCtx, err := lt.Emit(noteCtx, trace.Event{
		Time:     endTime,
		Kind:     trace.EndEvent,
		Id:       id,
		Name:     name,
		SpanKind: trace.Invoke,
	})
	if err != nil {
		t.Fatal(err)
	}
	if endCtx != nil {
		t.Errorf("wanted nil ctx after emitting EndEvent, got: %v", endCtx)
	}
	if got, want := lt.Len(), 1; got != want {
		t.Fatalf("wanted %d trace event(s), got %d", want, got)
	}
	if got := lt.trace.Events[0]; !reflect.DeepEqual(got, wantFinalEvent) {
		t.Fatalf("\nwant %v\ngot  %v", wantFinalEvent, got)
	}
}

func TestLocalTracerFlush(t *testing.T) {
	lt := newTracer(t)
	ctx := trace.WithTracer(context.Background(), lt)
	digester := digest.Digester(crypto.SHA256)
	for _, name := range []string{"a", "b", "a"} {
		_, done := trace.Start(ctx, trace.Macro, digester.FromString(name), name)
		done()
	}
	if err := lt.Flush(); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(lt.Path())
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var tr T
	if err := tr.Decode(f); err != nil {
		t.Fatal(err)
	}
	if got, want := len(tr.Events), 3; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := tr.Events[0].Tid, tr.Events[2].Tid; got != want {
		t.Errorf("spans of one timeline on different rows: %v, %v", got, want)
	}
	if tr.Events[0].Tid == tr.Events[1].Tid {
		t.Error("spans of different timelines share a row")
	}
	if got, want := tr.Events[1].Cat, "macro"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNewBadPath(t *testing.T) {
	if _, err := New(filepath.Join("/nonexistent", "dir", "x.trace")); err == nil {
		t.Error("expected error")
	}
}
