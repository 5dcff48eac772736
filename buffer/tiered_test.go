// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package buffer_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/grailbio/cellgraph/buffer"
	"github.com/grailbio/cellgraph/buffer/filebuf"
	"github.com/grailbio/cellgraph/buffer/membuf"
	"github.com/grailbio/cellgraph/liveset"
	"github.com/grailbio/testutil"
)

func TestTiered(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "tiered")
	defer cleanup()
	ctx := context.Background()
	near, err := membuf.New(0)
	if err != nil {
		t.Fatal(err)
	}
	far := &filebuf.Store{Root: dir}
	store := &buffer.Tiered{Near: near, Far: far}

	id, err := far.PutBuffer(ctx, []byte("only far"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := store.GetBuffer(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := b, []byte("only far"); !bytes.Equal(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := near.Len(), 1; got != want {
		t.Errorf("buffer not installed in near tier: got %v, want %v", got, want)
	}

	id2, err := store.PutBuffer(ctx, []byte("both"))
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := far.Contains(id2); !ok {
		t.Error("buffer not written through")
	}
	if err := store.Collect(ctx, liveset.Set{id2: true}); err != nil {
		t.Fatal(err)
	}
	if ok, _ := far.Contains(id); ok {
		t.Error("dead buffer not collected")
	}
	if got, want := near.Len(), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
