// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package elision

import (
	"context"
	"strconv"
	"testing"

	"github.com/grailbio/base/digest"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/cellgraph"
	"github.com/grailbio/cellgraph/assoc/memassoc"
	"github.com/grailbio/cellgraph/buffer/membuf"
	"github.com/grailbio/cellgraph/celltype"
	"github.com/grailbio/cellgraph/liveset"
)

func newCache(t *testing.T) *Cache {
	t.Helper()
	buffers, err := membuf.New(0)
	if err != nil {
		t.Fatal(err)
	}
	a, err := memassoc.New(0)
	if err != nil {
		t.Fatal(err)
	}
	lim := limiter.New()
	lim.Release(2)
	return &Cache{Buffers: buffers, Assoc: a, LookupLim: lim}
}

// flip returns d with the lowest bit of its last hex digit flipped.
func flip(t *testing.T, d digest.Digest) digest.Digest {
	t.Helper()
	hex := []byte(d.Hex())
	n, err := strconv.ParseUint(string(hex[len(hex)-1]), 16, 8)
	if err != nil {
		t.Fatal(err)
	}
	hex[len(hex)-1] = strconv.FormatUint(n^1, 16)[0]
	f, err := cellgraph.Digester.Parse("sha256:" + string(hex))
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newCache(t)
	inputs := map[string]digest.Digest{
		"a": cellgraph.ChecksumOf([]byte("2\n")),
		"b": cellgraph.ChecksumOf([]byte("3\n")),
	}
	params := cellgraph.ChecksumOf([]byte(`{"n":2}` + "\n"))
	if _, ok := c.Lookup(ctx, "top.m", inputs, params); ok {
		t.Fatal("unexpected hit on empty cache")
	}
	out := []byte("5\n")
	sum := cellgraph.ChecksumOf(out)
	r := Result{"result": {celltype.Must("int"), sum}}
	if err := c.Store(ctx, "top.m", inputs, params, r, map[digest.Digest][]byte{sum: out}); err != nil {
		t.Fatal(err)
	}
	got, ok := c.Lookup(ctx, "top.m", inputs, params)
	if !ok {
		t.Fatal("expected hit")
	}
	if got, want := got["result"], r["result"]; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	b, err := c.Buffers.GetBuffer(ctx, sum)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(b), "5\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	// A single flipped bit in any input misses.
	flipped := map[string]digest.Digest{"a": flip(t, inputs["a"]), "b": inputs["b"]}
	if _, ok := c.Lookup(ctx, "top.m", flipped, params); ok {
		t.Error("unexpected hit with modified input")
	}
	if _, ok := c.Lookup(ctx, "top.m", inputs, flip(t, params)); ok {
		t.Error("unexpected hit with modified params")
	}
	if _, ok := c.Lookup(ctx, "top.other", inputs, params); ok {
		t.Error("unexpected hit with different macro path")
	}

	live, err := c.Live(ctx)
	if err != nil {
		t.Fatal(err)
	}
	set := liveset.Set{}
	for _, d := range live {
		set[d] = true
	}
	if !set.Contains(sum) {
		t.Errorf("output %v not live", sum)
	}
	if got, want := len(set), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	if err := c.Delete(ctx, "top.m", inputs, params); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Lookup(ctx, "top.m", inputs, params); ok {
		t.Error("unexpected hit after delete")
	}
}

func TestUnknownChecksum(t *testing.T) {
	ctx := context.Background()
	c := newCache(t)
	inputs := map[string]digest.Digest{"a": {}}
	if _, err := Key("m", inputs, digest.Digest{}); err == nil {
		t.Error("expected error")
	}
	r := Result{"x": {celltype.Must("int"), digest.Digest{}}}
	ok := map[string]digest.Digest{"a": cellgraph.ChecksumOf([]byte("1\n"))}
	if err := c.Store(ctx, "m", ok, digest.Digest{}, r, nil); err == nil {
		t.Error("expected error")
	}
	if got, want := c.Assoc.(*memassoc.Assoc).Len(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestKeyOrder(t *testing.T) {
	a := cellgraph.ChecksumOf([]byte("1"))
	b := cellgraph.ChecksumOf([]byte("2"))
	k1, err := Key("m", map[string]digest.Digest{"x": a, "y": b}, digest.Digest{})
	if err != nil {
		t.Fatal(err)
	}
	k2, err := Key("m", map[string]digest.Digest{"y": b, "x": a}, digest.Digest{})
	if err != nil {
		t.Fatal(err)
	}
	if k1 != k2 {
		t.Errorf("keys differ: %v %v", k1, k2)
	}
	k3, err := Key("m", map[string]digest.Digest{"x": b, "y": a}, digest.Digest{})
	if err != nil {
		t.Fatal(err)
	}
	if k1 == k3 {
		t.Error("swapped inputs produce the same key")
	}
}
