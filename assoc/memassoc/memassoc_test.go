// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package memassoc

import (
	"context"
	"strconv"
	"testing"

	"github.com/grailbio/base/digest"
	"github.com/grailbio/cellgraph"
	"github.com/grailbio/cellgraph/assoc"
	"github.com/grailbio/cellgraph/errors"
)

func d(s string) digest.Digest {
	return cellgraph.Digester.FromString(s)
}

func TestAssoc(t *testing.T) {
	ctx := context.Background()
	a, err := New(0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Get(ctx, assoc.Elision, d("k")); !errors.Is(errors.NotExist, err) {
		t.Fatalf("expected not exist, got %v", err)
	}
	if err := a.Put(ctx, assoc.Elision, digest.Digest{}, d("k"), d("v")); err != nil {
		t.Fatal(err)
	}
	v, err := a.Get(ctx, assoc.Elision, d("k"))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := v, d("v"); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := a.Put(ctx, assoc.Elision, d("x"), d("k"), d("v2")); !errors.Is(errors.Precondition, err) {
		t.Errorf("expected precondition error, got %v", err)
	}
	if err := a.Put(ctx, assoc.Elision, d("v"), d("k"), d("v2")); err != nil {
		t.Fatal(err)
	}
	if err := assoc.Delete(ctx, a, assoc.Elision, d("k")); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Get(ctx, assoc.Elision, d("k")); !errors.Is(errors.NotExist, err) {
		t.Errorf("expected not exist, got %v", err)
	}
}

func TestEviction(t *testing.T) {
	ctx := context.Background()
	a, err := New(4)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if err := a.Put(ctx, assoc.Elision, digest.Digest{}, d(strconv.Itoa(i)), d("v")); err != nil {
			t.Fatal(err)
		}
	}
	if got, want := a.Len(), 4; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	var n int
	err = a.Scan(ctx, assoc.Elision, func(k, v digest.Digest) error {
		n++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := n, 4; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, err := a.Get(ctx, assoc.Elision, d("0")); !errors.Is(errors.NotExist, err) {
		t.Errorf("expected key 0 to be evicted, got %v", err)
	}
}
