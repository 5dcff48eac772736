// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package memassoc implements an in-memory assoc.Assoc, bounded by a
// least-recently-used eviction policy.
package memassoc

import (
	"context"
	"sync"

	"github.com/grailbio/base/digest"
	"github.com/grailbio/cellgraph/assoc"
	"github.com/grailbio/cellgraph/errors"
	lru "github.com/hashicorp/golang-lru"
)

// DefaultSize is the number of mappings retained by an Assoc created
// with size 0.
const DefaultSize = 1 << 16

type key struct {
	assoc.Kind
	digest.Digest
}

// Assoc is an in-memory assoc.Assoc. Mappings beyond the configured
// size are evicted in least-recently-used order.
type Assoc struct {
	// mu serializes compare-and-set operations; the cache is
	// itself safe for concurrent use.
	mu    sync.Mutex
	cache *lru.Cache
}

// New returns a new Assoc retaining at most size mappings.
func New(size int) (*Assoc, error) {
	if size <= 0 {
		size = DefaultSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Assoc{cache: cache}, nil
}

// Put implements assoc.Assoc.
func (a *Assoc) Put(ctx context.Context, kind assoc.Kind, expect, k, v digest.Digest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := key{kind, k}
	if !expect.IsZero() {
		cur, _ := a.cache.Peek(key)
		if cur == nil || cur.(digest.Digest) != expect {
			return errors.E("put", k, errors.Precondition, errors.Errorf("expected value %v, have %v", expect, cur))
		}
	}
	if v.IsZero() {
		a.cache.Remove(key)
	} else {
		a.cache.Add(key, v)
	}
	return nil
}

// Get implements assoc.Assoc.
func (a *Assoc) Get(ctx context.Context, kind assoc.Kind, k digest.Digest) (digest.Digest, error) {
	v, ok := a.cache.Get(key{kind, k})
	if !ok {
		return digest.Digest{}, errors.E("get", k, errors.NotExist)
	}
	return v.(digest.Digest), nil
}

// Scan implements assoc.Assoc.
func (a *Assoc) Scan(ctx context.Context, kind assoc.Kind, fn func(k, v digest.Digest) error) error {
	for _, k := range a.cache.Keys() {
		key := k.(key)
		if key.Kind != kind {
			continue
		}
		v, ok := a.cache.Peek(key)
		if !ok {
			continue
		}
		if err := fn(key.Digest, v.(digest.Digest)); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of mappings currently retained.
func (a *Assoc) Len() int {
	return a.cache.Len()
}
