// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package membuf implements an in-memory buffer store bounded by a
// least-recently-used eviction policy.
package membuf

import (
	"context"

	"github.com/grailbio/base/digest"
	"github.com/grailbio/cellgraph"
	"github.com/grailbio/cellgraph/errors"
	"github.com/grailbio/cellgraph/liveset"
	lru "github.com/hashicorp/golang-lru"
)

// DefaultSize is the number of buffers retained by a Store created
// with size 0.
const DefaultSize = 1 << 14

// Store is an in-memory cellgraph.BufferStore. Buffers beyond the
// configured count are evicted in least-recently-used order; a
// subsequent GetBuffer reports an errors.CacheMiss.
type Store struct {
	cache *lru.Cache
}

// New returns a new store retaining at most size buffers.
func New(size int) (*Store, error) {
	if size <= 0 {
		size = DefaultSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Store{cache: cache}, nil
}

// GetBuffer implements cellgraph.BufferStore.
func (s *Store) GetBuffer(ctx context.Context, id digest.Digest) ([]byte, error) {
	v, ok := s.cache.Get(id)
	if !ok {
		return nil, errors.E("getbuffer", id, errors.CacheMiss)
	}
	return v.([]byte), nil
}

// PutBuffer implements cellgraph.BufferStore.
func (s *Store) PutBuffer(ctx context.Context, b []byte) (digest.Digest, error) {
	id := cellgraph.ChecksumOf(b)
	if !s.cache.Contains(id) {
		s.cache.Add(id, append([]byte(nil), b...))
	}
	return id, nil
}

// Collect implements cellgraph.BufferStore.
func (s *Store) Collect(ctx context.Context, live liveset.Liveset) error {
	for _, k := range s.cache.Keys() {
		if id := k.(digest.Digest); live == nil || !live.Contains(id) {
			s.cache.Remove(id)
		}
	}
	return nil
}

// Len returns the number of buffers in the store.
func (s *Store) Len() int {
	return s.cache.Len()
}
