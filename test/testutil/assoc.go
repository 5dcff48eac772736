// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package testutil

import (
	"context"
	"sync"

	"github.com/grailbio/base/digest"
	"github.com/grailbio/cellgraph/assoc"
	"github.com/grailbio/cellgraph/errors"
)

type assocKey struct {
	assoc.Kind
	digest.Digest
}

// InmemoryAssoc is an unbounded assoc.Assoc that stores its mapping
// in memory and counts its calls.
type InmemoryAssoc struct {
	mu         sync.Mutex
	assocs     map[assocKey]digest.Digest
	gets, puts int
}

// NewInmemoryAssoc returns a new, empty InmemoryAssoc.
func NewInmemoryAssoc() *InmemoryAssoc {
	return &InmemoryAssoc{
		assocs: make(map[assocKey]digest.Digest),
	}
}

// Put implements assoc.Assoc.
func (a *InmemoryAssoc) Put(ctx context.Context, kind assoc.Kind, expect digest.Digest, k digest.Digest, v digest.Digest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.puts++
	key := assocKey{kind, k}
	if !expect.IsZero() && a.assocs[key] != expect {
		return errors.E(errors.Precondition, errors.Errorf("expected value %v, have %v", expect, a.assocs[key]))
	}
	if v.IsZero() {
		delete(a.assocs, key)
	} else {
		a.assocs[key] = v
	}
	return nil
}

// Get implements assoc.Assoc.
func (a *InmemoryAssoc) Get(ctx context.Context, kind assoc.Kind, k digest.Digest) (digest.Digest, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gets++
	v, ok := a.assocs[assocKey{kind, k}]
	if !ok {
		return digest.Digest{}, errors.E(errors.NotExist, errors.New("key does not exist"))
	}
	return v, nil
}

// Scan implements assoc.Assoc.
func (a *InmemoryAssoc) Scan(ctx context.Context, kind assoc.Kind, fn func(k, v digest.Digest) error) error {
	a.mu.Lock()
	var keys, values []digest.Digest
	for key, v := range a.assocs {
		if key.Kind == kind {
			keys = append(keys, key.Digest)
			values = append(values, v)
		}
	}
	a.mu.Unlock()
	for i := range keys {
		if err := fn(keys[i], values[i]); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of stored mappings.
func (a *InmemoryAssoc) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.assocs)
}

// Calls returns the number of Get and Put calls made so far.
func (a *InmemoryAssoc) Calls() (gets, puts int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gets, a.puts
}
