// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package elision implements the elision cache, which memoizes macro
// expansions. An entry is keyed by the macro's path, the checksum of
// its parameters, and the checksums of its input cells; it records
// the dtype and checksum of each declared output cell. A macro whose
// key hits the cache skips expansion altogether, and its output cells
// are materialized directly from the recorded checksums.
//
// The cache is assembled from a buffer store, which holds the
// serialized results, and an assoc.Assoc, which maps keys to result
// checksums.
package elision

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/grailbio/base/digest"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/cellgraph"
	"github.com/grailbio/cellgraph/assoc"
	"github.com/grailbio/cellgraph/celltype"
	"github.com/grailbio/cellgraph/errors"
	"github.com/grailbio/cellgraph/log"
)

// Output is the recorded state of an output cell.
type Output struct {
	Dtype    celltype.Type
	Checksum digest.Digest
}

// Result maps output-cell paths, relative to the macro, to their
// recorded state.
type Result map[string]Output

// Checksums returns the checksums of all outputs in the result.
func (r Result) Checksums() []digest.Digest {
	var ds []digest.Digest
	for _, o := range r {
		ds = append(ds, o.Checksum)
	}
	return ds
}

type entry struct {
	Path     string `json:"path"`
	Dtype    string `json:"dtype"`
	Checksum string `json:"checksum"`
}

func (r Result) marshal() ([]byte, error) {
	entries := make([]entry, 0, len(r))
	for path, o := range r {
		entries = append(entries, entry{path, o.Dtype.String(), o.Checksum.String()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return json.Marshal(entries)
}

func unmarshalResult(b []byte) (Result, error) {
	var entries []entry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, err
	}
	r := make(Result, len(entries))
	for _, e := range entries {
		dtype, err := celltype.ParseType(e.Dtype)
		if err != nil {
			return nil, err
		}
		sum, err := cellgraph.Digester.Parse(e.Checksum)
		if err != nil {
			return nil, err
		}
		r[e.Path] = Output{dtype, sum}
	}
	return r, nil
}

// Key computes the elision key of a macro invocation. Key fails if
// any input checksum is unknown (zero): invocations with undefined
// inputs are never cached.
func Key(macroPath string, inputs map[string]digest.Digest, params digest.Digest) (digest.Digest, error) {
	names := make([]string, 0, len(inputs))
	for name, sum := range inputs {
		if sum.IsZero() {
			return digest.Digest{}, errors.E("key", macroPath, name, errors.Invalid, errors.New("unknown input checksum"))
		}
		names = append(names, name)
	}
	sort.Strings(names)
	w := cellgraph.Digester.NewWriter()
	enc := json.NewEncoder(w)
	if err := enc.Encode(macroPath); err != nil {
		return digest.Digest{}, err
	}
	if !params.IsZero() {
		if err := enc.Encode(params.String()); err != nil {
			return digest.Digest{}, err
		}
	}
	for _, name := range names {
		if err := enc.Encode([2]string{name, inputs[name].String()}); err != nil {
			return digest.Digest{}, err
		}
	}
	return w.Digest(), nil
}

// Cache is an elision cache. It applies concurrency limits to its
// underlying stores.
type Cache struct {
	// Buffers stores serialized results, and the buffers of the
	// recorded output cells.
	Buffers cellgraph.BufferStore

	// Assoc maintains the association between elision keys and
	// the checksums of their results as stored in Buffers.
	Assoc assoc.Assoc

	// LookupLim limits the number of concurrent lookups.
	// No lookup limits are applied when LookupLim is nil.
	LookupLim *limiter.Limiter

	// WriteLim limits the number of concurrent writes.
	// No write limits are applied when WriteLim is nil.
	WriteLim *limiter.Limiter

	Log *log.Logger
}

// Lookup returns the recorded result of the invocation of the macro
// at macroPath with the given inputs and parameters. Lookup reports a
// miss when no result was recorded; failures of the underlying stores
// are logged and also reported as misses.
func (c *Cache) Lookup(ctx context.Context, macroPath string, inputs map[string]digest.Digest, params digest.Digest) (Result, bool) {
	key, err := Key(macroPath, inputs, params)
	if err != nil {
		return nil, false
	}
	if c.LookupLim != nil {
		if err := c.LookupLim.Acquire(ctx, 1); err != nil {
			return nil, false
		}
		defer c.LookupLim.Release(1)
	}
	id, err := c.Assoc.Get(ctx, assoc.Elision, key)
	if err != nil {
		if !errors.Is(errors.NotExist, err) {
			c.Log.Errorf("elision lookup %s: %v", macroPath, err)
		}
		return nil, false
	}
	b, err := c.Buffers.GetBuffer(ctx, id)
	if err != nil {
		c.Log.Errorf("elision lookup %s: %v", macroPath, err)
		return nil, false
	}
	r, err := unmarshalResult(b)
	if err != nil {
		c.Log.Errorf("elision lookup %s: corrupt result %v: %v", macroPath, id, err)
		return nil, false
	}
	c.Log.Debugf("elision hit %s: %s", macroPath, key.Short())
	return r, true
}

// Store records result r for the invocation of the macro at macroPath
// with the given inputs and parameters. Buffers maps the checksums of
// the result's outputs to their buffers, which are written to the
// buffer store so that a later hit can materialize them.
func (c *Cache) Store(ctx context.Context, macroPath string, inputs map[string]digest.Digest, params digest.Digest, r Result, buffers map[digest.Digest][]byte) error {
	key, err := Key(macroPath, inputs, params)
	if err != nil {
		return err
	}
	for path, o := range r {
		if o.Checksum.IsZero() {
			return errors.E("store", macroPath, path, errors.Invalid, errors.New("unknown output checksum"))
		}
	}
	if c.WriteLim != nil {
		if err := c.WriteLim.Acquire(ctx, 1); err != nil {
			return err
		}
		defer c.WriteLim.Release(1)
	}
	for sum, b := range buffers {
		got, err := c.Buffers.PutBuffer(ctx, b)
		if err != nil {
			return errors.E("store", macroPath, err)
		}
		if got != sum {
			return errors.E("store", macroPath, errors.Integrity, errors.Errorf("buffer %v has checksum %v", sum, got))
		}
	}
	b, err := r.marshal()
	if err != nil {
		return err
	}
	id, err := c.Buffers.PutBuffer(ctx, b)
	if err != nil {
		return errors.E("store", macroPath, err)
	}
	if err := c.Assoc.Put(ctx, assoc.Elision, digest.Digest{}, key, id); err != nil {
		return errors.E("store", macroPath, err)
	}
	c.Log.Debugf("elision store %s: %s", macroPath, key.Short())
	return nil
}

// Delete removes the entry for the given invocation.
func (c *Cache) Delete(ctx context.Context, macroPath string, inputs map[string]digest.Digest, params digest.Digest) error {
	key, err := Key(macroPath, inputs, params)
	if err != nil {
		return err
	}
	return assoc.Delete(ctx, c.Assoc, assoc.Elision, key)
}

// Live returns the checksums of every buffer referenced by the cache:
// the serialized results and the output buffers they record.
func (c *Cache) Live(ctx context.Context) ([]digest.Digest, error) {
	var live []digest.Digest
	err := c.Assoc.Scan(ctx, assoc.Elision, func(k, v digest.Digest) error {
		live = append(live, v)
		b, err := c.Buffers.GetBuffer(ctx, v)
		if err != nil {
			if errors.Is(errors.CacheMiss, err) {
				return nil
			}
			return err
		}
		r, err := unmarshalResult(b)
		if err != nil {
			c.Log.Errorf("elision: corrupt result %v: %v", v, err)
			return nil
		}
		live = append(live, r.Checksums()...)
		return nil
	})
	return live, err
}
