// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package buffer provides buffer store combinators. Concrete stores
// are implemented in the subpackages membuf, filebuf, and s3buf.
package buffer

import (
	"context"

	"github.com/grailbio/base/digest"
	"github.com/grailbio/cellgraph"
	"github.com/grailbio/cellgraph/errors"
	"github.com/grailbio/cellgraph/liveset"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Tiered is a read-through buffer store: buffers are read from Near
// when present there, and otherwise fetched from Far and installed
// into Near. Writes go to both tiers.
type Tiered struct {
	Near, Far cellgraph.BufferStore

	fetch singleflight.Group
}

// GetBuffer implements cellgraph.BufferStore.
func (t *Tiered) GetBuffer(ctx context.Context, id digest.Digest) ([]byte, error) {
	b, err := t.Near.GetBuffer(ctx, id)
	if err == nil || !errors.Is(errors.CacheMiss, err) {
		return b, err
	}
	v, err, _ := t.fetch.Do(id.String(), func() (interface{}, error) {
		b, err := t.Far.GetBuffer(ctx, id)
		if err != nil {
			return nil, err
		}
		if _, err := t.Near.PutBuffer(ctx, b); err != nil {
			return nil, err
		}
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// PutBuffer implements cellgraph.BufferStore.
func (t *Tiered) PutBuffer(ctx context.Context, b []byte) (digest.Digest, error) {
	var (
		g         errgroup.Group
		near, far digest.Digest
	)
	g.Go(func() (err error) {
		near, err = t.Near.PutBuffer(ctx, b)
		return
	})
	g.Go(func() (err error) {
		far, err = t.Far.PutBuffer(ctx, b)
		return
	})
	if err := g.Wait(); err != nil {
		return digest.Digest{}, err
	}
	if near != far {
		return digest.Digest{}, errors.E("putbuffer", errors.Integrity, errors.Errorf("%v != %v", near, far))
	}
	return near, nil
}

// Collect collects the far tier, then the near one. Livesets need not
// be safe for concurrent use, so the tiers are collected in turn.
func (t *Tiered) Collect(ctx context.Context, live liveset.Liveset) error {
	if err := t.Far.Collect(ctx, live); err != nil {
		return err
	}
	return t.Near.Collect(ctx, live)
}
