// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cellgraph

import (
	"context"

	"github.com/grailbio/cellgraph/liveset"
)

// BufferStore is a content-addressed store of cell buffers. Cells may
// be known by checksum only; their buffers are then retrieved from a
// BufferStore on demand.
type BufferStore interface {
	// GetBuffer returns the buffer with the given checksum. It returns
	// an error of kind errors.CacheMiss if the buffer is not present.
	GetBuffer(ctx context.Context, sum Checksum) ([]byte, error)

	// PutBuffer stores the buffer b and returns its checksum.
	PutBuffer(ctx context.Context, b []byte) (Checksum, error)

	// Collect removes from the store every buffer that is not
	// contained in the provided liveset.
	Collect(ctx context.Context, live liveset.Liveset) error
}
