// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package filebuf implements a filesystem-backed buffer store. It
// stores buffers in a directory on disk; each buffer is named by the
// hex representation of its checksum, split into a two-character
// directory and the remainder.
package filebuf

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/digest"
	"github.com/grailbio/cellgraph"
	"github.com/grailbio/cellgraph/errors"
	"github.com/grailbio/cellgraph/liveset"
	"github.com/grailbio/cellgraph/log"
	"golang.org/x/sync/singleflight"
)

// Store implements a filesystem-backed cellgraph.BufferStore.
type Store struct {
	// The root directory for this store. This directory contains
	// all buffers.
	Root string

	Log *log.Logger

	write singleflight.Group
}

// Path returns the filesystem directory and full path of the buffer
// with the given checksum.
func (s *Store) Path(id digest.Digest) (dir, path string) {
	dir = filepath.Join(s.Root, id.Hex()[:2])
	return dir, filepath.Join(dir, id.Hex()[2:])
}

// GetBuffer retrieves the buffer named by a checksum. Missing buffers
// are reported as errors.CacheMiss.
func (s *Store) GetBuffer(ctx context.Context, id digest.Digest) ([]byte, error) {
	_, path := s.Path(id)
	b, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errors.E("getbuffer", s.Root, id, errors.CacheMiss)
	} else if err != nil {
		return nil, errors.E("getbuffer", s.Root, id, err)
	}
	return b, nil
}

// Contains tells whether the store has a buffer with a checksum.
func (s *Store) Contains(id digest.Digest) (bool, error) {
	_, path := s.Path(id)
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

// PutBuffer installs a buffer into the store, returning its checksum.
// Buffers are written to a temporary file and then renamed into
// place, so that readers never observe partial buffers. Concurrent
// writes of the same buffer are coalesced.
func (s *Store) PutBuffer(ctx context.Context, b []byte) (digest.Digest, error) {
	id := cellgraph.ChecksumOf(b)
	_, err, _ := s.write.Do(id.String(), func() (interface{}, error) {
		if ok, _ := s.Contains(id); ok {
			return nil, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		temp, err := s.TempFile("create-")
		if err != nil {
			return nil, err
		}
		defer os.Remove(temp.Name())
		_, err = temp.Write(b)
		if cerr := temp.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, err
		}
		dir, path := s.Path(id)
		if err := os.MkdirAll(dir, 0777); err != nil {
			return nil, err
		}
		return nil, os.Rename(temp.Name(), path)
	})
	if err != nil {
		return digest.Digest{}, errors.E("putbuffer", s.Root, id, err)
	}
	return id, nil
}

// Collect removes any buffers in the store that are not also in
// the live set.
func (s *Store) Collect(ctx context.Context, live liveset.Liveset) error {
	var w walker
	w.Init(s.Root)
	var (
		n    int
		size int64
	)
	for w.Scan() {
		if live != nil && live.Contains(w.Digest()) {
			continue
		}
		size += w.Info().Size()
		if err := os.Remove(w.Path()); err != nil {
			s.Log.Errorf("remove %q: %v", w.Path(), err)
		}
		// Clean up buffer subdirectories. (Ignores failure when nonempty.)
		os.Remove(filepath.Dir(w.Path()))
		n++
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	s.Log.Printf("collected %v buffers (%s)", n, data.Size(size))
	return w.Err()
}

// TempFile creates and returns a new temporary file adjacent to the
// store. The caller is responsible for cleaning up temporary files.
func (s *Store) TempFile(prefix string) (*os.File, error) {
	dir := filepath.Join(s.Root, "tmp")
	os.MkdirAll(dir, 0777)
	return ioutil.TempFile(dir, prefix)
}
