// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package testutil

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/grailbio/cellgraph"
	"github.com/grailbio/cellgraph/errors"
	"github.com/grailbio/cellgraph/liveset"
)

// BufferCallKind indicates the type of buffer store call.
type BufferCallKind int

// The concrete types of buffer store calls.
const (
	BufferGet BufferCallKind = iota
	BufferPut
	BufferCollect
)

func (k BufferCallKind) String() string {
	switch k {
	case BufferGet:
		return "BufferGet"
	case BufferPut:
		return "BufferPut"
	case BufferCollect:
		return "BufferCollect"
	default:
		return fmt.Sprintf("BufferCallKind(%d)", int(k))
	}
}

// BufferCall describes a single call to a buffer store: its expected
// arguments, and a reply. Buffer calls are used with an
// ExpectBufferStore.
type BufferCall struct {
	Kind     BufferCallKind
	ArgSum   cellgraph.Checksum
	ArgBytes []byte

	ReplySum   cellgraph.Checksum
	ReplyBytes []byte
	ReplyErr   error
}

// ExpectBufferStore is a cellgraph.BufferStore used for testing; it
// takes a script of expected calls and replies. Violations are
// reported to the testing.T instance.
type ExpectBufferStore struct {
	*testing.T

	mu    sync.Mutex
	calls []BufferCall
}

// NewExpectBufferStore creates a new scripted buffer store.
func NewExpectBufferStore(t *testing.T) *ExpectBufferStore {
	return &ExpectBufferStore{T: t}
}

// Expect adds a call to the store's script.
func (s *ExpectBufferStore) Expect(call BufferCall) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
}

// Complete should be called when testing is finished; it verifies
// that the entire script has been exhausted.
func (s *ExpectBufferStore) Complete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.calls); n != 0 {
		return fmt.Errorf("finished with %d calls remaining", n)
	}
	return nil
}

func (s *ExpectBufferStore) call(c *BufferCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return fmt.Errorf("unexpected call %v", c.Kind)
	}
	expect := s.calls[0]
	s.calls = s.calls[1:]
	if got, want := c.Kind, expect.Kind; got != want {
		return fmt.Errorf("got %v, want %v", got, want)
	}
	if got, want := c.ArgSum, expect.ArgSum; got != want {
		return fmt.Errorf("got %v, want %v", got, want)
	}
	if got, want := c.ArgBytes, expect.ArgBytes; !bytes.Equal(got, want) {
		return fmt.Errorf("got %q, want %q", got, want)
	}
	*c = expect
	return nil
}

// GetBuffer implements cellgraph.BufferStore.
func (s *ExpectBufferStore) GetBuffer(_ context.Context, sum cellgraph.Checksum) ([]byte, error) {
	call := BufferCall{Kind: BufferGet, ArgSum: sum}
	if err := s.call(&call); err != nil {
		s.Error(err)
		return nil, errors.E("getbuffer", sum, errors.CacheMiss, err)
	}
	return call.ReplyBytes, call.ReplyErr
}

// PutBuffer implements cellgraph.BufferStore.
func (s *ExpectBufferStore) PutBuffer(_ context.Context, b []byte) (cellgraph.Checksum, error) {
	call := BufferCall{Kind: BufferPut, ArgBytes: b}
	if err := s.call(&call); err != nil {
		s.Error(err)
		return cellgraph.Checksum{}, err
	}
	return call.ReplySum, call.ReplyErr
}

// Collect implements cellgraph.BufferStore.
func (s *ExpectBufferStore) Collect(_ context.Context, live liveset.Liveset) error {
	call := BufferCall{Kind: BufferCollect}
	if err := s.call(&call); err != nil {
		s.Error(err)
		return err
	}
	return call.ReplyErr
}
