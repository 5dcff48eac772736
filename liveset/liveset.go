// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package liveset defines the liveness judgements used to collect
// buffer stores.
package liveset

import (
	"github.com/grailbio/base/digest"
)

// A Liveset contains a possibly approximate judgement about live
// objects.
type Liveset interface {
	// Contains returns true if the given object definitely is in the
	// set; it may rarely return true when the object does not.
	Contains(digest.Digest) bool
}

// Set is an exact Liveset backed by a map.
type Set map[digest.Digest]bool

// Contains tells whether d is in the set.
func (s Set) Contains(d digest.Digest) bool {
	return s[d]
}
