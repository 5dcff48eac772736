// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cellgraph

import (
	"crypto"
	_ "crypto/sha256"

	"github.com/grailbio/base/digest"
)

// Digester computes checksums of canonical cell buffers. It is also
// used to derive elision keys.
var Digester = digest.Digester(crypto.SHA256)

// A Checksum is the content address of a canonical serialized buffer.
// Byte-equal buffers always have equal checksums.
type Checksum = digest.Digest

// ChecksumOf returns the checksum of buffer b.
func ChecksumOf(b []byte) Checksum {
	return Digester.FromBytes(b)
}
