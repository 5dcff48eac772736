// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package celltype implements the data types (dtypes) of cells and
// pins. A dtype is a pair (celltype, subtype), written "celltype" or
// "celltype/subtype", for example "int" or "code/go". Each celltype
// defines a canonical serialization: cell checksums are always taken
// over canonical buffers, so that equal values have equal checksums.
//
// When a connection joins endpoints of different dtypes, Negotiate
// determines whether buffers can be passed through unchanged
// (ModeBuffer) or must be re-serialized (ModeConvert).
package celltype

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/grailbio/cellgraph/errors"
)

// The supported celltypes.
const (
	Int   = "int"
	Float = "float"
	Bool  = "bool"
	Str   = "str"
	Text  = "text"
	Code  = "code"
	JSON  = "json"
	Plain = "plain"
	YAML  = "yaml"
	Bytes = "bytes"
)

var known = map[string]bool{
	Int: true, Float: true, Bool: true, Str: true, Text: true,
	Code: true, JSON: true, Plain: true, YAML: true, Bytes: true,
}

// Type is a dtype: a celltype with an optional subtype. The subtype
// of a code cell names its language.
type Type struct {
	Celltype string
	Subtype  string
}

// ParseType parses a dtype from its string representation.
func ParseType(s string) (Type, error) {
	s = strings.TrimSpace(s)
	var t Type
	if i := strings.IndexByte(s, '/'); i >= 0 {
		t.Celltype, t.Subtype = s[:i], s[i+1:]
	} else {
		t.Celltype = s
	}
	if !known[t.Celltype] {
		return Type{}, errors.E("parsetype", s, errors.Invalid, errors.New("unknown celltype"))
	}
	return t, nil
}

// Must is like ParseType, but panics on error. It is intended for
// dtypes known at compile time.
func Must(s string) Type {
	t, err := ParseType(s)
	if err != nil {
		panic(err)
	}
	return t
}

// String returns the string representation of the dtype.
func (t Type) String() string {
	if t.Subtype == "" {
		return t.Celltype
	}
	return t.Celltype + "/" + t.Subtype
}

// IsZero tells whether the dtype is unset.
func (t Type) IsZero() bool {
	return t.Celltype == ""
}

// IsCode tells whether the dtype holds source code.
func (t Type) IsCode() bool {
	return t.Celltype == Code
}

// MarshalJSON encodes the dtype as a JSON string.
func (t Type) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON decodes the dtype from a JSON string.
func (t *Type) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	u, err := ParseType(s)
	if err != nil {
		return err
	}
	*t = u
	return nil
}

// Mode is the transfer mode of a connection.
type Mode int

const (
	// ModeBuffer passes buffers (and checksums) through unchanged.
	ModeBuffer Mode = iota
	// ModeConvert parses the source buffer and re-serializes the
	// value in the target dtype.
	ModeConvert
)

// String returns the mode's name.
func (m Mode) String() string {
	switch m {
	case ModeBuffer:
		return "buffer"
	case ModeConvert:
		return "convert"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// family groups celltypes by canonical encoding: celltypes of the
// same family share their canonical buffers.
func family(celltype string) string {
	switch celltype {
	case Text, Code:
		return Text
	case JSON, Plain:
		return JSON
	default:
		return celltype
	}
}

var scalar = map[string]bool{
	Int: true, Float: true, Bool: true, Str: true,
	Text: true, JSON: true, Plain: true, YAML: true,
}

// Negotiate determines the transfer mode of a connection from src to
// dst. It returns an error of kind errors.TypeMismatch if values of
// dtype src can never be delivered to dtype dst. A ModeConvert
// connection may still fail at runtime for particular values, for
// example when a text cell that does not hold a number feeds an
// int pin.
func Negotiate(src, dst Type) (Mode, error) {
	if src.IsCode() && dst.IsCode() && src.Subtype != "" && dst.Subtype != "" && src.Subtype != dst.Subtype {
		return 0, errors.E("negotiate", src.String(), dst.String(), errors.TypeMismatch,
			errors.New("code languages differ"))
	}
	if family(src.Celltype) == family(dst.Celltype) {
		return ModeBuffer, nil
	}
	switch {
	case src.IsCode() || dst.IsCode():
		other := src.Celltype
		if src.IsCode() {
			other = dst.Celltype
		}
		if other == Str {
			return ModeConvert, nil
		}
	case scalar[src.Celltype] && scalar[dst.Celltype]:
		return ModeConvert, nil
	}
	return 0, errors.E("negotiate", src.String(), dst.String(), errors.TypeMismatch)
}

// Convert converts canonical buffer b of dtype src into a canonical
// buffer of dtype dst.
func Convert(src, dst Type, b []byte) ([]byte, error) {
	mode, err := Negotiate(src, dst)
	if err != nil {
		return nil, err
	}
	if mode == ModeBuffer {
		return b, nil
	}
	v, err := src.Parse(b)
	if err != nil {
		return nil, err
	}
	return dst.Serialize(v)
}
