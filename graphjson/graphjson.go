// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package graphjson implements the JSON graph document: a complete
// description of an engine's graph by dotted paths, from which the
// graph can be rebuilt in another engine.
//
// A document has a code library (lib), the definitions of the macros
// it uses (macro), the node tree (main), and the connections, macro
// objects, registrar registrations, and registrar listeners among the
// nodes of the tree. Contexts generated by macros are not part of the
// tree: they are regenerated by their macro objects when the
// document is loaded.
package graphjson

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/grailbio/cellgraph/celltype"
	"github.com/grailbio/cellgraph/errors"
)

// Node types.
const (
	TypeCell        = "cell"
	TypeContext     = "context"
	TypeTransformer = "transformer"
	TypeReactor     = "reactor"
)

// Document is a graph document.
type Document struct {
	Lib                map[string]string              `json:"lib,omitempty"`
	Macro              map[string]MacroDef            `json:"macro,omitempty"`
	Main               *Node                          `json:"main"`
	Connections        []Connection                   `json:"connections,omitempty"`
	MacroObjects       []MacroObject                  `json:"macro_objects,omitempty"`
	Registrations      map[string][]string            `json:"registrations,omitempty"`
	RegistrarListeners map[string]map[string][]string `json:"registrar_listeners,omitempty"`

	// Dir is the directory against which the resource paths of cells
	// are resolved.
	Dir string `json:"-"`
}

// MacroDef describes a macro definition. Macro functions are Go code;
// a document names them, and records their signature so that the
// loading engine's definition can be checked against it.
type MacroDef struct {
	Source  string   `json:"source,omitempty"`
	Args    []Arg    `json:"args"`
	Outputs []string `json:"outputs,omitempty"`
}

// Arg is a macro argument declaration.
type Arg struct {
	Name  string        `json:"name"`
	Dtype celltype.Type `json:"dtype"`
}

// Node is a node of the graph tree. Its Type determines which of the
// remaining fields apply.
type Node struct {
	Type string `json:"type"`

	// Cells.
	Dtype *celltype.Type `json:"dtype,omitempty"`
	// Data is the cell's value. Buffers of celltypes with JSON
	// canonical forms are embedded as is; text, code, and yaml
	// buffers as JSON strings; and bytes in base64.
	Data json.RawMessage `json:"data,omitempty"`
	// Checksum is set instead of Data for cells whose buffers are
	// not available; the buffer must be present in the loading
	// engine's buffer store.
	Checksum string `json:"checksum,omitempty"`
	// Resource names a file, relative to the document's directory,
	// that holds the cell's buffer.
	Resource string `json:"resource,omitempty"`

	// Contexts.
	Children map[string]*Node `json:"children,omitempty"`

	// Workers.
	Params   Params            `json:"params,omitempty"`
	Language string            `json:"language,omitempty"`
	Code     map[string]string `json:"code,omitempty"`
}

// Connection is a connection between two endpoints, by path.
type Connection struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// MacroObject is an invocation of a macro.
type MacroObject struct {
	// Owner is the path of the owning context; it is empty for the
	// root.
	Owner  string                 `json:"owner,omitempty"`
	Name   string                 `json:"name"`
	Macro  string                 `json:"macro"`
	Args   map[string]string      `json:"args,omitempty"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Decode reads a document from r.
func Decode(r io.Reader) (*Document, error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, errors.E("decode", errors.Parse, err)
	}
	if doc.Main == nil {
		return nil, errors.E("decode", errors.Invalid, errors.New("document has no main"))
	}
	if doc.Main.Type != TypeContext {
		return nil, errors.E("decode", errors.Invalid, errors.Errorf("main is a %s, not a context", doc.Main.Type))
	}
	return &doc, nil
}

// ReadFile reads the document in the named file. Resources are
// resolved against the file's directory.
func ReadFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.E("readfile", path, err)
	}
	defer f.Close()
	doc, err := Decode(f)
	if err != nil {
		return nil, errors.E("readfile", path, err)
	}
	doc.Dir = filepath.Dir(path)
	return doc, nil
}

// Encode writes the document to w, indented.
func (d *Document) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(d)
}
