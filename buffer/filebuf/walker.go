// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package filebuf

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/grailbio/base/digest"
	"github.com/grailbio/cellgraph"
)

// walker scans the buffers of a store, exposing a scanner-like
// interface. Temporary files and malformed names are skipped.
type walker struct {
	err  error
	path string
	info os.FileInfo
	dgst digest.Digest
	todo []string
}

func (w *walker) Init(root string) {
	w.todo = append(w.todo, root)
}

func (w *walker) Scan() bool {
	for len(w.todo) > 0 && w.err == nil {
		w.path, w.todo = w.todo[0], w.todo[1:]
		w.info, w.err = os.Stat(w.path)
		if os.IsNotExist(w.err) {
			w.err = nil
			continue
		} else if w.err != nil {
			return false
		}
		if w.info.IsDir() {
			var paths []string
			if paths, w.err = readDirNames(w.path); w.err != nil {
				return false
			}
			for i := range paths {
				paths[i] = filepath.Join(w.path, paths[i])
			}
			w.todo = append(paths, w.todo...)
			continue
		}
		first, last := filepath.Base(filepath.Dir(w.path)), filepath.Base(w.path)
		if first == "tmp" {
			continue
		}
		d, err := cellgraph.Digester.Parse(first + last)
		if err != nil {
			continue
		}
		w.dgst = d
		return true
	}
	return false
}

func (w *walker) Digest() digest.Digest { return w.dgst }
func (w *walker) Path() string          { return w.path }
func (w *walker) Info() os.FileInfo     { return w.info }
func (w *walker) Err() error            { return w.err }

func readDirNames(dirname string) ([]string, error) {
	f, err := os.Open(dirname)
	if err != nil {
		return nil, err
	}
	names, err := f.Readdirnames(-1)
	f.Close()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}
