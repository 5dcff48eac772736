// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package registrar

import (
	"bufio"
	"strings"

	"github.com/grailbio/cellgraph/celltype"
	"github.com/grailbio/cellgraph/errors"
	"github.com/mattn/go-shellwords"
)

// Object registers the members of JSON (or YAML) objects: each member
// is an item.
type Object struct {
	// Type is the accepted dtype; it defaults to json.
	Type celltype.Type
}

// Dtype implements Strategy.
func (o Object) Dtype() celltype.Type {
	if o.Type.IsZero() {
		return celltype.Must(celltype.JSON)
	}
	return o.Type
}

// Items implements Strategy.
func (Object) Items(v interface{}) (map[string]interface{}, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, errors.E("items", errors.Invalid, errors.Errorf("expected an object, got %T", v))
	}
	items := make(map[string]interface{}, len(m))
	for k, v := range m {
		items[k] = v
	}
	return items, nil
}

// Env registers environment-style text: each non-empty line not
// starting with '#' is of the form KEY=VALUE, where VALUE is parsed
// as shell words. A single word is registered as a string; several
// as a list of strings.
type Env struct{}

// Dtype implements Strategy.
func (Env) Dtype() celltype.Type { return celltype.Must(celltype.Text) }

// Items implements Strategy.
func (Env) Items(v interface{}) (map[string]interface{}, error) {
	text, ok := v.(string)
	if !ok {
		return nil, errors.E("items", errors.Invalid, errors.Errorf("expected text, got %T", v))
	}
	items := make(map[string]interface{})
	scan := bufio.NewScanner(strings.NewReader(text))
	for lineno := 1; scan.Scan(); lineno++ {
		line := strings.TrimSpace(scan.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			return nil, errors.E("items", errors.Invalid, errors.Errorf("line %d: expected KEY=VALUE", lineno))
		}
		words, err := shellwords.Parse(line[i+1:])
		if err != nil {
			return nil, errors.E("items", errors.Invalid, errors.Errorf("line %d: %v", lineno, err))
		}
		key := strings.TrimSpace(line[:i])
		switch len(words) {
		case 0:
			items[key] = ""
		case 1:
			items[key] = words[0]
		default:
			list := make([]interface{}, len(words))
			for i, w := range words {
				list[i] = w
			}
			items[key] = list
		}
	}
	return items, scan.Err()
}
