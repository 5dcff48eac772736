// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package graphjson

import (
	"bytes"
	"encoding/json"

	"github.com/grailbio/cellgraph/celltype"
	"github.com/grailbio/cellgraph/errors"
	"github.com/grailbio/cellgraph/graph"
)

// Param is a worker pin declaration.
type Param struct {
	Name  string        `json:"-"`
	Pin   string        `json:"pin"`
	Dtype celltype.Type `json:"dtype"`
}

// Params is an ordered list of pin declarations. It is encoded as a
// JSON object whose members appear in pin order.
type Params []Param

// MarshalJSON implements json.Marshaler.
func (p Params) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, param := range p {
		if i > 0 {
			b.WriteByte(',')
		}
		name, err := json.Marshal(param.Name)
		if err != nil {
			return nil, err
		}
		b.Write(name)
		b.WriteByte(':')
		decl, err := json.Marshal(param)
		if err != nil {
			return nil, err
		}
		b.Write(decl)
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Params) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok != json.Delim('{') {
		return errors.E("params", errors.Parse, errors.Errorf("expected object, got %v", tok))
	}
	*p = nil
	seen := make(map[string]bool)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return errors.E("params", errors.Parse, errors.Errorf("unexpected token %v", tok))
		}
		if seen[name] {
			return errors.E("params", name, errors.Parse, errors.New("duplicate pin"))
		}
		seen[name] = true
		param := Param{Name: name}
		if err := dec.Decode(&param); err != nil {
			return errors.E("params", name, errors.Parse, err)
		}
		*p = append(*p, param)
	}
	_, err = dec.Token()
	return err
}

func paramsOf(params []graph.Param) Params {
	p := make(Params, len(params))
	for i, param := range params {
		p[i] = Param{Name: param.Name, Pin: param.Kind.String(), Dtype: param.Dtype}
	}
	return p
}

func (p Params) graph() ([]graph.Param, error) {
	params := make([]graph.Param, len(p))
	for i, param := range p {
		kind, ok := graph.ParsePinKind(param.Pin)
		if !ok {
			return nil, errors.E("params", param.Name, errors.Parse, errors.Errorf("unknown pin kind %q", param.Pin))
		}
		params[i] = graph.Param{Name: param.Name, Kind: kind, Dtype: param.Dtype}
	}
	return params, nil
}
