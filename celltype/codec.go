// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package celltype

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/grailbio/cellgraph/errors"
	yaml "gopkg.in/yaml.v2"
)

// Parse interprets canonical (or canonicalizable) buffer b as a value
// of the dtype. Values are represented as follows: int as int, float
// as float64, bool as bool; str, text, and code as string; json,
// plain, and yaml as the generic values produced by encoding/json
// (maps are always map[string]interface{}); bytes as []byte.
// Parse returns an error of kind errors.Parse on failure.
func (t Type) Parse(b []byte) (interface{}, error) {
	v, err := t.parse(b)
	if err != nil {
		return nil, errors.E("parse", t.String(), errors.Parse, err)
	}
	return v, nil
}

func (t Type) parse(b []byte) (interface{}, error) {
	switch t.Celltype {
	case Int:
		n, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
		if err != nil {
			return nil, err
		}
		return int(n), nil
	case Float:
		return strconv.ParseFloat(strings.TrimSpace(string(b)), 64)
	case Bool:
		return strconv.ParseBool(strings.TrimSpace(string(b)))
	case Str:
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil, err
		}
		return s, nil
	case Text, Code:
		if !utf8.Valid(b) {
			return nil, errors.New("invalid utf-8")
		}
		return string(b), nil
	case JSON, Plain:
		var v interface{}
		if err := json.Unmarshal(b, &v); err != nil {
			return nil, err
		}
		return v, nil
	case YAML:
		var v interface{}
		if err := yaml.Unmarshal(b, &v); err != nil {
			return nil, err
		}
		return normalize(v)
	case Bytes:
		return append([]byte(nil), b...), nil
	default:
		return nil, fmt.Errorf("unknown celltype %q", t.Celltype)
	}
}

// Serialize returns the canonical buffer of value v in the dtype. It
// returns an error of kind errors.Construction if v cannot be
// represented.
func (t Type) Serialize(v interface{}) ([]byte, error) {
	b, err := t.serialize(v)
	if err != nil {
		return nil, errors.E("serialize", t.String(), errors.Construction, err)
	}
	return b, nil
}

func (t Type) serialize(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, errors.New("nil value")
	}
	switch t.Celltype {
	case Int:
		n, err := toInt(v)
		if err != nil {
			return nil, err
		}
		return []byte(strconv.FormatInt(n, 10)), nil
	case Float:
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		return []byte(strconv.FormatFloat(f, 'g', -1, 64)), nil
	case Bool:
		switch v := v.(type) {
		case bool:
			return []byte(strconv.FormatBool(v)), nil
		case string:
			p, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, err
			}
			return []byte(strconv.FormatBool(p)), nil
		}
		return nil, fmt.Errorf("cannot represent %T as bool", v)
	case Str:
		s, err := toString(v)
		if err != nil {
			return nil, err
		}
		return json.Marshal(s)
	case Text, Code:
		s, err := toString(v)
		if err != nil {
			return nil, err
		}
		if !utf8.ValidString(s) {
			return nil, errors.New("invalid utf-8")
		}
		return []byte(s), nil
	case JSON, Plain:
		n, err := normalize(v)
		if err != nil {
			return nil, err
		}
		return canonicalJSON(n)
	case YAML:
		n, err := normalize(v)
		if err != nil {
			return nil, err
		}
		return yaml.Marshal(n)
	case Bytes:
		switch v := v.(type) {
		case []byte:
			return append([]byte(nil), v...), nil
		case string:
			return []byte(v), nil
		}
		return nil, fmt.Errorf("cannot represent %T as bytes", v)
	default:
		return nil, fmt.Errorf("unknown celltype %q", t.Celltype)
	}
}

// Canonicalize parses and re-serializes buffer b, returning its
// canonical form.
func (t Type) Canonicalize(b []byte) ([]byte, interface{}, error) {
	v, err := t.Parse(b)
	if err != nil {
		return nil, nil, err
	}
	c, err := t.Serialize(v)
	if err != nil {
		return nil, nil, err
	}
	return c, v, nil
}

func canonicalJSON(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func toInt(v interface{}) (int64, error) {
	switch v := v.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return int64(v), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return 0, fmt.Errorf("integer %d overflows", v)
		}
		return int64(v), nil
	case float32:
		return toInt(float64(v))
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) || math.IsNaN(v) {
			return 0, fmt.Errorf("%v is not an integer", v)
		}
		return int64(v), nil
	case json.Number:
		return v.Int64()
	case string:
		return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	}
	return 0, fmt.Errorf("cannot represent %T as int", v)
}

func toFloat(v interface{}) (float64, error) {
	switch v := v.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	}
	n, err := toInt(v)
	if err != nil {
		return 0, fmt.Errorf("cannot represent %T as float", v)
	}
	return float64(n), nil
}

func toString(v interface{}) (string, error) {
	switch v := v.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case fmt.Stringer:
		return v.String(), nil
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(v), nil
	case float32, float64:
		f, _ := toFloat(v)
		return strconv.FormatFloat(f, 'g', -1, 64), nil
	}
	return "", fmt.Errorf("cannot represent %T as a string", v)
}

// normalize converts the generic values produced by YAML decoding
// (map[interface{}]interface{}) into JSON-compatible ones.
func normalize(v interface{}) (interface{}, error) {
	switch v := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(v))
		for k, e := range v {
			ks, err := toString(k)
			if err != nil {
				return nil, err
			}
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			m[ks] = n
		}
		return m, nil
	case map[string]interface{}:
		m := make(map[string]interface{}, len(v))
		for k, e := range v {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			m[k] = n
		}
		return m, nil
	case []interface{}:
		l := make([]interface{}, len(v))
		for i, e := range v {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			l[i] = n
		}
		return l, nil
	}
	return v, nil
}
