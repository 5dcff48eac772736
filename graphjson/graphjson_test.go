// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package graphjson_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io/ioutil"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/grailbio/cellgraph/celltype"
	"github.com/grailbio/cellgraph/engine"
	"github.com/grailbio/cellgraph/errors"
	"github.com/grailbio/cellgraph/graph"
	"github.com/grailbio/cellgraph/graphjson"
	"github.com/grailbio/cellgraph/kernel"
	"github.com/grailbio/cellgraph/macro"
	"github.com/grailbio/cellgraph/registrar"
	"github.com/grailbio/testutil"
)

var (
	intType   = celltype.Must("int")
	textType  = celltype.Must("text")
	bytesType = celltype.Must("bytes")
	jsonType  = celltype.Must("json")
)

var double = &macro.Macro{
	Name:    "double",
	Args:    []macro.Arg{{Name: "n", Dtype: intType}},
	Outputs: []string{"out"},
	Func: func(b *macro.Builder, args map[string]interface{}) error {
		_, err := b.Cell("out", "int", 2*args["n"].(int))
		return err
	},
}

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	e, err := engine.NewEngine(engine.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := e.Close(); err != nil {
			t.Error(err)
		}
	})
	e.Funcs.Register("add", func(ctx context.Context, ns *kernel.Namespace) (map[string]interface{}, error) {
		return map[string]interface{}{"c": ns.Inputs["a"].(int) + ns.Inputs["b"].(int)}, nil
	})
	e.Funcs.Register("scale", func(ctx context.Context, ns *kernel.Namespace) (map[string]interface{}, error) {
		scale, ok := ns.Registered["scale"].(float64)
		if !ok {
			return nil, errors.New("no scale")
		}
		return map[string]interface{}{"y": ns.Inputs["x"].(int) * int(scale)}, nil
	})
	if err := e.RegisterMacro(double); err != nil {
		t.Fatal(err)
	}
	if _, err := e.AddRegistrar("params", registrar.Object{}); err != nil {
		t.Fatal(err)
	}
	return e
}

func equilibrate(t *testing.T, e *engine.Engine) {
	t.Helper()
	if err := e.Equilibrate(context.Background(), 10*time.Second); err != nil {
		t.Fatal(err)
	}
}

func newCell(t *testing.T, e *engine.Engine, parent *graph.Context, name string, typ celltype.Type, v interface{}) *graph.Cell {
	t.Helper()
	c, err := e.Manager.NewCell(parent, name, typ)
	if err != nil {
		t.Fatal(err)
	}
	if v != nil {
		if err := e.Manager.Set(c, v); err != nil {
			t.Fatal(err)
		}
	}
	return c
}

func connect(t *testing.T, e *engine.Engine, src, dst graph.Endpoint) {
	t.Helper()
	if _, err := e.Manager.Connect(src, dst); err != nil {
		t.Fatal(err)
	}
}

func pin(t *testing.T, w *graph.Worker, name string) *graph.Pin {
	t.Helper()
	p, ok := w.Pin(name)
	if !ok {
		t.Fatalf("no pin %s", name)
	}
	return p
}

func valueAt(t *testing.T, e *engine.Engine, path string) interface{} {
	t.Helper()
	n, _, err := e.Manager.Resolve(path)
	if err != nil {
		t.Fatal(err)
	}
	c, ok := n.(*graph.Cell)
	if !ok {
		t.Fatalf("%s is not a cell", path)
	}
	v, err := c.Value(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func encode(t *testing.T, e *engine.Engine) []byte {
	t.Helper()
	doc, err := graphjson.Export(context.Background(), e)
	if err != nil {
		t.Fatal(err)
	}
	var b bytes.Buffer
	if err := doc.Encode(&b); err != nil {
		t.Fatal(err)
	}
	return b.Bytes()
}

func load(t *testing.T, e *engine.Engine, b []byte) {
	t.Helper()
	doc, err := graphjson.Decode(bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	if err := graphjson.Load(context.Background(), e, doc); err != nil {
		t.Fatal(err)
	}
	equilibrate(t, e)
}

func TestRoundTrip(t *testing.T) {
	e := newEngine(t)
	root := e.Root()
	a := newCell(t, e, root, "a", intType, 2)
	b := newCell(t, e, root, "b", intType, 3)
	c := newCell(t, e, root, "c", intType, nil)
	newCell(t, e, root, "note", textType, "hello\nworld")
	newCell(t, e, root, "blob", bytesType, []byte{0, 1, 2})
	sub, err := e.Manager.NewContext(root, "sub")
	if err != nil {
		t.Fatal(err)
	}
	newCell(t, e, sub, "x", jsonType, map[string]interface{}{"k": []interface{}{1, 2}})
	w, err := e.Manager.NewWorker(root, "add", graph.WorkerConfig{
		Params: []graph.Param{
			{Name: "b", Kind: graph.Input, Dtype: intType},
			{Name: "a", Kind: graph.Input, Dtype: intType},
			{Name: "c", Kind: graph.Output, Dtype: intType},
		},
		Code: map[string]string{kernel.CodePin: "add"},
	})
	if err != nil {
		t.Fatal(err)
	}
	connect(t, e, a, pin(t, w, "a"))
	connect(t, e, b, pin(t, w, "b"))
	connect(t, e, pin(t, w, "c"), c)
	e.SetLib("adder", "add")
	equilibrate(t, e)
	doc := encode(t, e)

	e2 := newEngine(t)
	load(t, e2, doc)
	if got, want := valueAt(t, e2, "c"), 5; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := valueAt(t, e2, "note"), "hello\nworld"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := valueAt(t, e2, "blob"), []byte{0, 1, 2}; !bytes.Equal(got.([]byte), want) {
		t.Errorf("got %v, want %v", got, want)
	}
	want := map[string]interface{}{"k": []interface{}{1.0, 2.0}}
	if got := valueAt(t, e2, "sub.x"); !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := e2.LibNames(), []string{"adder"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	n, _, err := e2.Manager.Resolve("add")
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, p := range n.(*graph.Worker).Params() {
		names = append(names, p.Name)
	}
	if got, want := names, []string{"b", "a", "c", "code"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := string(encode(t, e2)), string(doc); got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestParamsOrder(t *testing.T) {
	const text = `{"z":{"pin":"input","dtype":"int"},"a":{"pin":"output","dtype":"code/sh"}}`
	var p graphjson.Params
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		t.Fatal(err)
	}
	want := graphjson.Params{
		{Name: "z", Pin: "input", Dtype: intType},
		{Name: "a", Pin: "output", Dtype: celltype.Must("code/sh")},
	}
	if !reflect.DeepEqual(p, want) {
		t.Errorf("got %v, want %v", p, want)
	}
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(b), text; got != want {
		t.Errorf("got %s, want %s", got, want)
	}
	if err := json.Unmarshal([]byte(`{"z":{"pin":"input","dtype":"int"},"z":{"pin":"input","dtype":"int"}}`), &p); err == nil {
		t.Error("expected error")
	}
}

func TestMacroObjects(t *testing.T) {
	e := newEngine(t)
	n := newCell(t, e, e.Root(), "n", intType, 1)
	probe := newCell(t, e, e.Root(), "probe", intType, nil)
	if _, err := e.Invoke(e.Root(), "gen", "double", map[string]*graph.Cell{"n": n}, nil); err != nil {
		t.Fatal(err)
	}
	out, _, err := e.Manager.Resolve("gen.out")
	if err != nil {
		t.Fatal(err)
	}
	connect(t, e, out.(*graph.Cell), probe)
	equilibrate(t, e)

	doc, err := graphjson.Export(context.Background(), e)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := doc.Main.Children["gen"]; ok {
		t.Error("generated context was exported")
	}
	if got, want := doc.MacroObjects, []graphjson.MacroObject{{Name: "gen", Macro: "double", Args: map[string]string{"n": "n"}}}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := doc.Connections, []graphjson.Connection{{Source: "gen.out", Target: "probe"}}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	e2 := newEngine(t)
	if err := graphjson.Load(context.Background(), e2, doc); err != nil {
		t.Fatal(err)
	}
	equilibrate(t, e2)
	if got, want := valueAt(t, e2, "probe"), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	n2, _, err := e2.Manager.Resolve("n")
	if err != nil {
		t.Fatal(err)
	}
	if err := e2.Manager.Set(n2.(*graph.Cell), 3); err != nil {
		t.Fatal(err)
	}
	equilibrate(t, e2)
	if got, want := valueAt(t, e2, "probe"), 6; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRegistrar(t *testing.T) {
	e := newEngine(t)
	reg, _ := e.Registrars.Get("params")
	cfg := newCell(t, e, e.Root(), "cfg", jsonType, map[string]interface{}{"scale": 2})
	if err := reg.Register(cfg); err != nil {
		t.Fatal(err)
	}
	x := newCell(t, e, e.Root(), "x", intType, 3)
	y := newCell(t, e, e.Root(), "y", intType, nil)
	w, err := e.Manager.NewWorker(e.Root(), "w", graph.WorkerConfig{
		Params: []graph.Param{
			{Name: "x", Kind: graph.Input, Dtype: intType},
			{Name: "y", Kind: graph.Output, Dtype: intType},
		},
		Code: map[string]string{kernel.CodePin: "scale"},
	})
	if err != nil {
		t.Fatal(err)
	}
	reg.Connect("scale", w.Handle())
	connect(t, e, x, pin(t, w, "x"))
	connect(t, e, pin(t, w, "y"), y)
	equilibrate(t, e)
	doc := encode(t, e)

	e2 := newEngine(t)
	load(t, e2, doc)
	if got, want := valueAt(t, e2, "y"), 6; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	reg2, _ := e2.Registrars.Get("params")
	if got, want := reg2.Keys(), []string{"scale"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := e2.Manager.RegistrarListeners()["params"]["scale"], []string{"w"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestResourceAndChecksum(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "graphjson")
	defer cleanup()
	if err := ioutil.WriteFile(filepath.Join(dir, "t.txt"), []byte("from a file"), 0644); err != nil {
		t.Fatal(err)
	}
	e := newEngine(t)
	sum, err := e.Buffers.PutBuffer(context.Background(), []byte("41"))
	if err != nil {
		t.Fatal(err)
	}
	doc := `{"main": {"type": "context", "children": {
		"t": {"type": "cell", "dtype": "text", "resource": "t.txt"},
		"n": {"type": "cell", "dtype": "int", "checksum": "` + sum.String() + `"}
	}}}`
	path := filepath.Join(dir, "doc.json")
	if err := ioutil.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}
	d, err := graphjson.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := graphjson.Load(context.Background(), e, d); err != nil {
		t.Fatal(err)
	}
	if got, want := valueAt(t, e, "t"), "from a file"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := valueAt(t, e, "n"), 41; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestLoadErrors(t *testing.T) {
	for _, c := range []struct {
		doc  string
		kind errors.Kind
	}{
		{`{"main": {"type": "context"}, "macro": {"triple": {"args": []}}}`, errors.NotExist},
		{`{"main": {"type": "context"}, "macro": {"double": {"args": [{"name": "m", "dtype": "int"}]}}}`, errors.Precondition},
		{`{"main": {"type": "context"}, "registrations": {"nope": ["x"]}}`, errors.NotExist},
		{`{"main": {"type": "context", "children": {"x": {"type": "widget"}}}}`, errors.Invalid},
		{`{"main": {"type": "context", "children": {"x": {"type": "cell", "dtype": "int"}}},
		  "connections": [{"source": "x", "target": "nowhere.y"}]}`, errors.DanglingReference},
	} {
		e := newEngine(t)
		doc, err := graphjson.Decode(bytes.NewReader([]byte(c.doc)))
		if err != nil {
			t.Fatal(err)
		}
		if err := graphjson.Load(context.Background(), e, doc); !errors.Is(c.kind, err) {
			t.Errorf("%s: got %v, want %v", c.doc, err, c.kind)
		}
	}
	if _, err := graphjson.Decode(bytes.NewReader([]byte(`{"main": {"type": "cell"}}`))); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected Invalid, got %v", err)
	}
}
