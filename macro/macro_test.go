// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package macro_test

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/grailbio/cellgraph/assoc/memassoc"
	"github.com/grailbio/cellgraph/buffer/membuf"
	"github.com/grailbio/cellgraph/celltype"
	"github.com/grailbio/cellgraph/elision"
	"github.com/grailbio/cellgraph/errors"
	"github.com/grailbio/cellgraph/graph"
	"github.com/grailbio/cellgraph/kernel"
	"github.com/grailbio/cellgraph/macro"
	"github.com/grailbio/cellgraph/runner"
)

var intType = celltype.Must("int")

type testEnv struct {
	m     *graph.Manager
	env   *macro.Env
	store *membuf.Store
}

func newEnv(t *testing.T, elide bool) *testEnv {
	t.Helper()
	store, err := membuf.New(0)
	if err != nil {
		t.Fatal(err)
	}
	funcs := new(runner.Funcs)
	funcs.Register("square", func(ctx context.Context, ns *kernel.Namespace) (map[string]interface{}, error) {
		x := ns.Inputs["x"].(int)
		return map[string]interface{}{"y": x * x}, nil
	})
	funcs.Register("sum", func(ctx context.Context, ns *kernel.Namespace) (map[string]interface{}, error) {
		var sum int
		for _, v := range ns.Inputs {
			sum += v.(int)
		}
		return map[string]interface{}{"result": sum}, nil
	})
	m := graph.New(graph.Options{Store: store, Runner: funcs})
	t.Cleanup(func() {
		if err := m.Close(); err != nil {
			t.Error(err)
		}
	})
	env := &macro.Env{Registry: new(macro.Registry)}
	if elide {
		a, err := memassoc.New(0)
		if err != nil {
			t.Fatal(err)
		}
		env.Elision = &elision.Cache{Buffers: store, Assoc: a}
	}
	return &testEnv{m, env, store}
}

func (e *testEnv) equilibrate(t *testing.T) {
	t.Helper()
	if err := e.m.Equilibrate(context.Background(), 10*time.Second); err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) set(t *testing.T, c *graph.Cell, v interface{}) {
	t.Helper()
	if err := e.m.Set(c, v); err != nil {
		t.Fatal(err)
	}
	e.equilibrate(t)
}

func (e *testEnv) cell(t *testing.T, path string) *graph.Cell {
	t.Helper()
	n, _, err := e.m.Resolve(path)
	if err != nil {
		t.Fatal(err)
	}
	c, ok := n.(*graph.Cell)
	if !ok {
		t.Fatalf("%s: not a cell", path)
	}
	return c
}

func (e *testEnv) value(t *testing.T, path string) interface{} {
	t.Helper()
	v, err := e.cell(t, path).Value(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func (e *testEnv) worker(t *testing.T, path string) *graph.Worker {
	t.Helper()
	n, _, err := e.m.Resolve(path)
	if err != nil {
		t.Fatal(err)
	}
	w, ok := n.(*graph.Worker)
	if !ok {
		t.Fatalf("%s: not a worker", path)
	}
	return w
}

// squares returns a macro that builds n squaring transformers, for
// the values 1 through n, and sums their results. With bias, the sum
// worker takes an additional input pin, bias, to be connected from
// outside the subgraph.
func squares(bias bool) *macro.Macro {
	return &macro.Macro{
		Name:    "squares",
		Args:    []macro.Arg{{Name: "n", Dtype: intType}},
		Outputs: []string{"result"},
		Func: func(b *macro.Builder, args map[string]interface{}) error {
			n := args["n"].(int)
			if n < 0 {
				return errors.Errorf("negative n %d", n)
			}
			var inputs []graph.Param
			for i := 0; i < n; i++ {
				v, t, sq := fmt.Sprint("v", i), fmt.Sprint("t", i), fmt.Sprint("sq", i)
				if _, err := b.Cell(v, "int", i+1); err != nil {
					return err
				}
				if _, err := b.Transformer(t, "square", graph.Param{Name: "y", Dtype: intType}, graph.Param{Name: "x", Dtype: intType}); err != nil {
					return err
				}
				if _, err := b.Cell(sq, "int", nil); err != nil {
					return err
				}
				if err := b.Connect(v, t+".x"); err != nil {
					return err
				}
				if err := b.Connect(t+".y", sq); err != nil {
					return err
				}
				inputs = append(inputs, graph.Param{Name: fmt.Sprint("in", i), Dtype: intType})
			}
			if bias {
				inputs = append(inputs, graph.Param{Name: "bias", Dtype: intType})
			}
			if _, err := b.Transformer("sum", "sum", graph.Param{Name: "result", Dtype: intType}, inputs...); err != nil {
				return err
			}
			if _, err := b.Cell("result", "int", nil); err != nil {
				return err
			}
			for i := 0; i < n; i++ {
				if err := b.Connect(fmt.Sprint("sq", i), fmt.Sprint("sum.in", i)); err != nil {
					return err
				}
			}
			return b.Connect("sum.result", "result")
		},
	}
}

func (e *testEnv) newObject(t *testing.T, mac *macro.Macro) (*macro.Object, *graph.Cell) {
	t.Helper()
	n, err := e.m.NewCell(e.m.Root(), "n", intType)
	if err != nil {
		t.Fatal(err)
	}
	obj, err := macro.New(e.m, e.env, e.m.Root(), "sq", mac, map[string]*graph.Cell{"n": n}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return obj, n
}

func TestEvaluate(t *testing.T) {
	e := newEnv(t, false)
	obj, n := e.newObject(t, squares(false))
	if got, want := obj.State(), macro.Unevaluated; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if obj.Context() != nil {
		t.Error("unevaluated object has a context")
	}
	e.set(t, n, 2)
	if got, want := obj.State(), macro.Evaluated; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := e.value(t, "sq.result"), 5; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := obj.Passes(), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := e.env.Registry.Objects(), []*macro.Object{obj}; len(got) != 1 || got[0] != want[0] {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestIdempotent(t *testing.T) {
	e := newEnv(t, false)
	obj, n := e.newObject(t, squares(false))
	e.set(t, n, 2)
	ctx := obj.Context()
	e.set(t, n, 2)
	err := e.m.Do(func() error {
		obj.ArgChanged("n", n)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := obj.Passes(), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := obj.Context().Handle(), ctx.Handle(); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	obj.Reevaluate()
	e.equilibrate(t)
	if got, want := obj.Passes(), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestTransplant(t *testing.T) {
	e := newEnv(t, false)
	obj, n := e.newObject(t, squares(false))
	e.set(t, n, 2)
	t0, t1 := e.worker(t, "sq.t0"), e.worker(t, "sq.t1")
	sum := e.worker(t, "sq.sum")
	gid := t0.Kernel().GoroutineID()

	e.set(t, n, 3)
	if got, want := e.value(t, "sq.result"), 14; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := e.worker(t, "sq.t0"), t0; got != want {
		t.Errorf("t0 was rebuilt")
	}
	if got, want := e.worker(t, "sq.t1"), t1; got != want {
		t.Errorf("t1 was rebuilt")
	}
	if got, want := t0.Kernel().GoroutineID(), gid; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if e.worker(t, "sq.sum") == sum {
		t.Error("sum was transplanted")
	}
	transplanted := make(map[string]bool)
	for _, name := range obj.Transplanted() {
		transplanted[name] = true
	}
	for _, name := range []string{"v0", "v1", "t0", "t1", "sq0", "sq1"} {
		if !transplanted[name] {
			t.Errorf("%s was not transplanted", name)
		}
	}
	for _, name := range []string{"v2", "t2", "sq2", "sum"} {
		if transplanted[name] {
			t.Errorf("%s was transplanted", name)
		}
	}
	select {
	case <-sum.Kernel().Finished():
	default:
		t.Error("kernel of replaced worker is still running")
	}
	if got, want := e.value(t, "sq.sq2"), 9; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestReattach(t *testing.T) {
	e := newEnv(t, false)
	_, n := e.newObject(t, squares(true))
	e.set(t, n, 2)
	bias, err := e.m.NewCell(e.m.Root(), "bias", intType)
	if err != nil {
		t.Fatal(err)
	}
	pin, ok := e.worker(t, "sq.sum").Pin("bias")
	if !ok {
		t.Fatal("no bias pin")
	}
	id, err := e.m.Connect(bias, pin)
	if err != nil {
		t.Fatal(err)
	}
	e.set(t, bias, 10)
	if got, want := e.value(t, "sq.result"), 15; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	e.set(t, n, 3)
	if got, want := e.value(t, "sq.result"), 24; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	conn, ok := e.m.Connection(id)
	if !ok {
		t.Fatal("connection was not reattached")
	}
	if got, want := conn.Target.Pin.Worker, e.worker(t, "sq.sum").Handle(); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDangling(t *testing.T) {
	e := newEnv(t, false)
	obj, n := e.newObject(t, squares(false))
	e.set(t, n, 3)
	probe, err := e.m.NewCell(e.m.Root(), "probe", intType)
	if err != nil {
		t.Fatal(err)
	}
	id, err := e.m.Connect(e.cell(t, "sq.sq2"), probe)
	if err != nil {
		t.Fatal(err)
	}
	e.equilibrate(t)
	if got, want := e.value(t, "probe"), 9; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	e.set(t, n, 2)
	if _, ok := e.m.Connection(id); ok {
		t.Error("dangling connection was reattached")
	}
	dangling := obj.Dangling()
	if got, want := len(dangling), 1; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	d := dangling[0]
	if got, want := d.ID, id; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := d.Inner, "sq2"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := d.Outer, "probe"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := d.Kind, "rev_alias"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !errors.Is(errors.NotExist, d.Err) {
		t.Errorf("unexpected error %v", d.Err)
	}
}

func TestFailed(t *testing.T) {
	e := newEnv(t, false)
	obj, n := e.newObject(t, squares(false))
	e.set(t, n, 2)
	ctx := obj.Context()
	e.set(t, n, -1)
	if got, want := obj.State(), macro.Failed; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if obj.Exception() == nil {
		t.Error("expected exception")
	}
	if got, want := obj.Context().Handle(), ctx.Handle(); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := e.value(t, "sq.result"), 5; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	e.set(t, n, 1)
	if got, want := obj.State(), macro.Evaluated; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := e.value(t, "sq.result"), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestElision(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, true)
	obj, n := e.newObject(t, squares(false))
	for _, v := range []int{2, 3} {
		e.set(t, n, v)
		if obj.Elided() {
			t.Errorf("n=%d: unexpected elision", v)
		}
		if err := obj.Flush(ctx); err != nil {
			t.Fatal(err)
		}
	}
	e.set(t, n, 2)
	if !obj.Elided() {
		t.Fatal("expected elision")
	}
	if got, want := e.value(t, "sq.result"), 5; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	var names []string
	for _, child := range obj.Context().Children() {
		names = append(names, child.Name())
	}
	sort.Strings(names)
	if got, want := fmt.Sprint(names), "[result]"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	live, err := e.env.Elision.Live(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// Two results, with one output each.
	if got, want := len(live), 4; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// chain returns a macro that builds src -> a -> mid, where a squares
// src except when n is 4, when its code is not a registered function.
func chain() *macro.Macro {
	return &macro.Macro{
		Name:    "chain",
		Args:    []macro.Arg{{Name: "n", Dtype: intType}},
		Outputs: []string{"mid"},
		Func: func(b *macro.Builder, args map[string]interface{}) error {
			n := args["n"].(int)
			code := "square"
			if n == 4 {
				code = "boom"
			}
			if _, err := b.Cell("src", "int", n); err != nil {
				return err
			}
			if _, err := b.Transformer("a", code, graph.Param{Name: "y", Dtype: intType}, graph.Param{Name: "x", Dtype: intType}); err != nil {
				return err
			}
			if _, err := b.Cell("mid", "int", nil); err != nil {
				return err
			}
			if err := b.Connect("src", "a.x"); err != nil {
				return err
			}
			return b.Connect("a.y", "mid")
		},
	}
}

func TestTransplantWriterChanged(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, true)
	obj, n := e.newObject(t, chain())
	e.set(t, n, 3)
	if got, want := e.value(t, "sq.mid"), 9; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := obj.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	e.set(t, n, 4)
	for _, name := range obj.Transplanted() {
		if name == "mid" {
			t.Errorf("mid transplanted although its writer changed")
		}
	}
	if got := e.cell(t, "sq.mid").State(); got == graph.OK {
		v, _ := e.cell(t, "sq.mid").Value(ctx)
		t.Errorf("mid is %v with value %v, want no value", got, v)
	}
	if err := obj.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	live, err := e.env.Elision.Live(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// Only the n=3 result and its output.
	if got, want := len(live), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	e.set(t, n, 3)
	if !obj.Elided() {
		t.Error("expected elision")
	}
	if got, want := e.value(t, "sq.mid"), 9; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestElisionPrelim(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, true)
	obj, n := e.newObject(t, squares(false))
	e.set(t, n, 2)
	if err := obj.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if err := e.m.SetPrelim(n, 3); err != nil {
		t.Fatal(err)
	}
	e.equilibrate(t)
	if got, want := e.value(t, "sq.result"), 14; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := obj.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	live, err := e.env.Elision.Live(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// Nothing is stored for the preliminary n=3.
	if got, want := len(live), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := e.m.SetPrelim(n, 2); err != nil {
		t.Fatal(err)
	}
	e.equilibrate(t)
	if obj.Elided() {
		t.Error("preliminary argument was elided")
	}
	if got, want := e.value(t, "sq.result"), 5; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	e.set(t, n, 3)
	if obj.Elided() {
		t.Error("unexpected elision")
	}
	e.set(t, n, 2)
	if !obj.Elided() {
		t.Error("expected elision")
	}
}

func TestNested(t *testing.T) {
	e := newEnv(t, false)
	inner := squares(false)
	outer := &macro.Macro{
		Name: "outer",
		Args: []macro.Arg{{Name: "n", Dtype: intType}},
		Func: func(b *macro.Builder, args map[string]interface{}) error {
			if _, err := b.Cell("k", "int", args["n"].(int)+1); err != nil {
				return err
			}
			_, err := b.Macro("inner", inner, map[string]string{"n": "k"}, nil)
			return err
		},
	}
	obj, n := e.newObject(t, outer)
	e.set(t, n, 1)
	if got, want := e.value(t, "sq.inner.result"), 5; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(e.env.Registry.Objects()), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	e.set(t, n, 2)
	if got, want := e.value(t, "sq.inner.result"), 14; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	objs := e.env.Registry.Objects()
	if got, want := len(objs), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := objs[0], obj; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := objs[1].Path(), "sq.inner"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
