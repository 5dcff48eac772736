// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kernel

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/cellgraph/errors"
	"github.com/grailbio/cellgraph/wg"
)

type call struct {
	source  string
	inputs  map[string]interface{}
	changed []string
}

// testRunner runs Go functions named by their source.
type testRunner struct {
	mu    sync.Mutex
	funcs map[string]func(ns *Namespace) (map[string]interface{}, error)
	calls []call
}

func (r *testRunner) Compile(lang, source string) (Unit, error) {
	if _, ok := r.funcs[source]; !ok {
		return nil, errors.E(errors.NotExist, errors.New(source))
	}
	return source, nil
}

func (r *testRunner) Invoke(ctx context.Context, unit Unit, ns *Namespace) (map[string]interface{}, error) {
	source := unit.(string)
	inputs := make(map[string]interface{})
	for k, v := range ns.Inputs {
		inputs[k] = v
	}
	r.mu.Lock()
	r.calls = append(r.calls, call{source, inputs, ns.Changed})
	r.mu.Unlock()
	return r.funcs[source](ns)
}

func (r *testRunner) Calls() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

type outputs struct {
	mu  sync.Mutex
	out []Output
}

func (o *outputs) Deliver(out Output) {
	o.mu.Lock()
	o.out = append(o.out, out)
	o.mu.Unlock()
}

func (o *outputs) Outputs() []Output {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Output(nil), o.out...)
}

func wait(t *testing.T, w *wg.WaitGroup) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.Wait(ctx); err != nil {
		t.Fatal(err)
	}
}

func double(ns *Namespace) (map[string]interface{}, error) {
	return map[string]interface{}{"c": ns.Inputs["a"].(int) * 2}, nil
}

func TestCoalesce(t *testing.T) {
	var (
		w      wg.WaitGroup
		out    outputs
		runner = &testRunner{funcs: map[string]func(*Namespace) (map[string]interface{}, error){"double": double}}
	)
	k := New(Config{
		Name:      "t",
		Inputs:    []string{"a"},
		Outputs:   []string{"c"},
		Code:      map[string]string{CodePin: "double"},
		Runner:    runner,
		Deliver:   out.Deliver,
		WaitGroup: &w,
	})
	for i := 1; i <= 3; i++ {
		k.Enqueue(Item{Name: "a", Value: i})
	}
	k.Start(context.Background())
	wait(t, &w)
	k.Finish()
	calls := runner.Calls()
	if got, want := len(calls), 1; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := calls[0].inputs["a"], 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := calls[0].changed, []string{"a"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := out.Outputs(), []Output{{Pin: "c", Value: 6}}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if k.GoroutineID() == 0 {
		t.Error("expected goroutine id")
	}
	select {
	case <-k.Finished():
	default:
		t.Error("kernel not finished")
	}
}

func TestPending(t *testing.T) {
	var w wg.WaitGroup
	runner := &testRunner{funcs: map[string]func(*Namespace) (map[string]interface{}, error){
		"sum": func(ns *Namespace) (map[string]interface{}, error) {
			return map[string]interface{}{"c": ns.Inputs["a"].(int) + ns.Inputs["b"].(int)}, nil
		},
	}}
	var out outputs
	k := New(Config{
		Name:      "t",
		Inputs:    []string{"a", "b"},
		Outputs:   []string{"c"},
		Runner:    runner,
		Deliver:   out.Deliver,
		WaitGroup: &w,
	})
	k.Start(context.Background())
	defer k.Finish()
	k.Enqueue(Item{Name: "a", Value: 2})
	k.Enqueue(Item{Name: CodePin, Value: "sum"})
	wait(t, &w)
	if got, want := k.Status(), "pending: b"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(runner.Calls()), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	k.Enqueue(Item{Name: "b", Value: 3})
	wait(t, &w)
	if got, want := out.Outputs(), []Output{{Pin: "c", Value: 5}}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := k.Status(), "ok"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestException(t *testing.T) {
	var w wg.WaitGroup
	runner := &testRunner{funcs: map[string]func(*Namespace) (map[string]interface{}, error){
		"check": func(ns *Namespace) (map[string]interface{}, error) {
			if ns.Inputs["a"].(int) < 0 {
				return nil, errors.New("negative")
			}
			return map[string]interface{}{"c": ns.Inputs["a"]}, nil
		},
	}}
	k := New(Config{
		Name:      "t",
		Inputs:    []string{"a"},
		Outputs:   []string{"c"},
		Code:      map[string]string{CodePin: "check"},
		Runner:    runner,
		WaitGroup: &w,
	})
	k.Start(context.Background())
	defer k.Finish()
	k.Enqueue(Item{Name: "a", Value: -1})
	wait(t, &w)
	if err := k.Exception(); !errors.Is(errors.WorkerException, err) {
		t.Errorf("expected worker exception, got %v", err)
	}
	k.Enqueue(Item{Name: "a", Value: 1})
	wait(t, &w)
	if err := k.Exception(); err != nil {
		t.Errorf("unexpected exception %v", err)
	}
}

func TestReactor(t *testing.T) {
	var (
		w   wg.WaitGroup
		out outputs
		mu  sync.Mutex
		log []string
	)
	record := func(s string) {
		mu.Lock()
		log = append(log, s)
		mu.Unlock()
	}
	runner := &testRunner{funcs: map[string]func(*Namespace) (map[string]interface{}, error){
		"start": func(ns *Namespace) (map[string]interface{}, error) {
			record("start")
			ns.State["n"] = 0
			return nil, nil
		},
		"update": func(ns *Namespace) (map[string]interface{}, error) {
			record("update")
			n := ns.State["n"].(int) + 1
			ns.State["n"] = n
			if err := ns.Emit("count", n); err != nil {
				return nil, err
			}
			return nil, nil
		},
		"stop": func(ns *Namespace) (map[string]interface{}, error) {
			record("stop")
			return nil, nil
		},
	}}
	k := New(Config{
		Name:    "r",
		Kind:    Reactor,
		Inputs:  []string{"a", "b"},
		Outputs: []string{"count"},
		Code: map[string]string{
			CodeStartPin:  "start",
			CodeUpdatePin: "update",
			CodeStopPin:   "stop",
		},
		Runner:    runner,
		Deliver:   out.Deliver,
		WaitGroup: &w,
	})
	k.Enqueue(Item{Name: "a", Value: 1})
	k.Enqueue(Item{Name: "b", Value: 2})
	k.Start(context.Background())
	wait(t, &w)
	k.Enqueue(Item{Name: "a", Value: 3})
	wait(t, &w)
	k.Finish()
	mu.Lock()
	defer mu.Unlock()
	if got, want := log, []string{"start", "update", "update", "stop"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	calls := runner.Calls()
	if got, want := calls[1].changed, []string{"a", "b"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := out.Outputs(), []Output{{Pin: "count", Value: 1}, {Pin: "count", Value: 2}}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestBump(t *testing.T) {
	k := New(Config{BumpBudget: 1})
	for _, item := range []Item{{Name: "x"}, {Name: "y"}, {Name: Registrar, Key: "r1"}, {Name: Registrar, Key: "r2"}, {Name: "z"}} {
		k.queue = append(k.queue, item)
	}
	var got []string
	for len(k.queue) > 0 {
		item := k.pop()
		if item.Name == Registrar {
			got = append(got, item.Key)
		} else {
			got = append(got, item.Name)
		}
	}
	// The budget allows a single bump before an ordinary item is
	// processed.
	if want := []string{"r1", "x", "r2", "y", "z"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRegistrar(t *testing.T) {
	var (
		w          wg.WaitGroup
		mu         sync.Mutex
		registered = map[string]interface{}{}
		out        outputs
	)
	runner := &testRunner{funcs: map[string]func(*Namespace) (map[string]interface{}, error){
		"get": func(ns *Namespace) (map[string]interface{}, error) {
			return map[string]interface{}{"c": ns.Registered["schema"]}, nil
		},
	}}
	k := New(Config{
		Name:    "t",
		Inputs:  []string{"a"},
		Outputs: []string{"c"},
		Code:    map[string]string{CodePin: "get"},
		Runner:  runner,
		Deliver: out.Deliver,
		Lookup: func(registrar, key string) (interface{}, error) {
			mu.Lock()
			defer mu.Unlock()
			v, ok := registered[key]
			if !ok {
				return nil, errors.E(errors.NotExist, registrar, key)
			}
			return v, nil
		},
		WaitGroup: &w,
	})
	k.Start(context.Background())
	defer k.Finish()
	k.Enqueue(Item{Name: Registrar, Registrar: "types", Key: "schema"})
	k.Enqueue(Item{Name: "a", Value: 1})
	wait(t, &w)
	if got, want := len(runner.Calls()), 0; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	mu.Lock()
	registered["schema"] = "v1"
	mu.Unlock()
	k.Enqueue(Item{Name: Registrar, Registrar: "types", Key: "schema"})
	wait(t, &w)
	if got, want := out.Outputs(), []Output{{Pin: "c", Value: "v1"}}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFinishUnstarted(t *testing.T) {
	var w wg.WaitGroup
	k := New(Config{Inputs: []string{"a"}, WaitGroup: &w})
	k.Enqueue(Item{Name: "a", Value: 1})
	k.Finish()
	if got, want := w.N(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	k.Enqueue(Item{Name: "a", Value: 2})
	if got, want := k.Len(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
