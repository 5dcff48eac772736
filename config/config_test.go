// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package config

import (
	"context"
	"errors"
	"flag"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/grailbio/cellgraph"
	"github.com/grailbio/cellgraph/assoc"
	"github.com/grailbio/cellgraph/buffer/filebuf"
	"github.com/grailbio/cellgraph/kernel"
	"github.com/grailbio/cellgraph/metrics/prometrics"
	"github.com/grailbio/cellgraph/trace/localtrace"
	"github.com/grailbio/testutil"
)

type testAssoc struct {
	Config
	arg string
}

func (a *testAssoc) Assoc() (assoc.Assoc, error) {
	return nil, errors.New(a.arg)
}

func TestConfig(t *testing.T) {
	Register(Assoc, "test", "test", "", func(cfg Config, arg string) (Config, error) {
		return &testAssoc{cfg, arg}, nil
	})

	cfg, err := Parse([]byte(`
assoc: test,arg1
`))
	if err != nil {
		t.Fatal(err)
	}
	assoc, err := cfg.Assoc()
	if assoc != nil {
		t.Errorf("expected nil assoc, got %v", assoc)
	}
	if err == nil {
		t.Fatal("expected non-nil error")
	}
	if got, want := err.Error(), "arg1"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	b, err := Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	cfg1, err := Parse(b)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(cfg, cfg1) {
		t.Error("cfg, cfg1 not equal after marshal roundtrip")
	}
}

func TestPlainKeys(t *testing.T) {
	cfg, err := Parse([]byte(`
elision: true
bumpbudget: 5
equilibrate: 30s
`))
	if err != nil {
		t.Fatal(err)
	}
	elide, err := cfg.Elision()
	if err != nil {
		t.Fatal(err)
	}
	if !elide {
		t.Error("expected elision")
	}
	budget, err := cfg.BumpBudget()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := budget, 5; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	timeout, err := cfg.EquilibrateTimeout()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := timeout, 30*time.Second; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	cfg, err = Parse(nil)
	if err != nil {
		t.Fatal(err)
	}
	if budget, _ := cfg.BumpBudget(); budget != kernel.DefaultBumpBudget {
		t.Errorf("got %v, want %v", budget, kernel.DefaultBumpBudget)
	}
	cfg, err = Parse([]byte(`bumpbudget: many`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cfg.BumpBudget(); err == nil {
		t.Error("expected error")
	}
}

func TestStores(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "config")
	defer cleanup()
	cfg, err := Parse([]byte(`
logger: stderr,off
assoc: memory,10
buffers: file,` + dir + `
`))
	if err != nil {
		t.Fatal(err)
	}
	cfg = Once(cfg)
	log, err := cfg.Logger()
	if err != nil {
		t.Fatal(err)
	}
	if log != nil {
		t.Error("expected nil logger")
	}
	buffers, err := cfg.Buffers()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := buffers.(*filebuf.Store).Root, dir; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	again, err := cfg.Buffers()
	if err != nil {
		t.Fatal(err)
	}
	if again != buffers {
		t.Error("buffer store was not memoized")
	}
	ctx := context.Background()
	sum, err := buffers.PutBuffer(ctx, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := sum, cellgraph.ChecksumOf([]byte("hello")); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	a, err := cfg.Assoc()
	if err != nil {
		t.Fatal(err)
	}
	if a == nil {
		t.Error("expected assoc")
	}
	if _, err := Parse([]byte(`buffers: tape`)); err == nil {
		t.Error("expected error")
	}
}

func TestFlag(t *testing.T) {
	cfg, err := Parse([]byte(`bumpbudget: 2`))
	if err != nil {
		t.Fatal(err)
	}
	f := &Flag{Config: cfg}
	flags := flag.NewFlagSet("test", flag.ContinueOnError)
	f.Init(flags)
	if err := flags.Parse([]string{"-bumpbudget", "7", "-elision", "true"}); err != nil {
		t.Fatal(err)
	}
	budget, err := f.BumpBudget()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := budget, 7; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if elide, err := f.Elision(); err != nil || !elide {
		t.Errorf("got %v, %v, want true", elide, err)
	}
	if timeout, err := f.EquilibrateTimeout(); err != nil || timeout != 0 {
		t.Errorf("got %v, %v, want 0", timeout, err)
	}
}

func TestMetrics(t *testing.T) {
	cfg, err := Parse([]byte("logger: stderr,off\n"))
	if err != nil {
		t.Fatal(err)
	}
	client, err := cfg.Metrics()
	if err != nil {
		t.Fatal(err)
	}
	if client != nil {
		t.Errorf("expected no metrics client, got %v", client)
	}
	cfg, err = Parse([]byte("metrics: prometheus\n"))
	if err != nil {
		t.Fatal(err)
	}
	cfg = Once(cfg)
	client, err = cfg.Metrics()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := client.(*prometrics.Client); !ok {
		t.Fatalf("got %T, want *prometrics.Client", client)
	}
	again, err := cfg.Metrics()
	if err != nil {
		t.Fatal(err)
	}
	if again != client {
		t.Error("metrics client not memoized")
	}
}

func TestTracer(t *testing.T) {
	if _, err := Parse([]byte("tracer: local\n")); err == nil {
		t.Error("expected error for missing trace path")
	}
	dir, cleanup := testutil.TempDir(t, "", "config")
	defer cleanup()
	path := filepath.Join(dir, "cellgraph.trace")
	cfg, err := Parse([]byte("tracer: local," + path + "\n"))
	if err != nil {
		t.Fatal(err)
	}
	tracer, err := cfg.Tracer()
	if err != nil {
		t.Fatal(err)
	}
	lt, ok := tracer.(*localtrace.LocalTracer)
	if !ok {
		t.Fatalf("got %T, want *localtrace.LocalTracer", tracer)
	}
	if got, want := lt.Path(), path; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
