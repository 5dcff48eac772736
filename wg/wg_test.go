// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package wg

import (
	"context"
	"testing"
	"time"
)

const N = 16

func testInterlocked(t *testing.T, w1, w2 *WaitGroup) {
	w1.Add(N)
	w2.Add(N)
	done := make(chan bool)
	for i := 0; i < N; i++ {
		go func(i int) {
			w1.Done()
			<-w2.C()
			done <- true
		}(i)
	}
	<-w1.C()
	for i := 0; i < N; i++ {
		select {
		case <-done:
			t.Fatal("WaitGroup released too soon")
		default:
		}
		w2.Done()
	}
	for i := 0; i < N; i++ {
		<-done
	}
}

func TestWaitGroup(t *testing.T) {
	var w1, w2 WaitGroup
	testInterlocked(t, &w1, &w2)
}

func TestWaitContext(t *testing.T) {
	var w WaitGroup
	if err := w.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	w.Add(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if got, want := w.Wait(ctx), context.DeadlineExceeded; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	go w.Done()
	if err := w.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got, want := w.N(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRefill(t *testing.T) {
	var w WaitGroup
	w.Add(1)
	first := w.C()
	w.Done()
	<-first
	w.Add(2)
	second := w.C()
	select {
	case <-second:
		t.Fatal("released with a positive count")
	default:
	}
	w.Done()
	w.Done()
	<-second
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	w.Done()
}
