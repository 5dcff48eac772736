// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package prometrics

import (
	"context"
	"io/ioutil"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/grailbio/cellgraph/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestClient(t *testing.T) {
	client, err := New("test")
	if err != nil {
		t.Fatal(err)
	}
	ctx := metrics.WithClient(context.Background(), client)
	metrics.GetWorkerInvocationsCounter(ctx, "transformer").Inc()
	metrics.GetWorkerInvocationsCounter(ctx, "transformer").Inc()
	metrics.GetEquilibratePendingGauge(ctx).Set(4)
	metrics.GetWorkerInvocationLatencySecondsHistogram(ctx, "reactor").Observe(0.5)

	if got, want := testutil.ToFloat64(client.counters["worker_invocations_count"].WithLabelValues("transformer")), 2.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := testutil.ToFloat64(client.gauges["equilibrate_pending"].WithLabelValues()), 4.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	srv := httptest.NewServer(client.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`test_worker_invocations_count{kind="transformer"} 2`,
		`test_equilibrate_pending 4`,
		`test_worker_invocation_latency_seconds_count{kind="reactor"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("missing %q in\n%s", want, body)
		}
	}
}

func TestDefaultNamespace(t *testing.T) {
	client, err := New("")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := client.Namespace, DefaultNamespace; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, err := NewClient(client.Registry(), DefaultNamespace); err == nil {
		t.Error("expected duplicate registration error")
	}
}
