// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dynamodbconfig

import (
	"testing"

	"github.com/grailbio/cellgraph/config"
)

func TestProvider(t *testing.T) {
	for _, c := range []struct {
		in          string
		table       string
		concurrency int
		ok          bool
	}{
		{"assoc: dynamodb,cache", "cache", DefaultConcurrency, true},
		{"assoc: dynamodb,cache,8", "cache", 8, true},
		{"assoc: dynamodb", "", 0, false},
		{"assoc: dynamodb,cache,x", "", 0, false},
	} {
		cfg, err := config.Parse([]byte(c.in))
		if !c.ok {
			if err == nil {
				t.Errorf("%s: expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", c.in, err)
			continue
		}
		a := cfg.(*Assoc)
		if got, want := a.Table, c.table; got != want {
			t.Errorf("%s: got %v, want %v", c.in, got, want)
		}
		if got, want := a.Concurrency, c.concurrency; got != want {
			t.Errorf("%s: got %v, want %v", c.in, got, want)
		}
	}
}
