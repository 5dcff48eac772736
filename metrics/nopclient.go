// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package metrics

type nopGauge struct{}

func (nopGauge) Set(float64) {}

func (nopGauge) Inc() {}

func (nopGauge) Dec() {}

func (nopGauge) Add(float64) {}

func (nopGauge) Sub(float64) {}

type nopCounter struct{}

func (nopCounter) Inc() {}

func (nopCounter) Add(float64) {}

type nopHistogram struct{}

func (nopHistogram) Observe(float64) {}

type nopClient struct{}

// NopClient is a metrics client that does nothing.
var NopClient Client = nopClient{}

// GetGauge returns a gauge which does nothing.
func (nopClient) GetGauge(string, map[string]string) Gauge {
	return nopGauge{}
}

// GetCounter returns a counter which does nothing.
func (nopClient) GetCounter(string, map[string]string) Counter {
	return nopCounter{}
}

// GetHistogram returns a histogram which does nothing.
func (nopClient) GetHistogram(string, map[string]string) Histogram {
	return nopHistogram{}
}
