// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package config

import (
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/sync/once"
	"github.com/grailbio/cellgraph"
	"github.com/grailbio/cellgraph/assoc"
	"github.com/grailbio/cellgraph/metrics"
	"github.com/grailbio/cellgraph/trace"
)

// OnceConfig memoizes the first call of the following methods to the
// underlying config: Metrics, Tracer, AWS, Assoc, and Buffers. Stores
// must be shared by every component of an engine, so that a buffer
// written by one is visible to the others.
type OnceConfig struct {
	Config

	metricsOnce once.Task
	metrics     metrics.Client

	tracerOnce once.Task
	tracer     trace.Tracer

	awsOnce once.Task
	aws     *session.Session

	assocOnce once.Task
	assoc     assoc.Assoc

	buffersOnce once.Task
	buffers     cellgraph.BufferStore
}

// Once constructs a new OnceConfig using the provided
// underlying configuration.
func Once(cfg Config) *OnceConfig {
	return &OnceConfig{Config: cfg}
}

// Metrics returns the result of the first call to the underlying
// configuration's Metrics.
func (o *OnceConfig) Metrics() (metrics.Client, error) {
	err := o.metricsOnce.Do(func() (err error) {
		o.metrics, err = o.Config.Metrics()
		return
	})
	return o.metrics, err
}

// Tracer returns the result of the first call to the underlying
// configuration's Tracer.
func (o *OnceConfig) Tracer() (trace.Tracer, error) {
	err := o.tracerOnce.Do(func() (err error) {
		o.tracer, err = o.Config.Tracer()
		return
	})
	return o.tracer, err
}

// AWS returns the result of the first call to the underlying
// configuration's AWS.
func (o *OnceConfig) AWS() (*session.Session, error) {
	err := o.awsOnce.Do(func() (err error) {
		o.aws, err = o.Config.AWS()
		return
	})
	return o.aws, err
}

// Assoc returns the result of the first call to the underlying
// configuration's Assoc.
func (o *OnceConfig) Assoc() (assoc.Assoc, error) {
	err := o.assocOnce.Do(func() (err error) {
		o.assoc, err = o.Config.Assoc()
		return
	})
	return o.assoc, err
}

// Buffers returns the result of the first call to the underlying
// configuration's Buffers.
func (o *OnceConfig) Buffers() (cellgraph.BufferStore, error) {
	err := o.buffersOnce.Do(func() (err error) {
		o.buffers, err = o.Config.Buffers()
		return
	})
	return o.buffers, err
}
