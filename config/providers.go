// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package config

import (
	"errors"
	golog "log"
	"net/http"
	"os"
	"strconv"

	"github.com/grailbio/cellgraph"
	"github.com/grailbio/cellgraph/assoc"
	"github.com/grailbio/cellgraph/assoc/memassoc"
	"github.com/grailbio/cellgraph/buffer/filebuf"
	"github.com/grailbio/cellgraph/buffer/membuf"
	"github.com/grailbio/cellgraph/log"
	"github.com/grailbio/cellgraph/metrics"
	"github.com/grailbio/cellgraph/metrics/prometrics"
	"github.com/grailbio/cellgraph/trace"
	"github.com/grailbio/cellgraph/trace/localtrace"
)

func init() {
	Register(Logger, "stderr", "level", "log to standard error at the given level (default info; off disables logging)",
		func(cfg Config, arg string) (Config, error) {
			level := log.InfoLevel
			if arg != "" {
				var err error
				if level, err = log.ParseLevel(arg); err != nil {
					return nil, err
				}
			}
			return &stderrLogger{cfg, level}, nil
		},
	)
	Register(Metrics, "prometheus", "addr", "collect metrics in a prometheus registry, served over HTTP at addr if given",
		func(cfg Config, arg string) (Config, error) {
			return &promMetrics{Config: cfg, addr: arg}, nil
		},
	)
	Register(Tracer, "local", "path", "write Chrome trace events to the file at path",
		func(cfg Config, arg string) (Config, error) {
			if arg == "" {
				return nil, errors.New("local tracer: path is required")
			}
			return &localTracer{Config: cfg, path: arg}, nil
		},
	)
	Register(Assoc, "memory", "size", "configure an in-memory assoc holding at most size entries",
		func(cfg Config, arg string) (Config, error) {
			n, err := size(arg)
			if err != nil {
				return nil, err
			}
			return &memoryAssoc{cfg, n}, nil
		},
	)
	Register(Buffers, "memory", "size", "configure an in-memory buffer store holding at most size buffers",
		func(cfg Config, arg string) (Config, error) {
			n, err := size(arg)
			if err != nil {
				return nil, err
			}
			return &memoryBuffers{cfg, n}, nil
		},
	)
	Register(Buffers, "file", "dir", "configure a buffer store in the given directory",
		func(cfg Config, arg string) (Config, error) {
			if arg == "" {
				return nil, errors.New("directory not provided")
			}
			return &fileBuffers{cfg, arg}, nil
		},
	)
}

func size(arg string) (int, error) {
	if arg == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(arg)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("negative size")
	}
	return n, nil
}

type stderrLogger struct {
	Config
	level log.Level
}

func (l *stderrLogger) Logger() (*log.Logger, error) {
	if l.level == log.OffLevel {
		return nil, nil
	}
	return log.New(golog.New(os.Stderr, "", golog.LstdFlags), l.level), nil
}

type memoryAssoc struct {
	Config
	size int
}

func (m *memoryAssoc) Assoc() (assoc.Assoc, error) {
	return memassoc.New(m.size)
}

type memoryBuffers struct {
	Config
	size int
}

func (m *memoryBuffers) Buffers() (cellgraph.BufferStore, error) {
	return membuf.New(m.size)
}

type fileBuffers struct {
	Config
	dir string
}

func (f *fileBuffers) Buffers() (cellgraph.BufferStore, error) {
	if err := os.MkdirAll(f.dir, 0777); err != nil {
		return nil, err
	}
	return &filebuf.Store{Root: f.dir}, nil
}

type promMetrics struct {
	Config
	addr string
}

func (p *promMetrics) Metrics() (metrics.Client, error) {
	client, err := prometrics.New("")
	if err != nil {
		return nil, err
	}
	if p.addr != "" {
		log, err := p.Logger()
		if err != nil {
			return nil, err
		}
		go func() {
			log.Printf("serving metrics at %s", p.addr)
			if err := http.ListenAndServe(p.addr, client.Handler()); err != nil {
				log.Errorf("metrics server: %v", err)
			}
		}()
	}
	return client, nil
}

type localTracer struct {
	Config
	path string
}

func (l *localTracer) Tracer() (trace.Tracer, error) {
	t, err := localtrace.New(l.path)
	if err != nil {
		return nil, err
	}
	return t, nil
}
