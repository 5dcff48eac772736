// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package cellgraph defines the shared data types of a live,
// incremental dataflow engine.
//
// A cellgraph is a graph of typed data nodes (cells) and computation
// nodes (workers) connected through typed pins. Changing the value
// of a cell re-executes only the workers that depend on it; each
// worker runs in its own kernel goroutine and feeds its results back
// into downstream cells. Macros generate subgraphs from cell values
// and rebuild them incrementally when their arguments change,
// reusing children whose structure is unchanged.
//
// Cell values are addressed by checksum (see Digester). Buffers may
// be held in memory or fetched on demand from a BufferStore; the
// store is also the backing for the elision cache, which memoizes
// macro expansions by the checksums of their inputs.
//
// The graph itself lives in package graph; package engine ties the
// graph together with macros, registrars, caches, and configuration.
package cellgraph
