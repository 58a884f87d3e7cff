// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package loom implements deferred, partitioned data processing.
// Computations are expressed as lazy operator graphs over Tables:
// sharded, typed, columnar datasets. Graphs are built incrementally
// by combinators like Map, Filter, and Fold; no data are processed
// until the graph is run by a session in package
// github.com/grailbio/loom/exec.
//
// Sessions evaluate the same graph under interchangeable executors:
// a synchronous single-goroutine evaluator, an in-process pool of
// worker goroutines, subprocess workers on the local machine, or a
// cluster of remote machines managed by bigmachine. Because graph
// construction is separated from execution, callers switch between
// these by changing only session options.
//
// Computations that are run on worker processes must be declared by
// loom.Func so that workers can reconstruct them by name; see
// package exec for details.
//
// Package github.com/grailbio/loom/delay provides a lighter-weight
// deferred-execution wrapper for plain Go functions using the same
// dependency-driven evaluation model.
package loom
