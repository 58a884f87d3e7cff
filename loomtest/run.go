// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package loomtest provides utilities for testing loom user code.
// The utilities here are not optimized for performance or
// robustness; they are strictly intended for unit testing.
package loomtest

import (
	"context"
	"reflect"
	"testing"

	"github.com/grailbio/loom"
	"github.com/grailbio/loom/exec"
	"github.com/grailbio/loom/frameio"
)

// Run evaluates the provided table in local execution mode,
// returning a scanner for the result. Errors are reported as fatal
// to the provided t instance. Run is intended for unit testing of
// Table implementations.
func Run(t *testing.T, tab loom.Table) *frameio.Scanner {
	t.Helper()
	fn := loom.Func(func() loom.Table { return tab })
	sess := exec.Start(exec.Local)
	res, err := sess.Run(context.Background(), fn)
	if err != nil {
		t.Fatal(err)
	}
	return res.Scanner()
}

// ScanAll scans all entries from the scanner into the provided
// columns, which must be pointers to slices of the correct column
// types. For example, to read all values of a table with columns
// (int, string):
//
//	var (
//		ints    []int
//		strings []string
//	)
//	ScanAll(t, scan, &ints, &strings)
//
// Errors are reported as fatal to the provided t instance.
func ScanAll(t *testing.T, scan *frameio.Scanner, cols ...interface{}) {
	t.Helper()
	vs := make([]reflect.Value, len(cols))
	elemTypes := make([]reflect.Type, len(cols))
	for i := range vs {
		vs[i] = reflect.Indirect(reflect.ValueOf(cols[i]))
		vs[i].Set(vs[i].Slice(0, 0))
		elemTypes[i] = vs[i].Type().Elem()
	}
	ctx := context.Background()
	args := make([]interface{}, len(cols))
	for n := 0; ; n++ {
		for i := range vs {
			vs[i].Set(reflect.Append(vs[i], reflect.Zero(elemTypes[i])))
			args[i] = vs[i].Index(n).Addr().Interface()
		}
		if !scan.Scan(ctx, args...) {
			for i := range vs {
				vs[i].Set(vs[i].Slice(0, n))
			}
			break
		}
	}
	if err := scan.Err(); err != nil {
		t.Fatal(err)
	}
}

// RunAndScan evaluates the provided table and scans its results into
// the provided slice pointers. Errors are reported as fatal to the
// provided t instance.
func RunAndScan(t *testing.T, tab loom.Table, cols ...interface{}) {
	t.Helper()
	ScanAll(t, Run(t, tab), cols...)
}
