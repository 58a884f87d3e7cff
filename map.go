// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package loom

import (
	"context"
	"reflect"
	"runtime"

	"github.com/grailbio/base/log"
	"github.com/grailbio/loom/coltype"
	"github.com/grailbio/loom/frame"
	"github.com/grailbio/loom/frameio"
	"github.com/grailbio/loom/typecheck"
)

type mapTable struct {
	Table
	fval reflect.Value
	out  coltype.Type
}

// Map transforms a table by invoking fn for each row. The argument
// types of fn must match the table's columns; the returned table's
// columns are fn's return values. The returned table matches the
// input table's sharding, but is always hash sharded.
//
// Schematically:
//
//	Map(Table<t1, ..., tn>, func(v1 t1, ..., vn tn) (r1, ..., rn)) Table<r1, ..., rn>
func Map(tab Table, fn interface{}) Table {
	m := new(mapTable)
	m.Table = tab
	m.fval = reflect.ValueOf(fn)
	arg, ret, ok := typecheck.Func(fn)
	if !ok {
		typecheck.Panicf(1, "map: invalid map function %T", fn)
	}
	if !typecheck.Equal(tab, arg) {
		typecheck.Panicf(1, "map: function %T does not match input table type %s", fn, coltype.String(tab))
	}
	if ret.NumOut() == 0 {
		typecheck.Panicf(1, "map: need at least one output column")
	}
	m.out = ret
	return m
}

func (m *mapTable) NumOut() int            { return m.out.NumOut() }
func (m *mapTable) Out(c int) reflect.Type { return m.out.Out(c) }
func (*mapTable) ShardType() ShardType     { return HashShard }
func (*mapTable) Op() string               { return "map" }
func (*mapTable) NumDep() int              { return 1 }
func (m *mapTable) Dep(i int) Dep          { return singleDep(i, m.Table, false) }

type mapReader struct {
	op     *mapTable
	reader frameio.Reader // parent reader
	in     frame.Frame    // buffer for input column vectors
	err    error
}

func (m *mapReader) Read(ctx context.Context, out frame.Frame) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	if !coltype.Assignable(out, m.op) {
		return 0, errTypeError
	}
	n := out.Len()
	m.in = m.in.Realloc(m.op.Table, n)
	n, m.err = m.reader.Read(ctx, m.in.Slice(0, n))
	// Each row is transformed by a single call. Parallelism is
	// achieved by finer sharding rather than by parallelizing
	// individual map invocations.
	args := make([]reflect.Value, m.in.NumOut())
	for i := 0; i < n; i++ {
		for j := range args {
			args[j] = m.in[j].Index(i)
		}
		result := m.op.fval.Call(args)
		for j := range result {
			out[j].Index(i).Set(result[j])
		}
	}
	return n, m.err
}

func (m *mapTable) Reader(shard int, deps []frameio.Reader) frameio.Reader {
	return &mapReader{op: m, reader: deps[0]}
}

type filterTable struct {
	Table
	pred reflect.Value
}

// Filter returns a table containing only those rows of the input
// for which the provided predicate evaluates true. The predicate
// receives each column of the table and returns a single boolean.
//
// Schematically:
//
//	Filter(Table<t1, ..., tn>, func(t1, ..., tn) bool) Table<t1, ..., tn>
func Filter(tab Table, pred interface{}) Table {
	f := new(filterTable)
	f.Table = tab
	f.pred = reflect.ValueOf(pred)
	arg, ret, ok := typecheck.Func(pred)
	if !ok {
		typecheck.Panicf(1, "filter: invalid predicate function %T", pred)
	}
	if !typecheck.Equal(tab, arg) {
		typecheck.Panicf(1, "filter: function %T does not match input table type %s", pred, coltype.String(tab))
	}
	if ret.NumOut() != 1 || ret.Out(0).Kind() != reflect.Bool {
		typecheck.Panic(1, "filter: predicate must return a single boolean value")
	}
	return f
}

func (*filterTable) Op() string      { return "filter" }
func (*filterTable) NumDep() int     { return 1 }
func (f *filterTable) Dep(i int) Dep { return singleDep(i, f.Table, false) }

type filterReader struct {
	op     *filterTable
	reader frameio.Reader
	in     frame.Frame
	err    error
}

func (f *filterReader) Read(ctx context.Context, out frame.Frame) (n int, err error) {
	if f.err != nil {
		return 0, f.err
	}
	if !coltype.Assignable(out, f.op) {
		return 0, errTypeError
	}
	var (
		m   int
		max = out.Len()
	)
	args := make([]reflect.Value, out.NumOut())
	for m < max && f.err == nil {
		f.in = f.in.Realloc(f.op, max-m)
		n, f.err = f.reader.Read(ctx, f.in)
		for i := 0; i < n; i++ {
			for j := range args {
				args[j] = f.in[j].Index(i)
			}
			if f.op.pred.Call(args)[0].Bool() {
				frame.Copy(out.Slice(m, m+1), f.in.Slice(i, i+1))
				m++
			}
		}
	}
	return m, f.err
}

func (f *filterTable) Reader(shard int, deps []frameio.Reader) frameio.Reader {
	return &filterReader{op: f, reader: deps[0]}
}

type flatmapTable struct {
	Table
	file string
	line int
	fval reflect.Value
	out  coltype.Type
}

// Flatmap applies fn to each row of the table and flattens the
// returned column vectors into the output. The function fn must
// have the form:
//
//	func(v1 t1, ..., vn tn) ([]r1, ..., []rn)
//
// Schematically:
//
//	Flatmap(Table<t1, ..., tn>, func(v1 t1, ..., vn tn) ([]r1, ..., []rn)) Table<r1, ..., rn>
func Flatmap(tab Table, fn interface{}) Table {
	f := new(flatmapTable)
	f.Table = tab
	f.fval = reflect.ValueOf(fn)
	arg, ret, ok := typecheck.Func(fn)
	if !ok {
		typecheck.Panicf(1, "flatmap: invalid flatmap function %T", fn)
	}
	if !typecheck.Equal(tab, arg) {
		typecheck.Panicf(1, "flatmap: function %T does not match input table type %s", fn, coltype.String(tab))
	}
	f.out, ok = typecheck.Devectorize(ret)
	if !ok {
		typecheck.Panicf(1, "flatmap: function %T is not vectorized", fn)
	}
	_, f.file, f.line, ok = runtime.Caller(1)
	if !ok {
		log.Print("loom.Flatmap: failed to retrieve caller location")
	}
	return f
}

func (f *flatmapTable) NumOut() int            { return f.out.NumOut() }
func (f *flatmapTable) Out(c int) reflect.Type { return f.out.Out(c) }
func (*flatmapTable) ShardType() ShardType     { return HashShard }
func (*flatmapTable) Op() string               { return "flatmap" }
func (*flatmapTable) NumDep() int              { return 1 }
func (f *flatmapTable) Dep(i int) Dep          { return singleDep(i, f.Table, false) }

type flatmapReader struct {
	op     *flatmapTable
	reader frameio.Reader

	in           frame.Frame // buffer of inputs
	begIn, endIn int
	out          frame.Frame // buffered output from the last call
	eof          bool
}

func (f *flatmapReader) Read(ctx context.Context, out frame.Frame) (int, error) {
	if !coltype.Assignable(out, f.op) {
		return 0, errTypeError
	}
	args := make([]reflect.Value, f.op.Table.NumOut())
	begOut, endOut := 0, out.Len()
	// Drain buffered output from the last call, if any.
	if f.out.Len() > 0 {
		n := frame.Copy(out, f.out)
		begOut += n
		f.out = f.out.Slice(n, f.out.Len())
	}
	// Continue as long as we have (possibly buffered) input and space
	// for output.
	for begOut < endOut && (!f.eof || f.begIn < f.endIn) {
		if f.begIn == f.endIn {
			f.in = f.in.Realloc(f.op.Table, out.Len())
			n, err := f.reader.Read(ctx, f.in)
			if err != nil && err != frameio.EOF {
				return 0, err
			}
			f.begIn, f.endIn = 0, n
			f.eof = err == frameio.EOF
		}
		for ; f.begIn < f.endIn && begOut < endOut; f.begIn++ {
			for j := range args {
				args[j] = f.in[j].Index(f.begIn)
			}
			rvs := f.op.fval.Call(args)
			result := make(frame.Frame, len(rvs))
			for j := range rvs {
				result[j] = frame.Column(rvs[j])
			}
			n := frame.Copy(out.Slice(begOut, endOut), result)
			begOut += n
			// Stash any output that did not fit.
			if m := result.Len(); n < m {
				f.out = result.Slice(n, m)
			}
		}
	}
	var err error
	if f.eof && f.out.Len() == 0 && f.begIn == f.endIn {
		err = frameio.EOF
	}
	return begOut, err
}

func (f *flatmapTable) Reader(shard int, deps []frameio.Reader) frameio.Reader {
	return &flatmapReader{op: f, reader: deps[0]}
}
