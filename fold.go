// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package loom

import (
	"context"
	"reflect"

	"github.com/grailbio/loom/coltype"
	"github.com/grailbio/loom/frame"
	"github.com/grailbio/loom/frameio"
	"github.com/grailbio/loom/typecheck"
)

type foldTable struct {
	Table
	fval reflect.Value
	out  coltype.Type
	dep  Dep
}

// Fold returns a table that aggregates rows sharing a key (the
// first column) with a custom accumulator function. For an input
// Table<t1, t2, ..., tn>, the function must have the form:
//
//	func(accum acctype, v2 t2, ..., vn tn) acctype
//
// It is invoked once per row; the first invocation for each key
// receives the zero value of the accumulator type. Fold introduces
// a shuffle dependency so that all rows sharing a key reach the
// same shard.
//
// Schematically:
//
//	Fold(Table<t1, t2, ..., tn>, func(accum acctype, v2 t2, ..., vn tn) acctype) Table<t1, acctype>
func Fold(tab Table, fold interface{}) Table {
	if n := tab.NumOut(); n < 2 {
		typecheck.Panicf(1, "fold: need at least two columns, got %d", n)
	}
	if !frame.CanHash(tab.Out(0)) {
		typecheck.Panicf(1, "fold: key type %s is not partitionable", tab.Out(0))
	}
	if !canAccumulateKey(tab.Out(0)) {
		typecheck.Panicf(1, "fold: key type %s cannot be accumulated", tab.Out(0))
	}
	f := new(foldTable)
	f.Table = tab
	// Fold shuffles by the first column.
	f.dep = Dep{tab, true, nil}
	f.fval = reflect.ValueOf(fold)

	arg, ret, ok := typecheck.Func(fold)
	if !ok {
		typecheck.Panicf(1, "fold: invalid fold function %T", fold)
	}
	if ret.NumOut() != 1 {
		typecheck.Panicf(1, "fold: fold functions must return exactly one value")
	}
	// func(acc, t2, t3, ..., tn)
	wantArgs := append([]reflect.Type{ret.Out(0)}, coltype.Columns(tab)[1:]...)
	if want := coltype.New(wantArgs...); !typecheck.Equal(want, arg) {
		typecheck.Panicf(1, "fold: expected %s, got %T", coltype.Signature(want, ret), fold)
	}
	// Output: key, accumulator.
	f.out = coltype.New(tab.Out(0), ret.Out(0))
	return f
}

func (f *foldTable) NumOut() int            { return f.out.NumOut() }
func (f *foldTable) Out(c int) reflect.Type { return f.out.Out(c) }
func (f *foldTable) Op() string             { return "fold" }
func (*foldTable) NumDep() int              { return 1 }
func (f *foldTable) Dep(i int) Dep          { return f.dep }

type foldReader struct {
	op     *foldTable
	reader frameio.Reader
	accum  Accumulator
	err    error
}

// compute accumulates values across all keys in this shard. The
// entire output is buffered in memory.
func (f *foldReader) compute(ctx context.Context) (Accumulator, error) {
	in := frame.Make(f.op.dep, defaultChunksize, defaultChunksize)
	accum := makeAccumulator(f.op.dep.Out(0), f.op.out.Out(1), f.op.fval)
	for {
		n, err := f.reader.Read(ctx, in)
		if err != nil && err != frameio.EOF {
			return nil, err
		}
		accum.Accumulate(in, n)
		if err == frameio.EOF {
			return accum, nil
		}
	}
}

func (f *foldReader) Read(ctx context.Context, out frame.Frame) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	if !coltype.Assignable(out, f.op) {
		return 0, errTypeError
	}
	if f.accum == nil {
		f.accum, f.err = f.compute(ctx)
		if f.err != nil {
			return 0, f.err
		}
	}
	var n int
	n, f.err = f.accum.Read(out[0].Value(), out[1].Value())
	return n, f.err
}

func (f *foldTable) Reader(shard int, deps []frameio.Reader) frameio.Reader {
	return &foldReader{op: f, reader: deps[0]}
}
