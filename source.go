// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package loom

import (
	"context"
	"reflect"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/loom/coltype"
	"github.com/grailbio/loom/frame"
	"github.com/grailbio/loom/frameio"
	"github.com/grailbio/loom/typecheck"
)

type constTable struct {
	coltype.Type
	frame  frame.Frame
	nshard int
}

// Const returns a Table holding the provided in-memory value. Each
// column is provided as a Go slice of the column's type. The rows
// are split into nshard shards.
func Const(nshard int, columns ...interface{}) Table {
	if len(columns) == 0 {
		typecheck.Panic(1, "const: must have at least one column")
	}
	t := new(constTable)
	t.nshard = nshard
	if t.nshard < 1 {
		typecheck.Panic(1, "const: nshard must be >= 1")
	}
	var ok bool
	t.Type, ok = typecheck.Columns(columns...)
	if !ok {
		typecheck.Panic(1, "const: invalid column inputs")
	}
	t.frame = frame.Columns(columns...)
	return t
}

func (*constTable) Op() string            { return "const" }
func (t *constTable) NumShard() int       { return t.nshard }
func (*constTable) ShardType() ShardType  { return HashShard }
func (*constTable) NumDep() int           { return 0 }
func (*constTable) Dep(i int) Dep         { panic("no deps") }

type constReader struct {
	op    *constTable
	frame frame.Frame
}

func (r *constReader) Read(ctx context.Context, out frame.Frame) (int, error) {
	if !coltype.Assignable(r.op, out) {
		return 0, errTypeError
	}
	n := frame.Copy(out, r.frame)
	r.frame = r.frame.Slice(n, r.frame.Len())
	if r.frame.Len() == 0 {
		return n, frameio.EOF
	}
	return n, nil
}

func (t *constTable) Reader(shard int, deps []frameio.Reader) frameio.Reader {
	n := t.frame.Len()
	if n == 0 {
		return frameio.EmptyReader{}
	}
	// The last shard is truncated when rows do not split evenly.
	shardn := (n + t.nshard - 1) / t.nshard
	beg := shardn * shard
	end := beg + shardn
	if beg >= n {
		return frameio.EmptyReader{}
	}
	if end > n {
		end = n
	}
	return &constReader{op: t, frame: t.frame.Slice(beg, end)}
}

type readerFuncTable struct {
	coltype.Type
	nshard    int
	read      reflect.Value
	stateType reflect.Type
}

// ReaderFunc returns a Table that reads its rows with the provided
// function, which must have the form:
//
//	func(shard int, state stateType, col1 []t1, ..., colN []tN) (int, error)
//
// yielding a Table<t1, ..., tN>. The function fills the preallocated
// column vectors and returns the number of rows filled; it returns
// frameio.EOF when the shard is exhausted.
//
// The state argument receives a zero value (allocated, if a
// pointer) on the first invocation for each shard, and the same
// value on every subsequent invocation, letting a reader maintain
// state across the read of a whole shard.
func ReaderFunc(nshard int, read interface{}) Table {
	t := new(readerFuncTable)
	t.nshard = nshard
	t.read = reflect.ValueOf(read)
	arg, ret, ok := typecheck.Func(read)
	if !ok || arg.NumOut() < 3 || arg.Out(0).Kind() != reflect.Int {
		typecheck.Panicf(1, "readerfunc: invalid reader function type %T", read)
	}
	if ret.NumOut() != 2 || ret.Out(0).Kind() != reflect.Int || ret.Out(1) != typeOfError {
		typecheck.Panicf(1, "readerfunc: function %T does not return (int, error)", read)
	}
	t.stateType = arg.Out(1)
	cols := coltype.New(coltype.Columns(arg)[2:]...)
	if t.Type, ok = typecheck.Devectorize(cols); !ok {
		typecheck.Panicf(1, "readerfunc: function %T is not vectorized", read)
	}
	return t
}

func (*readerFuncTable) Op() string            { return "reader" }
func (t *readerFuncTable) NumShard() int       { return t.nshard }
func (*readerFuncTable) ShardType() ShardType  { return HashShard }
func (*readerFuncTable) NumDep() int           { return 0 }
func (*readerFuncTable) Dep(i int) Dep         { panic("no deps") }

type readerFuncReader struct {
	op    *readerFuncTable
	state reflect.Value
	shard int
	err   error
}

func (r *readerFuncReader) Read(ctx context.Context, out frame.Frame) (n int, err error) {
	if r.err != nil {
		return 0, r.err
	}
	if !coltype.Assignable(out, r.op) {
		return 0, errTypeError
	}
	if !r.state.IsValid() {
		if r.op.stateType.Kind() == reflect.Ptr {
			r.state = reflect.New(r.op.stateType.Elem())
		} else {
			r.state = reflect.Zero(r.op.stateType)
		}
	}
	args := append([]reflect.Value{reflect.ValueOf(r.shard), r.state}, out.Values()...)
	rvs := r.op.read.Call(args)
	n = int(rvs[0].Int())
	if e := rvs[1].Interface(); e != nil {
		if err := e.(error); err == frameio.EOF || errors.Recover(err).Severity != errors.Unknown {
			r.err = err
		} else {
			// Application errors are fatal unless marked otherwise.
			r.err = errors.E(errors.Fatal, err)
		}
	}
	return n, r.err
}

func (t *readerFuncTable) Reader(shard int, deps []frameio.Reader) frameio.Reader {
	return &readerFuncReader{op: t, shard: shard}
}
