// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package loom

import (
	"encoding/gob"
	"reflect"
	"sync/atomic"

	"github.com/grailbio/loom/typecheck"
)

func init() {
	gob.Register([]interface{}{})
}

var typeOfTable = reflect.TypeOf((*Table)(nil)).Elem()

var (
	// funcs is the global registry of funcs. We rely on deterministic
	// registration order, which Go's package variable initialization
	// guarantees for a single binary. Funcs are identified by their
	// registration index across process boundaries, so worker
	// processes must run the same binary as the driver.
	funcs []*FuncValue
	// funcsBusy detects data races in registration.
	funcsBusy int32
)

// A FuncValue is a named loom computation, as returned by Func.
type FuncValue struct {
	fn    reflect.Value
	args  []reflect.Type
	index int
}

// NumIn returns the number of input arguments to f.
func (f *FuncValue) NumIn() int { return len(f.args) }

// In returns the ith argument type of f.
func (f *FuncValue) In(i int) reflect.Type { return f.args[i] }

// Invocation returns an invocation representing f applied to the
// provided arguments. It panics with a type error if the arguments
// do not match in type or arity.
func (f *FuncValue) Invocation(args ...interface{}) Invocation {
	argTypes := make([]reflect.Type, len(args))
	for i, arg := range args {
		argTypes[i] = reflect.TypeOf(arg)
	}
	f.typecheck(argTypes...)
	return newInvocation(uint64(f.index), args...)
}

// Apply invokes f with the provided arguments, returning the
// computed Table. Apply panics with a type error if argument type
// or arity do not match.
func (f *FuncValue) Apply(args ...interface{}) Table {
	argv := make([]reflect.Value, len(args))
	for i := range argv {
		argv[i] = reflect.ValueOf(args[i])
	}
	return f.applyValue(argv)
}

func (f *FuncValue) applyValue(args []reflect.Value) Table {
	argTypes := make([]reflect.Type, len(args))
	for i, arg := range args {
		argTypes[i] = arg.Type()
	}
	f.typecheck(argTypes...)
	out := f.fn.Call(args)
	return out[0].Interface().(Table)
}

func (f *FuncValue) typecheck(args ...reflect.Type) {
	if len(args) != len(f.args) {
		typecheck.Panicf(2, "wrong number of arguments: function takes %d arguments, got %d",
			len(f.args), len(args))
	}
	for i := range args {
		expect, have := f.args[i], args[i]
		switch expect.Kind() {
		case reflect.Interface:
			if !have.Implements(expect) {
				typecheck.Panicf(2, "wrong type for argument %d: type %s does not implement interface %s", i, have, expect)
			}
		default:
			if have != expect {
				typecheck.Panicf(2, "wrong type for argument %d: expected %s, got %s", i, expect, have)
			}
		}
	}
}

// Func creates a loom function from the provided function value,
// which must return a single Table. Funcs give loom a means of
// dynamic abstraction: because funcs are identified across process
// boundaries, dynamically constructed tables can be rebuilt by
// worker processes.
//
// Funcs must be created deterministically at package initialization
// time, before sessions are started.
func Func(fn interface{}) *FuncValue {
	fv := reflect.ValueOf(fn)
	ftype := fv.Type()
	if ftype.Kind() != reflect.Func {
		typecheck.Panicf(1, "loom.Func: argument is a %T, not a func", fn)
	}
	if ftype.NumOut() != 1 || ftype.Out(0) != typeOfTable {
		typecheck.Panicf(1, "loom.Func: func must return a single loom.Table")
	}
	v := new(FuncValue)
	v.fn = fv
	for i := 0; i < ftype.NumIn(); i++ {
		typ := ftype.In(i)
		v.args = append(v.args, typ)
		if typ.Kind() != reflect.Interface {
			gob.Register(reflect.Zero(typ).Interface())
		}
	}
	if atomic.AddInt32(&funcsBusy, 1) != 1 {
		panic("loom.Func: data race")
	}
	v.index = len(funcs)
	funcs = append(funcs, v)
	if atomic.AddInt32(&funcsBusy, -1) != 0 {
		panic("loom.Func: data race")
	}
	return v
}

// An Invocation names the application of a Func to a set of
// arguments within the current binary. Invocations can be
// transmitted across process boundaries and invoked by remote
// executors. Each invocation carries an index that uniquely
// identifies it within the driver process.
//
// Invocations must be created by FuncValue.Invocation.
type Invocation struct {
	Index uint64
	Func  uint64
	Args  []interface{}
}

var invocationIndex uint64

func newInvocation(fn uint64, args ...interface{}) Invocation {
	return Invocation{
		Index: atomic.AddUint64(&invocationIndex, 1),
		Func:  fn,
		Args:  args,
	}
}

// Invoke performs the invocation, returning the resulting table.
func (i Invocation) Invoke() Table {
	return funcs[i.Func].Apply(i.Args...)
}
