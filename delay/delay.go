// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package delay wraps ordinary Go functions into deferred values:
// applying a wrapped function records a node in a computation graph
// instead of executing it. Graphs are executed by Compute, which
// honors the graph's dependencies and can evaluate independent nodes
// in parallel. Delay is the in-process, small-scale counterpart to
// loom's partitioned tables: the same deferred-execution model,
// applied to single values instead of sharded datasets.
//
//	inc := delay.Wrap(func(x int) int { return x + 1 })
//	add := delay.Wrap(func(x, y int) int { return x + y })
//
//	z := add.Apply(inc.Apply(1), inc.Apply(10))
//	if err := delay.Compute(ctx, []*delay.Value{z}); err != nil { ... }
//	fmt.Println(z.Value()) // 13
package delay

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/loom/typecheck"
	"golang.org/x/sync/errgroup"
)

var typeOfError = reflect.TypeOf((*error)(nil)).Elem()

// An F is a wrapped function whose applications are deferred.
type F struct {
	fn   reflect.Value
	typ  reflect.Type
	name string
}

// Wrap returns a deferred version of the provided function. The
// function may return zero or one values, optionally followed by an
// error. Wrap panics with a type error if fn is not a function, is
// variadic, or has an unsupported return signature.
func Wrap(fn interface{}) *F {
	fv := reflect.ValueOf(fn)
	if fv.Kind() != reflect.Func {
		typecheck.Panicf(1, "delay.Wrap: argument is a %T, not a func", fn)
	}
	typ := fv.Type()
	if typ.IsVariadic() {
		typecheck.Panicf(1, "delay.Wrap: variadic functions are not supported")
	}
	switch typ.NumOut() {
	case 0, 1:
	case 2:
		if typ.Out(1) != typeOfError {
			typecheck.Panicf(1, "delay.Wrap: second return value must be error, not %s", typ.Out(1))
		}
	default:
		typecheck.Panicf(1, "delay.Wrap: func returns %d values; at most one value and an error are supported", typ.NumOut())
	}
	name := runtime.FuncForPC(fv.Pointer()).Name()
	return &F{fn: fv, typ: typ, name: name}
}

// Apply records an application of f to the provided arguments,
// returning the resulting graph node. Arguments that are themselves
// *Values become dependencies of the returned node; their computed
// results are passed to f when the node executes. Apply panics with
// a type error if the arguments do not match f's signature.
func (f *F) Apply(args ...interface{}) *Value {
	if len(args) != f.typ.NumIn() {
		typecheck.Panicf(1, "wrong number of arguments: %s takes %d arguments, got %d",
			f.name, f.typ.NumIn(), len(args))
	}
	for i, arg := range args {
		want := f.typ.In(i)
		var have reflect.Type
		if v, ok := arg.(*Value); ok {
			have = v.typ()
			if have == nil {
				typecheck.Panicf(1, "argument %d: %s returns no value", i, v.f.name)
			}
		} else if arg != nil {
			have = reflect.TypeOf(arg)
		}
		if have == nil {
			// Untyped nil: legal only for nilable parameters.
			switch want.Kind() {
			case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Ptr, reflect.Slice:
				continue
			}
			typecheck.Panicf(1, "wrong type for argument %d: cannot pass nil for %s", i, want)
		}
		if want.Kind() == reflect.Interface {
			if !have.Implements(want) {
				typecheck.Panicf(1, "wrong type for argument %d: type %s does not implement interface %s", i, have, want)
			}
		} else if !have.AssignableTo(want) {
			typecheck.Panicf(1, "wrong type for argument %d: expected %s, got %s", i, want, have)
		}
	}
	return &Value{f: f, args: args}
}

// A Value is a node in a deferred computation graph, as returned by
// (*F).Apply. A Value's result is available after it has been
// computed by Compute.
type Value struct {
	f    *F
	args []interface{}

	mu       sync.Mutex
	computed bool
	out      reflect.Value
	err      error
}

// String returns a short description of the node.
func (v *Value) String() string {
	return fmt.Sprintf("%s/%d", v.f.name, len(v.args))
}

// typ returns the type of the value computed by v, or nil if v's
// function returns no value.
func (v *Value) typ() reflect.Type {
	if v.f.typ.NumOut() == 0 || v.f.typ.Out(0) == typeOfError {
		return nil
	}
	return v.f.typ.Out(0)
}

// Value returns the computed result of v. It panics if v has not
// been computed, or if its computation failed.
func (v *Value) Value() interface{} {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.computed {
		panic("delay.Value: value has not been computed")
	}
	if v.err != nil {
		panic(fmt.Sprintf("delay.Value: %s: %v", v, v.err))
	}
	if !v.out.IsValid() {
		return nil
	}
	return v.out.Interface()
}

// Err returns the error produced by v's computation, if any.
func (v *Value) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.err
}

// deps returns the node's dependencies in argument order.
func (v *Value) deps() []*Value {
	var deps []*Value
	for _, arg := range v.args {
		if dep, ok := arg.(*Value); ok {
			deps = append(deps, dep)
		}
	}
	return deps
}

// invoke runs the node's function, substituting computed dependency
// results for *Value arguments, and records the outcome on the node.
func (v *Value) invoke() error {
	argv := make([]reflect.Value, len(v.args))
	for i, arg := range v.args {
		if dep, ok := arg.(*Value); ok {
			dep.mu.Lock()
			argv[i] = dep.out
			dep.mu.Unlock()
			continue
		}
		if arg == nil {
			argv[i] = reflect.Zero(v.f.typ.In(i))
		} else {
			argv[i] = reflect.ValueOf(arg)
		}
	}
	rets := v.f.fn.Call(argv)
	var (
		out reflect.Value
		err error
	)
	for _, ret := range rets {
		if ret.Type() == typeOfError {
			if !ret.IsNil() {
				err = errors.E(fmt.Sprintf("delay: %s", v), ret.Interface().(error))
			}
		} else if !out.IsValid() {
			out = ret
		}
	}
	v.mu.Lock()
	v.computed = true
	v.out = out
	v.err = err
	v.mu.Unlock()
	return err
}

// An Option configures a call to Compute.
type Option func(*options)

type options struct {
	p int
}

// Sequential evaluates the graph in a single goroutine, in a
// deterministic depth-first order. It is the default.
var Sequential Option = func(o *options) {
	o.p = 1
}

// Parallel evaluates independent nodes concurrently, using at most p
// goroutines.
func Parallel(p int) Option {
	if p <= 0 {
		panic("delay.Parallel: p <= 0")
	}
	return func(o *options) {
		o.p = p
	}
}

// Compute executes the computation graphs rooted at the provided
// values. Nodes shared between the graphs are executed once per call
// to Compute; no node executes before all of its dependencies have
// completed. Compute returns the first node error encountered, and
// cancels any computation still outstanding. Repeated calls to
// Compute re-execute the graph.
func Compute(ctx context.Context, vals []*Value, opts ...Option) error {
	var o options
	o.p = 1
	for _, opt := range opts {
		opt(&o)
	}
	if o.p == 1 {
		seen := make(map[*Value]bool)
		var run func(v *Value) error
		run = func(v *Value) error {
			if seen[v] {
				return v.Err()
			}
			seen[v] = true
			for _, dep := range v.deps() {
				if err := run(dep); err != nil {
					return err
				}
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			return v.invoke()
		}
		for _, v := range vals {
			if err := run(v); err != nil {
				return err
			}
		}
		return nil
	}

	// Parallel evaluation: one goroutine per node, gated on the
	// completion of its dependencies and bounded by a limiter.
	lim := limiter.New()
	lim.Release(o.p)
	g, ctx := errgroup.WithContext(ctx)
	var (
		mu    sync.Mutex
		nodes = make(map[*Value]chan struct{})
	)
	var start func(v *Value) <-chan struct{}
	start = func(v *Value) <-chan struct{} {
		mu.Lock()
		donec, ok := nodes[v]
		if ok {
			mu.Unlock()
			return donec
		}
		donec = make(chan struct{})
		nodes[v] = donec
		mu.Unlock()
		depc := make([]<-chan struct{}, 0, len(v.args))
		for _, dep := range v.deps() {
			depc = append(depc, start(dep))
		}
		g.Go(func() error {
			defer close(donec)
			for _, c := range depc {
				select {
				case <-c:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			// Dependencies are complete, but may have failed; the
			// first failure has already canceled the group.
			for _, dep := range v.deps() {
				if err := dep.Err(); err != nil {
					return err
				}
			}
			if err := lim.Acquire(ctx, 1); err != nil {
				return err
			}
			defer lim.Release(1)
			return v.invoke()
		})
		return donec
	}
	for _, v := range vals {
		start(v)
	}
	return g.Wait()
}
