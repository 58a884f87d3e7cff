// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package delay

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestCompute(t *testing.T) {
	var (
		inc = Wrap(func(x int) int { return x + 1 })
		add = Wrap(func(x, y int) int { return x + y })
	)
	for _, opt := range []Option{Sequential, Parallel(4)} {
		z := add.Apply(inc.Apply(1), inc.Apply(10))
		if err := Compute(context.Background(), []*Value{z}, opt); err != nil {
			t.Fatal(err)
		}
		if got, want := z.Value().(int), 13; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestSharedNode(t *testing.T) {
	var ncall int64
	var (
		count = Wrap(func() int {
			atomic.AddInt64(&ncall, 1)
			return 1
		})
		add = Wrap(func(x, y int) int { return x + y })
	)
	for _, opt := range []Option{Sequential, Parallel(4)} {
		atomic.StoreInt64(&ncall, 0)
		shared := count.Apply()
		z := add.Apply(shared, shared)
		if err := Compute(context.Background(), []*Value{z}, opt); err != nil {
			t.Fatal(err)
		}
		if got, want := atomic.LoadInt64(&ncall), int64(1); got != want {
			t.Errorf("shared node ran %d times, want %d", got, want)
		}
		if got, want := z.Value().(int), 2; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestDependencyOrder(t *testing.T) {
	const depth = 50
	var last int64
	step := Wrap(func(x int) int {
		if !atomic.CompareAndSwapInt64(&last, int64(x), int64(x+1)) {
			t.Errorf("step %d ran out of order", x)
		}
		return x + 1
	})
	v := step.Apply(0)
	for i := 1; i < depth; i++ {
		v = step.Apply(v)
	}
	if err := Compute(context.Background(), []*Value{v}, Parallel(8)); err != nil {
		t.Fatal(err)
	}
	if got, want := v.Value().(int), depth; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestError(t *testing.T) {
	boom := errors.New("boom")
	var (
		fail = Wrap(func() (int, error) { return 0, boom })
		inc  = Wrap(func(x int) int { return x + 1 })
	)
	for _, opt := range []Option{Sequential, Parallel(2)} {
		v := inc.Apply(fail.Apply())
		err := Compute(context.Background(), []*Value{v}, opt)
		if err == nil {
			t.Fatal("expected error")
		}
	}
}

func TestRecompute(t *testing.T) {
	var n int64
	count := Wrap(func() int64 { return atomic.AddInt64(&n, 1) })
	v := count.Apply()
	ctx := context.Background()
	if err := Compute(ctx, []*Value{v}); err != nil {
		t.Fatal(err)
	}
	if got, want := v.Value().(int64), int64(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := Compute(ctx, []*Value{v}); err != nil {
		t.Fatal(err)
	}
	if got, want := v.Value().(int64), int64(2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestWrapTypeError(t *testing.T) {
	expectPanic := func(f func()) {
		t.Helper()
		defer func() {
			if recover() == nil {
				t.Error("expected type error")
			}
		}()
		f()
	}
	expectPanic(func() { Wrap(123) })
	expectPanic(func() { Wrap(func(xs ...int) int { return 0 }) })
	expectPanic(func() { Wrap(func() (int, int) { return 0, 0 }) })
	inc := Wrap(func(x int) int { return x + 1 })
	expectPanic(func() { inc.Apply() })
	expectPanic(func() { inc.Apply("hello") })
	expectPanic(func() { inc.Apply(nil) })
}
