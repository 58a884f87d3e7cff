// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package loom_test

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"sort"
	"sync"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmachine/testsystem"
	"github.com/grailbio/loom"
	"github.com/grailbio/loom/exec"
	"github.com/grailbio/loom/frameio"
	"github.com/grailbio/loom/loomtest"
	"github.com/grailbio/loom/typecheck"
)

func init() {
	log.AddFlags() // so they can be used in tests
}

var executors = map[string]exec.Option{
	"Local":           exec.Local,
	"Bigmachine.Test": exec.Bigmachine(testsystem.New()),
}

func run(ctx context.Context, t *testing.T, tab loom.Table) map[string]*frameio.Scanner {
	t.Helper()
	scanners := make(map[string]*frameio.Scanner)
	fn := loom.Func(func() loom.Table { return tab })
	for name, opt := range executors {
		if testing.Short() && name != "Local" {
			continue
		}
		sess := exec.Start(opt)
		res, err := sess.Run(ctx, fn)
		if err != nil {
			t.Errorf("executor %s error %v", name, err)
			continue
		}
		scanners[name] = res.Scanner()
	}
	return scanners
}

type columnSlice struct {
	keys     reflect.Value
	swappers []func(i, j int)
}

func (c columnSlice) Len() int { return c.keys.Len() }
func (c columnSlice) Less(i, j int) bool {
	return fmt.Sprint(c.keys.Index(i)) < fmt.Sprint(c.keys.Index(j))
}
func (c columnSlice) Swap(i, j int) {
	for _, swap := range c.swappers {
		swap(i, j)
	}
}

// sortColumns sorts a set of parallel column slices by the string
// rendering of their first column.
func sortColumns(columns []reflect.Value) {
	s := new(columnSlice)
	s.keys = columns[0]
	s.swappers = make([]func(i, j int), len(columns))
	for i := range columns {
		s.swappers[i] = reflect.Swapper(columns[i].Interface())
	}
	sort.Stable(s)
}

// assertEqual evaluates the table on each executor and compares its
// output columns with the expected columns. If sortRows is true, the
// rows of both actual and expected output are first sorted by the
// first column, so that tables with no guaranteed ordering can be
// compared.
func assertEqual(t *testing.T, tab loom.Table, sortRows bool, expect ...interface{}) {
	t.Helper()
	for name, scan := range run(context.Background(), t, tab) {
		ptrs := make([]interface{}, len(expect))
		for i := range ptrs {
			ptrs[i] = reflect.New(reflect.TypeOf(expect[i])).Interface()
		}
		loomtest.ScanAll(t, scan, ptrs...)
		got := make([]reflect.Value, len(expect))
		want := make([]reflect.Value, len(expect))
		for i := range expect {
			got[i] = reflect.ValueOf(ptrs[i]).Elem()
			// Copy so that sorting does not disturb the caller's slices.
			want[i] = reflect.MakeSlice(reflect.TypeOf(expect[i]), reflect.ValueOf(expect[i]).Len(), reflect.ValueOf(expect[i]).Len())
			reflect.Copy(want[i], reflect.ValueOf(expect[i]))
		}
		if sortRows {
			sortColumns(got)
			sortColumns(want)
		}
		for i := range expect {
			if g, w := got[i].Interface(), want[i].Interface(); !reflect.DeepEqual(g, w) {
				if got[i].Len() < 50 {
					t.Errorf("executor %s: column %d: got %v, want %v", name, i, g, w)
				} else {
					t.Errorf("executor %s: column %d mismatch (%d rows)", name, i, got[i].Len())
				}
			}
		}
	}
}

func expectTypeError(t *testing.T, message string, fn func()) {
	t.Helper()
	typecheck.TestCalldepth = 2
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		t.Fatal("runtime.Caller error")
	}
	defer func() {
		t.Helper()
		typecheck.TestCalldepth = 0
		e := recover()
		if e == nil {
			t.Fatal("expected error")
		}
		err, ok := e.(*typecheck.Error)
		if !ok {
			t.Fatalf("expected typecheck error, got %T", e)
		}
		if got, want := err.File, file; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := err.Line, line; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := err.Err.Error(), message; got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}()
	fn()
}

func TestConst(t *testing.T) {
	const N = 1000
	fz := fuzz.New()
	fz.NilChance(0)
	fz.NumElements(N, N)
	var (
		col1 []string
		col2 []int
	)
	fz.Fuzz(&col1)
	fz.Fuzz(&col2)
	for nshard := 1; nshard < 16; nshard += 3 {
		tab := loom.Const(nshard, col1, col2)
		assertEqual(t, tab, true, col1, col2)
	}
}

func TestConstError(t *testing.T) {
	expectTypeError(t, "const: invalid column inputs", func() { loom.Const(1, 123) })
	expectTypeError(t, "const: must have at least one column", func() { loom.Const(1) })
	expectTypeError(t, "const: nshard must be >= 1", func() { loom.Const(0, []int{1, 2, 3}) })
}

func TestReaderFunc(t *testing.T) {
	const (
		N      = 1000
		Nshard = 10
	)
	type state struct {
		next int
	}
	tab := loom.ReaderFunc(Nshard, func(shard int, state *state, ints []int) (n int, err error) {
		for i := range ints {
			if state.next == N {
				return i, frameio.EOF
			}
			ints[i] = shard*N + state.next
			state.next++
		}
		return len(ints), nil
	})
	expect := make([]int, 0, N*Nshard)
	for shard := 0; shard < Nshard; shard++ {
		for i := 0; i < N; i++ {
			expect = append(expect, shard*N+i)
		}
	}
	assertEqual(t, tab, true, expect)
}

func TestReaderFuncError(t *testing.T) {
	expectTypeError(t, "readerfunc: invalid reader function type func()", func() { loom.ReaderFunc(1, func() {}) })
	expectTypeError(t, "readerfunc: invalid reader function type string", func() { loom.ReaderFunc(1, "invalid") })
	expectTypeError(t, "readerfunc: invalid reader function type func(string, string, []int) (int, error)", func() {
		loom.ReaderFunc(1, func(shard string, state string, x []int) (int, error) { panic("") })
	})
	expectTypeError(t, "readerfunc: function func(int, string, []int) error does not return (int, error)", func() {
		loom.ReaderFunc(1, func(shard int, state string, x []int) error { panic("") })
	})
	expectTypeError(t, "readerfunc: function func(int, string, int) (int, error) is not vectorized", func() {
		loom.ReaderFunc(1, func(shard int, state string, x int) (int, error) { panic("") })
	})
}

func TestMap(t *testing.T) {
	const N = 1000
	input := make([]int, N)
	squares := make([]string, N)
	for i := range input {
		input[i] = i
		squares[i] = fmt.Sprint(i * i)
	}
	tab := loom.Const(7, input)
	tab = loom.Map(tab, func(i int) (int, string) { return i, fmt.Sprint(i * i) })
	assertEqual(t, tab, true, input, squares)
}

func TestMapError(t *testing.T) {
	input := loom.Const(1, []string{"x"})
	expectTypeError(t, "map: invalid map function int", func() { loom.Map(input, 123) })
	expectTypeError(t, "map: function func(int) int does not match input table type table[string]", func() {
		loom.Map(input, func(x int) int { return x })
	})
	expectTypeError(t, "map: need at least one output column", func() {
		loom.Map(input, func(x string) {})
	})
}

func TestFilter(t *testing.T) {
	const N = 1000
	input := make([]int, N)
	var odds []int
	for i := range input {
		input[i] = i
		if i%2 == 1 {
			odds = append(odds, i)
		}
	}
	tab := loom.Const(5, input)
	tab = loom.Filter(tab, func(i int) bool { return i%2 == 1 })
	assertEqual(t, tab, true, odds)
}

func TestFilterError(t *testing.T) {
	input := loom.Const(1, []string{"x"})
	expectTypeError(t, "filter: invalid predicate function int", func() { loom.Filter(input, 123) })
	expectTypeError(t, "filter: function func(int) bool does not match input table type table[string]", func() {
		loom.Filter(input, func(x int) bool { return false })
	})
	expectTypeError(t, "filter: predicate must return a single boolean value", func() {
		loom.Filter(input, func(x string) (bool, error) { return false, nil })
	})
}

func TestFlatmap(t *testing.T) {
	tab := loom.Const(2, []string{"x,x", "y,y,y", "z", ""})
	tab = loom.Flatmap(tab, func(s string) ([]string, []int) {
		if s == "" {
			return nil, nil
		}
		var (
			out    []string
			counts []int
		)
		for _, field := range splitComma(s) {
			out = append(out, field)
			counts = append(counts, len(field))
		}
		return out, counts
	})
	assertEqual(t, tab, true,
		[]string{"x", "x", "y", "y", "y", "z"},
		[]int{1, 1, 1, 1, 1, 1},
	)
}

func splitComma(s string) []string {
	var (
		fields []string
		field  []byte
	)
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			fields = append(fields, string(field))
			field = field[:0]
			continue
		}
		field = append(field, s[i])
	}
	return append(fields, string(field))
}

func TestHead(t *testing.T) {
	// Const splits 10 rows over 2 shards evenly, so Head(3) returns
	// the first 3 rows of each half.
	tab := loom.Const(2, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9})
	tab = loom.Head(tab, 3)
	assertEqual(t, tab, true, []int{0, 1, 2, 5, 6, 7})
}

func TestScan(t *testing.T) {
	const (
		N      = 1000
		Nshard = 4
	)
	input := make([]int, N)
	for i := range input {
		input[i] = i
	}
	var (
		mu     sync.Mutex
		rows   = map[int]int{}
		shards = map[int]bool{}
	)
	tab := loom.Const(Nshard, input)
	tab = loom.Scan(tab, func(shard int, scan *frameio.Scanner) error {
		mu.Lock()
		defer mu.Unlock()
		shards[shard] = true
		var v int
		for scan.Scan(context.Background(), &v) {
			rows[v]++
		}
		return scan.Err()
	})
	loomtest.Run(t, tab)
	if got, want := len(shards), Nshard; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(rows), N; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for v, count := range rows {
		if count != 1 {
			t.Errorf("row %d scanned %d times", v, count)
		}
	}
}
