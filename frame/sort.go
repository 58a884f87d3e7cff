// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package frame

import (
	"reflect"
	"sort"

	"github.com/grailbio/loom/typecheck"
)

// A Sorter sorts and compares frames by a key column.
type Sorter interface {
	// Sort sorts the provided frame in place.
	Sort(Frame)
	// Less tells whether row i of frame f orders before row j of
	// frame g.
	Less(f Frame, i int, g Frame, j int) bool
	// IsSorted tells whether the provided frame is sorted.
	IsSorted(Frame) bool
}

// CanSort tells whether values of the provided type can be ordered
// by a Sorter.
func CanSort(typ reflect.Type) bool {
	switch typ.Kind() {
	case reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// NewSorter returns a Sorter that orders frames by the provided key
// column of type typ. Supported key types are Go's ordered kinds:
// strings, integers, and floats. NewSorter panics if the type cannot
// be ordered.
func NewSorter(typ reflect.Type, col int) Sorter {
	switch typ.Kind() {
	case reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return columnSorter{col: col, kind: typ.Kind()}
	}
	typecheck.Panicf(1, "values of type %s cannot be ordered", typ)
	panic("not reached")
}

type columnSorter struct {
	col  int
	kind reflect.Kind
}

func (c columnSorter) less(x, y reflect.Value) bool {
	switch c.kind {
	case reflect.String:
		return x.String() < y.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return x.Int() < y.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return x.Uint() < y.Uint()
	case reflect.Float32, reflect.Float64:
		return x.Float() < y.Float()
	}
	panic(c.kind)
}

func (c columnSorter) Sort(f Frame) {
	key := f[c.col]
	sorter := frameSorter{
		n:    f.Len(),
		swap: f.Swapper(),
		less: func(i, j int) bool { return c.less(key.Index(i), key.Index(j)) },
	}
	sort.Sort(sorter)
}

func (c columnSorter) Less(f Frame, i int, g Frame, j int) bool {
	return c.less(f[c.col].Index(i), g[c.col].Index(j))
}

func (c columnSorter) IsSorted(f Frame) bool {
	key := f[c.col]
	return sort.SliceIsSorted(key.Interface(), func(i, j int) bool {
		return c.less(key.Index(i), key.Index(j))
	})
}

type frameSorter struct {
	n    int
	swap func(i, j int)
	less func(i, j int) bool
}

func (s frameSorter) Len() int           { return s.n }
func (s frameSorter) Less(i, j int) bool { return s.less(i, j) }
func (s frameSorter) Swap(i, j int)      { s.swap(i, j) }
