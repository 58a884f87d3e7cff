// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package frame implements the columnar batches of data that flow
// between loom operators. A frame is a list of column vectors of
// equal length; the vectors are represented as reflect.Values so
// that frames can carry any column type.
package frame

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/grailbio/loom/coltype"
	"github.com/grailbio/loom/typecheck"
)

// Column is a single column vector in a frame. Columns are always Go
// slices; they are represented as reflect.Values to support type
// polymorphism.
type Column reflect.Value

// ColumnOf returns a column for the provided value, which must be a
// slice.
func ColumnOf(x interface{}) Column {
	return Column(reflect.ValueOf(x))
}

// Index returns the value at index i of column c.
func (c Column) Index(i int) reflect.Value { return reflect.Value(c).Index(i) }

// Type returns the (slice) type of the column.
func (c Column) Type() reflect.Type { return reflect.Value(c).Type() }

// ElemType returns the element type of the column.
func (c Column) ElemType() reflect.Type { return c.Type().Elem() }

// Value returns the reflect.Value underlying the column.
func (c Column) Value() reflect.Value { return reflect.Value(c) }

// Slice slices the column in the manner of Go's slice operator.
func (c Column) Slice(i, j int) Column { return Column(reflect.Value(c).Slice(i, j)) }

// Len returns the column's length.
func (c Column) Len() int { return reflect.Value(c).Len() }

// Cap returns the column's capacity.
func (c Column) Cap() int { return reflect.Value(c).Cap() }

// Interface returns the column's value as an empty interface.
func (c Column) Interface() interface{} { return reflect.Value(c).Interface() }

// A Frame is a rectangular batch of rows, stored as a list of column
// vectors of equal length. Frames provide uniform, reflection-based
// access to the underlying vectors.
type Frame []Column

// Make returns a new frame of the given column type, length, and
// capacity. If the capacity is omitted it defaults to the length.
func Make(types coltype.Type, frameLen int, frameCap ...int) Frame {
	var cap int
	switch len(frameCap) {
	case 0:
		cap = frameLen
	case 1:
		cap = frameCap[0]
	default:
		panic("frame.Make: invalid capacity")
	}
	f := make(Frame, types.NumOut())
	for i := range f {
		f[i] = Column(reflect.MakeSlice(reflect.SliceOf(types.Out(i)), frameLen, cap))
	}
	return f
}

// Columns constructs a frame from a list of slices, one per column.
// Columns panics if any argument is not a slice or if the slice
// lengths do not match.
func Columns(cols ...interface{}) Frame {
	f := make(Frame, len(cols))
	n := -1
	for i, col := range cols {
		val := reflect.ValueOf(col)
		if val.Kind() != reflect.Slice {
			typecheck.Panicf(1, "expected slice, got %v", val.Type())
		}
		if n < 0 {
			n = val.Len()
		} else if val.Len() != n {
			typecheck.Panicf(1,
				"inconsistent column lengths: column %d has length %d, previous columns have length %d",
				i, val.Len(), n)
		}
		f[i] = Column(val)
	}
	return f
}

// Append appends the rows of frame g to frame f, returning the
// appended frame. As with Go's builtin append, the returned frame
// may share storage with f. Append accepts a nil f.
func Append(f, g Frame) Frame {
	if f == nil {
		f = make(Frame, len(g))
		for i := range f {
			f[i] = Column(reflect.Zero(g[i].Type()))
		}
	}
	for i := range f {
		f[i] = Column(reflect.AppendSlice(f[i].Value(), g[i].Value()))
	}
	return f
}

// Copy copies the rows of src to dst, returning the number of rows
// copied. Copy panics if src is not assignable to dst.
func Copy(dst, src Frame) int {
	var n int
	for i := range dst {
		n = reflect.Copy(dst[i].Value(), src[i].Value())
	}
	return n
}

// Slice returns the frame of rows i through j.
func (f Frame) Slice(i, j int) Frame {
	if f == nil {
		return nil
	}
	if i == 0 && j == f.Len() {
		return f
	}
	g := make(Frame, len(f))
	for k := range g {
		g[k] = f[k].Slice(i, j)
	}
	return g
}

// Len returns the frame's length.
func (f Frame) Len() int {
	if len(f) == 0 {
		return 0
	}
	return f[0].Len()
}

// Cap returns the frame's capacity.
func (f Frame) Cap() int {
	if len(f) == 0 {
		return 0
	}
	return f[0].Cap()
}

// NumOut implements coltype.Type.
func (f Frame) NumOut() int {
	return len(f)
}

// Out implements coltype.Type.
func (f Frame) Out(i int) reflect.Type {
	return f[i].ElemType()
}

// Realloc returns a frame of the provided length, returning a slice
// of f when it has sufficient capacity. Contents are not preserved
// when a new frame is allocated. Realloc may be called on a
// zero-valued frame.
func (f Frame) Realloc(typ coltype.Type, n int) Frame {
	if n <= f.Cap() {
		return f.Slice(0, n)
	}
	return Make(typ, n)
}

// CopyIndex copies row i of the frame into the provided row of
// column values.
func (f Frame) CopyIndex(row []reflect.Value, i int) {
	for j := range row {
		row[j] = f[j].Index(i)
	}
}

// SetIndex sets row i of the frame from the provided column values.
func (f Frame) SetIndex(row []reflect.Value, i int) {
	for j, v := range row {
		f[j].Index(i).Set(v)
	}
}

// Clear zeroes the frame's values. Frames must be cleared before
// values are decoded into them so that stale data cannot leak
// through gob's reuse of existing memory.
func (f Frame) Clear() {
	n := f.Len()
	for i := range f {
		zero := reflect.Zero(f.Out(i))
		for j := 0; j < n; j++ {
			f[i].Index(j).Set(zero)
		}
	}
}

// Swapper returns a function that swaps two rows of the frame.
func (f Frame) Swapper() func(i, j int) {
	swappers := make([]func(i, j int), len(f))
	for i := range f {
		swappers[i] = reflect.Swapper(f[i].Interface())
	}
	return func(i, j int) {
		for _, swap := range swappers {
			swap(i, j)
		}
	}
}

// Values returns the frame's columns as a slice of reflect.Values.
func (f Frame) Values() []reflect.Value {
	vals := make([]reflect.Value, len(f))
	for i := range f {
		vals[i] = f[i].Value()
	}
	return vals
}

// String returns a descriptive string for the frame.
func (f Frame) String() string {
	types := make([]string, len(f))
	for i := range f {
		types[i] = f[i].ElemType().String()
	}
	return fmt.Sprintf("frame[%d]%s", f.Len(), strings.Join(types, ","))
}

// Equal tells whether frames f and g are deeply equal.
func Equal(f, g Frame) bool {
	if len(f) != len(g) {
		return false
	}
	for i := range f {
		if !reflect.DeepEqual(f[i].Interface(), g[i].Interface()) {
			return false
		}
	}
	return true
}
