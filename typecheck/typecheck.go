// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package typecheck provides typechecking and type inference
// utilities for loom operators. Because tables are dynamically
// typed, operators validate their arguments at graph construction
// time and panic with errors attributed to the caller's source
// location.
package typecheck

import (
	"reflect"

	"github.com/grailbio/loom/coltype"
)

// Equal tells whether the expected and actual column types are equal.
func Equal(expect, actual coltype.Type) bool {
	if expect.NumOut() != actual.NumOut() {
		return false
	}
	for i := 0; i < expect.NumOut(); i++ {
		if expect.Out(i) != actual.Out(i) {
			return false
		}
	}
	return true
}

// Columns constructs a column type from a set of column values, each
// of which must be a slice. Columns returns false if any of the
// values are not valid columns.
func Columns(columns ...interface{}) (coltype.Type, bool) {
	types := make([]reflect.Type, len(columns))
	for i, col := range columns {
		t := reflect.TypeOf(col)
		if t == nil || t.Kind() != reflect.Slice {
			return nil, false
		}
		types[i] = t.Elem()
	}
	return coltype.New(types...), true
}

// Devectorize unwraps one level of slices from each column of the
// provided type, returning false if any column is not a slice.
// Vectorized operators use Devectorize to recover their row-wise
// types.
func Devectorize(typ coltype.Type) (coltype.Type, bool) {
	elems := make([]reflect.Type, typ.NumOut())
	for i := range elems {
		t := typ.Out(i)
		if t.Kind() != reflect.Slice {
			return nil, false
		}
		elems[i] = t.Elem()
	}
	return coltype.New(elems...), true
}

// CanApply tells whether a function with argument type in can be
// applied to values of type arg.
func CanApply(in, arg coltype.Type) bool {
	if in.NumOut() != arg.NumOut() {
		return false
	}
	for i := 0; i < in.NumOut(); i++ {
		if !arg.Out(i).AssignableTo(in.Out(i)) {
			return false
		}
	}
	return true
}
