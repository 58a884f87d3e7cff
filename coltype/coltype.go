// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package coltype describes the column types carried by loom tables,
// frames, and tasks.
package coltype

import (
	"fmt"
	"reflect"
	"strings"
)

// A Type describes the columns of a table: their number and their
// Go types. The first column of a type is its key column, used for
// hashing, range partitioning, and sorting.
type Type interface {
	// NumOut returns the number of columns.
	NumOut() int
	// Out returns the data type of the ith column.
	Out(i int) reflect.Type
}

type typeSlice []reflect.Type

// New returns a Type comprising the provided column types.
func New(types ...reflect.Type) Type {
	return typeSlice(types)
}

func (t typeSlice) NumOut() int            { return len(t) }
func (t typeSlice) Out(i int) reflect.Type { return t[i] }

// Assignable tells whether columns of type in may be assigned to
// columns of type out.
func Assignable(in, out Type) bool {
	if in.NumOut() != out.NumOut() {
		return false
	}
	for i := 0; i < in.NumOut(); i++ {
		if !in.Out(i).AssignableTo(out.Out(i)) {
			return false
		}
	}
	return true
}

// Columns returns the column types of typ as a slice.
func Columns(typ Type) []reflect.Type {
	if slice, ok := typ.(typeSlice); ok {
		return slice
	}
	out := make([]reflect.Type, typ.NumOut())
	for i := range out {
		out[i] = typ.Out(i)
	}
	return out
}

// Concat returns the type obtained by concatenating the columns of
// the provided types in order.
func Concat(types ...Type) Type {
	var t typeSlice
	for _, typ := range types {
		t = append(t, Columns(typ)...)
	}
	return t
}

// String renders a human-readable representation of typ.
func String(typ Type) string {
	elems := make([]string, typ.NumOut())
	for i := range elems {
		elems[i] = typ.Out(i).String()
	}
	return fmt.Sprintf("table[%s]", strings.Join(elems, ", "))
}

// Signature returns the Go signature of a function accepting
// arguments of type arg and returning values of type ret.
func Signature(arg, ret Type) string {
	args := make([]string, arg.NumOut())
	for i := range args {
		args[i] = arg.Out(i).String()
	}
	rets := make([]string, ret.NumOut())
	for i := range rets {
		rets[i] = ret.Out(i).String()
	}
	var b strings.Builder
	b.WriteString("func(")
	b.WriteString(strings.Join(args, ", "))
	b.WriteString(")")
	switch len(rets) {
	case 0:
	case 1:
		b.WriteString(" ")
		b.WriteString(rets[0])
	default:
		b.WriteString(" (")
		b.WriteString(strings.Join(rets, ", "))
		b.WriteString(")")
	}
	return b.String()
}
