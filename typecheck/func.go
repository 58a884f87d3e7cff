// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package typecheck

import (
	"reflect"

	"github.com/grailbio/loom/coltype"
)

// Func extracts the argument and return column types of the provided
// function. It returns false if fn is not a function or is variadic.
func Func(fn interface{}) (arg, ret coltype.Type, ok bool) {
	t := reflect.TypeOf(fn)
	if t == nil || t.Kind() != reflect.Func || t.IsVariadic() {
		return nil, nil, false
	}
	args := make([]reflect.Type, t.NumIn())
	for i := range args {
		args[i] = t.In(i)
	}
	rets := make([]reflect.Type, t.NumOut())
	for i := range rets {
		rets[i] = t.Out(i)
	}
	return coltype.New(args...), coltype.New(rets...), true
}
