// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package loom

import (
	"reflect"

	"github.com/grailbio/loom/frame"
	"github.com/grailbio/loom/frameio"
)

// An Accumulator maintains an in-memory accumulation of values,
// grouped by key. Accumulators should be read only after
// accumulation is complete.
type Accumulator interface {
	// Accumulate folds in the first n rows of the provided frame.
	Accumulate(in frame.Frame, n int)
	// Read reads a batch of accumulated values into keys and values,
	// which are slices of the key type and accumulator type
	// respectively.
	Read(keys, values reflect.Value) (int, error)
}

// canAccumulateKey tells whether values of the provided type can key
// an accumulator. Keys must be usable as Go map keys and have a
// stable identity under interface conversion.
func canAccumulateKey(keyType reflect.Type) bool {
	switch keyType.Kind() {
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}

// makeAccumulator returns an accumulator that folds values of type
// accType by keys of type keyType using the provided function, or
// nil if the key type is not supported.
func makeAccumulator(keyType, accType reflect.Type, fn reflect.Value) Accumulator {
	if !canAccumulateKey(keyType) {
		return nil
	}
	return &mapAccumulator{
		keyType: keyType,
		accType: accType,
		fn:      fn,
		state:   make(map[interface{}]reflect.Value),
	}
}

// mapAccumulator accumulates values in a Go map keyed by the
// interface value of the key column.
type mapAccumulator struct {
	keyType reflect.Type
	accType reflect.Type
	fn      reflect.Value
	state   map[interface{}]reflect.Value
}

func (a *mapAccumulator) Accumulate(in frame.Frame, n int) {
	keys := in[0]
	args := make([]reflect.Value, in.NumOut())
	for i := 0; i < n; i++ {
		key := keys.Index(i).Interface()
		val, ok := a.state[key]
		if !ok {
			val = reflect.Zero(a.accType)
		}
		args[0] = val
		for j := 1; j < in.NumOut(); j++ {
			args[j] = in[j].Index(i)
		}
		a.state[key] = a.fn.Call(args)[0]
	}
}

func (a *mapAccumulator) Read(keys, values reflect.Value) (n int, err error) {
	max := keys.Len()
	for key, val := range a.state {
		if n >= max {
			break
		}
		keys.Index(n).Set(reflect.ValueOf(key).Convert(a.keyType))
		values.Index(n).Set(val)
		delete(a.state, key)
		n++
	}
	if len(a.state) == 0 {
		return n, frameio.EOF
	}
	return n, nil
}
