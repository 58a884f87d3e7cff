// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package loom

import (
	"fmt"
	"reflect"

	"github.com/grailbio/loom/coltype"
	"github.com/grailbio/loom/frame"
	"github.com/grailbio/loom/frameio"
	"github.com/grailbio/loom/typecheck"
)

var (
	typeOfInt  = reflect.TypeOf(int(0))
	coltypeInt = coltype.New(typeOfInt)
)

type reshuffleTable struct {
	op          string
	partitioner Partitioner
	Table
}

// Reshuffle returns a table that shuffles rows by the key column so
// that all rows with equal keys end up in the same shard. Rows are
// not sorted within a shard. The output table has the same type as
// the input.
func Reshuffle(tab Table) Table {
	if !frame.CanHash(tab.Out(0)) {
		typecheck.Panicf(1, "reshuffle: key type %s is not partitionable", tab.Out(0))
	}
	return &reshuffleTable{"reshuffle", nil, tab}
}

// Repartition repartitions the table with the provided function,
// which is invoked for each row to assign that row's shard. The
// function receives the number of shards together with the row's
// column values and returns the assigned shard.
//
// Schematically:
//
//	Repartition(Table<t1, ..., tn>, func(nshard int, v1 t1, ..., vn tn) int) Table<t1, ..., tn>
func Repartition(tab Table, partition interface{}) Table {
	arg, ret, ok := typecheck.Func(partition)
	if !ok {
		typecheck.Panicf(1, "repartition: not a function: %T", partition)
	}
	expectArg := coltype.Concat(coltypeInt, tab)
	if !typecheck.Equal(expectArg, arg) || !typecheck.Equal(coltypeInt, ret) {
		typecheck.Panicf(1, "repartition: expected %s, got %T", coltype.Signature(expectArg, coltypeInt), partition)
	}
	fval := reflect.ValueOf(partition)
	ncol := tab.NumOut()
	part := func(f frame.Frame, nshard int, shards []int) {
		args := make([]reflect.Value, ncol+1)
		args[0] = reflect.ValueOf(nshard)
		for i := range shards {
			for j := 0; j < ncol; j++ {
				args[j+1] = f[j].Index(i)
			}
			shards[i] = int(fval.Call(args)[0].Int())
		}
	}
	return &reshuffleTable{"repartition", part, tab}
}

func (r *reshuffleTable) Op() string     { return r.op }
func (*reshuffleTable) NumDep() int      { return 1 }
func (r *reshuffleTable) Dep(i int) Dep  { return Dep{r.Table, true, r.partitioner} }

func (r *reshuffleTable) Reader(shard int, deps []frameio.Reader) frameio.Reader {
	if len(deps) != 1 {
		panic(fmt.Errorf("expected one dep, got %d", len(deps)))
	}
	return deps[0]
}
