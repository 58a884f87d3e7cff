// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package loom

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/loom/frame"
	"github.com/grailbio/loom/frameio"
)

// testCalldepth is used by tests to verify caller attribution in
// typechecking errors.
var testCalldepth = 0

var typeOfError = reflect.TypeOf((*error)(nil)).Elem()

// DefaultChunksize is the vector size used for I/O throughout loom.
const defaultChunksize = 1024

var errTypeError = errors.New("type error")

// A Partitioner assigns the first len(shards) rows of a frame to
// shards, depositing assignments into shards. Custom partitioners
// are attached to shuffle dependencies by operators such as
// Repartition and SetIndex; a nil partitioner means hash
// partitioning by the key column.
type Partitioner func(f frame.Frame, nshard int, shards []int)

// A Dep is a Table dependency. A shuffle dependency requires a data
// shuffle step: the dependency's output is partitioned (by the
// partitioner, or by key hash when the partitioner is nil), and the
// dependent table's Reader is passed readers that yield a single
// partition drawn from all dependency shards.
type Dep struct {
	Table
	Shuffle     bool
	Partitioner Partitioner
}

// ShardType indicates how a Table's rows are assigned to its shards.
type ShardType int

const (
	// HashShard tables assign rows to shards by a stable hash of the
	// key column.
	HashShard ShardType = iota
	// RangeShard tables assign rows to shards by key ranges; the key
	// is always the first column.
	RangeShard
)

// A Table is a sharded, ordered, typed dataset. A table consists of
// zero or more columns distributed over one or more shards, and may
// depend on other tables from which it is computed. Before a
// table's shard can be read, its dependencies must be computed and
// their readers passed to the table's Reader method.
//
// Since Go lacks generics, table combinators perform dynamic
// typechecking. Schematically, we write the n-ary table with column
// types t1, ..., tn as Table<t1, t2, ..., tn>.
type Table interface {
	// NumOut returns the number of columns in the table.
	NumOut() int
	// Out returns the data type of a column.
	Out(column int) reflect.Type
	// Op is a descriptive name of the operation the table represents.
	Op() string

	// NumShard returns the number of shards in the table.
	NumShard() int
	// ShardType returns the table's sharding discipline.
	ShardType() ShardType

	// NumDep returns the number of table dependencies.
	NumDep() int
	// Dep returns the ith dependency.
	Dep(i int) Dep

	// Reader returns a reader for a shard of the table. The reader
	// computes the shard's rows on demand. The caller must provide
	// readers for all of the shard's dependencies, constructed
	// according to the dependency type (see Dep).
	Reader(shard int, deps []frameio.Reader) frameio.Reader
}

// String returns a string describing the table and its type.
func String(tab Table) string {
	types := make([]string, tab.NumOut())
	for i := range types {
		types[i] = fmt.Sprint(tab.Out(i))
	}
	return fmt.Sprintf("%s<%s>", tab.Op(), strings.Join(types, ", "))
}

func singleDep(i int, tab Table, shuffle bool) Dep {
	if i != 0 {
		panic(fmt.Sprintf("invalid dependency %d", i))
	}
	return Dep{tab, shuffle, nil}
}
