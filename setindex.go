// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package loom

import (
	"context"
	"reflect"
	"sort"

	"github.com/grailbio/loom/frame"
	"github.com/grailbio/loom/frameio"
	"github.com/grailbio/loom/typecheck"
)

// sortSpillTarget is the target encoded size, in bytes, of the spill
// files written while sorting a shard.
const sortSpillTarget = 1 << 25

type setIndexTable struct {
	Table
	divisions frame.Frame // single key column holding the division boundaries
	sorter    frame.Sorter
}

// SetIndex returns a table whose rows are range partitioned and
// sorted by the key column. The provided divisions must be a sorted
// slice of the key type holding the interior shard boundaries: a
// row is assigned to the shard holding its key's range, so the
// output has len(divisions)+1 shards and is globally sorted when
// shards are read in order. Each output shard is sorted by an
// external merge sort, spilling to disk as needed.
//
// SetIndex replaces the input table's sharding: the output is range
// sharded.
func SetIndex(tab Table, divisions interface{}) Table {
	div := reflect.ValueOf(divisions)
	if !div.IsValid() || div.Kind() != reflect.Slice || div.Type().Elem() != tab.Out(0) {
		typecheck.Panicf(1, "setindex: divisions must be a []%s", tab.Out(0))
	}
	if !frame.CanSort(tab.Out(0)) {
		typecheck.Panicf(1, "setindex: key type %s cannot be ordered", tab.Out(0))
	}
	sorter := frame.NewSorter(tab.Out(0), 0)
	t := &setIndexTable{
		Table:     tab,
		divisions: frame.Frame{frame.Column(div)},
		sorter:    sorter,
	}
	if !sorter.IsSorted(t.divisions) {
		typecheck.Panic(1, "setindex: divisions are not sorted")
	}
	return t
}

func (t *setIndexTable) Op() string           { return "setindex" }
func (t *setIndexTable) NumShard() int        { return t.divisions.Len() + 1 }
func (*setIndexTable) ShardType() ShardType   { return RangeShard }
func (*setIndexTable) NumDep() int            { return 1 }

func (t *setIndexTable) Dep(i int) Dep {
	return Dep{t.Table, true, t.partition}
}

// partition assigns each row to the shard covering its key range:
// the first division greater than the key marks the shard index.
func (t *setIndexTable) partition(f frame.Frame, nshard int, shards []int) {
	ndiv := t.divisions.Len()
	for i := range shards {
		shards[i] = sort.Search(ndiv, func(j int) bool {
			return t.sorter.Less(f, i, t.divisions, j)
		})
	}
}

type setIndexReader struct {
	op     *setIndexTable
	reader frameio.Reader
	sorted frameio.Reader
	err    error
}

func (s *setIndexReader) Read(ctx context.Context, out frame.Frame) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	if s.sorted == nil {
		s.sorted, s.err = frameio.SortReader(ctx, s.op.sorter, sortSpillTarget, s.op.Table, s.reader)
		if s.err != nil {
			return 0, s.err
		}
	}
	return s.sorted.Read(ctx, out)
}

func (t *setIndexTable) Reader(shard int, deps []frameio.Reader) frameio.Reader {
	return &setIndexReader{op: t, reader: deps[0]}
}
