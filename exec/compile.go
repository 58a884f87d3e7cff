// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/grailbio/loom"
	"github.com/grailbio/loom/frameio"
)

// pipeline returns the sequence of tables that may be pipelined
// starting from tab. Tables that do not have shuffle dependencies
// may be fused into a single task.
func pipeline(tab loom.Table) (tables []loom.Table) {
	for {
		// Stop at *Results so that previously computed tasks are
		// reused.
		if _, ok := tab.(*Result); ok {
			return
		}
		tables = append(tables, tab)
		if tab.NumDep() != 1 {
			return
		}
		dep := tab.Dep(0)
		if dep.Shuffle {
			return
		}
		tab = dep.Table
	}
}

// A compiler compiles tables into task graphs, memoizing the tasks
// compiled for each table so that shared subgraphs are computed
// only once.
type compiler struct {
	namer taskNamer
	memo  map[loom.Table][]*Task
}

func newCompiler(namer taskNamer) *compiler {
	return &compiler{
		namer: namer,
		memo:  make(map[loom.Table][]*Task),
	}
}

// Compile compiles the provided table into a set of task graphs,
// one per shard of the table. The table is produced by the provided
// invocation. Compile fuses operations that can be pipelined into
// single tasks, creating wide dependencies only at shuffle
// boundaries. Tasks previously compiled for a *Result are reused so
// that retained results are not recomputed.
func (c *compiler) compile(inv loom.Invocation, tab loom.Table) ([]*Task, error) {
	// Reuse tasks from a previous run.
	if result, ok := tab.(*Result); ok {
		return result.tasks, nil
	}
	if tasks, ok := c.memo[tab]; ok {
		return tasks, nil
	}
	// Pipeline tables and create a task for each underlying shard,
	// fusing the eligible computations.
	tasks := make([]*Task, tab.NumShard())
	tables := pipeline(tab)
	ops := make([]string, 0, len(tables)+1)
	ops = append(ops, fmt.Sprintf("inv%x", inv.Index))
	for i := len(tables) - 1; i >= 0; i-- {
		ops = append(ops, tables[i].Op())
	}
	opName := c.namer.New(strings.Join(ops, "_"))
	for i := range tasks {
		tasks[i] = &Task{
			Type:         tables[0],
			Name:         TaskName{Op: opName, Shard: i, NumShard: len(tasks)},
			Invocation:   inv,
			NumPartition: 1,
		}
	}
	// Fuse execution by composing the pipelined readers.
	for i := len(tables) - 1; i >= 0; i-- {
		for shard := range tasks {
			var (
				shard  = shard
				reader = tables[i].Reader
				prev   = tasks[shard].Do
			)
			if prev == nil {
				// The innermost operator reads the input directly.
				tasks[shard].Do = func(readers []frameio.Reader) frameio.Reader {
					return reader(shard, readers)
				}
			} else {
				// Subsequent operators read the previous operator's
				// output.
				tasks[shard].Do = func(readers []frameio.Reader) frameio.Reader {
					return reader(shard, []frameio.Reader{prev(readers)})
				}
			}
		}
	}
	// Capture the dependencies for this task set; they are encoded
	// in the last table of the pipeline.
	lastTable := tables[len(tables)-1]
	for i := 0; i < lastTable.NumDep(); i++ {
		dep := lastTable.Dep(i)
		deptasks, err := c.compile(inv, dep.Table)
		if err != nil {
			return nil, err
		}
		if !dep.Shuffle {
			// Non-shuffle deps pass through shard-wise, for example
			// when pipelining stops at a reused result.
			if len(tasks) != len(deptasks) {
				log.Panicf("tasks:%d deptasks:%d", len(tasks), len(deptasks))
			}
			for shard := range tasks {
				tasks[shard].Deps = append(tasks[shard].Deps,
					TaskDep{[]*Task{deptasks[shard]}, 0})
			}
			continue
		}
		// Assign a partition width and partitioner to the
		// dependencies so that their output is partitioned at the
		// time of computation.
		for _, task := range deptasks {
			task.NumPartition = tab.NumShard()
			task.Partitioner = dep.Partitioner
		}
		// Each shard reads a different partition from all of the
		// dependency's shards.
		for partition := range tasks {
			tasks[partition].Deps = append(tasks[partition].Deps,
				TaskDep{deptasks, partition})
		}
	}
	c.memo[tab] = tasks
	return tasks, nil
}

type taskNamer map[string]int

func (n taskNamer) New(name string) string {
	c := n[name]
	n[name]++
	if c == 0 {
		return name
	}
	return fmt.Sprintf("%s%d", name, c)
}
