// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/grailbio/base/status"
	"github.com/grailbio/loom"
	"github.com/grailbio/loom/coltype"
	"github.com/grailbio/loom/frameio"
)

// ErrTaskLost indicates that a task was in TaskLost state.
var ErrTaskLost = errors.New("task was lost")

// TaskState represents the runtime state of a Task. TaskState values
// are defined so that their magnitudes correspond with task
// progression.
type TaskState int

const (
	// TaskInit is the initial state of a task. Tasks in state
	// TaskInit have usually not yet been seen by an executor.
	TaskInit TaskState = iota

	// TaskWaiting indicates that a task has been made runnable but
	// has not yet been allocated resources by the executor.
	TaskWaiting
	// TaskRunning is the state of a task that is currently being
	// run. After a task is in state TaskRunning, it can only enter a
	// larger-valued state.
	TaskRunning

	// TaskOk indicates that a task has completed successfully; its
	// results are available to dependent tasks.
	//
	// All TaskState values greater than TaskOk indicate task errors.
	TaskOk

	// TaskErr indicates that the task experienced a failure while
	// running.
	TaskErr
	// TaskLost indicates that the task was lost, usually because the
	// machine to which it was assigned failed.
	TaskLost

	maxState
)

var states = [...]string{
	TaskInit:    "INIT",
	TaskWaiting: "WAITING",
	TaskRunning: "RUNNING",
	TaskOk:      "OK",
	TaskErr:     "ERROR",
	TaskLost:    "LOST",
}

// String returns the task's state as an upper-case string.
func (s TaskState) String() string {
	return states[s]
}

// A TaskDep describes a single dependency for a task. A dependency
// comprises one or more tasks and the partition number of the task
// set that must be read at run time.
type TaskDep struct {
	Tasks     []*Task
	Partition int
}

// A TaskName uniquely names a task by its constituent components.
type TaskName struct {
	// Op is a unique string describing the operation provided by the
	// task.
	Op string
	// Shard and NumShard describe the shard processed by this task
	// and the total number of shards to be processed.
	Shard, NumShard int
}

// String returns a canonical representation of the task name,
// formatted as:
//
//	{n.Op}@{n.NumShard}:{n.Shard}
func (n TaskName) String() string {
	return fmt.Sprintf("%s@%d:%d", n.Op, n.NumShard, n.Shard)
}

// A Task is a concrete computational task, typically the fused
// pipeline of operators for a single shard. Tasks form graphs
// through their dependencies; task graphs are compiled from tables.
//
// Tasks also maintain executor state and coordinate execution
// between concurrent evaluators and a single executor (which may be
// evaluating many tasks concurrently). Tasks thus embed a mutex and
// broadcast runtime state changes to waiters.
type Task struct {
	coltype.Type
	// Invocation is the Func invocation from which this task was
	// compiled.
	Invocation loom.Invocation
	// Name names the task uniquely within a session.
	Name TaskName
	// Do starts computation for this task, returning a reader that
	// computes batches of rows on demand. Do is invoked with readers
	// for the task's dependencies.
	Do func([]frameio.Reader) frameio.Reader
	// Deps are the task's dependencies. See TaskDep for details.
	Deps []TaskDep
	// NumPartition is the number of partitions output by this task.
	// If NumPartition > 1, the task's output is partitioned by the
	// Partitioner.
	NumPartition int
	// Partitioner assigns output rows to partitions. It is nil for
	// hash partitioning by the key column.
	Partitioner loom.Partitioner

	sync.Mutex
	waitc chan struct{}

	// state is the task's state, protected by the task's lock; state
	// changes are broadcast to waiters.
	state TaskState
	// err is defined when state == TaskErr.
	err error

	// Status is a status object to which task status is reported.
	Status *status.Task
}

// String returns a short, human-readable string describing the
// task's state.
func (t *Task) String() string {
	// State and err are read without the task's lock so that String
	// is safe to call while the lock is held.
	var b bytes.Buffer
	fmt.Fprintf(&b, "task %s [%d] %s", t.Name, t.Invocation.Index, t.state)
	if t.err != nil {
		fmt.Fprintf(&b, ": %v", t.err)
	}
	return b.String()
}

// Set sets the task's state to the provided state and notifies any
// waiters.
func (t *Task) Set(state TaskState) {
	t.Lock()
	t.state = state
	t.Broadcast()
	t.Unlock()
}

// Error sets the task's state to TaskErr and its error to the
// provided error. Waiters are notified.
func (t *Task) Error(err error) {
	t.Lock()
	t.state = TaskErr
	t.err = err
	if t.Status != nil {
		t.Status.Printf(err.Error())
	}
	t.Broadcast()
	t.Unlock()
}

// Errorf formats an error message in the manner of fmt.Errorf and
// sets the task's state to TaskErr.
func (t *Task) Errorf(format string, v ...interface{}) {
	t.Error(fmt.Errorf(format, v...))
}

// Err returns an error if the task's state is at least TaskErr.
func (t *Task) Err() error {
	t.Lock()
	defer t.Unlock()
	switch t.state {
	case TaskErr:
		if t.err == nil {
			panic("TaskErr without an err")
		}
		return t.err
	case TaskLost:
		return ErrTaskLost
	}
	return nil
}

// State returns the task's current state.
func (t *Task) State() TaskState {
	t.Lock()
	state := t.state
	t.Unlock()
	return state
}

// Broadcast notifies waiters of a state change. Broadcast must only
// be called while the task's lock is held.
func (t *Task) Broadcast() {
	if t.waitc != nil {
		close(t.waitc)
		t.waitc = nil
	}
}

// Wait returns after the next call to Broadcast, or when the
// context is done. The task's lock must be held when calling Wait.
func (t *Task) Wait(ctx context.Context) error {
	if t.waitc == nil {
		t.waitc = make(chan struct{})
	}
	waitc := t.waitc
	t.Unlock()
	var err error
	select {
	case <-waitc:
	case <-ctx.Done():
		err = ctx.Err()
	}
	t.Lock()
	return err
}

// WaitState returns when the task's state is at least the provided
// state, or else when the context is done.
func (t *Task) WaitState(ctx context.Context, state TaskState) (TaskState, error) {
	t.Lock()
	defer t.Unlock()
	var err error
	for t.state < state && err == nil {
		err = t.Wait(ctx)
	}
	return t.state, err
}

// GraphString returns a schematic string of the task graph rooted
// at t.
func (t *Task) GraphString() string {
	var b bytes.Buffer
	t.WriteGraph(&b)
	return b.String()
}

// WriteGraph writes a schematic string of the task graph rooted at
// t into w.
func (t *Task) WriteGraph(w io.Writer) {
	var tw tabwriter.Writer
	tw.Init(w, 4, 4, 1, ' ', 0)
	fmt.Fprintln(&tw, "tasks:")
	for _, task := range t.All() {
		out := make([]string, task.NumOut())
		for i := range out {
			out[i] = fmt.Sprint(task.Out(i))
		}
		outstr := strings.Join(out, ",")
		fmt.Fprintf(&tw, "\t%s\t%s\t%d [%s]\n", task.Name, outstr, task.NumPartition, task.State())
	}
	tw.Flush()
	fmt.Fprintln(&tw, "dependencies:")
	t.writeDeps(&tw)
	tw.Flush()
}

func (t *Task) writeDeps(w io.Writer) {
	for _, dep := range t.Deps {
		for _, task := range dep.Tasks {
			fmt.Fprintf(w, "\t%s:\t%s[%d]\n", t.Name, task.Name, dep.Partition)
			task.writeDeps(w)
		}
	}
}

// All returns the set of tasks reachable from t. The returned set
// is unique and sorted by name.
func (t *Task) All() []*Task {
	all := make(map[*Task]bool)
	t.all(all)
	var tasks []*Task
	for task := range all {
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].Name.String() < tasks[j].Name.String()
	})
	return tasks
}

func (t *Task) all(tasks map[*Task]bool) {
	if tasks[t] {
		return
	}
	tasks[t] = true
	for _, dep := range t.Deps {
		for _, task := range dep.Tasks {
			task.all(tasks)
		}
	}
}
