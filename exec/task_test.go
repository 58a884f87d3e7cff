// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/grailbio/loom"
)

func compileFunc(fn func() loom.Table) ([]*Task, loom.Table, loom.Invocation) {
	fv := loom.Func(fn)
	inv := fv.Invocation()
	tab := inv.Invoke()
	tasks, err := newCompiler(make(taskNamer)).compile(inv, tab)
	if err != nil {
		panic(err)
	}
	return tasks, tab, inv
}

func TestTaskState(t *testing.T) {
	task := &Task{Name: TaskName{Op: "test", Shard: 0, NumShard: 1}}
	if got, want := task.State(), TaskInit; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	task.Set(TaskWaiting)
	if got, want := task.State(), TaskWaiting; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if err := task.Err(); err != nil {
		t.Fatal(err)
	}
	task.Errorf("failed: %v", 123)
	if got, want := task.State(), TaskErr; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := task.Err().Error(), "failed: 123"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if s := task.String(); !strings.Contains(s, "ERROR") {
		t.Errorf("missing state in %q", s)
	}
}

func TestTaskLostErr(t *testing.T) {
	task := new(Task)
	task.Set(TaskLost)
	if got, want := task.Err(), ErrTaskLost; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestTaskWait(t *testing.T) {
	ctx := context.Background()
	task := new(Task)
	go func() {
		time.Sleep(10 * time.Millisecond)
		task.Set(TaskRunning)
		time.Sleep(10 * time.Millisecond)
		task.Error(errors.New("task failed"))
	}()
	state, err := task.WaitState(ctx, TaskRunning)
	if err != nil {
		t.Fatal(err)
	}
	if state < TaskRunning {
		t.Fatalf("state %v", state)
	}
	state, err = task.WaitState(ctx, TaskOk)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := state, TaskErr; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestTaskWaitCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	task := new(Task)
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if _, err := task.WaitState(ctx, TaskOk); err != context.Canceled {
		t.Errorf("got %v, want %v", err, context.Canceled)
	}
}

func TestTaskName(t *testing.T) {
	name := TaskName{Op: "inv1_const_map", Shard: 2, NumShard: 4}
	if got, want := name.String(), "inv1_const_map@4:2"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestTaskAll(t *testing.T) {
	tasks, _, _ := compileFunc(func() loom.Table {
		tab := loom.Const(2, []int{1, 2, 3}, []int{1, 1, 1})
		tab = loom.Fold(tab, func(a, e int) int { return a + e })
		return tab
	})
	all := tasks[0].All()
	// The rooted fold shard plus both const shards it reads.
	if got, want := len(all), 3; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	seen := map[*Task]bool{}
	for _, task := range all {
		if seen[task] {
			t.Errorf("task %s repeated", task.Name)
		}
		seen[task] = true
	}
}
