// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/grailbio/base/status"
	"github.com/grailbio/loom"
	"github.com/grailbio/loom/frameio"
)

type testExecutor struct{ *testing.T }

func (testExecutor) Start(*Session) (shutdown func()) {
	return func() {}
}

func (t testExecutor) Runnable(task *Task) {
	task.Lock()
	switch task.state {
	case TaskWaiting, TaskRunning:
		t.Fatalf("invalid task state %s", task.state)
	}
	task.state = TaskRunning
	task.Broadcast()
	task.Unlock()
}

func (testExecutor) Reader(context.Context, *Task, int) frameio.Reader {
	panic("not implemented")
}

func (testExecutor) HandleDebug(handler *http.ServeMux) {
	panic("not implemented")
}

// simpleEvalTest sets up a two-phase task graph (a const feeding a
// reshuffle) and runs its evaluation in the background.
type simpleEvalTest struct {
	Tasks []*Task
	Inv   loom.Invocation

	ConstTask, ShuffleTask *Task

	wg      sync.WaitGroup
	evalErr error
}

func (s *simpleEvalTest) Go(t *testing.T) {
	t.Helper()
	s.Tasks, _, s.Inv = compileFunc(func() loom.Table {
		tab := loom.Const(1, []int{1, 2, 3})
		tab = loom.Reshuffle(tab)
		return tab
	})
	s.ConstTask = s.Tasks[0].Deps[0].Tasks[0]
	s.ShuffleTask = s.Tasks[0]
	ctx := context.Background()
	s.wg.Add(1)
	go func() {
		group := new(status.Status).Group("eval test")
		s.evalErr = Eval(ctx, testExecutor{t}, s.Inv, s.Tasks, group)
		s.wg.Done()
	}()
}

func (s *simpleEvalTest) Wait() error {
	s.wg.Wait()
	return s.evalErr
}

func TestEvalErr(t *testing.T) {
	var (
		test simpleEvalTest
		ctx  = context.Background()
	)
	test.Go(t)
	state, err := test.ConstTask.WaitState(ctx, TaskRunning)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := state, TaskRunning; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	// The dependent task must not be scheduled before its dependency
	// completes.
	if got, want := test.ShuffleTask.State(), TaskInit; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	constErr := errors.New("const task error")
	test.ConstTask.Error(constErr)

	if got, want := test.Wait(), constErr; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := test.ShuffleTask.State(), TaskInit; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestEvalOrder(t *testing.T) {
	var (
		test simpleEvalTest
		ctx  = context.Background()
	)
	test.Go(t)
	if _, err := test.ConstTask.WaitState(ctx, TaskRunning); err != nil {
		t.Fatal(err)
	}
	test.ConstTask.Set(TaskOk)
	if _, err := test.ShuffleTask.WaitState(ctx, TaskRunning); err != nil {
		t.Fatal(err)
	}
	test.ShuffleTask.Set(TaskOk)
	if err := test.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestResubmitLostTask(t *testing.T) {
	var (
		test simpleEvalTest
		ctx  = context.Background()
	)
	test.Go(t)
	var (
		fst = test.ConstTask
		snd = test.ShuffleTask
	)
	fst.Lock()
	for fst.state != TaskRunning {
		if err := fst.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}
	fst.state = TaskLost
	fst.Broadcast()
	for fst.state == TaskLost || fst.state == TaskInit {
		if err := fst.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}
	// The evaluator should have resubmitted it.
	if got, want := fst.state, TaskRunning; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	fst.state = TaskOk
	fst.Broadcast()
	fst.Unlock()

	// Losing the dependency while the dependent task runs must cause
	// both to be rerun.
	snd.Lock()
	for snd.state != TaskRunning {
		if err := snd.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}
	snd.state = TaskLost
	snd.Broadcast()
	snd.Unlock()

	fst.Lock()
	fst.state = TaskLost
	fst.Broadcast()
	for fst.state == TaskLost || fst.state == TaskInit {
		if err := fst.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if got, want := fst.state, TaskRunning; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	fst.state = TaskOk
	fst.Broadcast()
	fst.Unlock()

	snd.Lock()
	for snd.state != TaskRunning {
		if err := snd.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}
	snd.state = TaskOk
	snd.Broadcast()
	snd.Unlock()

	if err := test.Wait(); err != nil {
		t.Fatal(err)
	}
}
