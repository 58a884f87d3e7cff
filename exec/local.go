// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/loom/frame"
	"github.com/grailbio/loom/frameio"
)

// localExecutor runs tasks in-process in separate goroutines,
// bounded by the session's parallelism. All task output is buffered
// in memory. With a parallelism of one, evaluation is fully
// synchronous: one task runs at a time.
type localExecutor struct {
	mu      sync.Mutex
	buffers map[*Task]taskBuffer
	limiter *limiter.Limiter
	sess    *Session
}

func newLocalExecutor() *localExecutor {
	return &localExecutor{
		buffers: make(map[*Task]taskBuffer),
		limiter: limiter.New(),
	}
}

func (l *localExecutor) Start(sess *Session) (shutdown func()) {
	l.sess = sess
	l.limiter.Release(sess.p)
	return
}

func (l *localExecutor) Runnable(task *Task) {
	task.Set(TaskWaiting)
	go l.run(task)
}

func (l *localExecutor) run(task *Task) {
	ctx := context.Background()
	if err := l.limiter.Acquire(ctx, 1); err != nil {
		// The only errors encountered here are context errors, in
		// which case there is no more work to do.
		if err != context.Canceled && err != context.DeadlineExceeded {
			log.Panicf("exec.Local: unexpected error: %v", err)
		}
		return
	}
	defer l.limiter.Release(1)
	in := make([]frameio.Reader, 0, len(task.Deps))
	for _, dep := range task.Deps {
		readers := make([]frameio.Reader, len(dep.Tasks))
		for j, deptask := range dep.Tasks {
			readers[j] = l.Reader(ctx, deptask, dep.Partition)
		}
		in = append(in, frameio.MultiReader(readers...))
	}
	task.Set(TaskRunning)

	// Start execution, then place output in a task buffer.
	out := task.Do(in)
	buf, err := bufferOutput(ctx, task, out)
	task.Lock()
	if err == nil {
		l.mu.Lock()
		l.buffers[task] = buf
		l.mu.Unlock()
		task.state = TaskOk
	} else {
		task.state = TaskErr
		task.err = err
	}
	task.Broadcast()
	task.Unlock()
}

func (l *localExecutor) Reader(_ context.Context, task *Task, partition int) frameio.Reader {
	l.mu.Lock()
	buf := l.buffers[task]
	l.mu.Unlock()
	return buf.Reader(partition)
}

func (*localExecutor) HandleDebug(*http.ServeMux) {}

// bufferOutput reads the output from reader out and places it in a
// task buffer. If the output is partitioned, bufferOutput assigns
// rows to partitions using the task's partitioner, or else by key
// hash.
func bufferOutput(ctx context.Context, task *Task, out frameio.Reader) (buf taskBuffer, err error) {
	if task.NumOut() == 0 {
		_, err := out.Read(ctx, frame.Frame{})
		if err == frameio.EOF {
			err = nil
		}
		return nil, err
	}
	buf = make(taskBuffer, task.NumPartition)
	var (
		in        frame.Frame
		shards    []int
		partition = taskPartitioner(task)
	)
	defer func() {
		if e := recover(); e != nil {
			stack := debug.Stack()
			err = fmt.Errorf("panic while evaluating table: %v\n%s", e, string(stack))
			err = errors.E(err, errors.Fatal)
		}
	}()
	for {
		if in == nil {
			in = frame.Make(task, defaultChunksize, defaultChunksize)
		}
		n, err := out.Read(ctx, in)
		if err != nil && err != frameio.EOF {
			return nil, err
		}
		// Partitioned output is appended row-wise to per-partition
		// buffers of defaultChunksize rows each; unpartitioned output
		// is retained wholesale.
		if task.NumPartition > 1 {
			if shards == nil {
				shards = make([]int, defaultChunksize)
			}
			partition(in, task.NumPartition, shards[:n])
			for i := 0; i < n; i++ {
				p := shards[i]
				m := len(buf[p])
				if m == 0 || buf[p][m-1].Cap() == buf[p][m-1].Len() {
					f := frame.Make(task, 0, defaultChunksize)
					buf[p] = append(buf[p], f)
					m++
				}
				buf[p][m-1] = frame.Append(buf[p][m-1], in.Slice(i, i+1))
			}
		} else if n > 0 {
			in = in.Slice(0, n)
			buf[0] = append(buf[0], in)
			in = nil
		}
		if err == frameio.EOF {
			break
		}
	}
	return buf, nil
}

// taskPartitioner returns the partitioning function for the task's
// output: the task's own partitioner when one was assigned, or hash
// partitioning by the key column.
func taskPartitioner(task *Task) func(f frame.Frame, nshard int, shards []int) {
	if task.Partitioner != nil {
		return task.Partitioner
	}
	hasher := frame.NewHasher(task.Out(0), 0)
	var (
		mu    sync.Mutex
		parts = make(map[int]*frame.Partitioner)
	)
	return func(f frame.Frame, nshard int, shards []int) {
		mu.Lock()
		part, ok := parts[nshard]
		if !ok {
			part = frame.NewPartitioner(hasher, nshard)
			parts[nshard] = part
		}
		part.Partition(f, shards)
		mu.Unlock()
	}
}
