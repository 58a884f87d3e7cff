// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/gob"
	"fmt"
	"net/http"
	"runtime"
	"sync"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/loom"
	"github.com/grailbio/loom/typecheck"
)

// DefaultMaxLoad is the default machine max load.
const DefaultMaxLoad = 0.95

func init() {
	gob.Register(&Result{})
}

// Session represents a loom compute session. A session shares a
// binary and executor, and is valid for the run of the binary. A
// session can run multiple loom funcs, allowing for iterative
// computing.
//
// A session is started by the Start method. Some executors may
// launch multiple copies of the binary: these additional binaries
// are called workers, and in these, Start does not return.
//
// All funcs must be created before Start is called, and must be
// created in a deterministic order. This is provided by default when
// funcs are created as part of package initialization. Registering
// toplevel funcs this way is both safe and encouraged:
//
//	var Computation = loom.Func(func(..) (tab loom.Table) {
//		// Build up the computation, parameterized by the function.
//		tab = ...
//		tab = ...
//		return tab
//	})
//
//	// Possibly in another package:
//	func main() {
//		sess := exec.Start()
//		if _, err := sess.Run(ctx, Computation, args...); err != nil {
//			log.Fatal(err)
//		}
//		// Success!
//	}
type Session struct {
	context.Context
	shutdown func()
	p        int
	maxLoad  float64
	executor Executor
	status   *status.Status

	mu sync.Mutex
	// roots stores all task roots compiled by this session; used for
	// debugging.
	roots map[*Task]struct{}
}

func newSession() *Session {
	return &Session{
		Context: context.Background(),
		status:  new(status.Status),
		roots:   make(map[*Task]struct{}),
	}
}

// An Option represents a session configuration parameter value.
type Option func(s *Session)

// Sync configures a session with the local in-binary executor
// running with a parallelism of one, so that tasks are evaluated
// one at a time. Sync sessions are useful for debugging since task
// panics retain the full calling context.
var Sync Option = func(s *Session) {
	s.executor = newLocalExecutor()
	s.p = 1
}

// Local configures a session with the local in-binary executor,
// running tasks in parallel goroutines up to the session's
// parallelism.
var Local Option = func(s *Session) {
	s.executor = newLocalExecutor()
}

// Bigmachine configures a session using the bigmachine executor
// configured with the provided system. If any params are provided,
// they are applied to each bigmachine allocated by loom.
func Bigmachine(system bigmachine.System, params ...bigmachine.Param) Option {
	return func(s *Session) {
		s.executor = newBigmachineExecutor(system, params...)
	}
}

// Parallelism configures the session with the provided target
// parallelism.
func Parallelism(p int) Option {
	if p <= 0 {
		panic("exec.Parallelism: p <= 0")
	}
	return func(s *Session) {
		s.p = p
	}
}

// MaxLoad configures the session with the provided max machine load.
func MaxLoad(maxLoad float64) Option {
	if maxLoad <= 0 {
		panic("exec.MaxLoad: maxLoad <= 0")
	}
	return func(s *Session) {
		s.maxLoad = maxLoad
	}
}

// Status configures the session with a status object to which run
// statuses are reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status
	}
}

// Start creates and starts a new loom session, configuring it
// according to the provided options. Only one session may be created
// in a single binary invocation. The returned session remains valid
// for the lifetime of the binary. If no executor is configured, the
// session is configured to use the bigmachine executor with local
// machines.
func Start(options ...Option) *Session {
	s := newSession()
	for _, opt := range options {
		opt(s)
	}
	if s.p == 0 {
		s.p = 1
	}
	if s.maxLoad == 0 {
		s.maxLoad = DefaultMaxLoad
	}
	if s.executor == nil {
		s.executor = newBigmachineExecutor(bigmachine.Local)
	}
	s.shutdown = s.executor.Start(s)
	return s
}

// Run evaluates the table returned by the loom func funcv applied to
// the provided arguments. Tasks are run by the session's executor.
// Run returns when the computation has completed, or else on error.
// It is safe to make concurrent calls to Run; the underlying
// computation will be performed in parallel.
func (s *Session) Run(ctx context.Context, funcv *loom.FuncValue, args ...interface{}) (*Result, error) {
	return s.run(ctx, 1, funcv, args...)
}

// Must is a version of Run that panics if the computation fails.
func (s *Session) Must(ctx context.Context, funcv *loom.FuncValue, args ...interface{}) *Result {
	res, err := s.run(ctx, 1, funcv, args...)
	if err != nil {
		log.Panicf("exec.Run: %v", err)
	}
	return res
}

// statusMu serializes status group creation so that the groups of
// concurrent runs are not interleaved.
var statusMu sync.Mutex

func (s *Session) run(ctx context.Context, calldepth int, funcv *loom.FuncValue, args ...interface{}) (*Result, error) {
	location := "<unknown>"
	if _, file, line, ok := runtime.Caller(calldepth + 1); ok {
		location = fmt.Sprintf("%s:%d", file, line)
		defer typecheck.Location(file, line)
	}
	var (
		inv   loom.Invocation
		tab   loom.Table
		tasks []*Task
		group *status.Group
		err   error
	)
	statusMu.Lock()
	inv = funcv.Invocation(args...)
	tab = inv.Invoke()
	tasks, err = newCompiler(make(taskNamer)).compile(inv, tab)
	if err == nil {
		group = s.status.Groupf("run %s [%d]", location, inv.Index)
	}
	statusMu.Unlock()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	for _, task := range tasks {
		s.roots[task] = struct{}{}
	}
	s.mu.Unlock()
	err = Eval(ctx, s.executor, inv, tasks, group)
	if err != nil {
		return nil, err
	}
	return &Result{
		Table: tab,
		sess:  s,
		inv:   inv,
		tasks: tasks,
	}, nil
}

// Parallelism returns the desired amount of evaluation parallelism.
func (s *Session) Parallelism() int {
	return s.p
}

// MaxLoad returns the maximum load on each allocated machine.
func (s *Session) MaxLoad() float64 {
	return s.maxLoad
}

// Shutdown tears down resources associated with this session. It
// should be called when the session is discarded.
func (s *Session) Shutdown() {
	if s.shutdown != nil {
		s.shutdown()
	}
}

// Status returns the session's status aggregator.
func (s *Session) Status() *status.Status {
	return s.status
}

// HandleDebug adds handlers for the session's diagnostic pages to
// the provided ServeMux: a status page, a task listing, and a task
// graph rendering, together with any executor-specific pages.
func (s *Session) HandleDebug(handler *http.ServeMux) {
	s.executor.HandleDebug(handler)
	handler.Handle("/debug/status", status.Handler(s.status))
	handler.Handle("/debug/tasks", http.HandlerFunc(s.handleTasks))
	handler.Handle("/debug/tasks/graph", http.HandlerFunc(s.handleTasksGraph))
}

func (s *Session) handleTasks(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, task := range s.rootTasks() {
		for _, t := range task.All() {
			fmt.Fprintf(w, "%s: %s\n", t.Name, t.State())
		}
	}
}

func (s *Session) handleTasksGraph(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, task := range s.rootTasks() {
		task.WriteGraph(w)
	}
}

func (s *Session) rootTasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := make([]*Task, 0, len(s.roots))
	for task := range s.roots {
		tasks = append(tasks, task)
	}
	return tasks
}
