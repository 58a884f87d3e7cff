// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bufio"
	"container/heap"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"io/ioutil"
	"math/rand"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/loom"
	"github.com/grailbio/loom/frame"
	"github.com/grailbio/loom/frameio"
	"github.com/grailbio/loom/stats"
	"golang.org/x/sync/errgroup"
)

const (
	// StatsPollInterval is the period at which task statistics are
	// polled.
	statsPollInterval = 10 * time.Second

	// StatTimeout is the maximum amount of time allowed to retrieve
	// machine stats, per iteration.
	statTimeout = 5 * time.Second
)

// BigmachineStatusGroup is the name of the status group reporting
// per-machine status for the bigmachine executor.
const BigmachineStatusGroup = "bigmachine"

// RetryPolicy is the default retry policy used for machine calls.
var retryPolicy = retry.Backoff(time.Second, 5*time.Second, 1.5)

// FatalErr is used to match fatal errors.
var fatalErr = errors.E(errors.Fatal)

// DoShuffleReaders determines whether reader tasks should be
// shuffled in order to avoid potential thundering herd issues. It is
// disabled only in tests where deterministic ordering matters.
var doShuffleReaders = true

func init() {
	gob.Register(&worker{})
	gob.Register(invocationRef{})
}

// A loomMachine wraps a bigmachine.Machine with loom-specific
// metadata: task bookkeeping, statistics, and a status line.
type loomMachine struct {
	*bigmachine.Machine

	// Capacity is the number of procs on the machine available to
	// tasks, attenuated by the session's max load.
	Capacity int

	Stats  *stats.Map
	Status *status.Task

	// Index is the machine's index in the executor's priority queue.
	index int

	// Compiles ensures that each invocation is compiled exactly once
	// on the machine.
	compiles taskOnce

	mu       sync.Mutex
	curprocs int
	lost     bool
	// tasks is the set of tasks whose results reside on this machine.
	tasks map[*Task]bool
	disk  bigmachine.DiskInfo
	mem   bigmachine.MemInfo
	load  bigmachine.LoadInfo
	vals  stats.Values
}

// Go manages a loomMachine: it polls stats at regular intervals and
// marks the machine's tasks as lost when the machine fails.
func (m *loomMachine) Go(ctx context.Context) {
	stopped := m.Wait(bigmachine.Stopped)
loop:
	for ctx.Err() == nil {
		tctx, cancel := context.WithTimeout(ctx, statTimeout)
		g, gctx := errgroup.WithContext(tctx)
		var (
			mem  bigmachine.MemInfo
			merr error
			disk bigmachine.DiskInfo
			derr error
			load bigmachine.LoadInfo
			lerr error
			vals stats.Values
			verr error
		)
		g.Go(func() error {
			mem, merr = m.Machine.MemInfo(gctx, false)
			return nil
		})
		g.Go(func() error {
			disk, derr = m.Machine.DiskInfo(gctx)
			return nil
		})
		g.Go(func() error {
			load, lerr = m.Machine.LoadInfo(gctx)
			return nil
		})
		g.Go(func() error {
			verr = m.Machine.Call(gctx, "Worker.Stats", struct{}{}, &vals)
			return nil
		})
		_ = g.Wait()
		cancel()
		if merr != nil {
			log.Printf("meminfo %s: %v", m.Machine.Addr, merr)
		}
		if derr != nil {
			log.Printf("diskinfo %s: %v", m.Machine.Addr, derr)
		}
		if lerr != nil {
			log.Printf("loadinfo %s: %v", m.Machine.Addr, lerr)
		}
		m.mu.Lock()
		if merr == nil {
			m.mem = mem
		}
		if derr == nil {
			m.disk = disk
		}
		if lerr == nil {
			m.load = load
		}
		if verr == nil {
			m.vals = vals
		}
		m.mu.Unlock()
		m.UpdateStatus()
		select {
		case <-time.After(statsPollInterval):
		case <-ctx.Done():
		case <-stopped:
			break loop
		}
	}
	// The machine is dead: mark it as such and also mark all of its
	// pending and completed tasks as lost.
	m.mu.Lock()
	m.lost = true
	tasks := m.tasks
	m.tasks = nil
	m.mu.Unlock()
	log.Error.Printf("lost machine %s: marking its %d tasks as LOST", m.Machine.Addr, len(tasks))
	for task := range tasks {
		task.Set(TaskLost)
	}
}

// Assign records that the provided task's results reside on this
// machine, so that they can be marked lost if the machine dies.
func (m *loomMachine) Assign(task *Task) {
	m.mu.Lock()
	if m.tasks == nil {
		m.tasks = make(map[*Task]bool)
	}
	m.tasks[task] = true
	m.mu.Unlock()
}

// Lost reports whether this machine is considered lost.
func (m *loomMachine) Lost() bool {
	m.mu.Lock()
	lost := m.lost
	m.mu.Unlock()
	return lost
}

// UpdateStatus updates the machine's status line.
func (m *loomMachine) UpdateStatus() {
	m.mu.Lock()
	defer m.mu.Unlock()
	values := m.vals.Copy()
	m.Stats.AddAll(values)
	m.Status.Printf("mem %s/%s disk %s/%s load %.1f/%.1f/%.1f counters %s",
		data.Size(m.mem.System.Used), data.Size(m.mem.System.Total),
		data.Size(m.disk.Usage.Used), data.Size(m.disk.Usage.Total),
		m.load.Averages.Load1, m.load.Averages.Load5, m.load.Averages.Load15,
		values,
	)
}

// Load returns the machine's load: the proportion of its capacity
// that is currently in use.
func (m *loomMachine) Load() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return float64(m.curprocs) / float64(m.Capacity)
}

// MachineQ is a priority queue for loomMachines, prioritized by the
// machine's load, as defined by (*loomMachine).Load.
type machineQ []*loomMachine

func (h machineQ) Len() int           { return len(h) }
func (h machineQ) Less(i, j int) bool { return h[i].Load() < h[j].Load() }
func (h machineQ) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}

func (h *machineQ) Push(x interface{}) {
	m := x.(*loomMachine)
	m.index = len(*h)
	*h = append(*h, m)
}

func (h *machineQ) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	x.index = -1
	*h = old[0 : n-1]
	return x
}

// An invocationRef stands in for a Result argument when an
// invocation is transmitted to a worker: the result's own invocation
// is compiled on the worker first, and the reference is replaced by
// the worker-local Result.
type invocationRef struct{ Index uint64 }

// BigmachineExecutor is an executor that runs individual tasks on
// bigmachine machines.
type bigmachineExecutor struct {
	system bigmachine.System
	params []bigmachine.Param

	sess *Session
	b    *bigmachine.B

	machinesOnce sync.Once
	machinesErr  error

	status *status.Group

	mu sync.Mutex

	machines machineQ

	// Waiters is the set of tasks waiting for capacity. The waitlist
	// is FIFO: at most one gets notified for each task completion.
	waiters []*Task

	locations map[*Task]*loomMachine
	stats     map[string]stats.Values

	// Invocations and invocationDeps track dependencies between
	// invocations so that arbitrary graphs of tables can be executed
	// on bigmachine workers, including graphs that pass Results
	// between runs.
	invocations    map[uint64]loom.Invocation
	invocationDeps map[uint64]map[uint64]bool
}

func newBigmachineExecutor(system bigmachine.System, params ...bigmachine.Param) *bigmachineExecutor {
	return &bigmachineExecutor{system: system, params: params}
}

// Start registers the loom worker with bigmachine and then starts
// the bigmachine. In worker processes, bigmachine.Start does not
// return.
func (b *bigmachineExecutor) Start(sess *Session) (shutdown func()) {
	b.sess = sess
	b.b = bigmachine.Start(b.system)
	b.locations = make(map[*Task]*loomMachine)
	b.stats = make(map[string]stats.Values)
	b.invocations = make(map[uint64]loom.Invocation)
	b.invocationDeps = make(map[uint64]map[uint64]bool)
	if status := sess.Status(); status != nil {
		b.status = status.Group(BigmachineStatusGroup)
	}
	return b.b.Shutdown
}

func (b *bigmachineExecutor) Runnable(task *Task) {
	task.Lock()
	switch task.state {
	case TaskWaiting, TaskRunning:
		task.Unlock()
		return
	}
	task.state = TaskWaiting
	task.Broadcast()
	task.Unlock()
	go b.run(task)
}

func (b *bigmachineExecutor) compile(ctx context.Context, m *loomMachine, inv loom.Invocation) error {
	// Substitute Result arguments for an invocation ref and record
	// the dependency.
	b.mu.Lock()
	for i, arg := range inv.Args {
		result, ok := arg.(*Result)
		if !ok {
			continue
		}
		inv.Args[i] = invocationRef{result.inv.Index}
		if _, ok := b.invocations[result.inv.Index]; !ok {
			b.mu.Unlock()
			return fmt.Errorf("invalid result invocation %x", result.inv.Index)
		}
		if b.invocationDeps[inv.Index] == nil {
			b.invocationDeps[inv.Index] = make(map[uint64]bool)
		}
		b.invocationDeps[inv.Index][result.inv.Index] = true
	}
	b.invocations[inv.Index] = inv

	// Traverse the invocation graph bottom-up, making sure
	// everything is compiled on the machine in a valid order.
	var (
		todo        = []uint64{inv.Index}
		invocations []loom.Invocation
	)
	for len(todo) > 0 {
		var i uint64
		i, todo = todo[0], todo[1:]
		invocations = append(invocations, b.invocations[i])
		for j := range b.invocationDeps[i] {
			todo = append(todo, j)
		}
	}
	b.mu.Unlock()

	for i := len(invocations) - 1; i >= 0; i-- {
		err := m.compiles.Do(invocations[i].Index, func() error {
			return m.RetryCall(ctx, "Worker.Compile", invocations[i], nil)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *bigmachineExecutor) run(task *Task) {
	ctx := context.Background()
	task.Status.Print("waiting for a machine")
	if err := b.initMachines(); err != nil {
		task.Errorf("machine initialization failed: %v", err)
		return
	}

	// Acquire a proc on the least-loaded machine, or join the
	// waitlist when the cluster is at capacity.
	var m *loomMachine
	for {
		b.mu.Lock()
		for len(b.machines) > 0 && b.machines[0].Lost() {
			heap.Pop(&b.machines)
		}
		if len(b.machines) == 0 {
			b.mu.Unlock()
			task.Errorf("no machines available")
			return
		}
		m = b.machines[0]
		m.mu.Lock()
		if m.curprocs < m.Capacity {
			m.curprocs++
			m.mu.Unlock()
			heap.Fix(&b.machines, m.index)
			b.mu.Unlock()
			break
		}
		m.mu.Unlock()
		b.waiters = append(b.waiters, task)
		task.Lock()
		b.mu.Unlock()
		err := task.Wait(ctx)
		task.Unlock()
		if err != nil {
			task.Error(err)
			return
		}
	}

	numTasks := m.Stats.Int("tasks")
	numTasks.Add(1)
	m.UpdateStatus()
	defer func() {
		numTasks.Add(-1)
		m.UpdateStatus()
		b.mu.Lock()
		var waiter *Task
		if len(b.waiters) > 0 {
			waiter, b.waiters = b.waiters[0], b.waiters[1:]
		}
		m.mu.Lock()
		m.curprocs--
		m.mu.Unlock()
		if m.index >= 0 && m.index < len(b.machines) {
			heap.Fix(&b.machines, m.index)
		}
		b.mu.Unlock()
		if waiter != nil {
			waiter.Lock()
			waiter.Broadcast()
			waiter.Unlock()
		}
	}()

	// Make sure that the invocation has been compiled on the
	// selected machine.
compile:
	for {
		err := b.compile(ctx, m, task.Invocation)
		switch {
		case err == nil:
			break compile
		case ctx.Err() == nil && (err == context.Canceled || err == context.DeadlineExceeded):
			// We've caught a context error from a prior invocation.
			// Try again; this is racy, but the behavior remains
			// correct at the cost of some extra data transfer.
			m.compiles.Forget(task.Invocation.Index)
		case errors.Is(errors.Net, err), errors.IsTemporary(err):
			// Compilation doesn't involve invoking user code, so we
			// interpret errors strictly.
			task.Status.Printf("task lost while compiling invocation: %v", err)
			task.Set(TaskLost)
			return
		default:
			task.Errorf("failed to compile invocation on machine %s: %v", m.Addr, err)
			return
		}
	}

	// Populate the run request. Include the locations of all
	// dependent outputs so that the receiving worker can read from
	// them.
	req := taskRunRequest{
		Task:       task.Name,
		Invocation: task.Invocation.Index,
		Locations:  make(map[TaskName]string),
	}
	for _, dep := range task.Deps {
		for _, deptask := range dep.Tasks {
			depm := b.location(deptask)
			if depm == nil {
				task.Errorf("task %s has no location", deptask.Name)
				return
			}
			req.Locations[deptask.Name] = depm.Addr
		}
	}
	task.Status.Print(m.Addr)

	// While we're running, also update task stats directly into the
	// task's status.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(statsPollInterval):
			}
			var vals stats.Values
			if err := m.Call(ctx, "Worker.Stats", struct{}{}, &vals); err != nil {
				if err != context.Canceled {
					log.Error.Printf("Worker.Stats: %v", err)
				}
				return
			}
			task.Status.Printf("%s: %s", m.Addr, vals)
			b.mu.Lock()
			name := fmt.Sprintf("%s(%x)", task.Name, task.Invocation.Index)
			b.stats[name] = vals
			b.mu.Unlock()
			b.updateStatus()
		}
	}()

	task.Set(TaskRunning)
	var reply taskRunReply
	err := m.RetryCall(ctx, "Worker.Run", req, &reply)
	switch {
	case err == nil:
		b.setLocation(task, m)
		task.Set(TaskOk)
		m.Assign(task)
	case ctx.Err() != nil:
		task.Error(err)
	case errors.Match(fatalErr, err):
		// Fatal errors aren't retryable.
		task.Error(err)
	default:
		// Everything else we consider as the task being lost. It'll
		// get resubmitted by the evaluator.
		task.Status.Printf("lost task during task evaluation: %v", err)
		task.Set(TaskLost)
	}
}

func (b *bigmachineExecutor) Reader(ctx context.Context, task *Task, partition int) frameio.Reader {
	m := b.location(task)
	if m == nil {
		return frameio.ErrReader(errors.E(errors.NotExist, fmt.Sprintf("task %s", task.Name)))
	}
	return &machineReader{
		Machine:       m.Machine,
		TaskPartition: taskPartition{task.Name, partition},
	}
}

func (b *bigmachineExecutor) initMachines() error {
	b.machinesOnce.Do(func() {
		// Adjust the per-machine capacity by the max load, always
		// leaving at least one proc so that progress is possible.
		var (
			p         = b.sess.Parallelism()
			maxprocs  = b.b.System().Maxprocs()
			machprocs = int(float64(maxprocs) * b.sess.MaxLoad())
		)
		if machprocs < 1 {
			machprocs = 1
		}
		n := (p + machprocs - 1) / machprocs
		if n < 1 {
			n = 1
		}
		log.Printf("starting %d machines (p=%d, maxprocs=%d, maxload=%.2f)", n, p, maxprocs, b.sess.MaxLoad())
		ctx := context.Background()
		params := append([]bigmachine.Param{bigmachine.Services{"Worker": &worker{}}}, b.params...)
		machines, err := b.b.Start(ctx, n, params...)
		if err != nil {
			b.machinesErr = err
			return
		}
		log.Printf("waiting for %d machines", len(machines))
		g, ctx := errgroup.WithContext(ctx)
		for i := range machines {
			m := machines[i]
			status := b.status.Start()
			status.Print("waiting for machine to boot")
			g.Go(func() error {
				<-m.Wait(bigmachine.Running)
				if err := m.Err(); err != nil {
					log.Printf("machine %s failed to start: %v", m.Addr, err)
					status.Printf("failed to start: %v", err)
					status.Done()
					return nil
				}
				status.Title(m.Addr)
				status.Print("running")
				log.Printf("machine %v is ready", m.Addr)
				lm := &loomMachine{
					Machine:  m,
					Capacity: machprocs,
					Stats:    stats.NewMap(),
					Status:   status,
				}
				go lm.Go(context.Background())
				b.mu.Lock()
				heap.Push(&b.machines, lm)
				b.mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			b.machinesErr = err
			return
		}
		if len(b.machines) == 0 {
			b.machinesErr = errors.E("no machines started")
			return
		}
	})
	return b.machinesErr
}

func (b *bigmachineExecutor) HandleDebug(handler *http.ServeMux) {
	b.b.HandleDebug(handler)
}

// Location returns the machine on which the results of the provided
// task reside.
func (b *bigmachineExecutor) location(task *Task) *loomMachine {
	b.mu.Lock()
	m := b.locations[task]
	b.mu.Unlock()
	return m
}

func (b *bigmachineExecutor) setLocation(task *Task, m *loomMachine) {
	b.mu.Lock()
	b.locations[task] = m
	b.mu.Unlock()
}

func (b *bigmachineExecutor) updateStatus() {
	total := make(stats.Values)
	b.mu.Lock()
	for _, stat := range b.stats {
		for k, v := range stat {
			total[k] += v
		}
	}
	b.mu.Unlock()
	b.status.Print(total)
}

// A worker is the bigmachine service that runs individual tasks and
// serves the results of previous runs. Task output is stored in a
// local file store.
type worker struct {
	// Exported just satisfies gob's persnickety nature: we need at
	// least one exported field.
	Exported struct{}

	b     *bigmachine.B
	store Store

	mu       sync.Mutex
	compiles taskOnce
	tasks    map[uint64]map[TaskName]*Task
	tables   map[uint64]loom.Table
	stats    *stats.Map
}

func (w *worker) Init(b *bigmachine.B) error {
	w.tasks = make(map[uint64]map[TaskName]*Task)
	w.tables = make(map[uint64]loom.Table)
	w.b = b
	dir, err := ioutil.TempDir("", "loom")
	if err != nil {
		return err
	}
	w.store = &fileStore{Prefix: dir + "/"}
	w.stats = stats.NewMap()
	return nil
}

// Compile compiles an invocation on the worker and stores the
// resulting tasks. Compile is idempotent: it will compile each
// invocation at most once.
func (w *worker) Compile(ctx context.Context, inv loom.Invocation, _ *struct{}) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = fmt.Errorf("invocation panic! %v", e)
			err = errors.E(errors.Fatal, err)
		}
	}()
	return w.compiles.Do(inv.Index, func() error {
		// Substitute invocation refs for the results of the
		// invocation. The executor has ensured that all references
		// have been compiled.
		for i, arg := range inv.Args {
			ref, ok := arg.(invocationRef)
			if !ok {
				continue
			}
			w.mu.Lock()
			inv.Args[i], ok = w.tables[ref.Index]
			w.mu.Unlock()
			if !ok {
				return fmt.Errorf("worker.Compile: invalid invocation reference %x", ref.Index)
			}
		}
		tab := inv.Invoke()
		tasks, err := newCompiler(make(taskNamer)).compile(inv, tab)
		if err != nil {
			return err
		}
		all := make(map[*Task]bool)
		for _, task := range tasks {
			task.all(all)
		}
		named := make(map[TaskName]*Task)
		for task := range all {
			named[task.Name] = task
		}
		w.mu.Lock()
		w.tasks[inv.Index] = named
		w.tables[inv.Index] = &Result{Table: tab, inv: inv, tasks: tasks}
		w.mu.Unlock()
		return nil
	})
}

// TaskRunRequest contains all data required to run an individual
// task.
type taskRunRequest struct {
	// Invocation is the invocation from which the task was compiled.
	Invocation uint64

	// Task is the name of the task compiled from Invocation.
	Task TaskName

	// Locations contains the locations of the output of each
	// dependency.
	Locations map[TaskName]string
}

type taskRunReply struct{} // nothing here yet

// Run runs an individual task as described in the request. Run
// returns a nil error when the task was successfully run and its
// output deposited in the local store.
func (w *worker) Run(ctx context.Context, req taskRunRequest, reply *taskRunReply) (err error) {
	recordsOut := w.stats.Int("write")
	w.mu.Lock()
	named := w.tasks[req.Invocation]
	w.mu.Unlock()
	if named == nil {
		return errors.E(errors.Fatal, fmt.Errorf("invocation %x not compiled", req.Invocation))
	}
	task := named[req.Task]
	if task == nil {
		return errors.E(errors.Fatal, fmt.Errorf("task %s not found", req.Task))
	}

	// A task can be requested multiple times, e.g. when a machine
	// serving as an intermediate result is lost and a retry races
	// with a dependent task's own retry. Run each task at most once
	// at a time and share the outcome.
	task.Lock()
	if task.state != TaskInit {
		for task.state <= TaskRunning {
			log.Printf("runtask: %s already running; waiting for it to finish", task.Name)
			err = task.Wait(ctx)
			if err != nil {
				break
			}
		}
		task.Unlock()
		if e := task.Err(); e != nil {
			err = e
		}
		return err
	}
	task.state = TaskRunning
	task.Unlock()
	defer func() {
		if e := recover(); e != nil {
			stack := debug.Stack()
			err = fmt.Errorf("panic while evaluating table: %v\n%s", e, string(stack))
			err = errors.E(err, errors.Fatal)
		}
		if err != nil {
			log.Printf("task %s error: %v", req.Task, err)
			task.Error(errors.Recover(err))
		} else {
			task.Set(TaskOk)
		}
	}()

	// Gather inputs from the cluster, dialing machines as necessary.
	var (
		totalRecordsIn *stats.Int
		recordsIn      *stats.Int
	)
	if len(task.Deps) > 0 {
		totalRecordsIn = w.stats.Int("inrecords")
		recordsIn = w.stats.Int("read")
	}
	in := make([]frameio.Reader, 0, len(task.Deps))
	for _, dep := range task.Deps {
		readers := make([]frameio.Reader, len(dep.Tasks))
		// Shuffle the readers so that we don't encounter "thundering
		// herd" issues where partitions are read sequentially from
		// the same (ordered) list of machines.
		shuffled := rand.Perm(len(dep.Tasks))
	tasks:
		for j := range dep.Tasks {
			k := j
			if doShuffleReaders {
				k = shuffled[j]
			}
			deptask := dep.Tasks[k]
			// If we have it locally, read it directly.
			info, err := w.store.Stat(ctx, deptask.Name, dep.Partition)
			if err == nil {
				rc, err := w.store.Open(ctx, deptask.Name, dep.Partition, 0)
				if err == nil {
					defer rc.Close()
					readers[j] = frameio.NewDecodingReader(rc)
					totalRecordsIn.Add(info.Records)
					continue tasks
				}
			}
			// Otherwise find the location of the task and dial.
			addr := req.Locations[deptask.Name]
			if addr == "" {
				return fmt.Errorf("no location for input task %s", deptask.Name)
			}
			machine, err := w.b.Dial(ctx, addr)
			if err != nil {
				return err
			}
			tp := taskPartition{deptask.Name, dep.Partition}
			if err := machine.Call(ctx, "Worker.Stat", tp, &info); err != nil {
				return err
			}
			r := &machineReader{
				Machine:       machine,
				TaskPartition: tp,
			}
			readers[j] = &statsReader{r, recordsIn}
			totalRecordsIn.Add(info.Records)
			defer r.Close()
		}
		in = append(in, frameio.MultiReader(readers...))
	}

	// Stream partition output directly to the underlying store, but
	// through a buffer because the column encoder can make small
	// writes.
	type partition struct {
		wc  writeCommitter
		buf *bufio.Writer
		*frameio.Encoder
	}
	partitions := make([]*partition, task.NumPartition)
	for p := range partitions {
		wc, err := w.store.Create(ctx, task.Name, p)
		if err != nil {
			return err
		}
		part := new(partition)
		part.wc = wc
		part.buf = bufio.NewWriter(wc)
		part.Encoder = frameio.NewEncoder(part.buf)
		partitions[p] = part
	}
	defer func() {
		for p, part := range partitions {
			if part == nil {
				continue
			}
			if err := part.wc.Discard(ctx); err != nil {
				log.Printf("discard %s partition %d: %v", task.Name, p, err)
			}
		}
	}()
	out := task.Do(in)
	count := make([]int64, task.NumPartition)
	switch {
	case task.NumOut() == 0:
		// If there are no output columns, just drive the computation.
		_, err := out.Read(ctx, frame.Frame{})
		if err == frameio.EOF {
			err = nil
		}
		return err
	case task.NumPartition > 1:
		const psize = defaultChunksize / 100
		var (
			shards     = make([]int, defaultChunksize)
			partitionv = make([]frame.Frame, task.NumPartition)
			lens       = make([]int, task.NumPartition)
			partition  = taskPartitioner(task)
		)
		for i := range partitionv {
			partitionv[i] = frame.Make(task, psize, psize)
		}
		in := frame.Make(task, defaultChunksize, defaultChunksize)
		for {
			n, err := out.Read(ctx, in)
			if err != nil && err != frameio.EOF {
				return err
			}
			partition(in, task.NumPartition, shards[:n])
			for i := 0; i < n; i++ {
				p := shards[i]
				j := lens[p]
				frame.Copy(partitionv[p].Slice(j, j+1), in.Slice(i, i+1))
				lens[p]++
				count[p]++
				// Flush when we fill up.
				if lens[p] == psize {
					if err := partitions[p].Encode(partitionv[p]); err != nil {
						return err
					}
					partitionv[p].Clear()
					lens[p] = 0
				}
			}
			recordsOut.Add(int64(n))
			if err == frameio.EOF {
				break
			}
		}
		// Flush remaining data.
		for p, n := range lens {
			if n == 0 {
				continue
			}
			if err := partitions[p].Encode(partitionv[p].Slice(0, n)); err != nil {
				return err
			}
		}
	default:
		in := frame.Make(task, defaultChunksize, defaultChunksize)
		for {
			n, err := out.Read(ctx, in)
			if err != nil && err != frameio.EOF {
				return err
			}
			if err := partitions[0].Encode(in.Slice(0, n)); err != nil {
				return err
			}
			recordsOut.Add(int64(n))
			count[0] += int64(n)
			if err == frameio.EOF {
				break
			}
		}
	}

	for i, part := range partitions {
		if err := part.buf.Flush(); err != nil {
			return err
		}
		partitions[i] = nil
		if err := part.wc.Commit(ctx, count[i]); err != nil {
			return err
		}
	}
	partitions = nil
	return nil
}

func (w *worker) Stats(ctx context.Context, _ struct{}, values *stats.Values) error {
	w.stats.AddAll(*values)
	return nil
}

// TaskPartition names a partition of a task.
type taskPartition struct {
	// Task is the name of the task whose output is to be read.
	Task TaskName
	// Partition is the partition number to read.
	Partition int
}

// Stat returns the stored metadata for a task partition.
func (w *worker) Stat(ctx context.Context, tp taskPartition, info *tableInfo) (err error) {
	*info, err = w.store.Stat(ctx, tp.Task, tp.Partition)
	return
}

// ReadRequest is the request payload for Worker.Read.
type readRequest struct {
	// Task is the name of the task whose output is to be read.
	Task TaskName
	// Partition is the partition number to read.
	Partition int
	// Offset is the start offset of the read.
	Offset int64
}

// Read reads a partition of a task's stored output.
func (w *worker) Read(ctx context.Context, req readRequest, rc *io.ReadCloser) (err error) {
	*rc, err = w.store.Open(ctx, req.Task, req.Partition, req.Offset)
	return
}

// machineRPCReader reads the raw byte stream of a task partition
// from a remote machine, reissuing the streaming read RPC from the
// last good offset when a connection fails mid-stream.
type machineRPCReader struct {
	ctx           context.Context
	machine       *bigmachine.Machine
	taskPartition taskPartition

	err     error
	reader  io.ReadCloser
	bytes   int64
	retries int
}

func (r *machineRPCReader) Read(data []byte) (int, error) {
	for {
		if r.err != nil {
			return 0, r.err
		}
		if r.reader == nil {
			if r.retries > 0 {
				log.Printf("Worker.Read %s: retrying(%d) rpc from offset %d",
					r.taskPartition.Task, r.retries, r.bytes)
			}
			if err := r.machine.RetryCall(r.ctx, "Worker.Read",
				readRequest{r.taskPartition.Task, r.taskPartition.Partition, r.bytes}, &r.reader); err != nil {
				r.err = err
				return 0, r.err
			}
		}
		n, err := r.reader.Read(data)
		if err == nil || err == io.EOF {
			r.err = err
			r.bytes += int64(n)
			return n, err
		}
		// Retry regardless of error kind: the subsequent call to
		// Worker.Read will surface any permanent error.
		log.Error.Printf("machineReader %s: error (%d) at %d bytes: %v",
			r.machine.Addr, r.retries, r.bytes, err)
		r.reader.Close()
		r.reader = nil
		r.retries++
		if r.err = retry.Wait(r.ctx, retryPolicy, r.retries); r.err != nil {
			return 0, r.err
		}
	}
}

func (r *machineRPCReader) Close() error {
	if r.reader == nil {
		return nil
	}
	err := r.reader.Close()
	r.reader = nil
	return err
}

// MachineReader reads a taskPartition from a machine. It issues the
// (streaming) read RPC on the first call to Read so that data are
// not buffered unnecessarily. MachineReaders close themselves after
// they have been read to completion; they should otherwise be closed
// if they are not read to completion.
type machineReader struct {
	// Machine is the machine from which task data is read.
	Machine *bigmachine.Machine
	// TaskPartition is the task and partition that should be read.
	TaskPartition taskPartition

	reader frameio.Reader
	rpc    *machineRPCReader
}

func (m *machineReader) Read(ctx context.Context, f frame.Frame) (int, error) {
	if m.rpc == nil {
		m.rpc = &machineRPCReader{
			ctx:           ctx,
			machine:       m.Machine,
			taskPartition: m.TaskPartition,
		}
		m.reader = frameio.NewDecodingReader(m.rpc)
	}
	return m.reader.Read(ctx, f)
}

func (m *machineReader) Close() error {
	if m.rpc != nil {
		return m.rpc.Close()
	}
	return nil
}

type statsReader struct {
	reader  frameio.Reader
	numRead *stats.Int
}

func (s *statsReader) Read(ctx context.Context, f frame.Frame) (n int, err error) {
	n, err = s.reader.Read(ctx, f)
	s.numRead.Add(int64(n))
	return
}
