// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import "sync"

// onceResult holds the outcome of a single keyed action.
type onceResult struct {
	mu   sync.Mutex
	done bool
	err  error
}

func (o *onceResult) do(fn func() error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.done {
		o.err = fn()
		o.done = true
	}
	return o.err
}

// TaskOnce coordinates actions that must happen exactly once per
// key, in the manner of sync.Once, but propagating errors to all
// callers. The zero value is ready to use.
type taskOnce struct {
	m sync.Map
}

// Do performs the action named by key. The action is invoked exactly
// once for each key; every caller receives the error produced by
// that single invocation.
func (t *taskOnce) Do(key interface{}, fn func() error) error {
	v, _ := t.m.LoadOrStore(key, new(onceResult))
	return v.(*onceResult).do(fn)
}

// Forget forgets past computations associated with the provided key.
func (t *taskOnce) Forget(key interface{}) {
	t.m.Delete(key)
}
