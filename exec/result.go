// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"github.com/grailbio/loom"
	"github.com/grailbio/loom/frameio"
)

// A Result is the output of a table evaluation. It is the only type
// implementing loom.Table that is a legal argument to a loom.Func.
// Passing a Result to a subsequent run reuses the computed tasks, so
// the result's data are never recomputed.
type Result struct {
	loom.Table
	inv   loom.Invocation
	sess  *Session
	tasks []*Task
}

// Scanner returns a scanner that scans the result's output. If the
// output contains multiple shards, they are scanned sequentially.
// Multiple scanners may be obtained and scanned concurrently.
func (r *Result) Scanner() *frameio.Scanner {
	readers := make([]frameio.Reader, len(r.tasks))
	for i := range readers {
		readers[i] = r.sess.executor.Reader(r.sess.Context, r.tasks[i], 0)
	}
	return &frameio.Scanner{
		Reader: frameio.MultiReader(readers...),
		Type:   r,
	}
}
