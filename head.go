// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package loom

import (
	"context"
	"fmt"

	"github.com/grailbio/loom/frame"
	"github.com/grailbio/loom/frameio"
)

type headTable struct {
	Table
	n int
}

// Head returns a table containing at most the first n rows of each
// shard of the input table. Its type is the same as the input's.
func Head(tab Table, n int) Table {
	return headTable{tab, n}
}

func (h headTable) Op() string    { return fmt.Sprintf("head(%d)", h.n) }
func (headTable) NumDep() int     { return 1 }
func (h headTable) Dep(i int) Dep { return singleDep(i, h.Table, false) }

type headReader struct {
	reader frameio.Reader
	n      int
}

func (h headTable) Reader(shard int, deps []frameio.Reader) frameio.Reader {
	return &headReader{deps[0], h.n}
}

func (h *headReader) Read(ctx context.Context, out frame.Frame) (n int, err error) {
	if h.n <= 0 {
		return 0, frameio.EOF
	}
	n, err = h.reader.Read(ctx, out)
	h.n -= n
	if h.n < 0 {
		n -= -h.n
	}
	return
}
