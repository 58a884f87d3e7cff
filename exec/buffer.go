// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"

	"github.com/grailbio/loom/frame"
	"github.com/grailbio/loom/frameio"
)

// A taskBuffer stores the output of a task in memory. Each partition
// is represented by a list of frames containing the rows assigned to
// that partition.
type taskBuffer [][]frame.Frame

// Reader returns a frameio.Reader for the provided partition of the
// buffer.
func (b taskBuffer) Reader(partition int) frameio.Reader {
	if len(b) == 0 {
		// Tasks without column output produce an empty buffer.
		return frameio.EmptyReader{}
	}
	return &taskBufferReader{q: b[partition]}
}

// taskBufferReader reads a single partition of a taskBuffer,
// copying out of the buffered frames row by row.
type taskBufferReader struct {
	q   []frame.Frame
	off int
}

func (r *taskBufferReader) Read(ctx context.Context, out frame.Frame) (n int, err error) {
	for len(r.q) > 0 && n < out.Len() {
		f := r.q[0]
		m := frame.Copy(out.Slice(n, out.Len()), f.Slice(r.off, f.Len()))
		n += m
		r.off += m
		if r.off == f.Len() {
			r.q = r.q[1:]
			r.off = 0
		}
	}
	if n == 0 && len(r.q) == 0 {
		return 0, frameio.EOF
	}
	return n, nil
}
