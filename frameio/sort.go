// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package frameio

import (
	"container/heap"
	"context"
	"math"
	"reflect"

	"github.com/grailbio/loom/coltype"
	"github.com/grailbio/loom/frame"
)

// SortReader sorts the rows of reader r using the provided sorter,
// spilling sorted runs to disk and merging them on read. Spill files
// target spillTarget encoded bytes. Because the encoded size of rows
// is not known in advance, SortReader reads a canary batch of ~16k
// rows to estimate row sizes; the estimate is revisited on each fill
// and adjusted when it is off by more than 5%.
func SortReader(ctx context.Context, sorter frame.Sorter, spillTarget int, typ coltype.Type, r Reader) (Reader, error) {
	spill, err := NewSpiller("sort")
	if err != nil {
		return nil, err
	}
	defer spill.Cleanup()
	f := frame.Make(typ, 1<<14)
	for {
		n, err := ReadFull(ctx, r, f)
		if err != nil && err != EOF {
			return nil, err
		}
		eof := err == EOF
		if n > 0 {
			g := f.Slice(0, n)
			sorter.Sort(g)
			size, err := spill.Spill(g)
			if err != nil {
				return nil, err
			}
			if !eof {
				bytesPerRow := size / n
				targetRows := spillTarget / bytesPerRow
				if targetRows < SpillBatchSize {
					targetRows = SpillBatchSize
				}
				if math.Abs(float64(f.Len()-targetRows)/float64(targetRows)) > 0.05 {
					if targetRows <= f.Cap() {
						f = f.Slice(0, targetRows)
					} else {
						f = frame.Make(typ, targetRows)
					}
				}
			}
		}
		if eof {
			break
		}
	}
	readers, err := spill.Readers()
	if err != nil {
		return nil, err
	}
	return NewMergeReader(ctx, typ, sorter, readers)
}

// A frameBuffer is a frame filled from a reader, maintaining a
// current offset and fill length.
type frameBuffer struct {
	frame.Frame
	Reader
	Off, Len int
}

// Fill refills the frameBuffer from its reader. EOF is returned when
// the reader is exhausted.
func (f *frameBuffer) Fill(ctx context.Context) error {
	if f.Frame.Len() < f.Frame.Cap() {
		f.Frame = f.Frame.Slice(0, f.Frame.Cap())
	}
	var err error
	f.Len, err = f.Reader.Read(ctx, f.Frame)
	if err != nil && err != EOF {
		return err
	}
	if err == EOF && f.Len > 0 {
		err = nil
	}
	f.Off = 0
	return err
}

// frameBufferHeap orders a set of frameBuffers by their current rows
// according to a sorter.
type frameBufferHeap struct {
	Buffers []*frameBuffer
	Sorter  frame.Sorter
}

func (f *frameBufferHeap) Len() int { return len(f.Buffers) }
func (f *frameBufferHeap) Less(i, j int) bool {
	return f.Sorter.Less(f.Buffers[i].Frame, f.Buffers[i].Off, f.Buffers[j].Frame, f.Buffers[j].Off)
}
func (f *frameBufferHeap) Swap(i, j int) {
	f.Buffers[i], f.Buffers[j] = f.Buffers[j], f.Buffers[i]
}

func (f *frameBufferHeap) Push(x interface{}) {
	f.Buffers = append(f.Buffers, x.(*frameBuffer))
}

func (f *frameBufferHeap) Pop() interface{} {
	n := len(f.Buffers)
	elem := f.Buffers[n-1]
	f.Buffers = f.Buffers[:n-1]
	return elem
}

type mergeReader struct {
	err  error
	heap *frameBufferHeap
}

// NewMergeReader merges multiple sorted readers into a single sorted
// reader. The input readers must already be sorted according to the
// provided sorter.
func NewMergeReader(ctx context.Context, typ coltype.Type, sorter frame.Sorter, readers []Reader) (Reader, error) {
	h := &frameBufferHeap{Sorter: sorter}
	h.Buffers = make([]*frameBuffer, 0, len(readers))
	for i := range readers {
		fr := &frameBuffer{
			Reader: readers[i],
			Frame:  frame.Make(typ, SpillBatchSize),
		}
		switch err := fr.Fill(ctx); {
		case err == EOF:
			// No data. Skip.
		case err != nil:
			return nil, err
		default:
			h.Buffers = append(h.Buffers, fr)
		}
	}
	heap.Init(h)
	return &mergeReader{heap: h}, nil
}

// Read implements Reader.
func (m *mergeReader) Read(ctx context.Context, out frame.Frame) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	var (
		row = make([]reflect.Value, len(out))
		n   int
		max = out.Len()
	)
	for n < max && len(m.heap.Buffers) > 0 {
		m.heap.Buffers[0].CopyIndex(row, m.heap.Buffers[0].Off)
		out.SetIndex(row, n)
		n++
		m.heap.Buffers[0].Off++
		if m.heap.Buffers[0].Off == m.heap.Buffers[0].Len {
			if err := m.heap.Buffers[0].Fill(ctx); err != nil && err != EOF {
				m.err = err
				return 0, err
			} else if err == EOF {
				heap.Remove(m.heap, 0)
			} else {
				heap.Fix(m.heap, 0)
			}
		} else {
			heap.Fix(m.heap, 0)
		}
	}
	if n == 0 {
		m.err = EOF
	}
	return n, m.err
}
