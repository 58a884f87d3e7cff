// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package frameio provides readers, writers, and codecs for streams
// of frames as they move between loom tasks.
package frameio

import (
	"context"
	"io"
	"reflect"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/loom/coltype"
	"github.com/grailbio/loom/frame"
)

// DefaultChunksize is the default vector size used for I/O within
// the frameio package.
const defaultChunksize = 1024

// EOF is the error returned by Reader.Read when no more data are
// available. EOF is a sentinel that signals graceful end of output;
// unexpected termination should be reported by a different error.
var EOF = errors.New("EOF")

// A Reader is a stateful stream of rows. Each call to Read retrieves
// the next batch of available rows.
type Reader interface {
	// Read reads a vector of rows into the provided frame, whose
	// column types must match the stream. It returns the number of
	// rows read, or an error. Read returns EOF when no more rows are
	// available; it may return a positive count alongside EOF.
	//
	// Read should not be called concurrently.
	Read(ctx context.Context, f frame.Frame) (int, error)
}

// A Writer writes frames to an underlying data stream.
type Writer interface {
	// Write writes f to the underlying stream. On a non-nil error, f
	// may have been partially written.
	Write(ctx context.Context, f frame.Frame) error
}

type multiReader struct {
	q   []Reader
	err error
}

// MultiReader returns the logical concatenation of the provided
// readers. Read returns EOF only after every underlying reader has
// been exhausted; other errors are returned immediately and are
// sticky.
func MultiReader(readers ...Reader) Reader {
	return &multiReader{q: readers}
}

func (m *multiReader) Read(ctx context.Context, out frame.Frame) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	for len(m.q) > 0 {
		n, err := m.q[0].Read(ctx, out)
		switch {
		case err == EOF:
			// Readers may return rows alongside EOF; surface them
			// before moving on to the next reader.
			m.q = m.q[1:]
			if n > 0 {
				return n, nil
			}
		case err != nil:
			m.err = err
			return n, err
		case n > 0:
			return n, nil
		}
	}
	return 0, EOF
}

type frameReader struct {
	frame.Frame
}

// FrameReader returns a Reader that reads the provided frame to
// completion.
func FrameReader(f frame.Frame) Reader {
	return &frameReader{f}
}

func (f *frameReader) Read(ctx context.Context, out frame.Frame) (int, error) {
	n := out.Len()
	max := f.Frame.Len()
	if max < n {
		n = max
	}
	frame.Copy(out, f.Frame)
	f.Frame = f.Frame.Slice(n, max)
	if f.Frame.Len() == 0 {
		return n, EOF
	}
	return n, nil
}

// ReadAll reads reader r to completion, appending all rows into the
// provided column pointers. ReadAll is intended for testing and for
// small results; it is not tuned for performance.
func ReadAll(ctx context.Context, r Reader, columns ...interface{}) error {
	columnvs := make([]reflect.Value, len(columns))
	types := make([]reflect.Type, len(columns))
	for i := range columns {
		columnvs[i] = reflect.ValueOf(columns[i])
		if columnvs[i].Type().Kind() != reflect.Ptr {
			return errors.E(errors.Invalid, "attempted to read into non-pointer")
		}
		types[i] = reflect.TypeOf(columns[i]).Elem().Elem()
	}
	buf := frame.Make(coltype.New(types...), defaultChunksize, defaultChunksize)
	for {
		n, err := r.Read(ctx, buf)
		if err != nil && err != EOF {
			return err
		}
		for i := range columnvs {
			columnvs[i].Elem().Set(reflect.AppendSlice(columnvs[i].Elem(), buf[i].Slice(0, n).Value()))
		}
		if err == EOF {
			return nil
		}
	}
}

// ReadFull reads the full length of the provided frame, reading a
// short frame only on EOF.
func ReadFull(ctx context.Context, r Reader, f frame.Frame) (n int, err error) {
	max := f.Len()
	for n < max {
		m, err := r.Read(ctx, f.Slice(n, max))
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

type errReader struct{ err error }

// ErrReader returns a Reader that returns the provided error on
// every call to Read. ErrReader panics if err is nil.
func ErrReader(err error) Reader {
	if err == nil {
		panic("nil error")
	}
	return errReader{err}
}

func (e errReader) Read(ctx context.Context, f frame.Frame) (int, error) {
	return 0, e.err
}

// A ClosingReader closes the provided io.Closer after Read returns
// any error, EOF included.
type ClosingReader struct {
	Reader
	io.Closer
}

// Read implements Reader.
func (c *ClosingReader) Read(ctx context.Context, out frame.Frame) (int, error) {
	n, err := c.Reader.Read(ctx, out)
	if err != nil && c.Closer != nil {
		c.Closer.Close()
		c.Closer = nil
	}
	return n, err
}

// EmptyReader returns EOF on every read.
type EmptyReader struct{}

// Read implements Reader.
func (EmptyReader) Read(ctx context.Context, f frame.Frame) (int, error) {
	return 0, EOF
}
