// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package frameio

import (
	"context"
	"reflect"

	"github.com/grailbio/loom/coltype"
	"github.com/grailbio/loom/frame"
	"github.com/grailbio/loom/typecheck"
)

// A Scanner reads the rows of a table result one at a time.
// Successive calls to Scan return the next row; scanning stops when
// no more data are available or when an error occurs. After scanning
// completes, the caller should inspect Err to distinguish graceful
// EOF from failure.
//
// Callers should not mix calls to Scan and Scanv.
type Scanner struct {
	Reader Reader
	Type   coltype.Type

	err      error
	started  bool
	in       frame.Frame
	beg, end int
}

// Scan scans the next row into the provided column pointers. Scan
// returns true while data remain and no error has occurred.
func (s *Scanner) Scan(ctx context.Context, out ...interface{}) bool {
	if s.err != nil {
		return false
	}
	if len(out) != s.Type.NumOut() {
		s.err = typecheck.Errorf(1, "wrong arity: expected %d columns, got %d", s.Type.NumOut(), len(out))
		return false
	}
	for i := range out {
		if got, want := reflect.TypeOf(out[i]), reflect.PtrTo(s.Type.Out(i)); got != want {
			s.err = typecheck.Errorf(1, "wrong type for argument %d: expected %s, got %s", i, want, got)
			return false
		}
	}
	if !s.started {
		s.started = true
		s.in = frame.Make(s.Type, defaultChunksize, defaultChunksize)
		s.beg, s.end = 0, 0
	}
	for s.beg == s.end {
		if s.Reader == nil {
			s.err = EOF
			return false
		}
		n, err := s.Reader.Read(ctx, s.in)
		if err != nil && err != EOF {
			s.err = err
			return false
		}
		s.beg, s.end = 0, n
		if err == EOF {
			s.Reader = nil
		}
	}
	for i, col := range out {
		reflect.ValueOf(col).Elem().Set(s.in[i].Index(s.beg))
	}
	s.beg++
	return true
}

// Scanv scans a batch of rows into the provided column slices,
// returning the number of rows scanned together with a boolean
// telling whether scanning should continue, as in Scan.
func (s *Scanner) Scanv(ctx context.Context, out ...interface{}) (int, bool) {
	if s.err != nil {
		return 0, false
	}
	columnvs := make([]reflect.Value, len(out))
	for i := range out {
		columnvs[i] = reflect.ValueOf(out[i])
		if columnvs[i].Kind() != reflect.Slice {
			panic("frameio.Scanv: non-slice column")
		}
	}
	n := columnvs[0].Len()
	for i := 0; i < n; i++ {
		args := make([]interface{}, len(out))
		for j := range args {
			args[j] = columnvs[j].Index(i).Addr().Interface()
		}
		if !s.Scan(ctx, args...) {
			return i, false
		}
	}
	return n, true
}

// Err returns the error, if any, that occurred while scanning.
func (s *Scanner) Err() error {
	if s.err == EOF {
		return nil
	}
	return s.err
}
