// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package frameio

import (
	"context"
	"testing"

	"github.com/grailbio/loom/frame"
)

func TestScanner(t *testing.T) {
	ctx := context.Background()
	f := frame.Columns([]string{"a", "b", "c"}, []int{1, 2, 3})
	scan := &Scanner{Reader: FrameReader(f), Type: f}
	var (
		s    string
		i    int
		rows int
	)
	for scan.Scan(ctx, &s, &i) {
		if got, want := s, f[0].Index(rows).String(); got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := i, int(f[1].Index(rows).Int()); got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		rows++
	}
	if err := scan.Err(); err != nil {
		t.Fatal(err)
	}
	if got, want := rows, 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestScannerTypeError(t *testing.T) {
	ctx := context.Background()
	f := frame.Columns([]int{1, 2, 3})
	scan := &Scanner{Reader: FrameReader(f), Type: f}
	var s string
	if scan.Scan(ctx, &s) {
		t.Fatal("expected scan failure")
	}
	if scan.Err() == nil {
		t.Fatal("expected error")
	}
	scan = &Scanner{Reader: FrameReader(f), Type: f}
	var i, j int
	if scan.Scan(ctx, &i, &j) {
		t.Fatal("expected scan failure")
	}
	if scan.Err() == nil {
		t.Fatal("expected error")
	}
}

func TestScanv(t *testing.T) {
	ctx := context.Background()
	f := frame.Columns([]int{0, 1, 2, 3, 4})
	scan := &Scanner{Reader: FrameReader(f), Type: f}
	out := make([]int, 3)
	n, more := scan.Scanv(ctx, out)
	if !more {
		t.Fatal("expected more")
	}
	if got, want := n, 3; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	n, more = scan.Scanv(ctx, out)
	if more {
		t.Fatal("expected end of stream")
	}
	if got, want := n, 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := out[0], 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := scan.Err(); err != nil {
		t.Fatal(err)
	}
}

func TestScannerError(t *testing.T) {
	ctx := context.Background()
	expect := context.DeadlineExceeded
	f := frame.Columns([]int{1})
	scan := &Scanner{Reader: ErrReader(expect), Type: f}
	var i int
	if scan.Scan(ctx, &i) {
		t.Fatal("expected scan failure")
	}
	if got, want := scan.Err(), expect; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
