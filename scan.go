// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package loom

import (
	"context"
	"reflect"

	"github.com/grailbio/loom/frame"
	"github.com/grailbio/loom/frameio"
)

type scanTable struct {
	Table
	scan func(shard int, scanner *frameio.Scanner) error
}

// Scan invokes a function for each shard of the input table,
// passing a scanner over the shard's rows. It returns a unit table:
// Scan is intended for its side effects.
func Scan(tab Table, scan func(shard int, scanner *frameio.Scanner) error) Table {
	return &scanTable{tab, scan}
}

func (scanTable) NumOut() int            { return 0 }
func (scanTable) Out(c int) reflect.Type { panic(c) }
func (scanTable) Op() string             { return "scan" }
func (scanTable) NumDep() int            { return 1 }
func (s scanTable) Dep(i int) Dep        { return singleDep(i, s.Table, false) }

type scanReader struct {
	table  scanTable
	shard  int
	reader frameio.Reader
}

func (s *scanReader) Read(ctx context.Context, out frame.Frame) (n int, err error) {
	err = s.table.scan(s.shard, &frameio.Scanner{Type: s.table.Table, Reader: s.reader})
	if err == nil {
		err = frameio.EOF
	}
	return 0, err
}

func (s scanTable) Reader(shard int, deps []frameio.Reader) frameio.Reader {
	return &scanReader{s, shard, deps[0]}
}
