// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package frameio

import (
	"context"
	"math/rand"
	"reflect"
	"sort"
	"testing"

	"github.com/grailbio/loom/frame"
)

func TestSortReader(t *testing.T) {
	const N = 100000
	ctx := context.Background()
	rnd := rand.New(rand.NewSource(0))
	keys := make([]int, N)
	values := make([]int, N)
	for i := range keys {
		keys[i] = rnd.Int()
		values[i] = i
	}
	in := frame.Columns(keys, values)
	sorter := frame.NewSorter(reflect.TypeOf(0), 0)
	// A small spill target forces multiple runs and a real merge.
	r, err := SortReader(ctx, sorter, 1<<17, in, FrameReader(in))
	if err != nil {
		t.Fatal(err)
	}
	var (
		gotKeys   []int
		gotValues []int
	)
	if err := ReadAll(ctx, r, &gotKeys, &gotValues); err != nil {
		t.Fatal(err)
	}
	if got, want := len(gotKeys), N; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if !sort.IntsAreSorted(gotKeys) {
		t.Fatal("keys are not sorted")
	}
	// Rows must stay intact: each key must still carry its value.
	pairs := map[int]int{}
	for i := range keys {
		pairs[keys[i]] = values[i]
	}
	for i := range gotKeys {
		if got, want := gotValues[i], pairs[gotKeys[i]]; got != want {
			t.Fatalf("row %d: got %v, want %v", i, got, want)
		}
	}
}

func TestMergeReader(t *testing.T) {
	ctx := context.Background()
	sorter := frame.NewSorter(reflect.TypeOf(""), 0)
	readers := []Reader{
		FrameReader(frame.Columns([]string{"a", "c", "e"})),
		FrameReader(frame.Columns([]string{"b", "d"})),
		EmptyReader{},
		FrameReader(frame.Columns([]string{"a", "f"})),
	}
	m, err := NewMergeReader(ctx, frame.Columns([]string{}), sorter, readers)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	if err := ReadAll(ctx, m, &got); err != nil {
		t.Fatal(err)
	}
	want := []string{"a", "a", "b", "c", "d", "e", "f"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
