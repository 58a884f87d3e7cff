// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package frameio

import (
	"context"
	"sort"
	"testing"

	"github.com/grailbio/loom/frame"
)

func TestSpiller(t *testing.T) {
	ctx := context.Background()
	spill, err := NewSpiller("test")
	if err != nil {
		t.Fatal(err)
	}
	defer spill.Cleanup()

	const (
		Nspill = 4
		N      = SpillBatchSize*2 + 100
	)
	var expect []int
	for i := 0; i < Nspill; i++ {
		vals := make([]int, N)
		for j := range vals {
			vals[j] = i*N + j
			expect = append(expect, vals[j])
		}
		size, err := spill.Spill(frame.Columns(vals))
		if err != nil {
			t.Fatal(err)
		}
		if size <= 0 {
			t.Fatalf("invalid spill size %d", size)
		}
	}
	readers, err := spill.Readers()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(readers), Nspill; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	var got []int
	if err := ReadAll(ctx, MultiReader(readers...), &got); err != nil {
		t.Fatal(err)
	}
	if g, w := len(got), len(expect); g != w {
		t.Fatalf("got %v, want %v", g, w)
	}
	// Directory order is not defined, so compare as sets.
	sort.Ints(got)
	for i := range got {
		if got[i] != expect[i] {
			t.Fatalf("row %d: got %v, want %v", i, got[i], expect[i])
		}
	}
}
