// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package loom_test

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/grailbio/loom"
	"github.com/grailbio/loom/frameio"
	"github.com/grailbio/loom/loomtest"
)

func TestSetIndex(t *testing.T) {
	const N = 10000
	rnd := rand.New(rand.NewSource(0))
	keys := make([]int, N)
	values := make([]string, N)
	for i := range keys {
		keys[i] = rnd.Intn(1000)
		values[i] = "v"
	}
	tab := loom.Const(7, keys, values)
	tab = loom.SetIndex(tab, []int{250, 500, 750})
	if got, want := tab.NumShard(), 4; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := tab.ShardType(), loom.RangeShard; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	var (
		gotKeys   []int
		gotValues []string
	)
	loomtest.RunAndScan(t, tab, &gotKeys, &gotValues)
	if got, want := len(gotKeys), N; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	// Scanning the shards in order yields a globally sorted view.
	if !sort.IntsAreSorted(gotKeys) {
		t.Error("keys are not sorted")
	}
	sorted := append([]int{}, keys...)
	sort.Ints(sorted)
	for i := range sorted {
		if gotKeys[i] != sorted[i] {
			t.Fatalf("row %d: got key %v, want %v", i, gotKeys[i], sorted[i])
		}
	}
}

// TestSetIndexRanges verifies that each indexed shard holds only the
// keys within its division's range.
func TestSetIndexRanges(t *testing.T) {
	const N = 1000
	rnd := rand.New(rand.NewSource(1))
	keys := make([]int, N)
	for i := range keys {
		keys[i] = rnd.Intn(100)
	}
	divisions := []int{25, 50, 75}
	tab := loom.Const(3, keys)
	tab = loom.SetIndex(tab, divisions)
	var (
		mu     sync.Mutex
		minmax = map[int][2]int{}
	)
	tab = loom.Scan(tab, func(shard int, scan *frameio.Scanner) error {
		mu.Lock()
		defer mu.Unlock()
		var key int
		for scan.Scan(context.Background(), &key) {
			mm, ok := minmax[shard]
			if !ok {
				mm = [2]int{key, key}
			}
			if key < mm[0] {
				mm[0] = key
			}
			if key > mm[1] {
				mm[1] = key
			}
			minmax[shard] = mm
		}
		return scan.Err()
	})
	loomtest.Run(t, tab)
	for shard, mm := range minmax {
		lo, hi := -1<<62, 1<<62
		if shard > 0 {
			lo = divisions[shard-1]
		}
		if shard < len(divisions) {
			hi = divisions[shard] - 1
		}
		if mm[0] < lo || mm[1] > hi {
			t.Errorf("shard %d: keys [%d, %d] outside of range [%d, %d]", shard, mm[0], mm[1], lo, hi)
		}
	}
}

func TestSetIndexError(t *testing.T) {
	tab := loom.Const(1, []int{1, 2, 3})
	expectTypeError(t, "setindex: divisions must be a []int", func() {
		loom.SetIndex(tab, []string{"a"})
	})
	expectTypeError(t, "setindex: divisions must be a []int", func() {
		loom.SetIndex(tab, 123)
	})
	expectTypeError(t, "setindex: divisions are not sorted", func() {
		loom.SetIndex(tab, []int{10, 5})
	})
}
