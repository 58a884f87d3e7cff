// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package loom_test

import (
	"context"
	"sync"
	"testing"

	"github.com/grailbio/loom"
	"github.com/grailbio/loom/frameio"
	"github.com/grailbio/loom/loomtest"
)

func TestReshuffle(t *testing.T) {
	const (
		N      = 1000
		Nshard = 5
	)
	keys := make([]int, N)
	for i := range keys {
		keys[i] = i % 31
	}
	var (
		mu       sync.Mutex
		keyShard = map[int]map[int]bool{}
	)
	tab := loom.Const(Nshard, keys)
	tab = loom.Reshuffle(tab)
	tab = loom.Scan(tab, func(shard int, scan *frameio.Scanner) error {
		mu.Lock()
		defer mu.Unlock()
		var key int
		for scan.Scan(context.Background(), &key) {
			if keyShard[key] == nil {
				keyShard[key] = map[int]bool{}
			}
			keyShard[key][shard] = true
		}
		return scan.Err()
	})
	loomtest.Run(t, tab)
	if got, want := len(keyShard), 31; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	for key, shards := range keyShard {
		if len(shards) != 1 {
			t.Errorf("key %d appeared in %d shards", key, len(shards))
		}
	}
	// Reshuffling must not change the table's contents.
	tab = loom.Const(Nshard, keys)
	tab = loom.Reshuffle(tab)
	assertEqual(t, tab, true, keys)
}

func TestRepartition(t *testing.T) {
	const (
		N      = 100
		Nshard = 3
	)
	values := make([]int, N)
	for i := range values {
		values[i] = i
	}
	tab := loom.Const(Nshard, values)
	tab = loom.Repartition(tab, func(nshard, v int) int { return v % nshard })
	var (
		mu     sync.Mutex
		shards = map[int]int{}
	)
	tab = loom.Scan(tab, func(shard int, scan *frameio.Scanner) error {
		mu.Lock()
		defer mu.Unlock()
		var v int
		for scan.Scan(context.Background(), &v) {
			shards[v] = shard
		}
		return scan.Err()
	})
	loomtest.Run(t, tab)
	if got, want := len(shards), N; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	for v, shard := range shards {
		if got, want := shard, v%Nshard; got != want {
			t.Errorf("value %d: got shard %v, want %v", v, got, want)
		}
	}
}

func TestRepartitionError(t *testing.T) {
	tab := loom.Const(1, []int{1}, []string{"x"})
	expectTypeError(t, "repartition: not a function: int", func() {
		loom.Repartition(tab, 123)
	})
	expectTypeError(t, "repartition: expected func(int, int, string) int, got func() int", func() {
		loom.Repartition(tab, func() int { return 0 })
	})
	expectTypeError(t, "repartition: expected func(int, int, string) int, got func(int, int, string)", func() {
		loom.Repartition(tab, func(nshard, v int, s string) {})
	})
}
