// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package loom_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/loom"
	"github.com/grailbio/loom/exec"
	"github.com/grailbio/loom/loomtest"
	"github.com/grailbio/testutil"
)

func TestCache(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()

	const (
		N      = 10000
		Nshard = 10
	)
	input := make([]int, N)
	doubled := make([]int, N)
	for i := range input {
		input[i] = i
		doubled[i] = i * 2
	}
	makeTable := func() loom.Table {
		tab := loom.Const(Nshard, input)
		tab = loom.Map(tab, func(i int) int { return i * 2 })
		var err error
		tab, err = loom.Cache(ctx, tab, filepath.Join(dir, "cached"))
		if err != nil {
			t.Fatal(err)
		}
		return tab
	}

	tab := makeTable()
	if !isWriteThrough(tab) {
		t.Error("expected writethrough table")
	}
	if got, want := len(ls1(t, dir)), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	var got1 []int
	loomtest.RunAndScan(t, tab, &got1)
	if got, want := len(ls1(t, dir)), Nshard; got != want {
		t.Errorf("got %v [%v], want %v", got, ls1(t, dir), want)
	}

	// Recompute the table to pick up the cached results.
	tab = makeTable()
	if isWriteThrough(tab) {
		t.Error("did not expect writethrough table")
	}
	var got2 []int
	loomtest.RunAndScan(t, tab, &got2)
	if got, want := len(ls1(t, dir)), Nshard; got != want {
		t.Errorf("got %v [%v], want %v", got, ls1(t, dir), want)
	}

	assertSameInts(t, got1, doubled)
	assertSameInts(t, got2, doubled)
}

func TestCacheErr(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()

	makeTable := func() loom.Table {
		tab := loom.ReaderFunc(1, func(shard int, state *bool, ints []int) (n int, err error) {
			if *state {
				return 0, errors.New("random error")
			}
			for i := range ints {
				ints[i] = i
			}
			*state = true
			return len(ints), nil
		})
		var err error
		tab, err = loom.Cache(ctx, tab, filepath.Join(dir, "cached"))
		if err != nil {
			t.Fatal(err)
		}
		return tab
	}
	if tab := makeTable(); !isWriteThrough(tab) {
		t.Errorf("expected writethrough table, got %v", tab.Op())
	}
	if err := runErr(makeTable()); err == nil {
		t.Error("expected error")
	}
	// A failed run must not leave cache files behind, so a subsequent
	// construction is still writethrough.
	if tab := makeTable(); !isWriteThrough(tab) {
		t.Errorf("expected writethrough table, got %v", tab.Op())
	}
}

func runErr(tab loom.Table) error {
	fn := loom.Func(func() loom.Table { return tab })
	sess := exec.Start(exec.Local)
	_, err := sess.Run(context.Background(), fn)
	return err
}

func ls1(t *testing.T, dir string) []string {
	t.Helper()
	d, err := os.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	infos, err := d.Readdir(-1)
	if err != nil {
		t.Fatal(err)
	}
	paths := make([]string, len(infos))
	for i := range paths {
		paths[i] = infos[i].Name()
	}
	return paths
}

func isWriteThrough(tab loom.Table) bool {
	return tab.Op() == "writethrough"
}

func assertSameInts(t *testing.T, got, want []int) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d rows, want %d", len(got), len(want))
	}
	counts := map[int]int{}
	for _, v := range want {
		counts[v]++
	}
	for _, v := range got {
		counts[v]--
	}
	for v, n := range counts {
		if n != 0 {
			t.Errorf("value %d: count off by %d", v, n)
		}
	}
}
