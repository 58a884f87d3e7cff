// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package loom_test

import (
	"fmt"
	"testing"

	"github.com/grailbio/loom"
)

func TestFold(t *testing.T) {
	const (
		N      = 1000
		Nshard = 8
	)
	keys := make([]string, N)
	values := make([]int, N)
	totals := map[string]int{}
	for i := range keys {
		keys[i] = fmt.Sprint(i % 17)
		values[i] = i
		totals[keys[i]] += i
	}
	var (
		expectKeys   []string
		expectTotals []int
	)
	for i := 0; i < 17; i++ {
		key := fmt.Sprint(i)
		expectKeys = append(expectKeys, key)
		expectTotals = append(expectTotals, totals[key])
	}
	tab := loom.Const(Nshard, keys, values)
	tab = loom.Fold(tab, func(a, e int) int { return a + e })
	assertEqual(t, tab, true, expectKeys, expectTotals)
}

// TestFoldAccumulatorType verifies that the accumulator may have a
// type different from the folded column.
func TestFoldAccumulatorType(t *testing.T) {
	tab := loom.Const(2,
		[]int{0, 0, 1, 1, 1},
		[]int{1, 2, 3, 4, 5},
	)
	tab = loom.Fold(tab, func(a float64, e int) float64 { return a + float64(e) })
	assertEqual(t, tab, true, []int{0, 1}, []float64{3, 12})
}

func TestFoldError(t *testing.T) {
	expectTypeError(t, "fold: need at least two columns, got 1", func() {
		loom.Fold(loom.Const(1, []int{1}), func(a, e int) int { return a + e })
	})
	expectTypeError(t, "fold: key type []int is not partitionable", func() {
		loom.Fold(loom.Const(1, [][]int{{1}}, []int{1}), func(a, e int) int { return a + e })
	})
	expectTypeError(t, "fold: expected func(int, string) int, got func(int, int) int", func() {
		loom.Fold(loom.Const(1, []int{1}, []string{"x"}), func(a, e int) int { return a + e })
	})
	expectTypeError(t, "fold: fold functions must return exactly one value", func() {
		loom.Fold(loom.Const(1, []int{1}, []int{1}), func(a, e int) (int, int) { return a, e })
	})
}
