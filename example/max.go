// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package example holds small loom computations that illustrate how
// to structure and test loom user code.
package example

import (
	"github.com/grailbio/loom"
)

// IntMax computes the maximum integer (by key) of tab, where tab has
// type Table<K, int>. We use this trivial table to illustrate
// testing facilities. See max_test.go.
func IntMax(tab loom.Table) loom.Table {
	return loom.Fold(tab, func(a, b int) int {
		if a < b {
			return b
		}
		return a
	})
}
