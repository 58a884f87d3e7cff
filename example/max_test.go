// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package example

import (
	"sort"
	"testing"

	"github.com/grailbio/loom"
	"github.com/grailbio/loom/loomtest"
)

func TestIntMax(t *testing.T) {
	keys := []string{"a", "a", "b", "c", "c", "c"}
	values := []int{1, 3, 2, 7, 5, 6}
	tab := IntMax(loom.Const(2, keys, values))

	var (
		gotKeys   []string
		gotValues []int
	)
	loomtest.RunAndScan(t, tab, &gotKeys, &gotValues)
	sort.Sort(&keyed{gotKeys, gotValues})

	wantKeys := []string{"a", "b", "c"}
	wantValues := []int{3, 2, 7}
	if got, want := len(gotKeys), len(wantKeys); got != want {
		t.Fatalf("got %v keys, want %v", got, want)
	}
	for i := range wantKeys {
		if got, want := gotKeys[i], wantKeys[i]; got != want {
			t.Errorf("key %d: got %v, want %v", i, got, want)
		}
		if got, want := gotValues[i], wantValues[i]; got != want {
			t.Errorf("value %d: got %v, want %v", i, got, want)
		}
	}
}

type keyed struct {
	keys   []string
	values []int
}

func (k *keyed) Len() int           { return len(k.keys) }
func (k *keyed) Less(i, j int) bool { return k.keys[i] < k.keys[j] }
func (k *keyed) Swap(i, j int) {
	k.keys[i], k.keys[j] = k.keys[j], k.keys[i]
	k.values[i], k.values[j] = k.values[j], k.values[i]
}
