// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stats

import "testing"

func TestMap(t *testing.T) {
	coll := NewMap()
	var (
		read  = coll.Int("read")
		write = coll.Int("write")
	)
	if got, want := read.Get(), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	read.Add(100)
	read.Add(23)
	write.Set(7)
	if got, want := read.Get(), int64(123); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if same := coll.Int("read"); same != read {
		t.Error("expected the same counter")
	}
	all := make(Values)
	coll.AddAll(all)
	coll.AddAll(all)
	if got, want := len(all), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := all["read"], int64(123*2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := all["write"], int64(14); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := all.String(), "read:246 write:14"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestNilInt(t *testing.T) {
	var v *Int
	v.Add(1)
	v.Set(2)
	if got, want := v.Get(), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
