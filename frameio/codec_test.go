// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package frameio

import (
	"bytes"
	"context"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/loom/frame"
)

func fuzzFrame(n int) frame.Frame {
	fz := fuzz.New()
	fz.NilChance(0)
	fz.NumElements(n, n)
	var (
		strs []string
		ints []int
	)
	fz.Fuzz(&strs)
	fz.Fuzz(&ints)
	return frame.Columns(strs, ints)
}

func TestCodec(t *testing.T) {
	const N = 10000
	ctx := context.Background()
	in := fuzzFrame(N)
	var b bytes.Buffer
	enc := NewEncoder(&b)
	// Encode in uneven batches to exercise batch framing.
	for _, batch := range []struct{ beg, end int }{{0, 1}, {1, 100}, {100, 3000}, {3000, N}} {
		if err := enc.Encode(in.Slice(batch.beg, batch.end)); err != nil {
			t.Fatal(err)
		}
	}
	r := NewDecodingReader(&b)
	var (
		strs []string
		ints []int
	)
	if err := ReadAll(ctx, r, &strs, &ints); err != nil {
		t.Fatal(err)
	}
	if !frame.Equal(in, frame.Columns(strs, ints)) {
		t.Error("frames do not match after decoding")
	}
}

func TestCodecShortReads(t *testing.T) {
	const N = 1000
	ctx := context.Background()
	in := fuzzFrame(N)
	var b bytes.Buffer
	enc := NewEncoder(&b)
	if err := enc.Encode(in); err != nil {
		t.Fatal(err)
	}
	// Decode through a small frame so that each batch is drained over
	// multiple reads.
	r := NewDecodingReader(&b)
	out := frame.Make(in, 7, 7)
	var got frame.Frame
	for {
		out.Clear()
		n, err := r.Read(ctx, out)
		got = frame.Append(got, out.Slice(0, n))
		if err == EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	if !frame.Equal(in, got) {
		t.Error("frames do not match after decoding")
	}
}

func TestCodecCorruption(t *testing.T) {
	const N = 1000
	ctx := context.Background()
	in := fuzzFrame(N)
	var b bytes.Buffer
	enc := NewEncoder(&b)
	if err := enc.Encode(in); err != nil {
		t.Fatal(err)
	}
	raw := b.Bytes()
	// Flip a byte in the middle of the encoded payload.
	raw[len(raw)/2] ^= 0xff
	r := NewDecodingReader(bytes.NewReader(raw))
	var (
		strs []string
		ints []int
	)
	// Corruption that slips past gob's own framing must be caught by
	// the checksum.
	if err := ReadAll(ctx, r, &strs, &ints); err == nil {
		t.Fatal("expected error from corrupted stream")
	}
}

func TestCodecTruncation(t *testing.T) {
	ctx := context.Background()
	in := fuzzFrame(100)
	var b bytes.Buffer
	enc := NewEncoder(&b)
	if err := enc.Encode(in); err != nil {
		t.Fatal(err)
	}
	raw := b.Bytes()
	r := NewDecodingReader(bytes.NewReader(raw[:len(raw)-1]))
	var (
		strs []string
		ints []int
	)
	if err := ReadAll(ctx, r, &strs, &ints); err == nil {
		t.Fatal("expected error from truncated stream")
	}
}

func TestEncoderWriter(t *testing.T) {
	ctx := context.Background()
	in := fuzzFrame(10)
	var b bytes.Buffer
	var w Writer = NewEncoder(&b)
	if err := w.Write(ctx, in); err != nil {
		t.Fatal(err)
	}
	var (
		strs []string
		ints []int
	)
	if err := ReadAll(ctx, NewDecodingReader(&b), &strs, &ints); err != nil {
		t.Fatal(err)
	}
	if got, want := len(strs), 10; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
