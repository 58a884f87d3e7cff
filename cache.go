// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package loom

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/loom/frame"
	"github.com/grailbio/loom/frameio"
)

type fileTable struct {
	Table
	prefix string
}

func (f *fileTable) Op() string    { return fmt.Sprintf("file(%s)", f.prefix) }
func (f *fileTable) NumDep() int   { return 0 }
func (f *fileTable) Dep(i int) Dep { panic("no deps") }

type fileReader struct {
	frameio.Reader
	file file.File
	path string
}

func (f *fileReader) Read(ctx context.Context, out frame.Frame) (int, error) {
	if f.file == nil {
		var err error
		f.file, err = file.Open(ctx, f.path)
		if err != nil {
			return 0, err
		}
		f.Reader = frameio.NewDecodingReader(f.file.Reader(context.Background()))
	}
	n, err := f.Reader.Read(ctx, out)
	if err != nil {
		if err := f.file.Close(ctx); err != nil {
			log.Error.Printf("%s: close: %v", f.file.Name(), err)
		}
	}
	return n, err
}

func (f *fileTable) Reader(shard int, deps []frameio.Reader) frameio.Reader {
	return &fileReader{path: shardPath(f.prefix, shard, f.NumShard())}
}

type writethroughTable struct {
	Table
	prefix string
}

func (*writethroughTable) Op() string { return "writethrough" }

type writethroughReader struct {
	frameio.Reader
	path string
	file file.File
	enc  *frameio.Encoder
}

func (r *writethroughReader) Read(ctx context.Context, out frame.Frame) (int, error) {
	if r.file == nil {
		var err error
		r.file, err = file.Create(ctx, r.path)
		if err != nil {
			return 0, err
		}
		// The encoder keeps a single writer for the life of the
		// stream, so it cannot take a per-operation context.
		r.enc = frameio.NewEncoder(r.file.Writer(context.Background()))
	}
	n, err := r.Reader.Read(ctx, out)
	if err == nil || err == frameio.EOF {
		if err := r.enc.Encode(out.Slice(0, n)); err != nil {
			return n, err
		}
		if err == frameio.EOF {
			if err := r.file.Close(ctx); err != nil {
				return n, err
			}
		}
	} else {
		r.file.Discard(context.Background())
	}
	return n, err
}

func (w *writethroughTable) Reader(shard int, deps []frameio.Reader) frameio.Reader {
	return &writethroughReader{
		Reader: w.Table.Reader(shard, deps),
		path:   shardPath(w.prefix, shard, w.NumShard()),
	}
}

// Cache caches the table's output under the given file prefix.
// Shard n of m is stored as "prefix-nnnn-of-mmmm". When the table
// is computed, each shard is encoded and written to its file; if
// all shard files already exist, Cache shortcuts computation and
// reads the previously computed output instead. The caller must
// guarantee cache consistency: if the cached data could be stale
// (e.g., because code changed), the caller is responsible for
// removing the files or picking a fresh prefix.
//
// Cache uses GRAIL's file library, so prefix may be a URL into a
// distributed object store such as S3.
func Cache(ctx context.Context, tab Table, prefix string) (Table, error) {
	m := tab.NumShard()
	_, err := file.Stat(ctx, shardPath(prefix, 0, m))
	if err == nil {
		// Make sure the remaining shards are also there.
		err = traverse.Each(m-1, func(i int) error {
			_, err := file.Stat(ctx, shardPath(prefix, i+1, m))
			return err
		})
	}
	if err == nil {
		return &fileTable{tab, prefix}, nil
	}
	if !errors.Is(errors.NotExist, err) {
		return nil, err
	}
	return &writethroughTable{tab, prefix}, nil
}

func shardPath(prefix string, n, m int) string {
	return fmt.Sprintf("%s-%04d-of-%04d", prefix, n, m)
}
