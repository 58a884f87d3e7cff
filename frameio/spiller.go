// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package frameio

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/grailbio/loom/frame"
)

// SpillBatchSize is the number of rows written per batch in each
// spill file, and thus the number of rows produced by a single read
// of a spill file. It trades off memory footprint against encoding
// overhead.
const SpillBatchSize = defaultChunksize

// A Spiller manages a set of spill files in a temporary directory.
type Spiller string

// NewSpiller creates a new spiller backed by a fresh temporary
// directory.
func NewSpiller(name string) (Spiller, error) {
	dir, err := ioutil.TempDir("", fmt.Sprintf("spiller-%s-", name))
	if err != nil {
		return "", err
	}
	return Spiller(dir), nil
}

// Spill writes the provided frame to a new spill file, encoded in
// batches of SpillBatchSize rows. It returns the file's encoded
// size.
func (dir Spiller) Spill(f frame.Frame) (int, error) {
	file, err := ioutil.TempFile(string(dir), "")
	if err != nil {
		return 0, err
	}
	enc := NewEncoder(file)
	for f.Len() > 0 {
		n := SpillBatchSize
		if m := f.Len(); m < n {
			n = m
		}
		if err := enc.Encode(f.Slice(0, n)); err != nil {
			return 0, err
		}
		f = f.Slice(n, f.Len())
	}
	size, err := file.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	if err := file.Close(); err != nil {
		return 0, err
	}
	return int(size), nil
}

// Readers returns a decoding reader for each spill file.
func (dir Spiller) Readers() ([]Reader, error) {
	f, err := os.Open(string(dir))
	if err != nil {
		return nil, err
	}
	infos, err := f.Readdir(-1)
	if err != nil {
		return nil, err
	}
	readers := make([]Reader, len(infos))
	closers := make([]io.Closer, len(infos))
	for i := range infos {
		file, err := os.Open(filepath.Join(string(dir), infos[i].Name()))
		if err != nil {
			for j := 0; j < i; j++ {
				closers[j].Close()
			}
			return nil, err
		}
		closers[i] = file
		readers[i] = &ClosingReader{NewDecodingReader(file), file}
	}
	return readers, nil
}

// Cleanup removes the spiller's temporary files. It is safe to call
// Cleanup after Readers, even before reading completes.
func (dir Spiller) Cleanup() error {
	return os.RemoveAll(string(dir))
}
