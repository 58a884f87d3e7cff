// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package frameio

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"reflect"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/loom/frame"
)

// An Encoder streams frames into an underlying io.Writer. Frames are
// written as batches of rows in column-major order, each batch
// followed by a CRC32 checksum of its encoding. Streams written by
// an Encoder are read by a DecodingReader.
type Encoder struct {
	enc *gob.Encoder
	crc hash.Hash32
}

// NewEncoder returns a new Encoder that streams frames into the
// provided writer.
func NewEncoder(w io.Writer) *Encoder {
	crc := crc32.NewIEEE()
	return &Encoder{
		enc: gob.NewEncoder(io.MultiWriter(w, crc)),
		crc: crc,
	}
}

// Encode encodes a batch of rows, writing the encoded output to the
// encoder's writer.
func (e *Encoder) Encode(f frame.Frame) error {
	e.crc.Reset()
	if err := e.enc.Encode(f.Len()); err != nil {
		return err
	}
	for col := 0; col < f.NumOut(); col++ {
		if err := e.enc.EncodeValue(f[col].Value()); err != nil {
			// Errors surfaced by gob while encoding user column types
			// cannot be remedied by retrying.
			if strings.HasPrefix(err.Error(), "gob: ") {
				err = errors.E(errors.Fatal, err)
			}
			return err
		}
	}
	return e.enc.Encode(e.crc.Sum32())
}

// Write implements Writer.
func (e *Encoder) Write(ctx context.Context, f frame.Frame) error {
	return e.Encode(f)
}

type decodingReader struct {
	dec *gob.Decoder
	crc hash.Hash32
	buf frame.Frame
	err error
}

// NewDecodingReader returns a Reader that decodes a stream produced
// by an Encoder. Since rows are streamed in batches, the reader
// buffers any rows that do not fit in the consumer's frame.
func NewDecodingReader(r io.Reader) Reader {
	// Checksums are computed by teeing the underlying byte stream.
	// Gob treats readers that implement io.ByteReader as already
	// buffered; io.TeeReader does not implement io.ByteReader, so gob
	// would insert its own buffer and desynchronize the stream
	// positions needed for checksumming. We instead buffer the input
	// ourselves and hand gob a fake io.ByteReader.
	crc := crc32.NewIEEE()
	if _, ok := r.(io.ByteReader); !ok {
		r = bufio.NewReader(r)
	}
	r = io.TeeReader(r, crc)
	return &decodingReader{dec: gob.NewDecoder(readerByteReader{Reader: r}), crc: crc}
}

func (d *decodingReader) Read(ctx context.Context, f frame.Frame) (n int, err error) {
	if d.err != nil {
		return 0, d.err
	}
	for d.buf.Len() == 0 {
		d.crc.Reset()
		if d.err = d.dec.Decode(&n); d.err != nil {
			if d.err == io.EOF {
				d.err = EOF
			}
			return 0, d.err
		}
		if d.buf, d.err = d.decode(f, n); d.err != nil {
			return 0, d.err
		}
	}
	n = frame.Copy(f, d.buf)
	d.buf = d.buf.Slice(n, d.buf.Len())
	return n, nil
}

// decode decodes a batch of n rows, verifying its checksum. The
// decoded columns are fresh slices allocated by gob; they are
// wrapped into a frame typed like f.
func (d *decodingReader) decode(f frame.Frame, n int) (frame.Frame, error) {
	g := make(frame.Frame, f.NumOut())
	for col := 0; col < f.NumOut(); col++ {
		v := reflect.New(reflect.SliceOf(f.Out(col)))
		if err := d.dec.DecodeValue(v); err != nil {
			if err == io.EOF {
				err = EOF
			}
			return nil, err
		}
		if v.Elem().Len() != n {
			return nil, errors.E(errors.Integrity, fmt.Errorf("batch column %d has %d rows, expected %d", col, v.Elem().Len(), n))
		}
		g[col] = frame.Column(v.Elem())
	}
	sum := d.crc.Sum32()
	var decoded uint32
	if err := d.dec.Decode(&decoded); err != nil {
		return nil, err
	}
	if sum != decoded {
		return nil, errors.E(errors.Integrity, fmt.Errorf("computed checksum %x but expected checksum %x", sum, decoded))
	}
	return g, nil
}

// readerByteReader provides an (invalid) implementation of
// io.ByteReader to gob.Decoder. See the comment in
// NewDecodingReader.
type readerByteReader struct {
	io.Reader
	io.ByteReader
}
