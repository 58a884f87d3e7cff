// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package frame

import (
	"bytes"
	"encoding/binary"
	"math"
	"reflect"

	"github.com/spaolacci/murmur3"
)

var typeOfHasher = reflect.TypeOf((*Hasher)(nil)).Elem()

// Hasher is implemented by user-defined key types that provide their
// own hashing.
type Hasher interface {
	// Hash32 returns a 32-bit hash of the value.
	Hash32() uint32
}

// A FrameHasher hashes the rows of a frame by its key column.
type FrameHasher interface {
	// HashFrame hashes the first len(sum) rows of the frame,
	// depositing the hash values into sum.
	HashFrame(f Frame, sum []uint32)
}

// NewHasher returns a FrameHasher for the provided key type at the
// provided column. Builtin scalar and string keys are hashed with
// murmur3; types implementing Hasher hash themselves; fixed-size
// types fall back to a hash of their binary encoding. NewHasher
// returns nil if no hasher can be constructed for the type.
func NewHasher(typ reflect.Type, col int) FrameHasher {
	if typ.Implements(typeOfHasher) {
		return ifaceHasher(col)
	}
	switch typ.Kind() {
	case reflect.String:
		return stringHasher(col)
	case reflect.Int, reflect.Int64, reflect.Uint, reflect.Uint64, reflect.Uintptr:
		return word64Hasher{col}
	case reflect.Int8, reflect.Int16, reflect.Int32,
		reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return word32Hasher{col}
	case reflect.Float32:
		return float32Hasher(col)
	case reflect.Float64:
		return float64Hasher(col)
	}
	if binary.Size(reflect.Zero(typ).Interface()) < 0 {
		return nil
	}
	return binaryHasher(col)
}

// CanHash tells whether values of the provided type can be hashed
// for partitioning.
func CanHash(typ reflect.Type) bool {
	return NewHasher(typ, 0) != nil
}

// A Partitioner assigns the rows of a frame to partitions by hashing
// the key column.
type Partitioner struct {
	hasher FrameHasher
	width  int
	sum    []uint32
}

// NewPartitioner returns a partitioner using the provided hasher and
// partition width.
func NewPartitioner(h FrameHasher, width int) *Partitioner {
	return &Partitioner{hasher: h, width: width}
}

// Partition assigns the first len(partitions) rows of f to
// partitions, depositing the assignments into partitions.
func (p *Partitioner) Partition(f Frame, partitions []int) {
	if len(partitions) > cap(p.sum) {
		p.sum = make([]uint32, len(partitions))
	}
	p.hasher.HashFrame(f, p.sum[:len(partitions)])
	for i := range partitions {
		partitions[i] = int(p.sum[i]) % p.width
	}
}

type stringHasher int

func (col stringHasher) HashFrame(f Frame, sum []uint32) {
	vec := f[col].Interface().([]string)
	for i := range sum {
		sum[i] = murmur3.Sum32([]byte(vec[i]))
	}
}

type word32Hasher struct{ col int }

func (h word32Hasher) HashFrame(f Frame, sum []uint32) {
	col := f[h.col]
	switch col.ElemType().Kind() {
	case reflect.Int8, reflect.Int16, reflect.Int32:
		for i := range sum {
			sum[i] = hashWord32(uint32(col.Index(i).Int()))
		}
	default:
		for i := range sum {
			sum[i] = hashWord32(uint32(col.Index(i).Uint()))
		}
	}
}

type word64Hasher struct{ col int }

func (h word64Hasher) HashFrame(f Frame, sum []uint32) {
	col := f[h.col]
	switch col.ElemType().Kind() {
	case reflect.Int, reflect.Int64:
		for i := range sum {
			sum[i] = hashWord64(uint64(col.Index(i).Int()))
		}
	default:
		for i := range sum {
			sum[i] = hashWord64(col.Index(i).Uint())
		}
	}
}

type float32Hasher int

func (col float32Hasher) HashFrame(f Frame, sum []uint32) {
	vec := f[col].Interface().([]float32)
	for i := range sum {
		sum[i] = hashWord32(math.Float32bits(vec[i]))
	}
}

type float64Hasher int

func (col float64Hasher) HashFrame(f Frame, sum []uint32) {
	vec := f[col].Interface().([]float64)
	for i := range sum {
		sum[i] = hashWord64(math.Float64bits(vec[i]))
	}
}

type ifaceHasher int

func (col ifaceHasher) HashFrame(f Frame, sum []uint32) {
	for i := range sum {
		sum[i] = f[col].Index(i).Interface().(Hasher).Hash32()
	}
}

// binaryHasher hashes values through their encoding/binary
// representation. It is the fallback for fixed-size types that are
// neither builtin scalars nor Hashers.
type binaryHasher int

func (col binaryHasher) HashFrame(f Frame, sum []uint32) {
	var b bytes.Buffer
	for i := range sum {
		if err := binary.Write(&b, binary.LittleEndian, f[col].Index(i).Interface()); err != nil {
			panic(err)
		}
		sum[i] = murmur3.Sum32(b.Bytes())
		b.Reset()
	}
}

func hashWord32(x uint32) uint32 {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], x)
	return murmur3.Sum32(b[:])
}

func hashWord64(x uint64) uint32 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], x)
	return murmur3.Sum32(b[:])
}
