// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package tartable implements loom operations for reading tar
// archives.
package tartable

import (
	"archive/tar"
	"io"
	"io/ioutil"
	"strings"

	"github.com/grailbio/loom"
	"github.com/grailbio/loom/frameio"
)

// Entry describes a single tar file entry, including its full
// contents.
type Entry struct {
	// Header is the full tar header.
	tar.Header
	// Body is the file contents.
	Body []byte
}

// A Match restricts a table to the archive entries it accepts.
type Match func(*tar.Header) bool

// Files matches regular file entries whose name carries one of the
// provided suffixes. With no suffixes, every regular file matches.
func Files(suffixes ...string) Match {
	return func(head *tar.Header) bool {
		if head.Typeflag != tar.TypeReg {
			return false
		}
		if len(suffixes) == 0 {
			return true
		}
		for _, suffix := range suffixes {
			if strings.HasSuffix(head.Name, suffix) {
				return true
			}
		}
		return false
	}
}

// Reader returns a table of Entry records representing the tar
// archive of the io.ReadCloser returned by the archive func. Entries
// that fail any of the provided matches are dropped; accepted entries
// are striped across nshard shards in archive order. Each shard reads
// the archive stream independently, so the archive is opened once per
// shard produced.
func Reader(nshard int, archive func() (io.ReadCloser, error), matches ...Match) loom.Table {
	match := matchAll(matches)
	return loom.ReaderFunc(nshard, func(shard int, scan *scanner, entries []Entry) (n int, err error) {
		if scan.tar == nil {
			rc, err := archive()
			if err != nil {
				return 0, err
			}
			scan.tar = tar.NewReader(rc)
			scan.closer = rc
			scan.match = match
			scan.skip = shard
			scan.stride = nshard
		}
		for i := range entries {
			head, err := scan.next()
			if err != nil {
				scan.closer.Close()
				return i, err
			}
			entries[i].Header = *head
			entries[i].Body, err = ioutil.ReadAll(scan.tar)
			if err != nil {
				scan.closer.Close()
				return i, err
			}
		}
		return len(entries), nil
	})
}

// A scanner streams one shard's entries from a tar archive. Matching
// entries are counted in archive order; the scanner yields those at
// its shard's offset, skipping stride-1 matches between reads so that
// entries are striped across shards.
type scanner struct {
	tar    *tar.Reader
	closer io.Closer
	match  Match
	skip   int
	stride int
}

func (s *scanner) next() (*tar.Header, error) {
	for {
		head, err := s.tar.Next()
		if err != nil {
			if err == io.EOF {
				err = frameio.EOF
			}
			return nil, err
		}
		if s.match != nil && !s.match(head) {
			continue
		}
		if s.skip > 0 {
			s.skip--
			continue
		}
		s.skip = s.stride - 1
		return head, nil
	}
}

func matchAll(matches []Match) Match {
	if len(matches) == 0 {
		return nil
	}
	return func(head *tar.Header) bool {
		for _, match := range matches {
			if !match(head) {
				return false
			}
		}
		return true
	}
}
