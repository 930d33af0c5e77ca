// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package identity is the set of composite identities already emitted
// during a traversal — the single source of truth for "have we seen
// this?", independent of the Allocation Tracker.
package identity

import "github.com/dnoland/memoryoracle/internal/record"

// Index is a set of record.Identity tuples already admitted to the graph.
type Index struct {
	seen map[record.Identity]struct{}
}

// NewIndex returns an empty Index.
func NewIndex() *Index {
	return &Index{seen: make(map[record.Identity]struct{})}
}

// Admit returns true and inserts rec's identity on first sight; it returns
// false, without modifying the index, on every subsequent sighting of the
// same identity (AlreadyFound, spec §7).
func (idx *Index) Admit(rec record.MemoryRecord) bool {
	id := rec.ID()
	if _, ok := idx.seen[id]; ok {
		return false
	}
	idx.seen[id] = struct{}{}
	return true
}

// Contains reports whether id has already been admitted, without
// modifying the index.
func (idx *Index) Contains(id record.Identity) bool {
	_, ok := idx.seen[id]
	return ok
}

// Len returns the number of distinct identities admitted so far.
func (idx *Index) Len() int { return len(idx.seen) }
