// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package alloc intercepts operator new / operator new[] (and
// deallocators, when instrumented) via breakpoints to discover heap
// extents the type system doesn't know about on its own: address -> size.
package alloc

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dnoland/memoryoracle/internal/debugger"
)

// Tracker is the side-table of heap extents observed via allocator
// interception. It is purely additive observation: it never writes
// inferior memory.
//
// Per spec §5, the tracker is owned by the breakpoint layer and read by
// the engine under a one-writer/one-reader discipline with no overlap in
// time — writes only happen while the inferior is running (inside a
// breakpoint Trigger), reads only while it is stopped. No mutex is needed
// for that discipline to be safe, but Tracker still serializes its own
// writes with a mutex because two distinct allocator breakpoints
// (operator new and operator new[]) could otherwise race within the same
// "inferior running" window on a multi-threaded inferior.
type Tracker struct {
	mu      sync.Mutex
	entries map[debugger.Address]uint64
	log     *logrus.Entry
}

// NewTracker returns an empty Tracker.
func NewTracker(log *logrus.Entry) *Tracker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Tracker{entries: make(map[debugger.Address]uint64), log: log}
}

// Track records that addr refers to a size-byte allocation. If addr is
// already tracked, the entry is overwritten — a reallocation into the
// same slot is not an error (spec §4.5).
func (t *Tracker) Track(addr debugger.Address, size uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[addr]; ok {
		t.log.WithField("addr", addr).Debug("alloc: reusing tracked address")
	}
	t.entries[addr] = size
	t.log.WithFields(logrus.Fields{"addr": addr, "size": size}).Trace("alloc: tracked allocation")
}

// Remove deletes addr's entry, if any (called from a deallocator
// breakpoint per SPEC_FULL §3 item 4: purging prevents a freed-and-reused
// address from mis-attributing a stale size).
func (t *Tracker) Remove(addr debugger.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, addr)
}

// IsAllocated reports whether addr is currently tracked.
func (t *Tracker) IsAllocated(addr debugger.Address) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[addr]
	return ok
}

// SizeOf returns the tracked byte size of addr, and whether it is tracked.
func (t *Tracker) SizeOf(addr debugger.Address) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sz, ok := t.entries[addr]
	return sz, ok
}

// List returns a snapshot of every tracked (address, size) pair.
func (t *Tracker) List() map[debugger.Address]uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[debugger.Address]uint64, len(t.entries))
	for k, v := range t.entries {
		out[k] = v
	}
	return out
}

// ArgReader reads the first integer argument register (the size passed to
// an allocator) and the integer return register (the address an allocator
// returns), per the Architecture abstraction (spec §6).
type ArgReader interface {
	ReadArg0(frame debugger.Frame) (uint64, error)
	ReadRet(frame debugger.Frame) (uint64, error)
}

// EntryBreak is planted at an allocator's entry point. It reads the
// requested size from arg0 and arms a ReturnBreak to capture the returned
// address once the allocator returns.
type EntryBreak struct {
	location string
	tracker  *Tracker
	args     ArgReader
	arm      func(size uint64)
	log      *logrus.Entry
}

// NewEntryBreak builds an EntryBreak for an allocator at location (e.g.
// "operator new" or "operator new[]"). arm is called with the captured
// size to plant the corresponding ReturnBreak; the caller supplies it so
// the concrete debugger backend controls how a return-address trap is
// armed.
func NewEntryBreak(location string, tracker *Tracker, args ArgReader, arm func(size uint64), log *logrus.Entry) *EntryBreak {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &EntryBreak{location: location, tracker: tracker, args: args, arm: arm, log: log.WithField("breakpoint", location)}
}

func (b *EntryBreak) Location() string { return b.location }

// Trigger reads the allocation size and arms the return-address trap. It
// always leaves the inferior stopped state untouched (spec §4.5:
// "Breakpoints are silent and always return do-not-stop"); the debugger
// backend is responsible for actually resuming after Trigger returns.
func (b *EntryBreak) Trigger(frame debugger.Frame) error {
	size, err := b.args.ReadArg0(frame)
	if err != nil {
		b.log.WithError(err).Warn("alloc: could not read allocation size argument")
		return nil
	}
	b.log.WithField("size", size).Trace("alloc: entry breakpoint hit")
	b.arm(size)
	return nil
}

// ReturnBreak is the one-shot FinishBreakpoint armed by an EntryBreak. It
// reads the returned address and records (address -> size) in the
// Tracker.
type ReturnBreak struct {
	size    uint64
	tracker *Tracker
	args    ArgReader
	log     *logrus.Entry
}

// NewReturnBreak builds a ReturnBreak that will track size bytes at
// whatever address the allocator returns.
func NewReturnBreak(size uint64, tracker *Tracker, args ArgReader, log *logrus.Entry) *ReturnBreak {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ReturnBreak{size: size, tracker: tracker, args: args, log: log}
}

func (b *ReturnBreak) Trigger(frame debugger.Frame) error {
	addr, err := b.args.ReadRet(frame)
	if err != nil {
		b.log.WithError(err).Warn("alloc: could not read return address")
		return nil
	}
	b.tracker.Track(debugger.Address(addr), b.size)
	return nil
}

// DeleteBreak is planted at a deallocator's entry point. It reads the
// freed address from arg0 and purges it from the Tracker.
type DeleteBreak struct {
	location string
	tracker  *Tracker
	args     ArgReader
	log      *logrus.Entry
}

// NewDeleteBreak builds a DeleteBreak for a deallocator at location (e.g.
// "operator delete" or "operator delete[]").
func NewDeleteBreak(location string, tracker *Tracker, args ArgReader, log *logrus.Entry) *DeleteBreak {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &DeleteBreak{location: location, tracker: tracker, args: args, log: log.WithField("breakpoint", location)}
}

func (b *DeleteBreak) Location() string { return b.location }

func (b *DeleteBreak) Trigger(frame debugger.Frame) error {
	addr, err := b.args.ReadArg0(frame)
	if err != nil {
		b.log.WithError(err).Warn("alloc: could not read freed address argument")
		return nil
	}
	b.tracker.Remove(debugger.Address(addr))
	return nil
}

// AllocatorLocations are the default breakpoint locations the tracker
// instruments, per SPEC_FULL §3 item 3: both the scalar and array forms of
// operator new are tracked into the same table, because a pointer the
// traversal engine encounters later has no way to know which one produced
// it.
var AllocatorLocations = []string{"operator new", "operator new[]"}

// DeallocatorLocations are purge-on-free breakpoint locations, tracked
// when the backend supports them (SPEC_FULL §3 item 4).
var DeallocatorLocations = []string{"operator delete", "operator delete[]"}
