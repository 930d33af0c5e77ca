// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package debugger defines the portable interface to a debugger session
// that the memory traversal engine consumes. The debugger itself — the
// source of values, types, frames, symbols, and breakpoints — is an
// external collaborator; this package only names the shape the engine
// requires of it, the way package program names the shape of a debugged
// process without implementing one.
package debugger

import "github.com/dnoland/memoryoracle/internal/species"

// Address is an inferior memory address, or a surrogate id for values that
// have none (registers, optimized-out storage). See memref.NewSurrogate.
type Address uint64

// Frame is a single activation record on the call stack.
type Frame interface {
	// Older returns the next frame out (towards main), or nil at the
	// outermost frame.
	Older() (Frame, bool)
	// Newer returns the next frame in (towards the innermost stop), or
	// nil at the newest frame.
	Newer() (Frame, bool)
	// FindSAL locates the program counter and source line for this
	// frame's current position.
	FindSAL() (pc uint64, line int, ok bool)
	// Function returns the symbol for the function this frame is
	// executing, if known.
	Function() (Symbol, bool)
	// Name returns a human-readable function name for this frame, or ""
	// if unknown.
	Name() string
	// ReadRegister reads a named register's value in this frame.
	ReadRegister(name string) (uint64, error)
	// BlockSymbols resolves this frame's program counter to a lexical
	// block and returns every symbol declared in it. ok is false if no
	// block can be found at the frame's pc (the traversal engine treats
	// that as "no local symbols here", not an error).
	BlockSymbols() (syms []Symbol, ok bool)
}

// Type describes a debugger-reported type.
type Type interface {
	// Code is the backend-specific type code; Classify maps it to a
	// Species.
	Code() species.TypeCode
	// Name is the type's declared name. Opaque; do not parse it.
	Name() string
	// Size is the type's size in bytes, or 0 if unknown (e.g. void).
	Size() int64
	// Target returns the pointee/aliased/element type for pointer,
	// reference, typedef, and array types.
	Target() (Type, bool)
	// Range returns a array type's inclusive index bounds [lo, hi].
	Range() (lo, hi int64, ok bool)
	// Fields returns a struct or union type's declared fields.
	Fields() []Field
}

// Field is one declared field of a struct or union type.
type Field struct {
	Name string
	Type Type
}

// Value is a single typed datum at some point in the inferior, as reported
// by the debugger: a variable, a struct field, an array element, a
// dereferenced pointer, or a frame treated as a pseudo-value.
type Value interface {
	// Address returns the object's address, and whether it has one
	// (registers and fully-optimized-out values do not).
	Address() (Address, bool)
	// Type returns the value's static type.
	Type() Type
	// DynamicTypeName returns the concrete runtime type name, if the
	// value is polymorphic and the debugger can determine it.
	DynamicTypeName() (string, bool)
	// IsOptimizedOut reports whether the compiler eliminated this
	// value's storage entirely.
	IsOptimizedOut() bool
	// String returns the printed literal for extractable species
	// (integers, floats, bools, chars, functions).
	String() string
	// ReadCString attempts to read this value as a pointer to a
	// null-terminated printable run. ok is false if the pointer's target
	// cannot be interpreted as a string.
	ReadCString() (s string, ok bool)
	// Dereference follows a pointer or reference to its pointee.
	Dereference() (Value, error)
	// PointerTarget returns the raw address a pointer or reference value
	// holds, without dereferencing — the moral equivalent of casting the
	// pointer to an integer. ok is false if this value is not
	// pointer-shaped.
	PointerTarget() (Address, bool)
	// Cast reinterprets this value as the given type (used to follow a
	// typedef to its target type).
	Cast(Type) (Value, error)
	// Field returns the value of a named struct/union field.
	Field(name string) (Value, error)
	// Index returns the i'th element of an array-like value.
	Index(i int64) (Value, error)
}

// Symbol is a named entity (variable or function) known to the debugger in
// some scope.
type Symbol interface {
	Name() string
	// NeedsFrame reports whether Value requires a non-nil frame to
	// resolve (e.g. a local variable, as opposed to a global).
	NeedsFrame() bool
	// Value resolves this symbol to a value. frame may be nil only if
	// NeedsFrame is false.
	Value(frame Frame) (Value, error)
	// Line returns the symbol's declaration source line, if known.
	Line() (int, bool)
}

// Breakpoint is a non-stopping trap the Allocation Tracker plants at an
// allocator or deallocator entry point. Implementations must be silent
// (never actually halt the inferior) and idempotent: Trigger may be called
// more than once for the same logical hit and must not double-count.
type Breakpoint interface {
	// Location is the symbolic location this breakpoint is set at
	// (e.g. "operator new[]").
	Location() string
	// Trigger is invoked by the debugger when the breakpoint is hit. It
	// must be side-effect-bounded to the Allocation Tracker and must
	// always report "do not stop" to the debugger (see spec §4.5).
	Trigger(Frame) error
}

// FinishBreakpoint is a one-shot trap at a function's return address,
// armed by a Breakpoint at the function's entry.
type FinishBreakpoint interface {
	// Trigger is invoked when the armed function returns.
	Trigger(Frame) error
}

// Architecture exposes the register reads the Allocation Tracker and
// Value Adapter need, independent of how the debugger session names or
// reads them.
type Architecture interface {
	ReadRegister(frame Frame, name string) (uint64, error)
}
