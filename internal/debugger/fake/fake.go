// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fake implements the debugger package's Frame, Value, Symbol,
// Type and Architecture interfaces in memory for tests, the way internal/gocore's tests build a Process from a
// generated core file — here we build the equivalent graph of
// frames/values/types directly, since there is no live inferior to attach
// to in a test binary.
package fake

import (
	"errors"
	"fmt"

	"github.com/dnoland/memoryoracle/internal/debugger"
	"github.com/dnoland/memoryoracle/internal/species"
)

// ErrMissingFrame is returned by Symbol.Value when resolution needs a
// frame that was not supplied.
var ErrMissingFrame = errors.New("fake: symbol needs a frame to resolve")

// Type is a fake debugger.Type.
type Type struct {
	TCode   species.TypeCode
	TName   string
	TSize   int64
	TTarget *Type
	Lo, Hi  int64
	IsArray bool
	TFields []debugger.Field
}

func (t *Type) Code() species.TypeCode { return t.TCode }
func (t *Type) Name() string           { return t.TName }
func (t *Type) Size() int64            { return t.TSize }

func (t *Type) Target() (debugger.Type, bool) {
	if t.TTarget == nil {
		return nil, false
	}
	return t.TTarget, true
}

func (t *Type) Range() (int64, int64, bool) {
	if !t.IsArray {
		return 0, 0, false
	}
	return t.Lo, t.Hi, true
}

func (t *Type) Fields() []debugger.Field { return t.TFields }

// Value is a fake debugger.Value.
type Value struct {
	Addr         debugger.Address
	HasAddr      bool
	Typ          *Type
	DynName      string
	HasDyn       bool
	OptimizedOut bool
	Repr         string
	CString      string
	HasCString   bool
	Deref        *Value
	DerefErr     error
	Fields       map[string]*Value
	Elems        []*Value
	Target       debugger.Address
	IsPointer    bool
}

func (v *Value) Address() (debugger.Address, bool) { return v.Addr, v.HasAddr }
func (v *Value) Type() debugger.Type               { return v.Typ }

func (v *Value) DynamicTypeName() (string, bool) { return v.DynName, v.HasDyn }
func (v *Value) IsOptimizedOut() bool            { return v.OptimizedOut }
func (v *Value) String() string                  { return v.Repr }

func (v *Value) ReadCString() (string, bool) {
	if !v.HasCString {
		return "", false
	}
	return v.CString, true
}

func (v *Value) Dereference() (debugger.Value, error) {
	if v.DerefErr != nil {
		return nil, v.DerefErr
	}
	if v.Deref == nil {
		return nil, fmt.Errorf("fake: nil dereference")
	}
	return v.Deref, nil
}

func (v *Value) Cast(t debugger.Type) (debugger.Value, error) {
	cp := *v
	cp.Typ = t.(*Type)
	return &cp, nil
}

func (v *Value) PointerTarget() (debugger.Address, bool) {
	if !v.IsPointer {
		return 0, false
	}
	return v.Target, true
}

func (v *Value) Field(name string) (debugger.Value, error) {
	f, ok := v.Fields[name]
	if !ok {
		return nil, fmt.Errorf("fake: no field %q", name)
	}
	return f, nil
}

func (v *Value) Index(i int64) (debugger.Value, error) {
	if i < 0 || i >= int64(len(v.Elems)) {
		return nil, fmt.Errorf("fake: index %d out of range", i)
	}
	return v.Elems[i], nil
}

// Symbol is a fake debugger.Symbol.
type Symbol struct {
	SName  string
	Needs  bool
	Val    *Value
	SLine  int
	HasLin bool
}

func (s *Symbol) Name() string       { return s.SName }
func (s *Symbol) NeedsFrame() bool   { return s.Needs }
func (s *Symbol) Line() (int, bool)  { return s.SLine, s.HasLin }

func (s *Symbol) Value(frame debugger.Frame) (debugger.Value, error) {
	if s.Needs && frame == nil {
		return nil, ErrMissingFrame
	}
	return s.Val, nil
}

// Frame is a fake debugger.Frame.
type Frame struct {
	FOlder     *Frame
	FNewer     *Frame
	PC         uint64
	FLine      int
	Fn         *Symbol
	FName      string
	Registers  map[string]uint64
	Syms       []debugger.Symbol
	HasSyms    bool
}

func (f *Frame) Older() (debugger.Frame, bool) {
	if f.FOlder == nil {
		return nil, false
	}
	return f.FOlder, true
}

func (f *Frame) Newer() (debugger.Frame, bool) {
	if f.FNewer == nil {
		return nil, false
	}
	return f.FNewer, true
}

func (f *Frame) FindSAL() (uint64, int, bool) { return f.PC, f.FLine, true }

func (f *Frame) Function() (debugger.Symbol, bool) {
	if f.Fn == nil {
		return nil, false
	}
	return f.Fn, true
}

func (f *Frame) Name() string { return f.FName }

func (f *Frame) ReadRegister(name string) (uint64, error) {
	v, ok := f.Registers[name]
	if !ok {
		return 0, fmt.Errorf("fake: no register %q", name)
	}
	return v, nil
}

func (f *Frame) BlockSymbols() ([]debugger.Symbol, bool) {
	if !f.HasSyms {
		return nil, false
	}
	return f.Syms, true
}

// Architecture implements debugger.Architecture by simply delegating to
// the frame's own register read.
type Architecture struct{}

func (Architecture) ReadRegister(frame debugger.Frame, name string) (uint64, error) {
	return frame.ReadRegister(name)
}
