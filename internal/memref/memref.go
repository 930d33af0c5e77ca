// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package memref normalizes the three forms of raw debugger input —
// value, symbol-in-frame, frame — into a single RawRef shape the rest of
// the traversal engine operates on.
package memref

import (
	"errors"
	"strconv"
	"sync/atomic"

	"github.com/dnoland/memoryoracle/internal/debugger"
	"github.com/dnoland/memoryoracle/internal/species"
)

// ErrMissingFrame is returned when a symbol needs an enclosing frame to
// resolve its value but none was supplied.
var ErrMissingFrame = errors.New("memref: symbol requires a frame")

// surrogateBit is forced on in every generated surrogate address so it can
// never collide with a real inferior address (spec §9 "Surrogate
// addresses"): real addresses on every architecture this engine targets
// fit in the low 63 bits.
const surrogateBit = uint64(1) << 63

var surrogateCounter atomic.Uint64

// NewSurrogate returns a fresh process-unique address that can never alias
// real inferior memory, for values that have no observable storage
// (registers, fully optimized-out values).
func NewSurrogate() debugger.Address {
	return debugger.Address(surrogateBit | surrogateCounter.Add(1))
}

// IsSurrogate reports whether addr was produced by NewSurrogate.
func IsSurrogate(addr debugger.Address) bool {
	return uint64(addr)&surrogateBit != 0
}

// RawRef is the uniform, normalized reference produced by Adapter.ToRef:
// the identity and metadata needed to classify, dedup, and describe one
// observed object, without yet dereferencing anything.
type RawRef struct {
	Value           debugger.Value  // nil for a Frame-classified ref
	Frame           debugger.Frame  // non-nil only when Kind == RefFrame
	Symbol          debugger.Symbol // non-nil only when Kind == RefSymbol
	Address         debugger.Address
	Species         species.Species
	TypeName        string
	DynamicTypeName string
	HasDynamicType  bool
	IsOptimizedOut  bool
	Name            string
	HasName         bool
	SourceLine      int
	HasSourceLine   bool
}

// RefKind distinguishes the three raw inputs Adapter.ToRef accepts.
type RefKind int

const (
	RefValue RefKind = iota
	RefSymbol
	RefFrame
)

// Adapter is the Value Adapter (spec §4.2): an explicit context value
// rather than global state (spec §9 "Global mutable state"), so a host
// program can run more than one traversal against different architectures
// without the two interfering.
type Adapter struct {
	classify *species.Classifier
	// spRegister is the register Adapter reads to find a frame's
	// address, matching the target architecture (e.g. arch.AMD64's
	// "rsp").
	spRegister string
}

// NewAdapter builds a Value Adapter for the given species classifier and
// stack-pointer register name.
func NewAdapter(classify *species.Classifier, spRegister string) *Adapter {
	return &Adapter{classify: classify, spRegister: spRegister}
}

// ToRef normalizes a value, a symbol (which may require frame to resolve),
// or a frame into a RawRef. enclosingFrame supplies the frame a symbol
// needs; it may be nil when adapting a Value or a Frame directly.
//
// The adapter never dereferences pointers; it only normalizes identity and
// metadata (spec §4.2).
func (a *Adapter) ToRef(kind RefKind, value debugger.Value, symbol debugger.Symbol, frame debugger.Frame, enclosingFrame debugger.Frame) (RawRef, error) {
	switch kind {
	case RefValue:
		return a.valueRef(value)
	case RefSymbol:
		resolveFrame := enclosingFrame
		if !symbol.NeedsFrame() {
			resolveFrame = nil
		} else if resolveFrame == nil {
			return RawRef{}, ErrMissingFrame
		}
		v, err := symbol.Value(resolveFrame)
		if err != nil {
			return RawRef{}, err
		}
		ref, err := a.valueRef(v)
		if err != nil {
			return RawRef{}, err
		}
		ref.Symbol = symbol
		ref.Name, ref.HasName = symbol.Name(), true
		if line, ok := symbol.Line(); ok {
			ref.SourceLine, ref.HasSourceLine = line, true
		}
		return ref, nil
	case RefFrame:
		addr, err := a.AddressOf(RefFrame, nil, nil, frame, nil)
		if err != nil {
			return RawRef{}, err
		}
		return RawRef{
			Frame:   frame,
			Address: addr,
			Species: species.Frame,
			Name:    frame.Name(),
			HasName: true,
		}, nil
	default:
		return RawRef{}, errors.New("memref: unknown ref kind")
	}
}

func (a *Adapter) valueRef(v debugger.Value) (RawRef, error) {
	addr, hasAddr := v.Address()
	if !hasAddr {
		addr = NewSurrogate()
	}
	t := v.Type()
	dynName, hasDyn := v.DynamicTypeName()
	return RawRef{
		Value:           v,
		Address:         addr,
		Species:         a.classify.Classify(t.Code()),
		TypeName:        FlattenTypeName(t),
		DynamicTypeName: dynName,
		HasDynamicType:  hasDyn,
		IsOptimizedOut:  v.IsOptimizedOut(),
	}, nil
}

// FlattenTypeName reproduces original_source's oracle.py true_type_name
// for pointer and array layers: it walks unnamed pointer types and array
// types down to the first named type and records them as one flattened
// string such as "int**" or "int[4]". A named type, including a typedef,
// ends the walk and its name is used as is; typedefs are not stripped.
func FlattenTypeName(t debugger.Type) string {
	var suffix string
	cur := t
	for {
		if lo, hi, ok := cur.Range(); ok {
			suffix += bracket(hi - lo + 1)
			next, ok := cur.Target()
			if !ok {
				break
			}
			cur = next
			continue
		}
		if next, ok := cur.Target(); ok && cur.Name() == "" {
			suffix = "*" + suffix
			cur = next
			continue
		}
		break
	}
	return cur.Name() + suffix
}

func bracket(n int64) string {
	return "[" + strconv.FormatInt(n, 10) + "]"
}

// AddressOf returns the address of obj, with a surrogate fallback when the
// debugger reports none. For a frame, the address is the stack-pointer
// register read through the architecture abstraction (spec §6).
func (a *Adapter) AddressOf(kind RefKind, value debugger.Value, symbol debugger.Symbol, frame debugger.Frame, enclosingFrame debugger.Frame) (debugger.Address, error) {
	switch kind {
	case RefValue:
		if addr, ok := value.Address(); ok {
			return addr, nil
		}
		return NewSurrogate(), nil
	case RefSymbol:
		resolveFrame := enclosingFrame
		if !symbol.NeedsFrame() {
			resolveFrame = nil
		} else if resolveFrame == nil {
			return 0, ErrMissingFrame
		}
		v, err := symbol.Value(resolveFrame)
		if err != nil {
			return 0, err
		}
		if addr, ok := v.Address(); ok {
			return addr, nil
		}
		return NewSurrogate(), nil
	case RefFrame:
		sp, err := frame.ReadRegister(a.spRegister)
		if err != nil {
			return NewSurrogate(), nil
		}
		return debugger.Address(sp), nil
	default:
		return 0, errors.New("memref: unknown ref kind")
	}
}
