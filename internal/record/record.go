// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package record defines MemoryRecord, the exportable, hashable
// description of one observed object at one moment, and Identity, the
// tuple that decides whether two records describe the same logical
// object.
package record

import (
	"fmt"

	"github.com/dnoland/memoryoracle/internal/debugger"
	"github.com/dnoland/memoryoracle/internal/memref"
	"github.com/dnoland/memoryoracle/internal/species"
)

// Classification distinguishes the three kinds of thing a MemoryRecord can
// describe.
type Classification int

const (
	ClassFrame Classification = iota
	ClassValue
	ClassSymbol
)

func (c Classification) String() string {
	switch c {
	case ClassFrame:
		return "frame"
	case ClassSymbol:
		return "symbol"
	default:
		return "value"
	}
}

// Identity is the uniqueness key for a MemoryRecord (spec §3): two records
// with the same Identity describe the same observed object. Name
// participates, so a named symbol and an unnamed value at the same address
// stay distinct. Fields, array elements and dereferenced values carry no
// constructed name (no "a[0]"-style names are built); an array element at
// offset 0 is told apart from its containing array by Species and
// TypeName, not by Name.
type Identity struct {
	Species  species.Species
	Name     string
	TypeName string
	Address  debugger.Address
}

// MemoryRecord is the exportable form of a RawRef at a moment in the
// traversal.
type MemoryRecord struct {
	Classification  Classification
	Address         debugger.Address
	Species         species.Species
	TypeName        string
	DynamicTypeName string
	HasDynamicType  bool
	Name            string
	HasName         bool
	SourceLine      int
	HasSourceLine   bool
	ValueRepr       string
	optimizedOut    bool
}

// New constructs a MemoryRecord from a normalized RawRef.
func New(ref memref.RawRef) MemoryRecord {
	r := MemoryRecord{
		Address:         ref.Address,
		Species:         ref.Species,
		TypeName:        ref.TypeName,
		DynamicTypeName: ref.DynamicTypeName,
		HasDynamicType:  ref.HasDynamicType,
		Name:            ref.Name,
		HasName:         ref.HasName,
		SourceLine:      ref.SourceLine,
		HasSourceLine:   ref.HasSourceLine,
		optimizedOut:    ref.IsOptimizedOut,
	}
	switch {
	case ref.Frame != nil:
		r.Classification = ClassFrame
		r.ValueRepr = frameRepr(ref)
	case ref.Symbol != nil:
		r.Classification = ClassSymbol
		r.ValueRepr = valueRepr(ref)
	default:
		r.Classification = ClassValue
		r.ValueRepr = valueRepr(ref)
	}
	return r
}

// valueRepr reproduces original_source's Memory._init_from_value: for an
// extractable species, prefix the dynamic type name (when known) onto the
// printed literal; otherwise use the dynamic type name alone when known,
// falling back to an address-tagged marker.
func valueRepr(ref memref.RawRef) string {
	extractable := ref.Species.Extractable()
	printed := ""
	if ref.Value != nil {
		printed = ref.Value.String()
	}
	switch {
	case extractable && ref.HasDynamicType:
		return ref.DynamicTypeName + " " + printed
	case extractable:
		return printed
	case ref.HasDynamicType:
		return ref.DynamicTypeName
	default:
		return fmt.Sprintf("@0x%x", uint64(ref.Address))
	}
}

// frameRepr reproduces original_source's Memory._init_from_frame: the
// enclosing function's name (or a placeholder), suffixed with the frame's
// stack-pointer address.
func frameRepr(ref memref.RawRef) string {
	fn := ref.Frame.Name()
	if fn == "" {
		fn = "-unknown-"
	}
	return fmt.Sprintf("%s @FRAME<0x%x>", fn, uint64(ref.Address))
}

// ID returns r's Identity.
func (r MemoryRecord) ID() Identity {
	return Identity{
		Species:  r.Species,
		Name:     r.Name,
		TypeName: r.TypeName,
		Address:  r.Address,
	}
}

// IsOptimizedOut reports whether the underlying value had no observable
// storage; such records are never admitted to the graph (spec §3).
func (r MemoryRecord) IsOptimizedOut() bool { return r.optimizedOut }

// IsReal reports whether r's address is a genuine inferior address rather
// than a generated surrogate.
func (r MemoryRecord) IsReal() bool {
	return r.Address != 0 && !memref.IsSurrogate(r.Address)
}

// IsNull reports whether r's address is the null address.
func (r MemoryRecord) IsNull() bool { return r.Address == 0 }

// Label is the default vertex label: "<name>:<value_repr>".
func (r MemoryRecord) Label() string {
	name := r.Name
	if !r.HasName {
		name = ""
	}
	return name + ":" + r.ValueRepr
}
