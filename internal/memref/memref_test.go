// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memref_test

import (
	"testing"

	"github.com/dnoland/memoryoracle/internal/debugger"
	"github.com/dnoland/memoryoracle/internal/debugger/fake"
	"github.com/dnoland/memoryoracle/internal/memref"
	"github.com/dnoland/memoryoracle/internal/species"
)

const (
	tcInt species.TypeCode = iota + 1
	tcPointer
)

func classifier() *species.Classifier {
	return species.NewClassifier(map[species.TypeCode]species.Species{
		tcInt:     species.Integer,
		tcPointer: species.Pointer,
	})
}

func TestToRefValue(t *testing.T) {
	a := memref.NewAdapter(classifier(), "rsp")
	v := &fake.Value{Addr: 0x1000, HasAddr: true, Typ: &fake.Type{TCode: tcInt, TName: "int", TSize: 4}, Repr: "7"}

	ref, err := a.ToRef(memref.RefValue, v, nil, nil, nil)
	if err != nil {
		t.Fatalf("ToRef: %v", err)
	}
	if ref.Address != 0x1000 {
		t.Errorf("Address = %#x, want 0x1000", ref.Address)
	}
	if ref.Species != species.Integer {
		t.Errorf("Species = %s, want integer", ref.Species)
	}
}

func TestToRefValueNoAddressGetsSurrogate(t *testing.T) {
	a := memref.NewAdapter(classifier(), "rsp")
	v := &fake.Value{HasAddr: false, Typ: &fake.Type{TCode: tcInt, TName: "int", TSize: 4}, Repr: "7"}

	ref, err := a.ToRef(memref.RefValue, v, nil, nil, nil)
	if err != nil {
		t.Fatalf("ToRef: %v", err)
	}
	if !memref.IsSurrogate(ref.Address) {
		t.Errorf("Address = %#x, want a surrogate", ref.Address)
	}
}

func TestToRefSymbolNeedsFrameMissing(t *testing.T) {
	a := memref.NewAdapter(classifier(), "rsp")
	sym := &fake.Symbol{SName: "x", Needs: true}

	_, err := a.ToRef(memref.RefSymbol, nil, sym, nil, nil)
	if err != memref.ErrMissingFrame {
		t.Errorf("ToRef err = %v, want ErrMissingFrame", err)
	}
}

func TestToRefSymbolResolvesThroughFrame(t *testing.T) {
	a := memref.NewAdapter(classifier(), "rsp")
	v := &fake.Value{Addr: 0x2000, HasAddr: true, Typ: &fake.Type{TCode: tcInt, TName: "int", TSize: 4}, Repr: "42"}
	sym := &fake.Symbol{SName: "x", Needs: true, Val: v, SLine: 10, HasLin: true}
	frame := &fake.Frame{FName: "main", Registers: map[string]uint64{"rsp": 0x1000}}

	ref, err := a.ToRef(memref.RefSymbol, nil, sym, nil, frame)
	if err != nil {
		t.Fatalf("ToRef: %v", err)
	}
	if ref.Name != "x" || !ref.HasName {
		t.Errorf("Name = %q, HasName = %v, want \"x\", true", ref.Name, ref.HasName)
	}
	if ref.Address != 0x2000 {
		t.Errorf("Address = %#x, want 0x2000", ref.Address)
	}
	if !ref.HasSourceLine || ref.SourceLine != 10 {
		t.Errorf("SourceLine = %d, HasSourceLine = %v, want 10, true", ref.SourceLine, ref.HasSourceLine)
	}
}

func TestToRefFrameReadsStackPointer(t *testing.T) {
	a := memref.NewAdapter(classifier(), "rsp")
	frame := &fake.Frame{FName: "main", Registers: map[string]uint64{"rsp": 0xabc0}}

	ref, err := a.ToRef(memref.RefFrame, nil, nil, frame, nil)
	if err != nil {
		t.Fatalf("ToRef: %v", err)
	}
	if ref.Address != debugger.Address(0xabc0) {
		t.Errorf("Address = %#x, want 0xabc0", ref.Address)
	}
	if ref.Species != species.Frame {
		t.Errorf("Species = %s, want frame", ref.Species)
	}
}

func TestFlattenTypeNamePointer(t *testing.T) {
	intType := &fake.Type{TCode: tcInt, TName: "int"}
	ptrType := &fake.Type{TCode: tcPointer, TName: "", TTarget: intType}
	if got, want := memref.FlattenTypeName(ptrType), "int*"; got != want {
		t.Errorf("FlattenTypeName() = %q, want %q", got, want)
	}
}

func TestFlattenTypeNameArray(t *testing.T) {
	intType := &fake.Type{TCode: tcInt, TName: "int"}
	arrType := &fake.Type{TName: "", IsArray: true, Lo: 0, Hi: 3, TTarget: intType}
	if got, want := memref.FlattenTypeName(arrType), "int[4]"; got != want {
		t.Errorf("FlattenTypeName() = %q, want %q", got, want)
	}
}

func TestNewSurrogateNeverCollidesWithRealAddress(t *testing.T) {
	s := memref.NewSurrogate()
	if !memref.IsSurrogate(s) {
		t.Error("IsSurrogate(NewSurrogate()) = false")
	}
	if memref.IsSurrogate(debugger.Address(0x1000)) {
		t.Error("IsSurrogate(0x1000) = true, want false")
	}
}

func TestNewSurrogateIsUnique(t *testing.T) {
	a, b := memref.NewSurrogate(), memref.NewSurrogate()
	if a == b {
		t.Error("two NewSurrogate() calls returned the same address")
	}
}
