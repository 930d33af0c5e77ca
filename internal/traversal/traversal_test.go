// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package traversal_test

import (
	"strings"
	"testing"

	"github.com/dnoland/memoryoracle/internal/alloc"
	"github.com/dnoland/memoryoracle/internal/debugger"
	"github.com/dnoland/memoryoracle/internal/debugger/fake"
	"github.com/dnoland/memoryoracle/internal/memref"
	"github.com/dnoland/memoryoracle/internal/species"
	"github.com/dnoland/memoryoracle/internal/traversal"
)

const (
	tcInt = species.TypeCode(iota + 1)
	tcPointer
	tcStruct
	tcArray
	tcTypedef
	tcChar
)

func classifier() *species.Classifier {
	return species.NewClassifier(map[species.TypeCode]species.Species{
		tcInt:     species.Integer,
		tcPointer: species.Pointer,
		tcStruct:  species.Struct,
		tcArray:   species.Array,
		tcTypedef: species.Typedef,
		tcChar:    species.Char,
	})
}

func newEngine() (*traversal.Engine, *memref.Adapter) {
	a := memref.NewAdapter(classifier(), "rsp")
	return traversal.NewEngine(a, nil, nil), a
}

var intType = &fake.Type{TCode: tcInt, TName: "int", TSize: 4}

// S1: int x = 42, one frame, one local symbol x.
func TestIntRoot(t *testing.T) {
	e, _ := newEngine()
	xVal := &fake.Value{Addr: 0x2000, HasAddr: true, Typ: intType, Repr: "42"}
	xSym := &fake.Symbol{SName: "x", Needs: true, Val: xVal}
	frame := &fake.Frame{FName: "main", Registers: map[string]uint64{"rsp": 0x1000}, Syms: []debugger.Symbol{xSym}, HasSyms: true}

	if err := e.Prime(frame); err != nil {
		t.Fatalf("Prime: %v", err)
	}
	if err := e.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	g := e.Graph()
	if got, want := g.NumVertices(), 2; got != want {
		t.Fatalf("NumVertices() = %d, want %d", got, want)
	}
	v, ok := g.VertexByAddress(0x2000)
	if !ok {
		t.Fatal("x vertex not found")
	}
	if !strings.Contains(v.Label, "42") {
		t.Errorf("x label = %q, want it to contain \"42\"", v.Label)
	}
}

// S2: int y = 7; int* p = &y.
func TestPointerToInt(t *testing.T) {
	e, _ := newEngine()
	yVal := &fake.Value{Addr: 0x3000, HasAddr: true, Typ: intType, Repr: "7"}
	pVal := &fake.Value{
		Addr: 0x2000, HasAddr: true,
		Typ:       &fake.Type{TCode: tcPointer, TName: "int*", TTarget: intType},
		Repr:      "0x3000",
		IsPointer: true, Target: 0x3000,
		Deref: yVal,
	}
	pSym := &fake.Symbol{SName: "p", Needs: true, Val: pVal}
	frame := &fake.Frame{FName: "main", Registers: map[string]uint64{"rsp": 0x1000}, Syms: []debugger.Symbol{pSym}, HasSyms: true}

	if err := e.Prime(frame); err != nil {
		t.Fatalf("Prime: %v", err)
	}
	if err := e.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	g := e.Graph()
	if _, ok := g.VertexByAddress(0x3000); !ok {
		t.Fatal("y vertex not found")
	}
	if got, want := g.NumEdges(), 2; got != want { // frame->p, p->y
		t.Errorf("NumEdges() = %d, want %d", got, want)
	}
}

// S3: int* a = new int[4]{1,2,3,4}; tracker records (addr(a[0]), 16).
func TestHeapArray(t *testing.T) {
	tracker := alloc.NewTracker(nil)
	tracker.Track(0x5000, 16)
	a := memref.NewAdapter(classifier(), "rsp")
	e := traversal.NewEngine(a, tracker, nil)

	elems := make([]*fake.Value, 4)
	for i, repr := range []string{"1", "2", "3", "4"} {
		elems[i] = &fake.Value{Addr: debugger.Address(0x5000 + uintptr(i)*4), HasAddr: true, Typ: intType, Repr: repr}
	}
	aVal := &fake.Value{
		Addr: 0x2000, HasAddr: true,
		Typ:       &fake.Type{TCode: tcPointer, TName: "int*", TTarget: intType},
		Repr:      "0x5000",
		IsPointer: true, Target: 0x5000,
		Elems: elems,
	}
	aSym := &fake.Symbol{SName: "a", Needs: true, Val: aVal}
	frame := &fake.Frame{FName: "main", Registers: map[string]uint64{"rsp": 0x1000}, Syms: []debugger.Symbol{aSym}, HasSyms: true}

	if err := e.Prime(frame); err != nil {
		t.Fatalf("Prime: %v", err)
	}
	if err := e.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	g := e.Graph()
	count := 0
	for i := 0; i < 4; i++ {
		if _, ok := g.VertexByAddress(debugger.Address(0x5000 + uintptr(i)*4)); ok {
			count++
		}
	}
	if count != 4 {
		t.Errorf("found %d of 4 expected element vertices", count)
	}
}

// S4: struct N { int v; N* next; } a{1,&b}, b{2,&a} — cycle must terminate.
func TestLinkedListCycle(t *testing.T) {
	e, _ := newEngine()

	nType := &fake.Type{TCode: tcStruct, TName: "N"}
	ptrToN := &fake.Type{TCode: tcPointer, TName: "N*", TTarget: nType}
	nType.TFields = []debugger.Field{{Name: "v", Type: intType}, {Name: "next", Type: ptrToN}}

	aVal := &fake.Value{Addr: 0x1000, HasAddr: true, Typ: nType, Repr: "a"}
	bVal := &fake.Value{Addr: 0x2000, HasAddr: true, Typ: nType, Repr: "b"}

	aV := &fake.Value{Addr: 0x1000, HasAddr: true, Typ: intType, Repr: "1"}
	bV := &fake.Value{Addr: 0x2000, HasAddr: true, Typ: intType, Repr: "2"}
	aNext := &fake.Value{Addr: 0x1008, HasAddr: true, Typ: ptrToN, IsPointer: true, Target: 0x2000, Deref: bVal}
	bNext := &fake.Value{Addr: 0x2008, HasAddr: true, Typ: ptrToN, IsPointer: true, Target: 0x1000, Deref: aVal}

	aVal.Fields = map[string]*fake.Value{"v": aV, "next": aNext}
	bVal.Fields = map[string]*fake.Value{"v": bV, "next": bNext}

	aSym := &fake.Symbol{SName: "a", Needs: true, Val: aVal}
	frame := &fake.Frame{FName: "main", Registers: map[string]uint64{"rsp": 0x1000}, Syms: []debugger.Symbol{aSym}, HasSyms: true}

	if err := e.Prime(frame); err != nil {
		t.Fatalf("Prime: %v", err)
	}
	if err := e.Run(); err != nil { // the Identity Index must terminate the a<->b cycle
		t.Fatalf("Run: %v", err)
	}

	g := e.Graph()
	// The identity tuple includes name, so a struct reached by its symbol
	// name ("a") and the same struct reached anonymously through a pointer
	// dereference are distinct identities and both get a vertex — the
	// cycle still terminates because every *subsequent* re-derivation of a
	// given address+species+name combination collides with one already
	// admitted. Bound the vertex count generously rather than pin an exact
	// figure that depends on that naming nuance.
	if got, max := g.NumVertices(), 10; got > max {
		t.Errorf("NumVertices() = %d, want <= %d (cycle did not terminate)", got, max)
	}
	if _, ok := g.VertexByAddress(0x1000); !ok {
		t.Error("a vertex not found")
	}
	if _, ok := g.VertexByAddress(0x2000); !ok {
		t.Error("b vertex not found")
	}
}

// S5: char* s = nullptr — no outgoing edge, no spurious string read.
func TestNullPointer(t *testing.T) {
	e, _ := newEngine()
	sVal := &fake.Value{
		Addr: 0x2000, HasAddr: true,
		Typ:       &fake.Type{TCode: tcPointer, TName: "char*", TTarget: &fake.Type{TCode: tcChar, TName: "char"}},
		Repr:      "0x0",
		IsPointer: true, Target: 0,
	}
	sSym := &fake.Symbol{SName: "s", Needs: true, Val: sVal}
	frame := &fake.Frame{FName: "main", Registers: map[string]uint64{"rsp": 0x1000}, Syms: []debugger.Symbol{sSym}, HasSyms: true}

	if err := e.Prime(frame); err != nil {
		t.Fatalf("Prime: %v", err)
	}
	if err := e.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	g := e.Graph()
	if got, want := g.NumVertices(), 2; got != want { // frame, s only
		t.Errorf("NumVertices() = %d, want %d", got, want)
	}
	if got, want := g.NumEdges(), 1; got != want { // frame->s only
		t.Errorf("NumEdges() = %d, want %d", got, want)
	}
}

// S6: const char* s = "hi" — two outgoing [i] edges to character vertices.
func TestCString(t *testing.T) {
	e, _ := newEngine()
	charType := &fake.Type{TCode: tcChar, TName: "char"}
	h := &fake.Value{Addr: 0x4000, HasAddr: true, Typ: charType, Repr: "h"}
	i := &fake.Value{Addr: 0x4001, HasAddr: true, Typ: charType, Repr: "i"}
	sVal := &fake.Value{
		Addr: 0x2000, HasAddr: true,
		Typ:        &fake.Type{TCode: tcPointer, TName: "const char*", TTarget: charType},
		Repr:       "0x4000",
		IsPointer:  true, Target: 0x4000,
		HasCString: true, CString: "hi",
		Elems: []*fake.Value{h, i},
	}
	sSym := &fake.Symbol{SName: "s", Needs: true, Val: sVal}
	frame := &fake.Frame{FName: "main", Registers: map[string]uint64{"rsp": 0x1000}, Syms: []debugger.Symbol{sSym}, HasSyms: true}

	if err := e.Prime(frame); err != nil {
		t.Fatalf("Prime: %v", err)
	}
	if err := e.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	g := e.Graph()
	if _, ok := g.VertexByAddress(0x4000); !ok {
		t.Error("first character vertex not found")
	}
	if _, ok := g.VertexByAddress(0x4001); !ok {
		t.Error("second character vertex not found")
	}
}

// Typedef non-recursion: a self-referential typedef chain must terminate.
func TestTypedefNonRecursion(t *testing.T) {
	e, _ := newEngine()

	var selfTypedef *fake.Type
	selfTypedef = &fake.Type{TCode: tcTypedef, TName: "Self"}
	selfTypedef.TTarget = selfTypedef // aliases itself

	v := &fake.Value{Addr: 0x2000, HasAddr: true, Typ: selfTypedef, Repr: "x"}
	sym := &fake.Symbol{SName: "x", Needs: true, Val: v}
	frame := &fake.Frame{FName: "main", Registers: map[string]uint64{"rsp": 0x1000}, Syms: []debugger.Symbol{sym}, HasSyms: true}

	if err := e.Prime(frame); err != nil {
		t.Fatalf("Prime: %v", err)
	}
	if err := e.Run(); err != nil { // the typedef-seen guard must terminate the self-alias
		t.Fatalf("Run: %v", err)
	}
}
