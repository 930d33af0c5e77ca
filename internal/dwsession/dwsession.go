// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux && amd64

// Package dwsession is a reference debugger.Frame/Value/Type/Symbol
// backend over a stopped Linux/amd64 inferior: it resolves variables and
// types from the target binary's DWARF info and reads their storage
// through internal/ptracebp. It is deliberately a practical subset of a
// full DWARF consumer (see the scope notes on Frame and evalFrameLocation),
// the same way internal/debugger/fake is a practical subset for tests —
// both exist to give the Traversal Engine a concrete Frame to start from.
package dwsession

import (
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/dnoland/memoryoracle/internal/debugger"
	"github.com/dnoland/memoryoracle/internal/species"
)

// Memory is the address-space read capability a Session needs from the
// inferior; internal/ptracebp.Inferior satisfies it via ReadMemory.
type Memory interface {
	ReadMemory(addr uint64, data []byte) error
}

// Registers is the register read capability a Session needs;
// internal/ptracebp.Inferior satisfies it via ReadRegister.
type Registers interface {
	ReadRegister(name string) (uint64, error)
}

// Session loads one target binary's symbol and type information and reads
// live values for it out of an attached Memory/Registers pair.
type Session struct {
	mem     Memory
	regs    Registers
	dwarf   *dwarf.Data
	symbols map[string]uint64
}

// Load opens path (the inferior's own executable, matching
// demo/ptrace-linux-amd64/main.go's single-binary-child model), reads its
// DWARF and ELF symbol table, and binds it to mem/regs for live value
// reads.
func Load(path string, mem Memory, regs Registers) (*Session, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dwsession: open %s: %w", path, err)
	}
	defer f.Close()

	d, err := f.DWARF()
	if err != nil {
		return nil, fmt.Errorf("dwsession: read DWARF from %s: %w", path, err)
	}

	syms := make(map[string]uint64)
	if elfSyms, err := f.Symbols(); err == nil {
		for _, s := range elfSyms {
			if s.Value != 0 && elf.ST_TYPE(s.Info) == elf.STT_FUNC {
				syms[s.Name] = s.Value
			}
		}
	}
	return &Session{mem: mem, regs: regs, dwarf: d, symbols: syms}, nil
}

// LookupFunction resolves a breakpoint location by name to an address,
// trying DWARF subprogram entries first and falling back to the ELF
// symbol table for functions DWARF omits (e.g. compiled without -g).
func (s *Session) LookupFunction(name string) (uint64, error) {
	r := s.dwarf.Reader()
	for {
		e, err := r.Next()
		if err != nil {
			return 0, err
		}
		if e == nil {
			break
		}
		if e.Tag != dwarf.TagSubprogram {
			continue
		}
		if n, _ := e.Val(dwarf.AttrName).(string); n == name {
			if lowpc, ok := e.Val(dwarf.AttrLowpc).(uint64); ok {
				return lowpc, nil
			}
		}
	}
	if addr, ok := s.symbols[name]; ok {
		return addr, nil
	}
	return 0, fmt.Errorf("dwsession: function %q not found", name)
}

// FrameAt builds the Frame for a stop at pc, with rbp the value of the
// frame-pointer register at that stop (spec §6's Architecture.SP role is
// the stack pointer; rbp here is the separate, conventional frame-pointer
// register x86_64 code built with frame pointers retains).
//
// A pc with no covering DWARF subprogram entry (code built without -g,
// e.g. a stripped libstdc++ allocator) still produces a Frame: only its
// name is unresolved. BlockSymbols is what actually requires DWARF debug
// info to do anything useful, and reports ok=false on its own when it has
// none to offer.
func (s *Session) FrameAt(pc, rbp uint64) (*Frame, error) {
	name := ""
	if entry, err := s.subprogramEntry(pc); err == nil {
		name, _ = entry.Val(dwarf.AttrName).(string)
	}
	return &Frame{s: s, pc: pc, rbp: rbp, name: name}, nil
}

func (s *Session) subprogramEntry(pc uint64) (*dwarf.Entry, error) {
	r := s.dwarf.Reader()
	for {
		e, err := r.Next()
		if err != nil {
			return nil, err
		}
		if e == nil {
			break
		}
		if e.Tag != dwarf.TagSubprogram {
			continue
		}
		lowpc, lok := e.Val(dwarf.AttrLowpc).(uint64)
		highpc, hok := e.Val(dwarf.AttrHighpc).(uint64)
		if !lok || !hok {
			continue
		}
		// AttrHighpc is commonly an offset from lowpc (DWARF4+), not an
		// absolute address; accept both forms.
		if highpc < lowpc {
			highpc += lowpc
		}
		if pc < lowpc || pc >= highpc {
			continue
		}
		return e, nil
	}
	return nil, fmt.Errorf("dwsession: no subprogram covers pc %#x", pc)
}

// Classifier builds the species.Classifier for dwsession's own TypeCode
// space: one small integer per dwarf.Type kind that codeOf distinguishes
// (the tc* constants below).
func Classifier() *species.Classifier {
	return species.NewClassifier(map[species.TypeCode]species.Species{
		tcInt:      species.Integer,
		tcFloat:    species.Float,
		tcBool:     species.Bool,
		tcChar:     species.Char,
		tcPointer:  species.Pointer,
		tcArray:    species.Array,
		tcStruct:   species.Struct,
		tcUnion:    species.Union,
		tcEnum:     species.Enum,
		tcTypedef:  species.Typedef,
		tcFunction: species.Function,
		tcVoid:     species.Void,
	})
}

type typeCode = species.TypeCode

const (
	tcInt typeCode = iota + 1
	tcFloat
	tcBool
	tcChar
	tcPointer
	tcArray
	tcStruct
	tcUnion
	tcEnum
	tcTypedef
	tcFunction
	tcVoid
)

// codeOf classifies a dwarf.Type the same way ogle/program/server/value.go's
// value() switch distinguishes them for reading, ported from that
// historical x/debug/dwarf package onto the standard library's debug/dwarf
// (the two share the same type-name lineage).
func codeOf(t dwarf.Type) typeCode {
	switch x := t.(type) {
	case *dwarf.CharType, *dwarf.UcharType:
		return tcChar
	case *dwarf.BoolType:
		return tcBool
	case *dwarf.IntType, *dwarf.UintType, *dwarf.AddrType:
		return tcInt
	case *dwarf.FloatType, *dwarf.ComplexType:
		return tcFloat
	case *dwarf.PtrType:
		return tcPointer
	case *dwarf.ArrayType:
		return tcArray
	case *dwarf.StructType:
		if x.Kind == "union" {
			return tcUnion
		}
		return tcStruct
	case *dwarf.EnumType:
		return tcEnum
	case *dwarf.TypedefType:
		return tcTypedef
	case *dwarf.FuncType:
		return tcFunction
	case *dwarf.VoidType:
		return tcVoid
	default:
		return 0 // Error species: unrecognized DWARF type, treated as a leaf.
	}
}

// Type adapts a dwarf.Type to debugger.Type.
type Type struct {
	dt dwarf.Type
}

func (t *Type) Code() species.TypeCode { return codeOf(t.dt) }
func (t *Type) Name() string           { return t.dt.Common().Name }
func (t *Type) Size() int64            { return t.dt.Common().ByteSize }

func (t *Type) Target() (debugger.Type, bool) {
	switch x := t.dt.(type) {
	case *dwarf.PtrType:
		return &Type{x.Type}, true
	case *dwarf.ArrayType:
		return &Type{x.Type}, true
	case *dwarf.TypedefType:
		return &Type{x.Type}, true
	}
	return nil, false
}

func (t *Type) Range() (int64, int64, bool) {
	at, ok := t.dt.(*dwarf.ArrayType)
	if !ok || at.Count <= 0 {
		return 0, 0, false
	}
	return 0, at.Count - 1, true
}

func (t *Type) Fields() []debugger.Field {
	st, ok := t.dt.(*dwarf.StructType)
	if !ok {
		return nil
	}
	fields := make([]debugger.Field, len(st.Field))
	for i, f := range st.Field {
		fields[i] = debugger.Field{Name: f.Name, Type: &Type{f.Type}}
	}
	return fields
}

// structOffset returns f's byte offset within its declaring struct type,
// used by Value.Field to compute the child's address.
func structOffset(t dwarf.Type, name string) (int64, dwarf.Type, error) {
	st, ok := t.(*dwarf.StructType)
	if !ok {
		return 0, nil, fmt.Errorf("dwsession: %s is not a struct or union", t)
	}
	for _, f := range st.Field {
		if f.Name == name {
			return f.ByteOffset, f.Type, nil
		}
	}
	return 0, nil, fmt.Errorf("dwsession: no field %q in %s", name, t)
}

// Value adapts a (type, live address) pair to debugger.Value, reading
// storage through Memory on demand rather than eagerly.
type Value struct {
	s    *Session
	addr uint64
	typ  *Type
}

func (v *Value) Address() (debugger.Address, bool) { return debugger.Address(v.addr), true }
func (v *Value) Type() debugger.Type               { return v.typ }
func (v *Value) DynamicTypeName() (string, bool)   { return "", false }
func (v *Value) IsOptimizedOut() bool              { return false }

func (v *Value) read(n int64) ([]byte, error) {
	buf := make([]byte, n)
	if err := v.s.mem.ReadMemory(v.addr, buf); err != nil {
		return nil, fmt.Errorf("dwsession: read %d bytes at %#x: %w", n, v.addr, err)
	}
	return buf, nil
}

func (v *Value) String() string {
	switch codeOf(v.typ.dt) {
	case tcInt:
		buf, err := v.read(v.typ.Size())
		if err != nil {
			return "?"
		}
		return fmt.Sprintf("%d", signed(buf))
	case tcChar:
		buf, err := v.read(v.typ.Size())
		if err != nil {
			return "?"
		}
		return string(rune(buf[0]))
	case tcBool:
		buf, err := v.read(v.typ.Size())
		if err != nil || len(buf) == 0 {
			return "?"
		}
		return fmt.Sprintf("%t", buf[0] != 0)
	case tcFloat:
		buf, err := v.read(v.typ.Size())
		if err != nil {
			return "?"
		}
		if v.typ.Size() == 4 {
			return fmt.Sprintf("%g", math.Float32frombits(binary.LittleEndian.Uint32(buf)))
		}
		return fmt.Sprintf("%g", math.Float64frombits(binary.LittleEndian.Uint64(buf)))
	case tcPointer:
		buf, err := v.read(8)
		if err != nil {
			return "?"
		}
		return fmt.Sprintf("%#x", binary.LittleEndian.Uint64(buf))
	default:
		return fmt.Sprintf("@%#x", v.addr)
	}
}

func signed(buf []byte) int64 {
	switch len(buf) {
	case 1:
		return int64(int8(buf[0]))
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(buf)))
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(buf)))
	case 8:
		return int64(binary.LittleEndian.Uint64(buf))
	default:
		return 0
	}
}

// ReadCString attempts to read a NUL-terminated run of printable bytes
// starting at the address this pointer value holds, the way
// _search_pointer's string-interpretation step does before falling back
// to treating the pointer as an ordinary object reference.
func (v *Value) ReadCString() (string, bool) {
	if codeOf(v.typ.dt) != tcPointer {
		return "", false
	}
	target, ok := v.PointerTarget()
	if !ok || target == 0 {
		return "", false
	}
	const maxLen = 4096
	buf := make([]byte, 0, 64)
	var chunk [64]byte
	for addr := uint64(target); len(buf) < maxLen; addr += uint64(len(chunk)) {
		if err := v.s.mem.ReadMemory(addr, chunk[:]); err != nil {
			return "", false
		}
		for _, b := range chunk {
			if b == 0 {
				return string(buf), true
			}
			if b < 0x20 || b > 0x7e {
				return "", false
			}
			buf = append(buf, b)
		}
	}
	return "", false
}

func (v *Value) Dereference() (debugger.Value, error) {
	target, ok := v.PointerTarget()
	if !ok {
		return nil, errors.New("dwsession: not a pointer")
	}
	elem, ok := v.typ.Target()
	if !ok {
		return nil, errors.New("dwsession: pointer has no element type")
	}
	return &Value{s: v.s, addr: uint64(target), typ: elem.(*Type)}, nil
}

func (v *Value) PointerTarget() (debugger.Address, bool) {
	if codeOf(v.typ.dt) != tcPointer {
		return 0, false
	}
	buf, err := v.read(8)
	if err != nil {
		return 0, false
	}
	return debugger.Address(binary.LittleEndian.Uint64(buf)), true
}

func (v *Value) Cast(t debugger.Type) (debugger.Value, error) {
	dt, ok := t.(*Type)
	if !ok {
		return nil, errors.New("dwsession: foreign Type")
	}
	return &Value{s: v.s, addr: v.addr, typ: dt}, nil
}

func (v *Value) Field(name string) (debugger.Value, error) {
	off, ft, err := structOffset(v.typ.dt, name)
	if err != nil {
		return nil, err
	}
	return &Value{s: v.s, addr: v.addr + uint64(off), typ: &Type{ft}}, nil
}

func (v *Value) Index(i int64) (debugger.Value, error) {
	if pt, ok := v.typ.dt.(*dwarf.PtrType); ok {
		target, ok := v.PointerTarget()
		if !ok {
			return nil, fmt.Errorf("dwsession: cannot read pointer at %#x", v.addr)
		}
		elemSize := pt.Type.Common().ByteSize
		if elemSize <= 0 {
			elemSize = 1
		}
		return &Value{s: v.s, addr: uint64(target) + uint64(i*elemSize), typ: &Type{pt.Type}}, nil
	}
	at, ok := v.typ.dt.(*dwarf.ArrayType)
	if !ok {
		return nil, fmt.Errorf("dwsession: %s is not an array", v.typ.dt)
	}
	elemSize := at.Type.Common().ByteSize
	return &Value{s: v.s, addr: v.addr + uint64(i*elemSize), typ: &Type{at.Type}}, nil
}

// Symbol adapts one DWARF variable or formal-parameter entry to
// debugger.Symbol.
type Symbol struct {
	s          *Session
	name       string
	typ        *Type
	loc        []byte
	needsFrame bool
	line       int
	hasLine    bool
}

func (sym *Symbol) Name() string     { return sym.name }
func (sym *Symbol) NeedsFrame() bool { return sym.needsFrame }
func (sym *Symbol) Line() (int, bool) { return sym.line, sym.hasLine }

func (sym *Symbol) Value(frame debugger.Frame) (debugger.Value, error) {
	if !sym.needsFrame {
		addr, err := evalAddrLocation(sym.loc)
		if err != nil {
			return nil, err
		}
		return &Value{s: sym.s, addr: addr, typ: sym.typ}, nil
	}
	f, ok := frame.(*Frame)
	if !ok {
		return nil, errors.New("dwsession: symbol needs a dwsession.Frame")
	}
	off, err := evalFrameLocation(sym.loc)
	if err != nil {
		return nil, err
	}
	return &Value{s: sym.s, addr: uint64(int64(f.cfa()) + off), typ: sym.typ}, nil
}

// evalAddrLocation handles DW_OP_addr (0x03): a global's fixed address.
func evalAddrLocation(loc []byte) (uint64, error) {
	if len(loc) == 9 && loc[0] == 0x03 {
		return binary.LittleEndian.Uint64(loc[1:]), nil
	}
	return 0, errors.New("dwsession: unsupported global location expression")
}

// evalFrameLocation handles the two location-expression shapes most
// compilers emit for a stack-resident local: DW_OP_fbreg <sleb> (0x91,
// frame-base-relative, the common case for -gcc/-clang output) and
// DW_OP_call_frame_cfa, DW_OP_consts <n>, DW_OP_plus — the shape
// ogle/program/server/dwarf.go's evalLocation parses. Both resolve to an
// offset from the frame's canonical frame address.
func evalFrameLocation(loc []byte) (int64, error) {
	if len(loc) == 0 {
		return 0, errors.New("dwsession: empty location expression")
	}
	const (
		opFbreg        = 0x91
		opCallFrameCFA = 0x9c
		opConsts       = 0x11
		opPlus         = 0x22
	)
	switch loc[0] {
	case opFbreg:
		off, _, err := sleb128(loc[1:])
		return off, err
	case opCallFrameCFA:
		if len(loc) == 1 {
			return 0, nil
		}
		if loc[1] != opConsts {
			return 0, errors.New("dwsession: unsupported location specifier")
		}
		off, rest, err := sleb128(loc[2:])
		if err != nil {
			return 0, err
		}
		if len(rest) == 1 && rest[0] == opPlus {
			return off, nil
		}
		return 0, errors.New("dwsession: unsupported location specifier")
	default:
		return 0, fmt.Errorf("dwsession: unsupported location opcode %#x", loc[0])
	}
}

// sleb128 parses a signed LEB128 integer at the start of v, matching
// ogle/program/server/dwarf.go's sleb128.
func sleb128(v []byte) (s int64, rest []byte, err error) {
	var shift uint
	var sign int64 = -1
	var i int
	var x byte
	for i, x = range v {
		s |= (int64(x) & 0x7f) << shift
		shift += 7
		sign <<= 7
		if x&0x80 == 0 {
			if x&0x40 != 0 {
				s |= sign
			}
			return s, v[i+1:], nil
		}
	}
	return 0, nil, errors.New("dwsession: truncated sleb128")
}

// Frame is the current stop's activation record, plus — since x86_64 code
// built with frame pointers retains the classic push-rbp/mov-rbp,rsp
// prologue — a frame-pointer-chain walk back to the caller. Binaries
// built with -fomit-frame-pointer break this; a full unwinder would read
// .eh_frame/.debug_frame Call Frame Information instead (out of scope for
// this reference backend).
type Frame struct {
	s    *Session
	pc   uint64
	rbp  uint64
	name string

	// older/newer cache the frame-pointer-chain walk: Older is computed
	// lazily from live memory on first call and linked back (older.newer
	// = f) so that once Prime has walked outward to the oldest frame,
	// walking back inward via Newer retraces exactly the same chain
	// rather than needing a second, independent "walk forward" direction
	// that a single rbp value cannot support on its own.
	older, newer  *Frame
	olderResolved bool
}

// cfa approximates the System V AMD64 canonical frame address as
// rbp+16: the pushed return address plus the pushed caller rbp sit
// directly below the callee's locals in a frame-pointer prologue.
func (f *Frame) cfa() uint64 { return f.rbp + 16 }

func (f *Frame) Older() (debugger.Frame, bool) {
	if f.olderResolved {
		if f.older == nil {
			return nil, false
		}
		return f.older, true
	}
	f.olderResolved = true

	var buf [16]byte
	if err := f.s.mem.ReadMemory(f.rbp, buf[:]); err != nil {
		return nil, false
	}
	callerRBP := binary.LittleEndian.Uint64(buf[0:8])
	retAddr := binary.LittleEndian.Uint64(buf[8:16])
	if callerRBP == 0 || retAddr == 0 {
		return nil, false
	}
	older, err := f.s.FrameAt(retAddr, callerRBP)
	if err != nil {
		return nil, false
	}
	older.newer = f
	f.older = older
	return older, true
}

func (f *Frame) Newer() (debugger.Frame, bool) {
	if f.newer == nil {
		return nil, false
	}
	return f.newer, true
}

func (f *Frame) FindSAL() (uint64, int, bool) { return f.pc, 0, false }

func (f *Frame) Function() (debugger.Symbol, bool) { return nil, false }

func (f *Frame) Name() string { return f.name }

func (f *Frame) ReadRegister(name string) (uint64, error) {
	return f.s.regs.ReadRegister(name)
}

func (f *Frame) BlockSymbols() ([]debugger.Symbol, bool) {
	entry, err := f.s.subprogramEntry(f.pc)
	if err != nil {
		return nil, false
	}
	r := f.s.dwarf.Reader()
	r.Seek(entry.Offset)
	if _, err := r.Next(); err != nil {
		return nil, false
	}
	if !entry.Children {
		return nil, true
	}

	var syms []debugger.Symbol
	depth := 1
	for {
		e, err := r.Next()
		if err != nil || e == nil {
			break
		}
		if e.Tag == 0 {
			depth--
			if depth == 0 {
				break // end of this subprogram's children
			}
			continue
		}
		if e.Children {
			depth++
		}
		if e.Tag == dwarf.TagSubprogram {
			break // reached a nested subprogram
		}
		if e.Tag != dwarf.TagFormalParameter && e.Tag != dwarf.TagVariable {
			continue
		}
		name, _ := e.Val(dwarf.AttrName).(string)
		if name == "" {
			continue
		}
		typeOff, ok := e.Val(dwarf.AttrType).(dwarf.Offset)
		if !ok {
			continue
		}
		dt, err := f.s.dwarf.Type(typeOff)
		if err != nil {
			continue
		}
		loc, _ := e.Val(dwarf.AttrLocation).([]byte)
		if loc == nil {
			continue
		}
		line, hasLine := 0, false
		if l, ok := e.Val(dwarf.AttrDeclLine).(int64); ok {
			line, hasLine = int(l), true
		}
		syms = append(syms, &Symbol{
			s: f.s, name: name, typ: &Type{dt}, loc: loc,
			needsFrame: true, line: line, hasLine: hasLine,
		})
	}
	return syms, true
}
