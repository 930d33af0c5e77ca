// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package species classifies a debugger type code into a coarse semantic
// kind, orthogonal to the specific type name. Two struct types share
// species Struct; int and long share species Integer.
package species

// Species is a closed enumeration of semantic data kinds. It identifies
// kind, not type: unlike a debugger's own type code, it never varies
// between two types that play the same structural role.
type Species int

const (
	Error Species = iota
	Integer
	Float
	Bool
	Char
	Enum
	String
	Function
	Array
	Struct
	Union
	Pointer
	Reference
	Typedef
	Namespace
	Frame
	Method
	MethodPointer
	MemberPointer
	Complex
	Void
	InternalFunction
)

var names = [...]string{
	Error:            "error",
	Integer:          "integer",
	Float:            "float",
	Bool:             "bool",
	Char:             "char",
	Enum:             "enum",
	String:           "string",
	Function:         "function",
	Array:            "array",
	Struct:           "struct",
	Union:            "union",
	Pointer:          "pointer",
	Reference:        "reference",
	Typedef:          "typedef",
	Namespace:        "namespace",
	Frame:            "frame",
	Method:           "method",
	MethodPointer:    "method-pointer",
	MemberPointer:    "member-pointer",
	Complex:          "complex",
	Void:             "void",
	InternalFunction: "internal_function",
}

// String returns the species' canonical lower-case name.
func (s Species) String() string {
	if int(s) < 0 || int(s) >= len(names) {
		return "error"
	}
	return names[s]
}

// Extractable reports whether a value of this species has a printable
// literal representation (integer, float, bool, char, string, function),
// as opposed to needing an address- or type-tagged marker.
func (s Species) Extractable() bool {
	switch s {
	case Integer, Float, Bool, Char, String, Function:
		return true
	}
	return false
}

// TypeCode is the debugger's own notion of a type kind, as reported by
// Value.Type().Code(). It is opaque here; only Classify interprets it.
type TypeCode int

// Classifier maps a debugger type code to its Species. A classifier is
// purely functional and idempotent: same code in, same species out, every
// time. An unrecognized code yields Error, never a panic — the Traversal
// Engine treats Error species as a leaf (see internal/traversal).
type Classifier struct {
	// table maps a backend-specific type code to a Species. Populated by
	// the concrete debugger backend's registration (see
	// internal/dwsession's Classifier for an example), since the type-code values
	// themselves are backend-defined (GDB's TYPE_CODE_* constants, DWARF
	// tags, etc.) and not something this package can hardcode.
	table map[TypeCode]Species
}

// NewClassifier builds a Classifier from a backend's type-code table.
func NewClassifier(table map[TypeCode]Species) *Classifier {
	cp := make(map[TypeCode]Species, len(table))
	for k, v := range table {
		cp[k] = v
	}
	return &Classifier{table: cp}
}

// Classify returns the species for code, or Error if code is unrecognized.
func (c *Classifier) Classify(code TypeCode) Species {
	if c == nil {
		return Error
	}
	s, ok := c.table[code]
	if !ok {
		return Error
	}
	return s
}
