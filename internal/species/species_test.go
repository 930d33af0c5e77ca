// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package species_test

import (
	"testing"

	"github.com/dnoland/memoryoracle/internal/species"
)

func TestStringKnownAndUnknown(t *testing.T) {
	tests := []struct {
		s    species.Species
		want string
	}{
		{species.Integer, "integer"},
		{species.Struct, "struct"},
		{species.Pointer, "pointer"},
		{species.Void, "void"},
		{species.Species(999), "error"},
		{species.Species(-1), "error"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("Species(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestExtractable(t *testing.T) {
	tests := []struct {
		s    species.Species
		want bool
	}{
		{species.Integer, true},
		{species.Float, true},
		{species.Bool, true},
		{species.Char, true},
		{species.String, true},
		{species.Function, true},
		{species.Struct, false},
		{species.Pointer, false},
		{species.Array, false},
		{species.Void, false},
	}
	for _, tt := range tests {
		if got := tt.s.Extractable(); got != tt.want {
			t.Errorf("%s.Extractable() = %v, want %v", tt.s, got, tt.want)
		}
	}
}

const (
	tcInt species.TypeCode = iota + 1
	tcPtr
)

func TestClassify(t *testing.T) {
	c := species.NewClassifier(map[species.TypeCode]species.Species{
		tcInt: species.Integer,
		tcPtr: species.Pointer,
	})
	if got := c.Classify(tcInt); got != species.Integer {
		t.Errorf("Classify(tcInt) = %s, want integer", got)
	}
	if got := c.Classify(species.TypeCode(42)); got != species.Error {
		t.Errorf("Classify(unknown) = %s, want error", got)
	}
}

func TestClassifyNilClassifier(t *testing.T) {
	var c *species.Classifier
	if got := c.Classify(tcInt); got != species.Error {
		t.Errorf("nil Classifier.Classify() = %s, want error", got)
	}
}

func TestNewClassifierCopiesTable(t *testing.T) {
	table := map[species.TypeCode]species.Species{tcInt: species.Integer}
	c := species.NewClassifier(table)
	table[tcInt] = species.Float // mutate caller's map after construction
	if got := c.Classify(tcInt); got != species.Integer {
		t.Errorf("Classify(tcInt) = %s after caller mutation, want integer (NewClassifier must copy)", got)
	}
}
