// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package graph

import (
	"github.com/dnoland/memoryoracle/internal/debugger"
	"github.com/dnoland/memoryoracle/internal/memref"
	"github.com/dnoland/memoryoracle/internal/species"
)

// fakeRef builds a minimal RawRef directly, bypassing the Value Adapter:
// graph tests only care about the record's identity and label, not how it
// was derived from a debugger.Value.
func fakeRef(addr debugger.Address, name string, sp species.Species) memref.RawRef {
	return memref.RawRef{
		Address:  addr,
		Species:  sp,
		TypeName: "int",
		Name:     name,
		HasName:  true,
	}
}
