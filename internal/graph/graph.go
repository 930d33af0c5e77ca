// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package graph is the Graph Builder (spec §4.7): it accumulates the
// directed graph of reachable memory the Traversal Engine discovers, and
// serializes it to Graphviz DOT.
package graph

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/dnoland/memoryoracle/internal/debugger"
	"github.com/dnoland/memoryoracle/internal/record"
)

// EdgeLabel is the closed set of edge labels spec §4.7 names.
type EdgeLabel string

const (
	EdgeDeref EdgeLabel = "*"
	EdgeCast  EdgeLabel = "cast"
)

// IndexLabel returns the "[i]" edge label for array element i.
func IndexLabel(i int64) EdgeLabel {
	return EdgeLabel(fmt.Sprintf("[%d]", i))
}

// FieldLabel returns the ".field" edge label for struct/union field name.
func FieldLabel(name string) EdgeLabel {
	return EdgeLabel("." + name)
}

// Vertex is one admitted node: a MemoryRecord plus the label rendered
// beside it.
type Vertex struct {
	Record record.MemoryRecord
	Label  string
}

// Edge is one directed reference between two admitted identities.
type Edge struct {
	From  record.Identity
	To    record.Identity
	Label EdgeLabel
}

// Graph is the directed graph accumulated by a traversal. It is owned
// solely by the Traversal Engine that builds it (spec §9 "Single-threaded
// cooperative concurrency") and needs no internal locking.
//
// Vertices are keyed by the full record.Identity, not by address: a
// struct and its first field can share an address (offset 0), and so can
// an array and its first element, yet spec §8's "Identity precision"
// property requires each to surface as a distinct vertex. A node's DOT
// identifier is therefore an insertion-order index, not the address
// itself — the address is rendered into the vertex's label text instead.
type Graph struct {
	vertices map[record.Identity]Vertex
	order    []record.Identity // insertion order, for stable DOT output
	nodeID   map[record.Identity]int
	edges    []Edge
}

// New returns an empty Graph.
func New() *Graph {
	return &Graph{
		vertices: make(map[record.Identity]Vertex),
		nodeID:   make(map[record.Identity]int),
	}
}

// AddVertex admits rec as a vertex, keyed by its Identity. Re-adding an
// identity already present is a no-op: the Identity & Dedup Index (spec
// §4.4) is what decides whether a vertex is new, not Graph itself.
func (g *Graph) AddVertex(rec record.MemoryRecord) {
	id := rec.ID()
	if _, ok := g.vertices[id]; ok {
		return
	}
	g.vertices[id] = Vertex{Record: rec, Label: rec.Label()}
	g.nodeID[id] = len(g.order)
	g.order = append(g.order, id)
}

// AddEdge records a directed reference from one admitted identity to
// another, labeled per spec §4.7's closed edge-label set.
func (g *Graph) AddEdge(from, to record.Identity, label EdgeLabel) {
	g.edges = append(g.edges, Edge{From: from, To: to, Label: label})
}

// AppendLabelSuffix appends suffix to id's rendered label, e.g. a
// MemoryUnreadable warning noted on a parent vertex whose child could not
// be read (spec §7). A no-op if id has no vertex.
func (g *Graph) AppendLabelSuffix(id record.Identity, suffix string) {
	v, ok := g.vertices[id]
	if !ok {
		return
	}
	v.Label += suffix
	g.vertices[id] = v
}

// NumVertices returns the number of distinct admitted identities.
func (g *Graph) NumVertices() int { return len(g.vertices) }

// NumEdges returns the number of recorded edges.
func (g *Graph) NumEdges() int { return len(g.edges) }

// Vertex returns the vertex for id, if any.
func (g *Graph) Vertex(id record.Identity) (Vertex, bool) {
	v, ok := g.vertices[id]
	return v, ok
}

// VertexByAddress returns the first admitted vertex (in insertion order)
// whose address is addr. Several identities can share an address; callers
// that need to disambiguate should use Vertex with the exact Identity.
func (g *Graph) VertexByAddress(addr debugger.Address) (Vertex, bool) {
	for _, id := range g.order {
		if id.Address == addr {
			return g.vertices[id], true
		}
	}
	return Vertex{}, false
}

const defaultFilename = "memorygraph.dot"

// Save writes g as Graphviz DOT to path. If path is empty, it writes to
// defaultFilename in the current directory (spec §6 CLI default).
func (g *Graph) Save(path string) error {
	if path == "" {
		path = defaultFilename
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	if err := g.WriteDOT(w); err != nil {
		return err
	}
	return w.Flush()
}

// WriteDOT renders g as a Graphviz "digraph" block, following the
// hand-rolled fmt.Fprintf DOT idiom viewcore's objgraph command uses
// rather than a templating library: node and edge order follow vertex
// admission order and edge recording order, so two runs over the same
// traversal produce byte-identical output.
func (g *Graph) WriteDOT(w io.Writer) error {
	if _, err := fmt.Fprintln(w, "digraph memoryoracle {"); err != nil {
		return err
	}
	for _, id := range g.order {
		v := g.vertices[id]
		shape := shapeFor(v.Record)
		if _, err := fmt.Fprintf(w, "  n%d [label=%q,shape=%s];\n", g.nodeID[id], v.Label, shape); err != nil {
			return err
		}
	}
	for _, e := range g.edges {
		from, ok := g.nodeID[e.From]
		if !ok {
			continue
		}
		to, ok := g.nodeID[e.To]
		if !ok {
			continue
		}
		if _, err := fmt.Fprintf(w, "  n%d -> n%d [label=%q];\n", from, to, string(e.Label)); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w, "}")
	return err
}

func shapeFor(rec record.MemoryRecord) string {
	switch rec.Classification.String() {
	case "frame":
		return "hexagon"
	case "symbol":
		return "diamond"
	default:
		return "box"
	}
}

// SortedIdentities returns every admitted identity ordered by address (and,
// within an address, by species then name), for callers that want
// determinism without depending on insertion order.
func (g *Graph) SortedIdentities() []record.Identity {
	out := make([]record.Identity, 0, len(g.vertices))
	for id := range g.vertices {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Address != b.Address {
			return a.Address < b.Address
		}
		if a.Species != b.Species {
			return a.Species < b.Species
		}
		return a.Name < b.Name
	})
	return out
}
