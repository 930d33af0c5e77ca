// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package traversal is the Traversal Engine (spec §4.7): it drives
// frame-chain priming and species-dispatched expansion, turning a stopped
// debugger session into a directed graph of reachable memory.
package traversal

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/dnoland/memoryoracle/internal/alloc"
	"github.com/dnoland/memoryoracle/internal/debugger"
	"github.com/dnoland/memoryoracle/internal/frontier"
	"github.com/dnoland/memoryoracle/internal/graph"
	"github.com/dnoland/memoryoracle/internal/identity"
	"github.com/dnoland/memoryoracle/internal/memref"
	"github.com/dnoland/memoryoracle/internal/record"
	"github.com/dnoland/memoryoracle/internal/species"
)

// ErrDebuggerSessionLost is the one error expand methods propagate out of
// Run rather than recover from locally (spec §7: "fatal. Abort traversal,
// attempt to save partial graph, surface to the driver"). A debugger
// backend should wrap its own disconnect/detach error with this sentinel
// via fmt.Errorf("...: %w", ErrDebuggerSessionLost) so errors.Is sees it.
var ErrDebuggerSessionLost = errors.New("traversal: debugger session lost")

// frameChainEdge labels the caller->callee link in a primed frame chain.
// The specification names no edge label for this relationship; it is
// treated like a named field access (the callee is reached "through" the
// frame, the same way a struct field is reached through its parent) so it
// stays within the closed edge-label set spec §3 mandates.
const frameChainEdge = graph.EdgeLabel(".frame")

// task is one pending unit of expansion carried by the Frontier Queue.
type task struct {
	rec            record.MemoryRecord
	raw            memref.RawRef
	enclosingFrame debugger.Frame
}

// Engine owns the Identity Index, Frontier Queue, and Graph for one
// traversal — an explicit context rather than global state (spec §9).
type Engine struct {
	adapter  *memref.Adapter
	tracker  *alloc.Tracker
	idx      *identity.Index
	frontier *frontier.Queue
	graph    *graph.Graph
	log      *logrus.Entry

	typedefsSeen map[string]struct{}
}

// NewEngine builds an empty Engine. tracker may be nil if the backend does
// not instrument allocators; pointer expansion then always falls through
// to single-value dereference.
func NewEngine(adapter *memref.Adapter, tracker *alloc.Tracker, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		adapter:      adapter,
		tracker:      tracker,
		idx:          identity.NewIndex(),
		frontier:     frontier.New(),
		graph:        graph.New(),
		log:          log.WithField("component", "traversal"),
		typedefsSeen: make(map[string]struct{}),
	}
}

// Graph returns the graph accumulated so far — valid to call at any point,
// including after Run returns ErrDebuggerSessionLost, so the driver can
// still save a partial graph.
func (e *Engine) Graph() *graph.Graph { return e.graph }

// Prime enqueues the current frame chain (spec §4.7 "Priming"): starting
// from newest, walk outward to the oldest frame, enqueue it, then walk
// back inward enqueueing each frame as a child of the previous. If a frame
// is already known, priming stops extending down that branch.
func (e *Engine) Prime(newest debugger.Frame) error {
	if newest == nil {
		return nil
	}
	frame := newest
	for {
		older, ok := frame.Older()
		if !ok {
			break
		}
		frame = older
	}

	var parent *record.MemoryRecord
	for {
		raw, err := e.adapter.ToRef(memref.RefFrame, nil, nil, frame, nil)
		if err != nil {
			if e.isFatal(err) {
				return err
			}
			e.log.WithError(err).Warn("could not resolve frame address while priming")
			return nil
		}
		rec, isNew := e.admit(raw, parent, frameChainEdge, nil)
		if !isNew {
			return nil
		}
		newer, ok := frame.Newer()
		if !ok {
			return nil
		}
		parent = &rec
		frame = newer
	}
}

// Run drains the frontier, expanding each admitted task by species, until
// empty. The inferior remains stopped throughout (spec §5); Run only
// returns early on ErrDebuggerSessionLost.
func (e *Engine) Run() error {
	for {
		tasks, ok := e.frontier.Dequeue()
		if !ok {
			return nil
		}
		for _, raw := range tasks {
			tk, ok := raw.(task)
			if !ok {
				continue
			}
			if err := e.expand(tk); err != nil {
				return err
			}
		}
	}
}

// admit constructs a MemoryRecord from raw, applying spec §3's admission
// rules: optimized-out refs are dropped entirely; known identities still
// get a parent edge but are not re-enqueued; new identities get a vertex,
// an edge, and an enqueue.
func (e *Engine) admit(raw memref.RawRef, parent *record.MemoryRecord, label graph.EdgeLabel, enclosingFrame debugger.Frame) (record.MemoryRecord, bool) {
	rec := record.New(raw)
	if rec.IsOptimizedOut() {
		e.log.WithField("name", rec.Name).Trace("OptimizedOut: dropped")
		return record.MemoryRecord{}, false
	}
	if raw.Species == species.Error {
		e.log.WithField("type", raw.TypeName).Debug("UnknownSpecies: treating as leaf")
	}

	isNew := e.idx.Admit(rec)
	if isNew {
		e.graph.AddVertex(rec)
	} else {
		e.log.WithField("addr", rec.ID().Address).Trace("AlreadyFound")
	}
	if parent != nil {
		e.graph.AddEdge(parent.ID(), rec.ID(), label)
	}
	if isNew {
		e.frontier.Enqueue(rec.ID().Address, task{rec: rec, raw: raw, enclosingFrame: enclosingFrame})
	}
	return rec, isNew
}

func (e *Engine) isFatal(err error) bool {
	return errors.Is(err, ErrDebuggerSessionLost)
}

// unreadable handles a MemoryUnreadable observation (spec §7): the parent
// stays in the graph, the offending child is omitted, and a warning
// suffix is attached to the parent's label.
func (e *Engine) unreadable(parent record.MemoryRecord, what string, err error) {
	e.log.WithFields(logrus.Fields{"parent": parent.Name, "what": what}).WithError(err).Warn("MemoryUnreadable")
	e.graph.AppendLabelSuffix(parent.ID(), " [unreadable:"+what+"]")
}

func (e *Engine) expand(tk task) error {
	switch tk.raw.Species {
	case species.Frame:
		return e.expandFrame(tk)
	case species.Struct, species.Union:
		return e.expandFields(tk)
	case species.Array:
		return e.expandArray(tk)
	case species.Typedef:
		return e.expandTypedef(tk)
	case species.Pointer:
		return e.expandPointer(tk)
	case species.Reference:
		return e.expandReference(tk)
	default:
		// Leaf species (integer, float, bool, char, enum, string,
		// function, void, error, internal_function, namespace, method,
		// method-pointer, member-pointer, complex): no children.
		return nil
	}
}

func (e *Engine) expandFrame(tk task) error {
	frame := tk.raw.Frame
	if frame == nil {
		return nil
	}
	syms, ok := frame.BlockSymbols()
	if !ok {
		e.log.WithField("frame", frame.Name()).Debug("no lexical block at frame pc")
		return nil
	}
	for _, sym := range syms {
		raw, err := e.adapter.ToRef(memref.RefSymbol, nil, sym, nil, frame)
		if err != nil {
			if e.isFatal(err) {
				return err
			}
			if errors.Is(err, memref.ErrMissingFrame) {
				e.log.WithField("symbol", sym.Name()).Debug("MissingFrame")
				continue
			}
			e.unreadable(tk.rec, sym.Name(), err)
			continue
		}
		e.admit(raw, &tk.rec, graph.FieldLabel(sym.Name()), frame)
	}
	return nil
}

func (e *Engine) expandFields(tk task) error {
	v := tk.raw.Value
	if v == nil {
		return nil
	}
	for _, f := range v.Type().Fields() {
		fv, err := v.Field(f.Name)
		if err != nil {
			if e.isFatal(err) {
				return err
			}
			e.unreadable(tk.rec, f.Name, err)
			continue
		}
		raw, err := e.adapter.ToRef(memref.RefValue, fv, nil, nil, tk.enclosingFrame)
		if err != nil {
			if e.isFatal(err) {
				return err
			}
			e.unreadable(tk.rec, f.Name, err)
			continue
		}
		e.admit(raw, &tk.rec, graph.FieldLabel(f.Name), tk.enclosingFrame)
	}
	return nil
}

func (e *Engine) expandArray(tk task) error {
	v := tk.raw.Value
	if v == nil {
		return nil
	}
	lo, hi, ok := v.Type().Range()
	if !ok {
		return nil
	}
	for i := lo; i <= hi; i++ {
		ev, err := v.Index(i)
		if err != nil {
			if e.isFatal(err) {
				return err
			}
			e.unreadable(tk.rec, string(graph.IndexLabel(i)), err)
			continue
		}
		raw, err := e.adapter.ToRef(memref.RefValue, ev, nil, nil, tk.enclosingFrame)
		if err != nil {
			if e.isFatal(err) {
				return err
			}
			e.unreadable(tk.rec, string(graph.IndexLabel(i)), err)
			continue
		}
		e.admit(raw, &tk.rec, graph.IndexLabel(i), tk.enclosingFrame)
	}
	return nil
}

// expandTypedef casts the value to its aliased target and enqueues the
// cast, but only the first time a given flattened type name is seen — the
// non-recursion guard for self-referential typedef chains (spec §4.7,
// testable property 9).
func (e *Engine) expandTypedef(tk task) error {
	v := tk.raw.Value
	if v == nil {
		return nil
	}
	tname := tk.raw.TypeName
	if _, seen := e.typedefsSeen[tname]; seen {
		return nil
	}
	e.typedefsSeen[tname] = struct{}{}

	target, ok := v.Type().Target()
	if !ok {
		return nil
	}
	cv, err := v.Cast(target)
	if err != nil {
		if e.isFatal(err) {
			return err
		}
		e.unreadable(tk.rec, "cast", err)
		return nil
	}
	raw, err := e.adapter.ToRef(memref.RefValue, cv, nil, nil, tk.enclosingFrame)
	if err != nil {
		if e.isFatal(err) {
			return err
		}
		e.unreadable(tk.rec, "cast", err)
		return nil
	}
	e.admit(raw, &tk.rec, graph.EdgeCast, tk.enclosingFrame)
	return nil
}

// expandPointer implements spec §4.7's four-step pointer rule: C-string
// interpretation first, then heap-array resolution via the Allocation
// Tracker, then single dereference, then null is a no-op.
func (e *Engine) expandPointer(tk task) error {
	v := tk.raw.Value
	if v == nil {
		return nil
	}

	if s, ok := v.ReadCString(); ok {
		for i := 0; i < len(s); i++ {
			cv, err := v.Index(int64(i))
			if err != nil {
				if e.isFatal(err) {
					return err
				}
				e.unreadable(tk.rec, "string char", err)
				break
			}
			raw, err := e.adapter.ToRef(memref.RefValue, cv, nil, nil, tk.enclosingFrame)
			if err != nil {
				if e.isFatal(err) {
					return err
				}
				e.unreadable(tk.rec, "string char", err)
				break
			}
			e.admit(raw, &tk.rec, graph.IndexLabel(int64(i)), tk.enclosingFrame)
		}
		return nil
	}
	// InvalidStringInterpretation: ReadCString's ok==false already falls
	// through to pointer-as-object logic below, matching spec §4.7 step 1.

	target, _ := v.PointerTarget()
	if target == 0 {
		return nil // Null-pointer policy: no outgoing edge.
	}

	if e.tracker != nil {
		if size, tracked := e.tracker.SizeOf(target); tracked {
			elemSize := int64(1)
			if elemType, ok := v.Type().Target(); ok && elemType.Size() > 0 {
				elemSize = elemType.Size()
			}
			n := int64(size) / elemSize
			for i := int64(0); i < n; i++ {
				ev, err := v.Index(i)
				if err != nil {
					if e.isFatal(err) {
						return err
					}
					e.unreadable(tk.rec, string(graph.IndexLabel(i)), err)
					break
				}
				raw, err := e.adapter.ToRef(memref.RefValue, ev, nil, nil, tk.enclosingFrame)
				if err != nil {
					if e.isFatal(err) {
						return err
					}
					e.unreadable(tk.rec, string(graph.IndexLabel(i)), err)
					break
				}
				e.admit(raw, &tk.rec, graph.IndexLabel(i), tk.enclosingFrame)
			}
			return nil
		}
	}

	dv, err := v.Dereference()
	if err != nil {
		if e.isFatal(err) {
			return err
		}
		e.unreadable(tk.rec, "dereference", err)
		return nil
	}
	raw, err := e.adapter.ToRef(memref.RefValue, dv, nil, nil, tk.enclosingFrame)
	if err != nil {
		if e.isFatal(err) {
			return err
		}
		e.unreadable(tk.rec, "dereference", err)
		return nil
	}
	e.admit(raw, &tk.rec, graph.EdgeDeref, tk.enclosingFrame)
	return nil
}

// expandReference treats a reference as a pointer with an implicit `*`
// label and always a single target (spec §4.7).
func (e *Engine) expandReference(tk task) error {
	v := tk.raw.Value
	if v == nil {
		return nil
	}
	dv, err := v.Dereference()
	if err != nil {
		if e.isFatal(err) {
			return err
		}
		e.unreadable(tk.rec, "dereference", err)
		return nil
	}
	raw, err := e.adapter.ToRef(memref.RefValue, dv, nil, nil, tk.enclosingFrame)
	if err != nil {
		if e.isFatal(err) {
			return err
		}
		e.unreadable(tk.rec, "dereference", err)
		return nil
	}
	e.admit(raw, &tk.rec, graph.EdgeDeref, tk.enclosingFrame)
	return nil
}
