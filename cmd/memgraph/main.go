// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux && amd64

// Command memgraph launches a binary under ptrace, stops it at a chosen
// breakpoint location, and walks every value reachable from that stop
// into a Graphviz DOT file describing the live memory graph. It is the
// driver named in spec §6: a thin non-interactive wiring of the
// Debugger Abstraction's ptrace/DWARF backend to the Traversal Engine.
package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"runtime"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dnoland/memoryoracle/arch"
	"github.com/dnoland/memoryoracle/internal/alloc"
	"github.com/dnoland/memoryoracle/internal/debugger"
	"github.com/dnoland/memoryoracle/internal/dwsession"
	"github.com/dnoland/memoryoracle/internal/memref"
	"github.com/dnoland/memoryoracle/internal/ptracebp"
	"github.com/dnoland/memoryoracle/internal/traversal"
)

// Exit codes, per spec §6.
const (
	exitSuccess        = 0
	exitSessionFailed  = 1
	exitNoSymbolsFrame = 2
	exitIOError        = 3
)

var log = logrus.NewEntry(logrus.StandardLogger())

func main() {
	var breakpointLoc string
	var iterations int
	var output string

	root := &cobra.Command{
		Use:   "memgraph <binary>",
		Short: "Trace a binary and dump its live memory graph at a breakpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], breakpointLoc, iterations, output)
		},
		SilenceUsage: true,
	}
	root.Flags().StringVar(&breakpointLoc, "breakpoint", "", "function name to stop at (required)")
	root.Flags().IntVar(&iterations, "iterations", 1, "number of hits at --breakpoint before traversing")
	root.Flags().StringVar(&output, "output", "", "output DOT file path (default memorygraph.dot)")
	root.MarkFlagRequired("breakpoint")

	if err := root.Execute(); err != nil {
		os.Exit(exitCodeOf(err))
	}
}

// exitErr carries a specific §6 exit code alongside its message.
type exitErr struct {
	code int
	err  error
}

func (e *exitErr) Error() string { return e.err.Error() }
func (e *exitErr) Unwrap() error { return e.err }

func fail(code int, format string, a ...interface{}) error {
	err := fmt.Errorf(format, a...)
	log.Error(err)
	return &exitErr{code: code, err: err}
}

func exitCodeOf(err error) int {
	var ee *exitErr
	if e, ok := err.(*exitErr); ok {
		ee = e
	}
	if ee != nil {
		return ee.code
	}
	return exitSessionFailed
}

// regArgs adapts arch's named integer-argument/return registers to
// alloc.ArgReader, the shape the Allocation Tracker's breakpoints read
// allocator sizes and addresses through.
type regArgs struct{ regs arch.RegisterSet }

func (r regArgs) ReadArg0(frame debugger.Frame) (uint64, error) { return frame.ReadRegister(r.regs.Arg0) }
func (r regArgs) ReadRet(frame debugger.Frame) (uint64, error)  { return frame.ReadRegister(r.regs.Ret) }

// plantedBreak is one currently-armed trap: either a persistent allocator
// location or a one-shot return-address trap armed dynamically by an
// EntryBreak.
type plantedBreak struct {
	loc     string
	oneShot bool
	trigger func(debugger.Frame) error
}

func run(path, breakpointLoc string, iterations int, output string) error {
	if iterations < 1 {
		iterations = 1
	}

	// ptrace calls must all come from the thread that attached, per
	// demo/ptrace-linux-amd64/main.go's runtime.LockOSThread note.
	runtime.LockOSThread()

	proc, err := os.StartProcess(path, []string{path}, &os.ProcAttr{
		Files: []*os.File{os.Stdin, os.Stdout, os.Stderr},
		Sys:   &syscall.SysProcAttr{Ptrace: true, Pdeathsig: syscall.SIGKILL},
	})
	if err != nil {
		return fail(exitSessionFailed, "start process: %v", err)
	}

	var status syscall.WaitStatus
	if _, err := syscall.Wait4(proc.Pid, &status, 0, nil); err != nil {
		return fail(exitSessionFailed, "initial wait: %v", err)
	}
	if !status.Stopped() {
		return fail(exitSessionFailed, "inferior did not stop on exec: status %#x", status)
	}

	inf := ptracebp.Attach(proc.Pid, log)
	sess, err := dwsession.Load(path, inf, inf)
	if err != nil {
		return fail(exitSessionFailed, "load dwarf/elf data: %v", err)
	}

	targetAddr, err := sess.LookupFunction(breakpointLoc)
	if err != nil {
		return fail(exitNoSymbolsFrame, "lookup breakpoint %q: %v", breakpointLoc, err)
	}

	regs := arch.AMD64
	args := regArgs{regs: arch.AMD64}
	tracker := alloc.NewTracker(log)

	breaks := make(map[uint64]*plantedBreak)

	if err := inf.Plant(targetAddr); err != nil {
		return fail(exitSessionFailed, "plant target breakpoint: %v", err)
	}
	breaks[targetAddr] = &plantedBreak{loc: breakpointLoc, trigger: func(debugger.Frame) error { return nil }}

	for _, loc := range alloc.AllocatorLocations {
		addr, err := sess.LookupFunction(loc)
		if err != nil {
			log.WithField("location", loc).Debug("allocator symbol not found, skipping")
			continue
		}
		entry := alloc.NewEntryBreak(loc, tracker, args, armReturnBreak(inf, tracker, args, breaks), log)
		if err := inf.Plant(addr); err != nil {
			return fail(exitSessionFailed, "plant %s: %v", loc, err)
		}
		breaks[addr] = &plantedBreak{loc: loc, trigger: entry.Trigger}
	}
	for _, loc := range alloc.DeallocatorLocations {
		addr, err := sess.LookupFunction(loc)
		if err != nil {
			log.WithField("location", loc).Debug("deallocator symbol not found, skipping")
			continue
		}
		del := alloc.NewDeleteBreak(loc, tracker, args, log)
		if err := inf.Plant(addr); err != nil {
			return fail(exitSessionFailed, "plant %s: %v", loc, err)
		}
		breaks[addr] = &plantedBreak{loc: loc, trigger: del.Trigger}
	}

	hits := 0
	var stopPC, stopRBP uint64
	for {
		status, err := inf.Continue()
		if err != nil {
			return fail(exitSessionFailed, "continue: %v", err)
		}
		if status.Exited() || status.Signaled() {
			return fail(exitSessionFailed, "inferior exited before reaching %q %d time(s)", breakpointLoc, iterations)
		}
		pc, err := inf.RewindPastTrap()
		if err != nil {
			return fail(exitSessionFailed, "rewind past trap: %v", err)
		}
		pb, known := breaks[pc]
		if !known {
			return fail(exitSessionFailed, "trap at unmapped address %#x", pc)
		}

		rbp, err := inf.ReadRegister("rbp")
		if err != nil {
			return fail(exitSessionFailed, "read rbp: %v", err)
		}
		frame, ferr := sess.FrameAt(pc, rbp)
		var triggerFrame debugger.Frame
		if ferr == nil {
			triggerFrame = frame
		}
		if err := pb.trigger(triggerFrame); err != nil {
			return fail(exitSessionFailed, "breakpoint trigger at %#x: %v", pc, err)
		}

		if err := inf.StepOverAndRearm(pc); err != nil {
			return fail(exitSessionFailed, "step over breakpoint: %v", err)
		}
		if pb.oneShot {
			inf.Lift(pc)
			delete(breaks, pc)
		}

		if pb.loc == breakpointLoc {
			hits++
			if hits >= iterations {
				stopPC, stopRBP = pc, rbp
				break
			}
		}
	}

	frame, err := sess.FrameAt(stopPC, stopRBP)
	if err != nil {
		return fail(exitNoSymbolsFrame, "resolve frame at stop: %v", err)
	}

	adapter := memref.NewAdapter(dwsession.Classifier(), regs.SP)
	engine := traversal.NewEngine(adapter, tracker, log)
	if err := engine.Prime(frame); err != nil {
		return fail(exitSessionFailed, "prime traversal: %v", err)
	}
	if err := engine.Run(); err != nil {
		return fail(exitSessionFailed, "run traversal: %v", err)
	}

	if err := engine.Graph().Save(output); err != nil {
		return fail(exitIOError, "save graph: %v", err)
	}

	log.WithFields(logrus.Fields{
		"vertices": engine.Graph().NumVertices(),
		"edges":    engine.Graph().NumEdges(),
	}).Info("memgraph: wrote memory graph")
	return nil
}

// armReturnBreak builds the arm callback an Allocation Tracker EntryBreak
// calls with the observed allocation size: it reads the return address
// pushed by the call instruction (at [rsp] when the entry breakpoint sits
// at the function's very first instruction, before any prologue push) and
// plants a one-shot trap there.
func armReturnBreak(inf *ptracebp.Inferior, tracker *alloc.Tracker, args alloc.ArgReader, breaks map[uint64]*plantedBreak) func(uint64) {
	return func(size uint64) {
		rsp, err := inf.ReadRegister("rsp")
		if err != nil {
			log.WithError(err).Warn("memgraph: could not read rsp to arm return breakpoint")
			return
		}
		var buf [8]byte
		if err := inf.ReadMemory(rsp, buf[:]); err != nil {
			log.WithError(err).Warn("memgraph: could not read return address")
			return
		}
		retAddr := binary.LittleEndian.Uint64(buf[:])
		if retAddr == 0 {
			return
		}
		if _, already := breaks[retAddr]; already {
			return
		}
		if err := inf.Plant(retAddr); err != nil {
			log.WithError(err).Warn("memgraph: could not plant return breakpoint")
			return
		}
		rb := alloc.NewReturnBreak(size, tracker, args, log)
		breaks[retAddr] = &plantedBreak{loc: "<allocator return>", oneShot: true, trigger: rb.Trigger}
	}
}
