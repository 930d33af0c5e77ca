// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux && amd64

// Package ptracebp is a reference ptrace-based backend for the Debugger
// Abstraction (spec §6): it plants INT3 breakpoints in a stopped Linux
// inferior, lifts and re-arms them around continue, and reads registers by
// name through the Architecture abstraction.
package ptracebp

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/dnoland/memoryoracle/internal/debugger"
)

// breakpointInstr is the x86 single-byte INT3 trap, matching
// demo/ptrace-linux-amd64/main.go's breakpointInstr.
const breakpointInstr = 0xcc

// Inferior is a stopped, ptrace-attached process. Exactly one Inferior ever
// owns a given pid; like the rest of the traversal engine it assumes
// single-threaded cooperative use (spec §9) — callers serialize calls
// themselves if the backend is driven from more than one goroutine.
type Inferior struct {
	pid int
	log *logrus.Entry

	// planted holds, for each currently-armed breakpoint address, the
	// original instruction byte displaced by the trap.
	planted map[uint64]byte
}

// Attach wraps an already-ptrace-stopped pid (e.g. one started with
// syscall.SysProcAttr{Ptrace: true} and waited past its initial SIGTRAP, as
// demo/ptrace-linux-amd64/main.go does).
func Attach(pid int, log *logrus.Entry) *Inferior {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Inferior{pid: pid, log: log.WithField("pid", pid), planted: make(map[uint64]byte)}
}

// Plant installs an INT3 at addr, saving the displaced byte so Lift can
// restore it.
func (in *Inferior) Plant(addr uint64) error {
	if _, ok := in.planted[addr]; ok {
		return nil
	}
	var buf [1]byte
	if err := in.peek(addr, buf[:]); err != nil {
		return fmt.Errorf("ptracebp: peek at %#x: %w", addr, err)
	}
	in.planted[addr] = buf[0]
	buf[0] = breakpointInstr
	if err := in.poke(addr, buf[:]); err != nil {
		return fmt.Errorf("ptracebp: poke at %#x: %w", addr, err)
	}
	in.log.WithField("addr", fmt.Sprintf("%#x", addr)).Debug("ptracebp: planted breakpoint")
	return nil
}

// Lift removes the breakpoint at addr, restoring the original instruction.
func (in *Inferior) Lift(addr uint64) error {
	orig, ok := in.planted[addr]
	if !ok {
		return nil
	}
	buf := [1]byte{orig}
	if err := in.poke(addr, buf[:]); err != nil {
		return fmt.Errorf("ptracebp: restore at %#x: %w", addr, err)
	}
	delete(in.planted, addr)
	return nil
}

// StepOverAndRearm lifts the trap at the current PC (addr), single-steps
// past the original instruction, and replants the trap — the same
// rewind/step/rearm dance demo/ptrace-linux-amd64/main.go performs inline
// in its wait loop.
func (in *Inferior) StepOverAndRearm(addr uint64) error {
	if err := in.Lift(addr); err != nil {
		return err
	}
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(in.pid, &regs); err != nil {
		return fmt.Errorf("ptracebp: get regs: %w", err)
	}
	if err := unix.PtraceSingleStep(in.pid); err != nil {
		return fmt.Errorf("ptracebp: single step: %w", err)
	}
	var status unix.WaitStatus
	if _, err := unix.Wait4(in.pid, &status, 0, nil); err != nil {
		return fmt.Errorf("ptracebp: wait after step: %w", err)
	}
	return in.Plant(addr)
}

// Continue resumes the inferior and waits for its next stop.
func (in *Inferior) Continue() (unix.WaitStatus, error) {
	if err := unix.PtraceCont(in.pid, 0); err != nil {
		return 0, fmt.Errorf("ptracebp: cont: %w", err)
	}
	var status unix.WaitStatus
	if _, err := unix.Wait4(in.pid, &status, 0, nil); err != nil {
		return 0, fmt.Errorf("ptracebp: wait: %w", err)
	}
	return status, nil
}

// RewindPastTrap backs PC up by one instruction's width after a trap fires,
// so the breakpoint's own address (not the byte after it) is what the
// traversal engine sees. amd64's INT3 is one byte.
func (in *Inferior) RewindPastTrap() (pc uint64, err error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(in.pid, &regs); err != nil {
		return 0, fmt.Errorf("ptracebp: get regs: %w", err)
	}
	regs.Rip--
	if err := unix.PtraceSetRegs(in.pid, &regs); err != nil {
		return 0, fmt.Errorf("ptracebp: set regs: %w", err)
	}
	return regs.Rip, nil
}

// ReadMemory reads len(data) bytes from the inferior's address space at
// addr, the same peek primitive Plant/Lift use, exported for debugger
// backends that need to read values rather than just plant traps (see
// internal/dwsession).
func (in *Inferior) ReadMemory(addr uint64, data []byte) error {
	return in.peek(addr, data)
}

func (in *Inferior) peek(addr uint64, data []byte) error {
	n, err := unix.PtracePeekText(in.pid, uintptr(addr), data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("short peek: got %d bytes, want %d", n, len(data))
	}
	return nil
}

func (in *Inferior) poke(addr uint64, data []byte) error {
	n, err := unix.PtracePokeText(in.pid, uintptr(addr), data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("short poke: got %d bytes, want %d", n, len(data))
	}
	return nil
}

// ReadRegister reads an amd64 register by its architecture-role name
// (spec §6's "rdi"/"rsi"/"rax"/"rsp" table, plus "rbp" and "rip").
// NewArchitecture wraps it to satisfy debugger.Architecture.
func (in *Inferior) ReadRegister(name string) (uint64, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(in.pid, &regs); err != nil {
		return 0, fmt.Errorf("ptracebp: get regs: %w", err)
	}
	switch name {
	case "rdi":
		return regs.Rdi, nil
	case "rsi":
		return regs.Rsi, nil
	case "rax":
		return regs.Rax, nil
	case "rsp":
		return regs.Rsp, nil
	case "rbp":
		return regs.Rbp, nil
	case "rip":
		return regs.Rip, nil
	default:
		return 0, fmt.Errorf("ptracebp: unknown register %q", name)
	}
}

var _ debugger.Architecture = (*frameArchAdapter)(nil)

// frameArchAdapter adapts Inferior.ReadRegister (which ignores its frame,
// since ptrace registers belong to the whole thread, not one frame) to
// debugger.Architecture's per-frame signature.
type frameArchAdapter struct{ in *Inferior }

// NewArchitecture wraps in as a debugger.Architecture.
func NewArchitecture(in *Inferior) debugger.Architecture {
	return &frameArchAdapter{in: in}
}

func (a *frameArchAdapter) ReadRegister(_ debugger.Frame, name string) (uint64, error) {
	return a.in.ReadRegister(name)
}
