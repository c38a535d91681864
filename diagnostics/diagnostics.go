// Package diagnostics renders full CPU, segment, and control-register
// state to host standard error when a VM exit cannot be serviced. It is
// best-effort: a failure reading any one register bank is itself noted
// rather than aborting the rest of the dump.
package diagnostics

import (
	"fmt"
	"io"
	"reflect"

	"golang.org/x/arch/x86/x86asm"

	"github.com/blankvm/blankvm/kvm"
)

// RegSource supplies everything Dump needs: the run-state that explains
// why the guest exited, the general and special register banks, and the
// raw mapped bytes of the run-state (so the port-I/O payload, which
// lives past RunData's fixed Go fields, can be read directly).
type RegSource interface {
	GetRegs() (kvm.Regs, error)
	GetSregs() (kvm.Sregs, error)
	RunState() *kvm.RunData
	RawRunState() []byte
}

// showFields renders every field of a flat struct, one per line: string
// fields print verbatim, everything else prints as hex. This mirrors
// the reflection-based register dump used throughout this codebase's
// diagnostic output.
func showFields(w io.Writer, indent string, v interface{}) {
	s := reflect.ValueOf(v)
	if s.Kind() == reflect.Ptr {
		s = s.Elem()
	}

	t := s.Type()

	for i := 0; i < s.NumField(); i++ {
		f := s.Field(i)
		name := t.Field(i).Name

		if name == "_" {
			continue
		}

		if f.Kind() == reflect.String {
			fmt.Fprintf(w, "%s%s %s = %s\n", indent, name, f.Type(), f.Interface())
		} else {
			fmt.Fprintf(w, "%s%s %s = %#x\n", indent, name, f.Type(), f.Interface())
		}
	}
}

// Dump writes the full diagnostic block for a fatal VM exit: the
// exit-reason name, exit-specific payload details, the general-purpose
// register file (plus, best-effort, the decoded instruction at RIP when
// guestMem is non-nil), all eight segment descriptors plus GDT/IDT, the
// control registers, and the interrupt-shadow bitmap.
//
// guestMem, when non-nil, is the guest's RAM bytes (GuestMemory.Bytes())
// used only to disassemble the faulting instruction; Dump works without
// it, simply omitting that one line.
func Dump(w io.Writer, src RegSource, guestMem []byte) {
	run := src.RunState()
	reason := kvm.ExitReason(run.ExitReason)

	fmt.Fprintf(w, "=== fatal vm exit: %s ===\n", reason.String())

	dumpExitPayload(w, reason, run, src.RawRunState())

	regs, regsErr := src.GetRegs()
	if regsErr != nil {
		fmt.Fprintf(w, "(failed to read general registers: %v)\n", regsErr)
	} else {
		fmt.Fprintln(w, "-- general registers --")
		showFields(w, "  ", regs)
	}

	sregs, sregsErr := src.GetSregs()
	if sregsErr != nil {
		fmt.Fprintf(w, "(failed to read special registers: %v)\n", sregsErr)
	}

	if regsErr == nil && sregsErr == nil && guestMem != nil {
		dumpInstruction(w, regs, sregs, guestMem)
	}

	if sregsErr != nil {
		return
	}

	fmt.Fprintln(w, "-- segments --")

	for _, seg := range []struct {
		name string
		s    kvm.Segment
	}{
		{"CS", sregs.CS}, {"DS", sregs.DS}, {"ES", sregs.ES},
		{"FS", sregs.FS}, {"GS", sregs.GS}, {"SS", sregs.SS},
		{"TR", sregs.TR}, {"LDT", sregs.LDT},
	} {
		fmt.Fprintf(w, "  %s:\n", seg.name)
		showFields(w, "    ", seg.s)
	}

	fmt.Fprintln(w, "-- descriptor tables --")
	showFields(w, "  GDT ", sregs.GDT)
	showFields(w, "  IDT ", sregs.IDT)

	fmt.Fprintln(w, "-- control registers --")
	fmt.Fprintf(w, "  CR0  = %#x\n", sregs.CR0)
	fmt.Fprintf(w, "  CR2  = %#x\n", sregs.CR2)
	fmt.Fprintf(w, "  CR3  = %#x\n", sregs.CR3)
	fmt.Fprintf(w, "  CR4  = %#x\n", sregs.CR4)
	fmt.Fprintf(w, "  CR8  = %#x\n", sregs.CR8)
	fmt.Fprintf(w, "  EFER = %#x\n", sregs.EFER)
	fmt.Fprintf(w, "  APIC_BASE = %#x\n", sregs.ApicBase)

	fmt.Fprintln(w, "-- interrupt shadow bitmap --")

	for i, word := range sregs.InterruptBitmap {
		fmt.Fprintf(w, "  [%d] = %#016x\n", i, word)
	}
}

func dumpExitPayload(w io.Writer, reason kvm.ExitReason, run *kvm.RunData, raw []byte) {
	switch reason {
	case kvm.ExitIO:
		direction, size, port, count, offset := run.IO()

		dir := "in"
		if direction == 1 {
			dir = "out"
		}

		fmt.Fprintf(w, "  io: direction=%s port=%#x size=%d count=%d\n", dir, port, size, count)

		if direction == 1 && raw != nil {
			end := offset + size
			if end <= uint64(len(raw)) {
				fmt.Fprintf(w, "  io payload: % x\n", raw[offset:end])
			}
		}
	case kvm.ExitMMIO:
		physAddr, length, isWrite, data := run.MMIO()

		dir := "read"
		if isWrite {
			dir = "write"
		}

		fmt.Fprintf(w, "  mmio: direction=%s phys=%#x length=%d\n", dir, physAddr, length)

		if isWrite {
			fmt.Fprintf(w, "  mmio payload: % x\n", data)
		}
	}
}

// dumpInstruction disassembles the one instruction at RIP (reading at
// most 16 bytes of guest memory), picking the decode
// width from the current mode (derived from CR0.PE and EFER.LMA, the
// same bits ModeSetup programs) and rendering it in GNU syntax.
func dumpInstruction(w io.Writer, regs kvm.Regs, sregs kvm.Sregs, guestMem []byte) {
	const (
		cr0PE   = 1 << 0
		eferLMA = 1 << 10
	)

	bits := 16
	if sregs.EFER&eferLMA != 0 {
		bits = 64
	} else if sregs.CR0&cr0PE != 0 {
		bits = 32
	}

	pc := regs.RIP
	if pc >= uint64(len(guestMem)) {
		fmt.Fprintf(w, "  (rip %#x is outside guest memory)\n", pc)

		return
	}

	end := pc + 16
	if end > uint64(len(guestMem)) {
		end = uint64(len(guestMem))
	}

	inst, err := x86asm.Decode(guestMem[pc:end], bits)
	if err != nil {
		fmt.Fprintf(w, "  (failed to decode instruction at rip %#x: %v)\n", pc, err)

		return
	}

	fmt.Fprintf(w, "  instruction at rip %#x: %s\n", pc, x86asm.GNUSyntax(inst, pc, nil))
}
