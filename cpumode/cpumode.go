// Package cpumode is the pure data transformation from an option record
// to the register state a vCPU must be loaded with before its first run:
// no ioctl, no mmap, nothing but two register banks in, two register
// banks out.
package cpumode

import (
	"fmt"

	"github.com/blankvm/blankvm/kvm"
	"github.com/blankvm/blankvm/options"
)

const (
	cr0PE = 1 << 0
	cr0PG = 1 << 31

	cr4PAE = 1 << 5

	eferLME = 1 << 8
	eferLMA = 1 << 10

	segTypeCode = 0x0B
	segTypeData = 0x03

	codeSelector = 8
	dataSelector = 16
)

// Setup computes the general-register and special-register state to
// load for the given options, given the special-register state the
// kernel's freshly-created vCPU already returns (used as the base for
// the additive control-register/EFER changes, and left untouched for
// TR/LDT/GDT/IDT). It performs the entry-point range check and returns
// an error without touching either register bank if it fails.
func Setup(o options.Options, base kvm.Sregs) (kvm.Regs, kvm.Sregs, error) {
	if err := checkEntryRange(o.Mode, o.Entry); err != nil {
		return kvm.Regs{}, kvm.Sregs{}, err
	}

	regs := kvm.Regs{RIP: o.Entry}
	sregs := base

	seg := flatSegment(o.Mode, segTypeData)
	cs := flatSegment(o.Mode, segTypeCode)

	sregs.CS = cs
	sregs.DS = seg
	sregs.ES = seg
	sregs.FS = seg
	sregs.GS = seg
	sregs.SS = seg

	switch o.Mode {
	case options.Real16:
		// No control-register changes.
	case options.Protected32:
		sregs.CR0 |= cr0PE
	case options.Long64:
		sregs.CR0 |= cr0PE | cr0PG
		sregs.CR4 |= cr4PAE
		sregs.EFER |= eferLME | eferLMA

		if o.PageTableAddr != nil {
			sregs.CR3 = *o.PageTableAddr
		}
		// Else CR3 keeps the base value; a caller that builds the
		// page table itself passes the resulting CR3 in through
		// PageTableAddr.
	}

	return regs, sregs, nil
}

func checkEntryRange(mode options.Mode, entry uint64) error {
	switch mode {
	case options.Real16:
		if entry >= 0x10000 {
			return fmt.Errorf("%w: real16 entry %#x must be < 0x10000", options.ErrEntryOutOfRange, entry)
		}
	case options.Protected32:
		if entry >= 1<<32 {
			return fmt.Errorf("%w: protected32 entry %#x must be < 2^32", options.ErrEntryOutOfRange, entry)
		}
	case options.Long64:
		// Any 64-bit address is valid.
	}

	return nil
}

// flatSegment builds a flat, base-0 segment descriptor for the given
// mode and type, per the table in §4.4: selector, limit, DB, L, and G
// all depend on mode; base is always 0; present is always set.
func flatSegment(mode options.Mode, typ uint8) kvm.Segment {
	seg := kvm.Segment{
		Base:    0,
		Typ:     typ,
		Present: 1,
		S:       1, // code or data, not a system descriptor
	}

	switch mode {
	case options.Real16:
		seg.Selector = 0
		seg.Limit = 0xFFFF
		seg.G = 0
	case options.Protected32:
		seg.Selector = selectorFor(typ)
		seg.Limit = 0xFFFFFFFF
		seg.DB = 1
		seg.G = 1
	case options.Long64:
		seg.Selector = selectorFor(typ)
		seg.Limit = 0xFFFFFFFF
		seg.L = 1
		seg.G = 1
	}

	return seg
}

func selectorFor(typ uint8) uint16 {
	if typ == segTypeCode {
		return codeSelector
	}

	return dataSelector
}
