// Package vcpu owns the single virtual CPU: its kernel fd, its mapped
// run-state, and the register get/set and run operations performed
// against it.
package vcpu

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/blankvm/blankvm/kvm"
)

// VCpu owns one virtual CPU's kernel fd and its mapped shared run-state.
type VCpu struct {
	fd  uintptr
	run *kvm.RunData
	raw []byte
}

// New creates vCPU 0 within vmFd and mmaps its shared run-state, whose
// size is runStateSize bytes (as reported by HypervisorHandle).
func New(vmFd uintptr, runStateSize uintptr) (*VCpu, error) {
	fd, err := kvm.CreateVCPU(vmFd)
	if err != nil {
		return nil, fmt.Errorf("creating vcpu: %w", err)
	}

	raw, err := unix.Mmap(int(fd), 0, int(runStateSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(int(fd))

		return nil, fmt.Errorf("mapping vcpu run state: %w", err)
	}

	return &VCpu{
		fd:  fd,
		run: (*kvm.RunData)(unsafe.Pointer(&raw[0])),
		raw: raw,
	}, nil
}

// GetRegs reads the general-purpose register file.
func (v *VCpu) GetRegs() (kvm.Regs, error) {
	regs, err := kvm.GetRegs(v.fd)
	if err != nil {
		return kvm.Regs{}, fmt.Errorf("getting regs: %w", err)
	}

	return regs, nil
}

// SetRegs writes the general-purpose register file.
func (v *VCpu) SetRegs(regs kvm.Regs) error {
	if err := kvm.SetRegs(v.fd, regs); err != nil {
		return fmt.Errorf("setting regs: %w", err)
	}

	return nil
}

// GetSregs reads the special register file. It is used both to seed
// ModeSetup's base (picking up the kernel's initial TR/LDT/GDT/IDT) and
// by Diagnostics on a fatal exit.
func (v *VCpu) GetSregs() (kvm.Sregs, error) {
	sregs, err := kvm.GetSregs(v.fd)
	if err != nil {
		return kvm.Sregs{}, fmt.Errorf("getting sregs: %w", err)
	}

	return sregs, nil
}

// SetSregs writes the special register file.
func (v *VCpu) SetSregs(sregs kvm.Sregs) error {
	if err := kvm.SetSregs(v.fd, sregs); err != nil {
		return fmt.Errorf("setting sregs: %w", err)
	}

	return nil
}

// Run enters guest execution and returns on the next VM exit.
func (v *VCpu) Run() error {
	if err := kvm.Run(v.fd); err != nil {
		return fmt.Errorf("running vcpu: %w", err)
	}

	return nil
}

// RunState exposes the mapped shared run-state for the dispatcher and
// diagnostics to inspect after Run returns. It must not be read while a
// call to Run is in flight.
func (v *VCpu) RunState() *kvm.RunData {
	return v.run
}

// RawRunState exposes the raw mapped bytes backing RunState, for
// reading the port-I/O payload that lives past RunData's fixed Go
// fields at a dynamic offset.
func (v *VCpu) RawRunState() []byte {
	return v.raw
}

// Close unmaps the run-state and closes the vCPU fd, in that order —
// the first kernel resource released per the reverse-acquisition-order
// rule.
func (v *VCpu) Close() error {
	munmapErr := unix.Munmap(v.raw)
	closeErr := unix.Close(int(v.fd))

	if munmapErr != nil {
		return fmt.Errorf("unmapping vcpu run state: %w", munmapErr)
	}

	if closeErr != nil {
		return fmt.Errorf("closing vcpu handle: %w", closeErr)
	}

	return nil
}
