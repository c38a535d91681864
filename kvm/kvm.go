// Package kvm wraps the small slice of the Linux KVM ioctl interface that
// blankvm needs: opening the device, creating a VM and a single vCPU,
// registering guest memory, pushing register state, and running the vCPU
// until the next exit.
//
// The ioctl numbers below are the fixed encodings from the kernel's public
// <linux/kvm.h> header for x86_64; they do not change across kernel
// versions and are reproduced here as constants rather than recomputed at
// runtime.
package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	ioctlGetAPIVersion       = 44544
	ioctlCreateVM            = 44545
	ioctlCreateVCPU          = 44609
	ioctlRun                 = 44672
	ioctlGetVCPUMMapSize     = 44548
	ioctlGetSregs            = 0x8138ae83
	ioctlSetSregs            = 0x4138ae84
	ioctlGetRegs             = 0x8090ae81
	ioctlSetRegs             = 0x4090ae82
	ioctlSetUserMemoryRegion = 1075883590
)

// numInterrupts is the width of the kernel's local-APIC interrupt-shadow
// bitmap carried in Sregs.
const numInterrupts = 0x100

// Regs holds the x86_64 general-purpose register file, as returned by
// KVM_GET_REGS / accepted by KVM_SET_REGS.
type Regs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64
}

// Segment is an x86 segment descriptor, in the shape KVM_GET_SREGS /
// KVM_SET_SREGS exchange it.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor is a GDTR/IDTR-style base+limit pointer.
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs holds the "special" register file: segment descriptors, table
// pointers, control registers, EFER, and the APIC base and interrupt-shadow
// bitmap.
type Sregs struct {
	CS              Segment
	DS              Segment
	ES              Segment
	FS              Segment
	GS              Segment
	SS              Segment
	TR              Segment
	LDT             Segment
	GDT             Descriptor
	IDT             Descriptor
	CR0             uint64
	CR2             uint64
	CR3             uint64
	CR4             uint64
	CR8             uint64
	EFER            uint64
	ApicBase        uint64
	InterruptBitmap [(numInterrupts + 63) / 64]uint64
}

// RunData is the kernel-shared per-vCPU run state (kvm_run). Host code may
// only read or write it between calls to Run, never while the guest is
// actually executing.
type RunData struct {
	RequestInterruptWindow     uint8
	_                          [7]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the union member of RunData that is valid when ExitReason is
// EXITIO: direction (in/out), operand size in bytes, port number, repeat
// count, and the byte offset (from the start of RunData) of the payload.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return direction, size, port, count, offset
}

// MMIO decodes the union member of RunData that is valid when ExitReason is
// EXITMMIO: physical address, length, whether this was a write, and the
// payload bytes (valid up to length on a write; to be filled in on a read).
func (r *RunData) MMIO() (physAddr, length uint64, isWrite bool, data []byte) {
	physAddr = r.Data[0]

	raw := (*(*[8]byte)(unsafe.Pointer(&r.Data[1])))[:]

	length = r.Data[2] & 0xFFFFFFFF
	isWrite = (r.Data[2]>>32)&0xFF != 0

	if length > uint64(len(raw)) {
		length = uint64(len(raw))
	}

	return physAddr, length, isWrite, raw[:length]
}

// UserspaceMemoryRegion describes one guest-physical memory slot and the
// host mapping that backs it.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

func ioctl(fd, op, arg uintptr) (uintptr, error) {
	for {
		res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
		if errno == unix.EINTR {
			continue
		}

		if errno != 0 {
			return res, errno
		}

		return res, nil
	}
}

// GetAPIVersion reports the KVM API version the open device supports.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, ioctlGetAPIVersion, 0)
}

// CreateVM creates a VM object within the opened /dev/kvm handle and
// returns its file descriptor.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, ioctlCreateVM, 0)
}

// CreateVCPU creates vCPU 0 within a VM and returns its file descriptor.
func CreateVCPU(vmFd uintptr) (uintptr, error) {
	return ioctl(vmFd, ioctlCreateVCPU, 0)
}

// Run enters guest execution; it returns on the next VM exit, with the
// reason recorded in the vCPU's mapped RunData.
func Run(vcpuFd uintptr) error {
	_, err := ioctl(vcpuFd, ioctlRun, 0)

	return err
}

// GetVCPUMMapSize reports the size in bytes of the kernel-shared run-state
// region that must be mmap'd from the vCPU fd.
func GetVCPUMMapSize(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, ioctlGetVCPUMMapSize, 0)
}

// GetRegs reads the general-purpose register file from a vCPU.
func GetRegs(vcpuFd uintptr) (Regs, error) {
	regs := Regs{}
	_, err := ioctl(vcpuFd, ioctlGetRegs, uintptr(unsafe.Pointer(&regs)))

	return regs, err
}

// SetRegs writes the general-purpose register file to a vCPU.
func SetRegs(vcpuFd uintptr, regs Regs) error {
	_, err := ioctl(vcpuFd, ioctlSetRegs, uintptr(unsafe.Pointer(&regs)))

	return err
}

// GetSregs reads the special register file from a vCPU.
func GetSregs(vcpuFd uintptr) (Sregs, error) {
	sregs := Sregs{}
	_, err := ioctl(vcpuFd, ioctlGetSregs, uintptr(unsafe.Pointer(&sregs)))

	return sregs, err
}

// SetSregs writes the special register file to a vCPU.
func SetSregs(vcpuFd uintptr, sregs Sregs) error {
	_, err := ioctl(vcpuFd, ioctlSetSregs, uintptr(unsafe.Pointer(&sregs)))

	return err
}

// SetUserMemoryRegion registers (or updates) one guest-physical memory slot
// on a VM.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := ioctl(vmFd, ioctlSetUserMemoryRegion, uintptr(unsafe.Pointer(region)))

	return err
}
