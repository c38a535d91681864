// Package guestmemory manages the host-anonymous mapping that backs
// guest-physical RAM and registers it with the VM as slot 0.
package guestmemory

import (
	"fmt"
	"io"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/blankvm/blankvm/kvm"
)

const ramSlot = 0

// GuestMemory is a contiguous host mapping of exactly Size() bytes,
// visible to the guest as guest-physical [0, Size()). It is registered
// with the VM as slot 0 at guest-physical base 0 and is never resized.
type GuestMemory struct {
	bytes []byte
	vmFd  uintptr
}

// New allocates an anonymous, shared, read+write host mapping of size
// bytes and registers it as slot 0 of the VM at guest-physical base 0.
// size must already satisfy the page-alignment invariant; callers
// validate that before construction (see options.Options.Validate).
func New(vmFd uintptr, size uint64) (*GuestMemory, error) {
	return NewAt(vmFd, ramSlot, 0, size)
}

// NewAt is New generalized to an arbitrary slot and guest-physical base,
// for the page-table region that PageTableBuilder places immediately
// above RAM in a second slot.
func NewAt(vmFd uintptr, slot uint32, gpaBase uint64, size uint64) (*GuestMemory, error) {
	mem, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mapping %d bytes of guest memory: %w", size, err)
	}

	region := kvm.UserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: gpaBase,
		MemorySize:    size,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}

	if err := kvm.SetUserMemoryRegion(vmFd, &region); err != nil {
		unix.Munmap(mem)

		return nil, fmt.Errorf("registering guest memory slot %d: %w", slot, err)
	}

	return &GuestMemory{bytes: mem, vmFd: vmFd}, nil
}

// Size returns the length of the mapping in bytes.
func (g *GuestMemory) Size() uint64 {
	return uint64(len(g.bytes))
}

// Bytes exposes the mapping directly; callers (the page-table builder's
// slot, diagnostics, tests) may read or write guest-physical addresses
// through it so long as the vCPU is not concurrently running.
func (g *GuestMemory) Bytes() []byte {
	return g.bytes
}

// WriteImage reads from the file at path into the mapping starting at
// guest-physical 0, up to Size() bytes. A short read (the image is
// smaller than guest memory) is not an error; bytes beyond the image
// remain zero, as guaranteed by the anonymous mapping.
func (g *GuestMemory) WriteImage(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening image %s: %w", path, err)
	}
	defer f.Close()

	n, err := io.ReadFull(f, g.bytes)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return fmt.Errorf("reading image %s: %w", path, err)
	}

	// Anything past n was already zero from the anonymous mapping;
	// nothing further to do for a short read.
	_ = n

	return nil
}

// Close unmaps the guest memory region. The kernel-side slot is torn
// down along with the VM handle; this only releases the host mapping.
func (g *GuestMemory) Close() error {
	if err := unix.Munmap(g.bytes); err != nil {
		return fmt.Errorf("unmapping guest memory: %w", err)
	}

	return nil
}
