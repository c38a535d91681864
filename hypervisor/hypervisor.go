// Package hypervisor owns the outermost kernel handle: the open
// virtualization device and the single VM object created within it.
package hypervisor

import (
	"fmt"
	"os"

	"github.com/blankvm/blankvm/kvm"
)

const devicePath = "/dev/kvm"

// Handle opens the kernel virtualization device and creates exactly one
// VM object within it. It is the first resource acquired and the last
// one released.
type Handle struct {
	device *os.File
	vmFd   uintptr
}

// Open opens /dev/kvm for read+write and creates a VM object.
func Open() (*Handle, error) {
	f, err := os.OpenFile(devicePath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", devicePath, err)
	}

	vmFd, err := kvm.CreateVM(f.Fd())
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("creating vm: %w", err)
	}

	return &Handle{device: f, vmFd: vmFd}, nil
}

// VMFd returns the file descriptor of the created VM object, used by
// GuestMemory to register memory slots and by VCpu to create the vCPU.
func (h *Handle) VMFd() uintptr {
	return h.vmFd
}

// RunStateSize queries the kernel for the fixed size, in bytes, of the
// shared per-vCPU run-state region that VCpu must mmap.
func (h *Handle) RunStateSize() (uintptr, error) {
	size, err := kvm.GetVCPUMMapSize(h.device.Fd())
	if err != nil {
		return 0, fmt.Errorf("querying vcpu mmap size: %w", err)
	}

	return size, nil
}

// Close releases the VM object and the device handle, in that order.
// It is the last teardown step, after every other component has been
// closed.
func (h *Handle) Close() error {
	vmErr := os.NewFile(h.vmFd, "vm").Close()
	devErr := h.device.Close()

	if vmErr != nil {
		return fmt.Errorf("closing vm handle: %w", vmErr)
	}

	if devErr != nil {
		return fmt.Errorf("closing device handle: %w", devErr)
	}

	return nil
}
