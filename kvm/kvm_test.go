package kvm_test

import (
	"bytes"
	"encoding/binary"
	"os"
	"testing"

	"github.com/blankvm/blankvm/kvm"
)

func skipUnlessKVMAvailable(t *testing.T) *os.File {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skip("requires root to open /dev/kvm")
	}

	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		t.Skipf("/dev/kvm unavailable: %v", err)
	}

	return f
}

func TestCreateVMAndVCPU(t *testing.T) {
	t.Parallel()

	f := skipUnlessKVMAvailable(t)
	defer f.Close()

	kvmFd := f.Fd()

	vmFd, err := kvm.CreateVM(kvmFd)
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	defer os.NewFile(vmFd, "vm").Close()

	vcpuFd, err := kvm.CreateVCPU(vmFd)
	if err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}
	defer os.NewFile(vcpuFd, "vcpu").Close()

	size, err := kvm.GetVCPUMMapSize(kvmFd)
	if err != nil {
		t.Fatalf("GetVCPUMMapSize: %v", err)
	}

	if size == 0 {
		t.Error("GetVCPUMMapSize returned 0")
	}
}

func TestGetSetRegsRoundTrip(t *testing.T) {
	t.Parallel()

	f := skipUnlessKVMAvailable(t)
	defer f.Close()

	kvmFd := f.Fd()

	vmFd, err := kvm.CreateVM(kvmFd)
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	defer os.NewFile(vmFd, "vm").Close()

	vcpuFd, err := kvm.CreateVCPU(vmFd)
	if err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}
	defer os.NewFile(vcpuFd, "vcpu").Close()

	want := kvm.Regs{RIP: 0x1000, RFLAGS: 0x2}
	if err := kvm.SetRegs(vcpuFd, want); err != nil {
		t.Fatalf("SetRegs: %v", err)
	}

	got, err := kvm.GetRegs(vcpuFd)
	if err != nil {
		t.Fatalf("GetRegs: %v", err)
	}

	if got.RIP != want.RIP {
		t.Errorf("RIP: have %#x, want %#x", got.RIP, want.RIP)
	}
}

func TestRunDataIODecode(t *testing.T) {
	t.Parallel()

	r := &kvm.RunData{}
	// direction=out(1), size=1, port=0x3F8, count=1 packed into Data[0];
	// Data[1] carries the payload offset.
	r.Data[0] = 1 | (1 << 8) | (0x3F8 << 16) | (1 << 32)
	r.Data[1] = 0x68

	direction, size, port, count, offset := r.IO()

	if direction != 1 {
		t.Errorf("direction: have %d, want 1", direction)
	}

	if size != 1 {
		t.Errorf("size: have %d, want 1", size)
	}

	if port != 0x3F8 {
		t.Errorf("port: have %#x, want 0x3F8", port)
	}

	if count != 1 {
		t.Errorf("count: have %d, want 1", count)
	}

	if offset != 0x68 {
		t.Errorf("offset: have %#x, want 0x68", offset)
	}
}

func TestRunDataMMIODecode(t *testing.T) {
	t.Parallel()

	r := &kvm.RunData{}
	r.Data[0] = 0xFEE00000 // phys_addr

	payload := [8]byte{0xDE, 0xAD, 0xBE, 0xEF, 0, 0, 0, 0}
	r.Data[1] = binary.LittleEndian.Uint64(payload[:]) // data[8]byte
	r.Data[2] = 4 | (1 << 32)                           // len=4, is_write=1

	physAddr, length, isWrite, data := r.MMIO()

	if physAddr != 0xFEE00000 {
		t.Errorf("physAddr: have %#x, want 0xFEE00000", physAddr)
	}

	if length != 4 {
		t.Errorf("length: have %d, want 4", length)
	}

	if !isWrite {
		t.Error("isWrite: have false, want true")
	}

	if !bytes.Equal(data, []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
		t.Errorf("data: have % x, want de ad be ef", data)
	}
}

func TestExitReasonString(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name  string
		value kvm.ExitReason
		want  string
	}{
		{"HLT", kvm.ExitHLT, "EXITHLT"},
		{"IO", kvm.ExitIO, "EXITIO"},
		{"MMIO", kvm.ExitMMIO, "EXITMMIO"},
		{"Unrecognized", kvm.ExitReason(255), "UNKNOWN(255)"},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			if have := test.value.String(); have != test.want {
				t.Errorf("have: %s, want: %s", have, test.want)
			}
		})
	}
}
