package pagetable_test

import (
	"testing"

	"github.com/blankvm/blankvm/pagetable"
)

func TestComputeFrameCounts(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name    string
		memSize uint64
		want    pagetable.FrameCounts
	}{
		{
			name:    "OnePage",
			memSize: 4096,
			want:    pagetable.FrameCounts{N0: 1, N1: 1, N2: 1, N3: 1},
		},
		{
			name:    "OneMiB",
			memSize: 1 << 20,
			// N0 = 256, N1 = ceil(2048/4096) = 1, N2 = 1, N3 = 1
			want: pagetable.FrameCounts{N0: 256, N1: 1, N2: 1, N3: 1},
		},
		{
			name:    "512MiB",
			memSize: 512 << 20,
			// N0 = 131072, N1 = ceil(131072*8/4096) = 256,
			// N2 = ceil(256*8/4096) = 1, N3 = 1
			want: pagetable.FrameCounts{N0: 131072, N1: 256, N2: 1, N3: 1},
		},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			got := pagetable.ComputeFrameCounts(test.memSize)
			if got != test.want {
				t.Errorf("have: %+v, want: %+v", got, test.want)
			}
		})
	}
}

func TestBuildMinimality(t *testing.T) {
	t.Parallel()

	const memSize = 4 << 20 // 4 MiB

	built := pagetable.Build(memSize)
	wantFrames := built.Counts.Total()

	if uint64(len(built.Bytes)) != wantFrames*4096 {
		t.Errorf("region size: have %d bytes, want %d bytes (%d frames)",
			len(built.Bytes), wantFrames*4096, wantFrames)
	}
}

func TestBuildCoversEveryGuestFrame(t *testing.T) {
	t.Parallel()

	for _, memSize := range []uint64{4096, 64 * 4096, 4 << 20, 16 << 20} {
		memSize := memSize
		t.Run("", func(t *testing.T) {
			t.Parallel()

			built := pagetable.Build(memSize)

			for addr := uint64(0); addr < memSize; addr += 4096 {
				phys, ok := pagetable.Walk(built.Bytes, built.GPABase, built.CR3, addr)
				if !ok {
					t.Fatalf("memSize=%d: addr %#x: no present leaf found", memSize, addr)
				}

				if want := addr &^ 0xFFF; phys != want {
					t.Fatalf("memSize=%d: addr %#x: have phys %#x, want %#x", memSize, addr, phys, want)
				}
			}
		})
	}
}

func TestBuildCR3PointsAtLastFrame(t *testing.T) {
	t.Parallel()

	const memSize = 1 << 20

	built := pagetable.Build(memSize)
	wantCR3 := memSize + (built.Counts.Total()-1)*4096

	if built.CR3 != wantCR3 {
		t.Errorf("CR3: have %#x, want %#x", built.CR3, wantCR3)
	}
}
