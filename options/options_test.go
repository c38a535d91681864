package options_test

import (
	"errors"
	"testing"

	"github.com/blankvm/blankvm/options"
)

func TestValidateMemSize(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name    string
		memSize uint64
		wantErr error
	}{
		{"ZeroRejected", 0, options.ErrMemSizeNotMultipleOf4096},
		{"UnalignedRejected", 4097, options.ErrMemSizeNotMultipleOf4096},
		{"OnePageOK", 4096, nil},
		{"OneMiBOK", options.DefaultMemSize, nil},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			o := options.Options{Mode: options.Real16, MemSize: test.memSize, Image: "img"}
			err := o.Validate()

			if !errors.Is(err, test.wantErr) {
				t.Errorf("have: %v, want: %v", err, test.wantErr)
			}
		})
	}
}

func TestValidateEntryRange(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name    string
		mode    options.Mode
		entry   uint64
		wantErr error
	}{
		{"Real16InRange", options.Real16, 0xFFFF, nil},
		{"Real16OutOfRange", options.Real16, 0x10000, options.ErrEntryOutOfRange},
		{"Protected32InRange", options.Protected32, 0xFFFFFFFF, nil},
		{"Protected32OutOfRange", options.Protected32, 1 << 32, options.ErrEntryOutOfRange},
		{"Long64AnyAddress", options.Long64, 0xFFFFFFFFFFFFFFFF, nil},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			o := options.Options{
				Mode:    test.mode,
				MemSize: options.DefaultMemSize,
				Entry:   test.entry,
				Image:   "img",
			}
			err := o.Validate()

			if !errors.Is(err, test.wantErr) {
				t.Errorf("have: %v, want: %v", err, test.wantErr)
			}
		})
	}
}

func TestValidatePageTableOnlyInLongMode(t *testing.T) {
	t.Parallel()

	addr := uint64(0)
	o := options.Options{Mode: options.Real16, MemSize: options.DefaultMemSize, Image: "img", PageTableAddr: &addr}

	if err := o.Validate(); !errors.Is(err, options.ErrPageTableOnlyInLongMode) {
		t.Errorf("have: %v, want: %v", err, options.ErrPageTableOnlyInLongMode)
	}
}

func TestValidateMissingImage(t *testing.T) {
	t.Parallel()

	o := options.Options{Mode: options.Real16, MemSize: options.DefaultMemSize}

	if err := o.Validate(); !errors.Is(err, options.ErrMissingImage) {
		t.Errorf("have: %v, want: %v", err, options.ErrMissingImage)
	}
}

func TestParseNumber(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name string
		in   string
		want uint64
	}{
		{"Decimal", "1024", 1024},
		{"Hex", "0x1000", 0x1000},
		{"Octal", "0755", 0o755},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			got, err := options.ParseNumber(test.in)
			if err != nil {
				t.Fatalf("ParseNumber(%q): %v", test.in, err)
			}

			if got != test.want {
				t.Errorf("have: %d, want: %d", got, test.want)
			}
		})
	}
}

func TestParseNumberInvalid(t *testing.T) {
	t.Parallel()

	if _, err := options.ParseNumber("not-a-number"); err == nil {
		t.Error("expected an error, got nil")
	}
}
