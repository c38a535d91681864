// Command blankvm is a minimal type-2 hypervisor for the x86_64 Linux
// KVM interface: it loads a flat image at guest-physical 0, brings a
// single vCPU up in real, protected, or long mode, and runs it with a
// single virtual serial port bridged to the host's standard streams.
package main

import (
	"fmt"
	"log"
	"os"
	"runtime"

	"github.com/alecthomas/kong"

	"github.com/blankvm/blankvm/cpumode"
	"github.com/blankvm/blankvm/dispatch"
	"github.com/blankvm/blankvm/guestmemory"
	"github.com/blankvm/blankvm/hypervisor"
	"github.com/blankvm/blankvm/options"
	"github.com/blankvm/blankvm/pagetable"
	"github.com/blankvm/blankvm/rawterm"
	"github.com/blankvm/blankvm/serial"
	"github.com/blankvm/blankvm/vcpu"
)

// CLI mirrors the flag surface: blankvm [-R|-P|-L] [-m memsize]
// [-e entry] [-p pagetable] image.
type CLI struct {
	Real      bool   `short:"R" help:"Boot in 16-bit real mode (default)."`
	Protected bool   `short:"P" help:"Boot in 32-bit protected mode."`
	Long      bool   `short:"L" help:"Boot in 64-bit long mode."`
	MemSize   string `short:"m" default:"1048576" help:"Guest memory size (decimal, 0x-hex, or 0-octal)."`
	Entry     string `short:"e" default:"0" help:"Guest-physical entry point."`
	PageTable string `short:"p" help:"Preloaded page-table guest-physical address (long mode only)."`

	Image string `arg:"" help:"Path to the flat image loaded at guest-physical 0."`
}

func main() {
	var cli CLI

	ctx := kong.Parse(&cli,
		kong.Name("blankvm"),
		kong.Description("minimal type-2 hypervisor for the x86_64 KVM interface"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true, Summary: true}),
	)

	opts, err := buildOptions(cli)
	if err != nil {
		ctx.PrintUsage(false)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := opts.Validate(); err != nil {
		ctx.PrintUsage(false)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := run(opts); err != nil {
		log.Print(err)
		os.Exit(1)
	}
}

func buildOptions(cli CLI) (options.Options, error) {
	mode := options.Real16

	switch {
	case cli.Long:
		mode = options.Long64
	case cli.Protected:
		mode = options.Protected32
	case cli.Real:
		mode = options.Real16
	}

	memSize, err := options.ParseNumber(cli.MemSize)
	if err != nil {
		return options.Options{}, fmt.Errorf("memory size: %w", err)
	}

	entry, err := options.ParseNumber(cli.Entry)
	if err != nil {
		return options.Options{}, fmt.Errorf("entry point: %w", err)
	}

	var pageTableAddr *uint64

	if cli.PageTable != "" {
		addr, err := options.ParseNumber(cli.PageTable)
		if err != nil {
			return options.Options{}, fmt.Errorf("page table address: %w", err)
		}

		pageTableAddr = &addr
	}

	return options.Options{
		Mode:          mode,
		MemSize:       memSize,
		Entry:         entry,
		PageTableAddr: pageTableAddr,
		Image:         cli.Image,
	}, nil
}

// run acquires HypervisorHandle -> GuestMemory -> (conditionally)
// PageTableBuilder -> VCpu in that order, programs the vCPU via
// cpumode.Setup, then hands off to the exit dispatch loop. Every
// resource acquired here is released in strict reverse order on every
// exit path.
func run(opts options.Options) (err error) {
	// A vCPU fd may only be driven from the OS thread that created it;
	// pin before the first ioctl so the Go scheduler can't migrate the
	// goroutine mid-run.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	hv, err := hypervisor.Open()
	if err != nil {
		return fmt.Errorf("opening hypervisor: %w", err)
	}
	defer closeAndReport(&err, "hypervisor", hv.Close)

	mem, err := guestmemory.New(hv.VMFd(), opts.MemSize)
	if err != nil {
		return fmt.Errorf("allocating guest memory: %w", err)
	}
	defer closeAndReport(&err, "guest memory", mem.Close)

	if err := mem.WriteImage(opts.Image); err != nil {
		return fmt.Errorf("loading image: %w", err)
	}

	var autoPageTableCR3 *uint64

	const pageTableSlot = 1

	if opts.Mode == options.Long64 && opts.PageTableAddr == nil {
		built := pagetable.Build(opts.MemSize)

		ptRegion, ptErr := guestmemory.NewAt(hv.VMFd(), pageTableSlot, built.GPABase, uint64(len(built.Bytes)))
		if ptErr != nil {
			return fmt.Errorf("allocating page table region: %w", ptErr)
		}
		defer closeAndReport(&err, "page table region", ptRegion.Close)

		copy(ptRegion.Bytes(), built.Bytes)

		cr3 := built.CR3
		autoPageTableCR3 = &cr3
	}

	runStateSize, err := hv.RunStateSize()
	if err != nil {
		return fmt.Errorf("querying run state size: %w", err)
	}

	vc, err := vcpu.New(hv.VMFd(), runStateSize)
	if err != nil {
		return fmt.Errorf("creating vcpu: %w", err)
	}
	defer closeAndReport(&err, "vcpu", vc.Close)

	baseSregs, err := vc.GetSregs()
	if err != nil {
		return fmt.Errorf("reading initial sregs: %w", err)
	}

	modeOpts := opts
	if autoPageTableCR3 != nil {
		modeOpts.PageTableAddr = autoPageTableCR3
	}

	regs, sregs, err := cpumode.Setup(modeOpts, baseSregs)
	if err != nil {
		return fmt.Errorf("programming cpu mode: %w", err)
	}

	if err := vc.SetRegs(regs); err != nil {
		return fmt.Errorf("setting registers: %w", err)
	}

	if err := vc.SetSregs(sregs); err != nil {
		return fmt.Errorf("setting special registers: %w", err)
	}

	raw, rtErr := rawterm.Enable()
	if rtErr != nil {
		return fmt.Errorf("enabling raw terminal mode: %w", rtErr)
	}
	defer closeAndReport(&err, "terminal mode", raw.Restore)

	console := serial.New(os.Stdin, os.Stdout)

	if loopErr := dispatch.Loop(vc, console, os.Stderr, mem.Bytes()); loopErr != nil {
		return loopErr
	}

	return nil
}

// closeAndReport runs close and, if err is still nil, records close's
// failure into it; teardown continues regardless, matching the
// best-effort teardown policy (failures during teardown are reported
// but never block releasing the remaining resources).
func closeAndReport(err *error, what string, closeFn func() error) {
	if closeErr := closeFn(); closeErr != nil && *err == nil {
		*err = fmt.Errorf("closing %s: %w", what, closeErr)
	}
}
