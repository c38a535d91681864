// Package dispatch implements the VM-exit dispatch loop: it runs the
// vCPU, classifies each exit, defers to the serial console on the one
// serviced port, and treats everything else as fatal.
package dispatch

import (
	"errors"
	"fmt"
	"io"

	"github.com/blankvm/blankvm/diagnostics"
	"github.com/blankvm/blankvm/kvm"
	"github.com/blankvm/blankvm/serial"
)

// Runner is the subset of VCpu the dispatcher drives.
type Runner interface {
	Run() error
	RunState() *kvm.RunData
	GetRegs() (kvm.Regs, error)
	GetSregs() (kvm.Sregs, error)
	RawRunState() []byte
}

// ErrFatalExit wraps any VM exit the dispatcher does not service.
var ErrFatalExit = errors.New("fatal vm exit")

// Loop runs v until the guest causes a clean shutdown (serial input
// EOF) or a fatal exit. diagStderr receives the full diagnostic block
// on any fatal exit; guestMem, if non-nil, is used for best-effort
// instruction disassembly in that dump. It returns nil on clean
// shutdown and a non-nil error (wrapping ErrFatalExit, kvm.ErrUnexpectedExitReason,
// kvm.ErrUnexpectedIOPort, or kvm.ErrUnexpectedIOWidth) otherwise.
func Loop(v Runner, console *serial.Console, diagStderr io.Writer, guestMem []byte) error {
	for {
		if err := v.Run(); err != nil {
			diagnostics.Dump(diagStderr, v, guestMem)

			return fmt.Errorf("%w: run failed: %w", ErrFatalExit, err)
		}

		run := v.RunState()
		reason := kvm.ExitReason(run.ExitReason)

		switch reason {
		case kvm.ExitIO:
			done, err := handleIO(v, console)
			if err != nil {
				diagnostics.Dump(diagStderr, v, guestMem)

				return fmt.Errorf("%w: %w", ErrFatalExit, err)
			}

			if done {
				return nil
			}
		default:
			diagnostics.Dump(diagStderr, v, guestMem)

			return fmt.Errorf("%w: %w: %s", ErrFatalExit, kvm.ErrUnexpectedExitReason, reason)
		}
	}
}

// handleIO services one port-I/O exit. It returns done=true on a clean
// shutdown (host stdin EOF during a serial IN) and a non-nil error for
// any I/O this dispatcher does not service (wrong port, width, or
// count).
func handleIO(v Runner, console *serial.Console) (done bool, err error) {
	run := v.RunState()
	direction, size, port, count, offset := run.IO()

	if port != serial.Port {
		return false, fmt.Errorf("%w: port %#x", kvm.ErrUnexpectedIOPort, port)
	}

	if size != 1 || count != 1 {
		return false, fmt.Errorf("%w: size=%d count=%d", kvm.ErrUnexpectedIOWidth, size, count)
	}

	raw := v.RawRunState()
	if offset+1 > uint64(len(raw)) {
		return false, fmt.Errorf("%w: io payload offset %#x out of range", kvm.ErrUnexpectedIOWidth, offset)
	}

	switch direction {
	case 0: // in
		b, err := console.In()
		if err != nil {
			if errors.Is(err, serial.ErrEOF) {
				return true, nil
			}

			return false, fmt.Errorf("serial in: %w", err)
		}

		raw[offset] = b
	case 1: // out
		if err := console.Out(raw[offset]); err != nil {
			return false, fmt.Errorf("serial out: %w", err)
		}
	}

	return false, nil
}
