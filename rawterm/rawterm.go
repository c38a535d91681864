// Package rawterm puts host standard input into raw mode for the
// duration of a run, so the serial console sees every byte the user
// types (no host-side line editing or signal generation) and restores
// the previous mode on teardown.
package rawterm

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// RawTerminal holds the saved terminal state for stdin, if stdin is in
// fact a terminal; Restore is a no-op otherwise.
type RawTerminal struct {
	fd    int
	state *term.State
}

// Enable puts stdin into raw mode if it is a terminal. If stdin is not
// a terminal (e.g. piped input in a test harness), it returns a
// RawTerminal whose Restore does nothing.
func Enable() (*RawTerminal, error) {
	fd := int(os.Stdin.Fd())

	if !term.IsTerminal(fd) {
		return &RawTerminal{fd: fd}, nil
	}

	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("putting stdin into raw mode: %w", err)
	}

	return &RawTerminal{fd: fd, state: state}, nil
}

// Restore puts stdin back into whatever mode it was in before Enable.
func (r *RawTerminal) Restore() error {
	if r.state == nil {
		return nil
	}

	if err := term.Restore(r.fd, r.state); err != nil {
		return fmt.Errorf("restoring stdin terminal mode: %w", err)
	}

	return nil
}
