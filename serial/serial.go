// Package serial implements the single byte-stream bridge between guest
// I/O port 0x3F8 and the host's standard input and output streams. It
// is synchronous and unbuffered from the guest's perspective: each
// guest OUT writes exactly one byte to host stdout, and each guest IN
// blocks until the host produces one byte of input.
package serial

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// Port is the legacy x86 I/O port address of the first UART, the sole
// host-guest channel this hypervisor wires up.
const Port = 0x03f8

// ErrEOF is returned by In once the host's input stream is exhausted;
// the dispatcher treats it as a clean-shutdown signal rather than a
// fatal error.
var ErrEOF = errors.New("serial: host input at eof")

// Console reads and writes single bytes against host stdin/stdout on
// behalf of the guest's port-0x3F8 I/O.
type Console struct {
	in  *bufio.Reader
	out io.Writer
}

// New builds a Console bridging guest port 0x3F8 to the given host
// input and output streams (ordinarily os.Stdin and os.Stdout).
func New(in io.Reader, out io.Writer) *Console {
	return &Console{in: bufio.NewReader(in), out: out}
}

// Out writes a single byte to host standard output.
func (c *Console) Out(b byte) error {
	if _, err := c.out.Write([]byte{b}); err != nil {
		return fmt.Errorf("writing serial byte to host stdout: %w", err)
	}

	return nil
}

// In blocks until one byte is available from host standard input and
// returns it. It returns ErrEOF once the host stream is exhausted.
func (c *Console) In() (byte, error) {
	b, err := c.in.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, ErrEOF
		}

		return 0, fmt.Errorf("reading serial byte from host stdin: %w", err)
	}

	return b, nil
}
