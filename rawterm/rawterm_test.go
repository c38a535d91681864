package rawterm_test

import (
	"testing"

	"github.com/blankvm/blankvm/rawterm"
)

func TestEnableAndRestoreOnNonTerminalStdin(t *testing.T) {
	t.Parallel()

	// In test binaries stdin is ordinarily not a terminal, so Enable
	// should take the no-op branch and Restore should not error.
	rt, err := rawterm.Enable()
	if err != nil {
		t.Fatalf("Enable: %v", err)
	}

	if err := rt.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
}
