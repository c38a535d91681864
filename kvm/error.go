package kvm

import (
	"errors"
	"fmt"
)

// ExitReason identifies why KVM_RUN returned control to userspace.
//
//go:generate stringer -type=ExitReason
type ExitReason uint32

const (
	ExitUnknown       ExitReason = 0
	ExitException     ExitReason = 1
	ExitIO            ExitReason = 2
	ExitHypercall     ExitReason = 3
	ExitDebug         ExitReason = 4
	ExitHLT           ExitReason = 5
	ExitMMIO          ExitReason = 6
	ExitIRQWindowOpen ExitReason = 7
	ExitShutdown      ExitReason = 8
	ExitFailEntry     ExitReason = 9
	ExitIntr          ExitReason = 10
	ExitSetTPR        ExitReason = 11
	ExitTPRAccess     ExitReason = 12
	ExitS390Sieic     ExitReason = 13
	ExitS390Reset     ExitReason = 14
	ExitDCR           ExitReason = 15
	ExitNmi           ExitReason = 16
	ExitInternalError ExitReason = 17
)

var exitReasonNames = map[ExitReason]string{
	ExitUnknown:       "EXITUNKNOWN",
	ExitException:     "EXITEXCEPTION",
	ExitIO:            "EXITIO",
	ExitHypercall:     "EXITHYPERCALL",
	ExitDebug:         "EXITDEBUG",
	ExitHLT:           "EXITHLT",
	ExitMMIO:          "EXITMMIO",
	ExitIRQWindowOpen: "EXITIRQWINDOWOPEN",
	ExitShutdown:      "EXITSHUTDOWN",
	ExitFailEntry:     "EXITFAILENTRY",
	ExitIntr:          "EXITINTR",
	ExitSetTPR:        "EXITSETTPR",
	ExitTPRAccess:     "EXITTPRACCESS",
	ExitS390Sieic:     "EXITS390SIEIC",
	ExitS390Reset:     "EXITS390RESET",
	ExitDCR:           "EXITDCR",
	ExitNmi:           "EXITNMI",
	ExitInternalError: "EXITINTERNALERROR",
}

// String implements fmt.Stringer in the style of a hand-maintained
// go:generate stringer output: known values map to their EXIT* name,
// anything else falls back to a numeric UNKNOWN rendering.
func (e ExitReason) String() string {
	if name, ok := exitReasonNames[e]; ok {
		return name
	}

	return fmt.Sprintf("UNKNOWN(%d)", uint32(e))
}

var (
	// ErrUnexpectedExitReason is wrapped with the offending ExitReason
	// whenever the dispatch loop (or another caller of Run) sees an exit
	// it does not know how to handle.
	ErrUnexpectedExitReason = errors.New("unexpected kvm exit reason")

	// ErrUnexpectedIOPort is wrapped whenever a guest performs I/O on a
	// port other than the one serial port blankvm passes through.
	ErrUnexpectedIOPort = errors.New("unexpected io port")

	// ErrUnexpectedIOWidth is wrapped whenever a guest's I/O on the
	// serial port does not have the expected operand size or count.
	ErrUnexpectedIOWidth = errors.New("unexpected io operand width or count")
)
