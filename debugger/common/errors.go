package common

import (
	"fmt"
)

var (
	ErrInvalidArgument = fmt.Errorf("invalid argument")

	// Inferior controller errors
	ErrLaunch            = fmt.Errorf("failed to launch target")
	ErrNotStopped        = fmt.Errorf("process not stopped")
	ErrProcessNotRunning = fmt.Errorf("process not running")
	ErrProtocolViolation = fmt.Errorf("resume/wait protocol violation")

	// Stop point errors
	ErrDuplicateBreakpoint   = fmt.Errorf("duplicate breakpoint")
	ErrNoBreakpointAtAddress = fmt.Errorf("no breakpoint at address")
	ErrNoFreeSlot            = fmt.Errorf("no free debug register slot")
	ErrNoWatchpointTriggered = fmt.Errorf("no watchpoint triggered")
	ErrUnmappedAddress       = fmt.Errorf("address outside mapped memory")

	// Session errors
	ErrInvalidStateTransition = fmt.Errorf("invalid state transition")
	ErrUnknownSymbol          = fmt.Errorf("unknown symbol")
)
