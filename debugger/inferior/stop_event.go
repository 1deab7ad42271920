package inferior

import (
	"fmt"
	"syscall"

	. "github.com/pattyshack/tdb/debugger/common"
)

type StopReason string

const (
	// SIGTRAP from int3, single step completion or the post-exec trap.
	TrappedStop = StopReason("trapped")

	// SIGTRAP raised by a debug register (TRAP_HWBKPT).
	HardwareTrapStop = StopReason("hardware trap")

	// Any other signal-delivery stop.
	SignaledStop = StopReason("signaled")

	ExitedStop     = StopReason("exited")
	TerminatedStop = StopReason("terminated")
)

type StopEvent struct {
	Reason StopReason

	// Only populated for TrappedStop / HardwareTrapStop.
	TrapKind

	// The stop signal for stops, or the terminating signal.
	Signal syscall.Signal

	// Only populated for ExitedStop.
	ExitCode int

	// Not populated once the process is gone.
	ProgramCounter VirtualAddress
}

// Reports whether the process is gone after this event.
func (event *StopEvent) IsExit() bool {
	return event.Reason == ExitedStop || event.Reason == TerminatedStop
}

func (event *StopEvent) String() string {
	switch event.Reason {
	case ExitedStop:
		return fmt.Sprintf("exited with status: %d", event.ExitCode)
	case TerminatedStop:
		return fmt.Sprintf("terminated with signal: %v", event.Signal)
	case TrappedStop, HardwareTrapStop:
		kind := ""
		if event.TrapKind != UnknownTrap {
			kind = fmt.Sprintf(" (%s)", event.TrapKind)
		}
		return fmt.Sprintf(
			"%s at %s with signal: %v%s",
			event.Reason,
			event.ProgramCounter,
			event.Signal,
			kind)
	default:
		return fmt.Sprintf(
			"%s at %s with signal: %v",
			event.Reason,
			event.ProgramCounter,
			event.Signal)
	}
}

// Classifies a stop reported by wait4.  sigInfoCode is the si_code of the
// pending SIGTRAP and is ignored for every other status.
func classify(
	status syscall.WaitStatus,
	pc VirtualAddress,
	sigInfoCode int32,
) *StopEvent {
	switch {
	case status.Exited():
		return &StopEvent{
			Reason:   ExitedStop,
			ExitCode: status.ExitStatus(),
		}
	case status.Signaled():
		return &StopEvent{
			Reason: TerminatedStop,
			Signal: status.Signal(),
		}
	case status.Stopped():
		signal := status.StopSignal()
		if signal != syscall.SIGTRAP {
			return &StopEvent{
				Reason:         SignaledStop,
				Signal:         signal,
				ProgramCounter: pc,
			}
		}

		kind := TrapCodeToKind(sigInfoCode)
		reason := TrappedStop
		if kind == HardwareTrap {
			reason = HardwareTrapStop
		}

		return &StopEvent{
			Reason:         reason,
			TrapKind:       kind,
			Signal:         signal,
			ProgramCounter: pc,
		}
	default:
		panic(fmt.Sprintf("should never happen. unexpected wait status %x", status))
	}
}
