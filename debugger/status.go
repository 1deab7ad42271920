package debugger

import (
	"bytes"
	"fmt"
	"strings"
	"syscall"

	. "github.com/pattyshack/tdb/debugger/common"
	"github.com/pattyshack/tdb/debugger/inferior"
	"github.com/pattyshack/tdb/debugger/stoppoint"
)

type Status struct {
	Pid   int
	State RunState

	// The event which produced this status.  nil before run.
	Event *inferior.StopEvent

	// Only populated when the process is stopped.  For breakpoint stops, this
	// is the breakpoint's address (the program counter is rewound onto it).
	ProgramCounter VirtualAddress

	// Symbolic description of ProgramCounter, if any.
	Location string

	// Only populated for StoppedAtBreakpoint.
	Breakpoint *stoppoint.Breakpoint

	// Only populated for StoppedAtWatchpoint.
	Watchpoint *stoppoint.Watchpoint

	// Stop points which could not be installed at launch.
	Dropped []string
}

func (status *Status) IsExit() bool {
	return status.Event != nil && status.Event.IsExit()
}

func formatBytes(data []byte) string {
	result := ""
	for _, b := range data {
		result += fmt.Sprintf(" 0x%02x", b)
	}
	return result
}

func (status *Status) String() string {
	switch status.State {
	case NotStarted:
		return "process not started"
	case Running:
		return fmt.Sprintf("process %d running", status.Pid)
	case Detached:
		return fmt.Sprintf("process %d detached", status.Pid)
	case Exited:
		if status.Event != nil && status.Event.Reason == inferior.TerminatedStop {
			return fmt.Sprintf(
				"process %d terminated with signal: %v",
				status.Pid,
				status.Event.Signal)
		}

		exitCode := 0
		if status.Event != nil {
			exitCode = status.Event.ExitCode
		}
		return fmt.Sprintf(
			"process %d exited with status: %d",
			status.Pid,
			exitCode)
	}

	inFunc := ""
	if status.Location != "" {
		inFunc = " (" + status.Location + ")"
	}

	signal := syscall.Signal(0)
	reason := ""
	if status.Event != nil {
		signal = status.Event.Signal
		if signal == syscall.SIGTRAP && status.Event.TrapKind != UnknownTrap {
			reason = fmt.Sprintf(" (%s)", status.Event.TrapKind)
		}
	}

	if status.Breakpoint != nil {
		reason += fmt.Sprintf(
			"\n    breakpoint (id=%d)\n      location: %s\n      hits: %d",
			status.Breakpoint.Id(),
			status.Breakpoint.Location(),
			status.Breakpoint.HitCount())
	}

	if status.Watchpoint != nil {
		wp := status.Watchpoint

		dataStr := " (data:" + formatBytes(wp.Data())
		if !bytes.Equal(wp.PreviousData(), wp.Data()) {
			dataStr += " ; previous:" + formatBytes(wp.PreviousData())
		}
		dataStr += ")"

		reason += fmt.Sprintf(
			"\n    watchpoint (id=%d)\n      location: %s\n      triggered: %s%s",
			wp.Id(),
			wp.Location(),
			wp.Address(),
			dataStr)
	}

	return fmt.Sprintf(
		"process %d stopped\n  at: %s%s\n  with signal: %v%s",
		status.Pid,
		status.ProgramCounter,
		inFunc,
		signal,
		reason)
}

type statusYAML struct {
	Pid            int      `yaml:"pid,omitempty"`
	State          RunState `yaml:"state"`
	ProgramCounter string   `yaml:"pc,omitempty"`
	Location       string   `yaml:"location,omitempty"`
	Signal         string   `yaml:"signal,omitempty"`
	TrapKind       string   `yaml:"trap,omitempty"`
	ExitCode       *int     `yaml:"exit-code,omitempty"`
	Breakpoint     uint64   `yaml:"breakpoint,omitempty"`
	Watchpoint     uint64   `yaml:"watchpoint,omitempty"`
	Data           string   `yaml:"data,omitempty"`
	PreviousData   string   `yaml:"previous-data,omitempty"`
	Dropped        []string `yaml:"dropped,omitempty"`
}

func (status *Status) MarshalYAML() (interface{}, error) {
	out := statusYAML{
		Pid:      status.Pid,
		State:    status.State,
		Location: status.Location,
		Dropped:  status.Dropped,
	}

	if status.State.IsStopped() {
		out.ProgramCounter = status.ProgramCounter.String()
	}

	if status.Event != nil {
		if status.Event.Signal != 0 {
			out.Signal = status.Event.Signal.String()
		}
		out.TrapKind = string(status.Event.TrapKind)

		if status.Event.Reason == inferior.ExitedStop {
			code := status.Event.ExitCode
			out.ExitCode = &code
		}
	}

	if status.Breakpoint != nil {
		out.Breakpoint = status.Breakpoint.Id()
	}

	if status.Watchpoint != nil {
		out.Watchpoint = status.Watchpoint.Id()
		out.Data = strings.TrimSpace(formatBytes(status.Watchpoint.Data()))
		out.PreviousData = strings.TrimSpace(
			formatBytes(status.Watchpoint.PreviousData()))
	}

	return out, nil
}
