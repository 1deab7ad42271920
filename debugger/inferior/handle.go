package inferior

import (
	. "github.com/pattyshack/tdb/debugger/common"
	"github.com/pattyshack/tdb/debugger/registers"
)

type State string

const (
	Stopped  = State("stopped")
	Running  = State("running")
	Exited   = State("exited")
	Detached = State("detached")
)

// Live reports whether the handle still refers to a traced process.
func (state State) Live() bool {
	return state == Stopped || state == Running
}

type ResumeMode string

const (
	Continue   = ResumeMode("continue")
	SingleStep = ResumeMode("single step")
)

// Handle is the debugger's only channel to a traced process.  Every Resume
// must be followed by exactly one Wait before the next Resume.  Register and
// memory access is only valid while the process is Stopped.
type Handle interface {
	Pid() int
	State() State

	// The most recent stop event, or the post-exec trap right after launch.
	LastStop() *StopEvent

	Resume(mode ResumeMode) error
	Wait() (*StopEvent, error)

	ReadRegisters() (registers.State, error)
	WriteRegisters(state registers.State) error
	ReadProgramCounter() (VirtualAddress, error)
	WriteProgramCounter(address VirtualAddress) error

	ReadMemory(addr VirtualAddress, out []byte) (int, error)
	WriteMemory(addr VirtualAddress, data []byte) (int, error)

	// Reports whether addr lies inside one of the process' mappings.
	IsMapped(addr VirtualAddress) (bool, error)

	// The run time address of the main program's entry point.
	EntryPoint() (VirtualAddress, error)

	Detach() error
	Kill() error
}
