package debugger

type RunState string

const (
	NotStarted = RunState("not started")

	// Only observable while a resume/wait pair is in flight.
	Running = RunState("running")

	StoppedAtBreakpoint = RunState("stopped at breakpoint")
	StoppedAtWatchpoint = RunState("stopped at watchpoint")
	StoppedAtSignal     = RunState("stopped at signal")
	StoppedAtStep       = RunState("stopped after step")

	// Terminal states.
	Exited   = RunState("exited")
	Detached = RunState("detached")
)

func (state RunState) IsStopped() bool {
	switch state {
	case StoppedAtBreakpoint,
		StoppedAtWatchpoint,
		StoppedAtSignal,
		StoppedAtStep:
		return true
	default:
		return false
	}
}

func (state RunState) IsTerminal() bool {
	return state == Exited || state == Detached
}
