package debugger

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	. "github.com/pattyshack/tdb/debugger/common"
	"github.com/pattyshack/tdb/debugger/inferior"
	"github.com/pattyshack/tdb/debugger/memory"
	"github.com/pattyshack/tdb/debugger/registers"
	"github.com/pattyshack/tdb/debugger/stoppoint"
	"github.com/pattyshack/tdb/debugger/symbols"
	"github.com/pattyshack/tdb/logflags"
)

// Launcher starts path under trace.  The returned handle must be stopped at
// the post-exec trap.
type Launcher func(path string, args []string) (inferior.Handle, error)

type pendingWatchpoint struct {
	location string
	size     int
	mode     stoppoint.WatchMode
}

func (wp pendingWatchpoint) String() string {
	return fmt.Sprintf("%s (%d bytes, %s)", wp.location, wp.size, wp.mode)
}

// Session drives one debugging run of a single executable.  It owns the
// process handle and passes it to the stop point engines on every call.
// Session is not safe for concurrent use.
type Session struct {
	path string
	args []string

	launch   Launcher
	resolver symbols.Resolver

	state  RunState
	handle inferior.Handle
	pid    int

	// Closed on teardown rather than on exit so that buffered terminal output
	// is not lost.
	closer io.Closer

	Breakpoints *stoppoint.BreakpointEngine
	Watchpoints *stoppoint.WatchpointEngine

	// Symbolic locations requested before run.
	pendingBreakpoints []string
	pendingWatchpoints []pendingWatchpoint

	// The breakpoint reported by the current StoppedAtBreakpoint stop.
	hitBreakpoint *stoppoint.Breakpoint

	lastStatus *Status

	logger *logrus.Entry
}

func NewSession(
	path string,
	args []string,
	launch Launcher,
	resolver symbols.Resolver,
) *Session {
	if resolver == nil {
		resolver = symbols.Empty{}
	}

	return &Session{
		path:        path,
		args:        args,
		launch:      launch,
		resolver:    resolver,
		state:       NotStarted,
		Breakpoints: stoppoint.NewBreakpointEngine(),
		Watchpoints: stoppoint.NewWatchpointEngine(),
		lastStatus:  &Status{State: NotStarted},
		logger:      logflags.SessionLogger(),
	}
}

func (session *Session) State() RunState {
	return session.state
}

// The pid of the current (or most recent) process.  Zero before run.
func (session *Session) Pid() int {
	return session.pid
}

// nil unless a process is being traced.
func (session *Session) Handle() inferior.Handle {
	return session.handle
}

func (session *Session) LastStatus() *Status {
	return session.lastStatus
}

func (session *Session) Resolver() symbols.Resolver {
	return session.resolver
}

func (session *Session) PendingBreakpoints() []string {
	return session.pendingBreakpoints
}

func (session *Session) PendingWatchpoints() []string {
	result := []string{}
	for _, wp := range session.pendingWatchpoints {
		result = append(result, wp.String())
	}
	return result
}

func (session *Session) invalidTransition(command string) error {
	return fmt.Errorf(
		"%w. cannot %s while %s",
		ErrInvalidStateTransition,
		command,
		session.state)
}

func (session *Session) ensureStopped(command string) error {
	if !session.state.IsStopped() {
		return session.invalidTransition(command)
	}
	return nil
}

// Numeric locations are used as is.  Everything else is resolved as a
// symbol; the returned flag reports that.
func (session *Session) resolveLocation(
	location string,
) (
	VirtualAddress,
	bool,
	error,
) {
	location = strings.TrimSpace(location)
	if location == "" {
		return 0, false, fmt.Errorf("%w. empty location", ErrInvalidArgument)
	}

	address, err := ParseVirtualAddress(location)
	if err == nil {
		return address, false, nil
	}

	address, err = session.resolver.Resolve(location)
	if err != nil {
		return 0, true, err
	}

	return address, true, nil
}

// ResolveLocation parses a numeric location or resolves a symbolic one.
func (session *Session) ResolveLocation(location string) (VirtualAddress, error) {
	address, _, err := session.resolveLocation(location)
	return address, err
}

// Breakpoint sets a software breakpoint.  Before run, symbolic locations are
// only checked for existence and are resolved at launch; the returned
// breakpoint is nil in that case.
func (session *Session) Breakpoint(
	location string,
) (
	*stoppoint.Breakpoint,
	error,
) {
	if session.state.IsTerminal() {
		return nil, session.invalidTransition("set breakpoint")
	}

	address, isSymbol, err := session.resolveLocation(location)
	if err != nil {
		return nil, err
	}

	if session.state != NotStarted {
		return session.Breakpoints.Install(session.handle, address, location)
	}

	if !isSymbol {
		return session.Breakpoints.Request(address, location)
	}

	for _, pending := range session.pendingBreakpoints {
		if pending == location {
			return nil, fmt.Errorf(
				"%w. breakpoint already requested at %s",
				ErrDuplicateBreakpoint,
				location)
		}
	}

	session.pendingBreakpoints = append(session.pendingBreakpoints, location)
	session.logger.Debugf("deferred breakpoint at %s", location)
	return nil, nil
}

// Watchpoint sets a hardware watchpoint.  Symbolic locations given before
// run are resolved at launch (the returned watchpoint is nil) but still
// reserve one of the debug register slots.
func (session *Session) Watchpoint(
	location string,
	size int,
	mode stoppoint.WatchMode,
) (
	*stoppoint.Watchpoint,
	error,
) {
	if session.state.IsTerminal() {
		return nil, session.invalidTransition("set watchpoint")
	}

	address, isSymbol, err := session.resolveLocation(location)
	if err != nil {
		return nil, err
	}

	// NOTE: load biases are page aligned, so an unrebased symbol address has
	// the same alignment as the rebased one.
	err = stoppoint.ValidateWatch(address, size, mode)
	if err != nil {
		return nil, err
	}

	if session.state != NotStarted {
		return session.Watchpoints.Install(
			session.handle,
			address,
			size,
			mode,
			location)
	}

	numUsed := len(session.pendingWatchpoints) +
		len(session.Watchpoints.List())
	if numUsed >= stoppoint.NumDebugRegisterSlots {
		return nil, fmt.Errorf(
			"%w. all %d hardware watchpoint slots are reserved",
			ErrNoFreeSlot,
			stoppoint.NumDebugRegisterSlots)
	}

	if !isSymbol {
		return session.Watchpoints.Install(nil, address, size, mode, location)
	}

	session.pendingWatchpoints = append(
		session.pendingWatchpoints,
		pendingWatchpoint{
			location: location,
			size:     size,
			mode:     mode,
		})
	session.logger.Debugf("deferred watchpoint at %s", location)
	return nil, nil
}

// Run launches the executable, installs every requested stop point, and
// continues it from the post-exec trap.
func (session *Session) Run() (*Status, error) {
	if session.state != NotStarted {
		return nil, session.invalidTransition("run")
	}

	handle, err := session.launch(session.path, session.args)
	if err != nil {
		if !errors.Is(err, ErrLaunch) {
			err = fmt.Errorf("%w: %w", ErrLaunch, err)
		}
		session.logger.Warnf("failed to launch %s: %s", session.path, err)
		return nil, err
	}

	session.handle = handle
	session.pid = handle.Pid()
	closer, ok := handle.(io.Closer)
	if ok {
		session.closer = closer
	}

	dropped := session.installRequested()

	// The process sits at its post-exec trap.
	session.state = StoppedAtSignal
	session.lastStatus = &Status{
		Pid:            session.pid,
		State:          StoppedAtSignal,
		Event:          handle.LastStop(),
		ProgramCounter: handle.LastStop().ProgramCounter,
	}
	session.logger.Debugf("launched %s (pid=%d)", session.path, session.pid)

	status, err := session.resumeAndWait(inferior.Continue)
	if status != nil {
		status.Dropped = dropped
	}
	return status, err
}

// Returns a description of every stop point which could not be installed.
func (session *Session) installRequested() []string {
	rebaser, ok := session.resolver.(symbols.Rebaser)
	if ok {
		entry, err := session.handle.EntryPoint()
		if err == nil {
			err = rebaser.Rebase(entry)
		}

		if err != nil {
			session.logger.Warnf("failed to rebase symbols: %s", err)
		}
	}

	dropped := []string{}
	drop := func(err error) {
		for _, line := range strings.Split(err.Error(), "\n") {
			session.logger.Warn(line)
			dropped = append(dropped, line)
		}
	}

	for _, location := range session.pendingBreakpoints {
		address, err := session.resolver.Resolve(location)
		if err == nil {
			_, err = session.Breakpoints.Request(address, location)
		}

		if err != nil {
			drop(fmt.Errorf("dropped breakpoint at %s: %w", location, err))
		}
	}
	session.pendingBreakpoints = nil

	err := session.Breakpoints.InstallPending(session.handle)
	if err != nil {
		drop(err)
	}

	for _, pending := range session.pendingWatchpoints {
		address, err := session.resolver.Resolve(pending.location)
		if err == nil {
			_, err = session.Watchpoints.Install(
				nil,
				address,
				pending.size,
				pending.mode,
				pending.location)
		}

		if err != nil {
			drop(fmt.Errorf("dropped watchpoint at %s: %w", pending.location, err))
		}
	}
	session.pendingWatchpoints = nil

	err = session.Watchpoints.InstallPending(session.handle)
	if err != nil {
		drop(err)
	}

	return dropped
}

func (session *Session) resumeAndWait(
	mode inferior.ResumeMode,
) (
	*Status,
	error,
) {
	previous := session.state

	session.state = Running
	err := session.handle.Resume(mode)
	if err != nil {
		session.state = previous
		return nil, err
	}

	event, err := session.handle.Wait()
	if err != nil {
		session.recover(previous)
		return nil, err
	}

	return session.classify(event)
}

// Resynchronizes the run state with the handle after a failed wait.
func (session *Session) recover(previous RunState) {
	switch session.handle.State() {
	case inferior.Stopped:
		session.state = previous
	case inferior.Running:
		session.state = Running
	default:
		session.finish(session.handle.LastStop())
	}
}

func (session *Session) classify(event *inferior.StopEvent) (*Status, error) {
	session.hitBreakpoint = nil

	if event.IsExit() {
		return session.finish(event), nil
	}

	status := &Status{
		Pid:            session.pid,
		Event:          event,
		ProgramCounter: event.ProgramCounter,
	}

	state := StoppedAtSignal
	var err error

	switch {
	case event.Reason == inferior.TrappedStop && event.TrapKind == SoftwareTrap:
		bp, trapErr := session.Breakpoints.OnTrap(session.handle)
		if trapErr == nil {
			state = StoppedAtBreakpoint
			status.Breakpoint = bp
			status.ProgramCounter = bp.Address()
			session.hitBreakpoint = bp
		} else if !errors.Is(trapErr, ErrNoBreakpointAtAddress) {
			err = trapErr
		}
	case event.Reason == inferior.TrappedStop && event.TrapKind == SingleStepTrap:
		// The stepped instruction may also have triggered a watchpoint.
		state = StoppedAtStep
		wp, trapErr := session.Watchpoints.OnHardwareTrap(session.handle)
		if trapErr == nil {
			state = StoppedAtWatchpoint
			status.Watchpoint = wp
		} else if !errors.Is(trapErr, ErrNoWatchpointTriggered) {
			err = trapErr
		}
	case event.Reason == inferior.HardwareTrapStop:
		wp, trapErr := session.Watchpoints.OnHardwareTrap(session.handle)
		if trapErr == nil {
			state = StoppedAtWatchpoint
			status.Watchpoint = wp
		} else if !errors.Is(trapErr, ErrNoWatchpointTriggered) {
			err = trapErr
		}
	}

	session.state = state
	status.State = state
	status.Location, _ = session.resolver.Describe(status.ProgramCounter)
	session.lastStatus = status

	session.logger.Debugf(
		"%s at %s (reason=%s)",
		state,
		status.ProgramCounter,
		event.Reason)
	return status, err
}

// Transitions into Exited once the process is gone.
func (session *Session) finish(event *inferior.StopEvent) *Status {
	session.Breakpoints.Reset()
	session.Watchpoints.Reset()
	session.hitBreakpoint = nil
	session.handle = nil
	session.state = Exited

	status := &Status{
		Pid:   session.pid,
		State: Exited,
		Event: event,
	}
	session.lastStatus = status

	session.logger.Debugf("process %d %s", session.pid, event)
	return status
}

// Arms temporarily removed breakpoints and steps over the breakpoint under
// the program counter, if any.  The returned event is nil when no step was
// taken.
func (session *Session) stepOverBreakpoints() (*inferior.StopEvent, error) {
	bp := session.hitBreakpoint
	if bp != nil {
		event, err := session.Breakpoints.RearmBeforeResume(session.handle, bp)
		if err != nil || event != nil {
			return event, err
		}
	}

	return session.Breakpoints.StepOver(session.handle)
}

func (session *Session) Continue() (*Status, error) {
	err := session.ensureStopped("continue")
	if err != nil {
		return nil, err
	}

	event, err := session.stepOverBreakpoints()
	if err != nil {
		return nil, err
	}

	if event != nil {
		status, err := session.classify(event)
		if err != nil || status.State != StoppedAtStep {
			return status, err
		}
	}

	return session.resumeAndWait(inferior.Continue)
}

// StepInstruction executes exactly one instruction.
func (session *Session) StepInstruction() (*Status, error) {
	err := session.ensureStopped("step")
	if err != nil {
		return nil, err
	}

	event, err := session.stepOverBreakpoints()
	if err != nil {
		return nil, err
	}

	if event != nil {
		return session.classify(event)
	}

	return session.resumeAndWait(inferior.SingleStep)
}

// InfoRegisters returns a fresh register snapshot.
func (session *Session) InfoRegisters() (registers.State, error) {
	err := session.ensureStopped("read registers")
	if err != nil {
		return registers.State{}, err
	}

	return session.handle.ReadRegisters()
}

func (session *Session) ReadRegister(
	name string,
) (
	registers.Spec,
	registers.Value,
	error,
) {
	state, err := session.InfoRegisters()
	if err != nil {
		return registers.Spec{}, nil, err
	}

	reg, ok := registers.ByName(name)
	if !ok {
		return registers.Spec{}, nil, fmt.Errorf(
			"%w. unknown register (%s)",
			ErrInvalidArgument,
			name)
	}

	return reg, state.Value(reg), nil
}

func (session *Session) WriteRegister(name string, value string) error {
	state, err := session.InfoRegisters()
	if err != nil {
		return err
	}

	reg, ok := registers.ByName(name)
	if !ok {
		return fmt.Errorf("%w. unknown register (%s)", ErrInvalidArgument, name)
	}

	val, err := reg.ParseValue(value)
	if err != nil {
		return err
	}

	state, err = state.WithValue(reg, val)
	if err != nil {
		return err
	}

	return session.handle.WriteRegisters(state)
}

// ReadMemory reads size bytes at location.  Installed breakpoints show their
// original bytes.
func (session *Session) ReadMemory(location string, size int) ([]byte, error) {
	err := session.ensureStopped("read memory")
	if err != nil {
		return nil, err
	}

	if size <= 0 {
		return nil, fmt.Errorf("%w. invalid size (%d)", ErrInvalidArgument, size)
	}

	address, _, err := session.resolveLocation(location)
	if err != nil {
		return nil, err
	}

	data := make([]byte, size)
	err = memory.ReadFull(session.handle, address, data)
	if err != nil {
		return nil, err
	}

	session.Breakpoints.ReplaceStopSiteBytes(address, data)
	return data, nil
}

// Disassemble decodes count instructions starting at location, or at the
// program counter when location is empty.
func (session *Session) Disassemble(
	location string,
	count int,
) (
	[]memory.DisassembledInstruction,
	error,
) {
	err := session.ensureStopped("disassemble")
	if err != nil {
		return nil, err
	}

	var address VirtualAddress
	if location == "" {
		address, err = session.handle.ReadProgramCounter()
	} else {
		address, _, err = session.resolveLocation(location)
	}
	if err != nil {
		return nil, err
	}

	return memory.NewDisassembler(session.handle, session.Breakpoints).
		Disassemble(address, count)
}

// Describe returns the symbolic description of address, if any.
func (session *Session) Describe(address VirtualAddress) (string, bool) {
	return session.resolver.Describe(address)
}

func (session *Session) DeleteBreakpoint(location string) error {
	if session.state.IsTerminal() {
		return session.invalidTransition("delete breakpoint")
	}

	for idx, pending := range session.pendingBreakpoints {
		if pending == location {
			session.pendingBreakpoints = append(
				session.pendingBreakpoints[:idx],
				session.pendingBreakpoints[idx+1:]...)
			return nil
		}
	}

	address, _, err := session.resolveLocation(location)
	if err != nil {
		return err
	}

	if session.hitBreakpoint != nil &&
		session.hitBreakpoint.Address() == address {

		session.hitBreakpoint = nil
	}

	return session.Breakpoints.Remove(session.handle, address)
}

func (session *Session) DeleteWatchpoint(id uint64) error {
	if session.state.IsTerminal() {
		return session.invalidTransition("delete watchpoint")
	}

	return session.Watchpoints.Remove(session.handle, id)
}

// DeletePendingWatchpoint drops a symbolic watchpoint requested before run.
func (session *Session) DeletePendingWatchpoint(location string) error {
	for idx, pending := range session.pendingWatchpoints {
		if pending.location == location {
			session.pendingWatchpoints = append(
				session.pendingWatchpoints[:idx],
				session.pendingWatchpoints[idx+1:]...)
			return nil
		}
	}

	return fmt.Errorf(
		"%w. no pending watchpoint at %s",
		ErrInvalidArgument,
		location)
}

func (session *Session) EnableBreakpoint(location string) error {
	if session.state.IsTerminal() {
		return session.invalidTransition("enable breakpoint")
	}

	address, _, err := session.resolveLocation(location)
	if err != nil {
		return err
	}

	return session.Breakpoints.Enable(session.handle, address)
}

func (session *Session) DisableBreakpoint(location string) error {
	if session.state.IsTerminal() {
		return session.invalidTransition("disable breakpoint")
	}

	address, _, err := session.resolveLocation(location)
	if err != nil {
		return err
	}

	return session.Breakpoints.Disable(session.handle, address)
}

// Kill terminates the process.
func (session *Session) Kill() (*Status, error) {
	if session.handle == nil {
		return nil, session.invalidTransition("kill")
	}

	err := session.handle.Kill()
	if err != nil {
		return nil, err
	}

	return session.finish(session.handle.LastStop()), nil
}

// Detach removes every stop point from the process and lets it run
// untraced.
func (session *Session) Detach() (*Status, error) {
	err := session.ensureStopped("detach")
	if err != nil {
		return nil, err
	}

	err = session.Breakpoints.RemoveAllSites(session.handle)
	if err != nil {
		return nil, err
	}

	err = session.Watchpoints.DisarmAll(session.handle)
	if err != nil {
		return nil, err
	}

	err = session.handle.Detach()
	if err != nil {
		return nil, err
	}

	session.Breakpoints.Reset()
	session.Watchpoints.Reset()
	session.hitBreakpoint = nil
	session.handle = nil
	session.state = Detached

	status := &Status{
		Pid:   session.pid,
		State: Detached,
	}
	session.lastStatus = status

	session.logger.Debugf("detached from process %d", session.pid)
	return status, nil
}

// Close tears the session down, killing the process if it is still traced.
func (session *Session) Close() error {
	errs := []error{}
	if session.handle != nil {
		_, err := session.Kill()
		if err != nil {
			errs = append(errs, err)
		}
	}

	if session.closer != nil {
		err := session.closer.Close()
		if err != nil {
			errs = append(errs, err)
		}
		session.closer = nil
	}

	return errors.Join(errs...)
}
