package inferior

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"

	. "github.com/pattyshack/tdb/debugger/common"
	"github.com/pattyshack/tdb/debugger/memory"
	"github.com/pattyshack/tdb/debugger/registers"
	"github.com/pattyshack/tdb/logflags"
	"github.com/pattyshack/tdb/procfs"
	"github.com/pattyshack/tdb/ptrace"
)

type LaunchOptions struct {
	Dir string
	Env []string // nil inherits the debugger's environment

	// Launch with address space randomization disabled.
	DisableASLR bool

	// Re-deliver the signal that caused a SignaledStop on the next resume.
	// The interrupt forwarded from the debugger's terminal is never
	// re-delivered.
	PassSignals bool

	// Run the process on a fresh pseudo terminal (see Process.Terminal)
	// instead of the std streams below.
	TTY bool

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

type Process struct {
	pid     int
	path    string
	options LaunchOptions

	tracer    *ptrace.Tracer
	registers *registers.Registers
	memory    *memory.VirtualMemory
	signaler  *Signaler

	// pseudo terminal master.  nil unless launched with TTY.
	terminal *os.File

	state    State
	lastStop *StopEvent

	logger *logrus.Entry
}

var _ Handle = &Process{}

// Launch starts path under trace and returns once the process is stopped at
// the post-exec trap, before its first instruction runs.  Every failure wraps
// ErrLaunch.
func Launch(
	path string,
	args []string,
	options LaunchOptions,
) (
	*Process,
	error,
) {
	logger := logflags.InferiorLogger()

	cmd := exec.Command(path, args...)
	cmd.Dir = options.Dir
	cmd.Env = options.Env

	var terminal *os.File
	if options.TTY {
		ptmx, tty, err := pty.Open()
		if err != nil {
			return nil, fmt.Errorf(
				"%w (%s). cannot allocate pseudo terminal: %w",
				ErrLaunch,
				path,
				err)
		}
		defer tty.Close()

		terminal = ptmx
		cmd.Stdin = tty
		cmd.Stdout = tty
		cmd.Stderr = tty
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Setsid:  true,
			Setctty: true,
			Ctty:    0,
		}
	} else {
		cmd.Stdin = options.Stdin
		cmd.Stdout = options.Stdout
		cmd.Stderr = options.Stderr
	}

	tracer, err := ptrace.StartAndAttachToProcess(cmd, options.DisableASLR)
	if err != nil {
		if terminal != nil {
			_ = terminal.Close()
		}
		return nil, fmt.Errorf("%w (%s): %w", ErrLaunch, path, err)
	}

	proc := &Process{
		pid:       tracer.Pid,
		path:      path,
		options:   options,
		tracer:    tracer,
		registers: registers.New(tracer),
		memory:    memory.New(tracer),
		terminal:  terminal,
		state:     Running, // until the post-exec trap is consumed
		logger:    logger.WithField("pid", tracer.Pid),
	}
	proc.signaler = NewSignaler(proc.pid, proc.logger)

	event, err := proc.Wait()
	if err != nil {
		_ = proc.Close()
		return nil, fmt.Errorf("%w (%s): %w", ErrLaunch, path, err)
	}

	if event.IsExit() || event.Signal != syscall.SIGTRAP {
		_ = proc.Close()
		return nil, fmt.Errorf(
			"%w (%s). unexpected initial stop: %s",
			ErrLaunch,
			path,
			event)
	}

	err = tracer.SetOptions(ptrace.O_EXITKILL)
	if err != nil {
		_ = proc.Close()
		return nil, fmt.Errorf("%w (%s): %w", ErrLaunch, path, err)
	}

	proc.signaler.ForwardInterruptToProcess()

	proc.logger.Infof("launched %s (entry stop at %s)", path, event.ProgramCounter)
	return proc, nil
}

func (proc *Process) Pid() int {
	return proc.pid
}

func (proc *Process) State() State {
	return proc.state
}

func (proc *Process) LastStop() *StopEvent {
	return proc.lastStop
}

// The pseudo terminal master when launched with TTY, nil otherwise.  The
// process' output can be read from it and its input written to it.
func (proc *Process) Terminal() *os.File {
	return proc.terminal
}

func (proc *Process) ensureStopped(operation string) error {
	switch proc.state {
	case Stopped:
		return nil
	case Running:
		return fmt.Errorf(
			"%w. cannot %s process %d",
			ErrNotStopped,
			operation,
			proc.pid)
	default:
		return fmt.Errorf(
			"%w. cannot %s process %d (%s)",
			ErrProcessNotRunning,
			operation,
			proc.pid,
			proc.state)
	}
}

func (proc *Process) pendingSignal() int {
	if !proc.options.PassSignals ||
		proc.lastStop == nil ||
		proc.lastStop.Reason != SignaledStop ||
		proc.lastStop.Signal == syscall.SIGINT {

		return 0
	}

	return int(proc.lastStop.Signal)
}

func (proc *Process) Resume(mode ResumeMode) error {
	switch proc.state {
	case Stopped:
	case Running:
		err := fmt.Errorf(
			"%w: %w. process %d resumed without an intervening wait",
			ErrProtocolViolation,
			ErrNotStopped,
			proc.pid)
		proc.logger.Error(err)
		return err
	default:
		return fmt.Errorf(
			"%w. cannot resume process %d (%s)",
			ErrProcessNotRunning,
			proc.pid,
			proc.state)
	}

	signal := proc.pendingSignal()

	var err error
	switch mode {
	case Continue:
		err = proc.tracer.Resume(signal)
	case SingleStep:
		err = proc.tracer.SingleStep(signal)
	default:
		return fmt.Errorf("%w. unknown resume mode (%s)", ErrInvalidArgument, mode)
	}

	if err != nil {
		return err
	}

	proc.logger.Debugf("resumed (%s, signal=%d)", mode, signal)
	proc.state = Running
	return nil
}

func (proc *Process) Wait() (*StopEvent, error) {
	switch proc.state {
	case Running:
	case Stopped:
		err := fmt.Errorf(
			"%w. wait on process %d without a pending resume",
			ErrProtocolViolation,
			proc.pid)
		proc.logger.Error(err)
		return nil, err
	default:
		return nil, fmt.Errorf(
			"%w. cannot wait on process %d (%s)",
			ErrProcessNotRunning,
			proc.pid,
			proc.state)
	}

	status, err := proc.signaler.FromProcess()
	if err != nil {
		return nil, err
	}

	pc := VirtualAddress(0)
	code := int32(0)
	if status.Stopped() {
		pc, err = proc.registers.GetProgramCounter()
		if err != nil {
			return nil, err
		}

		if status.StopSignal() == syscall.SIGTRAP {
			info, err := proc.tracer.GetSigInfo()
			if err != nil {
				return nil, err
			}
			code = info.Code
		}
	}

	event := classify(status, pc, code)
	proc.lastStop = event
	proc.logger.Debugf("stopped: %s", event)

	if event.IsExit() {
		proc.release(Exited)
	} else {
		proc.state = Stopped
	}

	return event, nil
}

// The pseudo terminal outlives the process so that buffered output can still
// be drained; it is closed by Close.
func (proc *Process) release(state State) {
	proc.state = state
	_ = proc.signaler.Close()
	_ = proc.tracer.Close()
}

// Close kills the process (if still live) and releases the pseudo terminal.
func (proc *Process) Close() error {
	err := proc.Kill()

	if proc.terminal != nil {
		closeErr := proc.terminal.Close()
		if err == nil {
			err = closeErr
		}
		proc.terminal = nil
	}

	return err
}

// Kill terminates and reaps the process.  Killing a process which is no
// longer live is a no-op.
func (proc *Process) Kill() error {
	if !proc.state.Live() {
		return nil
	}

	err := proc.signaler.KillToProcess()
	if err != nil {
		return err
	}

	// Intermediate stops may be queued ahead of the termination.
	for {
		status, err := proc.signaler.FromProcess()
		if err != nil {
			return err
		}

		if status.Exited() || status.Signaled() {
			proc.lastStop = classify(status, 0, 0)
			break
		}
	}

	proc.logger.Info("killed")
	proc.release(Exited)
	return nil
}

// Detach releases the process from trace and lets it run freely.  A running
// process is stopped first.  Detaching a process which is no longer live is a
// no-op.
func (proc *Process) Detach() error {
	if !proc.state.Live() {
		return nil
	}

	if proc.state == Running {
		err := proc.signaler.StopToProcess()
		if err != nil {
			return err
		}

		for proc.state == Running {
			event, err := proc.Wait()
			if err != nil {
				return err
			}

			if event.IsExit() {
				return nil
			}

			if event.Reason == SignaledStop && event.Signal == syscall.SIGSTOP {
				break
			}

			err = proc.Resume(Continue)
			if err != nil {
				return err
			}
		}
	}

	err := proc.tracer.Detach()
	if err != nil {
		return err
	}

	proc.logger.Info("detached")
	proc.release(Detached)
	return nil
}

func (proc *Process) ReadRegisters() (registers.State, error) {
	err := proc.ensureStopped("read registers of")
	if err != nil {
		return registers.State{}, err
	}

	return proc.registers.GetState()
}

func (proc *Process) WriteRegisters(state registers.State) error {
	err := proc.ensureStopped("write registers of")
	if err != nil {
		return err
	}

	return proc.registers.SetState(state)
}

func (proc *Process) ReadProgramCounter() (VirtualAddress, error) {
	err := proc.ensureStopped("read program counter of")
	if err != nil {
		return 0, err
	}

	return proc.registers.GetProgramCounter()
}

func (proc *Process) WriteProgramCounter(address VirtualAddress) error {
	err := proc.ensureStopped("write program counter of")
	if err != nil {
		return err
	}

	return proc.registers.SetProgramCounter(address)
}

func (proc *Process) ReadMemory(addr VirtualAddress, out []byte) (int, error) {
	err := proc.ensureStopped("read memory of")
	if err != nil {
		return 0, err
	}

	return proc.memory.Read(addr, out)
}

func (proc *Process) WriteMemory(addr VirtualAddress, data []byte) (int, error) {
	err := proc.ensureStopped("write memory of")
	if err != nil {
		return 0, err
	}

	return proc.memory.Write(addr, data)
}

func (proc *Process) IsMapped(addr VirtualAddress) (bool, error) {
	if !proc.state.Live() {
		return false, fmt.Errorf(
			"%w. cannot inspect mappings of process %d (%s)",
			ErrProcessNotRunning,
			proc.pid,
			proc.state)
	}

	regions, err := procfs.GetMappedMemoryRegions(proc.pid)
	if err != nil {
		return false, err
	}

	_, ok := regions.Find(uint64(addr))
	return ok, nil
}

func (proc *Process) EntryPoint() (VirtualAddress, error) {
	if !proc.state.Live() {
		return 0, fmt.Errorf(
			"%w. cannot inspect auxiliary vector of process %d (%s)",
			ErrProcessNotRunning,
			proc.pid,
			proc.state)
	}

	entry, err := procfs.GetEntryPoint(proc.pid)
	if err != nil {
		return 0, err
	}

	return VirtualAddress(entry), nil
}
