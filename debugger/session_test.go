package debugger

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"syscall"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
	"gopkg.in/yaml.v3"

	. "github.com/pattyshack/tdb/debugger/common"
	"github.com/pattyshack/tdb/debugger/inferior"
	"github.com/pattyshack/tdb/debugger/inferior/inferiortest"
	"github.com/pattyshack/tdb/debugger/stoppoint"
)

// Symbol addresses are relative to the load address until rebased.
type fakeResolver struct {
	symbols map[string]VirtualAddress
	bias    VirtualAddress
}

func (resolver *fakeResolver) Resolve(location string) (VirtualAddress, error) {
	address, ok := resolver.symbols[location]
	if !ok {
		return 0, fmt.Errorf("%w (%s)", ErrUnknownSymbol, location)
	}
	return address + resolver.bias, nil
}

func (resolver *fakeResolver) Describe(address VirtualAddress) (string, bool) {
	for name, value := range resolver.symbols {
		if value+resolver.bias == address {
			return name, true
		}
	}
	return "", false
}

func (resolver *fakeResolver) Rebase(loadedEntryPoint VirtualAddress) error {
	resolver.bias = loadedEntryPoint
	return nil
}

type SessionSuite struct{}

func TestSession(t *testing.T) {
	suite.RunTests(t, &SessionSuite{})
}

func newSession(proc *inferiortest.Process) *Session {
	return NewSession(
		"/bin/true",
		nil,
		func(path string, args []string) (inferior.Handle, error) {
			return proc, nil
		},
		nil)
}

func (SessionSuite) TestBreakpointAtEntry(t *testing.T) {
	proc := inferiortest.New(0x1000)
	proc.SetMemory(0x1000, []byte{0x55})
	proc.ExitAt(0x1001, 3)

	session := newSession(proc)

	bp, err := session.Breakpoint("0x1000")
	expect.Nil(t, err)
	expect.NotNil(t, bp)
	expect.Equal(t, stoppoint.Uninstalled, bp.State())

	status, err := session.Run()
	expect.Nil(t, err)
	expect.Equal(t, StoppedAtBreakpoint, status.State)
	expect.Equal(t, StoppedAtBreakpoint, session.State())
	expect.Equal(t, VirtualAddress(0x1000), status.ProgramCounter)
	expect.Equal(t, bp, status.Breakpoint)
	expect.Equal(t, byte(0x55), bp.OriginalData())
	expect.Equal(t, 1, bp.HitCount())
	expect.Equal(t, 0, len(status.Dropped))
	expect.Equal(t, inferiortest.DefaultPid, session.Pid())

	state, err := session.InfoRegisters()
	expect.Nil(t, err)
	expect.Equal(t, uint64(0x1000), state.ProgramCounter())

	content, err := session.ReadMemory("0x1000", 1)
	expect.Nil(t, err)
	expect.Equal(t, byte(0x55), content[0])

	status, err = session.Continue()
	expect.Nil(t, err)
	expect.Equal(t, Exited, status.State)
	expect.Equal(t, Exited, session.State())
	expect.True(t, status.IsExit())
	expect.Equal(t, 3, status.Event.ExitCode)
	expect.Nil(t, session.Handle())

	writes := proc.MemoryWrites()
	expect.Equal(t, 3, len(writes))
	expect.Equal(t, byte(0xcc), writes[0].Data[0])
	expect.Equal(t, byte(0x55), writes[1].Data[0])
	expect.Equal(t, byte(0xcc), writes[2].Data[0])

	resumes := proc.Resumes()
	expect.Equal(t, 3, len(resumes))
	expect.Equal(t, inferior.Continue, resumes[0])
	expect.Equal(t, inferior.SingleStep, resumes[1])
	expect.Equal(t, inferior.Continue, resumes[2])

	expect.Equal(t, stoppoint.Uninstalled, bp.State())
}

func (SessionSuite) TestBreakpointOnRepeatedInstruction(t *testing.T) {
	proc := inferiortest.New(0x1000)
	proc.RepeatAt(0x1001, 3)
	proc.JumpAt(0x1002, 0x1001, 2)
	proc.ExitAt(0x1003, 0)

	session := newSession(proc)
	bp, err := session.Breakpoint("0x1001")
	expect.Nil(t, err)

	status, err := session.Run()
	expect.Nil(t, err)

	hits := 0
	for status.State == StoppedAtBreakpoint {
		hits++
		expect.Equal(t, VirtualAddress(0x1001), status.ProgramCounter)
		expect.Equal(t, hits, bp.HitCount())

		status, err = session.Continue()
		expect.Nil(t, err)
		if status.State != Exited {
			expect.Equal(t, stoppoint.Installed, bp.State())
		}
	}

	expect.Equal(t, 3, hits)
	expect.Equal(t, Exited, status.State)
	expect.Equal(t, 0, status.Event.ExitCode)
}

func (SessionSuite) TestInvalidTransitionsBeforeRun(t *testing.T) {
	session := newSession(inferiortest.New(0x1000))

	_, err := session.Continue()
	expect.Error(t, err, "cannot continue while not started")
	expect.True(t, errors.Is(err, ErrInvalidStateTransition))
	expect.Equal(t, NotStarted, session.State())

	_, err = session.StepInstruction()
	expect.True(t, errors.Is(err, ErrInvalidStateTransition))

	_, err = session.InfoRegisters()
	expect.True(t, errors.Is(err, ErrInvalidStateTransition))

	_, err = session.ReadMemory("0x1000", 4)
	expect.True(t, errors.Is(err, ErrInvalidStateTransition))

	_, err = session.Kill()
	expect.True(t, errors.Is(err, ErrInvalidStateTransition))

	_, err = session.Detach()
	expect.True(t, errors.Is(err, ErrInvalidStateTransition))

	expect.Equal(t, NotStarted, session.State())
	expect.Equal(t, "process not started", session.LastStatus().String())
}

func (SessionSuite) TestInvalidTransitionsAfterExit(t *testing.T) {
	proc := inferiortest.New(0x1000)
	proc.ExitAt(0x1004, 0)

	session := newSession(proc)

	status, err := session.Run()
	expect.Nil(t, err)
	expect.Equal(t, Exited, status.State)
	expect.Equal(t, "process 4242 exited with status: 0", status.String())

	_, err = session.Run()
	expect.Error(t, err, "cannot run while exited")
	expect.True(t, errors.Is(err, ErrInvalidStateTransition))

	_, err = session.Continue()
	expect.True(t, errors.Is(err, ErrInvalidStateTransition))

	_, err = session.InfoRegisters()
	expect.True(t, errors.Is(err, ErrInvalidStateTransition))

	_, err = session.Breakpoint("0x1000")
	expect.True(t, errors.Is(err, ErrInvalidStateTransition))

	_, err = session.Watchpoint("0x1000", 1, stoppoint.WriteMode)
	expect.True(t, errors.Is(err, ErrInvalidStateTransition))

	_, err = session.Kill()
	expect.True(t, errors.Is(err, ErrInvalidStateTransition))

	expect.Equal(t, Exited, session.State())
	expect.Equal(t, 1, len(proc.Resumes()))
}

func (SessionSuite) TestLaunchFailure(t *testing.T) {
	proc := inferiortest.New(0x1000)
	proc.ExitAt(0x1000, 7)

	attempts := 0
	session := NewSession(
		"/no/such/program",
		nil,
		func(path string, args []string) (inferior.Handle, error) {
			attempts += 1
			if attempts == 1 {
				return nil, errors.New("no such file or directory")
			}
			return proc, nil
		},
		nil)

	_, err := session.Run()
	expect.Error(t, err, "no such file or directory")
	expect.True(t, errors.Is(err, ErrLaunch))
	expect.Equal(t, NotStarted, session.State())
	expect.Equal(t, 0, session.Pid())

	status, err := session.Run()
	expect.Nil(t, err)
	expect.Equal(t, Exited, status.State)
	expect.Equal(t, 7, status.Event.ExitCode)
}

func (SessionSuite) TestRepeatedBreakpointHits(t *testing.T) {
	proc := inferiortest.New(0x1000)
	proc.SetMemory(0x1002, []byte{0x55})
	proc.SetMemory(0x1005, []byte{0x41})
	proc.ExitAt(0x1008, 0)

	session := newSession(proc)

	first, err := session.Breakpoint("0x1002")
	expect.Nil(t, err)

	second, err := session.Breakpoint("0x1005")
	expect.Nil(t, err)

	_, err = session.Breakpoint("0x1005")
	expect.True(t, errors.Is(err, ErrDuplicateBreakpoint))

	status, err := session.Run()
	expect.Nil(t, err)
	expect.Equal(t, first, status.Breakpoint)

	// The other installed breakpoint is masked in memory reads.
	content, err := session.ReadMemory("0x1002", 4)
	expect.Nil(t, err)
	expect.Equal(t, byte(0x55), content[0])
	expect.Equal(t, byte(0x41), content[3])
	expect.Equal(t, byte(0xcc), proc.PeekMemory(0x1005, 1)[0])

	status, err = session.Continue()
	expect.Nil(t, err)
	expect.Equal(t, StoppedAtBreakpoint, status.State)
	expect.Equal(t, second, status.Breakpoint)
	expect.Equal(t, VirtualAddress(0x1005), status.ProgramCounter)
	expect.Equal(t, byte(0xcc), proc.PeekMemory(0x1002, 1)[0])

	status, err = session.Continue()
	expect.Nil(t, err)
	expect.Equal(t, Exited, status.State)

	expect.Equal(t, 1, first.HitCount())
	expect.Equal(t, 1, second.HitCount())
}

func (SessionSuite) TestStepInstruction(t *testing.T) {
	proc := inferiortest.New(0x1000)
	proc.SetMemory(0x1002, []byte{0x55})

	session := newSession(proc)

	_, err := session.Breakpoint("0x1002")
	expect.Nil(t, err)

	status, err := session.Run()
	expect.Nil(t, err)
	expect.Equal(t, StoppedAtBreakpoint, status.State)

	status, err = session.StepInstruction()
	expect.Nil(t, err)
	expect.Equal(t, StoppedAtStep, status.State)
	expect.Equal(t, VirtualAddress(0x1003), status.ProgramCounter)
	expect.Nil(t, status.Breakpoint)
	expect.Equal(t, byte(0xcc), proc.PeekMemory(0x1002, 1)[0])

	status, err = session.StepInstruction()
	expect.Nil(t, err)
	expect.Equal(t, StoppedAtStep, status.State)
	expect.Equal(t, VirtualAddress(0x1004), status.ProgramCounter)

	resumes := proc.Resumes()
	expect.Equal(t, 3, len(resumes))
	expect.Equal(t, inferior.Continue, resumes[0])
	expect.Equal(t, inferior.SingleStep, resumes[1])
	expect.Equal(t, inferior.SingleStep, resumes[2])

	instructions, err := session.Disassemble("", 2)
	expect.Nil(t, err)
	expect.Equal(t, 2, len(instructions))
	expect.Equal(t, VirtualAddress(0x1004), instructions[0].Address)
	expect.Equal(t, VirtualAddress(0x1005), instructions[1].Address)
}

func (SessionSuite) TestWatchpointStop(t *testing.T) {
	proc := inferiortest.New(0x1000)
	proc.Map(0x8000, 0x9000)
	proc.SetMemory(0x8000, make([]byte, 0x1000))
	proc.StoreAt(0x1002, 0x8004, []byte{1, 0, 0, 0})
	proc.ExitAt(0x1006, 0)

	session := newSession(proc)

	_, err := session.Watchpoint("0x8001", 4, stoppoint.WriteMode)
	expect.True(t, errors.Is(err, ErrInvalidArgument))

	wp, err := session.Watchpoint("0x8004", 4, stoppoint.WriteMode)
	expect.Nil(t, err)
	expect.False(t, wp.IsArmed())

	status, err := session.Run()
	expect.Nil(t, err)
	expect.Equal(t, StoppedAtWatchpoint, status.State)
	expect.Equal(t, wp, status.Watchpoint)
	expect.Equal(t, VirtualAddress(0x1003), status.ProgramCounter)
	expect.True(t, bytes.Equal([]byte{1, 0, 0, 0}, wp.Data()))
	expect.True(t, bytes.Equal([]byte{0, 0, 0, 0}, wp.PreviousData()))

	text := status.String()
	expect.True(t, strings.Contains(text, "watchpoint (id="))
	expect.True(t, strings.Contains(
		text,
		"triggered: 0x0000000000008004 "+
			"(data: 0x01 0x00 0x00 0x00 ; previous: 0x00 0x00 0x00 0x00)"))

	status, err = session.Continue()
	expect.Nil(t, err)
	expect.Equal(t, Exited, status.State)
}

func (SessionSuite) TestSignalStop(t *testing.T) {
	proc := inferiortest.New(0x1000)
	proc.RaiseAt(0x1001, syscall.SIGUSR1)
	proc.ExitAt(0x1003, 0)

	session := newSession(proc)

	status, err := session.Run()
	expect.Nil(t, err)
	expect.Equal(t, StoppedAtSignal, status.State)
	expect.Equal(t, syscall.SIGUSR1, status.Event.Signal)
	expect.Equal(t, VirtualAddress(0x1001), status.ProgramCounter)
	expect.True(t, strings.HasPrefix(
		status.String(),
		"process 4242 stopped\n  at: 0x0000000000001001\n  with signal: "))

	status, err = session.Continue()
	expect.Nil(t, err)
	expect.Equal(t, Exited, status.State)
}

func (SessionSuite) TestSymbolicBreakpoints(t *testing.T) {
	proc := inferiortest.New(0x1000)
	proc.ExitAt(0x1010, 0)

	resolver := &fakeResolver{
		symbols: map[string]VirtualAddress{
			"main":     0x4,
			"unmapped": 0x20000,
		},
	}

	session := NewSession(
		"/bin/true",
		nil,
		func(path string, args []string) (inferior.Handle, error) {
			return proc, nil
		},
		resolver)

	bp, err := session.Breakpoint("main")
	expect.Nil(t, err)
	expect.Nil(t, bp)

	_, err = session.Breakpoint("main")
	expect.True(t, errors.Is(err, ErrDuplicateBreakpoint))

	_, err = session.Breakpoint("missing")
	expect.True(t, errors.Is(err, ErrUnknownSymbol))

	_, err = session.Breakpoint("unmapped")
	expect.Nil(t, err)

	expect.Equal(t, "main,unmapped", strings.Join(session.PendingBreakpoints(), ","))

	status, err := session.Run()
	expect.Nil(t, err)
	expect.Equal(t, StoppedAtBreakpoint, status.State)
	expect.Equal(t, VirtualAddress(0x1004), status.ProgramCounter)
	expect.Equal(t, "main", status.Location)
	expect.Equal(t, "main", status.Breakpoint.Location())
	expect.Equal(t, 1, len(status.Dropped))
	expect.True(t, strings.Contains(status.Dropped[0], "dropped breakpoint"))
	expect.Equal(t, 0, len(session.PendingBreakpoints()))
	expect.Equal(t, 1, len(session.Breakpoints.List()))

	out, err := yaml.Marshal(status)
	expect.Nil(t, err)
	expect.True(t, strings.Contains(string(out), "state: stopped at breakpoint"))
	expect.True(t, strings.Contains(string(out), "location: main"))
	expect.True(t, strings.Contains(string(out), "dropped:"))
}

func (SessionSuite) TestPendingWatchpointSlots(t *testing.T) {
	resolver := &fakeResolver{
		symbols: map[string]VirtualAddress{
			"a": 0x7000,
			"b": 0x7008,
		},
	}

	session := NewSession("/bin/true", nil, nil, resolver)

	wp, err := session.Watchpoint("a", 8, stoppoint.WriteMode)
	expect.Nil(t, err)
	expect.Nil(t, wp)

	_, err = session.Watchpoint("b", 8, stoppoint.ReadWriteMode)
	expect.Nil(t, err)

	_, err = session.Watchpoint("0x8000", 4, stoppoint.WriteMode)
	expect.Nil(t, err)

	_, err = session.Watchpoint("0x8008", 2, stoppoint.WriteMode)
	expect.Nil(t, err)

	_, err = session.Watchpoint("0x8010", 1, stoppoint.WriteMode)
	expect.True(t, errors.Is(err, ErrNoFreeSlot))

	err = session.DeletePendingWatchpoint("b")
	expect.Nil(t, err)
	expect.Equal(t, 1, len(session.PendingWatchpoints()))

	_, err = session.Watchpoint("0x8010", 1, stoppoint.WriteMode)
	expect.Nil(t, err)

	err = session.DeletePendingWatchpoint("b")
	expect.True(t, errors.Is(err, ErrInvalidArgument))
}

func (SessionSuite) TestWriteProgramCounterAtBreakpoint(t *testing.T) {
	proc := inferiortest.New(0x1000)
	proc.SetMemory(0x1002, []byte{0x55})
	proc.ExitAt(0x1003, 1)
	proc.ExitAt(0x1009, 5)

	session := newSession(proc)

	_, err := session.Breakpoint("0x1002")
	expect.Nil(t, err)

	_, err = session.Run()
	expect.Nil(t, err)

	err = session.WriteRegister("rip", "0x1008")
	expect.Nil(t, err)

	_, value, err := session.ReadRegister("rip")
	expect.Nil(t, err)
	expect.Equal(t, uint64(0x1008), value.ToUint64())

	err = session.WriteRegister("bogus", "1")
	expect.True(t, errors.Is(err, ErrInvalidArgument))

	status, err := session.Continue()
	expect.Nil(t, err)
	expect.Equal(t, 5, status.Event.ExitCode)
	expect.Equal(t, byte(0xcc), proc.PeekMemory(0x1002, 1)[0])
}

func (SessionSuite) TestDisableAndDelete(t *testing.T) {
	proc := inferiortest.New(0x1000)
	proc.SetMemory(0x1002, []byte{0x55})
	proc.ExitAt(0x1010, 0)

	session := newSession(proc)

	_, err := session.Breakpoint("0x1002")
	expect.Nil(t, err)

	_, err = session.Breakpoint("0x1006")
	expect.Nil(t, err)

	err = session.DisableBreakpoint("0x1006")
	expect.Nil(t, err)

	_, err = session.Run()
	expect.Nil(t, err)
	expect.Equal(t, byte(0x90), proc.PeekMemory(0x1006, 1)[0])

	err = session.DeleteBreakpoint("0x1002")
	expect.Nil(t, err)

	err = session.DeleteBreakpoint("0x1002")
	expect.True(t, errors.Is(err, ErrNoBreakpointAtAddress))

	status, err := session.Continue()
	expect.Nil(t, err)
	expect.Equal(t, Exited, status.State)
	expect.Equal(t, byte(0x55), proc.PeekMemory(0x1002, 1)[0])

	// continue took no step since the breakpoint under pc was deleted.
	expect.Equal(t, 2, len(proc.Resumes()))
}

func (SessionSuite) TestKill(t *testing.T) {
	proc := inferiortest.New(0x1000)

	session := newSession(proc)

	_, err := session.Breakpoint("0x1004")
	expect.Nil(t, err)

	_, err = session.Run()
	expect.Nil(t, err)

	status, err := session.Kill()
	expect.Nil(t, err)
	expect.Equal(t, Exited, status.State)
	expect.Equal(t, inferior.TerminatedStop, status.Event.Reason)
	expect.Equal(
		t,
		"process 4242 terminated with signal: killed",
		status.String())
	expect.Equal(t, inferior.Exited, proc.State())

	err = session.Close()
	expect.Nil(t, err)
}

func (SessionSuite) TestDetach(t *testing.T) {
	proc := inferiortest.New(0x1000)
	proc.SetMemory(0x1002, []byte{0x55})
	proc.SetMemory(0x1004, []byte{0x56})

	session := newSession(proc)

	_, err := session.Breakpoint("0x1002")
	expect.Nil(t, err)

	_, err = session.Breakpoint("0x1004")
	expect.Nil(t, err)

	_, err = session.Run()
	expect.Nil(t, err)

	wp, err := session.Watchpoint("0x2000", 4, stoppoint.WriteMode)
	expect.Nil(t, err)
	expect.True(t, wp.IsArmed())

	status, err := session.Detach()
	expect.Nil(t, err)
	expect.Equal(t, Detached, status.State)
	expect.Equal(t, "process 4242 detached", status.String())
	expect.Equal(t, inferior.Detached, proc.State())
	expect.Equal(t, byte(0x55), proc.PeekMemory(0x1002, 1)[0])
	expect.Equal(t, byte(0x56), proc.PeekMemory(0x1004, 1)[0])
	expect.Equal(t, uint64(0), proc.Registers().DebugRegister(7))

	// records stay listed after detaching
	expect.Equal(t, 2, len(session.Breakpoints.List()))
	expect.Equal(t, 1, len(session.Watchpoints.List()))
	expect.False(t, wp.IsArmed())

	_, err = session.Continue()
	expect.True(t, errors.Is(err, ErrInvalidStateTransition))

	err = session.Close()
	expect.Nil(t, err)
}
