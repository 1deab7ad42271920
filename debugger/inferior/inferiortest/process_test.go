package inferiortest

import (
	"errors"
	"syscall"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"

	. "github.com/pattyshack/tdb/debugger/common"
	"github.com/pattyshack/tdb/debugger/inferior"
)

type SimulatedProcessSuite struct{}

func TestSimulatedProcess(t *testing.T) {
	suite.RunTests(t, &SimulatedProcessSuite{})
}

func (SimulatedProcessSuite) TestRunToExit(t *testing.T) {
	proc := New(0x1000)
	proc.ExitAt(0x1010, 3)

	expect.Nil(t, proc.Resume(inferior.Continue))

	event, err := proc.Wait()
	expect.Nil(t, err)
	expect.Equal(t, inferior.ExitedStop, event.Reason)
	expect.Equal(t, 3, event.ExitCode)
	expect.Equal(t, inferior.Exited, proc.State())

	err = proc.Resume(inferior.Continue)
	expect.True(t, errors.Is(err, ErrProcessNotRunning))
}

func (SimulatedProcessSuite) TestTrapAndStep(t *testing.T) {
	proc := New(0x1000)
	proc.SetMemory(0x1004, []byte{0xcc})

	expect.Nil(t, proc.Resume(inferior.Continue))
	event, err := proc.Wait()
	expect.Nil(t, err)
	expect.Equal(t, inferior.TrappedStop, event.Reason)
	expect.Equal(t, SoftwareTrap, event.TrapKind)
	expect.Equal(t, VirtualAddress(0x1005), event.ProgramCounter)

	expect.Nil(t, proc.Resume(inferior.SingleStep))
	event, err = proc.Wait()
	expect.Nil(t, err)
	expect.Equal(t, SingleStepTrap, event.TrapKind)
	expect.Equal(t, VirtualAddress(0x1006), event.ProgramCounter)
}

func (SimulatedProcessSuite) TestProtocol(t *testing.T) {
	proc := New(0x1000)

	_, err := proc.Wait()
	expect.True(t, errors.Is(err, ErrProtocolViolation))

	expect.Nil(t, proc.Resume(inferior.Continue))

	err = proc.Resume(inferior.Continue)
	expect.True(t, errors.Is(err, ErrProtocolViolation))
	expect.True(t, errors.Is(err, ErrNotStopped))

	_, err = proc.ReadRegisters()
	expect.True(t, errors.Is(err, ErrNotStopped))
}

func (SimulatedProcessSuite) TestSignalsAndUnmapped(t *testing.T) {
	proc := New(0x1000)
	proc.RaiseAt(0x1002, syscall.SIGUSR1)

	expect.Nil(t, proc.Resume(inferior.Continue))
	event, err := proc.Wait()
	expect.Nil(t, err)
	expect.Equal(t, inferior.SignaledStop, event.Reason)
	expect.Equal(t, syscall.SIGUSR1, event.Signal)

	expect.Nil(t, proc.WriteProgramCounter(0x100000))
	expect.Nil(t, proc.Resume(inferior.Continue))
	event, err = proc.Wait()
	expect.Nil(t, err)
	expect.Equal(t, syscall.SIGSEGV, event.Signal)
}

func (SimulatedProcessSuite) TestWatchedStore(t *testing.T) {
	proc := New(0x1000)
	proc.StoreAt(0x1001, 0x2008, []byte{1, 2, 3, 4})
	proc.Map(0x2000, 0x3000)

	// slot 1: 8 byte write watch on 0x2008
	regs := proc.Registers().
		WithDebugRegister(1, 0x2008).
		WithDebugRegister(7, (1<<2)|(0b01<<20)|(0b10<<22))
	proc.SetRegisters(regs)

	expect.Nil(t, proc.Resume(inferior.Continue))
	event, err := proc.Wait()
	expect.Nil(t, err)
	expect.Equal(t, inferior.HardwareTrapStop, event.Reason)
	expect.Equal(t, VirtualAddress(0x1002), event.ProgramCounter)
	expect.Equal(t, uint64(0b10), proc.Registers().DebugRegister(6))
	expect.Equal(t, byte(3), proc.PeekMemory(0x200a, 1)[0])
}
