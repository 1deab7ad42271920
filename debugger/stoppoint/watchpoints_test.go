package stoppoint

import (
	"errors"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"

	. "github.com/pattyshack/tdb/debugger/common"
	"github.com/pattyshack/tdb/debugger/inferior"
	"github.com/pattyshack/tdb/debugger/inferior/inferiortest"
)

const (
	dataLow  = VirtualAddress(0x8000)
	dataHigh = VirtualAddress(0x9000)
)

type WatchpointSuite struct{}

func TestWatchpoints(t *testing.T) {
	suite.RunTests(t, &WatchpointSuite{})
}

func newDataProcess() *inferiortest.Process {
	proc := inferiortest.New(0x1000)
	proc.Map(dataLow, dataHigh)
	proc.SetMemory(dataLow, make([]byte, dataHigh-dataLow))
	return proc
}

func (WatchpointSuite) TestInstallProgramsSlot(t *testing.T) {
	proc := newDataProcess()
	proc.SetMemory(dataLow, []byte{1, 2, 3, 4})

	engine := NewWatchpointEngine()
	wp, err := engine.Install(proc, dataLow, 4, WriteMode, "counter")
	expect.Nil(t, err)
	expect.Equal(t, 0, wp.Slot())
	expect.True(t, wp.IsArmed())
	expect.Equal(t, "\x01\x02\x03\x04", string(wp.Data()))

	regs := proc.Registers()
	expect.Equal(t, uint64(dataLow), regs.DebugRegister(0))

	// enabled, write condition (01), 4 byte length (11)
	expect.Equal(t, uint64(0b1101_0000_0000_0000_0001), regs.DebugRegister(7))
}

func (WatchpointSuite) TestFifthWatchpointRejected(t *testing.T) {
	proc := newDataProcess()
	engine := NewWatchpointEngine()

	wps := []*Watchpoint{}
	for i := 0; i < NumDebugRegisterSlots; i++ {
		address := dataLow + VirtualAddress(8*i)
		wp, err := engine.Install(proc, address, 8, WriteMode, address.String())
		expect.Nil(t, err)
		expect.Equal(t, i, wp.Slot())
		wps = append(wps, wp)

		// instruction at 0x1001 + i stores into the i-th watched word
		proc.StoreAt(
			0x1001+VirtualAddress(i),
			address,
			[]byte{byte(i + 1), 0, 0, 0, 0, 0, 0, 0})
	}

	_, err := engine.Install(proc, dataLow+0x100, 8, WriteMode, "fifth")
	expect.True(t, errors.Is(err, ErrNoFreeSlot))
	expect.Equal(t, NumDebugRegisterSlots, len(engine.List()))

	proc.ExitAt(0x1010, 0)

	for i, expected := range wps {
		err := proc.Resume(inferior.Continue)
		expect.Nil(t, err)

		event, err := proc.Wait()
		expect.Nil(t, err)
		expect.Equal(t, inferior.HardwareTrapStop, event.Reason)
		expect.Equal(t, HardwareTrap, event.TrapKind)

		wp, err := engine.OnHardwareTrap(proc)
		expect.Nil(t, err)
		expect.Equal(t, expected, wp)
		expect.Equal(t, 1, wp.HitCount())
		expect.Equal(t, byte(i+1), wp.Data()[0])
		expect.Equal(t, byte(0), wp.PreviousData()[0])

		regs := proc.Registers()
		expect.Equal(t, uint64(0), regs.DebugRegister(6)&0xf)
	}

	err = proc.Resume(inferior.Continue)
	expect.Nil(t, err)
	event, err := proc.Wait()
	expect.Nil(t, err)
	expect.Equal(t, inferior.ExitedStop, event.Reason)
}

func (WatchpointSuite) TestSlotReuseAfterRemove(t *testing.T) {
	proc := newDataProcess()
	engine := NewWatchpointEngine()

	ids := []uint64{}
	for i := 0; i < NumDebugRegisterSlots; i++ {
		wp, err := engine.Install(
			proc,
			dataLow+VirtualAddress(8*i),
			8,
			ReadWriteMode,
			"")
		expect.Nil(t, err)
		ids = append(ids, wp.Id())
	}

	err := engine.Remove(proc, ids[2])
	expect.Nil(t, err)

	wp, err := engine.Install(proc, dataLow+0x100, 2, WriteMode, "")
	expect.Nil(t, err)
	expect.Equal(t, 2, wp.Slot())

	err = engine.Remove(proc, ids[2])
	expect.True(t, errors.Is(err, ErrInvalidArgument))
}

func (WatchpointSuite) TestReadModifyWritePreservesOtherBits(t *testing.T) {
	proc := newDataProcess()

	// slot 3 owned by someone else: enabled, read/write, 8 bytes
	foreign := uint64(1)<<6 | uint64(0b10_11)<<28
	proc.SetRegisters(
		proc.Registers().
			WithDebugRegister(3, 0x7000).
			WithDebugRegister(7, foreign))

	engine := NewWatchpointEngine()
	wp, err := engine.Install(proc, dataLow, 1, ReadWriteMode, "")
	expect.Nil(t, err)
	expect.Equal(t, 0, wp.Slot())

	control := proc.Registers().DebugRegister(7)
	expect.Equal(t, foreign, control&slotControlMask(3))
	expect.True(t, isSlotEnabled(control, 0))
	expect.Equal(t, uint64(0b0011)<<16, control&(uint64(0b1111)<<16))

	err = engine.Remove(proc, wp.Id())
	expect.Nil(t, err)

	regs := proc.Registers()
	expect.Equal(t, foreign, regs.DebugRegister(7))
	expect.Equal(t, uint64(0), regs.DebugRegister(0))
	expect.Equal(t, uint64(0x7000), regs.DebugRegister(3))
}

func (WatchpointSuite) TestInvalidRequests(t *testing.T) {
	proc := newDataProcess()
	engine := NewWatchpointEngine()

	_, err := engine.Install(proc, dataLow+1, 4, WriteMode, "")
	expect.Error(t, err, "not aligned")
	expect.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = engine.Install(proc, dataLow+2, 8, WriteMode, "")
	expect.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = engine.Install(proc, dataLow, 3, WriteMode, "")
	expect.Error(t, err, "invalid watch size")

	_, err = engine.Install(proc, dataLow, 4, WatchMode("execute"), "")
	expect.Error(t, err, "invalid watch mode")

	expect.Equal(t, 0, len(engine.List()))
	expect.Equal(t, uint64(0), proc.Registers().DebugRegister(7))

	// the address is fine for a one byte watch
	_, err = engine.Install(proc, dataLow+1, 1, WriteMode, "")
	expect.Nil(t, err)
}

func (WatchpointSuite) TestPendingInstall(t *testing.T) {
	engine := NewWatchpointEngine()

	wp, err := engine.Install(nil, dataLow, 8, WriteMode, "early")
	expect.Nil(t, err)
	expect.False(t, wp.IsArmed())

	unmapped, err := engine.Install(nil, 0x100000, 8, WriteMode, "unmapped")
	expect.Nil(t, err)

	proc := newDataProcess()
	err = engine.InstallPending(proc)
	expect.NotNil(t, err)

	expect.True(t, wp.IsArmed())
	expect.True(t, isSlotEnabled(proc.Registers().DebugRegister(7), wp.Slot()))

	_, ok := engine.Get(unmapped.Id())
	expect.False(t, ok)
	expect.Equal(t, 1, len(engine.List()))
}

func (WatchpointSuite) TestNoWatchpointTriggered(t *testing.T) {
	proc := newDataProcess()
	engine := NewWatchpointEngine()

	_, err := engine.OnHardwareTrap(proc)
	expect.True(t, errors.Is(err, ErrNoWatchpointTriggered))

	// a status bit for a slot this engine does not own
	proc.SetRegisters(proc.Registers().WithDebugRegister(6, 0b0100))
	_, err = engine.OnHardwareTrap(proc)
	expect.True(t, errors.Is(err, ErrNoWatchpointTriggered))
	expect.Equal(t, uint64(0), proc.Registers().DebugRegister(6))
}

func (WatchpointSuite) TestResetAndDisarmAll(t *testing.T) {
	proc := newDataProcess()
	engine := NewWatchpointEngine()

	first, err := engine.Install(proc, dataLow, 4, WriteMode, "")
	expect.Nil(t, err)
	second, err := engine.Install(proc, dataLow+8, 4, WriteMode, "")
	expect.Nil(t, err)

	err = engine.DisarmAll(proc)
	expect.Nil(t, err)
	expect.Equal(t, 2, len(engine.List()))
	expect.Equal(t, uint64(0), proc.Registers().DebugRegister(7))
	expect.Equal(t, uint64(0), proc.Registers().DebugRegister(first.Slot()))
	expect.False(t, first.IsArmed())
	expect.False(t, second.IsArmed())

	err = engine.Remove(proc, first.Id())
	expect.Nil(t, err)
	err = engine.Remove(proc, second.Id())
	expect.Nil(t, err)
	expect.Equal(t, 0, len(engine.List()))

	third, err := engine.Install(proc, dataLow, 4, WriteMode, "")
	expect.Nil(t, err)

	engine.Reset()
	expect.False(t, third.IsArmed())
	expect.Equal(t, 1, len(engine.List()))
}
