// Package inferiortest provides an in-memory inferior.Handle which simulates
// just enough of an x64 tracee for stop point and session tests.
//
// Every mapped address holds a one byte instruction.  Unwritten bytes are
// nops.  0xcc traps with the program counter advanced past it.  Scripted
// instructions may store data (triggering enabled debug register slots the
// way the hardware would), raise a signal, repeat in place, jump, or exit the
// process.
package inferiortest

import (
	"fmt"
	"syscall"

	. "github.com/pattyshack/tdb/debugger/common"
	"github.com/pattyshack/tdb/debugger/inferior"
	"github.com/pattyshack/tdb/debugger/registers"
)

const (
	DefaultPid = 4242

	int3 = byte(0xcc)
	nop  = byte(0x90)

	// Guards against scripts without an exit.
	maxInstructionsPerResume = 1 << 20
)

type addressRange struct {
	low  VirtualAddress
	high VirtualAddress
}

type store struct {
	address VirtualAddress
	data    []byte
}

// Repeats execute count times without advancing the program counter, the
// way a rep prefixed instruction does.
type repeat struct {
	count    int
	progress int
}

type jump struct {
	target    VirtualAddress
	remaining int
}

type MemoryWrite struct {
	Address VirtualAddress
	Data    []byte
}

type Process struct {
	pid   int
	state inferior.State

	lastStop *inferior.StopEvent

	regs   registers.State
	memory map[VirtualAddress]byte
	mapped []addressRange
	entry  VirtualAddress

	exits   map[VirtualAddress]int
	stores  map[VirtualAddress]store
	signals map[VirtualAddress]syscall.Signal
	repeats map[VirtualAddress]*repeat
	jumps   map[VirtualAddress]*jump

	pendingMode inferior.ResumeMode

	resumes []inferior.ResumeMode
	writes  []MemoryWrite
}

var _ inferior.Handle = &Process{}

// New returns a process stopped at its post-exec trap with the program
// counter at entry.  [entry, entry + 0x10000) is mapped.
func New(entry VirtualAddress) *Process {
	proc := &Process{
		pid:     DefaultPid,
		state:   inferior.Stopped,
		memory:  map[VirtualAddress]byte{},
		entry:   entry,
		exits:   map[VirtualAddress]int{},
		stores:  map[VirtualAddress]store{},
		signals: map[VirtualAddress]syscall.Signal{},
		repeats: map[VirtualAddress]*repeat{},
		jumps:   map[VirtualAddress]*jump{},
	}

	proc.Map(entry, entry+0x10000)
	proc.regs = proc.regs.WithProgramCounter(uint64(entry))
	proc.lastStop = &inferior.StopEvent{
		Reason:         inferior.TrappedStop,
		Signal:         syscall.SIGTRAP,
		ProgramCounter: entry,
	}

	return proc
}

func (proc *Process) Map(low VirtualAddress, high VirtualAddress) {
	proc.mapped = append(proc.mapped, addressRange{low: low, high: high})
}

// SetMemory writes directly into the simulated address space.  The write is
// not recorded in MemoryWrites.
func (proc *Process) SetMemory(addr VirtualAddress, data []byte) {
	for idx, b := range data {
		proc.memory[addr+VirtualAddress(idx)] = b
	}
}

// PeekMemory reads the raw simulated memory (including any 0xcc patches).
func (proc *Process) PeekMemory(addr VirtualAddress, size int) []byte {
	result := make([]byte, size)
	for idx := range result {
		result[idx] = proc.byteAt(addr + VirtualAddress(idx))
	}
	return result
}

// ExitAt makes the instruction at pc terminate the process with code.
func (proc *Process) ExitAt(pc VirtualAddress, code int) {
	proc.exits[pc] = code
}

// StoreAt makes the instruction at pc write data to address.
func (proc *Process) StoreAt(pc VirtualAddress, address VirtualAddress, data []byte) {
	proc.stores[pc] = store{
		address: address,
		data:    data,
	}
}

// RaiseAt makes the instruction at pc raise signal, once.
func (proc *Process) RaiseAt(pc VirtualAddress, signal syscall.Signal) {
	proc.signals[pc] = signal
}

// RepeatAt makes the instruction at pc execute count iterations before the
// program counter moves past it.  Every single step completes one iteration.
func (proc *Process) RepeatAt(pc VirtualAddress, count int) {
	proc.repeats[pc] = &repeat{count: count}
}

// JumpAt makes the instruction at pc branch to target the first times
// executions, and fall through afterward.
func (proc *Process) JumpAt(pc VirtualAddress, target VirtualAddress, times int) {
	proc.jumps[pc] = &jump{
		target:    target,
		remaining: times,
	}
}

// Registers returns the simulated register file regardless of state.
func (proc *Process) Registers() registers.State {
	return proc.regs
}

func (proc *Process) SetRegisters(state registers.State) {
	proc.regs = state
}

// MemoryWrites lists every write issued through WriteMemory, in order.
func (proc *Process) MemoryWrites() []MemoryWrite {
	return proc.writes
}

// Resumes lists every accepted resume, in order.
func (proc *Process) Resumes() []inferior.ResumeMode {
	return proc.resumes
}

func (proc *Process) Pid() int {
	return proc.pid
}

func (proc *Process) State() inferior.State {
	return proc.state
}

func (proc *Process) LastStop() *inferior.StopEvent {
	return proc.lastStop
}

func (proc *Process) ensureStopped() error {
	switch proc.state {
	case inferior.Stopped:
		return nil
	case inferior.Running:
		return fmt.Errorf("%w. simulated process %d", ErrNotStopped, proc.pid)
	default:
		return fmt.Errorf(
			"%w. simulated process %d (%s)",
			ErrProcessNotRunning,
			proc.pid,
			proc.state)
	}
}

func (proc *Process) Resume(mode inferior.ResumeMode) error {
	switch proc.state {
	case inferior.Stopped:
	case inferior.Running:
		return fmt.Errorf(
			"%w: %w. simulated process %d resumed twice",
			ErrProtocolViolation,
			ErrNotStopped,
			proc.pid)
	default:
		return fmt.Errorf(
			"%w. simulated process %d (%s)",
			ErrProcessNotRunning,
			proc.pid,
			proc.state)
	}

	proc.pendingMode = mode
	proc.resumes = append(proc.resumes, mode)
	proc.state = inferior.Running
	return nil
}

func (proc *Process) Wait() (*inferior.StopEvent, error) {
	switch proc.state {
	case inferior.Running:
	case inferior.Stopped:
		return nil, fmt.Errorf(
			"%w. wait on simulated process %d without resume",
			ErrProtocolViolation,
			proc.pid)
	default:
		return nil, fmt.Errorf(
			"%w. simulated process %d (%s)",
			ErrProcessNotRunning,
			proc.pid,
			proc.state)
	}

	event := proc.run()
	proc.lastStop = event
	if event.IsExit() {
		proc.state = inferior.Exited
	} else {
		proc.state = inferior.Stopped
	}

	return event, nil
}

func (proc *Process) isMapped(addr VirtualAddress) bool {
	for _, r := range proc.mapped {
		if r.low <= addr && addr < r.high {
			return true
		}
	}
	return false
}

func (proc *Process) byteAt(addr VirtualAddress) byte {
	b, ok := proc.memory[addr]
	if !ok {
		return nop
	}
	return b
}

func (proc *Process) stop(
	reason inferior.StopReason,
	kind TrapKind,
	signal syscall.Signal,
) *inferior.StopEvent {
	return &inferior.StopEvent{
		Reason:         reason,
		TrapKind:       kind,
		Signal:         signal,
		ProgramCounter: VirtualAddress(proc.regs.ProgramCounter()),
	}
}

func (proc *Process) run() *inferior.StopEvent {
	for i := 0; i < maxInstructionsPerResume; i++ {
		pc := VirtualAddress(proc.regs.ProgramCounter())

		if !proc.isMapped(pc) {
			return proc.stop(inferior.SignaledStop, UnknownTrap, syscall.SIGSEGV)
		}

		code, ok := proc.exits[pc]
		if ok {
			return &inferior.StopEvent{
				Reason:   inferior.ExitedStop,
				ExitCode: code,
			}
		}

		if proc.byteAt(pc) == int3 {
			proc.regs = proc.regs.WithProgramCounter(uint64(pc + 1))
			return proc.stop(inferior.TrappedStop, SoftwareTrap, syscall.SIGTRAP)
		}

		signal, ok := proc.signals[pc]
		if ok {
			delete(proc.signals, pc)
			return proc.stop(inferior.SignaledStop, UnknownTrap, signal)
		}

		hit := false
		st, ok := proc.stores[pc]
		if ok {
			proc.SetMemory(st.address, st.data)
			hit = proc.checkWatchedWrite(st.address, len(st.data))
		}

		next := pc + 1
		rep, ok := proc.repeats[pc]
		if ok {
			rep.progress++
			if rep.progress < rep.count {
				next = pc
			} else {
				rep.progress = 0
			}
		}

		jmp, ok := proc.jumps[pc]
		if ok && jmp.remaining > 0 {
			jmp.remaining--
			next = jmp.target
		}

		proc.regs = proc.regs.WithProgramCounter(uint64(next))

		if hit {
			return proc.stop(inferior.HardwareTrapStop, HardwareTrap, syscall.SIGTRAP)
		}

		if proc.pendingMode == inferior.SingleStep {
			return proc.stop(inferior.TrappedStop, SingleStepTrap, syscall.SIGTRAP)
		}
	}

	panic("simulated process never stopped")
}

// Mirrors the dr7 layout: local enable bit 2*i, condition bits 16+4*i and
// length bits 18+4*i.  Sets the dr6 status bit of every matching slot.
func (proc *Process) checkWatchedWrite(address VirtualAddress, size int) bool {
	control := proc.regs.DebugRegister(7)
	status := proc.regs.DebugRegister(6)

	hit := false
	for idx := 0; idx < 4; idx++ {
		if control&(1<<(2*idx)) == 0 {
			continue
		}

		condition := (control >> (16 + 4*idx)) & 0b11
		if condition != 0b01 && condition != 0b11 {
			continue
		}

		length := uint64(1)
		switch (control >> (18 + 4*idx)) & 0b11 {
		case 0b01:
			length = 2
		case 0b10:
			length = 8
		case 0b11:
			length = 4
		}

		low := proc.regs.DebugRegister(idx)
		high := low + length
		if uint64(address) < high && low < uint64(address)+uint64(size) {
			status |= 1 << idx
			hit = true
		}
	}

	proc.regs = proc.regs.WithDebugRegister(6, status)
	return hit
}

func (proc *Process) ReadRegisters() (registers.State, error) {
	err := proc.ensureStopped()
	if err != nil {
		return registers.State{}, err
	}
	return proc.regs, nil
}

func (proc *Process) WriteRegisters(state registers.State) error {
	err := proc.ensureStopped()
	if err != nil {
		return err
	}
	proc.regs = state
	return nil
}

func (proc *Process) ReadProgramCounter() (VirtualAddress, error) {
	err := proc.ensureStopped()
	if err != nil {
		return 0, err
	}
	return VirtualAddress(proc.regs.ProgramCounter()), nil
}

func (proc *Process) WriteProgramCounter(address VirtualAddress) error {
	err := proc.ensureStopped()
	if err != nil {
		return err
	}
	proc.regs = proc.regs.WithProgramCounter(uint64(address))
	return nil
}

func (proc *Process) ReadMemory(addr VirtualAddress, out []byte) (int, error) {
	err := proc.ensureStopped()
	if err != nil {
		return 0, err
	}

	for idx := range out {
		current := addr + VirtualAddress(idx)
		if !proc.isMapped(current) {
			if idx == 0 {
				return 0, fmt.Errorf("simulated read at unmapped address %s", current)
			}
			return idx, nil
		}
		out[idx] = proc.byteAt(current)
	}

	return len(out), nil
}

func (proc *Process) WriteMemory(addr VirtualAddress, data []byte) (int, error) {
	err := proc.ensureStopped()
	if err != nil {
		return 0, err
	}

	for idx := range data {
		current := addr + VirtualAddress(idx)
		if !proc.isMapped(current) {
			return 0, fmt.Errorf("simulated write at unmapped address %s", current)
		}
	}

	proc.SetMemory(addr, data)
	proc.writes = append(
		proc.writes,
		MemoryWrite{
			Address: addr,
			Data:    append([]byte{}, data...),
		})

	return len(data), nil
}

func (proc *Process) IsMapped(addr VirtualAddress) (bool, error) {
	if !proc.state.Live() {
		return false, fmt.Errorf("%w. simulated process", ErrProcessNotRunning)
	}
	return proc.isMapped(addr), nil
}

func (proc *Process) EntryPoint() (VirtualAddress, error) {
	if !proc.state.Live() {
		return 0, fmt.Errorf("%w. simulated process", ErrProcessNotRunning)
	}
	return proc.entry, nil
}

func (proc *Process) Detach() error {
	if proc.state.Live() {
		proc.state = inferior.Detached
	}
	return nil
}

func (proc *Process) Kill() error {
	if proc.state.Live() {
		proc.state = inferior.Exited
		proc.lastStop = &inferior.StopEvent{
			Reason: inferior.TerminatedStop,
			Signal: syscall.SIGKILL,
		}
	}
	return nil
}
