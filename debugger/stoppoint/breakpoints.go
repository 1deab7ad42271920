package stoppoint

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	. "github.com/pattyshack/tdb/debugger/common"
	"github.com/pattyshack/tdb/debugger/inferior"
	"github.com/pattyshack/tdb/debugger/memory"
	"github.com/pattyshack/tdb/logflags"
)

const (
	int3Instruction = byte(0xcc)
)

type SiteState string

const (
	// The code byte is untouched.
	Uninstalled = SiteState("uninstalled")

	// The code byte is int3; originalData holds the replaced byte.
	Installed = SiteState("installed")

	// The original byte was restored after a hit and must be re-armed before
	// the process runs past the breakpoint again.
	TemporarilyRemoved = SiteState("temporarily removed")
)

var breakpointIds = atomic.NewUint64(0)

type Breakpoint struct {
	id       uint64
	address  VirtualAddress
	location string

	isEnabled    bool
	state        SiteState
	originalData byte

	hitCount int
}

func (bp *Breakpoint) Id() uint64 {
	return bp.id
}

func (bp *Breakpoint) Address() VirtualAddress {
	return bp.address
}

// The location as requested by the user (e.g. "main+4" or "0x401000").
func (bp *Breakpoint) Location() string {
	return bp.location
}

func (bp *Breakpoint) IsEnabled() bool {
	return bp.isEnabled
}

func (bp *Breakpoint) State() SiteState {
	return bp.state
}

// The code byte replaced by int3.  Only meaningful once installed.
func (bp *Breakpoint) OriginalData() byte {
	return bp.originalData
}

func (bp *Breakpoint) HitCount() int {
	return bp.hitCount
}

func (bp *Breakpoint) String() string {
	enabled := "enabled"
	if !bp.isEnabled {
		enabled = "disabled"
	}

	return fmt.Sprintf(
		"breakpoint %d at %s (%s) %s, %s, hits=%d",
		bp.id,
		bp.address,
		bp.location,
		enabled,
		bp.state,
		bp.hitCount)
}

// BreakpointEngine owns every software breakpoint, keyed by address.  It
// never holds on to a process handle; the session passes the current one
// into every call that touches the tracee.
type BreakpointEngine struct {
	breakpoints map[VirtualAddress]*Breakpoint

	logger *logrus.Entry
}

func NewBreakpointEngine() *BreakpointEngine {
	return &BreakpointEngine{
		breakpoints: map[VirtualAddress]*Breakpoint{},
		logger:      logflags.StopPointLogger(),
	}
}

func (engine *BreakpointEngine) newBreakpoint(
	address VirtualAddress,
	location string,
) (
	*Breakpoint,
	error,
) {
	existing, ok := engine.breakpoints[address]
	if ok {
		return nil, fmt.Errorf(
			"%w. breakpoint %d already set at %s",
			ErrDuplicateBreakpoint,
			existing.id,
			address)
	}

	return &Breakpoint{
		id:        breakpointIds.Inc(),
		address:   address,
		location:  location,
		isEnabled: true,
		state:     Uninstalled,
	}, nil
}

// Request records a breakpoint which is patched into the process later by
// InstallPending.
func (engine *BreakpointEngine) Request(
	address VirtualAddress,
	location string,
) (
	*Breakpoint,
	error,
) {
	bp, err := engine.newBreakpoint(address, location)
	if err != nil {
		return nil, err
	}

	engine.breakpoints[address] = bp
	engine.logger.Debugf("requested %s", bp)
	return bp, nil
}

// Install patches int3 into a live process at address.  The process is left
// untouched on error.
func (engine *BreakpointEngine) Install(
	handle inferior.Handle,
	address VirtualAddress,
	location string,
) (
	*Breakpoint,
	error,
) {
	bp, err := engine.newBreakpoint(address, location)
	if err != nil {
		return nil, err
	}

	if handle == nil || !handle.State().Live() {
		return nil, fmt.Errorf(
			"%w. cannot install breakpoint at %s",
			ErrProcessNotRunning,
			address)
	}

	err = engine.arm(handle, bp)
	if err != nil {
		return nil, err
	}

	engine.breakpoints[address] = bp
	return bp, nil
}

// InstallPending arms every enabled breakpoint recorded before launch.
// Breakpoints which cannot be armed are dropped; the returned error joins
// their failures.
func (engine *BreakpointEngine) InstallPending(handle inferior.Handle) error {
	errs := []error{}
	for _, bp := range engine.List() {
		if !bp.isEnabled || bp.state != Uninstalled {
			continue
		}

		err := engine.arm(handle, bp)
		if err != nil {
			delete(engine.breakpoints, bp.address)
			errs = append(
				errs,
				fmt.Errorf("dropped breakpoint %d: %w", bp.id, err))
		}
	}

	return errors.Join(errs...)
}

func (engine *BreakpointEngine) arm(
	handle inferior.Handle,
	bp *Breakpoint,
) error {
	mapped, err := handle.IsMapped(bp.address)
	if err != nil {
		return err
	}

	if !mapped {
		return fmt.Errorf(
			"%w. cannot install breakpoint at %s",
			ErrUnmappedAddress,
			bp.address)
	}

	buffer := make([]byte, 1)
	err = memory.ReadFull(handle, bp.address, buffer)
	if err != nil {
		return fmt.Errorf("failed to install breakpoint: %w", err)
	}

	original := buffer[0]
	if original == int3Instruction {
		engine.logger.Warnf("breakpoint site %s already holds int3", bp.address)
	}

	err = memory.WriteFull(handle, bp.address, []byte{int3Instruction})
	if err != nil {
		return fmt.Errorf("failed to install breakpoint: %w", err)
	}

	bp.originalData = original
	bp.state = Installed
	engine.logger.Debugf("installed %s (original=0x%02x)", bp, original)
	return nil
}

func (engine *BreakpointEngine) restoreOriginal(
	handle inferior.Handle,
	bp *Breakpoint,
	newState SiteState,
) error {
	err := memory.WriteFull(handle, bp.address, []byte{bp.originalData})
	if err != nil {
		return fmt.Errorf(
			"failed to restore original data at %s: %w",
			bp.address,
			err)
	}

	bp.state = newState
	return nil
}

func (engine *BreakpointEngine) reinstall(
	handle inferior.Handle,
	bp *Breakpoint,
) error {
	err := memory.WriteFull(handle, bp.address, []byte{int3Instruction})
	if err != nil {
		return fmt.Errorf("failed to re-arm breakpoint %d: %w", bp.id, err)
	}

	bp.state = Installed
	engine.logger.Debugf("re-armed %s", bp)
	return nil
}

// OnTrap handles a software trap stop.  The trap reports the address after
// the int3, so the breakpoint is looked up at pc - 1.  On a hit the original
// byte is restored and the program counter is rewound onto the breakpoint.
func (engine *BreakpointEngine) OnTrap(
	handle inferior.Handle,
) (
	*Breakpoint,
	error,
) {
	pc, err := handle.ReadProgramCounter()
	if err != nil {
		return nil, err
	}

	// NOTE: pc - 1 may not be a valid instruction address since x64
	// instruction could span multiple bytes.  However, since breakpoints are
	// implemented using int3 (0xcc), we know for sure the address is valid
	// if the previous instruction is a breakpoint.
	address := pc - 1

	bp, ok := engine.breakpoints[address]
	if !ok || bp.state != Installed {
		return nil, fmt.Errorf("%w (%s)", ErrNoBreakpointAtAddress, address)
	}

	err = engine.restoreOriginal(handle, bp, TemporarilyRemoved)
	if err != nil {
		return nil, err
	}

	err = handle.WriteProgramCounter(address)
	if err != nil {
		return nil, fmt.Errorf("failed to rewind program counter: %w", err)
	}

	bp.hitCount += 1
	engine.logger.Debugf("hit %s", bp)
	return bp, nil
}

// RearmBeforeResume must run before the process resumes from a breakpoint
// stop.  When the program counter still sits on the breakpoint, the original
// instruction is single stepped until the program counter leaves it (rep
// prefixed instructions take one step per iteration) before int3 is
// restored; the last step's stop event is returned.  Otherwise int3 is restored
// directly and the returned event is nil.
func (engine *BreakpointEngine) RearmBeforeResume(
	handle inferior.Handle,
	bp *Breakpoint,
) (
	*inferior.StopEvent,
	error,
) {
	if bp.state != TemporarilyRemoved {
		return nil, nil
	}

	pc, err := handle.ReadProgramCounter()
	if err != nil {
		return nil, err
	}

	if pc != bp.address {
		return nil, engine.reinstall(handle, bp)
	}

	return engine.stepAndReinstall(handle, bp)
}

// StepOver prepares the process to run from its current program counter:
// temporarily removed breakpoints elsewhere are re-armed, and an armed
// breakpoint under the program counter is stepped over.  The returned event
// is nil when no step was needed.
func (engine *BreakpointEngine) StepOver(
	handle inferior.Handle,
) (
	*inferior.StopEvent,
	error,
) {
	pc, err := handle.ReadProgramCounter()
	if err != nil {
		return nil, err
	}

	for _, bp := range engine.breakpoints {
		if bp.address != pc && bp.state == TemporarilyRemoved {
			err := engine.reinstall(handle, bp)
			if err != nil {
				return nil, err
			}
		}
	}

	bp, ok := engine.breakpoints[pc]
	if !ok || bp.state == Uninstalled {
		return nil, nil
	}

	if bp.state == Installed {
		err := engine.restoreOriginal(handle, bp, TemporarilyRemoved)
		if err != nil {
			return nil, err
		}
	}

	return engine.stepAndReinstall(handle, bp)
}

func (engine *BreakpointEngine) stepAndReinstall(
	handle inferior.Handle,
	bp *Breakpoint,
) (
	*inferior.StopEvent,
	error,
) {
	var event *inferior.StopEvent
	for {
		err := handle.Resume(inferior.SingleStep)
		if err != nil {
			return nil, fmt.Errorf(
				"failed to step over breakpoint %d: %w",
				bp.id,
				err)
		}

		event, err = handle.Wait()
		if err != nil {
			return nil, fmt.Errorf(
				"failed to step over breakpoint %d: %w",
				bp.id,
				err)
		}

		if event.IsExit() {
			engine.Reset()
			return event, nil
		}

		// rep prefixed and self looping instructions complete a step without
		// leaving the address.
		if event.Reason == inferior.TrappedStop &&
			event.TrapKind == SingleStepTrap &&
			event.ProgramCounter == bp.address {
			continue
		}

		break
	}

	// A signal arrived before the instruction executed.  Keep the original
	// byte in place so that the next resume retries the step.
	if event.Reason == inferior.SignaledStop &&
		event.ProgramCounter == bp.address {
		return event, nil
	}

	if bp.isEnabled {
		err := engine.reinstall(handle, bp)
		if err != nil {
			return nil, err
		}
	} else {
		bp.state = Uninstalled
	}

	return event, nil
}

// Remove deletes the breakpoint at address.  The code byte is restored only
// while int3 is actually in place.
func (engine *BreakpointEngine) Remove(
	handle inferior.Handle,
	address VirtualAddress,
) error {
	bp, ok := engine.breakpoints[address]
	if !ok {
		return fmt.Errorf("%w (%s)", ErrNoBreakpointAtAddress, address)
	}

	if bp.state == Installed && handle != nil && handle.State().Live() {
		err := engine.restoreOriginal(handle, bp, Uninstalled)
		if err != nil {
			return err
		}
	}

	bp.state = Uninstalled
	delete(engine.breakpoints, address)
	engine.logger.Debugf("removed %s", bp)
	return nil
}

func (engine *BreakpointEngine) Enable(
	handle inferior.Handle,
	address VirtualAddress,
) error {
	bp, ok := engine.breakpoints[address]
	if !ok {
		return fmt.Errorf("%w (%s)", ErrNoBreakpointAtAddress, address)
	}

	if bp.isEnabled {
		return nil
	}

	if bp.state == Uninstalled && handle != nil && handle.State().Live() {
		err := engine.arm(handle, bp)
		if err != nil {
			return err
		}
	}

	bp.isEnabled = true
	return nil
}

func (engine *BreakpointEngine) Disable(
	handle inferior.Handle,
	address VirtualAddress,
) error {
	bp, ok := engine.breakpoints[address]
	if !ok {
		return fmt.Errorf("%w (%s)", ErrNoBreakpointAtAddress, address)
	}

	if !bp.isEnabled {
		return nil
	}

	switch bp.state {
	case Installed:
		if handle != nil && handle.State().Live() {
			err := engine.restoreOriginal(handle, bp, Uninstalled)
			if err != nil {
				return err
			}
		}
	case TemporarilyRemoved:
		bp.state = Uninstalled
	}

	bp.isEnabled = false
	return nil
}

// RemoveAllSites restores every patched code byte while keeping the
// breakpoint records.  Used before detaching.
func (engine *BreakpointEngine) RemoveAllSites(handle inferior.Handle) error {
	for _, bp := range engine.breakpoints {
		switch bp.state {
		case Installed:
			err := engine.restoreOriginal(handle, bp, Uninstalled)
			if err != nil {
				return err
			}
		case TemporarilyRemoved:
			bp.state = Uninstalled
		}
	}
	return nil
}

// Reset forgets every installation once the process is gone.  The records
// are kept so they can be shown, but they are never installed into another
// process.
func (engine *BreakpointEngine) Reset() {
	for _, bp := range engine.breakpoints {
		bp.state = Uninstalled
	}
}

func (engine *BreakpointEngine) Get(address VirtualAddress) (*Breakpoint, bool) {
	bp, ok := engine.breakpoints[address]
	return bp, ok
}

// List returns the breakpoints ordered by address.
func (engine *BreakpointEngine) List() []*Breakpoint {
	addresses := make(VirtualAddresses, 0, len(engine.breakpoints))
	for address := range engine.breakpoints {
		addresses = append(addresses, address)
	}
	sort.Sort(addresses)

	result := make([]*Breakpoint, 0, len(addresses))
	for _, address := range addresses {
		result = append(result, engine.breakpoints[address])
	}
	return result
}

// If an installed breakpoint is in the range
//
//	[startAddr, startAddr + len(memorySlice))
//
// replace its int3 with the original byte in memorySlice.
func (engine *BreakpointEngine) ReplaceStopSiteBytes(
	startAddr VirtualAddress,
	memorySlice []byte,
) {
	endAddr := startAddr + VirtualAddress(len(memorySlice))
	for _, bp := range engine.breakpoints {
		if bp.state != Installed {
			continue
		}

		if startAddr <= bp.address && bp.address < endAddr {
			memorySlice[int(bp.address-startAddr)] = bp.originalData
		}
	}
}
