package stoppoint

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	. "github.com/pattyshack/tdb/debugger/common"
	"github.com/pattyshack/tdb/debugger/inferior"
	"github.com/pattyshack/tdb/debugger/memory"
	"github.com/pattyshack/tdb/logflags"
)

var watchpointIds = atomic.NewUint64(0)

type Watchpoint struct {
	id       uint64
	address  VirtualAddress
	size     int
	mode     WatchMode
	location string

	slot  int
	armed bool

	previousData []byte
	data         []byte

	hitCount int
}

func (wp *Watchpoint) Id() uint64 {
	return wp.id
}

func (wp *Watchpoint) Address() VirtualAddress {
	return wp.address
}

func (wp *Watchpoint) Size() int {
	return wp.size
}

func (wp *Watchpoint) Mode() WatchMode {
	return wp.mode
}

func (wp *Watchpoint) Location() string {
	return wp.location
}

// The debug register slot (0-3) backing this watchpoint.
func (wp *Watchpoint) Slot() int {
	return wp.slot
}

// Reports whether the slot is currently programmed into a live process.
func (wp *Watchpoint) IsArmed() bool {
	return wp.armed
}

// The watched bytes as of the latest hit (or installation).
func (wp *Watchpoint) Data() []byte {
	return wp.data
}

// The watched bytes as of the hit before the latest one.
func (wp *Watchpoint) PreviousData() []byte {
	return wp.previousData
}

func (wp *Watchpoint) HitCount() int {
	return wp.hitCount
}

func (wp *Watchpoint) String() string {
	return fmt.Sprintf(
		"watchpoint %d at %s (%s) %s size=%d slot=%d, hits=%d",
		wp.id,
		wp.address,
		wp.location,
		wp.mode,
		wp.size,
		wp.slot,
		wp.hitCount)
}

// WatchpointEngine manages the four hardware debug register slots.  dr7 is
// shared by every slot, so all updates read-modify-write only the bits owned
// by the affected slot.
type WatchpointEngine struct {
	slots [NumDebugRegisterSlots]*Watchpoint

	logger *logrus.Entry
}

func NewWatchpointEngine() *WatchpointEngine {
	return &WatchpointEngine{
		logger: logflags.StopPointLogger(),
	}
}

// Install validates the request and takes the lowest free slot.  When handle
// refers to a live process the slot is programmed immediately, otherwise the
// watchpoint waits for InstallPending.
func (engine *WatchpointEngine) Install(
	handle inferior.Handle,
	address VirtualAddress,
	size int,
	mode WatchMode,
	location string,
) (
	*Watchpoint,
	error,
) {
	err := ValidateWatch(address, size, mode)
	if err != nil {
		return nil, err
	}

	slot := -1
	for idx, wp := range engine.slots {
		if wp == nil {
			slot = idx
			break
		}
	}

	if slot == -1 {
		return nil, fmt.Errorf(
			"%w. all %d hardware watchpoint slots are occupied",
			ErrNoFreeSlot,
			NumDebugRegisterSlots)
	}

	wp := &Watchpoint{
		id:       watchpointIds.Inc(),
		address:  address,
		size:     size,
		mode:     mode,
		location: location,
		slot:     slot,
	}

	if handle != nil && handle.State().Live() {
		err = engine.program(handle, wp)
		if err != nil {
			return nil, err
		}
	}

	engine.slots[slot] = wp
	return wp, nil
}

// InstallPending programs every watchpoint recorded before launch.
// Watchpoints which cannot be programmed are dropped; the returned error
// joins their failures.
func (engine *WatchpointEngine) InstallPending(handle inferior.Handle) error {
	errs := []error{}
	for idx, wp := range engine.slots {
		if wp == nil || wp.armed {
			continue
		}

		err := engine.program(handle, wp)
		if err != nil {
			engine.slots[idx] = nil
			errs = append(
				errs,
				fmt.Errorf("dropped watchpoint %d: %w", wp.id, err))
		}
	}

	return errors.Join(errs...)
}

func (engine *WatchpointEngine) program(
	handle inferior.Handle,
	wp *Watchpoint,
) error {
	err := engine.refreshData(handle, wp)
	if err != nil {
		return fmt.Errorf("failed to install watchpoint: %w", err)
	}

	state, err := handle.ReadRegisters()
	if err != nil {
		return fmt.Errorf("failed to install watchpoint: %w", err)
	}

	control := enableSlot(
		state.DebugRegister(7),
		wp.slot,
		wp.mode,
		wp.size)

	state = state.
		WithDebugRegister(wp.slot, uint64(wp.address)).
		WithDebugRegister(7, control)

	err = handle.WriteRegisters(state)
	if err != nil {
		return fmt.Errorf("failed to install watchpoint: %w", err)
	}

	wp.armed = true
	wp.previousData = wp.data
	engine.logger.Debugf("armed %s (dr7=0x%x)", wp, control)
	return nil
}

func (engine *WatchpointEngine) refreshData(
	handle inferior.Handle,
	wp *Watchpoint,
) error {
	content := make([]byte, wp.size)
	err := memory.ReadFull(handle, wp.address, content)
	if err != nil {
		return fmt.Errorf("failed to read watched data: %w", err)
	}

	wp.previousData = wp.data
	wp.data = content
	return nil
}

// OnHardwareTrap identifies which slot fired using dr6, clears dr6's status
// bits, and refreshes the owner's data snapshot.
func (engine *WatchpointEngine) OnHardwareTrap(
	handle inferior.Handle,
) (
	*Watchpoint,
	error,
) {
	state, err := handle.ReadRegisters()
	if err != nil {
		return nil, err
	}

	status := state.DebugRegister(6)
	slots := triggeredSlots(status)
	if len(slots) == 0 {
		return nil, fmt.Errorf("%w (dr6=0x%x)", ErrNoWatchpointTriggered, status)
	}

	err = handle.WriteRegisters(
		state.WithDebugRegister(6, clearTriggeredSlots(status)))
	if err != nil {
		return nil, fmt.Errorf("failed to clear debug status: %w", err)
	}

	for _, slot := range slots {
		wp := engine.slots[slot]
		if wp == nil || !wp.armed {
			continue
		}

		err = engine.refreshData(handle, wp)
		if err != nil {
			return nil, err
		}

		wp.hitCount += 1
		engine.logger.Debugf("hit %s", wp)
		return wp, nil
	}

	return nil, fmt.Errorf("%w (dr6=0x%x)", ErrNoWatchpointTriggered, status)
}

// Remove frees the watchpoint's slot.  Only that slot's dr7 bits and address
// register are cleared.
func (engine *WatchpointEngine) Remove(handle inferior.Handle, id uint64) error {
	wp, ok := engine.Get(id)
	if !ok {
		return fmt.Errorf("%w. no watchpoint %d", ErrInvalidArgument, id)
	}

	err := engine.disarm(handle, wp)
	if err != nil {
		return fmt.Errorf("failed to remove watchpoint: %w", err)
	}

	engine.slots[wp.slot] = nil
	engine.logger.Debugf("removed %s", wp)
	return nil
}

func (engine *WatchpointEngine) disarm(
	handle inferior.Handle,
	wp *Watchpoint,
) error {
	if wp.armed && handle != nil && handle.State().Live() {
		state, err := handle.ReadRegisters()
		if err != nil {
			return err
		}

		state = state.
			WithDebugRegister(7, disableSlot(state.DebugRegister(7), wp.slot)).
			WithDebugRegister(wp.slot, 0)

		err = handle.WriteRegisters(state)
		if err != nil {
			return err
		}
	}

	wp.armed = false
	return nil
}

// DisarmAll clears every slot from the process.  The records are kept so
// they can be shown.  Used before detaching.
func (engine *WatchpointEngine) DisarmAll(handle inferior.Handle) error {
	for _, wp := range engine.List() {
		err := engine.disarm(handle, wp)
		if err != nil {
			return fmt.Errorf("failed to disarm watchpoint %d: %w", wp.id, err)
		}
	}
	return nil
}

// Reset marks every watchpoint unarmed once the process is gone.  Slots stay
// allocated.
func (engine *WatchpointEngine) Reset() {
	for _, wp := range engine.slots {
		if wp != nil {
			wp.armed = false
		}
	}
}

func (engine *WatchpointEngine) Get(id uint64) (*Watchpoint, bool) {
	for _, wp := range engine.slots {
		if wp != nil && wp.id == id {
			return wp, true
		}
	}
	return nil, false
}

// List returns the watchpoints in slot order.
func (engine *WatchpointEngine) List() []*Watchpoint {
	result := []*Watchpoint{}
	for _, wp := range engine.slots {
		if wp != nil {
			result = append(result, wp)
		}
	}
	return result
}
