package registers

import (
	"fmt"
	"reflect"

	. "github.com/pattyshack/tdb/debugger/common"
	"github.com/pattyshack/tdb/ptrace"
)

var (
	userDebugRegistersOffset = uintptr(0) // initialized by init()
)

// Registers reads and writes a stopped tracee's register file.  There is no
// caching; every call goes to the kernel.
type Registers struct {
	tracer *ptrace.Tracer
}

func New(tracer *ptrace.Tracer) *Registers {
	return &Registers{
		tracer: tracer,
	}
}

func (registers *Registers) GetState() (State, error) {
	gpr, err := registers.tracer.GetGeneralRegisters()
	if err != nil {
		return State{}, err
	}

	state := State{
		gpr: *gpr,
	}

	for idx := range state.dr {
		value, err := registers.tracer.PeekUserArea(debugRegisterOffset(idx))
		if err != nil {
			return State{}, err
		}
		state.dr[idx] = uint64(value)
	}

	return state, nil
}

func (registers *Registers) SetState(state State) error {
	err := registers.tracer.SetGeneralRegisters(&state.gpr)
	if err != nil {
		return err
	}

	// Address registers are written before dr7 so that a newly enabled slot
	// never points at a stale address.
	for _, idx := range []int{0, 1, 2, 3, 6, 7} {
		err := registers.tracer.PokeUserArea(
			debugRegisterOffset(idx),
			uintptr(state.dr[idx]))
		if err != nil {
			return fmt.Errorf("failed to set dr%d: %w", idx, err)
		}
	}

	return nil
}

func (registers *Registers) GetProgramCounter() (VirtualAddress, error) {
	gpr, err := registers.tracer.GetGeneralRegisters()
	if err != nil {
		return 0, fmt.Errorf("failed to read program counter: %w", err)
	}

	return VirtualAddress(gpr.Rip), nil
}

func (registers *Registers) SetProgramCounter(address VirtualAddress) error {
	gpr, err := registers.tracer.GetGeneralRegisters()
	if err != nil {
		return fmt.Errorf("failed to read program counter: %w", err)
	}

	gpr.Rip = uint64(address)

	err = registers.tracer.SetGeneralRegisters(gpr)
	if err != nil {
		return fmt.Errorf("failed to set program counter to %s: %w", address, err)
	}

	return nil
}

func debugRegisterOffset(idx int) uintptr {
	return userDebugRegistersOffset + uintptr(idx*8)
}

func init() {
	user := ptrace.User{}
	userType := reflect.TypeOf(user)

	field, ok := userType.FieldByName("UDebugReg")
	if !ok {
		panic("should never happen")
	}
	userDebugRegistersOffset = field.Offset
}
