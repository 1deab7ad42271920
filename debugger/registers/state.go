package registers

import (
	"fmt"
	"reflect"

	"github.com/pattyshack/tdb/ptrace"
)

// A point-in-time copy of the inferior's register file.  Modifications are
// made on copies (see WithValue) and only take effect once written back
// through Registers.SetState.
type State struct {
	gpr ptrace.UserRegs
	dr  [8]uint64
}

// This always returns Uint8 / Uint16 / Uint32 / Uint64 depending on the
// register size.
func (state State) Value(reg Spec) Value {
	var value uint64
	switch reg.Class {
	case GeneralClass:
		value = reflect.ValueOf(state.gpr).FieldByName(reg.Field).Uint()
	case DebugClass:
		value = state.dr[reg.Index]
	default:
		panic(fmt.Sprintf("invalid register: %#v", reg))
	}

	switch reg.Size {
	case 1:
		if reg.IsHighRegister {
			value >>= 8
		}

		return U8(uint8(value))
	case 2:
		return U16(uint16(value))
	case 4:
		return U32(uint32(value))
	case 8:
		return U64(value)
	default:
		panic(fmt.Sprintf("invalid register: %#v", reg))
	}
}

// Writes to 32-bit sub registers zero the upper half of the full register,
// matching x64 semantics.  8/16-bit writes leave the other bits untouched.
func (state State) WithValue(
	reg Spec,
	value Value,
) (
	State,
	error,
) {
	err := reg.CanAccept(value)
	if err != nil {
		return State{}, err
	}

	newState := state
	val := value.ToUint64()

	switch reg.Class {
	case GeneralClass:
		field := reflect.Indirect(reflect.ValueOf(&newState.gpr)).
			FieldByName(reg.Field)

		full := field.Uint()
		switch reg.Size {
		case 1:
			if reg.IsHighRegister {
				full = (full &^ 0xff00) | (val << 8)
			} else {
				full = (full &^ 0xff) | val
			}
		case 2:
			full = (full &^ 0xffff) | val
		case 4, 8:
			full = val
		default:
			panic(fmt.Sprintf("invalid register: %#v", reg))
		}

		field.SetUint(full)
	case DebugClass:
		newState.dr[reg.Index] = val
	default:
		panic(fmt.Sprintf("invalid register: %#v", reg))
	}

	return newState, nil
}

func (state State) ProgramCounter() uint64 {
	return state.gpr.Rip
}

func (state State) WithProgramCounter(pc uint64) State {
	state.gpr.Rip = pc
	return state
}

func (state State) DebugRegister(idx int) uint64 {
	return state.dr[idx]
}

// Unlike WithValue, this permits setting any of the eight slots.  Callers
// are responsible for not writing dr4/dr5.
func (state State) WithDebugRegister(idx int, value uint64) State {
	state.dr[idx] = value
	return state
}

// Returns the general registers in "info registers" order.
func (state State) GeneralPurpose() []NamedValue {
	result := []NamedValue{}
	for _, reg := range GeneralPurposeSpecs() {
		result = append(
			result,
			NamedValue{
				Name:  reg.Name,
				Value: state.Value(reg),
			})
	}
	return result
}

type NamedValue struct {
	Name  string `yaml:"name"`
	Value Value  `yaml:"value"`
}
