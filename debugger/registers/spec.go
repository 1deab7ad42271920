package registers

import (
	"fmt"
	"strconv"
	"strings"
)

// The register class determines where the register data is located:
// - GeneralClass -> user::regs (user_regs_struct)
// - DebugClass -> user::u_debugreg ([8]uint64)
type Class string

const (
	GeneralClass = Class("general")
	DebugClass   = Class("debug")
)

type Spec struct {
	SortId int

	Name string

	Size uintptr // register size in bytes

	Class Class

	// Only applicable to general registers
	Field string

	// eax, ax, al, ah, r8d, ...
	IsSubRegister bool

	// Only applicable to 8-bit general register (ah/bh/ch/dh)
	IsHighRegister bool

	// Only applicable to debug registers.
	Index int
}

func (reg Spec) String() string {
	return reg.Name
}

func (reg Spec) CanAccept(value Value) error {
	// dr4 and dr5 are not real registers
	// https://en.wikipedia.org/wiki/X86_debug_register
	if reg.Class == DebugClass && (reg.Index == 4 || reg.Index == 5) {
		return fmt.Errorf(
			"%w. cannot set %s.  register is read-only",
			ErrInvalidValue,
			reg.Name)
	}

	if reg.Size != value.Size() {
		return fmt.Errorf(
			"%w. register (%s) size (%d) does not match value size (%d)",
			ErrInvalidValue,
			reg.Name,
			reg.Size,
			value.Size())
	}

	return nil
}

// Values are unsigned by default.  "i:" prefixed values are parsed as signed
// integers.  Numeric bases follow strconv's base 0 rules.
func (reg Spec) ParseValue(value string) (Value, error) {
	bitSize := int(reg.Size * 8)

	if strings.HasPrefix(value, "i:") {
		intValue, err := strconv.ParseInt(value[2:], 0, bitSize)
		if err != nil {
			return nil, fmt.Errorf(
				"%w. failed to parse int (%s): %w",
				ErrInvalidValue,
				value[2:],
				err)
		}

		switch reg.Size {
		case 1:
			return I8(int8(intValue)), nil
		case 2:
			return I16(int16(intValue)), nil
		case 4:
			return I32(int32(intValue)), nil
		case 8:
			return I64(intValue), nil
		default:
			panic(fmt.Sprintf("unhandled size %d", reg.Size))
		}
	}

	uintValue, err := strconv.ParseUint(value, 0, bitSize)
	if err != nil {
		return nil, fmt.Errorf(
			"%w. failed to parse uint (%s): %w",
			ErrInvalidValue,
			value,
			err)
	}

	switch reg.Size {
	case 1:
		return U8(uint8(uintValue)), nil
	case 2:
		return U16(uint16(uintValue)), nil
	case 4:
		return U32(uint32(uintValue)), nil
	case 8:
		return U64(uintValue), nil
	default:
		panic(fmt.Sprintf("unhandled size %d", reg.Size))
	}
}

var (
	ErrInvalidValue = fmt.Errorf("invalid register value")

	OrderedSpecs []Spec
	NameSpecs    map[string]Spec = map[string]Spec{}

	ProgramCounter Spec
	StackPointer   Spec
	FramePointer   Spec

	DebugControl   Spec
	DebugStatus    Spec
	DebugAddresses []Spec
)

func ByName(name string) (Spec, bool) {
	reg, ok := NameSpecs[strings.ToLower(name)]
	return reg, ok
}

// The registers shown by "info registers": the 64-bit general registers.
func GeneralPurposeSpecs() []Spec {
	result := []Spec{}
	for _, reg := range OrderedSpecs {
		if reg.Class == GeneralClass && !reg.IsSubRegister {
			result = append(result, reg)
		}
	}
	return result
}

func init() {
	nextId := 0

	addRegister := func(entry Spec) {
		entry.SortId = nextId
		nextId += 1

		_, ok := NameSpecs[entry.Name]
		if ok {
			panic("duplicate register info: " + entry.Name)
		}

		OrderedSpecs = append(OrderedSpecs, entry)
		NameSpecs[entry.Name] = entry
	}

	addGpr64 := func(name string, field string) {
		addRegister(Spec{
			Name:  name,
			Size:  8,
			Class: GeneralClass,
			Field: field,
		})
	}

	addSubGpr := func(name string, size uintptr, field string, isHigh bool) {
		addRegister(Spec{
			Name:           name,
			Size:           size,
			Class:          GeneralClass,
			Field:          field,
			IsSubRegister:  true,
			IsHighRegister: isHigh,
		})
	}

	names := strings.Split(
		"rax rdx rcx rbx rsi rdi rbp rsp "+
			"r8 r9 r10 r11 r12 r13 r14 r15 "+
			"rip eflags cs fs gs ss ds es fs_base gs_base",
		" ")
	for _, name := range names {
		field := strings.ToUpper(name[0:1]) + name[1:]
		addGpr64(name, field)

		if name == "rip" || !(name[0] == 'r') {
			continue // not general compute registers
		} else if strings.ContainsAny(name, "189") { // newer x64 registers
			addSubGpr(name+"d", 4, field, false)
			addSubGpr(name+"w", 2, field, false)
			addSubGpr(name+"b", 1, field, false)
		} else { // legacy x86 extended registers
			addSubGpr("e"+name[1:], 4, field, false)
			addSubGpr(name[1:], 2, field, false)

			if name[2] == 'x' {
				prefix := name[1:2]
				addSubGpr(prefix+"h", 1, field, true)
				addSubGpr(prefix+"l", 1, field, false)
			} else {
				addSubGpr(name[1:]+"l", 1, field, false)
			}
		}
	}

	addGpr64("orig_rax", "Orig_rax")

	for i := 0; i < 8; i++ {
		addRegister(Spec{
			Name:  fmt.Sprintf("dr%d", i),
			Size:  8,
			Class: DebugClass,
			Index: i,
		})
	}

	ProgramCounter, _ = ByName("rip")
	StackPointer, _ = ByName("rsp")
	FramePointer, _ = ByName("rbp")

	DebugControl, _ = ByName("dr7")
	DebugStatus, _ = ByName("dr6")

	for _, name := range []string{"dr0", "dr1", "dr2", "dr3"} {
		reg, _ := ByName(name)
		DebugAddresses = append(DebugAddresses, reg)
	}
}
