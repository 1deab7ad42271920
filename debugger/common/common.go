package common

import (
	"fmt"
	"strconv"
	"strings"
)

type TrapKind string

const (
	UnknownTrap    = TrapKind("")
	SoftwareTrap   = TrapKind("software break")
	HardwareTrap   = TrapKind("hardware break")
	SingleStepTrap = TrapKind("single step")
)

func TrapCodeToKind(code int32) TrapKind {
	// NOTE: on x64, linux incorrect report software trap as SI_KERNEL (0x80)
	// when it should have reported of TRAP_BRKPT (1).
	switch code {
	case 0x80: // SI_KERNEL
		return SoftwareTrap
	case 4: // TRAP_HWBKPT
		return HardwareTrap
	case 2: // TRAP_TRACE
		return SingleStepTrap
	default:
		// Most si_code values are not handled.  e.g, SI_USER (0) for the
		// post-exec trap, SI_TKILL (-6)
		return UnknownTrap
	}
}

type VirtualAddress uint64

func (addr VirtualAddress) String() string {
	return fmt.Sprintf("0x%016x", uint64(addr))
}

// Accepts hex (0x prefixed), octal (0 prefixed) and decimal addresses.
func ParseVirtualAddress(str string) (VirtualAddress, error) {
	value, err := strconv.ParseUint(strings.TrimSpace(str), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%w. invalid address (%s)", ErrInvalidArgument, str)
	}

	return VirtualAddress(value), nil
}

type VirtualAddresses []VirtualAddress

func (s VirtualAddresses) Len() int {
	return len(s)
}

func (s VirtualAddresses) Less(i int, j int) bool {
	return uint64(s[i]) < uint64(s[j])
}

func (s VirtualAddresses) Swap(i int, j int) {
	s[i], s[j] = s[j], s[i]
}
