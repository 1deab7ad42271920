package stoppoint

import (
	"fmt"
	"strings"

	. "github.com/pattyshack/tdb/debugger/common"
)

// dr7 layout (least to most significant bit):
//
//	0:     dr0 local enabled
//	1:     dr0 global enabled (not applicable in linux)
//	2-7:   dr1 / dr2 / dr3 local and global enabled bits
//	8-15:  reserved / not applicable
//	16-17: dr0 conditions
//	18-19: dr0 watch size
//	20-31: dr1 / dr2 / dr3 conditions and watch sizes
//
// Condition bits:
//
//	0b00: instruction execution only
//	0b01: data write only
//	0b10: I/O reads and writes (not supported by linux)
//	0b11: data reads and writes
//
// Watch size bits:
//
//	0b00: 1 byte
//	0b01: 2 bytes
//	0b10: 8 bytes
//	0b11: 4 bytes
//
// dr6 bits 0-3 report which slot triggered.  The processor never clears
// them; that is the debugger's job.
const (
	NumDebugRegisterSlots = 4

	debugStatusSlotMask = uint64(0xf)
)

type WatchMode string

const (
	WriteMode     = WatchMode("write")
	ReadWriteMode = WatchMode("read/write")
)

func ParseWatchMode(str string) (WatchMode, error) {
	switch strings.ToLower(str) {
	case "w", "write":
		return WriteMode, nil
	case "rw", "read/write", "readwrite":
		return ReadWriteMode, nil
	default:
		return "", fmt.Errorf(
			"%w. invalid watch mode (%s). expected w or rw",
			ErrInvalidArgument,
			str)
	}
}

func enableBitOffset(slot int) uint {
	return uint(2 * slot)
}

func conditionBitsOffset(slot int) uint {
	return uint(16 + 4*slot)
}

func sizeBitsOffset(slot int) uint {
	return uint(18 + 4*slot)
}

func conditionBits(mode WatchMode) uint64 {
	// NOTE: I/0 read and writes mode (0b10) is not supported
	switch mode {
	case WriteMode:
		return 0b01
	case ReadWriteMode:
		return 0b11
	default:
		panic("should never happen")
	}
}

func sizeBits(size int) uint64 {
	switch size {
	case 1:
		return 0b00
	case 2:
		return 0b01
	case 4:
		return 0b11
	case 8:
		return 0b10
	default:
		panic("should never happen")
	}
}

// All dr7 bits owned by slot.
func slotControlMask(slot int) uint64 {
	return (uint64(0b11) << enableBitOffset(slot)) |
		(uint64(0b1111) << conditionBitsOffset(slot))
}

// Returns control with only slot's bits replaced.
func enableSlot(control uint64, slot int, mode WatchMode, size int) uint64 {
	control &^= slotControlMask(slot)
	control |= uint64(1) << enableBitOffset(slot)
	control |= conditionBits(mode) << conditionBitsOffset(slot)
	control |= sizeBits(size) << sizeBitsOffset(slot)
	return control
}

// Returns control with only slot's bits cleared.
func disableSlot(control uint64, slot int) uint64 {
	return control &^ slotControlMask(slot)
}

func isSlotEnabled(control uint64, slot int) bool {
	return control&(uint64(1)<<enableBitOffset(slot)) != 0
}

// Lists the dr6 status bits that are set, in slot order.
func triggeredSlots(status uint64) []int {
	result := []int{}
	for slot := 0; slot < NumDebugRegisterSlots; slot++ {
		if status&(uint64(1)<<slot) != 0 {
			result = append(result, slot)
		}
	}
	return result
}

func clearTriggeredSlots(status uint64) uint64 {
	return status &^ debugStatusSlotMask
}

// ValidateWatch rejects unsupported modes and sizes, and addresses which are
// not aligned to size.
func ValidateWatch(address VirtualAddress, size int, mode WatchMode) error {
	switch mode {
	case WriteMode, ReadWriteMode:
	default:
		return fmt.Errorf(
			"%w. invalid watch mode (%s)",
			ErrInvalidArgument,
			mode)
	}

	switch size {
	case 1, 2, 4, 8:
	default:
		return fmt.Errorf(
			"%w. invalid watch size (%d)",
			ErrInvalidArgument,
			size)
	}

	if uint64(address)%uint64(size) != 0 {
		return fmt.Errorf(
			"%w. address (%s) not aligned with watch size (%d)",
			ErrInvalidArgument,
			address,
			size)
	}

	return nil
}
