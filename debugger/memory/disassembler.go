package memory

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	. "github.com/pattyshack/tdb/debugger/common"
)

const (
	maxX64InstructionLength = 15
)

type DisassembledInstruction struct {
	Address VirtualAddress
	x86asm.Inst
}

func (inst DisassembledInstruction) String() string {
	return fmt.Sprintf(
		"0x%016x: %s",
		uint64(inst.Address),
		x86asm.GNUSyntax(inst.Inst, uint64(inst.Address), nil))
}

type StopSiteBytes interface {
	// If an installed stop site is in the range
	//    [startAddr, startAddr + len(memorySlice))
	// replace the stop site bytes with the original data bytes in the
	// memorySlice.
	ReplaceStopSiteBytes(startAddr VirtualAddress, memorySlice []byte)
}

type Disassembler struct {
	memory    Reader
	stopSites StopSiteBytes
}

func NewDisassembler(
	memory Reader,
	stopSites StopSiteBytes,
) *Disassembler {
	return &Disassembler{
		memory:    memory,
		stopSites: stopSites,
	}
}

func (disassembler *Disassembler) Disassemble(
	startAddress VirtualAddress,
	numInstructions int,
) (
	[]DisassembledInstruction,
	error,
) {
	if numInstructions < 0 {
		return nil, fmt.Errorf(
			"%w. invalid number of instructions to disassemble: %d",
			ErrInvalidArgument,
			numInstructions)
	} else if numInstructions == 0 {
		return nil, nil
	}

	data := make([]byte, numInstructions*maxX64InstructionLength)

	// The read may be short when the range crosses into unmapped memory.
	count, err := disassembler.memory.ReadMemory(startAddress, data)
	if err != nil && count == 0 {
		return nil, err
	}
	data = data[:count]

	if disassembler.stopSites != nil {
		disassembler.stopSites.ReplaceStopSiteBytes(startAddress, data)
	}

	address := startAddress
	result := make([]DisassembledInstruction, 0, numInstructions)
	for len(data) > 0 && len(result) < numInstructions {
		inst, err := x86asm.Decode(data, 64)
		if err != nil {
			break
		}

		result = append(
			result,
			DisassembledInstruction{
				Address: address,
				Inst:    inst,
			})

		data = data[inst.Len:]
		address += VirtualAddress(inst.Len)
	}

	return result, nil
}
