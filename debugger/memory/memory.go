package memory

import (
	"fmt"

	. "github.com/pattyshack/tdb/debugger/common"
	"github.com/pattyshack/tdb/ptrace"
)

type tracer interface {
	ReadFromVirtualMemory(addr uintptr, data []byte) (int, error)
	PeekData(addr uintptr, data []byte) (int, error)
	PokeData(addr uintptr, data []byte) (int, error)
}

// The single read/write path into a stopped tracee's address space.  Reads go
// through process_vm_readv, falling back to PTRACE_PEEKDATA for whatever
// process_vm_readv could not read (e.g., pages without read permission).
// Writes go through PTRACE_POKEDATA since text pages are not writable by the
// tracee.
type VirtualMemory struct {
	pid    int
	tracer tracer
}

func New(tracer *ptrace.Tracer) *VirtualMemory {
	return &VirtualMemory{
		pid:    tracer.Pid,
		tracer: tracer,
	}
}

func (vm *VirtualMemory) Read(addr VirtualAddress, out []byte) (int, error) {
	count, err := vm.tracer.ReadFromVirtualMemory(uintptr(addr), out)
	if err != nil {
		count = 0
	}

	if count < len(out) {
		peeked, peekErr := vm.tracer.PeekData(
			uintptr(addr)+uintptr(count),
			out[count:])
		if peeked > 0 {
			count += peeked
		} else if count == 0 {
			if err == nil {
				err = peekErr
			}
			return 0, fmt.Errorf(
				"failed to read from virtual memory at %s (%d) for process %d: %w",
				addr,
				len(out),
				vm.pid,
				err)
		}
	}

	return count, nil
}

func (vm *VirtualMemory) Write(addr VirtualAddress, data []byte) (int, error) {
	count, err := vm.tracer.PokeData(uintptr(addr), data)
	if err != nil {
		return 0, fmt.Errorf(
			"failed to write to virtual memory at %s (%d) for process %d: %w",
			addr,
			len(data),
			vm.pid,
			err)
	}

	return count, nil
}

// Reads exactly len(out) bytes or fails.
func ReadFull(reader Reader, addr VirtualAddress, out []byte) error {
	count, err := reader.ReadMemory(addr, out)
	if err != nil {
		return err
	}

	if count != len(out) {
		return fmt.Errorf(
			"failed to read from memory at %s. "+
				"incorrect number of bytes read (%d != %d)",
			addr,
			count,
			len(out))
	}

	return nil
}

// Writes exactly len(data) bytes or fails.
func WriteFull(writer Writer, addr VirtualAddress, data []byte) error {
	count, err := writer.WriteMemory(addr, data)
	if err != nil {
		return err
	}

	if count != len(data) {
		return fmt.Errorf(
			"failed to write to memory at %s. "+
				"incorrect number of bytes written (%d != %d)",
			addr,
			count,
			len(data))
	}

	return nil
}

type Reader interface {
	ReadMemory(addr VirtualAddress, out []byte) (int, error)
}

type Writer interface {
	WriteMemory(addr VirtualAddress, data []byte) (int, error)
}
