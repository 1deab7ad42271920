package ptrace

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

type Options int

const (
	vmPageSize = 0x1000

	O_EXITKILL = Options(unix.PTRACE_O_EXITKILL)

	// personality(0xffffffff) queries the persona without modifying it.
	queryPersonality = 0xffffffff

	// ADDR_NO_RANDOMIZE from <sys/personality.h>
	addrNoRandomize = 0x0040000
)

// This matches user_regs_struct (64bit variant) defined in <sys/user.h>
type UserRegs = syscall.PtraceRegs

// This matches user (64bit variant) defined in <sys/user.h>.  Only the
// offset of UDebugReg matters; i387 is kept as an opaque blob of
// user_fpregs_struct's size.
type User struct {
	Regs       UserRegs
	UFPValid   int
	I387       [512]byte
	UTSize     uint64
	UDSize     uint64
	USSize     uint64
	StartCode  uint64
	StartStack uint64
	Signal     int64
	Reserved   int
	UAr0       uintptr // struct user_regs_struct*
	UFPState   uintptr // struct user_fpregs_struct*
	Magic      uint64
	UComm      [32]byte
	UDebugReg  [8]uint64
}

type SigInfo = unix.Siginfo

func ptrace(request int, pid int, addr uintptr, data uintptr) error {
	_, _, err := syscall.Syscall6(
		syscall.SYS_PTRACE,
		uintptr(request),
		uintptr(pid),
		addr,
		data,
		0,
		0)
	if err == 0 {
		return nil
	}
	return err
}

func ptracePtr(request int, pid int, addr uintptr, data unsafe.Pointer) error {
	return ptrace(request, pid, addr, uintptr(data))
}

// syscall.PtraceSingleStep does not accept a signal to deliver.
func singleStep(pid int, signal int) error {
	return ptrace(syscall.PTRACE_SINGLESTEP, pid, 0, uintptr(signal))
}

func peekUserArea(pid int, offset uintptr) (uintptr, error) {
	// Since we're issuing Syscall6 directly, we need to pass in a valid output
	// pointer.  See "C library/kernel differences" in ptrace man(2) page for
	// detail.
	data := uintptr(0)
	err := ptracePtr(syscall.PTRACE_PEEKUSR, pid, offset, unsafe.Pointer(&data))
	return data, err
}

func pokeUserArea(pid int, offset uintptr, data uintptr) error {
	return ptrace(syscall.PTRACE_POKEUSR, pid, offset, data)
}

func getSigInfo(pid int, out *SigInfo) error {
	return ptracePtr(syscall.PTRACE_GETSIGINFO, pid, 0, unsafe.Pointer(out))
}

// Returns a function which restores the tracer thread's original persona.
// The persona is inherited across fork, so this must be called on the thread
// that starts the process.
func disableRandomization() (func(), error) {
	original, _, errno := syscall.Syscall(
		unix.SYS_PERSONALITY,
		queryPersonality,
		0,
		0)
	if errno != 0 {
		return nil, errno
	}

	_, _, errno = syscall.Syscall(
		unix.SYS_PERSONALITY,
		original|addrNoRandomize,
		0,
		0)
	if errno != 0 {
		return nil, errno
	}

	return func() {
		_, _, _ = syscall.Syscall(unix.SYS_PERSONALITY, original, 0, 0)
	}, nil
}

func readVirtualMemory(pid int, addr uintptr, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}

	localIovs := make([]unix.Iovec, 1)
	localIovs[0].Base = &data[0]
	localIovs[0].SetLen(len(data))

	var remoteIovs []unix.RemoteIovec

	remaining := len(data)

	// NOTE: We need to ensure RemoteIovec entries are page aligned.
	for remaining > 0 {
		pageEndAddr := (addr/vmPageSize + 1) * vmPageSize

		size := int(pageEndAddr - addr)
		if remaining < size {
			size = remaining
		}

		remoteIovs = append(
			remoteIovs,
			unix.RemoteIovec{
				Base: addr,
				Len:  size,
			})

		remaining -= size
		addr += uintptr(size)
	}

	return unix.ProcessVMReadv(pid, localIovs, remoteIovs, 0)
}
