package ptrace

import (
	"os/exec"
)

type opType string

const (
	startOp      = opType("start")
	detachOp     = opType("detach")
	shutdownOp   = opType("shutdown")
	resumeOp     = opType("resume")
	singleStepOp = opType("singleStep")
	setOptionsOp = opType("setOptions")
	getRegsOp    = opType("getRegs")
	setRegsOp    = opType("setRegs")
	peekUserOp   = opType("peekUser")
	pokeUserOp   = opType("pokeUser")
	peekDataOp   = opType("peekData")
	pokeDataOp   = opType("pokeData")
	readMemoryOp = opType("readMemory")
	getSigInfoOp = opType("getSigInfo")
)

// detachOp and shutdownOp terminate the server loop.
func (op opType) terminates() bool {
	return op == detachOp || op == shutdownOp
}

type request struct {
	opType

	cmd         *exec.Cmd // start
	disableASLR bool      // start

	pid int // used by all except start

	signal int // resume / single step

	options Options // set options

	regs *UserRegs // get/set regs

	offset       uintptr // peek/poke user area
	registerData uintptr // poke user area

	addr uintptr // peek/poke data, read memory
	data []byte  // peek/poke data, read memory

	responseChan chan response
}

type response struct {
	registerData uintptr // peek user area

	count int // peek/poke data, read memory

	sigInfo *SigInfo // get sig info

	err error
}
