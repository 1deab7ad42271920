package ptrace

import (
	"context"
	"fmt"
	"runtime"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/pattyshack/tdb/logflags"
)

type handler func(*traceServer, request) response

var handlers = map[opType]handler{
	startOp:      (*traceServer).start,
	detachOp:     (*traceServer).detach,
	shutdownOp:   (*traceServer).shutdown,
	resumeOp:     (*traceServer).resume,
	singleStepOp: (*traceServer).singleStep,
	setOptionsOp: (*traceServer).setOptions,
	getRegsOp:    (*traceServer).getRegs,
	setRegsOp:    (*traceServer).setRegs,
	peekUserOp:   (*traceServer).peekUser,
	pokeUserOp:   (*traceServer).pokeUser,
	peekDataOp:   (*traceServer).peekData,
	pokeDataOp:   (*traceServer).pokeData,
	readMemoryOp: (*traceServer).readMemory,
	getSigInfoOp: (*traceServer).getSigInfo,
}

type traceServer struct {
	cancel func()
	ctx    context.Context

	// Reminder: requestChan is blocking. responseChan(s) are non-blocking.
	requestChan chan request

	logger *logrus.Entry
}

func newTraceServer() *traceServer {
	ctx, cancel := context.WithCancel(context.Background())

	server := &traceServer{
		cancel:      cancel,
		ctx:         ctx,
		requestChan: make(chan request),
		logger:      logflags.PtraceLogger(),
	}

	go server.processRequests()
	return server
}

func (server *traceServer) processRequests() {
	runtime.LockOSThread()
	defer func() {
		server.cancel()
		runtime.UnlockOSThread()
	}()

	for req := range server.requestChan {
		handle, ok := handlers[req.opType]
		if !ok {
			panic("should never happen")
		}

		resp := handle(server, req)
		if logflags.Ptrace() {
			server.logger.WithFields(logrus.Fields{
				"op":  string(req.opType),
				"pid": req.pid,
			}).Debugf("served (err=%v)", resp.err)
		}

		// A failed detach leaves the tracee attached to this thread.
		if req.opType.terminates() && resp.err == nil {
			server.cancel()
			req.responseChan <- resp
			return
		}

		req.responseChan <- resp
	}
}

func (server *traceServer) start(req request) response {
	if req.disableASLR {
		restore, err := disableRandomization()
		if err != nil {
			return response{
				err: fmt.Errorf("failed to disable address randomization: %w", err),
			}
		}
		defer restore()
	}

	err := req.cmd.Start()
	if err != nil {
		err = fmt.Errorf("failed to start process: %w", err)
	}

	return response{
		err: err,
	}
}

func (server *traceServer) detach(req request) response {
	err := syscall.PtraceDetach(req.pid)
	if err != nil {
		err = fmt.Errorf("failed to detach from process %d: %w", req.pid, err)
	}

	return response{
		err: err,
	}
}

func (server *traceServer) shutdown(req request) response {
	return response{}
}

func (server *traceServer) resume(req request) response {
	err := syscall.PtraceCont(req.pid, req.signal)
	if err != nil {
		err = fmt.Errorf("failed to resume process %d: %w", req.pid, err)
	}

	return response{
		err: err,
	}
}

func (server *traceServer) singleStep(req request) response {
	err := singleStep(req.pid, req.signal)
	if err != nil {
		err = fmt.Errorf("failed to single step process %d: %w", req.pid, err)
	}

	return response{
		err: err,
	}
}

func (server *traceServer) setOptions(req request) response {
	err := syscall.PtraceSetOptions(req.pid, int(req.options))
	if err != nil {
		err = fmt.Errorf("failed to set options for process %d: %w", req.pid, err)
	}

	return response{
		err: err,
	}
}

func (server *traceServer) getRegs(req request) response {
	err := syscall.PtraceGetRegs(req.pid, req.regs)
	if err != nil {
		err = fmt.Errorf(
			"failed to get general register values from process %d: %w",
			req.pid,
			err)
	}

	return response{
		err: err,
	}
}

func (server *traceServer) setRegs(req request) response {
	err := syscall.PtraceSetRegs(req.pid, req.regs)
	if err != nil {
		err = fmt.Errorf(
			"failed to set general register values for process %d: %w",
			req.pid,
			err)
	}

	return response{
		err: err,
	}
}

func (server *traceServer) peekUser(req request) response {
	data, err := peekUserArea(req.pid, req.offset)
	if err != nil {
		return response{
			err: fmt.Errorf(
				"failed to peek user area (%d) for process %d: %w",
				req.offset,
				req.pid,
				err),
		}
	}

	return response{
		registerData: data,
	}
}

func (server *traceServer) pokeUser(req request) response {
	err := pokeUserArea(req.pid, req.offset, req.registerData)
	if err != nil {
		err = fmt.Errorf(
			"failed to poke user area (%d ; 0x%x) for process %d: %w",
			req.offset,
			req.registerData,
			req.pid,
			err)
	}

	return response{
		err: err,
	}
}

func (server *traceServer) peekData(req request) response {
	count, err := syscall.PtracePeekData(req.pid, req.addr, req.data)
	if err != nil {
		err = fmt.Errorf(
			"failed to peek data (0x%x ; %d) for process %d: %w",
			req.addr,
			len(req.data),
			req.pid,
			err)
	}

	return response{
		count: count,
		err:   err,
	}
}

func (server *traceServer) readMemory(req request) response {
	count, err := readVirtualMemory(req.pid, req.addr, req.data)
	if err != nil {
		err = fmt.Errorf(
			"failed to process_vm_readv at 0x%x (%d) from process %d: %w",
			req.addr,
			len(req.data),
			req.pid,
			err)
	}

	return response{
		count: count,
		err:   err,
	}
}

func (server *traceServer) pokeData(req request) response {
	count, err := syscall.PtracePokeData(req.pid, req.addr, req.data)
	if err != nil {
		err = fmt.Errorf(
			"failed to poke data (0x%x ; %d) for process %d: %w",
			req.addr,
			len(req.data),
			req.pid,
			err)
	}

	return response{
		count: count,
		err:   err,
	}
}

func (server *traceServer) getSigInfo(req request) response {
	out := &SigInfo{}
	err := getSigInfo(req.pid, out)
	if err != nil {
		return response{
			err: fmt.Errorf(
				"failed to get signal information from process %d: %w",
				req.pid,
				err),
		}
	}

	return response{
		sigInfo: out,
	}
}
