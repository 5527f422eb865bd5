// Package ptracer implements the inspection core's process controller
// capability against a live linux process.
package ptracer

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/pattyshack/dyninspect/inspector/common"
)

type requestType string

const (
	start    = requestType("start")
	attach   = requestType("attach")
	detach   = requestType("detach")
	resume   = requestType("resume")
	step     = requestType("step")
	getregs  = requestType("getregs")
	setregs  = requestType("setregs")
	peekdata = requestType("peekdata")
	pokedata = requestType("pokedata")
	wait     = requestType("wait")
)

type request struct {
	requestType

	cmd *exec.Cmd // start

	signal int // resume

	regs *unix.PtraceRegs // get/set regs

	addr   uintptr // peek/poke data
	buffer []byte  // peek/poke data

	responseChan chan response
}

type response struct {
	count      int
	waitStatus unix.WaitStatus
	err        error
}

// This ensures ptrace calls to a process are goroutine-safe.
//
// NOTE: all ptrace calls to a process, including PTRACE_TRACEME in
// os.StartProcess / exec.Cmd.Start, must originate from the same os thread.
//
// https://github.com/golang/go/issues/7699
// https://github.com/golang/go/issues/43685
type tracer struct {
	cancel func()
	ctx    context.Context

	// Reminder: requestChan is blocking.  responseChan(s) are non-blocking.
	requestChan chan request

	mutex sync.Mutex

	_pid int // guarded by mutex
}

func newTracer(pid int) *tracer {
	ctx, cancel := context.WithCancel(context.Background())

	t := &tracer{
		cancel:      cancel,
		ctx:         ctx,
		requestChan: make(chan request),
		_pid:        pid,
	}

	go t.processRequests()
	return t
}

func (t *tracer) Pid() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t._pid
}

func (t *tracer) setPid(pid int) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t._pid = pid
}

func (t *tracer) processRequests() {
	runtime.LockOSThread()
	defer func() {
		t.cancel()
		runtime.UnlockOSThread()
	}()

	pid := t.Pid()
	for req := range t.requestChan {
		switch req.requestType {
		case start:
			err := req.cmd.Start()
			if err != nil {
				err = fmt.Errorf("failed to start process: %w", err)
			} else {
				pid = req.cmd.Process.Pid
				t.setPid(pid)
			}

			req.responseChan <- response{
				err: err,
			}
		case attach:
			err := unix.PtraceAttach(pid)
			if err != nil {
				err = fmt.Errorf("failed to attach to process %d: %w", pid, err)
			}

			req.responseChan <- response{
				err: err,
			}
		case detach:
			err := unix.PtraceDetach(pid)
			if err != nil {
				err = fmt.Errorf("failed to detach from process %d: %w", pid, err)
			}

			req.responseChan <- response{
				err: err,
			}

			return
		case resume:
			err := unix.PtraceCont(pid, req.signal)
			if err != nil {
				err = fmt.Errorf("failed to resume process %d: %w", pid, err)
			}

			req.responseChan <- response{
				err: err,
			}
		case step:
			err := unix.PtraceSingleStep(pid)
			if err != nil {
				err = fmt.Errorf("failed to step process %d: %w", pid, err)
			}

			req.responseChan <- response{
				err: err,
			}
		case getregs:
			err := unix.PtraceGetRegs(pid, req.regs)
			if err != nil {
				err = fmt.Errorf(
					"failed to get register values from process %d: %w",
					pid,
					err)
			}

			req.responseChan <- response{
				err: err,
			}
		case setregs:
			err := unix.PtraceSetRegs(pid, req.regs)
			if err != nil {
				err = fmt.Errorf(
					"failed to set register values for process %d: %w",
					pid,
					err)
			}

			req.responseChan <- response{
				err: err,
			}
		case peekdata:
			count, err := unix.PtracePeekData(pid, req.addr, req.buffer)
			if err != nil {
				err = fmt.Errorf(
					"failed to read process %d memory at 0x%x: %w",
					pid,
					req.addr,
					err)
			}

			req.responseChan <- response{
				count: count,
				err:   err,
			}
		case pokedata:
			count, err := unix.PtracePokeData(pid, req.addr, req.buffer)
			if err != nil {
				err = fmt.Errorf(
					"failed to write process %d memory at 0x%x: %w",
					pid,
					req.addr,
					err)
			}

			req.responseChan <- response{
				count: count,
				err:   err,
			}
		case wait:
			var waitStatus unix.WaitStatus
			_, err := unix.Wait4(pid, &waitStatus, 0, nil)
			if err != nil {
				err = fmt.Errorf("failed to wait for process %d: %w", pid, err)
			}

			req.responseChan <- response{
				waitStatus: waitStatus,
				err:        err,
			}
		}
	}
}

func (t *tracer) send(req request) (response, error) {
	respChan := make(chan response, 1)
	req.responseChan = respChan

	select {
	case <-t.ctx.Done():
		return response{}, fmt.Errorf(
			"invalid operation. tracer has detached from process %d",
			t.Pid())
	case t.requestChan <- req:
		resp := <-respChan
		return resp, resp.err
	}
}

func (t *tracer) Detach() error {
	_, err := t.send(request{
		requestType: detach,
	})
	return err
}

func (t *tracer) Resume(signal int) error {
	_, err := t.send(request{
		requestType: resume,
		signal:      signal,
	})
	return err
}

func (t *tracer) Step() error {
	_, err := t.send(request{
		requestType: step,
	})
	return err
}

func (t *tracer) GetRegs() (*unix.PtraceRegs, error) {
	out := &unix.PtraceRegs{}
	_, err := t.send(request{
		requestType: getregs,
		regs:        out,
	})
	return out, err
}

func (t *tracer) SetRegs(in *unix.PtraceRegs) error {
	_, err := t.send(request{
		requestType: setregs,
		regs:        in,
	})
	return err
}

func (t *tracer) PeekData(addr common.VirtualAddress, buffer []byte) error {
	resp, err := t.send(request{
		requestType: peekdata,
		addr:        uintptr(addr),
		buffer:      buffer,
	})
	if err != nil {
		return err
	}

	if resp.count != len(buffer) {
		return fmt.Errorf(
			"short read at %s (%d != %d)",
			addr,
			resp.count,
			len(buffer))
	}

	return nil
}

func (t *tracer) PokeData(addr common.VirtualAddress, buffer []byte) error {
	resp, err := t.send(request{
		requestType: pokedata,
		addr:        uintptr(addr),
		buffer:      buffer,
	})
	if err != nil {
		return err
	}

	if resp.count != len(buffer) {
		return fmt.Errorf(
			"short write at %s (%d != %d)",
			addr,
			resp.count,
			len(buffer))
	}

	return nil
}

func (t *tracer) Wait() (unix.WaitStatus, error) {
	resp, err := t.send(request{
		requestType: wait,
	})
	return resp.waitStatus, err
}
