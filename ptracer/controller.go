package ptracer

import (
	"encoding/binary"
	"fmt"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/pattyshack/dyninspect/inspector/common"
)

const (
	int3Instruction = byte(0xcc)
)

// Controller drives a 32-bit tracee and implements the inspection core's
// process controller interface with int3 software break points.
//
// NOTE: the tracee is a 32-bit process; on a 64-bit kernel its registers are
// still reported through the 64-bit layout with values zero-extended, so the
// program counter is the low half of Rip.
type Controller struct {
	tracer *tracer

	Pid int

	exited     bool
	exitStatus int

	// break point address -> original instruction byte
	breakPoints map[common.VirtualAddress]byte
}

var _ common.Controller = &Controller{}

// StartProcess launches the executable under ptrace and waits for the
// initial stop at the dynamic loader entry.
func StartProcess(path string, args ...string) (*Controller, error) {
	cmd := exec.Command(path, args...)
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}

	// Child process invokes PTRACE_TRACEME on start.
	cmd.SysProcAttr.Ptrace = true

	t := newTracer(0)

	_, err := t.send(request{
		requestType: start,
		cmd:         cmd,
	})
	if err != nil {
		close(t.requestChan) // shutdown process thread
		return nil, err
	}

	controller := &Controller{
		tracer:      t,
		Pid:         t.Pid(),
		breakPoints: map[common.VirtualAddress]byte{},
	}

	// The child stops with SIGTRAP before executing its first instruction.
	_, err = t.Wait()
	if err != nil {
		return nil, err
	}

	return controller, nil
}

// AttachToProcess attaches to a running 32-bit process.
func AttachToProcess(pid int) (*Controller, error) {
	t := newTracer(pid)

	_, err := t.send(request{
		requestType: attach,
	})
	if err != nil {
		close(t.requestChan) // shutdown process thread
		return nil, err
	}

	controller := &Controller{
		tracer:      t,
		Pid:         pid,
		breakPoints: map[common.VirtualAddress]byte{},
	}

	_, err = t.Wait()
	if err != nil {
		return nil, err
	}

	return controller, nil
}

func (controller *Controller) Close() error {
	if controller.exited {
		return nil
	}

	return controller.tracer.Detach()
}

func (controller *Controller) ReadWord(
	addr common.VirtualAddress,
) (
	uint32,
	error,
) {
	if controller.exited {
		return 0, common.ErrProcessExited
	}

	buffer := make([]byte, 4)
	err := controller.tracer.PeekData(addr, buffer)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", common.ErrAdapterFault, err)
	}

	// Break point bytes are an implementation detail; never leak them.
	for idx := range buffer {
		original, ok := controller.breakPoints[addr+common.VirtualAddress(idx)]
		if ok {
			buffer[idx] = original
		}
	}

	return binary.LittleEndian.Uint32(buffer), nil
}

func (controller *Controller) InstructionPointer() (common.VirtualAddress, error) {
	if controller.exited {
		return 0, common.ErrProcessExited
	}

	regs, err := controller.tracer.GetRegs()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", common.ErrAdapterFault, err)
	}

	return common.VirtualAddress(regs.Rip), nil
}

func (controller *Controller) setInstructionPointer(
	addr common.VirtualAddress,
) error {
	regs, err := controller.tracer.GetRegs()
	if err != nil {
		return fmt.Errorf("%w: %w", common.ErrAdapterFault, err)
	}

	regs.Rip = uint64(addr)
	err = controller.tracer.SetRegs(regs)
	if err != nil {
		return fmt.Errorf("%w: %w", common.ErrAdapterFault, err)
	}

	return nil
}

func (controller *Controller) SetBreakPoint(addr common.VirtualAddress) error {
	if controller.exited {
		return common.ErrProcessExited
	}

	_, ok := controller.breakPoints[addr]
	if ok {
		return nil
	}

	original, err := controller.swapByte(addr, int3Instruction)
	if err != nil {
		return fmt.Errorf("%w: %w", common.ErrAdapterFault, err)
	}

	controller.breakPoints[addr] = original
	return nil
}

func (controller *Controller) ClearBreakPoint(addr common.VirtualAddress) error {
	if controller.exited {
		return common.ErrProcessExited
	}

	original, ok := controller.breakPoints[addr]
	if !ok {
		return nil
	}

	_, err := controller.swapByte(addr, original)
	if err != nil {
		return fmt.Errorf("%w: %w", common.ErrAdapterFault, err)
	}

	delete(controller.breakPoints, addr)
	return nil
}

func (controller *Controller) swapByte(
	addr common.VirtualAddress,
	newData byte,
) (
	byte,
	error,
) {
	buffer := make([]byte, 1)
	err := controller.tracer.PeekData(addr, buffer)
	if err != nil {
		return 0, err
	}

	original := buffer[0]
	buffer[0] = newData

	err = controller.tracer.PokeData(addr, buffer)
	if err != nil {
		return 0, err
	}

	return original, nil
}

func (controller *Controller) SingleStep() (common.StopEvent, error) {
	if controller.exited {
		return common.StopEvent{}, common.ErrProcessExited
	}

	pc, err := controller.InstructionPointer()
	if err != nil {
		return common.StopEvent{}, err
	}

	// Step the real instruction, not the break point byte.
	original, hasBreakPoint := controller.breakPoints[pc]
	if hasBreakPoint {
		_, err := controller.swapByte(pc, original)
		if err != nil {
			return common.StopEvent{}, fmt.Errorf("%w: %w", common.ErrAdapterFault, err)
		}
	}

	err = controller.tracer.Step()
	if err != nil {
		return common.StopEvent{}, fmt.Errorf("%w: %w", common.ErrAdapterFault, err)
	}

	event, err := controller.waitForStop(common.StepCompleted)
	if err != nil {
		return common.StopEvent{}, err
	}

	if hasBreakPoint && !event.Exited {
		_, err := controller.swapByte(pc, int3Instruction)
		if err != nil {
			return common.StopEvent{}, fmt.Errorf("%w: %w", common.ErrAdapterFault, err)
		}
	}

	return event, nil
}

func (controller *Controller) Continue() (common.StopEvent, error) {
	if controller.exited {
		return common.StopEvent{}, common.ErrProcessExited
	}

	pc, err := controller.InstructionPointer()
	if err != nil {
		return common.StopEvent{}, err
	}

	// If stopped on a break point, step over it first so re-arming it does
	// not re-trap immediately.
	_, hasBreakPoint := controller.breakPoints[pc]
	if hasBreakPoint {
		event, err := controller.SingleStep()
		if err != nil {
			return common.StopEvent{}, err
		}
		if event.Exited {
			return event, nil
		}
	}

	err = controller.tracer.Resume(0)
	if err != nil {
		return common.StopEvent{}, fmt.Errorf("%w: %w", common.ErrAdapterFault, err)
	}

	return controller.waitForStop(common.BreakPointHit)
}

func (controller *Controller) waitForStop(
	kind common.StopEventKind,
) (
	common.StopEvent,
	error,
) {
	waitStatus, err := controller.tracer.Wait()
	if err != nil {
		return common.StopEvent{}, fmt.Errorf("%w: %w", common.ErrAdapterFault, err)
	}

	if waitStatus.Exited() || waitStatus.Signaled() {
		controller.exited = true
		controller.exitStatus = waitStatus.ExitStatus()
		return common.StopEvent{
			Exited:     true,
			ExitStatus: waitStatus.ExitStatus(),
		}, nil
	}

	pc, err := controller.InstructionPointer()
	if err != nil {
		return common.StopEvent{}, err
	}

	// An int3 trap leaves the program counter one past the break point
	// byte.  Rewind so the reported address is the instruction the target
	// was about to execute.
	if waitStatus.StopSignal() == unix.SIGTRAP && kind == common.BreakPointHit {
		_, ok := controller.breakPoints[pc-1]
		if ok {
			pc -= 1
			err := controller.setInstructionPointer(pc)
			if err != nil {
				return common.StopEvent{}, err
			}
		}
	}

	return common.StopEvent{
		Kind:    kind,
		Address: pc,
	}, nil
}
