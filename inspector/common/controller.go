package common

import (
	"fmt"
)

type StopEventKind string

const (
	BreakPointHit = StopEventKind("break point hit")
	StepCompleted = StopEventKind("step completed")
)

// StopEvent describes why the target process stopped (or that it no longer
// exists).  Address is the instruction pointer at the stop, with any break
// point byte already accounted for.
type StopEvent struct {
	Kind    StopEventKind
	Address VirtualAddress

	Exited     bool
	ExitStatus int
}

func (event StopEvent) String() string {
	if event.Exited {
		return fmt.Sprintf("process exited with status %d", event.ExitStatus)
	}

	return fmt.Sprintf("%s at %s", event.Kind, event.Address)
}

// Controller is the narrow capability the inspection core needs from a
// debugger backend.  ptracer implements it against a live linux process;
// tests substitute scripted fakes.
type Controller interface {
	// ReadWord returns the 4-byte little-endian word at the given address.
	// Failures wrap ErrAdapterFault.
	ReadWord(addr VirtualAddress) (uint32, error)

	// InstructionPointer returns the stopped process' program counter.
	InstructionPointer() (VirtualAddress, error)

	SetBreakPoint(addr VirtualAddress) error
	ClearBreakPoint(addr VirtualAddress) error

	// SingleStep executes one instruction and blocks until the process
	// stops again.
	SingleStep() (StopEvent, error)

	// Continue resumes the process and blocks until the next stop.
	Continue() (StopEvent, error)
}
