package common

import (
	"fmt"
)

var (
	ErrInvalidArgument = fmt.Errorf("invalid argument")

	// The target process has terminated.  Session finalization trigger, not
	// a real failure.
	ErrProcessExited = fmt.Errorf("process exited")

	// The debugger backend could not read memory or control the process.
	// The affected step failed, but the session remains usable.
	ErrAdapterFault = fmt.Errorf("adapter fault")
)

// A 32-bit target virtual address.
type VirtualAddress uint32

func (addr VirtualAddress) String() string {
	return fmt.Sprintf("0x%08x", uint32(addr))
}

type VirtualAddresses []VirtualAddress

func (s VirtualAddresses) Len() int {
	return len(s)
}

func (s VirtualAddresses) Less(i int, j int) bool {
	return uint32(s[i]) < uint32(s[j])
}

func (s VirtualAddresses) Swap(i int, j int) {
	s[i], s[j] = s[j], s[i]
}

type AddressRange struct {
	Low  VirtualAddress
	High VirtualAddress
}

func (ar AddressRange) Contains(addr VirtualAddress) bool {
	return ar.Low <= addr && addr < ar.High
}

type AddressRanges []AddressRange

func (ars AddressRanges) Contains(addr VirtualAddress) bool {
	for _, ar := range ars {
		if ar.Contains(addr) {
			return true
		}
	}
	return false
}
