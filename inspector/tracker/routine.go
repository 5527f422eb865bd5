package tracker

import (
	"fmt"

	"github.com/pattyshack/dyninspect/inspector/pltgot"

	. "github.com/pattyshack/dyninspect/inspector/common"
)

// TrackedRoutine is the mutable per-routine record.  Created when the session
// starts, mutated only by the session on stop events that concern the
// routine's got slot or plt stub, discarded with the session.
type TrackedRoutine struct {
	pltgot.PltEntry

	Phase LinkingPhase

	LastObservedGotValue uint32

	// Number of stops observed at the routine's plt stub.
	CallCount int

	// Set when the plt/got model derivation was degraded; every phase
	// classification for this routine is best-effort.
	LowConfidence bool
}

func (routine *TrackedRoutine) String() string {
	confidence := ""
	if routine.LowConfidence {
		confidence = " (low confidence)"
	}

	return fmt.Sprintf(
		"%s: %s%s (stub=%s slot=%s got=0x%08x calls=%d)",
		routine.SymbolName,
		routine.Phase,
		confidence,
		routine.StubAddress,
		routine.GotSlotAddress,
		routine.LastObservedGotValue,
		routine.CallCount)
}
