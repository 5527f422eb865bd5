package common

import (
	"fmt"
)

// LinkingPhase is where a tracked routine currently sits in the static
// linking / dynamic loading / lazy binding life cycle.  Phases only ever
// advance; see LinkingPhase.CanTransitionTo.
type LinkingPhase int

const (
	// No break point has fired yet for this routine.
	PhaseNotStarted = LinkingPhase(iota)

	// The static linker recorded the symbol dependency.  Entered for every
	// tracked routine when the session begins.
	PhaseStaticResolved

	// The dynamic loader mapped the owning shared object, but the got slot
	// still holds the unresolved stub value.
	PhaseLoaderMapping

	// The instruction pointer stopped at the routine's plt stub for the
	// first time.
	PhaseStubFirstCall

	// Control transferred into the shared resolver trampoline at the head
	// of the plt.
	PhaseResolverInvoked

	// The got slot now holds an address outside the plt: the resolver
	// patched it.
	PhaseAddressPatched

	// A later stop at the plt stub found the slot already patched; the stub
	// jumps straight through.
	PhaseResolvedDirect

	// Terminal marker for routines whose resolution never completed before
	// the target process exited.  Not one of the six analytic phases.
	PhaseAbandoned
)

func (phase LinkingPhase) String() string {
	switch phase {
	case PhaseNotStarted:
		return "NotStarted"
	case PhaseStaticResolved:
		return "StaticResolved"
	case PhaseLoaderMapping:
		return "LoaderMapping"
	case PhaseStubFirstCall:
		return "StubFirstCall"
	case PhaseResolverInvoked:
		return "ResolverInvoked"
	case PhaseAddressPatched:
		return "AddressPatched"
	case PhaseResolvedDirect:
		return "ResolvedDirect"
	case PhaseAbandoned:
		return "Abandoned"
	default:
		return fmt.Sprintf("LinkingPhaseUnknown(%d)", int(phase))
	}
}

// Terminal reports whether the routine can make no further progress.
func (phase LinkingPhase) Terminal() bool {
	return phase == PhaseAbandoned
}

// CanTransitionTo enforces the forward-only phase order.  Repeated stops in
// PhaseResolvedDirect are allowed; everything else must strictly advance.
func (phase LinkingPhase) CanTransitionTo(next LinkingPhase) bool {
	if phase.Terminal() {
		return false
	}

	if next == PhaseResolvedDirect && phase == PhaseResolvedDirect {
		return true
	}

	return next > phase
}
