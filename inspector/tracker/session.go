package tracker

import (
	"fmt"
	"sort"

	"github.com/pattyshack/dyninspect/elf"
	"github.com/pattyshack/dyninspect/inspector/pltgot"
	"github.com/pattyshack/dyninspect/inspector/timeline"

	. "github.com/pattyshack/dyninspect/inspector/common"
)

// Session is the linking-state tracker for one inspection run.  It is the
// sole mutator of its TrackedRoutine set; all stop events are handled one at
// a time.  The session never tears itself down on adapter faults; only the
// caller decides whether to retry or abort.
type Session struct {
	model   *pltgot.Model
	known   AddressRanges
	control Controller

	recorder *timeline.Recorder

	routines []*TrackedRoutine
	byStub   map[VirtualAddress]*TrackedRoutine

	mostRecentlyArmed *TrackedRoutine

	finalized bool
}

// KnownRanges collects the virtual address ranges of all loaded sections.
// Stops outside these ranges are reported as unmapped.
func KnownRanges(file *elf.File) AddressRanges {
	result := AddressRanges{}
	for _, section := range file.Sections {
		hdr := section.Header()
		if hdr.SectionFlags&elf.SectionOccupiesMemory == 0 || hdr.Size == 0 {
			continue
		}

		result = append(
			result,
			AddressRange{
				Low:  VirtualAddress(hdr.Address),
				High: VirtualAddress(hdr.Address + hdr.Size),
			})
	}
	return result
}

func NewSession(
	model *pltgot.Model,
	known AddressRanges,
	control Controller,
	recorder *timeline.Recorder,
) *Session {
	session := &Session{
		model:    model,
		known:    known,
		control:  control,
		recorder: recorder,
		byStub:   map[VirtualAddress]*TrackedRoutine{},
	}

	for _, entry := range model.Entries {
		routine := &TrackedRoutine{
			PltEntry:             entry,
			Phase:                PhaseNotStarted,
			LastObservedGotValue: entry.UnresolvedStubValue,
			LowConfidence:        model.Degraded,
		}
		session.routines = append(session.routines, routine)
		session.byStub[entry.StubAddress] = routine
	}

	return session
}

func (session *Session) Routines() []*TrackedRoutine {
	return session.routines
}

func (session *Session) Finalized() bool {
	return session.finalized
}

// Begin marks every tracked routine statically resolved.  The static linker
// recorded the symbol dependencies at link time, so this holds as soon as
// the plt entries exist.
func (session *Session) Begin() []timeline.Event {
	events := []timeline.Event{}
	for _, routine := range session.routines {
		event, ok := session.transition(
			routine,
			PhaseStaticResolved,
			routine.StubAddress,
			routine.UnresolvedStubValue)
		if ok {
			events = append(events, event)
		}
	}
	return events
}

// ArmAll sets a break point at every tracked routine's plt stub.
func (session *Session) ArmAll() error {
	for _, routine := range session.routines {
		err := session.Arm(routine.SymbolName)
		if err != nil {
			return err
		}
	}
	return nil
}

// Arm sets a break point at the named routine's plt stub and records it as
// the most recently armed routine for stop event tie-breaking.
func (session *Session) Arm(name string) error {
	routine, ok := session.routineByName(name)
	if !ok {
		return fmt.Errorf("%w. unknown routine %s", ErrInvalidArgument, name)
	}

	err := session.control.SetBreakPoint(routine.StubAddress)
	if err != nil {
		return fmt.Errorf(
			"%w: cannot set break point at %s: %w",
			ErrAdapterFault,
			routine.StubAddress,
			err)
	}

	session.mostRecentlyArmed = routine
	return nil
}

func (session *Session) Disarm(name string) error {
	routine, ok := session.routineByName(name)
	if !ok {
		return fmt.Errorf("%w. unknown routine %s", ErrInvalidArgument, name)
	}

	err := session.control.ClearBreakPoint(routine.StubAddress)
	if err != nil {
		return fmt.Errorf(
			"%w: cannot clear break point at %s: %w",
			ErrAdapterFault,
			routine.StubAddress,
			err)
	}

	return nil
}

func (session *Session) routineByName(name string) (*TrackedRoutine, bool) {
	for _, routine := range session.routines {
		if routine.SymbolName == name {
			return routine, true
		}
	}
	return nil, false
}

// Recommendation is the next action the session suggests to its driver.
type Recommendation struct {
	// Stub addresses worth break points at this point of the session.
	BreakPoints VirtualAddresses

	// A routine is mid-resolution; single-stepping will expose the resolver
	// hand-off.
	SingleStep bool
}

func (session *Session) Recommend() Recommendation {
	result := Recommendation{}
	for _, routine := range session.routines {
		if routine.Phase.Terminal() {
			continue
		}

		switch routine.Phase {
		case PhaseStubFirstCall, PhaseResolverInvoked:
			result.SingleStep = true
		default:
			result.BreakPoints = append(result.BreakPoints, routine.StubAddress)
		}
	}

	sort.Sort(result.BreakPoints)
	return result
}

// HandleStop classifies one debugger stop event and returns the timeline
// events it produced.  Unrecognized addresses yield an UnmappedStop
// diagnostic instead of silently disappearing.  Adapter read failures leave
// every phase unchanged and surface as an ErrAdapterFault; the session stays
// usable.
func (session *Session) HandleStop(
	event StopEvent,
) (
	[]timeline.Event,
	error,
) {
	if session.finalized {
		return nil, fmt.Errorf(
			"%w. session already finalized",
			ErrInvalidArgument)
	}

	if event.Exited {
		return session.finalize(), nil
	}

	// An unmapped stop yields exactly one diagnostic and leaves all phases
	// unchanged; the slot probes below never run for it.
	if !session.known.Contains(event.Address) {
		diagnostic := session.recorder.Append(timeline.Event{
			Kind:            timeline.UnmappedStop,
			ObservedAddress: event.Address,
		})
		return []timeline.Event{diagnostic}, nil
	}

	events := []timeline.Event{}

	// Routines waiting on the resolver re-read their slots on every
	// recognized stop.  The first changed value observed is the patch.
	patched, err := session.checkPatched()
	if err != nil {
		return nil, err
	}
	events = append(events, patched...)

	// The loader mapping probe tolerates read failures: an unreadable slot
	// means the loader has not mapped the page yet, not a backend fault.
	events = append(events, session.probeLoaderMapping()...)

	routine, ok := session.byStub[event.Address]
	if ok {
		stubEvents, err := session.handleStubStop(routine, event)
		if err != nil {
			return nil, err
		}
		return append(events, stubEvents...), nil
	}

	if session.model.ResolverRange.Contains(event.Address) {
		return append(events, session.handleResolverStop(event)...), nil
	}

	// A stop inside known sections that maps to no routine (e.g., stepping
	// through application code) changes nothing.
	return events, nil
}

// A stop at a routine's own plt stub.  The slot value distinguishes a first
// call (still pointing back into the plt) from a direct call through the
// patched address.
func (session *Session) handleStubStop(
	routine *TrackedRoutine,
	event StopEvent,
) (
	[]timeline.Event,
	error,
) {
	value, err := session.readSlot(routine)
	if err != nil {
		return nil, err
	}

	routine.CallCount += 1

	events := []timeline.Event{}

	// Calls into the dynamic loader's runtime api change what is mapped;
	// record them even when the routine's phase does not move.
	_, isLoaderCall := dynamicLoaderEntryPoints[routine.SymbolName]
	if isLoaderCall {
		events = append(events, session.recorder.Append(timeline.Event{
			Kind:            timeline.DynamicLoadCall,
			RoutineName:     routine.SymbolName,
			ObservedAddress: event.Address,
			ObservedValue:   value,
			LowConfidence:   routine.LowConfidence,
		}))
	}

	unresolved := value == routine.UnresolvedStubValue
	switch routine.Phase {
	case PhaseStaticResolved, PhaseLoaderMapping:
		next := PhaseStubFirstCall
		if !unresolved {
			// The slot was patched before we ever observed a first call
			// (e.g., the session attached late).  The stub jumps straight
			// through.
			next = PhaseResolvedDirect
		}

		transitioned, ok := session.transition(
			routine,
			next,
			event.Address,
			value)
		if ok {
			events = append(events, transitioned)
		}
	case PhaseAddressPatched, PhaseResolvedDirect:
		transitioned, ok := session.transition(
			routine,
			PhaseResolvedDirect,
			event.Address,
			value)
		if ok {
			events = append(events, transitioned)
		}
	}

	routine.LastObservedGotValue = value
	return events, nil
}

// A stop inside the shared resolver trampoline at the head of the plt.  The
// trampoline is common to all routines, so tie-break by exact stub match
// first (none here, by construction), then by the mid-resolution routine,
// then by the most recently armed break point.
func (session *Session) handleResolverStop(
	event StopEvent,
) []timeline.Event {
	var candidate *TrackedRoutine
	for _, routine := range session.routines {
		if routine.Phase != PhaseStubFirstCall {
			continue
		}

		if candidate != nil {
			candidate = nil // ambiguous
			break
		}
		candidate = routine
	}

	if candidate == nil {
		armed := session.mostRecentlyArmed
		if armed != nil && armed.Phase == PhaseStubFirstCall {
			candidate = armed
		}
	}

	if candidate == nil {
		return nil
	}

	transitioned, ok := session.transition(
		candidate,
		PhaseResolverInvoked,
		event.Address,
		candidate.LastObservedGotValue)
	if !ok {
		return nil
	}

	return []timeline.Event{transitioned}
}

func (session *Session) checkPatched() ([]timeline.Event, error) {
	events := []timeline.Event{}
	for _, routine := range session.routines {
		if routine.Phase != PhaseResolverInvoked {
			continue
		}

		value, err := session.readSlot(routine)
		if err != nil {
			return nil, err
		}

		if value == routine.UnresolvedStubValue {
			continue
		}

		if session.model.PltRange.Contains(VirtualAddress(value)) {
			// Still pointing into the plt; not a real patch.
			continue
		}

		routine.LastObservedGotValue = value
		transitioned, ok := session.transition(
			routine,
			PhaseAddressPatched,
			routine.GotSlotAddress,
			value)
		if ok {
			events = append(events, transitioned)
		}
	}

	return events, nil
}

func (session *Session) probeLoaderMapping() []timeline.Event {
	events := []timeline.Event{}
	for _, routine := range session.routines {
		if routine.Phase != PhaseStaticResolved {
			continue
		}

		value, err := session.control.ReadWord(routine.GotSlotAddress)
		if err != nil {
			continue // not mapped yet
		}

		if value != routine.UnresolvedStubValue {
			continue
		}

		routine.LastObservedGotValue = value
		transitioned, ok := session.transition(
			routine,
			PhaseLoaderMapping,
			routine.GotSlotAddress,
			value)
		if ok {
			events = append(events, transitioned)
		}
	}

	return events
}

func (session *Session) readSlot(routine *TrackedRoutine) (uint32, error) {
	value, err := session.control.ReadWord(routine.GotSlotAddress)
	if err != nil {
		return 0, fmt.Errorf(
			"%w: cannot read got slot %s for %s: %w",
			ErrAdapterFault,
			routine.GotSlotAddress,
			routine.SymbolName,
			err)
	}
	return value, nil
}

// finalize marks every routine that never completed resolution abandoned, so
// the timeline is complete for the session.
func (session *Session) finalize() []timeline.Event {
	events := []timeline.Event{}
	for _, routine := range session.routines {
		if routine.Phase == PhaseAddressPatched ||
			routine.Phase == PhaseResolvedDirect {

			continue
		}

		transitioned, ok := session.transition(
			routine,
			PhaseAbandoned,
			routine.StubAddress,
			routine.LastObservedGotValue)
		if ok {
			events = append(events, transitioned)
		}
	}

	session.finalized = true
	return events
}

func (session *Session) transition(
	routine *TrackedRoutine,
	next LinkingPhase,
	observedAddress VirtualAddress,
	observedValue uint32,
) (
	timeline.Event,
	bool,
) {
	if !routine.Phase.CanTransitionTo(next) {
		return timeline.Event{}, false
	}

	// Repeated direct calls are observed, but only the first records a
	// transition event.
	if routine.Phase == next {
		return timeline.Event{}, false
	}

	event := session.recorder.Append(timeline.Event{
		Kind:            timeline.PhaseTransition,
		RoutineName:     routine.SymbolName,
		FromPhase:       routine.Phase,
		ToPhase:         next,
		ObservedAddress: observedAddress,
		ObservedValue:   observedValue,
		LowConfidence:   routine.LowConfidence,
	})

	routine.Phase = next
	return event, true
}
