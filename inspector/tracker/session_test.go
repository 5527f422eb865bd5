package tracker

import (
	"errors"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"

	"github.com/pattyshack/dyninspect/elf"
	"github.com/pattyshack/dyninspect/elf/elftest"
	"github.com/pattyshack/dyninspect/inspector/pltgot"
	"github.com/pattyshack/dyninspect/inspector/timeline"

	. "github.com/pattyshack/dyninspect/inspector/common"
)

// fakeController replays scripted memory instead of driving a real process.
type fakeController struct {
	memory map[VirtualAddress]uint32

	breakPoints map[VirtualAddress]bool

	failReads bool
}

func newFakeController() *fakeController {
	return &fakeController{
		memory:      map[VirtualAddress]uint32{},
		breakPoints: map[VirtualAddress]bool{},
	}
}

func (controller *fakeController) ReadWord(
	addr VirtualAddress,
) (
	uint32,
	error,
) {
	if controller.failReads {
		return 0, errors.New("scripted read failure")
	}

	value, ok := controller.memory[addr]
	if !ok {
		return 0, errors.New("scripted unmapped address")
	}

	return value, nil
}

func (controller *fakeController) InstructionPointer() (
	VirtualAddress,
	error,
) {
	return 0, nil
}

func (controller *fakeController) SetBreakPoint(addr VirtualAddress) error {
	controller.breakPoints[addr] = true
	return nil
}

func (controller *fakeController) ClearBreakPoint(addr VirtualAddress) error {
	delete(controller.breakPoints, addr)
	return nil
}

func (controller *fakeController) SingleStep() (StopEvent, error) {
	return StopEvent{}, nil
}

func (controller *fakeController) Continue() (StopEvent, error) {
	return StopEvent{}, nil
}

type sessionTestEnv struct {
	image      elftest.Image
	file       *elf.File
	model      *pltgot.Model
	controller *fakeController
	recorder   *timeline.Recorder
	session    *Session
}

func newSessionTestEnv(t *testing.T, routines ...string) *sessionTestEnv {
	image := elftest.NewBuilder(routines...).Build()

	file, err := elf.ParseBytes(image.Content)
	expect.Nil(t, err)

	model, err := pltgot.Derive(file, pltgot.DefaultStubLayout())
	expect.Nil(t, err)
	expect.False(t, model.Degraded)

	controller := newFakeController()
	for idx := range routines {
		controller.memory[VirtualAddress(image.GotSlotAddress(idx))] =
			image.UnresolvedSlotValue(idx)
	}

	recorder := timeline.NewRecorder()
	return &sessionTestEnv{
		image:      image,
		file:       file,
		model:      model,
		controller: controller,
		recorder:   recorder,
		session: NewSession(
			model,
			KnownRanges(file),
			controller,
			recorder),
	}
}

func (env *sessionTestEnv) stubStop(idx int) StopEvent {
	return StopEvent{
		Kind:    BreakPointHit,
		Address: VirtualAddress(env.image.StubAddress(idx)),
	}
}

func (env *sessionTestEnv) resolverStop() StopEvent {
	return StopEvent{
		Kind:    StepCompleted,
		Address: env.model.ResolverRange.Low + 2,
	}
}

func (env *sessionTestEnv) textStop() StopEvent {
	return StopEvent{
		Kind:    StepCompleted,
		Address: VirtualAddress(env.file.EntryPointAddress),
	}
}

func (env *sessionTestEnv) patchSlot(idx int, value uint32) {
	env.controller.memory[VirtualAddress(env.image.GotSlotAddress(idx))] =
		value
}

func (env *sessionTestEnv) routine(name string) *TrackedRoutine {
	for _, routine := range env.session.Routines() {
		if routine.SymbolName == name {
			return routine
		}
	}
	return nil
}

func phasesOf(session *Session) []LinkingPhase {
	result := []LinkingPhase{}
	for _, routine := range session.Routines() {
		result = append(result, routine.Phase)
	}
	return result
}

type SessionSuite struct{}

func TestSession(t *testing.T) {
	suite.RunTests(t, &SessionSuite{})
}

func (SessionSuite) TestBegin(t *testing.T) {
	env := newSessionTestEnv(t, "foo", "bar")

	for _, routine := range env.session.Routines() {
		expect.Equal(t, PhaseNotStarted, routine.Phase)
	}

	events := env.session.Begin()
	expect.Equal(t, 2, len(events))

	for idx, event := range events {
		expect.Equal(t, idx+1, event.SequenceNumber)
		expect.Equal(t, timeline.PhaseTransition, event.Kind)
		expect.Equal(t, PhaseNotStarted, event.FromPhase)
		expect.Equal(t, PhaseStaticResolved, event.ToPhase)
	}

	for _, routine := range env.session.Routines() {
		expect.Equal(t, PhaseStaticResolved, routine.Phase)
	}

	// Begin is idempotent; phases never move backwards.
	expect.Equal(t, 0, len(env.session.Begin()))
}

func (SessionSuite) TestArming(t *testing.T) {
	env := newSessionTestEnv(t, "foo", "bar")
	env.session.Begin()

	err := env.session.ArmAll()
	expect.Nil(t, err)
	expect.Equal(t, 2, len(env.controller.breakPoints))
	expect.True(
		t,
		env.controller.breakPoints[VirtualAddress(env.image.StubAddress(0))])

	err = env.session.Disarm("foo")
	expect.Nil(t, err)
	expect.Equal(t, 1, len(env.controller.breakPoints))

	err = env.session.Arm("nonexistent")
	expect.Error(t, err, "unknown routine")
	expect.True(t, errors.Is(err, ErrInvalidArgument))

	err = env.session.Disarm("nonexistent")
	expect.Error(t, err, "unknown routine")
}

// The full lazy binding life cycle of a single routine: first stub stop,
// resolver hand-off, got patch, then a direct second call.
func (SessionSuite) TestLazyBindingLifeCycle(t *testing.T) {
	env := newSessionTestEnv(t, "foo", "bar")
	env.session.Begin()
	expect.Nil(t, env.session.ArmAll())

	// First stop at foo's stub.  Both routines' slots are readable and
	// unresolved, so both advance to loader mapping; foo then records its
	// first call.
	events, err := env.session.HandleStop(env.stubStop(0))
	expect.Nil(t, err)
	expect.Equal(t, 3, len(events))
	expect.Equal(t, PhaseLoaderMapping, events[0].ToPhase)
	expect.Equal(t, PhaseLoaderMapping, events[1].ToPhase)
	expect.Equal(t, "foo", events[2].RoutineName)
	expect.Equal(t, PhaseStubFirstCall, events[2].ToPhase)

	foo := env.routine("foo")
	bar := env.routine("bar")
	expect.Equal(t, PhaseStubFirstCall, foo.Phase)
	expect.Equal(t, PhaseLoaderMapping, bar.Phase)
	expect.Equal(t, 1, foo.CallCount)

	// Stepping lands inside the shared resolver trampoline.  foo is the
	// only mid-resolution routine, so there is no ambiguity.
	events, err = env.session.HandleStop(env.resolverStop())
	expect.Nil(t, err)
	expect.Equal(t, 1, len(events))
	expect.Equal(t, "foo", events[0].RoutineName)
	expect.Equal(t, PhaseResolverInvoked, events[0].ToPhase)

	// The resolver patches the slot; the next stop observes it.
	env.patchSlot(0, 0x41000)
	events, err = env.session.HandleStop(env.textStop())
	expect.Nil(t, err)
	expect.Equal(t, 1, len(events))
	expect.Equal(t, "foo", events[0].RoutineName)
	expect.Equal(t, PhaseAddressPatched, events[0].ToPhase)
	expect.Equal(t, uint32(0x41000), events[0].ObservedValue)
	expect.Equal(t, foo.GotSlotAddress, events[0].ObservedAddress)
	expect.Equal(t, uint32(0x41000), foo.LastObservedGotValue)

	// Second call through the stub goes straight through the patched slot.
	events, err = env.session.HandleStop(env.stubStop(0))
	expect.Nil(t, err)
	expect.Equal(t, 1, len(events))
	expect.Equal(t, PhaseResolvedDirect, events[0].ToPhase)
	expect.Equal(t, PhaseResolvedDirect, foo.Phase)
	expect.Equal(t, 2, foo.CallCount)

	// Repeated direct calls record no further transitions.
	events, err = env.session.HandleStop(env.stubStop(0))
	expect.Nil(t, err)
	expect.Equal(t, 0, len(events))
	expect.Equal(t, 3, foo.CallCount)

	// The whole timeline is contiguous from 1.
	snapshot := env.recorder.Snapshot()
	for idx, event := range snapshot {
		expect.Equal(t, idx+1, event.SequenceNumber)
	}
}

// A stub stop that already finds a patched slot (late attach) goes straight
// to resolved direct.
func (SessionSuite) TestLateAttachObservesPatchedSlot(t *testing.T) {
	env := newSessionTestEnv(t, "foo")
	env.session.Begin()

	env.patchSlot(0, 0x41000)

	events, err := env.session.HandleStop(env.stubStop(0))
	expect.Nil(t, err)

	// The loader mapping probe skips the patched slot; only the stub stop
	// transition is recorded.
	expect.Equal(t, 1, len(events))
	expect.Equal(t, PhaseResolvedDirect, events[0].ToPhase)
	expect.Equal(t, PhaseStaticResolved, events[0].FromPhase)
}

func (SessionSuite) TestUnmappedStop(t *testing.T) {
	env := newSessionTestEnv(t, "foo", "bar")
	env.session.Begin()

	// Absorb the loader mapping transitions first.
	_, err := env.session.HandleStop(env.textStop())
	expect.Nil(t, err)

	before := phasesOf(env.session)
	recorded := env.recorder.Len()

	events, err := env.session.HandleStop(StopEvent{
		Kind:    StepCompleted,
		Address: 0x100,
	})
	expect.Nil(t, err)

	// Exactly one diagnostic event, no phase transitions.
	expect.Equal(t, 1, len(events))
	expect.Equal(t, timeline.UnmappedStop, events[0].Kind)
	expect.Equal(t, VirtualAddress(0x100), events[0].ObservedAddress)
	expect.Equal(t, "", events[0].RoutineName)

	expect.Equal(t, before, phasesOf(env.session))
	expect.Equal(t, recorded+1, env.recorder.Len())
}

// An unmapped stop must not trigger the got slot probes; phases stay put
// even when a probe would otherwise observe progress.
func (SessionSuite) TestUnmappedStopSkipsSlotProbes(t *testing.T) {
	env := newSessionTestEnv(t, "foo")
	env.session.Begin()
	expect.Nil(t, env.session.ArmAll())

	// The slot is readable and unresolved, but the unmapped stop may not
	// advance the routine to loader mapping.
	events, err := env.session.HandleStop(StopEvent{
		Kind:    StepCompleted,
		Address: 0x100,
	})
	expect.Nil(t, err)
	expect.Equal(t, 1, len(events))
	expect.Equal(t, timeline.UnmappedStop, events[0].Kind)
	expect.Equal(t, PhaseStaticResolved, env.routine("foo").Phase)

	_, err = env.session.HandleStop(env.stubStop(0))
	expect.Nil(t, err)
	_, err = env.session.HandleStop(env.resolverStop())
	expect.Nil(t, err)
	expect.Equal(t, PhaseResolverInvoked, env.routine("foo").Phase)

	// The resolver patched the slot, but an unmapped stop may not observe
	// the patch either.
	env.patchSlot(0, 0x41000)
	events, err = env.session.HandleStop(StopEvent{
		Kind:    StepCompleted,
		Address: 0x100,
	})
	expect.Nil(t, err)
	expect.Equal(t, 1, len(events))
	expect.Equal(t, timeline.UnmappedStop, events[0].Kind)
	expect.Equal(t, PhaseResolverInvoked, env.routine("foo").Phase)

	// The next recognized stop observes it.
	events, err = env.session.HandleStop(env.textStop())
	expect.Nil(t, err)
	expect.Equal(t, 1, len(events))
	expect.Equal(t, PhaseAddressPatched, events[0].ToPhase)
}

// Stops at a dynamic loader api stub record a dynamic load call event on
// top of the routine's normal phase tracking.
func (SessionSuite) TestDynamicLoaderCallEvents(t *testing.T) {
	env := newSessionTestEnv(t, "dlopen", "foo")
	env.session.Begin()
	expect.Nil(t, env.session.ArmAll())

	loaderRoutines := env.session.DynamicLoaderRoutines()
	expect.Equal(t, 1, len(loaderRoutines))
	expect.Equal(t, "dlopen", loaderRoutines[0].SymbolName)

	// First stop at dlopen's stub: both routines advance to loader
	// mapping, the call is recorded, then the first call transition.
	events, err := env.session.HandleStop(env.stubStop(0))
	expect.Nil(t, err)
	expect.Equal(t, 4, len(events))
	expect.Equal(t, timeline.DynamicLoadCall, events[2].Kind)
	expect.Equal(t, "dlopen", events[2].RoutineName)
	expect.Equal(
		t,
		VirtualAddress(env.image.StubAddress(0)),
		events[2].ObservedAddress)
	expect.Equal(t, PhaseStubFirstCall, events[3].ToPhase)

	// Every later call is recorded too, phase movement or not.
	events, err = env.session.HandleStop(env.stubStop(0))
	expect.Nil(t, err)
	expect.Equal(t, 1, len(events))
	expect.Equal(t, timeline.DynamicLoadCall, events[0].Kind)
	expect.Equal(t, 2, env.routine("dlopen").CallCount)

	// Stops at other routines' stubs record no dynamic load call.
	events, err = env.session.HandleStop(env.stubStop(1))
	expect.Nil(t, err)
	for _, event := range events {
		expect.NotEqual(t, timeline.DynamicLoadCall, event.Kind)
	}
}

func (SessionSuite) TestKnownStopWithoutRoutineIsNoOp(t *testing.T) {
	env := newSessionTestEnv(t, "foo")
	env.session.Begin()

	_, err := env.session.HandleStop(env.textStop())
	expect.Nil(t, err)

	before := phasesOf(env.session)
	recorded := env.recorder.Len()

	events, err := env.session.HandleStop(env.textStop())
	expect.Nil(t, err)
	expect.Equal(t, 0, len(events))
	expect.Equal(t, before, phasesOf(env.session))
	expect.Equal(t, recorded, env.recorder.Len())
}

// Process exit mid-resolution abandons every unresolved routine and
// finalizes the session.
func (SessionSuite) TestProcessExitAbandonsUnresolved(t *testing.T) {
	env := newSessionTestEnv(t, "foo", "bar")
	env.session.Begin()
	expect.Nil(t, env.session.ArmAll())

	// foo is mid-resolution; bar never got called.
	_, err := env.session.HandleStop(env.stubStop(0))
	expect.Nil(t, err)
	_, err = env.session.HandleStop(env.resolverStop())
	expect.Nil(t, err)

	events, err := env.session.HandleStop(StopEvent{
		Exited:     true,
		ExitStatus: 1,
	})
	expect.Nil(t, err)
	expect.Equal(t, 2, len(events))

	for _, event := range events {
		expect.Equal(t, timeline.PhaseTransition, event.Kind)
		expect.Equal(t, PhaseAbandoned, event.ToPhase)
	}

	expect.Equal(t, PhaseAbandoned, env.routine("foo").Phase)
	expect.Equal(t, PhaseAbandoned, env.routine("bar").Phase)
	expect.True(t, env.session.Finalized())

	// A finalized session accepts no further stops.
	_, err = env.session.HandleStop(env.textStop())
	expect.Error(t, err, "already finalized")
	expect.True(t, errors.Is(err, ErrInvalidArgument))
}

// Resolved routines keep their phase across finalization.
func (SessionSuite) TestProcessExitKeepsResolvedPhases(t *testing.T) {
	env := newSessionTestEnv(t, "foo", "bar")
	env.session.Begin()
	expect.Nil(t, env.session.ArmAll())

	_, err := env.session.HandleStop(env.stubStop(0))
	expect.Nil(t, err)
	_, err = env.session.HandleStop(env.resolverStop())
	expect.Nil(t, err)

	env.patchSlot(0, 0x41000)
	_, err = env.session.HandleStop(env.textStop())
	expect.Nil(t, err)
	expect.Equal(t, PhaseAddressPatched, env.routine("foo").Phase)

	events, err := env.session.HandleStop(StopEvent{Exited: true})
	expect.Nil(t, err)
	expect.Equal(t, 1, len(events))
	expect.Equal(t, "bar", events[0].RoutineName)

	expect.Equal(t, PhaseAddressPatched, env.routine("foo").Phase)
	expect.Equal(t, PhaseAbandoned, env.routine("bar").Phase)
}

// A resolver stop with several mid-resolution candidates falls back to the
// most recently armed routine.
func (SessionSuite) TestResolverStopTieBreak(t *testing.T) {
	env := newSessionTestEnv(t, "foo", "bar")
	env.session.Begin()
	expect.Nil(t, env.session.ArmAll())

	_, err := env.session.HandleStop(env.stubStop(0))
	expect.Nil(t, err)
	_, err = env.session.HandleStop(env.stubStop(1))
	expect.Nil(t, err)

	expect.Equal(t, PhaseStubFirstCall, env.routine("foo").Phase)
	expect.Equal(t, PhaseStubFirstCall, env.routine("bar").Phase)

	// Re-arming foo makes it the tie-break winner.
	expect.Nil(t, env.session.Arm("foo"))

	events, err := env.session.HandleStop(env.resolverStop())
	expect.Nil(t, err)
	expect.Equal(t, 1, len(events))
	expect.Equal(t, "foo", events[0].RoutineName)
	expect.Equal(t, PhaseResolverInvoked, events[0].ToPhase)
	expect.Equal(t, PhaseStubFirstCall, env.routine("bar").Phase)
}

// A resolver stop with no plausible routine changes nothing.
func (SessionSuite) TestResolverStopWithoutCandidate(t *testing.T) {
	env := newSessionTestEnv(t, "foo")
	env.session.Begin()

	events, err := env.session.HandleStop(env.resolverStop())
	expect.Nil(t, err)

	// Only the loader mapping probe fires.
	expect.Equal(t, 1, len(events))
	expect.Equal(t, PhaseLoaderMapping, events[0].ToPhase)
}

// Backend read failures surface as adapter faults and leave every phase
// unchanged; the session remains usable afterwards.
func (SessionSuite) TestAdapterFaultLeavesPhasesUnchanged(t *testing.T) {
	env := newSessionTestEnv(t, "foo", "bar")
	env.session.Begin()
	expect.Nil(t, env.session.ArmAll())

	before := phasesOf(env.session)
	recorded := env.recorder.Len()

	env.controller.failReads = true
	_, err := env.session.HandleStop(env.stubStop(0))
	expect.Error(t, err, "adapter fault")
	expect.True(t, errors.Is(err, ErrAdapterFault))

	expect.Equal(t, before, phasesOf(env.session))
	expect.Equal(t, recorded, env.recorder.Len())
	expect.False(t, env.session.Finalized())

	// The same stop succeeds once the backend recovers.
	env.controller.failReads = false
	events, err := env.session.HandleStop(env.stubStop(0))
	expect.Nil(t, err)
	expect.NotEqual(t, 0, len(events))
	expect.Equal(t, PhaseStubFirstCall, env.routine("foo").Phase)
}

// Unreadable got slots during the loader mapping probe mean the page is not
// mapped yet, not a fault.
func (SessionSuite) TestLoaderMappingWaitsForReadableSlot(t *testing.T) {
	env := newSessionTestEnv(t, "foo")
	env.session.Begin()

	delete(
		env.controller.memory,
		VirtualAddress(env.image.GotSlotAddress(0)))

	events, err := env.session.HandleStop(env.textStop())
	expect.Nil(t, err)
	expect.Equal(t, 0, len(events))
	expect.Equal(t, PhaseStaticResolved, env.routine("foo").Phase)

	// The slot becomes readable once the loader maps the page.
	env.controller.memory[VirtualAddress(env.image.GotSlotAddress(0))] =
		env.image.UnresolvedSlotValue(0)

	events, err = env.session.HandleStop(env.textStop())
	expect.Nil(t, err)
	expect.Equal(t, 1, len(events))
	expect.Equal(t, PhaseLoaderMapping, events[0].ToPhase)
}

// A patched value that still points into the plt is not a real patch.
func (SessionSuite) TestPatchIgnoresPltInternalValues(t *testing.T) {
	env := newSessionTestEnv(t, "foo")
	env.session.Begin()
	expect.Nil(t, env.session.ArmAll())

	_, err := env.session.HandleStop(env.stubStop(0))
	expect.Nil(t, err)
	_, err = env.session.HandleStop(env.resolverStop())
	expect.Nil(t, err)

	env.patchSlot(0, env.image.PltAddress+4)

	events, err := env.session.HandleStop(env.textStop())
	expect.Nil(t, err)
	expect.Equal(t, 0, len(events))
	expect.Equal(t, PhaseResolverInvoked, env.routine("foo").Phase)
}

func (SessionSuite) TestRecommend(t *testing.T) {
	env := newSessionTestEnv(t, "foo", "bar")
	env.session.Begin()
	expect.Nil(t, env.session.ArmAll())

	recommendation := env.session.Recommend()
	expect.Equal(t, 2, len(recommendation.BreakPoints))
	expect.False(t, recommendation.SingleStep)

	_, err := env.session.HandleStop(env.stubStop(0))
	expect.Nil(t, err)

	recommendation = env.session.Recommend()
	expect.Equal(t, 1, len(recommendation.BreakPoints))
	expect.True(t, recommendation.SingleStep)
}

// Degraded models flow through as low confidence on every routine and
// timeline event.
func (SessionSuite) TestDegradedModelLowConfidence(t *testing.T) {
	builder := elftest.NewBuilder("foo")
	builder.ExtraPltPadding = 8
	image := builder.Build()

	file, err := elf.ParseBytes(image.Content)
	expect.Nil(t, err)

	model, err := pltgot.Derive(file, pltgot.DefaultStubLayout())
	expect.Nil(t, err)
	expect.True(t, model.Degraded)

	controller := newFakeController()
	controller.memory[VirtualAddress(image.GotSlotAddress(0))] =
		image.UnresolvedSlotValue(0)

	recorder := timeline.NewRecorder()
	session := NewSession(model, KnownRanges(file), controller, recorder)

	events := session.Begin()
	expect.Equal(t, 1, len(events))
	expect.True(t, events[0].LowConfidence)
	expect.True(t, session.Routines()[0].LowConfidence)
}

func (SessionSuite) TestKnownRanges(t *testing.T) {
	image := elftest.NewBuilder("foo").Build()

	file, err := elf.ParseBytes(image.Content)
	expect.Nil(t, err)

	known := KnownRanges(file)
	expect.True(t, known.Contains(VirtualAddress(file.EntryPointAddress)))
	expect.True(t, known.Contains(VirtualAddress(image.StubAddress(0))))
	expect.True(t, known.Contains(VirtualAddress(image.GotSlotAddress(0))))
	expect.False(t, known.Contains(0x100))

	// .shstrtab is not loaded.
	section, ok := file.GetSection(".shstrtab")
	expect.True(t, ok)
	expect.False(
		t,
		known.Contains(VirtualAddress(section.Header().Address)))
}
