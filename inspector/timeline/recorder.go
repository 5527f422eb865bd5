package timeline

import (
	"fmt"
	"iter"
	"sync"

	. "github.com/pattyshack/dyninspect/inspector/common"
)

type EventKind string

const (
	// A tracked routine moved from one linking phase to another.
	PhaseTransition = EventKind("phase transition")

	// A stop event did not correlate to any known routine or section.
	// Recorded for visibility; no routine changed phase.
	UnmappedStop = EventKind("unmapped stop")

	// The target called into the dynamic loader's runtime api (dlopen,
	// dlsym, dlclose) through its plt stub.
	DynamicLoadCall = EventKind("dynamic load call")
)

// Event is one immutable timeline record.  SequenceNumber is assigned by the
// recorder, starts at 1, and is contiguous for the session.
type Event struct {
	SequenceNumber int

	Kind EventKind

	// Empty for UnmappedStop events.
	RoutineName string

	FromPhase LinkingPhase
	ToPhase   LinkingPhase

	ObservedAddress VirtualAddress
	ObservedValue   uint32

	// Set when the plt/got model derivation was degraded; the phase
	// classification is best-effort.
	LowConfidence bool
}

func (event Event) String() string {
	if event.Kind == UnmappedStop {
		return fmt.Sprintf(
			"#%d unmapped stop at %s",
			event.SequenceNumber,
			event.ObservedAddress)
	}

	if event.Kind == DynamicLoadCall {
		return fmt.Sprintf(
			"#%d %s called at %s",
			event.SequenceNumber,
			event.RoutineName,
			event.ObservedAddress)
	}

	confidence := ""
	if event.LowConfidence {
		confidence = " (low confidence)"
	}

	return fmt.Sprintf(
		"#%d %s: %s -> %s at %s (value=0x%08x)%s",
		event.SequenceNumber,
		event.RoutineName,
		event.FromPhase,
		event.ToPhase,
		event.ObservedAddress,
		event.ObservedValue,
		confidence)
}

// Recorder is the append-only session timeline.  Append is the only mutator;
// events are never reordered or rewritten.  Reads observe a stable snapshot
// taken when the read began, even while the session keeps appending.
type Recorder struct {
	mutex  sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// Append assigns the next sequence number and records the event.  The
// returned event includes the assigned number.
func (recorder *Recorder) Append(event Event) Event {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()

	event.SequenceNumber = len(recorder.events) + 1
	recorder.events = append(recorder.events, event)
	return event
}

func (recorder *Recorder) Len() int {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()

	return len(recorder.events)
}

// Snapshot returns a copy of all events appended so far, in sequence order.
func (recorder *Recorder) Snapshot() []Event {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()

	result := make([]Event, len(recorder.events))
	copy(result, recorder.events)
	return result
}

// All returns a restartable in-order sequence.  Each range-over captures its
// own snapshot starting at sequence number 1.
func (recorder *Recorder) All() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for _, event := range recorder.Snapshot() {
			if !yield(event) {
				return
			}
		}
	}
}
