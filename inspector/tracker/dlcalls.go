package tracker

// The dynamic loader's runtime api entry points.  Calls through their plt
// stubs load and unload shared objects while the target runs, so stops at
// these stubs get an extra timeline event on top of the routine's normal
// phase tracking.
var dynamicLoaderEntryPoints = map[string]struct{}{
	"dlopen":  {},
	"dlmopen": {},
	"dlsym":   {},
	"dlvsym":  {},
	"dlclose": {},
}

// DynamicLoaderRoutines returns the tracked routines that are dynamic
// loader api entry points, in model order.
func (session *Session) DynamicLoaderRoutines() []*TrackedRoutine {
	result := []*TrackedRoutine{}
	for _, routine := range session.routines {
		_, ok := dynamicLoaderEntryPoints[routine.SymbolName]
		if ok {
			result = append(result, routine)
		}
	}
	return result
}
