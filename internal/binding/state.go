package binding

// State is a provisioning run's position in the state machine.
//
//	Idle → Discovering → Matching → Binding → Stabilizing → Ready
//
// Failed is reachable from every state except Ready.
type State int

const (
	StateIdle State = iota
	StateDiscovering
	StateMatching
	StateBinding
	StateStabilizing
	StateReady
	StateFailed
)

var stateNames = [...]string{
	StateIdle:        "idle",
	StateDiscovering: "discovering",
	StateMatching:    "matching",
	StateBinding:     "binding",
	StateStabilizing: "stabilizing",
	StateReady:       "ready",
	StateFailed:      "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition can happen in this run.
func (s State) Terminal() bool {
	return s == StateReady || s == StateFailed
}
