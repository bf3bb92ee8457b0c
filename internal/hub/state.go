package hub

import "sync/atomic"

// state is the Hub's lifecycle state, CAS-transitioned from any goroutine.
// The numeric values carry no meaning: the constants are distinct tags,
// not an ordering.
type state int32

const (
	stateAwake state = iota
	stateTerminated
	stateSleeping
	stateRunning
	stateTerminating
)

func (s state) String() string {
	switch s {
	case stateAwake:
		return "awake"
	case stateTerminated:
		return "terminated"
	case stateSleeping:
		return "sleeping"
	case stateRunning:
		return "running"
	case stateTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// hubState is a small atomic state machine. Transitions happen via CAS so
// the loop goroutine and callers racing a Stop never observe a torn write.
type hubState struct {
	v atomic.Int32
}

func (s *hubState) load() state {
	return state(s.v.Load())
}

func (s *hubState) store(v state) {
	s.v.Store(int32(v))
}

// tryTransition performs from->to only if the current value is still from.
func (s *hubState) tryTransition(from, to state) bool {
	return s.v.CompareAndSwap(int32(from), int32(to))
}

// isTerminal reports whether s is the hub's fully-stopped state.
func (s state) isTerminal() bool {
	return s == stateTerminated
}

// canAcceptWork reports whether Submit/Callback may still enqueue work.
func (s *hubState) canAcceptWork() bool {
	switch s.load() {
	case stateTerminated:
		return false
	default:
		return true
	}
}
