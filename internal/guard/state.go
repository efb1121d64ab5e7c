package guard

import "fmt"

// State is a position in the repair loop.
type State int

const (
	StateIdle State = iota
	StateGenerating
	StateChecking
	StateDeciding
	StateContinue
	StateStop
)

var stateNames = map[State]string{
	StateIdle:       "IDLE",
	StateGenerating: "GENERATING",
	StateChecking:   "CHECKING",
	StateDeciding:   "DECIDING",
	StateContinue:   "CONTINUE",
	StateStop:       "STOP",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// transitions is the complete set of legal moves. GENERATING may skip
// CHECKING when generation fails. IDLE and CONTINUE may go straight to STOP on
// cancellation or an empty budget.
var transitions = map[State][]State{
	StateIdle:       {StateGenerating, StateStop},
	StateGenerating: {StateChecking, StateDeciding},
	StateChecking:   {StateDeciding},
	StateDeciding:   {StateContinue, StateStop},
	StateContinue:   {StateGenerating, StateStop},
	StateStop:       nil,
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type machine struct {
	state State
	trace []State
}

func newMachine() *machine {
	return &machine{state: StateIdle, trace: []State{StateIdle}}
}

// advance moves to the next state. An illegal move is a programming error in
// the engine, not a runtime condition.
func (m *machine) advance(to State) {
	if !CanTransition(m.state, to) {
		panic(fmt.Sprintf("guard: illegal transition %s -> %s", m.state, to))
	}
	m.state = to
	m.trace = append(m.trace, to)
}
