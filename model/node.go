package model

import "fmt"

// TEC thresholds from the CAN fault-confinement rules.
const (
	TECErrorPassive = 128
	TECBusOff       = 256
	TECMax          = 256
)

// NodeState is a fault-confinement state, in increasing severity.
type NodeState int

const (
	ErrorActive NodeState = iota
	ErrorPassive
	BusOff
)

func (s NodeState) String() string {
	switch s {
	case ErrorActive:
		return "Error-Active"
	case ErrorPassive:
		return "Error-Passive"
	case BusOff:
		return "Bus-Off"
	default:
		return fmt.Sprintf("NodeState(%d)", int(s))
	}
}

// StateForTEC maps a transmit-error counter value onto its confinement state.
func StateForTEC(tec int) NodeState {
	switch {
	case tec >= TECBusOff:
		return BusOff
	case tec >= TECErrorPassive:
		return ErrorPassive
	default:
		return ErrorActive
	}
}

// Node is one ECU attached to the bus: a transmit-error counter, the
// confinement state derived from it, and a receive queue drained by the
// node's owner between cycles.
//
// A Node has no lock of its own. Every counter and state mutation is driven
// by the Bus inside its critical section, so partial states (counter changed
// but state stale) are never observable outside of it.
type Node struct {
	name  string
	tec   int
	state NodeState
	rx    []Frame
}

// NewNode constructs a node with a zero counter in Error-Active.
func NewNode(name string) *Node {
	return &Node{name: name, state: ErrorActive}
}

func (n *Node) Name() string     { return n.name }
func (n *Node) TEC() int         { return n.tec }
func (n *Node) State() NodeState { return n.state }

// IncrementTEC raises the counter, clamped to TECMax.
func (n *Node) IncrementTEC(amount int) {
	n.tec += amount
	if n.tec > TECMax {
		n.tec = TECMax
	}
}

// DecrementTEC lowers the counter, floored at zero.
func (n *Node) DecrementTEC(amount int) {
	n.tec -= amount
	if n.tec < 0 {
		n.tec = 0
	}
}

// RecomputeState re-derives the confinement state from the counter. It is
// idempotent, and Bus-Off is terminal: once entered, no counter decay brings
// the node back (bus-off recovery is outside this model). It reports the
// transition so callers can trace it.
func (n *Node) RecomputeState() (from, to NodeState, changed bool) {
	from = n.state
	if n.state != BusOff {
		n.state = StateForTEC(n.tec)
	}
	return from, n.state, n.state != from
}

// Receive appends a delivered frame to the node's queue.
func (n *Node) Receive(f Frame) {
	n.rx = append(n.rx, f)
}

// Drain returns and clears the queued frames.
func (n *Node) Drain() []Frame {
	frames := n.rx
	n.rx = nil
	return frames
}

// Status renders the counter and state for reports.
func (n *Node) Status() string {
	return fmt.Sprintf("[%s] TEC=%3d state=%s", n.name, n.tec, n.state)
}
