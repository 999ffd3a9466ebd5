package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/canbus-simulator/internal/eventlog"
	"github.com/signalsfoundry/canbus-simulator/internal/logging"
	"github.com/signalsfoundry/canbus-simulator/internal/observability"
	"github.com/signalsfoundry/canbus-simulator/model"
	"github.com/signalsfoundry/canbus-simulator/timectrl"
)

// TECPenalty is the transmit-error increment applied to both participants
// of a detected bit error.
const TECPenalty = 8

var (
	// ErrNotRegistered is returned when an operation names a node that was
	// never attached to the bus.
	ErrNotRegistered = errors.New("canbus: node not registered on bus")

	// ErrDisconnected is returned when a bus-off node attempts to transmit.
	// Orchestrators treat it as a normal termination signal, not a crash.
	ErrDisconnected = errors.New("canbus: node is bus-off")
)

// Bus simulates the shared CAN medium. It owns every registered node, and
// all counter and state mutation flows through its lock so one
// transmission's updates can never interleave with another's. Arbitration,
// bit-error detection, and the fault-confinement procedure are atomic per
// transmit call.
type Bus struct {
	mu    sync.Mutex
	nodes map[string]*model.Node
	order []string

	clock   timectrl.SimClock
	log     logging.Logger
	rec     eventlog.Recorder
	metrics *observability.SimCollector
}

// NewBus constructs an empty bus. Any of the collaborators may be nil; nil
// sinks are replaced with no-ops.
func NewBus(clock timectrl.SimClock, log logging.Logger, rec eventlog.Recorder, metrics *observability.SimCollector) *Bus {
	if log == nil {
		log = logging.Noop()
	}
	if rec == nil {
		rec = eventlog.Nop()
	}
	return &Bus{
		nodes:   make(map[string]*model.Node),
		clock:   clock,
		log:     log,
		rec:     rec,
		metrics: metrics,
	}
}

func (b *Bus) now() time.Time {
	if b.clock != nil {
		return b.clock.Now()
	}
	return time.Now()
}

// Register attaches a node to the bus. It returns an error if the name is
// already taken.
func (b *Bus) Register(n *model.Node) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.nodes[n.Name()]; exists {
		return fmt.Errorf("canbus: node %q already registered", n.Name())
	}
	b.nodes[n.Name()] = n
	b.order = append(b.order, n.Name())

	b.metrics.SetNodeStatus(n.Name(), n.TEC(), int(n.State()))
	b.rec.Record(eventlog.Event{
		Time: b.now(),
		Kind: eventlog.KindNodeRegistered,
		Node: n.Name(),
	})
	b.log.Info(context.Background(), "node registered", logging.String("node", n.Name()))
	return nil
}

// Node looks up a registered node by identity.
func (b *Bus) Node(name string) (*model.Node, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.nodes[name]
	return n, ok
}

// Transmit drives frame onto the bus, optionally concurrently with a second
// frame from another node. It returns false when a bit error aborted
// delivery, in which case the fault-confinement procedure has already been
// applied to both participants.
func (b *Bus) Transmit(frame model.Frame, concurrent *model.Frame) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := frame.Validate(); err != nil {
		return false, err
	}
	if concurrent != nil {
		if err := concurrent.Validate(); err != nil {
			return false, err
		}
	}

	sender, ok := b.nodes[frame.Sender]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrNotRegistered, frame.Sender)
	}
	if sender.State() == model.BusOff {
		return false, fmt.Errorf("%w: %q", ErrDisconnected, frame.Sender)
	}

	b.rec.Record(eventlog.Event{
		Time:      b.now(),
		Kind:      eventlog.KindTransmitAttempt,
		Node:      frame.Sender,
		CANID:     frame.ID,
		Malicious: frame.Malicious,
		Bits:      frame.Bits(),
	})

	if concurrent != nil {
		b.arbitrate(frame, *concurrent)
	}

	if frame.Malicious && frame.InjectRecessiveAt != model.NoInjection {
		bitError, err := b.checkInjectedBit(frame, concurrent)
		if err != nil {
			return false, err
		}
		if bitError {
			var victim *model.Node
			if concurrent != nil {
				victim = b.nodes[concurrent.Sender]
			}
			b.faultConfinement(sender, victim)
			return false, nil
		}
	}

	delivered := 0
	for _, name := range b.order {
		if name == frame.Sender {
			continue
		}
		b.nodes[name].Receive(frame)
		delivered++
		b.rec.Record(eventlog.Event{
			Time:  b.now(),
			Kind:  eventlog.KindDelivery,
			Node:  name,
			Peer:  frame.Sender,
			CANID: frame.ID,
		})
	}
	b.metrics.AddDelivered(delivered)
	return true, nil
}

// TransmitValid simulates count successful, contention-free transmissions by
// the named node: the counter drops by one per frame, floored at zero, and
// the state is recomputed once after all decrements.
func (b *Bus) TransmitValid(name string, count int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	node, ok := b.nodes[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}
	if node.State() == model.BusOff {
		return fmt.Errorf("%w: %q", ErrDisconnected, name)
	}

	before := node.TEC()
	for i := 0; i < count; i++ {
		node.DecrementTEC(1)
	}
	b.recompute(node)
	b.metrics.SetNodeStatus(name, node.TEC(), int(node.State()))
	b.metrics.AddValidFrames(name, count)
	b.rec.Record(eventlog.Event{
		Time:      b.now(),
		Kind:      eventlog.KindValidFrames,
		Node:      name,
		Count:     count,
		TECBefore: before,
		TECAfter:  node.TEC(),
	})
	return nil
}

// arbitrate resolves concurrent transmissions bit-by-bit over the identifier
// field. The first position where the two frames differ decides the winner:
// the side driving dominant there holds the bus. Identical identifiers tie,
// and both sides keep transmitting together.
func (b *Bus) arbitrate(frame, concurrent model.Frame) {
	frameBits := frame.IDBits()
	otherBits := concurrent.IDBits()

	for i := range frameBits {
		if frameBits[i] == otherBits[i] {
			continue
		}
		winner := frame.Sender
		if otherBits[i] == model.Dominant {
			winner = concurrent.Sender
		}
		b.rec.Record(eventlog.Event{
			Time:     b.now(),
			Kind:     eventlog.KindArbitration,
			Node:     frame.Sender,
			Peer:     concurrent.Sender,
			Position: i,
			Winner:   winner,
		})
		return
	}

	b.rec.Record(eventlog.Event{
		Time: b.now(),
		Kind: eventlog.KindArbitration,
		Node: frame.Sender,
		Peer: concurrent.Sender,
	})
}

// checkInjectedBit evaluates the wired-AND level at the injected position.
// The attacker drives recessive there; if the victim's bit sequence drives
// dominant, the bus reads dominant and the attacker observes a level it did
// not send, which is the detectable bit error.
func (b *Bus) checkInjectedBit(frame model.Frame, concurrent *model.Frame) (bool, error) {
	victimBits := frame.Bits()
	if concurrent != nil {
		victimBits = concurrent.Bits()
	}

	pos := frame.InjectRecessiveAt
	if pos < 0 || pos >= len(victimBits) {
		return false, fmt.Errorf("%w: position %d against a %d-bit transmission",
			model.ErrInvalidInjection, pos, len(victimBits))
	}

	victimDrives := victimBits[pos]
	busLevel := model.Recessive
	if victimDrives == model.Dominant {
		busLevel = model.Dominant
	}

	b.rec.Record(eventlog.Event{
		Time:     b.now(),
		Kind:     eventlog.KindInjection,
		Node:     frame.Sender,
		Position: pos,
		Bits:     []model.Bit{model.Recessive, victimDrives, busLevel},
	})

	if busLevel != model.Dominant {
		return false, nil
	}

	b.metrics.IncBitError()
	b.rec.Record(eventlog.Event{
		Time:     b.now(),
		Kind:     eventlog.KindBitError,
		Node:     frame.Sender,
		Position: pos,
	})
	return true, nil
}

// faultConfinement applies the penalty for a detected bit error: both
// participants' counters rise by TECPenalty, and the victim, unless it has
// gone bus-off, retransmits successfully once, dropping its counter by one.
func (b *Bus) faultConfinement(attacker, victim *model.Node) {
	flag := model.ActiveErrorFlag
	shape := "active error flag"
	if attacker.TEC() >= model.TECErrorPassive {
		flag = model.PassiveErrorFlag
		shape = "passive error flag"
	}
	b.rec.Record(eventlog.Event{
		Time:   b.now(),
		Kind:   eventlog.KindErrorFlag,
		Node:   attacker.Name(),
		Bits:   flag,
		Detail: shape,
	})

	b.applyTEC(attacker, TECPenalty, "bit error penalty")

	if victim == nil {
		return
	}
	b.applyTEC(victim, TECPenalty, "bit error penalty")

	if victim.State() != model.BusOff {
		b.applyTEC(victim, -1, "successful retransmission")
	}
}

// applyTEC mutates one node's counter and immediately recomputes its state,
// recording the update and any transition. Callers hold the bus lock.
func (b *Bus) applyTEC(n *model.Node, delta int, reason string) {
	before := n.TEC()
	if delta >= 0 {
		n.IncrementTEC(delta)
	} else {
		n.DecrementTEC(-delta)
	}
	from, to, changed := n.RecomputeState()

	b.metrics.SetNodeStatus(n.Name(), n.TEC(), int(n.State()))
	b.rec.Record(eventlog.Event{
		Time:      b.now(),
		Kind:      eventlog.KindTECUpdate,
		Node:      n.Name(),
		TECBefore: before,
		TECAfter:  n.TEC(),
		Detail:    reason,
	})
	if changed {
		b.rec.Record(eventlog.Event{
			Time:      b.now(),
			Kind:      eventlog.KindStateTransition,
			Node:      n.Name(),
			StateFrom: from.String(),
			StateTo:   to.String(),
		})
		b.log.Warn(context.Background(), "confinement state transition",
			logging.String("node", n.Name()),
			logging.String("from", from.String()),
			logging.String("to", to.String()),
			logging.Int("tec", n.TEC()),
		)
	}
}

func (b *Bus) recompute(n *model.Node) {
	from, to, changed := n.RecomputeState()
	if !changed {
		return
	}
	b.rec.Record(eventlog.Event{
		Time:      b.now(),
		Kind:      eventlog.KindStateTransition,
		Node:      n.Name(),
		StateFrom: from.String(),
		StateTo:   to.String(),
	})
}
