package core

import (
	"context"
	"fmt"
	"time"

	"github.com/signalsfoundry/canbus-simulator/internal/logging"
	"github.com/signalsfoundry/canbus-simulator/model"
)

// DefaultVictimPayload is the fixed payload template of the victim's
// periodic frame; the sequence counter is appended as the final byte.
var DefaultVictimPayload = []byte{0xDE, 0xAD, 0xBE}

// VictimProducer emits the victim node's periodic frame once per cycle. It
// is a trivial producer: the only state it loses across cycles is the
// wrapping sequence counter.
type VictimProducer struct {
	node    *model.Node
	canID   uint16
	period  time.Duration
	payload []byte
	seq     uint8
	log     logging.Logger
}

// NewVictimProducer builds a producer for the given node. A nil payload
// selects DefaultVictimPayload.
func NewVictimProducer(node *model.Node, canID uint16, period time.Duration, payload []byte, log logging.Logger) *VictimProducer {
	if payload == nil {
		payload = DefaultVictimPayload
	}
	if log == nil {
		log = logging.Noop()
	}
	return &VictimProducer{
		node:    node,
		canID:   canID,
		period:  period,
		payload: append([]byte(nil), payload...),
		log:     log,
	}
}

// ProduceFrame builds the next periodic frame. Once the node has gone
// bus-off the producer is disconnected and fails on every call.
func (v *VictimProducer) ProduceFrame() (model.Frame, error) {
	if v.node.State() == model.BusOff {
		return model.Frame{}, fmt.Errorf("%w: %q", ErrDisconnected, v.node.Name())
	}
	v.seq++
	data := append(append([]byte(nil), v.payload...), v.seq)
	frame := model.NewFrame(v.canID, data, v.node.Name())
	v.log.Debug(context.Background(), "periodic frame prepared",
		logging.String("node", v.node.Name()),
		logging.Int("can_id", int(v.canID)),
		logging.Int("seq", int(v.seq)),
	)
	return frame, nil
}

// Status reports the node's counter and confinement state.
func (v *VictimProducer) Status() (int, model.NodeState) {
	return v.node.TEC(), v.node.State()
}

// Node returns the underlying node.
func (v *VictimProducer) Node() *model.Node { return v.node }

// CANID returns the identifier of the periodic frame.
func (v *VictimProducer) CANID() uint16 { return v.canID }

// Period returns the nominal transmission period. It is cosmetic: the
// simulation is cycle-driven and the period only paces real-time runs.
func (v *VictimProducer) Period() time.Duration { return v.period }
