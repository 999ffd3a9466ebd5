// Package eventlog records the structured event trace of a simulation run:
// one record per notable bus or engine event, suitable for replay and
// analysis. Sinks are explicit capabilities injected at construction; there
// is no process-wide logging state.
package eventlog

import (
	"time"

	"github.com/signalsfoundry/canbus-simulator/model"
)

// Kind identifies what a trace record describes.
type Kind string

const (
	KindNodeRegistered  Kind = "node_registered"
	KindTransmitAttempt Kind = "transmit_attempt"
	KindArbitration     Kind = "arbitration"
	KindInjection       Kind = "injection"
	KindBitError        Kind = "bit_error"
	KindErrorFlag       Kind = "error_flag"
	KindTECUpdate       Kind = "tec_update"
	KindStateTransition Kind = "state_transition"
	KindDelivery        Kind = "delivery"
	KindValidFrames     Kind = "valid_frames"
	KindDecision        Kind = "attacker_decision"
	KindCycleSummary    Kind = "cycle_summary"
	KindRunSummary      Kind = "run_summary"
)

// Event is one structured trace record. Fields not meaningful for a given
// kind are left zero and omitted from the serialized form where possible.
type Event struct {
	Time  time.Time `json:"ts"`
	Kind  Kind      `json:"kind"`
	Cycle int       `json:"cycle,omitempty"`

	Node      string      `json:"node,omitempty"`
	Peer      string      `json:"peer,omitempty"`
	CANID     uint16      `json:"can_id,omitempty"`
	Malicious bool        `json:"malicious,omitempty"`
	Bits      []model.Bit `json:"bits,omitempty"`
	Position  int         `json:"position,omitempty"`
	Count     int         `json:"count,omitempty"`

	TECBefore int    `json:"tec_before,omitempty"`
	TECAfter  int    `json:"tec_after,omitempty"`
	StateFrom string `json:"state_from,omitempty"`
	StateTo   string `json:"state_to,omitempty"`

	Winner string `json:"winner,omitempty"`
	Detail string `json:"detail,omitempty"`

	VictimTEC     int    `json:"victim_tec,omitempty"`
	VictimState   string `json:"victim_state,omitempty"`
	AttackerTEC   int    `json:"attacker_tec,omitempty"`
	AttackerState string `json:"attacker_state,omitempty"`
}

// Recorder consumes trace events. Implementations must tolerate being called
// from inside the bus critical section, so Record should not block on slow
// I/O longer than necessary.
type Recorder interface {
	Record(ev Event)
}

// Nop returns a recorder that drops every event.
func Nop() Recorder { return nopRecorder{} }

type nopRecorder struct{}

func (nopRecorder) Record(Event) {}

// Multi fans every event out to each sink in order.
func Multi(sinks ...Recorder) Recorder {
	out := make([]Recorder, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return multiRecorder(out)
}

type multiRecorder []Recorder

func (m multiRecorder) Record(ev Event) {
	for _, r := range m {
		r.Record(ev)
	}
}

// Capture is a recorder that retains every event in memory. Used by tests
// and post-run analysis.
type Capture struct {
	Events []Event
}

func (c *Capture) Record(ev Event) {
	c.Events = append(c.Events, ev)
}

// ByKind filters the captured events.
func (c *Capture) ByKind(kind Kind) []Event {
	var out []Event
	for _, ev := range c.Events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}
