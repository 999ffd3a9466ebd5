package core

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/signalsfoundry/canbus-simulator/internal/eventlog"
	"github.com/signalsfoundry/canbus-simulator/internal/logging"
	"github.com/signalsfoundry/canbus-simulator/model"
)

// ErrAttackRefused is returned when the attacker is asked to act while no
// longer Error-Active. Under the default parameters this never happens; if
// it does, the run terminates and the violation is surfaced in diagnostics.
var ErrAttackRefused = errors.New("canbus: attacker is not error-active")

// DefaultInjectionPool lists bit offsets that land on dominant bits of the
// DE AD BE payload template, so an injected recessive bit is guaranteed to
// expose a detectable bit error. Offsets index the 11 identifier bits
// followed by the payload bits.
var DefaultInjectionPool = []int{13, 18, 20, 22, 25, 28, 34}

// AttackerParams tune the decision engine. The defaults keep the attacker's
// counter oscillating strictly below the Error-Passive threshold while the
// victim accumulates net-positive drift every attack cycle.
type AttackerParams struct {
	TargetID          uint16
	SkipThreshold     int     // skip cycle when own TEC reaches this
	ValidFrames       int     // frames drained after an attack or skip
	JitterProbability float64 // chance an intended attack is mis-timed
	InjectionPool     []int
}

// DefaultAttackerParams returns the tuned defaults against a target ID.
func DefaultAttackerParams(targetID uint16) AttackerParams {
	return AttackerParams{
		TargetID:          targetID,
		SkipThreshold:     6,
		ValidFrames:       5,
		JitterProbability: 0.05,
		InjectionPool:     DefaultInjectionPool,
	}
}

// CycleOutcome is the behavior the engine selected for one cycle.
type CycleOutcome int

const (
	OutcomeAttack CycleOutcome = iota
	OutcomeSkip
	OutcomeMistimed
)

func (o CycleOutcome) String() string {
	switch o {
	case OutcomeAttack:
		return "attack"
	case OutcomeSkip:
		return "skip"
	case OutcomeMistimed:
		return "mistimed"
	default:
		return fmt.Sprintf("CycleOutcome(%d)", int(o))
	}
}

// AttackerStats are per-run diagnostic counts. They never feed back into
// decision logic except indirectly through the node's error counter.
type AttackerStats struct {
	Cycles      int
	Attacks     int
	Skips       int
	Mistimed    int
	ValidFrames int
}

// AttackerEngine selects one of three behaviors each cycle: skip to drain
// its own counter, a mis-timed attack modeling synchronization jitter, or a
// full attack mirroring the victim's frame with an injected recessive bit.
type AttackerEngine struct {
	bus    *Bus
	node   *model.Node
	params AttackerParams
	rng    *rand.Rand
	stats  AttackerStats
	log    logging.Logger
	rec    eventlog.Recorder
}

// NewAttackerEngine builds the engine. rng is the injectable randomness
// source for the jitter draw and pool selection; nil seeds one from the
// wall clock.
func NewAttackerEngine(bus *Bus, node *model.Node, params AttackerParams, rng *rand.Rand, log logging.Logger, rec eventlog.Recorder) *AttackerEngine {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if log == nil {
		log = logging.Noop()
	}
	if rec == nil {
		rec = eventlog.Nop()
	}
	if len(params.InjectionPool) == 0 {
		params.InjectionPool = DefaultInjectionPool
	}
	return &AttackerEngine{
		bus:    bus,
		node:   node,
		params: params,
		rng:    rng,
		log:    log,
		rec:    rec,
	}
}

// AnalyzePattern locks onto the victim's identifier and period. In this
// model the target is known up front; the call mirrors the reconnaissance
// step of the real attack.
func (a *AttackerEngine) AnalyzePattern(victimID uint16, period time.Duration) {
	a.params.TargetID = victimID
	a.log.Info(context.Background(), "pattern analysis complete",
		logging.Int("target_can_id", int(victimID)),
		logging.String("period", period.String()),
	)
}

// ExecuteCycle runs one decision cycle against the victim's frame, in order
// of precedence: precondition check, skip decision, jitter draw, full
// attack.
func (a *AttackerEngine) ExecuteCycle(victimFrame model.Frame) (CycleOutcome, error) {
	if a.node.State() != model.ErrorActive {
		return 0, fmt.Errorf("%w: state=%s tec=%d", ErrAttackRefused, a.node.State(), a.node.TEC())
	}
	a.stats.Cycles++

	if a.node.TEC() >= a.params.SkipThreshold {
		return a.skipCycle(victimFrame)
	}

	if a.params.JitterProbability > 0 && a.rng.Float64() < a.params.JitterProbability {
		return a.mistimedCycle(victimFrame)
	}

	return a.attackCycle(victimFrame)
}

// skipCycle forgoes fault injection: the victim transmits uncontested and
// the attacker drains its own counter with valid frames. This keeps the
// attacker oscillating near zero while the victim's counter decays only
// slightly.
func (a *AttackerEngine) skipCycle(victimFrame model.Frame) (CycleOutcome, error) {
	a.decision(OutcomeSkip, fmt.Sprintf("skip: own TEC %d reached threshold %d", a.node.TEC(), a.params.SkipThreshold))

	if err := a.bus.TransmitValid(victimFrame.Sender, 1); err != nil {
		return OutcomeSkip, err
	}
	if err := a.bus.TransmitValid(a.node.Name(), a.params.ValidFrames); err != nil {
		return OutcomeSkip, err
	}
	a.stats.Skips++
	a.stats.ValidFrames += a.params.ValidFrames
	return OutcomeSkip, nil
}

// mistimedCycle models imperfect synchronization: the intended injection
// lands on a recessive bit and exposes nothing. The victim transmits
// successfully; the attacker's counter is untouched.
func (a *AttackerEngine) mistimedCycle(victimFrame model.Frame) (CycleOutcome, error) {
	a.decision(OutcomeMistimed, "mis-timed: injection window missed")

	if err := a.bus.TransmitValid(victimFrame.Sender, 1); err != nil {
		return OutcomeMistimed, err
	}
	a.stats.Mistimed++
	return OutcomeMistimed, nil
}

// attackCycle mirrors the victim's frame, injects a recessive bit at a pool
// position guaranteed to collide with a dominant victim bit, and submits it
// concurrently with the victim's transmission. The resulting confinement
// penalty costs the victim a net +7 while the follow-up valid frames cap
// the attacker's own gain at +3.
func (a *AttackerEngine) attackCycle(victimFrame model.Frame) (CycleOutcome, error) {
	pos := a.params.InjectionPool[a.rng.Intn(len(a.params.InjectionPool))]
	a.decision(OutcomeAttack, fmt.Sprintf("attack: inject recessive at bit %d", pos))

	frame := model.NewMaliciousFrame(a.params.TargetID, victimFrame.Data, a.node.Name(), pos)
	ok, err := a.bus.Transmit(frame, &victimFrame)
	if err != nil {
		return OutcomeAttack, err
	}
	a.stats.Attacks++

	if !ok {
		// Error exposed as planned; heal with contention-free frames.
		if err := a.bus.TransmitValid(a.node.Name(), a.params.ValidFrames); err != nil {
			return OutcomeAttack, err
		}
		a.stats.ValidFrames += a.params.ValidFrames
	} else {
		a.log.Warn(context.Background(), "injection exposed no error",
			logging.Int("position", pos))
	}
	return OutcomeAttack, nil
}

func (a *AttackerEngine) decision(outcome CycleOutcome, detail string) {
	a.rec.Record(eventlog.Event{
		Time:   a.bus.now(),
		Kind:   eventlog.KindDecision,
		Node:   a.node.Name(),
		Cycle:  a.stats.Cycles,
		Detail: detail,
	})
	a.log.Debug(context.Background(), "attacker decision",
		logging.String("outcome", outcome.String()),
		logging.Int("tec", a.node.TEC()),
	)
}

// Stats returns the per-run diagnostic counts.
func (a *AttackerEngine) Stats() AttackerStats { return a.stats }

// Status reports the node's counter and confinement state.
func (a *AttackerEngine) Status() (int, model.NodeState) {
	return a.node.TEC(), a.node.State()
}

// Node returns the underlying node.
func (a *AttackerEngine) Node() *model.Node { return a.node }
