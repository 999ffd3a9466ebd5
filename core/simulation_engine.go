package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/canbus-simulator/internal/eventlog"
	"github.com/signalsfoundry/canbus-simulator/internal/logging"
	"github.com/signalsfoundry/canbus-simulator/internal/observability"
	"github.com/signalsfoundry/canbus-simulator/model"
	"github.com/signalsfoundry/canbus-simulator/timectrl"
)

// RunOutcome describes why a simulation run terminated.
type RunOutcome int

const (
	RunVictimBusOff RunOutcome = iota
	RunAttackerRefused
	RunCycleLimit
	RunCancelled
)

func (o RunOutcome) String() string {
	switch o {
	case RunVictimBusOff:
		return "victim bus-off"
	case RunAttackerRefused:
		return "attacker left error-active"
	case RunCycleLimit:
		return "cycle limit reached"
	case RunCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("RunOutcome(%d)", int(o))
	}
}

// CycleReport is the snapshot handed to cycle listeners after each cycle
// fully commits.
type CycleReport struct {
	Cycle         int
	Outcome       CycleOutcome
	VictimTEC     int
	VictimState   model.NodeState
	AttackerTEC   int
	AttackerState model.NodeState
}

// Result summarizes a finished run.
type Result struct {
	Outcome       RunOutcome
	Cycles        int
	VictimTEC     int
	VictimState   model.NodeState
	AttackerTEC   int
	AttackerState model.NodeState
	Stats         AttackerStats
}

// SimulationEngine drives the cycle loop: victim produces, attacker decides,
// termination conditions are checked. Exactly one cycle is in flight at a
// time, and a cycle either fully commits its counter and state changes or,
// on a structural precondition failure, makes none at all.
type SimulationEngine struct {
	Bus      *Bus
	Victim   *VictimProducer
	Attacker *AttackerEngine
	Clock    *timectrl.CycleClock

	Logger   logging.Logger
	Recorder eventlog.Recorder
	Metrics  *observability.SimCollector
	Tracer   trace.Tracer

	cycleListeners []func(CycleReport)
}

// NewSimulationEngine wires the collaborators together. Logger, Recorder,
// Metrics, and Tracer may be set afterwards; they default to no-ops.
func NewSimulationEngine(bus *Bus, victim *VictimProducer, attacker *AttackerEngine, clock *timectrl.CycleClock) *SimulationEngine {
	return &SimulationEngine{
		Bus:      bus,
		Victim:   victim,
		Attacker: attacker,
		Clock:    clock,
		Logger:   logging.Noop(),
		Recorder: eventlog.Nop(),
	}
}

// RegisterCycleListener adds a callback invoked after every committed cycle.
func (se *SimulationEngine) RegisterCycleListener(fn func(CycleReport)) {
	se.cycleListeners = append(se.cycleListeners, fn)
}

// Run executes up to maxCycles cycles and reports how the run ended. The
// context is checked between cycles only, so cancellation never leaves a
// cycle half-applied. A victim going bus-off and an attacker refusal are
// normal terminations, not errors.
func (se *SimulationEngine) Run(ctx context.Context, maxCycles int) (Result, error) {
	if se.Tracer != nil {
		var span trace.Span
		ctx, span = se.Tracer.Start(ctx, "simulation.run",
			trace.WithAttributes(attribute.Int("max_cycles", maxCycles)))
		defer span.End()
	}

	cycle := 0
	for cycle < maxCycles {
		if err := ctx.Err(); err != nil {
			return se.finish(RunCancelled, cycle), err
		}
		cycle++

		report, outcome, done, err := se.runCycle(ctx, cycle)
		if err != nil {
			return se.finish(outcome, cycle), err
		}

		for _, fn := range se.cycleListeners {
			fn(report)
		}
		if done {
			return se.finish(outcome, cycle), nil
		}

		if err := se.Clock.Wait(ctx); err != nil {
			return se.finish(RunCancelled, cycle), err
		}
		se.Clock.Advance()
	}

	return se.finish(RunCycleLimit, cycle), nil
}

func (se *SimulationEngine) runCycle(ctx context.Context, cycle int) (CycleReport, RunOutcome, bool, error) {
	if se.Tracer != nil {
		var span trace.Span
		ctx, span = se.Tracer.Start(ctx, "simulation.cycle",
			trace.WithAttributes(attribute.Int("cycle", cycle)))
		defer span.End()
	}
	start := time.Now()

	frame, err := se.Victim.ProduceFrame()
	if err != nil {
		if errors.Is(err, ErrDisconnected) {
			// Expected end state, not a crash.
			return CycleReport{}, RunVictimBusOff, true, nil
		}
		return CycleReport{}, RunCancelled, true, err
	}

	outcome, err := se.Attacker.ExecuteCycle(frame)
	if err != nil {
		if errors.Is(err, ErrAttackRefused) {
			se.Logger.Warn(ctx, "attack refused; model invariant violated",
				logging.Int("cycle", cycle),
				logging.String("error", err.Error()))
			return CycleReport{}, RunAttackerRefused, true, nil
		}
		return CycleReport{}, RunCancelled, true, err
	}

	se.Metrics.ObserveCycle(outcome.String(), time.Since(start))

	victimTEC, victimState := se.Victim.Status()
	attackerTEC, attackerState := se.Attacker.Status()
	report := CycleReport{
		Cycle:         cycle,
		Outcome:       outcome,
		VictimTEC:     victimTEC,
		VictimState:   victimState,
		AttackerTEC:   attackerTEC,
		AttackerState: attackerState,
	}

	se.Recorder.Record(eventlog.Event{
		Time:          se.Clock.Now(),
		Kind:          eventlog.KindCycleSummary,
		Cycle:         cycle,
		Detail:        outcome.String(),
		VictimTEC:     victimTEC,
		VictimState:   victimState.String(),
		AttackerTEC:   attackerTEC,
		AttackerState: attackerState.String(),
	})

	if victimState == model.BusOff {
		return report, RunVictimBusOff, true, nil
	}
	if attackerState != model.ErrorActive {
		return report, RunAttackerRefused, true, nil
	}
	return report, RunCycleLimit, false, nil
}

func (se *SimulationEngine) finish(outcome RunOutcome, cycles int) Result {
	victimTEC, victimState := se.Victim.Status()
	attackerTEC, attackerState := se.Attacker.Status()
	result := Result{
		Outcome:       outcome,
		Cycles:        cycles,
		VictimTEC:     victimTEC,
		VictimState:   victimState,
		AttackerTEC:   attackerTEC,
		AttackerState: attackerState,
		Stats:         se.Attacker.Stats(),
	}

	se.Recorder.Record(eventlog.Event{
		Time:          se.Clock.Now(),
		Kind:          eventlog.KindRunSummary,
		Cycle:         cycles,
		Detail:        outcome.String(),
		VictimTEC:     victimTEC,
		VictimState:   victimState.String(),
		AttackerTEC:   attackerTEC,
		AttackerState: attackerState.String(),
	})
	se.Logger.Info(context.Background(), "simulation complete",
		logging.String("outcome", outcome.String()),
		logging.Int("cycles", cycles),
		logging.Int("victim_tec", victimTEC),
		logging.String("victim_state", victimState.String()),
		logging.Int("attacker_tec", attackerTEC),
		logging.String("attacker_state", attackerState.String()),
	)
	return result
}
