package core

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/signalsfoundry/canbus-simulator/internal/eventlog"
	"github.com/signalsfoundry/canbus-simulator/model"
	"github.com/signalsfoundry/canbus-simulator/timectrl"
)

func newTestSimulation(t *testing.T, jitter float64, seed int64) (*SimulationEngine, *eventlog.Capture) {
	t.Helper()

	clock := timectrl.NewCycleClock(time.Unix(0, 0).UTC(), 10*time.Millisecond, 0, timectrl.Accelerated)
	rec := &eventlog.Capture{}
	bus := NewBus(clock, nil, rec, nil)

	victimNode := model.NewNode("VICTIM")
	attackerNode := model.NewNode("ATTACKER")
	for _, n := range []*model.Node{victimNode, attackerNode} {
		if err := bus.Register(n); err != nil {
			t.Fatalf("Register(%s): %v", n.Name(), err)
		}
	}

	victim := NewVictimProducer(victimNode, 0x100, 10*time.Millisecond, nil, nil)
	params := DefaultAttackerParams(0x100)
	params.JitterProbability = jitter
	attacker := NewAttackerEngine(bus, attackerNode, params, rand.New(rand.NewSource(seed)), nil, rec)

	engine := NewSimulationEngine(bus, victim, attacker, clock)
	engine.Recorder = rec
	return engine, rec
}

func TestRunDrivesVictimToBusOff(t *testing.T) {
	engine, _ := newTestSimulation(t, 0, 1)

	var reports []CycleReport
	engine.RegisterCycleListener(func(r CycleReport) { reports = append(reports, r) })

	result, err := engine.Run(context.Background(), 100)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if result.Outcome != RunVictimBusOff {
		t.Fatalf("outcome = %s, want %s", result.Outcome, RunVictimBusOff)
	}
	if result.VictimTEC != model.TECBusOff || result.VictimState != model.BusOff {
		t.Fatalf("victim end state = TEC %d %s, want TEC %d %s",
			result.VictimTEC, result.VictimState, model.TECBusOff, model.BusOff)
	}
	// Deterministic drift: +7 per attack, -1 per skip, net +32 over each
	// 8-cycle steady-state period, crossing 256 in the low sixties.
	if result.Cycles < 55 || result.Cycles > 64 {
		t.Fatalf("run took %d cycles, want 55..64", result.Cycles)
	}
	if got := len(reports); got != result.Cycles {
		t.Fatalf("listener saw %d reports, want %d", got, result.Cycles)
	}

	for _, r := range reports {
		if r.AttackerState != model.ErrorActive {
			t.Fatalf("cycle %d: attacker state %s, want %s", r.Cycle, r.AttackerState, model.ErrorActive)
		}
		if r.AttackerTEC < 0 || r.AttackerTEC > 8 {
			t.Fatalf("cycle %d: attacker TEC %d escaped 0..8 band", r.Cycle, r.AttackerTEC)
		}
	}

	last := reports[len(reports)-1]
	if last.VictimState != model.BusOff {
		t.Fatalf("final report victim state = %s, want %s", last.VictimState, model.BusOff)
	}
	prev := reports[len(reports)-2]
	if prev.VictimState == model.BusOff {
		t.Fatalf("victim bus-off before the final cycle")
	}
}

func TestRunVictimDriftIsMonotonicUnderAttack(t *testing.T) {
	engine, _ := newTestSimulation(t, 0, 7)

	var reports []CycleReport
	engine.RegisterCycleListener(func(r CycleReport) { reports = append(reports, r) })

	if _, err := engine.Run(context.Background(), 100); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	prevTEC := 0
	for _, r := range reports {
		switch r.Outcome {
		case OutcomeAttack:
			if got := r.VictimTEC - prevTEC; got != 7 && r.VictimTEC != model.TECBusOff {
				t.Fatalf("cycle %d: attack moved victim TEC by %d, want +7", r.Cycle, got)
			}
		case OutcomeSkip, OutcomeMistimed:
			if got := r.VictimTEC - prevTEC; got != -1 {
				t.Fatalf("cycle %d: %s moved victim TEC by %d, want -1", r.Cycle, r.Outcome, got)
			}
		}
		prevTEC = r.VictimTEC
	}
}

func TestRunStopsAtCycleLimit(t *testing.T) {
	engine, _ := newTestSimulation(t, 0, 1)

	result, err := engine.Run(context.Background(), 10)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if result.Outcome != RunCycleLimit {
		t.Fatalf("outcome = %s, want %s", result.Outcome, RunCycleLimit)
	}
	if result.Cycles != 10 {
		t.Fatalf("cycles = %d, want 10", result.Cycles)
	}
	if result.VictimState == model.BusOff {
		t.Fatalf("victim bus-off after only 10 cycles")
	}
}

func TestRunCancellationStopsBetweenCycles(t *testing.T) {
	engine, _ := newTestSimulation(t, 0, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := engine.Run(ctx, 100)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if result.Outcome != RunCancelled {
		t.Fatalf("outcome = %s, want %s", result.Outcome, RunCancelled)
	}
	if result.Cycles != 0 {
		t.Fatalf("cycles = %d, want 0 (cancelled before the first cycle)", result.Cycles)
	}
}

func TestRunEmitsSummaries(t *testing.T) {
	engine, rec := newTestSimulation(t, 0, 1)

	if _, err := engine.Run(context.Background(), 5); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	cycles := rec.ByKind(eventlog.KindCycleSummary)
	if len(cycles) != 5 {
		t.Fatalf("got %d cycle summaries, want 5", len(cycles))
	}
	runs := rec.ByKind(eventlog.KindRunSummary)
	if len(runs) != 1 {
		t.Fatalf("got %d run summaries, want 1", len(runs))
	}
	if runs[0].Detail != RunCycleLimit.String() {
		t.Fatalf("run summary detail = %q, want %q", runs[0].Detail, RunCycleLimit.String())
	}
}

func TestRunRefusesNonErrorActiveAttacker(t *testing.T) {
	engine, _ := newTestSimulation(t, 0, 1)

	engine.Attacker.Node().IncrementTEC(130)
	engine.Attacker.Node().RecomputeState()

	result, err := engine.Run(context.Background(), 100)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if result.Outcome != RunAttackerRefused {
		t.Fatalf("outcome = %s, want %s", result.Outcome, RunAttackerRefused)
	}
	if result.Cycles != 1 {
		t.Fatalf("cycles = %d, want 1", result.Cycles)
	}
}
