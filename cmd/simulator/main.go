// Command simulator runs the CAN bus-off induction attack simulation: a
// two-node bus where an adaptive attacker exploits the fault-confinement
// rules to drive the victim into permanent disconnection while staying
// error-active itself.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/canbus-simulator/core"
	"github.com/signalsfoundry/canbus-simulator/internal/eventlog"
	"github.com/signalsfoundry/canbus-simulator/internal/logging"
	"github.com/signalsfoundry/canbus-simulator/internal/observability"
	"github.com/signalsfoundry/canbus-simulator/model"
	"github.com/signalsfoundry/canbus-simulator/timectrl"
)

const banner = `  CAN Bus-Off Attack Simulator
  Stealth variant: the attacker stays Error-Active throughout`

type options struct {
	scenarioPath  string
	maxCycles     int
	delay         time.Duration
	seed          int64
	deterministic bool
	accelerated   bool
	quiet         bool
	logDir        string
	noLog         bool
	metricsAddr   string
	traceSpans    bool
}

func main() {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "simulator",
		Short: "Simulate a CAN bus-off induction attack",
		Long: "Simulates a CAN 2.0A bus at the bit level: wired-AND arbitration,\n" +
			"bit-error detection, and the fault-confinement state machine, with an\n" +
			"adaptive attacker driving the victim node to Bus-Off.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts, cmd.Flags().Changed("max-cycles"), cmd.Flags().Changed("delay"))
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&opts.scenarioPath, "scenario", "", "scenario file (.json or .yaml)")
	flags.IntVar(&opts.maxCycles, "max-cycles", 100, "maximum simulation cycles")
	flags.DurationVar(&opts.delay, "delay", 50*time.Millisecond, "pause between cycles (cosmetic)")
	flags.Int64Var(&opts.seed, "seed", 0, "random seed; 0 seeds from the clock")
	flags.BoolVar(&opts.deterministic, "deterministic", false, "disable jitter for reproducible runs")
	flags.BoolVar(&opts.accelerated, "accelerated", false, "run without inter-cycle delays")
	flags.BoolVar(&opts.quiet, "quiet", false, "suppress per-frame bit dumps")
	flags.StringVar(&opts.logDir, "log-dir", "logs", "directory for the JSONL event trace")
	flags.BoolVar(&opts.noLog, "no-log", false, "disable the file trace (console only)")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus /metrics on this address while running")
	flags.BoolVar(&opts.traceSpans, "trace", false, "emit OpenTelemetry spans to stdout")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *options, maxCyclesSet, delaySet bool) error {
	log := logging.NewFromEnv()
	ctx, log = logging.WithRunLogger(ctx, log)

	scenario, err := loadScenario(opts.scenarioPath)
	if err != nil {
		return err
	}
	applyOverrides(&scenario, opts, maxCyclesSet, delaySet)
	if err := scenario.Validate(); err != nil {
		return err
	}

	// Event trace sinks.
	console := eventlog.NewConsoleWriter(os.Stdout, opts.quiet)
	sinks := []eventlog.Recorder{console}
	var traceFile *eventlog.JSONLWriter
	if !opts.noLog {
		traceFile, err = eventlog.OpenJSONL(opts.logDir, "busoff")
		if err != nil {
			return err
		}
		defer traceFile.Close()
		sinks = append(sinks, traceFile)
	}
	recorder := eventlog.Multi(sinks...)

	// Tracing.
	tracingCfg := observability.TracingConfigFromEnv()
	if opts.traceSpans {
		tracingCfg.Enabled = true
	}
	shutdownTracing, err := observability.InitTracing(ctx, tracingCfg, log)
	if err != nil {
		return err
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	// Metrics.
	metrics, err := observability.NewSimCollector(nil)
	if err != nil {
		return err
	}
	if opts.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: opts.metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn(ctx, "metrics server stopped", logging.String("error", err.Error()))
			}
		}()
		defer srv.Close()
		log.Info(ctx, "serving metrics", logging.String("addr", opts.metricsAddr))
	}

	// Assemble the simulation.
	mode := timectrl.RealTime
	if opts.accelerated {
		mode = timectrl.Accelerated
	}
	period := time.Duration(scenario.Victim.PeriodMS) * time.Millisecond
	delay := time.Duration(scenario.DelayMS) * time.Millisecond
	clock := timectrl.NewCycleClock(time.Now().UTC(), period, delay, mode)

	bus := core.NewBus(clock, log, recorder, metrics)

	victimNode := model.NewNode("VICTIM")
	attackerNode := model.NewNode("ATTACKER")
	if err := bus.Register(victimNode); err != nil {
		return err
	}
	if err := bus.Register(attackerNode); err != nil {
		return err
	}

	victim := core.NewVictimProducer(victimNode, scenario.Victim.CANID, period, scenario.Victim.Payload, log)

	seed := scenario.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	attacker := core.NewAttackerEngine(bus, attackerNode, scenario.AttackerParams(), rng, log, recorder)
	attacker.AnalyzePattern(scenario.Victim.CANID, period)

	engine := core.NewSimulationEngine(bus, victim, attacker, clock)
	engine.Logger = log
	engine.Recorder = recorder
	engine.Metrics = metrics
	if tracingCfg.Enabled {
		engine.Tracer = observability.Tracer()
	}

	fmt.Println(banner)
	if traceFile != nil {
		fmt.Printf("  Trace file: %s\n", traceFile.Path())
	}
	fmt.Println("\nInitial state:")
	fmt.Printf("  %s\n", victimNode.Status())
	fmt.Printf("  %s\n\n", attackerNode.Status())

	result, err := engine.Run(ctx, scenario.MaxCycles)
	if err != nil && ctx.Err() == nil {
		return err
	}

	printReport(result, victimNode, attackerNode)
	return nil
}

func loadScenario(path string) (core.Scenario, error) {
	if path == "" {
		return core.DefaultScenario(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return core.Scenario{}, fmt.Errorf("open scenario %q: %w", path, err)
	}
	defer f.Close()
	return core.LoadScenario(f, filepath.Ext(path))
}

// applyOverrides lets explicit flags win over the scenario file.
func applyOverrides(sc *core.Scenario, opts *options, maxCyclesSet, delaySet bool) {
	if maxCyclesSet || opts.scenarioPath == "" {
		sc.MaxCycles = opts.maxCycles
	}
	if delaySet || opts.scenarioPath == "" {
		sc.DelayMS = int(opts.delay / time.Millisecond)
	}
	if opts.seed != 0 {
		sc.Seed = opts.seed
	}
	if opts.deterministic {
		sc.Deterministic = true
	}
}

func printReport(result core.Result, victim, attacker *model.Node) {
	fmt.Println("\n==================== SIMULATION COMPLETE ====================")
	fmt.Printf("  Outcome         : %s\n", result.Outcome)
	fmt.Printf("  Cycles executed : %d\n", result.Cycles)
	fmt.Printf("  %s\n", victim.Status())
	fmt.Printf("  %s\n", attacker.Status())
	fmt.Printf("\n  Attack cycles=%d  Skips=%d  Mis-timed=%d  Valid frames=%d\n",
		result.Stats.Attacks, result.Stats.Skips, result.Stats.Mistimed, result.Stats.ValidFrames)

	if result.AttackerState == model.ErrorActive {
		fmt.Println("\n  Attacker remained Error-Active throughout.")
	} else {
		fmt.Println("\n  Attacker left Error-Active; attack model violated!")
	}
}
