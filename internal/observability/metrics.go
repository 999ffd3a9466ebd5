package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SimCollector bundles Prometheus metrics for a simulation run and provides
// a ready-to-serve /metrics handler.
type SimCollector struct {
	gatherer prometheus.Gatherer

	Cycles        *prometheus.CounterVec
	CycleDuration prometheus.Histogram
	BitErrors     prometheus.Counter
	Delivered     prometheus.Counter
	ValidFrames   *prometheus.CounterVec

	TEC              *prometheus.GaugeVec
	ConfinementState *prometheus.GaugeVec
}

// NewSimCollector registers the simulation metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewSimCollector(reg prometheus.Registerer) (*SimCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	cycles := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_cycles_total",
		Help: "Simulation cycles executed, labeled by attacker decision outcome.",
	}, []string{"outcome"})
	cycles, err := registerCounterVec(reg, cycles, "sim_cycles_total")
	if err != nil {
		return nil, err
	}

	duration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sim_cycle_duration_seconds",
		Help:    "Wall-clock duration of one simulation cycle.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}), "sim_cycle_duration_seconds")
	if err != nil {
		return nil, err
	}

	bitErrors, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_bit_errors_total",
		Help: "Bit errors detected on the bus.",
	}), "sim_bit_errors_total")
	if err != nil {
		return nil, err
	}

	delivered, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_frames_delivered_total",
		Help: "Frames successfully delivered to receiving nodes.",
	}), "sim_frames_delivered_total")
	if err != nil {
		return nil, err
	}

	validFrames := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_valid_frames_total",
		Help: "Contention-free valid frames transmitted, labeled by node.",
	}, []string{"node"})
	validFrames, err = registerCounterVec(reg, validFrames, "sim_valid_frames_total")
	if err != nil {
		return nil, err
	}

	tec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sim_tec",
		Help: "Current transmit-error counter per node.",
	}, []string{"node"})
	tec, err = registerGaugeVec(reg, tec, "sim_tec")
	if err != nil {
		return nil, err
	}

	state := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sim_confinement_state",
		Help: "Current fault-confinement state per node (0=Error-Active, 1=Error-Passive, 2=Bus-Off).",
	}, []string{"node"})
	state, err = registerGaugeVec(reg, state, "sim_confinement_state")
	if err != nil {
		return nil, err
	}

	return &SimCollector{
		gatherer:         gatherer,
		Cycles:           cycles,
		CycleDuration:    duration,
		BitErrors:        bitErrors,
		Delivered:        delivered,
		ValidFrames:      validFrames,
		TEC:              tec,
		ConfinementState: state,
	}, nil
}

// ObserveCycle records one completed cycle with its decision outcome.
func (c *SimCollector) ObserveCycle(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	if c.Cycles != nil {
		c.Cycles.WithLabelValues(outcome).Inc()
	}
	if c.CycleDuration != nil {
		c.CycleDuration.Observe(d.Seconds())
	}
}

// IncBitError counts one detected bit error.
func (c *SimCollector) IncBitError() {
	if c == nil || c.BitErrors == nil {
		return
	}
	c.BitErrors.Inc()
}

// AddDelivered counts frames fanned out to receivers.
func (c *SimCollector) AddDelivered(n int) {
	if c == nil || c.Delivered == nil {
		return
	}
	c.Delivered.Add(float64(n))
}

// AddValidFrames counts contention-free transmissions by a node.
func (c *SimCollector) AddValidFrames(node string, n int) {
	if c == nil || c.ValidFrames == nil {
		return
	}
	c.ValidFrames.WithLabelValues(node).Add(float64(n))
}

// SetNodeStatus drives the per-node gauges from the bus mutators.
func (c *SimCollector) SetNodeStatus(node string, tec, state int) {
	if c == nil {
		return
	}
	if c.TEC != nil {
		c.TEC.WithLabelValues(node).Set(float64(tec))
	}
	if c.ConfinementState != nil {
		c.ConfinementState.WithLabelValues(node).Set(float64(state))
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SimCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, ctr prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(ctr); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return ctr, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}
