package core

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/canbus-simulator/model"
)

// Scenario captures every knob of a simulation run. Files may be JSON or
// YAML; omitted fields keep their defaults.
type Scenario struct {
	MaxCycles     int   `json:"max_cycles" yaml:"max_cycles"`
	DelayMS       int   `json:"delay_ms" yaml:"delay_ms"`
	Seed          int64 `json:"seed" yaml:"seed"`
	Deterministic bool  `json:"deterministic" yaml:"deterministic"`

	Victim   VictimScenario   `json:"victim" yaml:"victim"`
	Attacker AttackerScenario `json:"attacker" yaml:"attacker"`
}

// VictimScenario configures the periodic producer.
type VictimScenario struct {
	CANID    uint16 `json:"can_id" yaml:"can_id"`
	PeriodMS int    `json:"period_ms" yaml:"period_ms"`
	Payload  []byte `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// AttackerScenario configures the decision engine.
type AttackerScenario struct {
	SkipThreshold     int     `json:"skip_threshold" yaml:"skip_threshold"`
	ValidFrames       int     `json:"valid_frames" yaml:"valid_frames"`
	JitterProbability float64 `json:"jitter_probability" yaml:"jitter_probability"`
	InjectionPool     []int   `json:"injection_pool,omitempty" yaml:"injection_pool,omitempty"`
}

// DefaultScenario returns the tuned defaults: the attacker stays
// error-active throughout while the victim is driven to bus-off within a
// bounded number of cycles.
func DefaultScenario() Scenario {
	return Scenario{
		MaxCycles: 100,
		DelayMS:   50,
		Victim: VictimScenario{
			CANID:    0x100,
			PeriodMS: 10,
		},
		Attacker: AttackerScenario{
			SkipThreshold:     6,
			ValidFrames:       5,
			JitterProbability: 0.05,
			InjectionPool:     DefaultInjectionPool,
		},
	}
}

// LoadScenario reads a scenario over the defaults from r. format is "json"
// or "yaml"/"yml", typically derived from the file extension.
func LoadScenario(r io.Reader, format string) (Scenario, error) {
	sc := DefaultScenario()

	data, err := io.ReadAll(r)
	if err != nil {
		return sc, fmt.Errorf("read scenario: %w", err)
	}

	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "json":
		if err := json.Unmarshal(data, &sc); err != nil {
			return sc, fmt.Errorf("parse JSON scenario: %w", err)
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &sc); err != nil {
			return sc, fmt.Errorf("parse YAML scenario: %w", err)
		}
	default:
		return sc, fmt.Errorf("unsupported scenario format %q", format)
	}

	if err := sc.Validate(); err != nil {
		return sc, err
	}
	return sc, nil
}

// Validate rejects structurally impossible parameter sets before any node
// state exists.
func (sc Scenario) Validate() error {
	if sc.Victim.CANID > model.MaxStandardID {
		return fmt.Errorf("%w: victim can_id 0x%X", model.ErrInvalidID, sc.Victim.CANID)
	}
	if len(sc.Victim.Payload) > model.MaxDataLen-1 {
		// One byte is reserved for the sequence counter.
		return fmt.Errorf("%w: victim payload template %d bytes", model.ErrInvalidLen, len(sc.Victim.Payload))
	}
	if sc.MaxCycles <= 0 {
		return fmt.Errorf("canbus: max_cycles must be positive, got %d", sc.MaxCycles)
	}
	if sc.Attacker.SkipThreshold < 1 {
		return fmt.Errorf("canbus: skip_threshold must be at least 1, got %d", sc.Attacker.SkipThreshold)
	}
	if sc.Attacker.ValidFrames < 0 {
		return fmt.Errorf("canbus: valid_frames must not be negative, got %d", sc.Attacker.ValidFrames)
	}
	if sc.Attacker.JitterProbability < 0 || sc.Attacker.JitterProbability > 1 {
		return fmt.Errorf("canbus: jitter_probability %v outside [0, 1]", sc.Attacker.JitterProbability)
	}

	payloadLen := len(sc.Victim.Payload)
	if payloadLen == 0 {
		payloadLen = len(DefaultVictimPayload)
	}
	frameBits := model.IDBitLen + 8*(payloadLen+1)
	for _, pos := range sc.Attacker.InjectionPool {
		if pos < 0 || pos >= frameBits {
			return fmt.Errorf("%w: pool position %d in a %d-bit frame", model.ErrInvalidInjection, pos, frameBits)
		}
	}
	return nil
}

// AttackerParams converts the scenario's attacker section, honoring
// deterministic mode by zeroing the jitter probability.
func (sc Scenario) AttackerParams() AttackerParams {
	jitter := sc.Attacker.JitterProbability
	if sc.Deterministic {
		jitter = 0
	}
	pool := sc.Attacker.InjectionPool
	if len(pool) == 0 {
		pool = DefaultInjectionPool
	}
	return AttackerParams{
		TargetID:          sc.Victim.CANID,
		SkipThreshold:     sc.Attacker.SkipThreshold,
		ValidFrames:       sc.Attacker.ValidFrames,
		JitterProbability: jitter,
		InjectionPool:     pool,
	}
}
