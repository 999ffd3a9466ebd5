package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestSimCollectorRecordsCycles(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("NewSimCollector: %v", err)
	}

	collector.ObserveCycle("attack", 5*time.Millisecond)
	collector.ObserveCycle("attack", 3*time.Millisecond)
	collector.ObserveCycle("skip", 1*time.Millisecond)

	if got := testutil.ToFloat64(collector.Cycles.WithLabelValues("attack")); got != 2 {
		t.Fatalf("sim_cycles_total{outcome=attack} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.Cycles.WithLabelValues("skip")); got != 1 {
		t.Fatalf("sim_cycles_total{outcome=skip} = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "sim_cycle_duration_seconds", nil); count != 3 {
		t.Fatalf("sim_cycle_duration_seconds sample_count = %d, want 3", count)
	}
}

func TestSimCollectorNodeGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("NewSimCollector: %v", err)
	}

	collector.SetNodeStatus("VICTIM", 135, 1)
	collector.SetNodeStatus("ATTACKER", 3, 0)
	collector.AddValidFrames("ATTACKER", 5)
	collector.IncBitError()
	collector.AddDelivered(2)

	if got := testutil.ToFloat64(collector.TEC.WithLabelValues("VICTIM")); got != 135 {
		t.Fatalf("sim_tec{node=VICTIM} = %v, want 135", got)
	}
	if got := testutil.ToFloat64(collector.ConfinementState.WithLabelValues("VICTIM")); got != 1 {
		t.Fatalf("sim_confinement_state{node=VICTIM} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.ValidFrames.WithLabelValues("ATTACKER")); got != 5 {
		t.Fatalf("sim_valid_frames_total{node=ATTACKER} = %v, want 5", got)
	}
	if got := testutil.ToFloat64(collector.BitErrors); got != 1 {
		t.Fatalf("sim_bit_errors_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.Delivered); got != 2 {
		t.Fatalf("sim_frames_delivered_total = %v, want 2", got)
	}
}

func TestNewSimCollectorTwiceReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("NewSimCollector (first): %v", err)
	}
	second, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("NewSimCollector (second): %v", err)
	}

	first.IncBitError()
	second.IncBitError()
	if got := testutil.ToFloat64(second.BitErrors); got != 2 {
		t.Fatalf("sim_bit_errors_total = %v, want 2 (shared collector)", got)
	}
}

func TestNilCollectorIsInert(t *testing.T) {
	var collector *SimCollector
	collector.ObserveCycle("attack", time.Millisecond)
	collector.IncBitError()
	collector.AddDelivered(1)
	collector.AddValidFrames("VICTIM", 1)
	collector.SetNodeStatus("VICTIM", 0, 0)
}

func TestMetricsHandlerExposesSimNames(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("NewSimCollector: %v", err)
	}
	collector.ObserveCycle("attack", time.Millisecond)
	collector.SetNodeStatus("VICTIM", 256, 2)
	collector.IncBitError()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"sim_cycles_total",
		"sim_cycle_duration_seconds",
		"sim_bit_errors_total",
		"sim_tec",
		"sim_confinement_state",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
