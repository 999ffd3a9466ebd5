package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestMultiFansOut(t *testing.T) {
	a := &Capture{}
	b := &Capture{}
	rec := Multi(a, nil, b)

	rec.Record(Event{Kind: KindBitError, Node: "VICTIM", Position: 13})
	rec.Record(Event{Kind: KindCycleSummary, Cycle: 3})

	for name, c := range map[string]*Capture{"first": a, "second": b} {
		if len(c.Events) != 2 {
			t.Fatalf("%s sink got %d events, want 2", name, len(c.Events))
		}
	}
	if a.Events[0].Position != 13 {
		t.Fatalf("event position = %d, want 13", a.Events[0].Position)
	}
}

func TestCaptureByKind(t *testing.T) {
	c := &Capture{}
	c.Record(Event{Kind: KindTECUpdate, Node: "VICTIM"})
	c.Record(Event{Kind: KindDecision, Node: "ATTACKER"})
	c.Record(Event{Kind: KindTECUpdate, Node: "ATTACKER"})

	got := c.ByKind(KindTECUpdate)
	if len(got) != 2 {
		t.Fatalf("ByKind returned %d events, want 2", len(got))
	}
	if got[1].Node != "ATTACKER" {
		t.Fatalf("second tec_update node = %q, want ATTACKER", got[1].Node)
	}
}

func TestJSONLWriterStampsRunID(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf)
	if w.RunID() == "" {
		t.Fatal("empty run ID")
	}

	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	w.Record(Event{Time: now, Kind: KindBitError, Node: "VICTIM", Position: 18})
	w.Record(Event{Time: now, Kind: KindStateTransition, Node: "VICTIM", StateFrom: "Error-Passive", StateTo: "Bus-Off"})

	sc := bufio.NewScanner(&buf)
	lines := 0
	for sc.Scan() {
		lines++
		var rec struct {
			RunID    string `json:"run_id"`
			Kind     Kind   `json:"kind"`
			Node     string `json:"node"`
			Position int    `json:"position"`
		}
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", lines, err)
		}
		if rec.RunID != w.RunID() {
			t.Fatalf("line %d run_id = %q, want %q", lines, rec.RunID, w.RunID())
		}
		if rec.Node != "VICTIM" {
			t.Fatalf("line %d node = %q, want VICTIM", lines, rec.Node)
		}
	}
	if lines != 2 {
		t.Fatalf("got %d JSONL lines, want 2", lines)
	}
}

func TestOpenJSONLWritesTraceFile(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenJSONL(dir, "busoff")
	if err != nil {
		t.Fatalf("OpenJSONL() error: %v", err)
	}
	if !strings.HasPrefix(w.Path(), dir) || !strings.HasSuffix(w.Path(), ".jsonl") {
		t.Fatalf("unexpected trace path %q", w.Path())
	}

	w.Record(Event{Kind: KindRunSummary, Detail: "victim bus-off"})
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	// Close is idempotent.
	if err := w.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}
}

func TestConsoleWriterQuietSuppressesDumps(t *testing.T) {
	ev := Event{Kind: KindDelivery, Node: "ATTACKER", CANID: 0x100}

	var loud bytes.Buffer
	NewConsoleWriter(&loud, false).Record(ev)
	if !strings.Contains(loud.String(), "delivered to ATTACKER") {
		t.Fatalf("verbose console dropped delivery line: %q", loud.String())
	}

	var quiet bytes.Buffer
	NewConsoleWriter(&quiet, true).Record(ev)
	if quiet.Len() != 0 {
		t.Fatalf("quiet console printed %q", quiet.String())
	}
}

func TestConsoleWriterPlainOutputWithoutTerminal(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsoleWriter(&buf, false)
	c.Record(Event{Kind: KindBitError, Node: "VICTIM", Position: 22})

	line := buf.String()
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("non-terminal output contains ANSI escapes: %q", line)
	}
	if !strings.Contains(line, "BIT ERROR detected by VICTIM at position 22") {
		t.Fatalf("unexpected bit error line: %q", line)
	}
}
