package eventlog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JSONLWriter serializes events as JSON Lines, one object per event, each
// stamped with the run ID so multiple runs can share an output stream.
type JSONLWriter struct {
	mu    sync.Mutex
	enc   *json.Encoder
	runID string

	closer io.Closer
	path   string
}

// NewJSONLWriter wraps an arbitrary writer.
func NewJSONLWriter(w io.Writer) *JSONLWriter {
	return &JSONLWriter{
		enc:   json.NewEncoder(w),
		runID: uuid.NewString(),
	}
}

// OpenJSONL creates dir if needed and opens a timestamped trace file,
// e.g. logs/busoff_20260829_151204.jsonl.
func OpenJSONL(dir, runName string) (*JSONLWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir %q: %w", dir, err)
	}
	name := fmt.Sprintf("%s_%s.jsonl", runName, time.Now().Format("20060102_150405"))
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create trace file %q: %w", path, err)
	}
	w := NewJSONLWriter(f)
	w.closer = f
	w.path = path
	return w, nil
}

// RunID returns the identifier stamped on every record.
func (w *JSONLWriter) RunID() string { return w.runID }

// Path returns the trace file path, or "" when writing to a caller-supplied
// stream.
func (w *JSONLWriter) Path() string { return w.path }

func (w *JSONLWriter) Record(ev Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	// Encoding errors are swallowed: the trace is diagnostic output and must
	// never abort a simulation cycle mid-flight.
	_ = w.enc.Encode(struct {
		RunID string `json:"run_id"`
		Event
	}{RunID: w.runID, Event: ev})
}

// Close flushes and closes the underlying file, when there is one.
func (w *JSONLWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closer == nil {
		return nil
	}
	err := w.closer.Close()
	w.closer = nil
	return err
}
