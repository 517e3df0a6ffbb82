package worker

import (
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/ternarybob/optiq/internal/models"
)

// Child event types carried over the job process stdout stream, one
// JSON object per line.
const (
	EventTypeProgress = "progress"
	EventTypeLog      = "log"
	EventTypeResult   = "result"
	EventTypeError    = "error"
)

// ChildEvent is the wire record exchanged between the job child
// process and its supervising worker. Exactly the fields for the
// declared Type are populated.
type ChildEvent struct {
	Type string `json:"type"`

	// progress
	Event   string                 `json:"event,omitempty"`
	Metrics map[string]interface{} `json:"metrics,omitempty"`

	// log
	Level   string `json:"level,omitempty"`
	Logger  string `json:"logger,omitempty"`
	Message string `json:"message,omitempty"`

	// result
	Result json.RawMessage `json:"result,omitempty"`

	// error
	Error     string `json:"error,omitempty"`
	Traceback string `json:"traceback,omitempty"`
}

// ParseEvent decodes one stdout line. Lines that are not a valid event
// object are wrapped as INFO log events so stray prints from the child
// still land in the job log.
func ParseEvent(line []byte) ChildEvent {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return ChildEvent{}
	}

	var event ChildEvent
	if err := json.Unmarshal([]byte(trimmed), &event); err == nil && event.Type != "" {
		return event
	}
	return ChildEvent{
		Type:    EventTypeLog,
		Level:   models.LogLevelInfo,
		Logger:  "stdout",
		Message: trimmed,
	}
}

// EventWriter serializes child events as newline-delimited JSON.
// Safe for concurrent use so the child can emit progress and logs from
// separate goroutines.
type EventWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewEventWriter creates a writer emitting NDJSON to w
func NewEventWriter(w io.Writer) *EventWriter {
	return &EventWriter{enc: json.NewEncoder(w)}
}

func (w *EventWriter) write(event ChildEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(event)
}

// Progress emits a telemetry event with optional metrics
func (w *EventWriter) Progress(event string, metrics map[string]interface{}) error {
	return w.write(ChildEvent{Type: EventTypeProgress, Event: event, Metrics: metrics})
}

// Log emits one log line
func (w *EventWriter) Log(level, loggerName, message string) error {
	return w.write(ChildEvent{Type: EventTypeLog, Level: level, Logger: loggerName, Message: message})
}

// Result emits the terminal success payload
func (w *EventWriter) Result(v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.write(ChildEvent{Type: EventTypeResult, Result: raw})
}

// Failure emits the terminal error record
func (w *EventWriter) Failure(message, traceback string) error {
	return w.write(ChildEvent{Type: EventTypeError, Error: message, Traceback: traceback})
}
