package framework

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType categorizes telemetry events.
type EventType string

const (
	EventTierStart   EventType = "tier_start"
	EventTierFinish  EventType = "tier_finish"
	EventTierError   EventType = "tier_error"
	EventToolCall    EventType = "tool_call"
	EventToolResult  EventType = "tool_result"
	EventLLMPrompt   EventType = "llm_prompt"
	EventLLMResponse EventType = "llm_response"
	EventTransition  EventType = "transition"
)

// Event captures structured telemetry data.
type Event struct {
	Type      EventType              `json:"type"`
	Tier      Tier                   `json:"tier,omitempty"`
	CaseKey   string                 `json:"case,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Telemetry receives execution traces from tier runs and model calls.
type Telemetry interface {
	Emit(event Event)
}

// MultiplexTelemetry broadcasts events to multiple sinks.
type MultiplexTelemetry struct {
	Sinks []Telemetry
}

// Emit forwards the event to all registered sinks.
func (m MultiplexTelemetry) Emit(event Event) {
	for _, s := range m.Sinks {
		if s != nil {
			s.Emit(event)
		}
	}
}

// JSONFileTelemetry writes events as newline-delimited JSON to a file.
type JSONFileTelemetry struct {
	file *os.File
	enc  *json.Encoder
	mu   sync.Mutex
}

// NewJSONFileTelemetry opens (or creates) the log file.
func NewJSONFileTelemetry(path string) (*JSONFileTelemetry, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &JSONFileTelemetry{
		file: f,
		enc:  json.NewEncoder(f),
	}, nil
}

// Emit writes the JSON record.
func (j *JSONFileTelemetry) Emit(event Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.enc != nil {
		_ = j.enc.Encode(event)
	}
}

// Close releases the file handle.
func (j *JSONFileTelemetry) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file != nil {
		return j.file.Close()
	}
	return nil
}

// LoggerTelemetry emits events through zerolog at debug level.
type LoggerTelemetry struct {
	Logger zerolog.Logger
}

// Emit logs the event.
func (t LoggerTelemetry) Emit(event Event) {
	t.Logger.Debug().
		Str("event", string(event.Type)).
		Str("tier", string(event.Tier)).
		Str("case", event.CaseKey).
		Fields(event.Metadata).
		Msg(event.Message)
}

// Emit is a nil-safe helper for components with optional telemetry.
func Emit(t Telemetry, event Event) {
	if t == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	t.Emit(event)
}
