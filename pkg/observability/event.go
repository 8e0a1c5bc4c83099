package observability

import "time"

// Level represents the severity of an emitted event.
type Level string

const (
	// LevelDebug marks verbose diagnostics that are usually filtered out.
	LevelDebug Level = "debug"
	// LevelInfo represents informational events that describe normal behaviour.
	LevelInfo Level = "info"
	// LevelWarn represents conditions that may require operator attention.
	LevelWarn Level = "warn"
	// LevelError captures failures that prevent progress.
	LevelError Level = "error"
)

// Event models a structured log entry emitted by the self-healing components.
type Event struct {
	Timestamp time.Time              `json:"ts"`
	Level     Level                  `json:"level"`
	Node      string                 `json:"node,omitempty"`
	Component string                 `json:"component,omitempty"`
	Event     string                 `json:"event"`
	Message   string                 `json:"message,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Clone returns a copy of the event whose fields map can be mutated independently.
func (e Event) Clone() Event {
	clone := e
	if len(e.Fields) > 0 {
		copied := make(map[string]interface{}, len(e.Fields))
		for k, v := range e.Fields {
			copied[k] = v
		}
		clone.Fields = copied
	}
	return clone
}

// LevelFor picks warn when degraded and error when failed, info otherwise.
func LevelFor(degraded, failed bool) Level {
	switch {
	case failed:
		return LevelError
	case degraded:
		return LevelWarn
	default:
		return LevelInfo
	}
}
