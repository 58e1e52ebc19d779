package protocol

import "encoding/json"

// Result statuses understood by the dispatcher.
const (
	StatusOK  = "OK"
	StatusERR = "ERR"
)

// Outcome log severities.
const (
	LevelDebug    = "DEBUG"
	LevelInfo     = "INFO"
	LevelWarning  = "WARNING"
	LevelError    = "ERROR"
	LevelCritical = "CRITICAL"
)

// DefaultLevel is applied to ERR results that do not declare a level.
const DefaultLevel = LevelWarning

// Envelope is one decoded inbound command.
type Envelope struct {
	Method string
	// Payload is the whole decoded object, method key included.
	Payload map[string]any
	Raw     json.RawMessage
}

// Result is what a capability returns for one envelope.
type Result struct {
	Status       string          `json:"status"` // OK | ERR
	Message      string          `json:"message,omitempty"`
	Level        string          `json:"level,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	StateUpdates map[string]any  `json:"state_updates,omitempty"`
}

// OK builds a successful result carrying optional data.
func OK(data any) Result {
	r := Result{Status: StatusOK}
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			r.Data = b
		}
	}
	return r
}

// Err builds a domain error result. An empty level means DefaultLevel.
func Err(level, message string) Result {
	return Result{Status: StatusERR, Level: level, Message: message}
}

// IsErr reports whether the result carries a domain error.
func (r Result) IsErr() bool {
	return r.Status == StatusERR
}

// EffectiveLevel returns the declared level or DefaultLevel.
func (r Result) EffectiveLevel() string {
	if r.Level == "" {
		return DefaultLevel
	}
	return r.Level
}

// HasData reports whether the result carries a non-empty data payload.
func (r Result) HasData() bool {
	switch string(r.Data) {
	case "", "null", "{}", "[]", `""`, "0", "false":
		return false
	}
	return true
}
