package ingestion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// SignalType identifies the producer of a signal.
type SignalType string

const (
	SignalQR     SignalType = "QR"
	SignalGPS    SignalType = "GPS"
	SignalManual SignalType = "MANUAL"
	SignalTime   SignalType = "TIME"

	// Declared by signal sources but not normalised yet.
	SignalImage   SignalType = "IMAGE"
	SignalProfile SignalType = "PROFILE"
)

// ConsentLevel is carried through untouched; nothing enforces it.
type ConsentLevel string

const (
	ConsentPrivate ConsentLevel = "private"
	ConsentScoped  ConsentLevel = "scoped"
	ConsentShared  ConsentLevel = "shared"
)

// Signal is an external event to be normalised into a node.
type Signal struct {
	Type      SignalType     `json:"type" validate:"required"`
	Payload   map[string]any `json:"payload" validate:"required,min=1"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
	Consent   ConsentLevel   `json:"consent,omitempty" validate:"omitempty,oneof=private scoped shared"`
}

// str returns payload[key] as a string. Non-string scalars are formatted.
func (s Signal) str(key string) string {
	v, ok := s.Payload[key]
	if !ok || v == nil {
		return ""
	}
	if str, ok := v.(string); ok {
		return str
	}
	return fmt.Sprint(v)
}

func (s Signal) boolean(key string) (bool, bool) {
	v, ok := s.Payload[key].(bool)
	return v, ok
}

func (s Signal) object(key string) map[string]any {
	v, _ := s.Payload[key].(map[string]any)
	return v
}

// DecodeSignals reads a single signal object or an array of them.
func DecodeSignals(content []byte) ([]Signal, error) {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var signals []Signal
		if err := json.Unmarshal(trimmed, &signals); err != nil {
			return nil, fmt.Errorf("parsing signals: %w", err)
		}
		return signals, nil
	}
	var sig Signal
	if err := json.Unmarshal(trimmed, &sig); err != nil {
		return nil, fmt.Errorf("parsing signal: %w", err)
	}
	return []Signal{sig}, nil
}
