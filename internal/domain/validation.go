package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FieldError represents a single field's validation error.
type FieldError struct {
	Field string `json:"field"`
	Msg   string `json:"message"`
}

func (e FieldError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Msg) }

type wireEvent struct {
	EventType string          `json:"eventType"`
	Timestamp *int64          `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ParseBatch decodes the raw "events" member of a submission. The member must
// be present and be an array; every element needs an eventType and an integer
// timestamp. Array order is preserved.
func ParseBatch(raw json.RawMessage) ([]Event, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, &ValidationError{Fields: []FieldError{{"events", "required"}}}
	}
	if trimmed[0] != '[' {
		return nil, &ValidationError{Fields: []FieldError{{"events", "must be an array"}}}
	}
	var items []wireEvent
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, &ValidationError{Fields: []FieldError{{"events", err.Error()}}}
	}
	if len(items) > MaxBatchEvents {
		return nil, &ValidationError{Fields: []FieldError{{"events", fmt.Sprintf("max %d items", MaxBatchEvents)}}}
	}

	var errs []FieldError
	out := make([]Event, 0, len(items))
	for i, it := range items {
		prefix := fmt.Sprintf("events[%d].", i)
		for _, fe := range validateWireEvent(it) {
			errs = append(errs, FieldError{prefix + fe.Field, fe.Msg})
		}
		ev := Event{EventType: it.EventType, Data: it.Data}
		if it.Timestamp != nil {
			ev.Timestamp = *it.Timestamp
		}
		out = append(out, ev)
	}
	if len(errs) > 0 {
		return nil, &ValidationError{Fields: errs}
	}
	return out, nil
}

func validateWireEvent(ev wireEvent) []FieldError {
	var errs []FieldError

	if ev.EventType == "" {
		errs = append(errs, FieldError{"eventType", "required"})
	} else if len(ev.EventType) > MaxEventTypeLen {
		errs = append(errs, FieldError{"eventType", fmt.Sprintf("max length %d", MaxEventTypeLen)})
	}

	// Timestamp: epoch milliseconds
	if ev.Timestamp == nil {
		errs = append(errs, FieldError{"timestamp", "required epoch milliseconds"})
	} else if *ev.Timestamp < 0 {
		errs = append(errs, FieldError{"timestamp", "must not be negative"})
	}

	return errs
}
