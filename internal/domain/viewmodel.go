package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ViewModel is the worker-computed projection of one character for one variant.
// Body is the full JSON document as published by the worker; Timestamp mirrors
// its "timestamp" field.
type ViewModel struct {
	CharacterID string
	Variant     string
	Timestamp   int64
	Body        json.RawMessage
}

// NewViewModel builds a ViewModel from a worker document, extracting the
// timestamp marker.
func NewViewModel(characterID, variant string, body json.RawMessage) (ViewModel, error) {
	var head struct {
		Timestamp *int64 `json:"timestamp"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return ViewModel{}, fmt.Errorf("decode view model: %w", err)
	}
	if head.Timestamp == nil {
		return ViewModel{}, fmt.Errorf("view model %s/%s: timestamp is required", characterID, variant)
	}
	return ViewModel{
		CharacterID: characterID,
		Variant:     variant,
		Timestamp:   *head.Timestamp,
		Body:        body,
	}, nil
}

// PublicBody returns the document without storage-internal members (keys
// starting with an underscore, such as _id or _rev).
func (vm ViewModel) PublicBody() (json.RawMessage, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(vm.Body, &doc); err != nil {
		return nil, fmt.Errorf("decode view model: %w", err)
	}
	for k := range doc {
		if strings.HasPrefix(k, "_") {
			delete(doc, k)
		}
	}
	return json.Marshal(doc)
}
