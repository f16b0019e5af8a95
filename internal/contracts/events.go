package contracts

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event is an accepted state change written to the event log.
type Event struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	ResourceID   string         `json:"resourceId"`
	ResourceType string         `json:"resourceType"`
	Body         map[string]any `json:"body"`
	Version      int64          `json:"version"`
	CausedBy     string         `json:"causedBy"`
	OccurredAt   time.Time      `json:"occurredAt"`
}

func DecodeEvent(raw []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	switch {
	case strings.TrimSpace(evt.ID) == "", strings.TrimSpace(evt.Type) == "":
		return Event{}, fmt.Errorf("%w: event id and type are required", ErrMalformedEnvelope)
	case strings.TrimSpace(evt.ResourceID) == "", strings.TrimSpace(evt.ResourceType) == "":
		return Event{}, fmt.Errorf("%w: event resource is required", ErrMalformedEnvelope)
	case evt.Version < 1:
		return Event{}, fmt.Errorf("%w: event version must be positive", ErrMalformedEnvelope)
	}
	return evt, nil
}

// Rejection records why a command was not accepted. Rejections are terminal
// and never folded into the read store.
type Rejection struct {
	ID           string `json:"id"`
	CausedBy     string `json:"causedBy"`
	ResourceType string `json:"resourceType,omitempty"`
	ResourceID   string `json:"resourceId,omitempty"`
	Reason       string `json:"reason"`
	Code         string `json:"code"`
}

type GapReport struct {
	ResourceType    string            `json:"resourceType"`
	ResourceID      string            `json:"resourceId"`
	ExpectedVersion int64             `json:"expectedVersion"`
	Reason          string            `json:"reason"`
	Events          []json.RawMessage `json:"events"`
	DetectedAt      time.Time         `json:"detectedAt"`
}
