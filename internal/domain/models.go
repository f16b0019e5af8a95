package domain

import (
	"encoding/json"
	"errors"
	"time"
)

type Verb string

const (
	VerbCreate Verb = "create"
	VerbUpdate Verb = "update"
	VerbDelete Verb = "delete"
)

var verbs = []Verb{VerbCreate, VerbUpdate, VerbDelete}

func (v Verb) pastTense() string {
	switch v {
	case VerbCreate:
		return "Created"
	case VerbUpdate:
		return "Updated"
	case VerbDelete:
		return "Deleted"
	default:
		return ""
	}
}

type RejectionCode string

const (
	CodeSchemaInvalid         RejectionCode = "SchemaInvalid"
	CodeBusinessRuleViolation RejectionCode = "BusinessRuleViolation"
	CodeNotFound              RejectionCode = "NotFound"
	CodeConflict              RejectionCode = "Conflict"
)

// RejectionCodeFor maps an expected domain error to its rejection code.
// Any other error is an infrastructure fault and reports false.
func RejectionCodeFor(err error) (RejectionCode, bool) {
	switch {
	case err == nil:
		return "", false
	case errors.Is(err, ErrSchemaInvalid), errors.Is(err, ErrUnknownCommand):
		return CodeSchemaInvalid, true
	case errors.Is(err, ErrNotFound):
		return CodeNotFound, true
	case errors.Is(err, ErrConflict):
		return CodeConflict, true
	case errors.Is(err, ErrBusinessRule), errors.Is(err, ErrInvalidInput):
		return CodeBusinessRuleViolation, true
	default:
		return "", false
	}
}

// Entry is the current state of one resource in the read store.
type Entry struct {
	ResourceType string         `json:"resourceType"`
	ResourceID   string         `json:"resourceId"`
	Version      int64          `json:"version"`
	State        map[string]any `json:"state"`
	Deleted      bool           `json:"deleted"`
}

// Live reports whether the entry exists and is not tombstoned.
func (e Entry) Live() bool {
	return e.Version > 0 && !e.Deleted
}

// Checkpoint is the next offset to read from one log partition.
type Checkpoint struct {
	LogName   string
	Partition int
	Offset    int64
}

type OutcomeKind string

const (
	OutcomeEvent     OutcomeKind = "event"
	OutcomeRejection OutcomeKind = "rejection"
)

// Outcome is the durable validator decision for one command id. Payload holds
// the encoded event or rejection exactly as it is published.
type Outcome struct {
	ID           string
	CommandID    string
	Kind         OutcomeKind
	ResourceType string
	ResourceID   string
	Version      int64
	Code         RejectionCode
	Payload      []byte
	Published    bool
	RecordedAt   time.Time
}

// ResourceHead is the last version the validator issued for a resource.
type ResourceHead struct {
	ResourceType string
	ResourceID   string
	Version      int64
	Deleted      bool
}

type GapFault struct {
	ResourceType    string
	ResourceID      string
	ExpectedVersion int64
	Reason          string
	Events          []json.RawMessage
	DetectedAt      time.Time
}

type ApplyStatus string

const (
	ApplyApplied   ApplyStatus = "applied"
	ApplyDuplicate ApplyStatus = "duplicate"
	ApplyBuffered  ApplyStatus = "buffered"
	ApplyHalted    ApplyStatus = "halted"
)

type ApplyResult struct {
	Status  ApplyStatus
	Version int64
	Drained int
}
