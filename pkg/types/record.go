// Package types provides core data types for Sequent.
package types

import (
	"encoding/json"
	"time"
)

// Schema generations of the event record. The minimal generation carries
// free-vocabulary statuses and no event classification; the structured
// generation adds event_type, a fixed status vocabulary, and created_at.
// Both generations live in one record shape; SchemaVersion discriminates.
const (
	SchemaVersionMinimal    = 1
	SchemaVersionStructured = 2
)

// Statuses of the structured generation. The minimal generation is free to
// use its own vocabulary (StatusStarted and StatusCompleted are the
// conventional ones); the error token is shared by both.
const (
	StatusInProgress = "in_progress"
	StatusSuccess    = "success"
	StatusError      = "error"

	StatusStarted   = "started"
	StatusCompleted = "completed"
)

// Conventional event types. The vocabulary is open: producers may introduce
// their own types, these are the ones the standard recorder emits.
const (
	EventAgentStart         = "agent_start"
	EventStep               = "step"
	EventAgentComplete      = "agent_complete"
	EventError              = "error"
	EventDependencyCall     = "dependency_call"
	EventDependencyResponse = "dependency_response"
)

// Record represents one observed fact about the progress of a request at a
// point in time. Records are immutable once stored: the log is write-once,
// append-only, read-many.
type Record struct {
	// ID is assigned by the store at insertion time. IDs strictly increase
	// with insertion order and are never reused; they carry no business
	// meaning beyond ordering tie-breaks.
	ID int64 `json:"id,omitzero"`

	// SchemaVersion discriminates the record generation. Zero on input is
	// defaulted to SchemaVersionStructured by the store.
	SchemaVersion int `json:"schema_version,omitzero"`

	// RequestID is the opaque correlation key grouping all records that
	// belong to one logical request. Required, never empty.
	RequestID string `json:"request_id"`

	// EventType categorizes the kind of occurrence. Required in the
	// structured generation, optional in the minimal one.
	EventType string `json:"event_type,omitempty"`

	// Step is the free-text human-readable description of what is
	// happening. Required, never empty. The minimal generation called this
	// field "message"; one field serves both.
	Step string `json:"step"`

	// Data carries optional structured event-specific detail. nil means
	// the record has no payload; an empty JSON object is a payload.
	Data json.RawMessage `json:"data,omitempty"`

	// Status is the outcome state of this event. Required, never empty.
	Status string `json:"status"`

	// Error holds the failure text. Populated exactly when Status is the
	// error status; a consistency rule checked at the write boundary.
	Error string `json:"error,omitempty"`

	// Timestamp is the instant the real-world event occurred, set by the
	// producer or defaulted to the write instant by the store. All
	// ordering and time-range queries use this field.
	Timestamp time.Time `json:"timestamp,omitzero"`

	// CreatedAt is the ingestion instant, assigned by the store. It is
	// distinct from Timestamp so delayed ingestion remains auditable.
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// Clone returns a deep copy of the record. Stores hand out clones so no
// caller can alias internal state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Data != nil {
		c.Data = make(json.RawMessage, len(r.Data))
		copy(c.Data, r.Data)
	}
	return &c
}

// IsError reports whether the record carries the error status. Both schema
// generations share the same error token.
func (r *Record) IsError() bool {
	return r.Status == StatusError
}

// HasData reports whether the record carries a data payload. Only nil means
// absent; an empty JSON object counts as present.
func (r *Record) HasData() bool {
	return r.Data != nil
}
