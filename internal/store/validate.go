package store

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/sequent/sequent/internal/errors"
	"github.com/sequent/sequent/pkg/types"
)

// prepareForAppend clones a candidate record and fills the store-assigned
// defaults: schema version, occurrence timestamp, ingestion instant. The
// caller's record is never mutated and any caller-supplied id is discarded.
func prepareForAppend(rec *types.Record, now time.Time) *types.Record {
	c := rec.Clone()
	c.ID = 0
	if c.SchemaVersion == 0 {
		c.SchemaVersion = types.SchemaVersionStructured
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = now
	} else {
		c.Timestamp = c.Timestamp.UTC()
	}
	c.CreatedAt = now
	return c
}

// ValidateRecord checks the required-field invariants of a candidate
// record: non-empty request_id, step, and status on every record, a known
// schema version, the structured status vocabulary and mandatory
// event_type for structured records, and well-formed JSON data.
func ValidateRecord(rec *types.Record) error {
	if rec == nil {
		return errors.NewValidationError(errors.CodeMalformedInput, "record is nil")
	}
	if strings.TrimSpace(rec.RequestID) == "" {
		return errors.NewValidationError(errors.CodeMissingField, "request_id is required")
	}
	if strings.TrimSpace(rec.Step) == "" {
		return errors.NewValidationError(errors.CodeMissingField, "step is required")
	}
	if strings.TrimSpace(rec.Status) == "" {
		return errors.NewValidationError(errors.CodeMissingField, "status is required")
	}

	switch rec.SchemaVersion {
	case types.SchemaVersionMinimal:
		// Minimal generation: free status vocabulary, optional event_type.
	case types.SchemaVersionStructured:
		switch rec.Status {
		case types.StatusInProgress, types.StatusSuccess, types.StatusError:
		default:
			return errors.NewValidationError(errors.CodeInvalidField,
				fmt.Sprintf("status %q is not in the structured vocabulary", rec.Status))
		}
		if strings.TrimSpace(rec.EventType) == "" {
			return errors.NewValidationError(errors.CodeMissingField, "event_type is required for structured records")
		}
	default:
		return errors.NewValidationError(errors.CodeInvalidSchema,
			fmt.Sprintf("unknown schema version %d", rec.SchemaVersion))
	}

	if rec.Data != nil && !json.Valid(rec.Data) {
		return errors.NewValidationError(errors.CodeMalformedInput, "data is not valid JSON")
	}
	return nil
}

// CheckConsistency reports the status/error consistency violation of a
// record, or "" when the rule holds: error text is populated exactly when
// the status is the error status.
func CheckConsistency(rec *types.Record) string {
	if rec.IsError() && strings.TrimSpace(rec.Error) == "" {
		return "status is error but no error text is set"
	}
	if !rec.IsError() && rec.Error != "" {
		return fmt.Sprintf("error text set on %q status", rec.Status)
	}
	return ""
}

// checkWriteBoundary runs validation and the consistency rule for one
// prepared record. Consistency mismatches are producer bugs the original
// schema never enforced: by default they are counted and logged but the
// record is accepted; strict mode rejects them.
func (o *options) checkWriteBoundary(rec *types.Record) error {
	if err := ValidateRecord(rec); err != nil {
		if o.stats != nil {
			o.stats.RecordValidationRejected()
		}
		return err
	}

	if msg := CheckConsistency(rec); msg != "" {
		if o.strict {
			if o.stats != nil {
				o.stats.RecordValidationRejected()
			}
			return errors.NewValidationError(errors.CodeConsistency, msg)
		}
		if o.stats != nil {
			o.stats.RecordConsistencyWarning()
		}
		log.Printf("store: accepting inconsistent record for request %s: %s", rec.RequestID, msg)
	}
	return nil
}
