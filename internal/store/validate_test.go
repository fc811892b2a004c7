package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sequent/sequent/internal/errors"
	"github.com/sequent/sequent/pkg/types"
)

func TestValidateRecord(t *testing.T) {
	tests := []struct {
		name     string
		record   *types.Record
		wantCode string
	}{
		{
			name: "valid structured record",
			record: &types.Record{
				SchemaVersion: types.SchemaVersionStructured,
				RequestID:     "req-1",
				EventType:     types.EventStep,
				Step:          "fetch profile",
				Status:        types.StatusInProgress,
			},
			wantCode: "",
		},
		{
			name: "valid minimal record with free status vocabulary",
			record: &types.Record{
				SchemaVersion: types.SchemaVersionMinimal,
				RequestID:     "req-1",
				Step:          "fetch profile",
				Status:        types.StatusStarted,
			},
			wantCode: "",
		},
		{
			name: "missing request_id",
			record: &types.Record{
				SchemaVersion: types.SchemaVersionStructured,
				EventType:     types.EventStep,
				Step:          "fetch profile",
				Status:        types.StatusSuccess,
			},
			wantCode: errors.CodeMissingField,
		},
		{
			name: "whitespace request_id",
			record: &types.Record{
				SchemaVersion: types.SchemaVersionStructured,
				RequestID:     "   ",
				EventType:     types.EventStep,
				Step:          "fetch profile",
				Status:        types.StatusSuccess,
			},
			wantCode: errors.CodeMissingField,
		},
		{
			name: "missing step",
			record: &types.Record{
				SchemaVersion: types.SchemaVersionStructured,
				RequestID:     "req-1",
				EventType:     types.EventStep,
				Status:        types.StatusSuccess,
			},
			wantCode: errors.CodeMissingField,
		},
		{
			name: "missing status",
			record: &types.Record{
				SchemaVersion: types.SchemaVersionStructured,
				RequestID:     "req-1",
				EventType:     types.EventStep,
				Step:          "fetch profile",
			},
			wantCode: errors.CodeMissingField,
		},
		{
			name: "structured status outside vocabulary",
			record: &types.Record{
				SchemaVersion: types.SchemaVersionStructured,
				RequestID:     "req-1",
				EventType:     types.EventStep,
				Step:          "fetch profile",
				Status:        "almost_done",
			},
			wantCode: errors.CodeInvalidField,
		},
		{
			name: "structured record without event_type",
			record: &types.Record{
				SchemaVersion: types.SchemaVersionStructured,
				RequestID:     "req-1",
				Step:          "fetch profile",
				Status:        types.StatusSuccess,
			},
			wantCode: errors.CodeMissingField,
		},
		{
			name: "unknown schema version",
			record: &types.Record{
				SchemaVersion: 7,
				RequestID:     "req-1",
				Step:          "fetch profile",
				Status:        types.StatusSuccess,
			},
			wantCode: errors.CodeInvalidSchema,
		},
		{
			name: "malformed data payload",
			record: &types.Record{
				SchemaVersion: types.SchemaVersionStructured,
				RequestID:     "req-1",
				EventType:     types.EventStep,
				Step:          "fetch profile",
				Status:        types.StatusSuccess,
				Data:          json.RawMessage(`{"broken":`),
			},
			wantCode: errors.CodeMalformedInput,
		},
		{
			name:     "nil record",
			record:   nil,
			wantCode: errors.CodeMalformedInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRecord(tt.record)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("expected record to be valid, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected rejection with code %s, got nil", tt.wantCode)
			}
			if !errors.IsValidation(err) {
				t.Errorf("expected validation category, got %s", errors.GetCategory(err))
			}
			if got := errors.GetCode(err); got != tt.wantCode {
				t.Errorf("code mismatch: got %s, want %s", got, tt.wantCode)
			}
			if errors.IsRetryable(err) {
				t.Error("validation rejections must not be retryable")
			}
		})
	}
}

func TestPrepareForAppend(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	t.Run("fills store-assigned fields", func(t *testing.T) {
		in := &types.Record{
			ID:        999,
			RequestID: "req-1",
			EventType: types.EventStep,
			Step:      "parse input",
			Status:    types.StatusInProgress,
		}
		out := prepareForAppend(in, now)

		if out.ID != 0 {
			t.Errorf("caller-supplied id must be discarded, got %d", out.ID)
		}
		if out.SchemaVersion != types.SchemaVersionStructured {
			t.Errorf("schema version should default to structured, got %d", out.SchemaVersion)
		}
		if !out.Timestamp.Equal(now) {
			t.Errorf("zero timestamp should default to now, got %v", out.Timestamp)
		}
		if !out.CreatedAt.Equal(now) {
			t.Errorf("created_at should be the ingestion instant, got %v", out.CreatedAt)
		}
	})

	t.Run("preserves explicit timestamp in UTC", func(t *testing.T) {
		loc := time.FixedZone("UTC+2", 2*3600)
		ts := time.Date(2026, 3, 14, 11, 30, 0, 0, loc)
		in := &types.Record{
			RequestID: "req-1",
			EventType: types.EventStep,
			Step:      "parse input",
			Status:    types.StatusInProgress,
			Timestamp: ts,
		}
		out := prepareForAppend(in, now)

		if !out.Timestamp.Equal(ts) {
			t.Errorf("explicit timestamp changed: got %v, want %v", out.Timestamp, ts)
		}
		if out.Timestamp.Location() != time.UTC {
			t.Errorf("timestamp should be normalized to UTC, got %v", out.Timestamp.Location())
		}
	})

	t.Run("does not mutate the caller's record", func(t *testing.T) {
		in := &types.Record{
			RequestID: "req-1",
			EventType: types.EventStep,
			Step:      "parse input",
			Status:    types.StatusInProgress,
			Data:      json.RawMessage(`{"n":1}`),
		}
		out := prepareForAppend(in, now)
		out.Step = "changed"
		out.Data[2] = 'x'

		if in.Step != "parse input" {
			t.Error("caller record step was mutated")
		}
		if string(in.Data) != `{"n":1}` {
			t.Error("caller record data was mutated")
		}
		if !in.CreatedAt.IsZero() {
			t.Error("caller record created_at was mutated")
		}
	})
}

func TestCheckConsistency(t *testing.T) {
	tests := []struct {
		name       string
		status     string
		errText    string
		wantOffend bool
	}{
		{"error with text is consistent", types.StatusError, "timeout contacting dependency", false},
		{"success without text is consistent", types.StatusSuccess, "", false},
		{"error without text offends", types.StatusError, "", true},
		{"success with text offends", types.StatusSuccess, "stale failure detail", true},
		{"in_progress with text offends", types.StatusInProgress, "leftover", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &types.Record{Status: tt.status, Error: tt.errText}
			msg := CheckConsistency(rec)
			if tt.wantOffend && msg == "" {
				t.Error("expected a consistency violation, got none")
			}
			if !tt.wantOffend && msg != "" {
				t.Errorf("unexpected consistency violation: %s", msg)
			}
		})
	}
}

func TestCheckWriteBoundary_ConsistencyPolicy(t *testing.T) {
	inconsistent := &types.Record{
		SchemaVersion: types.SchemaVersionStructured,
		RequestID:     "req-1",
		EventType:     types.EventStep,
		Step:          "call dependency",
		Status:        types.StatusError,
	}

	t.Run("default policy accepts and warns", func(t *testing.T) {
		opts := applyOptions(nil)
		if err := opts.checkWriteBoundary(inconsistent); err != nil {
			t.Fatalf("default policy should accept inconsistent records, got %v", err)
		}
	})

	t.Run("strict policy rejects", func(t *testing.T) {
		opts := applyOptions([]Option{WithStrictConsistency()})
		err := opts.checkWriteBoundary(inconsistent)
		if err == nil {
			t.Fatal("strict policy should reject inconsistent records")
		}
		if got := errors.GetCode(err); got != errors.CodeConsistency {
			t.Errorf("code mismatch: got %s, want %s", got, errors.CodeConsistency)
		}
	})
}
