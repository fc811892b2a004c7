package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sequent/sequent/internal/errors"
	"github.com/sequent/sequent/internal/store"
	"github.com/sequent/sequent/pkg/types"
)

// BatchAppendRequest represents a batch append request.
type BatchAppendRequest struct {
	Records []*types.Record `json:"records"`
}

// BatchAppendResult reports the outcome for one record of a batch.
type BatchAppendResult struct {
	Index int    `json:"index"`
	ID    int64  `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// BatchAppendResponse represents the batch append response.
type BatchAppendResponse struct {
	Results  []BatchAppendResult `json:"results"`
	Appended int                 `json:"appended"`
	TraceID  string              `json:"trace_id,omitempty"`
}

// AppendHandler handles POST /v1/records requests.
type AppendHandler struct {
	store store.Store
}

// NewAppendHandler creates a new append handler.
func NewAppendHandler(s store.Store) *AppendHandler {
	return &AppendHandler{store: s}
}

// ServeHTTP appends a single record and returns the stored form.
func (h *AppendHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	traceID := GetTraceID(r.Context())

	var rec types.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), traceID)
		return
	}

	stored, err := h.store.Append(r.Context(), &rec)
	if err != nil {
		writeDomainError(w, err, traceID)
		return
	}

	writeJSON(w, http.StatusCreated, stored)
}

// BatchAppendHandler handles POST /v1/records/batch requests.
type BatchAppendHandler struct {
	store store.Store
}

// NewBatchAppendHandler creates a new batch append handler.
func NewBatchAppendHandler(s store.Store) *BatchAppendHandler {
	return &BatchAppendHandler{store: s}
}

// ServeHTTP appends records in order. A validation failure rejects only
// the offending record; a storage failure stops the batch, since records
// after it would jump the queue on retry.
func (h *BatchAppendHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	traceID := GetTraceID(r.Context())

	var req BatchAppendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), traceID)
		return
	}
	if len(req.Records) == 0 {
		writeError(w, http.StatusBadRequest, "records must not be empty", traceID)
		return
	}

	resp := BatchAppendResponse{
		Results: make([]BatchAppendResult, 0, len(req.Records)),
		TraceID: traceID,
	}
	for i, rec := range req.Records {
		stored, err := h.store.Append(r.Context(), rec)
		if err != nil {
			result := BatchAppendResult{
				Index: i,
				Error: err.Error(),
				Code:  errors.GetCode(err),
			}
			resp.Results = append(resp.Results, result)
			if errors.IsRetryable(err) {
				w.Header().Set("Retry-After", "1")
				writeJSON(w, http.StatusServiceUnavailable, resp)
				return
			}
			continue
		}
		resp.Results = append(resp.Results, BatchAppendResult{Index: i, ID: stored.ID})
		resp.Appended++
	}

	writeJSON(w, http.StatusOK, resp)
}
