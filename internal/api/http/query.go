package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sequent/sequent/internal/archive"
	"github.com/sequent/sequent/internal/errors"
	"github.com/sequent/sequent/internal/notify"
	"github.com/sequent/sequent/internal/observability"
	"github.com/sequent/sequent/internal/store"
	"github.com/sequent/sequent/pkg/types"
)

// TimelineHandler handles GET /v1/requests/{id}/records requests.
type TimelineHandler struct {
	store store.Store
}

// NewTimelineHandler creates a new timeline handler.
func NewTimelineHandler(s store.Store) *TimelineHandler {
	return &TimelineHandler{store: s}
}

// ServeHTTP returns one request's records as a JSON array in ascending
// (timestamp, id) order. An unknown request id yields an empty array.
func (h *TimelineHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	traceID := GetTraceID(r.Context())

	requestID := r.PathValue("id")
	if requestID == "" {
		writeError(w, http.StatusBadRequest, "request id is required", traceID)
		return
	}

	records, err := store.Collect(h.store.QueryByRequest(r.Context(), requestID))
	if err != nil {
		writeDomainError(w, err, traceID)
		return
	}
	if records == nil {
		records = []*types.Record{}
	}

	writeJSON(w, http.StatusOK, records)
}

// FilterHandler handles GET /v1/records requests.
type FilterHandler struct {
	store store.Store
}

// NewFilterHandler creates a new filter handler.
func NewFilterHandler(s store.Store) *FilterHandler {
	return &FilterHandler{store: s}
}

// ServeHTTP returns records matching the query parameters as a JSON array
// in descending (timestamp, id) order.
func (h *FilterHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	traceID := GetTraceID(r.Context())

	f, err := parseFilter(r)
	if err != nil {
		writeDomainError(w, err, traceID)
		return
	}

	records, err := store.Collect(h.store.QueryByFilter(r.Context(), f))
	if err != nil {
		writeDomainError(w, err, traceID)
		return
	}
	if records == nil {
		records = []*types.Record{}
	}

	writeJSON(w, http.StatusOK, records)
}

// parseFilter builds a store filter from query parameters. Time bounds are
// RFC3339; limit must be a non-negative integer.
func parseFilter(r *http.Request) (store.Filter, error) {
	q := r.URL.Query()
	f := store.Filter{
		Status:    q.Get("status"),
		EventType: q.Get("event_type"),
	}

	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.NewQueryError(errors.CodeInvalidFilter,
				fmt.Sprintf("invalid since bound %q: must be RFC3339", v))
		}
		f.Since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.NewQueryError(errors.CodeInvalidFilter,
				fmt.Sprintf("invalid until bound %q: must be RFC3339", v))
		}
		f.Until = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, errors.NewQueryError(errors.CodeInvalidFilter,
				fmt.Sprintf("invalid limit %q: must be a non-negative integer", v))
		}
		f.Limit = n
	}

	return f, nil
}

// FollowHandler handles GET /v1/requests/{id}/follow requests: the stored
// timeline replayed first, then live appends as Server-Sent Events.
type FollowHandler struct {
	store store.Store
	bus   *notify.Bus
}

// NewFollowHandler creates a new follow handler.
func NewFollowHandler(s store.Store, bus *notify.Bus) *FollowHandler {
	return &FollowHandler{store: s, bus: bus}
}

// ServeHTTP streams the request's timeline. Subscription starts before the
// backlog read so no append can fall between them; duplicates are filtered
// by id.
func (h *FollowHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	traceID := GetTraceID(r.Context())

	requestID := r.PathValue("id")
	if requestID == "" {
		writeError(w, http.StatusBadRequest, "request id is required", traceID)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", traceID)
		return
	}

	sub := h.bus.Subscribe(requestID)
	defer h.bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var lastID int64
	for rec, err := range h.store.QueryByRequest(r.Context(), requestID) {
		if err != nil {
			writeSSEError(w, err)
			flusher.Flush()
			return
		}
		writeSSERecord(w, rec)
		lastID = rec.ID
	}
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case rec, open := <-sub.Records():
			if !open {
				return
			}
			if rec.ID <= lastID {
				continue
			}
			writeSSERecord(w, rec)
			lastID = rec.ID
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSERecord(w io.Writer, rec *types.Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: record\ndata: %s\n\n", data)
}

func writeSSEError(w io.Writer, err error) {
	payload, merr := json.Marshal(ErrorResponse{Error: err.Error(), Code: errors.GetCode(err)})
	if merr != nil {
		return
	}
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
}

// TimelineArchiver exports one request's timeline to object storage.
type TimelineArchiver interface {
	ArchiveRequest(ctx context.Context, requestID string) (*archive.Result, error)
}

// ArchiveResponse represents the archive trigger response.
type ArchiveResponse struct {
	RequestID   string `json:"request_id"`
	ObjectKey   string `json:"object_key,omitempty"`
	RecordCount int    `json:"record_count"`
	Archived    bool   `json:"archived"`
	TraceID     string `json:"trace_id,omitempty"`
}

// ArchiveHandler handles POST /v1/requests/{id}/archive requests.
type ArchiveHandler struct {
	archiver TimelineArchiver
}

// NewArchiveHandler creates a new archive handler.
func NewArchiveHandler(a TimelineArchiver) *ArchiveHandler {
	return &ArchiveHandler{archiver: a}
}

// ServeHTTP exports the request's timeline to object storage. An empty
// timeline is not an error; it just produces no object.
func (h *ArchiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	traceID := GetTraceID(r.Context())

	requestID := r.PathValue("id")
	if requestID == "" {
		writeError(w, http.StatusBadRequest, "request id is required", traceID)
		return
	}

	result, err := h.archiver.ArchiveRequest(r.Context(), requestID)
	if err != nil {
		writeDomainError(w, err, traceID)
		return
	}

	resp := ArchiveResponse{
		RequestID:   requestID,
		ObjectKey:   result.Key,
		RecordCount: result.RecordCount,
		Archived:    result.RecordCount > 0,
		TraceID:     traceID,
	}
	status := http.StatusAccepted
	if result.RecordCount == 0 {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

// StatsResponse is the observability snapshot plus bus-level counters.
type StatsResponse struct {
	observability.Snapshot
	NotifyDropped int64 `json:"notify_dropped"`
}

// StatsHandler handles GET /v1/stats requests.
type StatsHandler struct {
	stats *observability.Collector
	bus   *notify.Bus
}

// NewStatsHandler creates a new stats handler.
func NewStatsHandler(c *observability.Collector, bus *notify.Bus) *StatsHandler {
	return &StatsHandler{stats: c, bus: bus}
}

// ServeHTTP returns the current observability snapshot.
func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{Snapshot: h.stats.Snapshot()}
	if h.bus != nil {
		resp.NotifyDropped = h.bus.Dropped()
	}
	writeJSON(w, http.StatusOK, resp)
}
