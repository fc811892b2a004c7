package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sequent/sequent/internal/errors"
	"github.com/sequent/sequent/internal/notify"
	"github.com/sequent/sequent/internal/observability"
	"github.com/sequent/sequent/pkg/types"
)

func newTestStore(t *testing.T, opts ...Option) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sequent.db"), opts...)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_RequestLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Minimal-generation records use the free status vocabulary.
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	phases := []struct {
		step   string
		status string
		ts     time.Time
	}{
		{"request received", types.StatusStarted, base},
		{"querying inventory", types.StatusInProgress, base.Add(time.Second)},
		{"response assembled", types.StatusCompleted, base.Add(2 * time.Second)},
	}
	for _, p := range phases {
		if _, err := s.Append(ctx, &types.Record{
			SchemaVersion: types.SchemaVersionMinimal,
			RequestID:     "R1",
			Step:          p.step,
			Status:        p.status,
			Timestamp:     p.ts,
		}); err != nil {
			t.Fatalf("append %q failed: %v", p.step, err)
		}
	}

	records, err := Collect(s.QueryByRequest(ctx, "R1"))
	if err != nil {
		t.Fatalf("timeline query failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	for i, p := range phases {
		if records[i].Status != p.status {
			t.Errorf("position %d: got status %q, want %q", i, records[i].Status, p.status)
		}
		if records[i].Step != p.step {
			t.Errorf("position %d: got step %q, want %q", i, records[i].Step, p.step)
		}
		if !records[i].Timestamp.Equal(p.ts) {
			t.Errorf("position %d: got timestamp %v, want %v", i, records[i].Timestamp, p.ts)
		}
	}
}

func TestSQLiteStore_StatusFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	failed, err := s.Append(ctx, &types.Record{
		RequestID: "R2",
		EventType: types.EventError,
		Step:      "call billing service",
		Status:    types.StatusError,
		Error:     "timeout contacting dependency",
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if _, err := s.Append(ctx, &types.Record{
		RequestID: "R2",
		EventType: types.EventAgentComplete,
		Step:      "finish",
		Status:    types.StatusSuccess,
	}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	errorRecords, err := Collect(s.QueryByFilter(ctx, Filter{Status: types.StatusError}))
	if err != nil {
		t.Fatalf("filter query failed: %v", err)
	}
	found := false
	for _, rec := range errorRecords {
		if rec.ID == failed.ID {
			found = true
			if rec.Error != "timeout contacting dependency" {
				t.Errorf("error text mismatch: got %q", rec.Error)
			}
		}
	}
	if !found {
		t.Error("error record missing from status=error filter")
	}

	successRecords, err := Collect(s.QueryByFilter(ctx, Filter{Status: types.StatusSuccess}))
	if err != nil {
		t.Fatalf("filter query failed: %v", err)
	}
	for _, rec := range successRecords {
		if rec.ID == failed.ID {
			t.Error("error record must not appear in status=success filter")
		}
	}
}

func TestSQLiteStore_AbsentDataStaysAbsent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	noData, err := s.Append(ctx, &types.Record{
		RequestID: "R3",
		EventType: types.EventStep,
		Step:      "no payload",
		Status:    types.StatusInProgress,
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	emptyData, err := s.Append(ctx, &types.Record{
		RequestID: "R3",
		EventType: types.EventStep,
		Step:      "empty payload",
		Status:    types.StatusInProgress,
		Data:      json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}

	records, err := Collect(s.QueryByRequest(ctx, "R3"))
	if err != nil {
		t.Fatalf("timeline query failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	for _, rec := range records {
		switch rec.ID {
		case noData.ID:
			if rec.Data != nil {
				t.Errorf("absent data came back as %q, want nil", rec.Data)
			}
		case emptyData.ID:
			if string(rec.Data) != `{}` {
				t.Errorf("empty object data came back as %q, want {}", rec.Data)
			}
		}
	}
}

func TestSQLiteStore_DataPayloadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	payload := json.RawMessage(`{"model":"m-large","tokens":1842,"tools":["search","code"],"nested":{"retries":0}}`)
	stored, err := s.Append(ctx, &types.Record{
		RequestID: "R4",
		EventType: types.EventDependencyResponse,
		Step:      "model call returned",
		Status:    types.StatusSuccess,
		Data:      payload,
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}

	records, err := Collect(s.QueryByRequest(ctx, "R4"))
	if err != nil {
		t.Fatalf("timeline query failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if string(records[0].Data) != string(payload) {
		t.Errorf("payload mismatch after round trip:\n got %s\nwant %s", records[0].Data, payload)
	}
	if records[0].ID != stored.ID {
		t.Errorf("id mismatch: got %d, want %d", records[0].ID, stored.ID)
	}
}

func TestSQLiteStore_ConcurrentAppendsSameRequest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := s.Append(ctx, &types.Record{
					RequestID: "R-shared",
					EventType: types.EventStep,
					Step:      fmt.Sprintf("writer %d step %d", w, i),
					Status:    types.StatusInProgress,
				})
				if err != nil {
					errCh <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent append failed: %v", err)
	}

	records, err := Collect(s.QueryByRequest(ctx, "R-shared"))
	if err != nil {
		t.Fatalf("timeline query failed: %v", err)
	}
	if len(records) != writers*perWriter {
		t.Fatalf("lost writes: got %d records, want %d", len(records), writers*perWriter)
	}

	seen := make(map[int64]bool, len(records))
	for _, rec := range records {
		if seen[rec.ID] {
			t.Fatalf("duplicate id %d", rec.ID)
		}
		seen[rec.ID] = true
	}
	for i := 1; i < len(records); i++ {
		prev, curr := records[i-1], records[i]
		if curr.Timestamp.Before(prev.Timestamp) {
			t.Fatal("timeline out of timestamp order")
		}
		if curr.Timestamp.Equal(prev.Timestamp) && curr.ID < prev.ID {
			t.Fatal("tie not broken by ascending id")
		}
	}
}

func TestSQLiteStore_IdsStrictlyIncrease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 20; i++ {
		stored, err := s.Append(ctx, &types.Record{
			RequestID: fmt.Sprintf("R-%d", i%3),
			EventType: types.EventStep,
			Step:      "tick",
			Status:    types.StatusInProgress,
		})
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}
		if stored.ID <= last {
			t.Fatalf("id %d not greater than previous %d", stored.ID, last)
		}
		last = stored.ID
	}
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sequent.db")
	ctx := context.Background()

	s1, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	stored, err := s1.Append(ctx, &types.Record{
		RequestID: "R-durable",
		EventType: types.EventStep,
		Step:      "before restart",
		Status:    types.StatusSuccess,
		Data:      json.RawMessage(`{"checkpoint":true}`),
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	s2, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer s2.Close()

	records, err := Collect(s2.QueryByRequest(ctx, "R-durable"))
	if err != nil {
		t.Fatalf("timeline query failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record after reopen, got %d", len(records))
	}
	if records[0].ID != stored.ID || records[0].Step != "before restart" {
		t.Errorf("record changed across restart: %+v", records[0])
	}

	// New appends must continue the id sequence, never reuse.
	next, err := s2.Append(ctx, &types.Record{
		RequestID: "R-durable",
		EventType: types.EventStep,
		Step:      "after restart",
		Status:    types.StatusSuccess,
	})
	if err != nil {
		t.Fatalf("append after reopen failed: %v", err)
	}
	if next.ID <= stored.ID {
		t.Errorf("id sequence regressed after reopen: %d <= %d", next.ID, stored.ID)
	}
}

func TestSQLiteStore_UnknownRequestIsEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Append(ctx, &types.Record{
		RequestID: "R-known",
		EventType: types.EventStep,
		Step:      "work",
		Status:    types.StatusInProgress,
	}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	records, err := Collect(s.QueryByRequest(ctx, "R-unknown"))
	if err != nil {
		t.Fatalf("unknown request must not fail: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected empty timeline, got %d records", len(records))
	}
}

func TestSQLiteStore_FilterPredicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	seed := []struct {
		requestID string
		eventType string
		status    string
		offset    time.Duration
	}{
		{"A", types.EventAgentStart, types.StatusInProgress, 0},
		{"A", types.EventStep, types.StatusSuccess, time.Minute},
		{"A", types.EventError, types.StatusError, 2 * time.Minute},
		{"B", types.EventAgentStart, types.StatusInProgress, 3 * time.Minute},
		{"B", types.EventStep, types.StatusSuccess, 4 * time.Minute},
	}
	for _, r := range seed {
		rec := &types.Record{
			RequestID: r.requestID,
			EventType: r.eventType,
			Step:      "step",
			Status:    r.status,
			Timestamp: base.Add(r.offset),
		}
		if r.status == types.StatusError {
			rec.Error = "dependency failed"
		}
		if _, err := s.Append(ctx, rec); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"empty filter matches all", Filter{}, 5},
		{"status success", Filter{Status: types.StatusSuccess}, 2},
		{"event_type agent_start", Filter{EventType: types.EventAgentStart}, 2},
		{"status and event_type", Filter{Status: types.StatusSuccess, EventType: types.EventStep}, 2},
		{"since only", Filter{Since: base.Add(2 * time.Minute)}, 3},
		{"until only", Filter{Until: base.Add(2 * time.Minute)}, 2},
		{"since and until", Filter{Since: base.Add(time.Minute), Until: base.Add(4 * time.Minute)}, 3},
		{"limit caps newest", Filter{Limit: 2}, 2},
		{"no match", Filter{Status: types.StatusError, EventType: types.EventAgentStart}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := Collect(s.QueryByFilter(ctx, tt.filter))
			if err != nil {
				t.Fatalf("filter query failed: %v", err)
			}
			if len(records) != tt.want {
				t.Fatalf("got %d records, want %d", len(records), tt.want)
			}
			for _, rec := range records {
				if !tt.filter.Matches(rec) {
					t.Errorf("record %d does not satisfy the filter", rec.ID)
				}
			}
			for i := 1; i < len(records); i++ {
				prev, curr := records[i-1], records[i]
				if curr.Timestamp.After(prev.Timestamp) {
					t.Error("results must be in descending timestamp order")
				}
				if curr.Timestamp.Equal(prev.Timestamp) && curr.ID > prev.ID {
					t.Error("tie not broken by descending id")
				}
			}
		})
	}
}

func TestSQLiteStore_InvertedRangeRejected(t *testing.T) {
	s := newTestStore(t)

	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	_, err := Collect(s.QueryByFilter(context.Background(), Filter{
		Since: base,
		Until: base.Add(-time.Hour),
	}))
	if err == nil {
		t.Fatal("expected inverted range to be rejected")
	}
	if got := errors.GetCode(err); got != errors.CodeInvalidFilter {
		t.Errorf("code mismatch: got %s, want %s", got, errors.CodeInvalidFilter)
	}
}

func TestSQLiteStore_ValidationRejectionLeavesNoTrace(t *testing.T) {
	collector := observability.NewCollector(16)
	s := newTestStore(t, WithStats(collector))
	ctx := context.Background()

	_, err := s.Append(ctx, &types.Record{
		RequestID: "R-bad",
		EventType: types.EventStep,
		Step:      "work",
		Status:    "almost_done",
	})
	if err == nil {
		t.Fatal("expected rejection for invalid structured status")
	}
	if !errors.IsValidation(err) {
		t.Errorf("expected validation category, got %s", errors.GetCategory(err))
	}
	if errors.IsRetryable(err) {
		t.Error("validation rejection must not be retryable")
	}

	records, err := Collect(s.QueryByFilter(ctx, Filter{}))
	if err != nil {
		t.Fatalf("filter query failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("rejected record appeared in a query, got %d records", len(records))
	}
	if got := collector.Snapshot().ValidationRejected; got != 1 {
		t.Errorf("expected 1 counted rejection, got %d", got)
	}
}

func TestSQLiteStore_PublishesAppends(t *testing.T) {
	bus := notify.NewBus(8)
	defer bus.Close()
	s := newTestStore(t, WithNotifier(bus))

	sub := bus.Subscribe("R-live")
	defer bus.Unsubscribe(sub)

	stored, err := s.Append(context.Background(), &types.Record{
		RequestID: "R-live",
		EventType: types.EventStep,
		Step:      "work",
		Status:    types.StatusInProgress,
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}

	select {
	case rec := <-sub.Records():
		if rec.ID != stored.ID {
			t.Errorf("published id mismatch: got %d, want %d", rec.ID, stored.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published record")
	}
}

func TestSQLiteStore_StrictConsistencyRejects(t *testing.T) {
	s := newTestStore(t, WithStrictConsistency())

	_, err := s.Append(context.Background(), &types.Record{
		RequestID: "R-strict",
		EventType: types.EventStep,
		Step:      "work",
		Status:    types.StatusError,
	})
	if err == nil {
		t.Fatal("strict mode must reject error status without error text")
	}
	if got := errors.GetCode(err); got != errors.CodeConsistency {
		t.Errorf("code mismatch: got %s, want %s", got, errors.CodeConsistency)
	}
}

func TestSQLiteStore_DefaultConsistencyWarns(t *testing.T) {
	collector := observability.NewCollector(16)
	s := newTestStore(t, WithStats(collector))

	stored, err := s.Append(context.Background(), &types.Record{
		RequestID: "R-warn",
		EventType: types.EventStep,
		Step:      "work",
		Status:    types.StatusError,
	})
	if err != nil {
		t.Fatalf("default policy must accept inconsistent records: %v", err)
	}
	if stored.ID == 0 {
		t.Error("accepted record did not get an id")
	}
	if got := collector.Snapshot().ConsistencyWarnings; got != 1 {
		t.Errorf("expected 1 consistency warning, got %d", got)
	}
}

func TestSQLiteStore_TimelineEarlyStop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := s.Append(ctx, &types.Record{
			RequestID: "R-early",
			EventType: types.EventStep,
			Step:      fmt.Sprintf("step %d", i),
			Status:    types.StatusInProgress,
		}); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	var got int
	for rec, err := range s.QueryByRequest(ctx, "R-early") {
		if err != nil {
			t.Fatalf("timeline query failed: %v", err)
		}
		_ = rec
		got++
		if got == 3 {
			break
		}
	}
	if got != 3 {
		t.Errorf("expected to stop after 3 records, consumed %d", got)
	}

	// The sequence is restartable: a second range re-runs the query.
	records, err := Collect(s.QueryByRequest(ctx, "R-early"))
	if err != nil {
		t.Fatalf("second timeline query failed: %v", err)
	}
	if len(records) != 10 {
		t.Errorf("restarted sequence returned %d records, want 10", len(records))
	}
}

func TestSQLiteStore_AppendIgnoresCallerID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Append(ctx, &types.Record{
		RequestID: "R-idgen",
		EventType: types.EventStep,
		Step:      "first",
		Status:    types.StatusInProgress,
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}

	forged, err := s.Append(ctx, &types.Record{
		ID:        first.ID + 1000,
		RequestID: "R-idgen",
		EventType: types.EventStep,
		Step:      "second",
		Status:    types.StatusInProgress,
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if forged.ID != first.ID+1 {
		t.Errorf("caller-supplied id leaked into the sequence: got %d, want %d", forged.ID, first.ID+1)
	}
}
