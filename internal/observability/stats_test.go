package observability

import (
	"sync"
	"testing"
	"time"
)

func TestCollector_CountersAccumulate(t *testing.T) {
	c := NewCollector(16)

	c.RecordAppend(2 * time.Millisecond)
	c.RecordAppend(4 * time.Millisecond)
	c.RecordValidationRejected()
	c.RecordConsistencyWarning()
	c.RecordStorageError()
	c.RecordSpooled(3)
	c.RecordReplayed(2)
	c.RecordTimelineQuery(time.Millisecond, 5)
	c.RecordFilterQuery(time.Millisecond, 7)
	c.RecordArchive()

	s := c.Snapshot()
	if s.Appends != 2 {
		t.Errorf("appends = %d, want 2", s.Appends)
	}
	if s.ValidationRejected != 1 || s.ConsistencyWarnings != 1 || s.StorageErrors != 1 {
		t.Errorf("rejection counters wrong: %+v", s)
	}
	if s.SpooledRecords != 3 || s.ReplayedRecords != 2 {
		t.Errorf("spool counters wrong: %+v", s)
	}
	if s.TimelineQueries != 1 || s.FilterQueries != 1 {
		t.Errorf("query counters wrong: %+v", s)
	}
	if s.RecordsReturned != 12 {
		t.Errorf("records returned = %d, want 12", s.RecordsReturned)
	}
	if s.ArchivedTimelines != 1 {
		t.Errorf("archives = %d, want 1", s.ArchivedTimelines)
	}
	if s.AppendLatency.Count != 2 || s.AppendLatency.AvgUs != 3000 {
		t.Errorf("append latency = %+v, want count 2 avg 3000us", s.AppendLatency)
	}
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	c := NewCollector(64)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.RecordAppend(time.Millisecond)
				c.RecordTimelineQuery(time.Millisecond, 1)
			}
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	if s.Appends != 800 {
		t.Errorf("appends = %d, want 800", s.Appends)
	}
	if s.RecordsReturned != 800 {
		t.Errorf("records returned = %d, want 800", s.RecordsReturned)
	}
	if s.AppendLatency.Count != 800 {
		t.Errorf("latency count = %d, want 800", s.AppendLatency.Count)
	}
}

func TestLatencyWindow_EvictsOldestSamples(t *testing.T) {
	w := NewLatencyWindow(4)

	// First fill with slow samples, then overwrite with fast ones.
	for i := 0; i < 4; i++ {
		w.Observe(100 * time.Millisecond)
	}
	for i := 0; i < 4; i++ {
		w.Observe(time.Millisecond)
	}

	s := w.Stats()
	if s.Count != 8 {
		t.Errorf("lifetime count = %d, want 8", s.Count)
	}
	if s.Windowed != 4 {
		t.Errorf("windowed = %d, want 4", s.Windowed)
	}
	if s.MaxUs != 1000 {
		t.Errorf("max = %dus, want 1000us after eviction", s.MaxUs)
	}
}

func TestLatencyWindow_EmptyStats(t *testing.T) {
	w := NewLatencyWindow(8)
	s := w.Stats()
	if s.Count != 0 || s.AvgUs != 0 || s.MaxUs != 0 {
		t.Errorf("expected zero stats, got %+v", s)
	}
}
