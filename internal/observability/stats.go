// Package observability provides runtime counters and latency windows for
// the append and query paths, surfaced through the stats endpoint.
package observability

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Collector accumulates store and API activity. All record methods are
// cheap and safe for concurrent use.
type Collector struct {
	appends             atomic.Int64
	validationRejected  atomic.Int64
	consistencyWarnings atomic.Int64
	storageErrors       atomic.Int64
	spooledRecords      atomic.Int64
	replayedRecords     atomic.Int64
	timelineQueries     atomic.Int64
	filterQueries       atomic.Int64
	recordsReturned     atomic.Int64
	archivedTimelines   atomic.Int64

	appendLatency *LatencyWindow
	queryLatency  *LatencyWindow
}

// NewCollector creates a collector whose latency windows hold windowSize
// samples each.
func NewCollector(windowSize int) *Collector {
	return &Collector{
		appendLatency: NewLatencyWindow(windowSize),
		queryLatency:  NewLatencyWindow(windowSize),
	}
}

// RecordAppend notes one successful append and its latency.
func (c *Collector) RecordAppend(d time.Duration) {
	c.appends.Add(1)
	c.appendLatency.Observe(d)
}

// RecordValidationRejected notes one append rejected at the write boundary.
func (c *Collector) RecordValidationRejected() {
	c.validationRejected.Add(1)
}

// RecordConsistencyWarning notes one accepted record whose status and error
// text disagree.
func (c *Collector) RecordConsistencyWarning() {
	c.consistencyWarnings.Add(1)
}

// RecordStorageError notes one failed store operation.
func (c *Collector) RecordStorageError() {
	c.storageErrors.Add(1)
}

// RecordSpooled notes records diverted to the durability spool.
func (c *Collector) RecordSpooled(n int) {
	c.spooledRecords.Add(int64(n))
}

// RecordReplayed notes spooled records successfully replayed into the store.
func (c *Collector) RecordReplayed(n int) {
	c.replayedRecords.Add(int64(n))
}

// RecordTimelineQuery notes one per-request timeline query.
func (c *Collector) RecordTimelineQuery(d time.Duration, records int) {
	c.timelineQueries.Add(1)
	c.recordsReturned.Add(int64(records))
	c.queryLatency.Observe(d)
}

// RecordFilterQuery notes one cross-request filter query.
func (c *Collector) RecordFilterQuery(d time.Duration, records int) {
	c.filterQueries.Add(1)
	c.recordsReturned.Add(int64(records))
	c.queryLatency.Observe(d)
}

// RecordArchive notes one timeline exported to object storage.
func (c *Collector) RecordArchive() {
	c.archivedTimelines.Add(1)
}

// Snapshot returns a point-in-time copy of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		Appends:             c.appends.Load(),
		ValidationRejected:  c.validationRejected.Load(),
		ConsistencyWarnings: c.consistencyWarnings.Load(),
		StorageErrors:       c.storageErrors.Load(),
		SpooledRecords:      c.spooledRecords.Load(),
		ReplayedRecords:     c.replayedRecords.Load(),
		TimelineQueries:     c.timelineQueries.Load(),
		FilterQueries:       c.filterQueries.Load(),
		RecordsReturned:     c.recordsReturned.Load(),
		ArchivedTimelines:   c.archivedTimelines.Load(),
		AppendLatency:       c.appendLatency.Stats(),
		QueryLatency:        c.queryLatency.Stats(),
	}
}

// Snapshot is a point-in-time view of collector state.
type Snapshot struct {
	Appends             int64        `json:"appends"`
	ValidationRejected  int64        `json:"validation_rejected"`
	ConsistencyWarnings int64        `json:"consistency_warnings"`
	StorageErrors       int64        `json:"storage_errors"`
	SpooledRecords      int64        `json:"spooled_records"`
	ReplayedRecords     int64        `json:"replayed_records"`
	TimelineQueries     int64        `json:"timeline_queries"`
	FilterQueries       int64        `json:"filter_queries"`
	RecordsReturned     int64        `json:"records_returned"`
	ArchivedTimelines   int64        `json:"archived_timelines"`
	AppendLatency       LatencyStats `json:"append_latency"`
	QueryLatency        LatencyStats `json:"query_latency"`
}

// LatencyWindow keeps the most recent N latency samples in a ring.
type LatencyWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	idx     int
	filled  bool
	total   int64
}

// NewLatencyWindow creates a window holding size samples.
func NewLatencyWindow(size int) *LatencyWindow {
	if size <= 0 {
		size = 1024
	}
	return &LatencyWindow{samples: make([]time.Duration, size)}
}

// Observe adds one sample, evicting the oldest when the window is full.
func (w *LatencyWindow) Observe(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples[w.idx] = d
	w.idx++
	if w.idx == len(w.samples) {
		w.idx = 0
		w.filled = true
	}
	w.total++
}

// Stats summarizes the current window.
func (w *LatencyWindow) Stats() LatencyStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := w.idx
	if w.filled {
		n = len(w.samples)
	}
	if n == 0 {
		return LatencyStats{}
	}

	current := make([]time.Duration, n)
	copy(current, w.samples[:n])
	sort.Slice(current, func(i, j int) bool { return current[i] < current[j] })

	var sum time.Duration
	for _, d := range current {
		sum += d
	}

	p95Idx := (n * 95) / 100
	if p95Idx >= n {
		p95Idx = n - 1
	}

	return LatencyStats{
		Count:    w.total,
		AvgUs:    (sum / time.Duration(n)).Microseconds(),
		MaxUs:    current[n-1].Microseconds(),
		P95Us:    current[p95Idx].Microseconds(),
		Windowed: int64(n),
	}
}

// LatencyStats summarizes one latency window. Count is the lifetime sample
// count; the quantiles cover only the windowed samples.
type LatencyStats struct {
	Count    int64 `json:"count"`
	AvgUs    int64 `json:"avg_us"`
	MaxUs    int64 `json:"max_us"`
	P95Us    int64 `json:"p95_us"`
	Windowed int64 `json:"windowed"`
}
