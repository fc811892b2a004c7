package spool

import (
	"context"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/sequent/sequent/internal/errors"
	"github.com/sequent/sequent/internal/observability"
	"github.com/sequent/sequent/pkg/types"
)

// Appender is the drain target for spooled records. Both the store and the
// HTTP ingest client satisfy it.
type Appender interface {
	Append(ctx context.Context, rec *types.Record) (*types.Record, error)
}

// Replayer drains spool segments into an appender. Fully drained segments
// are deleted; a segment interrupted by store unavailability is rewritten
// with only its unappended remainder, so recovered records are not appended
// twice on the next pass.
type Replayer struct {
	dir      string
	target   Appender
	interval time.Duration
	writer   *Writer
	stats    *observability.Collector

	replayed atomic.Int64
	dropped  atomic.Int64
}

// ReplayerOption configures a Replayer.
type ReplayerOption func(*Replayer)

// WithWriter attaches the live spool writer. Before each pass the writer's
// active segment is sealed so its records become drainable, and the new
// active segment is left alone.
func WithWriter(w *Writer) ReplayerOption {
	return func(r *Replayer) { r.writer = w }
}

// WithStats attaches a collector that counts replayed records.
func WithStats(c *observability.Collector) ReplayerOption {
	return func(r *Replayer) { r.stats = c }
}

// NewReplayer creates a replayer draining dir into target every interval.
func NewReplayer(dir string, target Appender, interval time.Duration, opts ...ReplayerOption) *Replayer {
	r := &Replayer{
		dir:      dir,
		target:   target,
		interval: interval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run drains the spool until ctx is canceled. Failed passes back off
// exponentially up to a cap; a clean pass resets to the base interval.
// Undrained records stay spooled across restarts, so cancellation does not
// force a final drain.
func (r *Replayer) Run(ctx context.Context) {
	limit := max(r.interval, 2*time.Minute)
	delay := r.interval

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		n, err := r.DrainOnce(ctx)
		if err != nil {
			delay = min(delay*2, limit)
			log.Printf("spool: replay pass failed after %d records, retrying in %v: %v", n, delay, err)
			continue
		}
		if n > 0 {
			log.Printf("spool: replayed %d records", n)
		}
		delay = r.interval
	}
}

// DrainOnce runs a single pass over every sealed segment, oldest first. It
// returns the number of records appended. The pass stops at the first
// record the target cannot currently accept, leaving the remainder spooled.
func (r *Replayer) DrainOnce(ctx context.Context) (int, error) {
	var active string
	if r.writer != nil {
		if err := r.writer.Rotate(); err != nil {
			return 0, err
		}
		active = r.writer.ActivePath()
	}

	segments, err := Segments(r.dir)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, path := range segments {
		if path == active {
			continue
		}

		n, err := r.drainSegment(ctx, path)
		if n > 0 {
			total += n
			r.replayed.Add(int64(n))
			if r.stats != nil {
				r.stats.RecordReplayed(n)
			}
		}
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// drainSegment appends a segment's records in order. Records the store
// rejects as invalid are dropped: they failed validation once and would
// fail it on every future pass.
func (r *Replayer) drainSegment(ctx context.Context, path string) (int, error) {
	records, err := ReadSegment(path)
	if err != nil {
		log.Printf("spool: failed to read segment %s: %v", path, err)
		return 0, nil
	}

	appended := 0
	for i, rec := range records {
		if _, err := r.target.Append(ctx, rec); err != nil {
			if errors.IsValidation(err) {
				r.dropped.Add(1)
				log.Printf("spool: dropping invalid record for request %s: %v", rec.RequestID, err)
				continue
			}

			if rewriteErr := rewriteSegment(path, records[i:]); rewriteErr != nil {
				log.Printf("spool: failed to rewrite partial segment %s: %v", path, rewriteErr)
			}
			return appended, err
		}
		appended++
	}

	if err := os.Remove(path); err != nil {
		log.Printf("spool: failed to remove drained segment %s: %v", path, err)
	}
	return appended, nil
}

// Replayed returns the number of records appended over the replayer's life.
func (r *Replayer) Replayed() int64 {
	return r.replayed.Load()
}

// Dropped returns the number of spooled records discarded as invalid.
func (r *Replayer) Dropped() int64 {
	return r.dropped.Load()
}
