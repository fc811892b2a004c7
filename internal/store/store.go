// Package store implements the append-only event log over the agent_logs
// table: validation at the write boundary, durable persistence, and the two
// indexed access paths (per-request timeline, cross-request filter).
package store

import (
	"context"
	"iter"
	"time"

	"github.com/sequent/sequent/internal/errors"
	"github.com/sequent/sequent/internal/notify"
	"github.com/sequent/sequent/internal/observability"
	"github.com/sequent/sequent/pkg/types"
)

// Seq is a lazy, finite, restartable sequence of records. Ranging over it
// executes the underlying query; ranging again re-executes it. A failure
// mid-stream yields exactly one non-nil error and ends the sequence; no
// partial result is silently truncated.
type Seq = iter.Seq2[*types.Record, error]

// Store is the event log contract. Records are write-once: there is no
// update or delete operation.
type Store interface {
	// Append validates and durably persists one record. The store assigns
	// id and created_at and defaults timestamp to the write instant; the
	// caller's record is never mutated. A validation failure rejects the
	// record before persistence and is distinct from a retryable storage
	// failure.
	Append(ctx context.Context, rec *types.Record) (*types.Record, error)

	// QueryByRequest returns every record of one request ordered ascending
	// by timestamp, ties broken by ascending id. An unknown request id
	// yields an empty sequence, not an error.
	QueryByRequest(ctx context.Context, requestID string) Seq

	// QueryByFilter returns records matching the filter ordered descending
	// by timestamp, ties broken by descending id, so the most recent
	// activity comes first.
	QueryByFilter(ctx context.Context, f Filter) Seq

	// Close releases the store's resources.
	Close() error
}

// Filter selects records for QueryByFilter. Zero values mean "no
// predicate": an empty filter matches every record. The time range is
// half-open: Since inclusive, Until exclusive.
type Filter struct {
	Status    string
	EventType string
	Since     time.Time
	Until     time.Time

	// Limit caps the number of records returned; 0 means unlimited.
	Limit int
}

// Matches reports whether a record satisfies every predicate of the
// filter. Limit is a result cap, not a predicate.
func (f Filter) Matches(rec *types.Record) bool {
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.EventType != "" && rec.EventType != f.EventType {
		return false
	}
	if !f.Since.IsZero() && rec.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !rec.Timestamp.Before(f.Until) {
		return false
	}
	return true
}

// Collect drains a sequence into a slice. On a sequence error it returns
// nil and that error: query failures are wholesale, never partial.
func Collect(seq Seq) ([]*types.Record, error) {
	var out []*types.Record
	for rec, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// errSeq returns a sequence that yields only the given error.
func errSeq(err error) Seq {
	return func(yield func(*types.Record, error) bool) {
		yield(nil, err)
	}
}

// invalidRangeError is the shared rejection for an inverted time range.
func invalidRangeError() error {
	return errors.NewQueryError(errors.CodeInvalidFilter, "until is before since")
}

// options holds cross-implementation store configuration.
type options struct {
	bus      *notify.Bus
	stats    *observability.Collector
	strict   bool
	readPool int
}

// Option configures a store implementation.
type Option func(*options)

// WithNotifier publishes every durably appended record to the bus.
func WithNotifier(bus *notify.Bus) Option {
	return func(o *options) { o.bus = bus }
}

// WithStats records store activity into the collector.
func WithStats(c *observability.Collector) Option {
	return func(o *options) { o.stats = c }
}

// WithStrictConsistency upgrades status/error mismatches from counted
// warnings to validation rejections.
func WithStrictConsistency() Option {
	return func(o *options) { o.strict = true }
}

// WithReadPoolSize sets the number of read-only connections a durable
// store keeps open. Implementations without a connection pool ignore it.
func WithReadPoolSize(n int) Option {
	return func(o *options) { o.readPool = n }
}

func applyOptions(opts []Option) options {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
