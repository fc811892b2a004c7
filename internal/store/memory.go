package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sequent/sequent/pkg/types"
)

// MemoryStore keeps the event log in memory. It honors the same append
// and ordering contract as the SQLite store and backs tests and the
// ephemeral daemon mode.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*types.Record
	nextID  int64
	opts    options
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{opts: applyOptions(opts)}
}

// Append validates and stores one record, assigning the next id.
func (m *MemoryStore) Append(ctx context.Context, rec *types.Record) (*types.Record, error) {
	start := time.Now()
	stored := prepareForAppend(rec, time.Now().UTC())
	if err := m.opts.checkWriteBoundary(stored); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.nextID++
	stored.ID = m.nextID
	m.records = append(m.records, stored)
	m.mu.Unlock()

	if m.opts.stats != nil {
		m.opts.stats.RecordAppend(time.Since(start))
	}
	if m.opts.bus != nil {
		m.opts.bus.Publish(stored.Clone())
	}
	return stored.Clone(), nil
}

// QueryByRequest returns the request's timeline in ascending
// (timestamp, id) order.
func (m *MemoryStore) QueryByRequest(ctx context.Context, requestID string) Seq {
	return func(yield func(*types.Record, error) bool) {
		start := time.Now()

		m.mu.RLock()
		matched := make([]*types.Record, 0, 8)
		for _, rec := range m.records {
			if rec.RequestID == requestID {
				matched = append(matched, rec.Clone())
			}
		}
		m.mu.RUnlock()

		sort.Slice(matched, func(i, j int) bool {
			if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
				return matched[i].Timestamp.Before(matched[j].Timestamp)
			}
			return matched[i].ID < matched[j].ID
		})

		for _, rec := range matched {
			if !yield(rec, nil) {
				return
			}
		}
		if m.opts.stats != nil {
			m.opts.stats.RecordTimelineQuery(time.Since(start), len(matched))
		}
	}
}

// QueryByFilter returns matching records in descending (timestamp, id)
// order.
func (m *MemoryStore) QueryByFilter(ctx context.Context, f Filter) Seq {
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Until.Before(f.Since) {
		return errSeq(invalidRangeError())
	}

	return func(yield func(*types.Record, error) bool) {
		start := time.Now()

		m.mu.RLock()
		matched := make([]*types.Record, 0, 8)
		for _, rec := range m.records {
			if f.Matches(rec) {
				matched = append(matched, rec.Clone())
			}
		}
		m.mu.RUnlock()

		sort.Slice(matched, func(i, j int) bool {
			if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
				return matched[i].Timestamp.After(matched[j].Timestamp)
			}
			return matched[i].ID > matched[j].ID
		})
		if f.Limit > 0 && len(matched) > f.Limit {
			matched = matched[:f.Limit]
		}

		for _, rec := range matched {
			if !yield(rec, nil) {
				return
			}
		}
		if m.opts.stats != nil {
			m.opts.stats.RecordFilterQuery(time.Since(start), len(matched))
		}
	}
}

// Len reports the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *MemoryStore) Close() error {
	return nil
}
