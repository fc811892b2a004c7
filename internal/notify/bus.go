// Package notify provides an in-process append notification bus. Stores
// publish each durably written record; live timeline followers subscribe by
// request id or to the whole stream.
package notify

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/sequent/sequent/pkg/types"
)

// Bus is an in-process pub/sub bus for appended records.
type Bus struct {
	subscribers sync.Map
	bufferSize  int
	dropped     atomic.Int64
}

// NewBus creates a bus whose subscriptions buffer up to bufferSize records.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Bus{bufferSize: bufferSize}
}

// Publish delivers a record to every matching subscription. Non-blocking:
// when a subscription's buffer is full the record is dropped for that
// subscriber and counted, never blocking the append path. Receivers must
// treat the record as read-only.
func (b *Bus) Publish(rec *types.Record) {
	if rec == nil {
		return
	}
	b.subscribers.Range(func(_, value interface{}) bool {
		sub := value.(*Subscription)
		if sub.requestID != "" && sub.requestID != rec.RequestID {
			return true
		}
		select {
		case sub.ch <- rec:
		default:
			// Buffer full - drop rather than stall the writer
			b.dropped.Add(1)
		}
		return true
	})
}

// Subscribe registers interest in appends for one request id. An empty
// request id subscribes to every append (the firehose).
func (b *Bus) Subscribe(requestID string) *Subscription {
	sub := &Subscription{
		id:        uuid.NewString(),
		requestID: requestID,
		ch:        make(chan *types.Record, b.bufferSize),
	}
	b.subscribers.Store(sub.id, sub)
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	if _, ok := b.subscribers.LoadAndDelete(sub.id); ok {
		close(sub.ch)
	}
}

// Dropped returns the number of records dropped on full buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close removes all subscriptions.
func (b *Bus) Close() error {
	b.subscribers.Range(func(key, value interface{}) bool {
		if _, ok := b.subscribers.LoadAndDelete(key); ok {
			close(value.(*Subscription).ch)
		}
		return true
	})
	return nil
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	id        string
	requestID string // empty matches every record
	ch        chan *types.Record
}

// Records returns the channel of delivered records. The channel is closed
// on Unsubscribe or bus Close.
func (s *Subscription) Records() <-chan *types.Record {
	return s.ch
}
