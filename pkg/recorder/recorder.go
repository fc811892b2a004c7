// Package recorder provides producer-side helpers for logging request
// lifecycles. A Recorder is bound to one request and emits the conventional
// start/step/complete/error records; with a spool configured, delivery
// failures divert records to local segment files instead of failing the
// producer's pipeline.
package recorder

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sequent/sequent/internal/errors"
	"github.com/sequent/sequent/internal/spool"
	"github.com/sequent/sequent/pkg/types"
)

// Appender is the delivery target for records. internal/store.Store
// satisfies it for in-process producers; HTTPAppender covers remote ones.
type Appender interface {
	Append(ctx context.Context, rec *types.Record) (*types.Record, error)
}

// Recorder emits lifecycle records for one request. Safe for concurrent
// use: a request's goroutines may all log through the same recorder.
type Recorder struct {
	target        Appender
	requestID     string
	schemaVersion int

	spool    *spool.Writer
	replayer *spool.Replayer
	cancel   context.CancelFunc
	done     chan struct{}

	mu       sync.Mutex
	firstErr error

	spooled atomic.Int64
}

type settings struct {
	requestID      string
	schemaVersion  int
	spoolDir       string
	maxSegmentSize int64
	replayInterval time.Duration
}

// Option configures a Recorder.
type Option func(*settings)

// WithRequestID binds the recorder to an existing request id instead of
// minting one.
func WithRequestID(id string) Option {
	return func(s *settings) { s.requestID = id }
}

// WithMinimalSchema emits first-generation records: free status
// vocabulary, no event classification.
func WithMinimalSchema() Option {
	return func(s *settings) { s.schemaVersion = types.SchemaVersionMinimal }
}

// WithSpool diverts records that could not be delivered into segment
// files under dir, so producers keep running through event log outages.
func WithSpool(dir string) Option {
	return func(s *settings) { s.spoolDir = dir }
}

// WithSpoolSegmentSize sets the spool's segment rotation threshold in
// bytes. Values below one are ignored and the 64 MiB default applies.
func WithSpoolSegmentSize(bytes int64) Option {
	return func(s *settings) {
		if bytes > 0 {
			s.maxSegmentSize = bytes
		}
	}
}

// WithReplay drains the spool into the target in the background, pausing
// interval between attempts. Requires WithSpool.
func WithReplay(interval time.Duration) Option {
	return func(s *settings) { s.replayInterval = interval }
}

// New creates a Recorder bound to one request. Without WithRequestID a
// fresh id is minted: a UUID for the structured generation, a short random
// token for the minimal one.
func New(target Appender, opts ...Option) (*Recorder, error) {
	if target == nil {
		return nil, fmt.Errorf("recorder: target appender is required")
	}

	s := settings{
		schemaVersion:  types.SchemaVersionStructured,
		maxSegmentSize: 64 << 20,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.spoolDir == "" && s.replayInterval > 0 {
		return nil, fmt.Errorf("recorder: WithReplay requires WithSpool")
	}

	r := &Recorder{
		target:        target,
		requestID:     s.requestID,
		schemaVersion: s.schemaVersion,
	}
	if r.requestID == "" {
		if r.schemaVersion == types.SchemaVersionMinimal {
			r.requestID = shortToken()
		} else {
			r.requestID = uuid.NewString()
		}
	}

	if s.spoolDir != "" {
		w, err := spool.NewWriter(s.spoolDir, s.maxSegmentSize)
		if err != nil {
			return nil, fmt.Errorf("recorder: failed to open spool: %w", err)
		}
		r.spool = w

		if s.replayInterval > 0 {
			ctx, cancel := context.WithCancel(context.Background())
			r.cancel = cancel
			r.done = make(chan struct{})
			r.replayer = spool.NewReplayer(s.spoolDir, target, s.replayInterval, spool.WithWriter(w))
			go func() {
				defer close(r.done)
				r.replayer.Run(ctx)
			}()
		}
	}

	return r, nil
}

// RequestID returns the request id every record of this recorder carries.
func (r *Recorder) RequestID() string {
	return r.requestID
}

// Begin records the start of processing.
func (r *Recorder) Begin(ctx context.Context, data any) error {
	status := types.StatusInProgress
	if r.schemaVersion == types.SchemaVersionMinimal {
		status = types.StatusStarted
	}
	return r.emit(ctx, types.EventAgentStart, "agent processing started", status, data)
}

// Step records a named processing step.
func (r *Recorder) Step(ctx context.Context, step string, data any) error {
	return r.emit(ctx, types.EventStep, step, types.StatusInProgress, data)
}

// DependencyCall records an outbound call to a named dependency.
func (r *Recorder) DependencyCall(ctx context.Context, dependency string, data any) error {
	return r.emit(ctx, types.EventDependencyCall, "calling "+dependency, types.StatusInProgress, data)
}

// DependencyResponse records a named dependency's response.
func (r *Recorder) DependencyResponse(ctx context.Context, dependency string, data any) error {
	return r.emit(ctx, types.EventDependencyResponse, "response from "+dependency, types.StatusInProgress, data)
}

// Complete records successful completion of the request.
func (r *Recorder) Complete(ctx context.Context, data any) error {
	status := types.StatusSuccess
	if r.schemaVersion == types.SchemaVersionMinimal {
		status = types.StatusCompleted
	}
	return r.emit(ctx, types.EventAgentComplete, "agent processing completed", status, data)
}

// Fail records a failure during the named step.
func (r *Recorder) Fail(ctx context.Context, step string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	rec, err := r.newRecord(types.EventError, step, types.StatusError, nil)
	if err != nil {
		return err
	}
	rec.Error = msg
	return r.deliver(ctx, rec)
}

// Log records a free-form status update. This is the minimal generation's
// native surface; on the structured generation the status must come from
// the fixed vocabulary or the store rejects the record.
func (r *Recorder) Log(ctx context.Context, status, message string) error {
	return r.emit(ctx, types.EventStep, message, status, nil)
}

// Err reports the first delivery problem the recorder has seen. Spooled
// records return nil from the logging call; producers that want to know
// whether the event log was reachable check here.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.firstErr
}

// Spooled returns the number of records diverted to the spool.
func (r *Recorder) Spooled() int64 {
	return r.spooled.Load()
}

// Close stops the background replayer and closes the spool. Records not
// yet replayed stay on disk for a later replayer or an offline drain.
func (r *Recorder) Close() error {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
	if r.spool != nil {
		return r.spool.Close()
	}
	return nil
}

func (r *Recorder) emit(ctx context.Context, eventType, step, status string, data any) error {
	rec, err := r.newRecord(eventType, step, status, data)
	if err != nil {
		return err
	}
	return r.deliver(ctx, rec)
}

// newRecord builds a record of the recorder's generation. The timestamp is
// set here so a spooled record replays with its event time, not the
// delivery time.
func (r *Recorder) newRecord(eventType, step, status string, data any) (*types.Record, error) {
	rec := &types.Record{
		SchemaVersion: r.schemaVersion,
		RequestID:     r.requestID,
		Step:          step,
		Status:        status,
		Timestamp:     time.Now().UTC(),
	}
	if r.schemaVersion == types.SchemaVersionStructured {
		rec.EventType = eventType
	}
	if data != nil {
		payload, err := json.Marshal(data)
		if err != nil {
			return nil, errors.NewValidationError(errors.CodeMalformedInput,
				fmt.Sprintf("failed to marshal event data: %v", err))
		}
		rec.Data = payload
	}
	return rec, nil
}

// deliver appends the record, falling back to the spool on anything but a
// validation rejection. A validation failure is a producer bug and comes
// back to the caller; spooling it would retry a record that can never
// succeed.
func (r *Recorder) deliver(ctx context.Context, rec *types.Record) error {
	_, err := r.target.Append(ctx, rec)
	if err == nil {
		return nil
	}
	if errors.IsValidation(err) {
		return err
	}

	r.noteErr(err)
	if r.spool == nil {
		return err
	}
	if serr := r.spool.Append(rec); serr != nil {
		lost := errors.NewStorageError(errors.CodeSpoolFailed,
			"record lost: delivery and spool both failed", serr)
		r.noteErr(lost)
		return lost
	}
	r.spooled.Add(1)
	return nil
}

func (r *Recorder) noteErr(err error) {
	r.mu.Lock()
	if r.firstErr == nil {
		r.firstErr = err
	}
	r.mu.Unlock()
}

// shortToken mints the minimal generation's request id: 8 random bytes,
// hex encoded, prefixed for readability in shared log stores.
func shortToken() string {
	var b [8]byte
	rand.Read(b[:])
	return "req_" + hex.EncodeToString(b[:])
}
