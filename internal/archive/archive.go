// Package archive exports complete request timelines to object storage as
// snappy-compressed JSON documents.
package archive

import (
	"context"
	"encoding/json"
	"net/url"
	"path"
	"time"

	"github.com/golang/snappy"

	"github.com/sequent/sequent/internal/errors"
	"github.com/sequent/sequent/internal/objstore"
	"github.com/sequent/sequent/internal/observability"
	"github.com/sequent/sequent/internal/store"
	"github.com/sequent/sequent/pkg/types"
)

// Envelope is the JSON document stored for one archived request.
type Envelope struct {
	RequestID   string          `json:"request_id"`
	ArchivedAt  time.Time       `json:"archived_at"`
	RecordCount int             `json:"record_count"`
	Records     []*types.Record `json:"records"`
}

// Result reports what one archive call produced. Key is empty when the
// timeline had no records and no object was written.
type Result struct {
	RequestID   string    `json:"request_id"`
	Key         string    `json:"key,omitempty"`
	RecordCount int       `json:"record_count"`
	ArchivedAt  time.Time `json:"archived_at"`
}

// Archiver exports request timelines from the store into object storage.
// Archival copies, it never deletes: the store keeps every record.
type Archiver struct {
	store   store.Store
	storage objstore.ObjectStorage
	prefix  string
	stats   *observability.Collector
}

// NewArchiver creates an archiver writing under the given key prefix.
// stats may be nil.
func NewArchiver(st store.Store, storage objstore.ObjectStorage, prefix string, stats *observability.Collector) *Archiver {
	return &Archiver{
		store:   st,
		storage: storage,
		prefix:  prefix,
		stats:   stats,
	}
}

// Key returns the object key an archived request is stored under. The
// request id is path-escaped so ids containing separators cannot address
// keys outside the prefix.
func (a *Archiver) Key(requestID string) string {
	return path.Join(a.prefix, url.PathEscape(requestID)+".json.sz")
}

// ArchiveRequest exports the full timeline of one request. An empty
// timeline writes no object and the result reports zero records.
func (a *Archiver) ArchiveRequest(ctx context.Context, requestID string) (*Result, error) {
	records, err := store.Collect(a.store.QueryByRequest(ctx, requestID))
	if err != nil {
		// Store errors carry their own category and retryability.
		return nil, err
	}

	result := &Result{
		RequestID:   requestID,
		RecordCount: len(records),
		ArchivedAt:  time.Now().UTC(),
	}
	if len(records) == 0 {
		return result, nil
	}

	doc, err := json.Marshal(Envelope{
		RequestID:   requestID,
		ArchivedAt:  result.ArchivedAt,
		RecordCount: len(records),
		Records:     records,
	})
	if err != nil {
		return nil, errors.NewInternalError("encoding archive document", err)
	}

	key := a.Key(requestID)
	if err := a.storage.Put(ctx, key, snappy.Encode(nil, doc)); err != nil {
		return nil, errors.NewStorageError(errors.CodeUploadFailed,
			"writing archive object "+key, err)
	}

	result.Key = key
	if a.stats != nil {
		a.stats.RecordArchive()
	}
	return result, nil
}

// ReadArchive loads and decodes the archive object stored under key.
func (a *Archiver) ReadArchive(ctx context.Context, key string) (*Envelope, error) {
	compressed, err := a.storage.Get(ctx, key)
	if err != nil {
		if err == objstore.ErrObjectNotFound {
			return nil, errors.NewArchiveError(errors.CodeObjectMissing,
				"no archive object at "+key, err)
		}
		return nil, errors.NewStorageError(errors.CodeReadFailed,
			"reading archive object "+key, err)
	}

	doc, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, errors.NewArchiveError(errors.CodeArchiveFailed,
			"decompressing archive object "+key, err)
	}

	var env Envelope
	if err := json.Unmarshal(doc, &env); err != nil {
		return nil, errors.NewArchiveError(errors.CodeArchiveFailed,
			"decoding archive object "+key, err)
	}
	return &env, nil
}

// List returns the keys of every archive object under the archiver's prefix.
func (a *Archiver) List(ctx context.Context) ([]string, error) {
	keys, err := a.storage.List(ctx, a.prefix)
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeReadFailed,
			"listing archive objects", err)
	}
	return keys, nil
}
