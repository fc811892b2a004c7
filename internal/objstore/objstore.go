// Package objstore abstracts the object stores archived request timelines
// are written to. Two backends are provided: a local filesystem store for
// development and tests, and an S3 store for production.
package objstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/sequent/sequent/internal/config"
)

// Sentinel errors returned by storage backends.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrPutFailed      = errors.New("put failed")
	ErrGetFailed      = errors.New("get failed")
	ErrDeleteFailed   = errors.New("delete failed")
	ErrListFailed     = errors.New("list failed")
)

// ObjectStorage is the interface archives are written through. Keys are
// slash-separated paths relative to the store root; backends own the mapping
// onto their native namespace.
type ObjectStorage interface {
	// Put writes data under key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte) error

	// Get reads the object stored under key. Returns ErrObjectNotFound if
	// no such object exists.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the object under key. Deleting a missing object is not
	// an error.
	Delete(ctx context.Context, key string) error

	// List returns the keys of all objects under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists reports whether an object is stored under key.
	Exists(ctx context.Context, key string) (bool, error)
}

// New builds the storage backend selected by the archive configuration.
func New(ctx context.Context, cfg config.ArchiveConfig) (ObjectStorage, error) {
	switch cfg.Type {
	case "local":
		return NewLocalStorage(cfg.Path)
	case "s3":
		return NewS3Storage(ctx, cfg.S3.Bucket, S3Config{
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			UsePathStyle: cfg.S3.UsePathStyle,
		})
	default:
		return nil, fmt.Errorf("objstore: unknown archive storage type %q", cfg.Type)
	}
}
