// Package blobstore provides the key-value storage the ledger persists its
// state into. Values are opaque byte blobs addressed by a flat string key.
package blobstore

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Get and Delete for a missing key.
	ErrNotFound = errors.New("blobstore: key not found")
	// ErrQuotaExceeded is returned when the backend has no room for a write.
	ErrQuotaExceeded = errors.New("blobstore: quota exceeded")
	// ErrAccessDenied is returned when the backend refuses the operation.
	ErrAccessDenied = errors.New("blobstore: access denied")
)

// Store is a key-value blob store. Implementations must be safe for
// concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendGCS    = "gcs"
)

// Options selects and configures a backend.
type Options struct {
	Backend string

	// file backend
	Dir string

	// gcs backend
	Bucket   string
	Prefix   string
	Endpoint string
}

// Open creates the backend described by opts.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendFile:
		return NewFile(opts.Dir)
	case BackendGCS:
		return NewGCS(ctx, opts.Bucket, opts.Prefix, opts.Endpoint)
	default:
		return nil, fmt.Errorf("Open: unknown backend %q", opts.Backend)
	}
}
