package store

import (
	"errors"
	"fmt"

	"github.com/dvloznov/pocket-ledger/internal/blobstore"
)

var (
	// ErrNotFound is returned when an operation references an unknown id.
	ErrNotFound = errors.New("transaction not found")
	// ErrInvalidFilter is returned by SetFilters for an unknown type filter.
	ErrInvalidFilter = errors.New("invalid filter")
	// ErrInvalidImport is returned when an imported record is malformed.
	ErrInvalidImport = errors.New("invalid import record")
)

// StorageError reports a failed read or write of the persisted state. When
// returned by a mutation the in-memory change has already been applied.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// QuotaExceeded reports whether the backend ran out of space.
func (e *StorageError) QuotaExceeded() bool {
	return errors.Is(e.Err, blobstore.ErrQuotaExceeded)
}

// AccessDenied reports whether the backend refused access.
func (e *StorageError) AccessDenied() bool {
	return errors.Is(e.Err, blobstore.ErrAccessDenied)
}

// ImportResult summarizes an ImportMany call.
type ImportResult struct {
	Imported   int `json:"imported"`
	Duplicates int `json:"duplicates"`
}
