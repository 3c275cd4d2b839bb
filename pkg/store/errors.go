// pkg/store/errors.go

package store

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound means the record does not exist. Callers treat it as a cache miss.
	ErrNotFound = errors.New("record not found")
	// ErrClosed is returned for operations issued after the store started closing.
	ErrClosed = errors.New("store is closed")
	// ErrReadOnly is returned for writes on a read-only client.
	ErrReadOnly = errors.New("store is read-only")
	// ErrNotFormatted is returned by Load before the store is formatted.
	ErrNotFormatted = errors.New("store is not formatted")
	// ErrTxInProgress is returned by BeginTransaction when a transaction is already open.
	ErrTxInProgress = errors.New("transaction already in progress")
	// ErrNoTransaction is returned by Commit and Rollback without a transaction.
	ErrNoTransaction = errors.New("no transaction in progress")
)

// StorageError is a failure of the underlying engine.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// storageError wraps err with the operation and key; nil stays nil.
func storageError(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Key: key, Err: errors.WithStack(err)}
}
