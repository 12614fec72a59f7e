package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfiguration is fatal and reported before any I/O.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrEmbeddingUnavailable is transient; callers retry with backoff.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
	// ErrEmbeddingRejected is permanent for the given input.
	ErrEmbeddingRejected = errors.New("embedding rejected")

	ErrCollectionNotFound = errors.New("collection not found")
	ErrDimensionMismatch  = errors.New("dimension mismatch")
	// ErrUnavailable marks a transient vector index or metadata store failure.
	ErrUnavailable = errors.New("service unavailable")

	ErrIngestionBatchFailed = errors.New("ingestion batch failed")
	ErrQueryFailed          = errors.New("query failed")
)

// RejectedError reports which input of a batch was rejected by the embedder.
// Index is -1 when the embedder cannot tell.
type RejectedError struct {
	Index  int
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("embedding rejected: %s", e.Reason)
	}
	return fmt.Sprintf("embedding rejected at input %d: %s", e.Index, e.Reason)
}

func (e *RejectedError) Unwrap() error { return ErrEmbeddingRejected }

// BatchError wraps the error that made an ingestion batch fail.
type BatchError struct {
	Seq int
	Err error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %d: %v", e.Seq, e.Err)
}

func (e *BatchError) Unwrap() []error { return []error{ErrIngestionBatchFailed, e.Err} }

// InvalidConfig builds an ErrInvalidConfiguration with a message.
func InvalidConfig(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrEmbeddingUnavailable) ||
		errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}
