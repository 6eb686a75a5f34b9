package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrDimensionMismatch is returned when a vector's length differs from the
// dimension an index was created with.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// ConfigurationError reports invalid or missing configuration. Never retried.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// ProviderError is a transport or upstream failure of the embedding provider
// or generator, timeouts included.
type ProviderError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s failed (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s failed: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// AuthError means the provider rejected the credential.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// RateLimitError means the upstream throttled the request. RetryAfter is
// zero when the upstream gave no hint.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// StoreError is a failure of an external vector store.
type StoreError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *StoreError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("store %s failed (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("store %s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// LoadError means a document source was unreadable or of unsupported type.
type LoadError struct {
	Source string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Source, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// BatchFailure describes one ingestion batch that was not committed.
type BatchFailure struct {
	Batch    int      `json:"batch"`
	ChunkIDs []string `json:"chunk_ids"`
	Err      error    `json:"-"`
}

// IngestError lists the batches an ingestion could not commit. Batches not
// listed were committed.
type IngestError struct {
	Failed []BatchFailure
}

func (e *IngestError) Error() string {
	n := 0
	msgs := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		n += len(f.ChunkIDs)
		if f.Err != nil {
			msgs = append(msgs, fmt.Sprintf("batch %d: %v", f.Batch, f.Err))
		}
	}
	return fmt.Sprintf("ingest: %d batches (%d chunks) not committed: %s",
		len(e.Failed), n, strings.Join(msgs, "; "))
}

// Unwrap exposes the per-batch causes to errors.Is and errors.As.
func (e *IngestError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, f := range e.Failed {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errs
}

// MissingChunkIDs returns every chunk ID that was not committed.
func (e *IngestError) MissingChunkIDs() []string {
	var ids []string
	for _, f := range e.Failed {
		ids = append(ids, f.ChunkIDs...)
	}
	return ids
}

// IsRetryable reports whether err is worth retrying under the retry policy.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var authErr *AuthError
	var cfgErr *ConfigurationError
	var loadErr *LoadError
	if errors.As(err, &authErr) || errors.As(err, &cfgErr) || errors.As(err, &loadErr) {
		return false
	}

	var rateErr *RateLimitError
	var provErr *ProviderError
	var storeErr *StoreError
	return errors.As(err, &rateErr) || errors.As(err, &provErr) || errors.As(err, &storeErr)
}
