// Package apperr defines the error taxonomy shared by codegraph components.
package apperr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrExtraction marks a malformed record supplied by an extractor.
	ErrExtraction = errors.New("extraction error")

	// ErrResolutionFailure marks a reference that could not be resolved.
	ErrResolutionFailure = errors.New("resolution failure")

	// ErrMalformedReference marks a reference without a usable origin node.
	ErrMalformedReference = errors.New("malformed reference")

	// ErrLockTimeout is returned when another process holds the write lock past the wait bound.
	ErrLockTimeout = errors.New("lock timeout")

	// ErrSchemaVersionMismatch is returned when the on-disk schema is newer than this build supports.
	ErrSchemaVersionMismatch = errors.New("schema version mismatch")

	// ErrPathTraversal is returned when a path resolves outside the project root.
	ErrPathTraversal = errors.New("path escapes project root")
)

// LockTimeoutError reports a bounded lock wait that expired. It is retryable.
type LockTimeoutError struct {
	Path   string
	Holder string
	Waited time.Duration
}

func (e *LockTimeoutError) Error() string {
	if e.Holder != "" {
		return fmt.Sprintf("lock %s held by %s: gave up after %s", e.Path, e.Holder, e.Waited)
	}
	return fmt.Sprintf("lock %s busy: gave up after %s", e.Path, e.Waited)
}

func (e *LockTimeoutError) Unwrap() error { return ErrLockTimeout }

// Retryable reports that the operation may succeed if attempted again.
func (e *LockTimeoutError) Retryable() bool { return true }

// SchemaVersionError reports an on-disk schema ahead of the supported version.
type SchemaVersionError struct {
	OnDisk    int
	Supported int
}

func (e *SchemaVersionError) Error() string {
	return fmt.Sprintf("schema version %d on disk is newer than supported version %d", e.OnDisk, e.Supported)
}

func (e *SchemaVersionError) Unwrap() error { return ErrSchemaVersionMismatch }

// ItemError ties a per-item failure to the item it concerns and to a taxonomy sentinel.
type ItemError struct {
	Kind error
	Item string
	Err  error
}

// NewItemError creates an ItemError. err may be nil when kind says everything.
func NewItemError(kind error, item string, err error) *ItemError {
	return &ItemError{Kind: kind, Item: item, Err: err}
}

func (e *ItemError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Item, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Item, e.Kind, e.Err)
}

func (e *ItemError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsRetryable reports whether any error in the chain declares itself retryable.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && r.Retryable()
}

// BatchError accumulates per-item errors from a batch operation that kept going.
type BatchError struct {
	Errors []error
}

// Add appends err if it is non-nil.
func (e *BatchError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// Merge appends every error of other.
func (e *BatchError) Merge(other *BatchError) {
	if other != nil {
		e.Errors = append(e.Errors, other.Errors...)
	}
}

// Len returns the number of accumulated errors.
func (e *BatchError) Len() int {
	if e == nil {
		return 0
	}
	return len(e.Errors)
}

// ErrOrNil returns e when it holds errors and nil otherwise.
func (e *BatchError) ErrOrNil() error {
	if e.Len() == 0 {
		return nil
	}
	return e
}

func (e *BatchError) Error() string {
	switch len(e.Errors) {
	case 0:
		return "batch error with no errors"
	case 1:
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors: %v (and %d more)", len(e.Errors), e.Errors[0], len(e.Errors)-1)
}

func (e *BatchError) Unwrap() []error {
	return e.Errors
}

// ErrorList returns every error on its own line.
func (e *BatchError) ErrorList() string {
	var b strings.Builder
	for i, err := range e.Errors {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(err.Error())
	}
	return b.String()
}
