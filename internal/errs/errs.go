// Package errs defines the error taxonomy shared across LoreSmith's
// ingestion pipeline. Each kind wraps an underlying cause so that
// errors.Is/errors.As compose normally through component boundaries.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and reporting decisions. It is not
// a replacement for errors.Is/As — callers should match on the typed
// wrappers below, not on Kind directly, except for logging/metrics.
type Kind string

const (
	KindTransient  Kind = "transient"
	KindRateLimit  Kind = "rate_limited"
	KindMemory     Kind = "memory_limit"
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindPermission Kind = "permission"
	KindInvariant  Kind = "invariant"
	KindFatal      Kind = "fatal"
	KindNotImpl    Kind = "not_implemented"
)

// TransientError wraps a retryable failure (network, provider 5xx,
// timeout). Callers should retry with backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %s: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// RateLimitedError wraps a provider rate-limit response. RetryAfter, when
// non-zero, is the provider's suggested backoff; callers apply a 10%
// buffer on top.
type RateLimitedError struct {
	Op         string
	RetryAfter float64 // seconds, 0 if unspecified
	Err        error
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: %s (retry_after=%.2fs): %v", e.Op, e.RetryAfter, e.Err)
}
func (e *RateLimitedError) Unwrap() error { return e.Err }

func RateLimited(op string, retryAfter float64, err error) error {
	return &RateLimitedError{Op: op, RetryAfter: retryAfter, Err: err}
}

// MemoryLimitError signals the extractor hit a runtime allocation ceiling;
// the caller should switch strategy (chunk) rather than retry as-is.
type MemoryLimitError struct {
	FileKey    string
	FileName   string
	FileSizeMB float64
	LimitMB    float64
}

func (e *MemoryLimitError) Error() string {
	return fmt.Sprintf("memory limit: %s (%.1fMB) exceeds %.1fMB limit", e.FileName, e.FileSizeMB, e.LimitMB)
}

func MemoryLimit(fileKey, fileName string, fileSizeMB, limitMB float64) error {
	return &MemoryLimitError{FileKey: fileKey, FileName: fileName, FileSizeMB: fileSizeMB, LimitMB: limitMB}
}

// ValidationError covers malformed LLM output, invalid embedding
// dimensions, and schema mismatches. Non-retryable as-is; a structural
// fix (different chunk, different prompt) is required.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %v", e.Err)
	}
	return fmt.Sprintf("validation: %s: %v", e.Field, e.Err)
}
func (e *ValidationError) Unwrap() error { return e.Err }

func Validation(field string, err error) error {
	return &ValidationError{Field: field, Err: err}
}

func Validationf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Err: fmt.Errorf(format, args...)}
}

// NotFoundError covers a missing blob or row. Always non-retryable.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Resource, e.ID) }

func NotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// PermissionError is always surfaced externally as 404 (never 403) to
// avoid a tenant-existence oracle; it is logged at info level.
type PermissionError struct {
	Tenant   string
	Resource string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("tenant %q denied access to %s", e.Tenant, e.Resource)
}

func Permission(tenant, resource string) error {
	return &PermissionError{Tenant: tenant, Resource: resource}
}

// InvariantError signals an attempted violation of a documented
// invariant (e.g. overwriting an approved entity). Never silently
// discarded.
type InvariantError struct {
	Rule string
}

func (e *InvariantError) Error() string { return fmt.Sprintf("invariant violated: %s", e.Rule) }

func Invariant(rule string) error {
	return &InvariantError{Rule: rule}
}

// NotImplementedError signals a content-type the File Extractor
// deliberately does not support in this revision (e.g. images, which
// would require OCR).
type NotImplementedError struct {
	ContentType string
}

func (e *NotImplementedError) Error() string {
	return fmt.Sprintf("extraction not implemented for content type %q", e.ContentType)
}

func NotImplemented(contentType string) error {
	return &NotImplementedError{ContentType: contentType}
}

// FatalError covers unrecoverable infrastructure failures: lost DB
// connections, misconfigured vector index. Surfaced as HTTP 500.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %s: %v", e.Op, e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

func Fatal(op string, err error) error {
	return &FatalError{Op: op, Err: err}
}

// KindOf classifies err for metrics/logging, falling through to
// KindFatal for unrecognized errors so operators never silently drop an
// uncategorized failure.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case asKind[*TransientError](err):
		return KindTransient
	case asKind[*RateLimitedError](err):
		return KindRateLimit
	case asKind[*MemoryLimitError](err):
		return KindMemory
	case asKind[*ValidationError](err):
		return KindValidation
	case asKind[*NotFoundError](err):
		return KindNotFound
	case asKind[*PermissionError](err):
		return KindPermission
	case asKind[*InvariantError](err):
		return KindInvariant
	case asKind[*NotImplementedError](err):
		return KindNotImpl
	default:
		return KindFatal
	}
}

func asKind[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
