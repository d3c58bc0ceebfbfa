package faults

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the stable, machine-readable error tag stored on the job row.
type Kind string

const (
	KindQuotaExceeded       Kind = "quota_exceeded"
	KindBadInput            Kind = "bad_input"
	KindUpstreamTimeout     Kind = "upstream_timeout"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindUpstreamRejected    Kind = "upstream_rejected"
	KindContentFiltered     Kind = "content_filtered"
	KindInternalMediaError  Kind = "internal_media_error"
	KindStorageError        Kind = "storage_error"
	KindCancelled           Kind = "cancelled"
)

// Fault is the error type every stage converts raw dependency errors into.
// Retryable is decided where the error is classified, so retry policy lives
// at the adapter boundary rather than at call sites.
type Fault struct {
	Kind      Kind
	Detail    string
	Retryable bool
	Err       error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Detail, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
}

func (f *Fault) Unwrap() error { return f.Err }

func New(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Detail: fmt.Sprintf(format, args...), Retryable: defaultRetryable(kind)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Detail: fmt.Sprintf(format, args...), Retryable: defaultRetryable(kind), Err: err}
}

// Retryable forces the retryable flag regardless of the kind default.
func (f *Fault) WithRetryable(r bool) *Fault {
	f.Retryable = r
	return f
}

func defaultRetryable(kind Kind) bool {
	switch kind {
	case KindUpstreamTimeout, KindUpstreamUnavailable, KindStorageError:
		return true
	default:
		return false
	}
}

// KindOf extracts the fault kind from an error chain. Unclassified errors
// report as internal media errors, the conservative fatal bucket.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindUpstreamTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternalMediaError
}

// IsRetryable reports whether the stage runner may retry after this error.
func IsRetryable(err error) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsCancelled reports whether the error chain records a user cancellation.
func IsCancelled(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	return KindOf(err) == KindCancelled
}
