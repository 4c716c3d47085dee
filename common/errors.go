package common

import (
	"errors"
	"fmt"
)

// FailureKind classifies a processing failure so callers can decide whether
// to retry, defer, or drop the work item. Only Transient failures are ever
// surfaced to HTTP callers; everything else is logged and masked.
type FailureKind int

const (
	// FailureTransient covers timeouts, 5xx responses and refused
	// connections. Retried with exponential backoff, then requeued.
	FailureTransient FailureKind = iota

	// FailureNotFound is a definitive 404 from a backend. Memoized, never
	// retried within the memo TTL.
	FailureNotFound

	// FailureVerification marks an invalid signature or an unusable
	// verification method. Permanent.
	FailureVerification

	// FailureDecode marks a malformed payload or codec error. Permanent.
	FailureDecode

	// FailureTemplateMissing defers a record until its template is indexed.
	FailureTemplateMissing

	// FailureAuthorization marks a deletion without authority. Logged,
	// ignored, never propagated.
	FailureAuthorization

	// FailurePolicy marks a security-policy violation such as a peer outside
	// the whitelist.
	FailurePolicy

	// FailureResource marks resource exhaustion, e.g. the index field limit.
	FailureResource
)

var failureNames = map[FailureKind]string{
	FailureTransient:       "transient",
	FailureNotFound:        "not_found",
	FailureVerification:    "verification",
	FailureDecode:          "decode",
	FailureTemplateMissing: "template_missing",
	FailureAuthorization:   "authorization",
	FailurePolicy:          "policy",
	FailureResource:        "resource",
}

func (k FailureKind) String() string {
	if s, ok := failureNames[k]; ok {
		return s
	}
	return fmt.Sprintf("failure(%d)", int(k))
}

// Failure wraps an error with its kind. It participates in errors.Is/As
// chains so wrapping with fmt.Errorf("...: %w", err) preserves the kind.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return f.Kind.String()
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Fail tags err with the given kind. A nil err yields a bare kinded failure,
// useful for sentinel-style returns.
func Fail(kind FailureKind, err error) error {
	return &Failure{Kind: kind, Err: err}
}

// Failf tags a formatted error with the given kind.
func Failf(kind FailureKind, format string, args ...interface{}) error {
	return &Failure{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf walks the wrap chain and reports the first failure kind it finds.
// Untagged errors report FailureTransient, the only kind that is safe to
// retry: an unclassified error must never become a permanent drop.
func KindOf(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return FailureTransient
}

// IsPermanent reports whether err must never be retried in this process.
func IsPermanent(err error) bool {
	switch KindOf(err) {
	case FailureVerification, FailureDecode:
		return true
	}
	return false
}

// IsDeferrable reports whether err should park the work item until its
// precondition (a template, a mapping) appears.
func IsDeferrable(err error) bool {
	k := KindOf(err)
	return k == FailureTemplateMissing || k == FailureResource
}
