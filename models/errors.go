package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by the store when a pair has no data yet.
	ErrNotFound = errors.New("not found")
	// ErrQuotaExhausted signals that a fetch was deferred because the
	// billing-period budget would be exceeded.
	ErrQuotaExhausted = errors.New("quota exhausted")
	// ErrAsOfRegression is returned when a publish would move a pair's
	// snapshot time backwards.
	ErrAsOfRegression = errors.New("snapshot as_of regression")
)

// FetchErrorKind classifies adapter failures.
type FetchErrorKind string

const (
	RateLimitExceeded FetchErrorKind = "RateLimitExceeded"
	VendorUnavailable FetchErrorKind = "VendorUnavailable"
	MalformedResponse FetchErrorKind = "MalformedResponse"
	Timeout           FetchErrorKind = "Timeout"
)

// FetchError is returned by source adapters.
type FetchError struct {
	Kind       FetchErrorKind
	Source     string
	RetryAfter time.Duration
	// Local marks a refusal made by the client's own call ceiling; the
	// vendor never saw the request.
	Local bool
	Err   error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Source, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Source, e.Kind)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether the scheduler should back off and retry.
func (e *FetchError) Retryable() bool {
	return e.Kind == VendorUnavailable || e.Kind == Timeout
}

// IsLocalRefusal reports whether err is a FetchError the client raised
// without calling the vendor.
func IsLocalRefusal(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Local
}

// NewFetchError builds a FetchError.
func NewFetchError(kind FetchErrorKind, source string, err error) *FetchError {
	return &FetchError{Kind: kind, Source: source, Err: err}
}

// FetchErrorKindOf extracts the kind from err, if any.
func FetchErrorKindOf(err error) (FetchErrorKind, bool) {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

// MergeErrorKind classifies normalisation and merge rejections.
type MergeErrorKind string

const (
	InvalidTimestamp MergeErrorKind = "InvalidTimestamp"
	UnknownPair      MergeErrorKind = "UnknownPair"
	MalformedItem    MergeErrorKind = "Malformed"
)

// MergeError marks a record as dropped.
type MergeError struct {
	Kind   MergeErrorKind
	Source string
	Err    error
}

func (e *MergeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Source, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Source, e.Kind)
}

func (e *MergeError) Unwrap() error { return e.Err }

// NewMergeError builds a MergeError.
func NewMergeError(kind MergeErrorKind, source string, err error) *MergeError {
	return &MergeError{Kind: kind, Source: source, Err: err}
}

// MergeErrorKindOf extracts the kind from err, if any.
func MergeErrorKindOf(err error) (MergeErrorKind, bool) {
	var me *MergeError
	if errors.As(err, &me) {
		return me.Kind, true
	}
	return "", false
}
