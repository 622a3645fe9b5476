package crawl

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across stores and services.
var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict signals a concurrent update beat this one to the record.
	ErrConflict = errors.New("record was modified concurrently")
	// ErrStageImmutable signals an attempt to change a stage already
	// referenced by a series.
	ErrStageImmutable = errors.New("stage is referenced by a series and cannot change")
	// ErrSeriesNotRunnable signals a lifecycle transition the series'
	// current status does not allow.
	ErrSeriesNotRunnable = errors.New("series status does not allow the transition")
	// ErrTargetGone signals the source reported the target itself no longer
	// exists. Fetch capabilities return it wrapped with Permanent.
	ErrTargetGone = errors.New("target no longer exists at the source")
)

// permanentError marks an error as non-recoverable: retrying the same task
// cannot succeed.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps an error so Classify routes it to the permanent-failed
// outcome. Wrapping nil returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether the error or anything it wraps was marked
// permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Classify maps an execution error to a task outcome. Unknown errors are
// treated as transient: network faults, timeouts and rate limiting are the
// common case, and the retry cap converts persistent ones to permanent.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSucceeded
	}
	if IsPermanent(err) {
		return OutcomePermanentFailed
	}
	return OutcomeTransientFailed
}

// IntegrityError reports that a reconstructed chain version did not match
// its stored fingerprint. The engine refuses to serve the payload; the rest
// of the chain and every other chain stay readable.
type IntegrityError struct {
	Key     TargetKey
	Kind    string
	Version uint64
	Want    string
	Got     string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("chain %s/%s version %d failed verification: fingerprint %s, stored %s",
		e.Key.Canonical(), e.Kind, e.Version, e.Got, e.Want)
}

// IsIntegrity reports whether the error chain contains an IntegrityError.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}
