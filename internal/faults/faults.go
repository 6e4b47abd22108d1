package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a detection failure.
type Kind string

const (
	KindInsufficientData  Kind = "insufficient_data"
	KindDetectorFailure   Kind = "detector_failure"
	KindSourceUnavailable Kind = "source_unavailable"
	KindNumericDegeneracy Kind = "numeric_degeneracy"
)

var (
	// ErrInsufficientData means a detector declined because the sample floor was not met.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrDetectorFailure marks an error or panic raised inside one detector.
	ErrDetectorFailure = errors.New("detector failure")
	// ErrSourceUnavailable marks a failed series fetch; fatal to a run.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrNumericDegeneracy marks undefined statistics such as zero variance.
	ErrNumericDegeneracy = errors.New("numeric degeneracy")
)

// Error carries the failing scope alongside its kind.
type Error struct {
	Kind     Kind
	Scope    string
	Detector string
	Err      error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Detector != "" {
		msg = e.Detector + ": " + msg
	}
	if e.Scope != "" {
		msg = msg + " [" + e.Scope + "]"
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel belonging to the error's kind.
func (e *Error) Is(target error) bool {
	return sentinel(e.Kind) == target
}

func sentinel(kind Kind) error {
	switch kind {
	case KindInsufficientData:
		return ErrInsufficientData
	case KindDetectorFailure:
		return ErrDetectorFailure
	case KindSourceUnavailable:
		return ErrSourceUnavailable
	case KindNumericDegeneracy:
		return ErrNumericDegeneracy
	}
	return nil
}

// InsufficientData builds an InsufficientData error for a scope.
func InsufficientData(scope string, have, need int) error {
	return &Error{Kind: KindInsufficientData, Scope: scope, Err: fmt.Errorf("have %d samples, need %d", have, need)}
}

// Degenerate builds a NumericDegeneracy error.
func Degenerate(scope, reason string) error {
	return &Error{Kind: KindNumericDegeneracy, Scope: scope, Err: errors.New(reason)}
}

// DetectorFailed wraps err (or a recovered panic value) as a DetectorFailure.
func DetectorFailed(detector, scope string, err error) error {
	return &Error{Kind: KindDetectorFailure, Detector: detector, Scope: scope, Err: err}
}

// SourceUnavailable wraps an upstream fetch error.
func SourceUnavailable(scope string, err error) error {
	return &Error{Kind: KindSourceUnavailable, Scope: scope, Err: err}
}

// Declined reports whether err means "not enough usable data": InsufficientData
// or NumericDegeneracy. Both are treated as a decline rather than a failure.
func Declined(err error) bool {
	return errors.Is(err, ErrInsufficientData) || errors.Is(err, ErrNumericDegeneracy)
}

// KindOf extracts the failure kind, defaulting to DetectorFailure for foreign errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	switch {
	case errors.Is(err, ErrInsufficientData):
		return KindInsufficientData
	case errors.Is(err, ErrNumericDegeneracy):
		return KindNumericDegeneracy
	case errors.Is(err, ErrSourceUnavailable):
		return KindSourceUnavailable
	}
	return KindDetectorFailure
}
