package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure classes a cycle can end in. Wrap them with
// %w and classify with errors.Is.
var (
	// ErrSourceUnavailable means the report source could not be reached or
	// returned an unusable response.
	ErrSourceUnavailable = errors.New("report source unavailable")

	// ErrInsufficientHistory means gap repair could not assemble enough
	// hourly history even after widening the fetch window.
	ErrInsufficientHistory = errors.New("insufficient observation history")

	// ErrInvalidWindow is the model inference error for a malformed input
	// window (too short or not hourly contiguous).
	ErrInvalidWindow = errors.New("invalid forecast window")

	// ErrNoTemperature means a report carries no decodable temperature group.
	ErrNoTemperature = errors.New("no temperature group in report")
)

// RecordParseError describes one source record that could not be decoded.
// It is recovered inside the parser and never aborts a cycle.
type RecordParseError struct {
	Reason string
	Record string
	Err    error
}

func (e *RecordParseError) Error() string {
	return fmt.Sprintf("parse %s: %q: %v", e.Reason, e.Record, e.Err)
}

func (e *RecordParseError) Unwrap() error {
	return e.Err
}

// IsTransient returns false as malformed records stay malformed
func (e *RecordParseError) IsTransient() bool {
	return false
}

// PersistenceError wraps a storage or report store failure during a cycle.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsTransient returns true; storage hiccups usually clear on the next cycle
func (e *PersistenceError) IsTransient() bool {
	return true
}

// ValidationError represents a data validation error
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// IsTransient returns false as validation errors are permanent
func (e *ValidationError) IsTransient() bool {
	return false
}

// ErrorClass maps an error to a short label for metrics and report records.
func ErrorClass(err error) string {
	var parseErr *RecordParseError
	var persistErr *PersistenceError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSourceUnavailable):
		return "source_unavailable"
	case errors.Is(err, ErrInsufficientHistory):
		return "insufficient_history"
	case errors.Is(err, ErrInvalidWindow):
		return "model_inference"
	case errors.As(err, &parseErr):
		return "record_parse"
	case errors.As(err, &persistErr):
		return "persistence"
	default:
		return "internal"
	}
}
