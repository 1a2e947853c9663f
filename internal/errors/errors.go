// Package errors defines the failure taxonomy shared by the store, the
// backend client, and the sync engine. The engine branches on the class
// of an error, never on its concrete type.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Local store errors.
var (
	ErrNotFound             = errors.New("record not found")
	ErrReferentialIntegrity = errors.New("referenced entity does not exist")
	ErrLogCorrupt           = errors.New("mutation log corrupted")
)

// Backend errors that halt automatic retries.
var (
	ErrAuth           = errors.New("backend rejected credentials")
	ErrSchemaMismatch = errors.New("backend schema is incompatible")
)

// Class buckets an error into the handling strategy the sync engine
// applies to it.
type Class int

const (
	// ClassRetryable covers timeouts, transient network loss, and 5xx
	// responses. Retried with backoff until the retry ceiling.
	ClassRetryable Class = iota

	// ClassRejected covers validation failures (4xx). Never retried
	// automatically; surfaced with the server-provided reason.
	ClassRejected

	// ClassConflict marks a local/remote divergence resolved by policy.
	ClassConflict

	// ClassReferentialIntegrity marks a local write rejected before it
	// reached the mutation log.
	ClassReferentialIntegrity

	// ClassFatal halts the engine entirely: auth rejection, schema
	// mismatch, or a corrupted mutation log.
	ClassFatal
)

// String returns the class name for logging.
func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassRejected:
		return "rejected"
	case ClassConflict:
		return "conflict"
	case ClassReferentialIntegrity:
		return "referential_integrity"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// RejectedError carries the backend's validation verdict for a mutation.
type RejectedError struct {
	Code   string
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("rejected by backend: %s", e.Reason)
	}

	return fmt.Sprintf("rejected by backend (%s): %s", e.Code, e.Reason)
}

// ConflictError reports a divergence that was resolved against the local
// side and needs user review.
type ConflictError struct {
	Entity  string
	LocalID string
	Reason  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s %s: %s", e.Entity, e.LocalID, e.Reason)
}

// Classify maps an error to its handling class. Unrecognized errors are
// treated as retryable: transport failures arrive as wrapped net errors
// and must not halt the engine.
func Classify(err error) Class {
	var rejected *RejectedError

	var conflict *ConflictError

	switch {
	case errors.Is(err, ErrAuth),
		errors.Is(err, ErrSchemaMismatch),
		errors.Is(err, ErrLogCorrupt):
		return ClassFatal
	case errors.Is(err, ErrReferentialIntegrity):
		return ClassReferentialIntegrity
	case errors.As(err, &rejected):
		return ClassRejected
	case errors.As(err, &conflict):
		return ClassConflict
	case errors.Is(err, context.Canceled):
		// Cancellation is not a backend failure; the next trigger
		// resumes cleanly.
		return ClassRetryable
	default:
		return ClassRetryable
	}
}
