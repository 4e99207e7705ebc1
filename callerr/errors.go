// Package callerr defines the error taxonomy shared by every toxcall layer.
//
// Each package declares its own sentinel errors wrapping one of the roots
// below, so a caller can classify any error with errors.Is regardless of
// which layer produced it:
//
//	if errors.Is(err, callerr.ErrMissingIdentity) {
//	    // the job will be retried once the identity exists
//	}
//
// Classify maps an arbitrary error onto the Class the job queue uses to
// decide between pausing, retrying and dropping a job.
package callerr

import "errors"

// Configuration errors are fatal to the call attempt and never retried.
var (
	// ErrConfiguration indicates a bad or empty connection id, a missing
	// transport, or an otherwise unusable setup.
	ErrConfiguration = errors.New("configuration error")
)

// Identity errors are recoverable: the originating job is paused until the
// missing material exists.
var (
	// ErrMissingIdentity indicates a local or remote identity bundle (or a
	// one-time key it references) does not exist yet.
	ErrMissingIdentity = errors.New("missing identity")

	// ErrMissingProps indicates the remote identity props were never supplied.
	ErrMissingProps = errors.New("missing identity props")

	// ErrMissingSessionIdentity indicates the sealed session identity is absent.
	ErrMissingSessionIdentity = errors.New("missing session identity")
)

// Ratchet errors are recoverable via bounded retry.
var (
	// ErrRatchet indicates a header/ratchet state mismatch.
	ErrRatchet = errors.New("ratchet error")
)

// Media and network errors surface as failed call states.
var (
	// ErrMedia indicates the media engine rejected an operation.
	ErrMedia = errors.New("media error")

	// ErrNetwork indicates the transport could not deliver an envelope.
	ErrNetwork = errors.New("network error")
)

// Routing errors indicate a logic or race problem and are never retried.
var (
	// ErrCallNotFound indicates no call is registered under the given key.
	ErrCallNotFound = errors.New("call not found")

	// ErrConnectionNotFound indicates no connection is registered under the given id.
	ErrConnectionNotFound = errors.New("connection not found")
)

// ErrRetryBudgetExhausted is reported when a paused job used up its attempts.
var ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

// Class groups errors by how the pipeline reacts to them.
type Class uint8

const (
	// ClassNone is the class of a nil error.
	ClassNone Class = iota
	// ClassConfiguration errors are surfaced immediately.
	ClassConfiguration
	// ClassIdentity errors pause the job until the identity exists.
	ClassIdentity
	// ClassRatchet errors pause the job for a bounded number of retries.
	ClassRatchet
	// ClassMedia errors fail the call.
	ClassMedia
	// ClassNetwork errors fail the call.
	ClassNetwork
	// ClassRouting errors are returned to the caller and dropped.
	ClassRouting
	// ClassOther covers everything else; the job is dropped.
	ClassOther
)

// String returns a human-readable representation of the class.
func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassConfiguration:
		return "configuration"
	case ClassIdentity:
		return "identity"
	case ClassRatchet:
		return "ratchet"
	case ClassMedia:
		return "media"
	case ClassNetwork:
		return "network"
	case ClassRouting:
		return "routing"
	default:
		return "other"
	}
}

// Retryable reports whether jobs failing with this class stay queued.
func (c Class) Retryable() bool {
	return c == ClassIdentity || c == ClassRatchet
}

// Classify maps err onto its Class. Identity roots win over ratchet roots
// when an error wraps both.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrConfiguration):
		return ClassConfiguration
	case errors.Is(err, ErrMissingIdentity),
		errors.Is(err, ErrMissingProps),
		errors.Is(err, ErrMissingSessionIdentity):
		return ClassIdentity
	case errors.Is(err, ErrRatchet):
		return ClassRatchet
	case errors.Is(err, ErrMedia):
		return ClassMedia
	case errors.Is(err, ErrNetwork):
		return ClassNetwork
	case errors.Is(err, ErrCallNotFound), errors.Is(err, ErrConnectionNotFound):
		return ClassRouting
	default:
		return ClassOther
	}
}
