package ratchet

import (
	"errors"
	"fmt"

	"github.com/opd-ai/toxcall/callerr"
)

// ErrKind is a stable classification of ratchet failures.
type ErrKind uint16

const (
	// KindNotInitialized: no session exists for the id, or it cannot send yet.
	KindNotInitialized ErrKind = iota + 1
	// KindDesync: the header references ratchet state the session cannot derive.
	KindDesync
	// KindSkipLimit: too many message keys would have to be skipped.
	KindSkipLimit
	// KindAuth: the ciphertext failed authentication.
	KindAuth
	// KindReplay: the message (or handshake) was already processed.
	KindReplay
	// KindMissingOneTimeKey: the header references a consumed or unknown one-time key.
	KindMissingOneTimeKey
	// KindInvalidKey: supplied key material is malformed.
	KindInvalidKey
	// KindInvalidHeader: the header is malformed.
	KindInvalidHeader
)

// String returns a human-readable representation of the kind.
func (k ErrKind) String() string {
	switch k {
	case KindNotInitialized:
		return "not_initialized"
	case KindDesync:
		return "desync"
	case KindSkipLimit:
		return "skip_limit"
	case KindAuth:
		return "auth"
	case KindReplay:
		return "replay"
	case KindMissingOneTimeKey:
		return "missing_one_time_key"
	case KindInvalidKey:
		return "invalid_key"
	case KindInvalidHeader:
		return "invalid_header"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(k))
	}
}

// ErrDuplicate is the root of replayed-message errors. Duplicates are dropped,
// not retried.
var ErrDuplicate = errors.New("duplicate message")

// ErrForged is the root of messages that fail authentication. A forged or
// corrupted message fails the same way every time, so it is dropped.
var ErrForged = errors.New("message failed authentication")

// ErrInvalidInput is the root of malformed key and header errors.
var ErrInvalidInput = errors.New("invalid ratchet input")

// Error is returned by every Engine operation.
type Error struct {
	Kind      ErrKind
	SessionID string
	Detail    string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("ratchet %s (session %q)", e.Kind, e.SessionID)
	}
	return fmt.Sprintf("ratchet %s (session %q): %s", e.Kind, e.SessionID, e.Detail)
}

// Unwrap maps the kind onto the shared error taxonomy.
func (e *Error) Unwrap() error {
	switch e.Kind {
	case KindMissingOneTimeKey:
		return callerr.ErrMissingIdentity
	case KindReplay:
		return ErrDuplicate
	case KindAuth:
		return ErrForged
	case KindInvalidKey, KindInvalidHeader:
		return ErrInvalidInput
	default:
		return callerr.ErrRatchet
	}
}

func newError(kind ErrKind, sessionID, detail string) error {
	return &Error{Kind: kind, SessionID: sessionID, Detail: detail}
}

// KindOf extracts the ErrKind from err, or 0 if err is not a ratchet error.
func KindOf(err error) ErrKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return 0
}
