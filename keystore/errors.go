package keystore

import (
	"errors"
	"fmt"

	"github.com/opd-ai/toxcall/callerr"
	"github.com/opd-ai/toxcall/connection"
)

// Lookup errors. All are recoverable once the identity has been created.
var (
	// ErrNoLocalIdentity indicates CreateLocalIdentity was never called.
	ErrNoLocalIdentity = fmt.Errorf("%w: local identity not created", callerr.ErrMissingIdentity)

	// ErrNoRemoteIdentity indicates no identity is stored for the connection.
	ErrNoRemoteIdentity = fmt.Errorf("%w: remote identity not created", callerr.ErrMissingIdentity)

	// ErrOneTimeKeyNotFound indicates the one-time key was consumed or never existed.
	ErrOneTimeKeyNotFound = fmt.Errorf("%w: one-time key not found", callerr.ErrMissingIdentity)

	// ErrNoSessionIdentity indicates the sealed session identity is missing or unreadable.
	ErrNoSessionIdentity = fmt.Errorf("%w: session identity unavailable", callerr.ErrMissingSessionIdentity)
)

// Input errors.
var (
	// ErrInvalidProps indicates identity props without a long-term or KEM key.
	ErrInvalidProps = fmt.Errorf("%w: incomplete identity props", callerr.ErrMissingProps)

	// ErrInvalidConnectionID indicates an empty connection id.
	ErrInvalidConnectionID = connection.ErrInvalidConnectionID

	// ErrParkedFull indicates a parked envelope displaced the oldest one.
	ErrParkedFull = errors.New("parked envelope limit reached")
)
