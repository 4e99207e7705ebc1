package session

import (
	"errors"
	"fmt"

	"github.com/opd-ai/toxcall/callerr"
)

var (
	// ErrNoMediaEngine indicates the orchestrator was built without a media engine.
	ErrNoMediaEngine = fmt.Errorf("%w: missing media engine", callerr.ErrConfiguration)

	// ErrNoTransport indicates the orchestrator was built without a transport.
	ErrNoTransport = fmt.Errorf("%w: missing transport", callerr.ErrConfiguration)

	// ErrNoParticipant indicates an empty local participant id.
	ErrNoParticipant = fmt.Errorf("%w: empty participant id", callerr.ErrConfiguration)

	// ErrNoActiveCall indicates a call operation without a current call.
	ErrNoActiveCall = fmt.Errorf("%w: no active call", callerr.ErrCallNotFound)

	// ErrCallActive indicates StartCall while another call is live.
	ErrCallActive = fmt.Errorf("%w: a call is already active", callerr.ErrConfiguration)

	// ErrIdentityMismatch indicates a handshake from a key other than the
	// one in the stored props. The job waits for updated props.
	ErrIdentityMismatch = fmt.Errorf("%w: handshake identity does not match props", callerr.ErrMissingIdentity)

	// ErrSenderMismatch indicates an envelope whose sender differs from the
	// transport-level sender.
	ErrSenderMismatch = errors.New("envelope sender mismatch")

	// ErrBusy indicates an offer for a new call while another call is live.
	ErrBusy = errors.New("busy with another call")

	// ErrNotStarted indicates use of the orchestrator outside Start/Shutdown.
	ErrNotStarted = fmt.Errorf("%w: orchestrator not started", callerr.ErrConfiguration)
)
