package media

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/opd-ai/toxcall/callerr"
)

// ErrUnknownConnection indicates the engine holds no peer connection for the id.
var ErrUnknownConnection = fmt.Errorf("%w: unknown connection", callerr.ErrMedia)

// ErrNotStarted indicates the engine was used outside Start/Shutdown.
var ErrNotStarted = fmt.Errorf("%w: engine not started", callerr.ErrMedia)

// Wrap marks an engine failure as a media error.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", callerr.ErrMedia, op, err)
}

// Engine is the media capability the orchestrator drives. One engine is
// shared by every connection of a process and has an explicit lifecycle.
type Engine interface {
	Start(ctx context.Context) error
	Shutdown() error

	// Open creates the peer connection for connectionID and returns the
	// engine's native handle for it.
	Open(connectionID string) (string, error)
	// Release closes the peer connection. Releasing an unknown id is a no-op.
	Release(connectionID string) error

	CreateOffer(ctx context.Context, connectionID string, hasAudio, hasVideo bool) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context, connectionID string, hasAudio, hasVideo bool) (webrtc.SessionDescription, error)
	SetLocalDescription(ctx context.Context, connectionID string, desc webrtc.SessionDescription) error
	SetRemoteDescription(ctx context.Context, connectionID string, desc webrtc.SessionDescription) error
	AddICECandidate(ctx context.Context, connectionID string, candidate webrtc.ICECandidateInit) error

	// SetFrameEncryptionKey installs the frame key of a sending participant.
	SetFrameEncryptionKey(participantID string, index uint32, key []byte) error

	// Events delivers engine notifications until Shutdown.
	Events() <-chan Event
}
