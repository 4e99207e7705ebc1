// Package media defines the media engine capability: peer connection
// lifecycle, SDP and ICE operations, frame key injection, and the event
// stream the orchestrator consumes.
//
// The engine is injected into the orchestrator and started and shut down
// explicitly. Package pionengine provides an implementation over
// github.com/pion/webrtc/v4. Every engine error should be wrapped with Wrap
// so callers can classify it as callerr.ErrMedia.
package media
