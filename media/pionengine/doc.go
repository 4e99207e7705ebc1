// Package pionengine implements media.Engine on top of
// github.com/pion/webrtc/v4.
//
// Each connection id maps to one PeerConnection whose callbacks are turned
// into media.Event values. A nil ICE candidate from pion marks the end of
// gathering and is reported as EventICEGatheringChanged with
// GatheringComplete set.
package pionengine
