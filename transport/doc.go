// Package transport carries encrypted call envelopes between participants.
//
// The session layer only sees the Transport interface. Three adapters are
// provided:
//
//   - Memory endpoints on an in-process Network, delivering frames in send
//     order; used by tests and the loopback example.
//   - NATSRelay, publishing on per-participant subjects
//     ("toxcall.peer.<participant>" by default).
//   - WebSocketRelay, a client of RelayHub, which forwards binary frames by
//     destination participant.
//
// Relay adapters share the CBOR Frame encoding. A frame carries either an
// envelope or a call-ended notice; envelope bytes are opaque here.
package transport
