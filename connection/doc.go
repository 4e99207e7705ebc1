// Package connection tracks per-connection negotiation state: the SDP
// phase, the cipher phase of both ratchet directions, and the inbound and
// outbound ICE candidate buffers.
//
// Inbound candidates are buffered until the remote description is set and
// then handed back, oldest first, for application. Outbound candidates are
// held until MarkReadyForCandidates flushes them in arrival order.
package connection
