// Package toxcall implements end-to-end encrypted call signaling for
// WebRTC media.
//
// A Client pairs one media engine with one envelope transport. Offers,
// answers, ICE candidates, media frame keys and call control messages are
// sealed with a per-connection Double Ratchet bootstrapped by a hybrid
// X25519 and ML-KEM handshake, so relays only ever see opaque envelopes.
// Every cryptographic step runs through an ordered job queue, which pauses
// work until the peer identity it needs is known.
//
// # Getting Started
//
//	cfg, err := config.Load("toxcall.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	tr, err := toxcall.DialTransport(ctx, cfg, "alice")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client, err := toxcall.New("alice", cfg, tr, pionengine.New(cfg.WebRTCICEServers()))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.OnCallState(func(st callstate.State) {
//	    fmt.Println("call state:", st)
//	})
//	if err := client.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	// bobProps came from bob out of band
//	err = client.Call(ctx, &callstate.Call{
//	    SharedCommunicationID:  "call-1",
//	    Recipients:             []string{"bob"},
//	    SignalingIdentityProps: bobProps,
//	}, "alice-bob", "bob")
//
// # Identity Props
//
// Peers bootstrap sessions from each other's identity props. Props carry a
// one-time key, so fetch fresh props with LocalProps for every peer.
//
// # Packages
//
//   - session: the orchestrator behind Client
//   - callstate: call states and the state stream
//   - ratchet, keystore, crypto: the encryption layers
//   - connection, signaling: per-connection negotiation and the wire format
//   - queue: the ordered job queue and its durable caches
//   - media, media/pionengine: the media engine capability
//   - transport: memory, NATS and WebSocket envelope transports
//   - config: YAML and environment configuration
package toxcall
