package ratchet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderBinaryForm(t *testing.T) {
	tests := []struct {
		name   string
		header Header
	}{
		{"plain", Header{DH: [32]byte{1}, PN: 3, N: 9}},
		{"handshake", Header{DH: [32]byte{2}, N: 1, Handshake: &Handshake{
			IdentityKey:   [32]byte{3},
			EphemeralKey:  [32]byte{4},
			OneTimeKeyID:  42,
			HasOneTimeKey: true,
			KEMCiphertext: []byte{5, 6, 7},
		}}},
		{"handshake without kem", Header{Handshake: &Handshake{EphemeralKey: [32]byte{8}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseHeader(tt.header.Bytes())
			require.NoError(t, err)
			assert.Equal(t, tt.header, *got)
		})
	}
}

func TestParseHeaderRejectsMalformed(t *testing.T) {
	valid := (&Header{Handshake: &Handshake{KEMCiphertext: []byte{1, 2}}}).Bytes()

	cases := map[string][]byte{
		"short":        make([]byte, 10),
		"bad flag":     append(make([]byte, 40), 2),
		"trailing":     append(make([]byte, 41), 0),
		"truncated hs": valid[:50],
		"kem mismatch": valid[:len(valid)-1],
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseHeader(data)
			assert.Error(t, err)
		})
	}
}
