package ratchet

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Domain separation labels.
const (
	labelHandshake = "toxcall.handshake.v1"
	labelRoot      = "toxcall.ratchet.rk.v1"
	labelChain     = "toxcall.ratchet.ck.v1"
)

func hkdfExpand(salt, ikm []byte, info string, outLen int) []byte {
	h := hkdf.New(sha256.New, ikm, salt, []byte(info))
	out := make([]byte, outLen)
	_, _ = io.ReadFull(h, out)
	return out
}

// deriveRoot derives (rk', ck) from the root key and a DH output.
func deriveRoot(rk, dh [32]byte) (rkOut, ckOut [32]byte) {
	buf := hkdfExpand(rk[:], dh[:], labelRoot, 64)
	copy(rkOut[:], buf[:32])
	copy(ckOut[:], buf[32:])
	wipe(buf)
	return
}

// deriveChain derives (ck', mk) from a chain key.
func deriveChain(ck [32]byte) (ckNext, mk [32]byte) {
	buf := hkdfExpand(nil, ck[:], labelChain, 64)
	copy(ckNext[:], buf[:32])
	copy(mk[:], buf[32:])
	wipe(buf)
	return
}

// deriveSharedSecret combines the handshake DH outputs and the KEM shared
// key into the initial root key. The 0xFF prefix keeps the input disjoint
// from any single curve25519 output.
func deriveSharedSecret(salt []byte, dhs [][32]byte, kemShared []byte) [32]byte {
	ikm := make([]byte, 0, 32+32*len(dhs)+len(kemShared))
	for i := 0; i < 32; i++ {
		ikm = append(ikm, 0xff)
	}
	for _, dh := range dhs {
		ikm = append(ikm, dh[:]...)
	}
	ikm = append(ikm, kemShared...)

	var sk [32]byte
	buf := hkdfExpand(salt, ikm, labelHandshake, 32)
	copy(sk[:], buf)
	wipe(buf)
	wipe(ikm)
	return sk
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
