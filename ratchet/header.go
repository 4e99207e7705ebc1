package ratchet

import (
	"encoding/binary"
	"errors"
)

// Handshake carries the initiator's key agreement material. It rides on
// every header until the initiator's session has received a reply.
type Handshake struct {
	IdentityKey   [32]byte `cbor:"ik"`
	EphemeralKey  [32]byte `cbor:"ek"`
	OneTimeKeyID  uint32   `cbor:"otk_id"`
	HasOneTimeKey bool     `cbor:"has_otk"`
	KEMCiphertext []byte   `cbor:"kem_ct"`
}

// Header is the per-message ratchet header.
type Header struct {
	DH        [32]byte   `cbor:"dh"`
	PN        uint32     `cbor:"pn"`
	N         uint32     `cbor:"n"`
	Handshake *Handshake `cbor:"hs,omitempty"`
}

// Message is a single encrypted ratchet message.
type Message struct {
	Header     Header `cbor:"header"`
	Ciphertext []byte `cbor:"ct"`
}

const (
	headerFixedSize    = 32 + 4 + 4 + 1
	handshakeFixedSize = 32 + 32 + 1 + 4 + 2
)

// Bytes returns the canonical binary form of the header. It is bound into
// the AEAD associated data, so any change to a header field fails decryption.
//
// Format:
//
//	[dh(32)][pn(4)][n(4)][hs_flag(1)]
//	  if hs_flag: [ik(32)][ek(32)][otk_flag(1)][otk_id(4)][kem_len(2)][kem_ct]
func (h *Header) Bytes() []byte {
	size := headerFixedSize
	if h.Handshake != nil {
		size += handshakeFixedSize + len(h.Handshake.KEMCiphertext)
	}
	data := make([]byte, size)

	copy(data[0:32], h.DH[:])
	binary.BigEndian.PutUint32(data[32:36], h.PN)
	binary.BigEndian.PutUint32(data[36:40], h.N)
	if h.Handshake == nil {
		return data
	}
	data[40] = 1

	hs := h.Handshake
	off := headerFixedSize
	copy(data[off:off+32], hs.IdentityKey[:])
	copy(data[off+32:off+64], hs.EphemeralKey[:])
	if hs.HasOneTimeKey {
		data[off+64] = 1
	}
	binary.BigEndian.PutUint32(data[off+65:off+69], hs.OneTimeKeyID)
	binary.BigEndian.PutUint16(data[off+69:off+71], uint16(len(hs.KEMCiphertext)))
	copy(data[off+71:], hs.KEMCiphertext)
	return data
}

// ParseHeader decodes the canonical binary header form.
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < headerFixedSize {
		return nil, errors.New("header too short")
	}
	h := &Header{}
	copy(h.DH[:], data[0:32])
	h.PN = binary.BigEndian.Uint32(data[32:36])
	h.N = binary.BigEndian.Uint32(data[36:40])

	switch data[40] {
	case 0:
		if len(data) != headerFixedSize {
			return nil, errors.New("trailing header bytes")
		}
		return h, nil
	case 1:
	default:
		return nil, errors.New("invalid handshake flag")
	}

	off := headerFixedSize
	if len(data) < off+handshakeFixedSize {
		return nil, errors.New("handshake section too short")
	}
	hs := &Handshake{}
	copy(hs.IdentityKey[:], data[off:off+32])
	copy(hs.EphemeralKey[:], data[off+32:off+64])
	hs.HasOneTimeKey = data[off+64] == 1
	hs.OneTimeKeyID = binary.BigEndian.Uint32(data[off+65 : off+69])
	kemLen := int(binary.BigEndian.Uint16(data[off+69 : off+71]))
	if len(data) != off+handshakeFixedSize+kemLen {
		return nil, errors.New("kem ciphertext length mismatch")
	}
	if kemLen > 0 {
		hs.KEMCiphertext = append([]byte(nil), data[off+71:]...)
	}
	h.Handshake = hs
	return h, nil
}
