package keystore

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/opd-ai/toxcall/ratchet"
)

// IdentityProps is the public half of an identity bundle, exchanged with
// peers out of band (Call.SignalingIdentityProps).
type IdentityProps struct {
	LongTermPublic [32]byte `cbor:"1,keyasint"`
	OneTimePublic  [32]byte `cbor:"2,keyasint"`
	OneTimeID      uint32   `cbor:"3,keyasint"`
	HasOneTime     bool     `cbor:"4,keyasint"`
	KEMPublic      []byte   `cbor:"5,keyasint"`
}

// Validate checks that the props can bootstrap a session.
func (p IdentityProps) Validate() error {
	var zero [32]byte
	if p.LongTermPublic == zero || len(p.KEMPublic) == 0 {
		return ErrInvalidProps
	}
	if p.HasOneTime && p.OneTimePublic == zero {
		return ErrInvalidProps
	}
	return nil
}

// Encode serializes the props with CBOR.
func (p IdentityProps) Encode() ([]byte, error) {
	return cbor.Marshal(p)
}

// DecodeIdentityProps parses props produced by Encode and validates them.
func DecodeIdentityProps(data []byte) (IdentityProps, error) {
	var p IdentityProps
	if err := cbor.Unmarshal(data, &p); err != nil {
		return IdentityProps{}, fmt.Errorf("%w: %v", ErrInvalidProps, err)
	}
	if err := p.Validate(); err != nil {
		return IdentityProps{}, err
	}
	return p, nil
}

// RemoteKeys converts the props into ratchet initiator input.
func (p IdentityProps) RemoteKeys() ratchet.RemoteKeys {
	return ratchet.RemoteKeys{
		IdentityKey:   p.LongTermPublic,
		OneTimeKey:    p.OneTimePublic,
		OneTimeKeyID:  p.OneTimeID,
		HasOneTimeKey: p.HasOneTime,
		KEMPublic:     append([]byte(nil), p.KEMPublic...),
	}
}

// Equal reports whether two props describe the same keys.
func (p IdentityProps) Equal(o IdentityProps) bool {
	return p.LongTermPublic == o.LongTermPublic &&
		p.OneTimePublic == o.OneTimePublic &&
		p.OneTimeID == o.OneTimeID &&
		p.HasOneTime == o.HasOneTime &&
		string(p.KEMPublic) == string(o.KEMPublic)
}
