package transport

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/opd-ai/toxcall/callerr"
	"github.com/opd-ai/toxcall/callstate"
	"github.com/opd-ai/toxcall/limits"
)

// FrameKind distinguishes relay frames.
type FrameKind uint8

const (
	// FrameEnvelope carries an encrypted envelope.
	FrameEnvelope FrameKind = iota + 1
	// FrameEnded carries a call-ended notice.
	FrameEnded
)

// ErrInvalidFrame is returned for frames that fail to decode or validate.
var ErrInvalidFrame = fmt.Errorf("%w: invalid relay frame", callerr.ErrNetwork)

// Frame is the relay wire unit shared by the NATS and WebSocket relays.
type Frame struct {
	Kind         FrameKind           `cbor:"1,keyasint"`
	From         string              `cbor:"2,keyasint"`
	To           string              `cbor:"3,keyasint"`
	ConnectionID string              `cbor:"4,keyasint,omitempty"`
	CallID       string              `cbor:"5,keyasint,omitempty"`
	Data         []byte              `cbor:"6,keyasint,omitempty"`
	Reason       callstate.EndReason `cbor:"7,keyasint,omitempty"`
}

func (f *Frame) validate() error {
	switch f.Kind {
	case FrameEnvelope:
		if len(f.Data) == 0 {
			return fmt.Errorf("%w: empty envelope", ErrInvalidFrame)
		}
		if err := limits.ValidateEnvelope(f.Data); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidFrame, err)
		}
	case FrameEnded:
	default:
		return fmt.Errorf("%w: kind %d", ErrInvalidFrame, f.Kind)
	}
	if f.From == "" || f.To == "" {
		return fmt.Errorf("%w: missing route", ErrInvalidFrame)
	}
	return nil
}

// Marshal validates and encodes the frame.
func (f *Frame) Marshal() ([]byte, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	return cbor.Marshal(f)
}

// UnmarshalFrame decodes and validates a frame.
func UnmarshalFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := cbor.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// dispatch hands a decoded frame to the matching handler.
func dispatch(f *Frame, onEnvelope EnvelopeHandler, onEnded EndedHandler) {
	switch f.Kind {
	case FrameEnvelope:
		if onEnvelope != nil {
			onEnvelope(f.From, f.ConnectionID, f.Data)
		}
	case FrameEnded:
		if onEnded != nil {
			onEnded(f.From, f.CallID, f.Reason)
		}
	}
}
