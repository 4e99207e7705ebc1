package queue

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/opd-ai/toxcall/callstate"
	"github.com/opd-ai/toxcall/signaling"
)

// TaskKind distinguishes outbound from inbound work.
type TaskKind uint8

const (
	// TaskWrite encrypts and sends a payload
	TaskWrite TaskKind = iota + 1
	// TaskStream decrypts and applies a received envelope
	TaskStream
)

// String returns a human-readable representation of the task kind.
func (k TaskKind) String() string {
	switch k {
	case TaskWrite:
		return "write"
	case TaskStream:
		return "stream"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// WriteTask is an outbound intent: encrypt Payload for ConnectionID and
// hand it to the transport.
type WriteTask struct {
	Payload      []byte          `cbor:"1,keyasint"`
	ConnectionID string          `cbor:"2,keyasint"`
	Flag         signaling.Flag  `cbor:"3,keyasint"`
	Call         *callstate.Call `cbor:"4,keyasint,omitempty"`
}

// StreamTask is an inbound encrypted envelope from SenderIdentity.
type StreamTask struct {
	SenderIdentity string          `cbor:"1,keyasint"`
	Packet         []byte          `cbor:"2,keyasint"`
	Call           *callstate.Call `cbor:"3,keyasint,omitempty"`
}

// Job is one unit of queued work.
type Job struct {
	ID          string      `cbor:"1,keyasint"`
	SequenceID  uint64      `cbor:"2,keyasint"`
	Write       *WriteTask  `cbor:"3,keyasint,omitempty"`
	Stream      *StreamTask `cbor:"4,keyasint,omitempty"`
	Attempts    int         `cbor:"5,keyasint"`
	SubmittedAt time.Time   `cbor:"6,keyasint"`
}

// Kind returns the kind of the job's task.
func (j *Job) Kind() TaskKind {
	if j.Write != nil {
		return TaskWrite
	}
	return TaskStream
}

// Call returns the call the job belongs to, if any.
func (j *Job) Call() *callstate.Call {
	if j.Write != nil {
		return j.Write.Call
	}
	if j.Stream != nil {
		return j.Stream.Call
	}
	return nil
}

func (j *Job) validate() error {
	if (j.Write == nil) == (j.Stream == nil) {
		return ErrInvalidTask
	}
	return nil
}

func encodeJob(j *Job) ([]byte, error) {
	return cbor.Marshal(j)
}

func decodeJob(data []byte) (*Job, error) {
	var j Job
	if err := cbor.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	if err := j.validate(); err != nil {
		return nil, err
	}
	return &j, nil
}
