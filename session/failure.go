package session

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxcall/callerr"
	"github.com/opd-ai/toxcall/callstate"
	"github.com/opd-ai/toxcall/connection"
	"github.com/opd-ai/toxcall/queue"
	"github.com/opd-ai/toxcall/ratchet"
	"github.com/opd-ai/toxcall/signaling"
)

// RatchetExhaustedReason is the failure reason of a call whose signaling
// job used up its retry budget on ratchet errors.
const RatchetExhaustedReason = "ratchet retry budget exhausted"

// onJobFailure runs for every job the queue removed without success.
func (o *Orchestrator) onJobFailure(job *queue.Job, err error) {
	class := callerr.Classify(err)
	if job.Stream != nil && class == callerr.ClassIdentity {
		o.park(job)
		return
	}
	if job.Stream != nil && (errors.Is(err, ratchet.ErrForged) || errors.Is(err, ratchet.ErrDuplicate)) {
		logrus.WithFields(logrus.Fields{
			"function":      "onJobFailure",
			"job_id":        job.ID,
			"connection_id": packetConnection(job.Stream.Packet),
			"error":         err.Error(),
		}).Warn("Dropped envelope that failed authentication or was replayed")
		return
	}

	call := job.Call()
	if call == nil {
		return
	}
	var cause callstate.FailureCause
	reason := err.Error()
	switch class {
	case callerr.ClassRatchet:
		cause, reason = callstate.CauseRatchet, RatchetExhaustedReason
	case callerr.ClassIdentity:
		cause = callstate.CauseUnknown
	case callerr.ClassMedia:
		cause = callstate.CauseMedia
	case callerr.ClassNetwork:
		cause = callstate.CauseNetwork
	default:
		return
	}

	var dir *callstate.Direction
	if current, d := o.current(); current != nil && current.SharedCommunicationID == call.SharedCommunicationID {
		call, dir = current, d
	}
	if ferr := o.fail(o.context(), call, dir, cause, reason); ferr != nil {
		logrus.WithFields(logrus.Fields{
			"function": "onJobFailure",
			"job_id":   job.ID,
			"error":    ferr.Error(),
		}).Warn("Teardown did not finish")
	}
}

// park moves an envelope that gave up waiting for its sender's identity
// into the key store, along with every later envelope of the same
// connection, so CreateRecipientIdentity replays them in order.
func (o *Orchestrator) park(job *queue.Job) {
	connID := packetConnection(job.Stream.Packet)
	if connID == "" {
		return
	}

	packets := [][]byte{job.Stream.Packet}
	later := make(map[string]struct{})
	for _, p := range o.queue.Pending() {
		if p.Stream == nil || p.ID == job.ID {
			continue
		}
		if packetConnection(p.Stream.Packet) == connID {
			later[p.ID] = struct{}{}
			packets = append(packets, p.Stream.Packet)
		}
	}
	if len(later) > 0 {
		o.queue.Purge(func(j *queue.Job) bool {
			_, ok := later[j.ID]
			return ok
		})
	}

	parked := 0
	for _, data := range packets {
		if err := o.keys.Park(connID, data); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":      "park",
				"connection_id": connID,
				"error":         err.Error(),
			}).Warn("Dropping envelope")
			continue
		}
		parked++
	}
	logrus.WithFields(logrus.Fields{
		"function":      "park",
		"connection_id": connID,
		"parked":        parked,
	}).Info("Parked envelopes until the sender identity exists")
}

func packetConnection(data []byte) string {
	env, err := signaling.UnmarshalEnvelope(data)
	if err != nil {
		return ""
	}
	return connection.NormalizeID(env.ConnectionID)
}
