package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxcall/callstate"
)

// DefaultSubjectPrefix is the subject namespace used by NATSRelay.
const DefaultSubjectPrefix = "toxcall.peer"

// NATSOptions configures a NATSRelay.
type NATSOptions struct {
	// SubjectPrefix namespaces per-participant subjects.
	SubjectPrefix string
	// Name is reported to the server as the client name.
	Name            string
	ReconnectWait   time.Duration
	MaxReconnects   int
	CredentialsFile string
}

// NATSRelay is a Transport publishing relay frames on per-participant
// subjects. Each participant subscribes to its own subject.
type NATSRelay struct {
	conn   *nats.Conn
	owned  bool
	self   string
	prefix string

	mu         sync.RWMutex
	sub        *nats.Subscription
	onEnvelope EnvelopeHandler
	onEnded    EndedHandler
	closed     bool
}

var _ Transport = (*NATSRelay)(nil)

// DialNATS connects to url and subscribes participant self.
func DialNATS(url, self string, opts NATSOptions) (*NATSRelay, error) {
	natsOpts := []nats.Option{
		nats.Name(opts.Name),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logrus.WithFields(logrus.Fields{
				"function": "DialNATS",
				"error":    fmt.Sprint(err),
			}).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logrus.WithFields(logrus.Fields{
				"function": "DialNATS",
				"url":      nc.ConnectedUrl(),
			}).Info("NATS reconnected")
		}),
	}
	if opts.ReconnectWait > 0 {
		natsOpts = append(natsOpts, nats.ReconnectWait(opts.ReconnectWait))
	}
	if opts.MaxReconnects != 0 {
		natsOpts = append(natsOpts, nats.MaxReconnects(opts.MaxReconnects))
	}
	if opts.CredentialsFile != "" {
		natsOpts = append(natsOpts, nats.UserCredentials(opts.CredentialsFile))
	}

	conn, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, wrapNetwork("connect to NATS", err)
	}
	r, err := NewNATSRelay(conn, self, opts.SubjectPrefix)
	if err != nil {
		conn.Close()
		return nil, err
	}
	r.owned = true
	return r, nil
}

// NewNATSRelay subscribes self on an existing connection. The connection
// stays owned by the caller.
func NewNATSRelay(conn *nats.Conn, self, prefix string) (*NATSRelay, error) {
	if self == "" {
		return nil, fmt.Errorf("%w: empty participant", ErrNoTransport)
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	r := &NATSRelay{conn: conn, self: self, prefix: prefix}
	sub, err := conn.Subscribe(r.Subject(self), r.handle)
	if err != nil {
		return nil, wrapNetwork("subscribe", err)
	}
	r.sub = sub

	logrus.WithFields(logrus.Fields{
		"function": "NewNATSRelay",
		"subject":  r.Subject(self),
	}).Debug("Subscribed to NATS relay subject")
	return r, nil
}

// Subject returns the subject participant receives on.
func (r *NATSRelay) Subject(participant string) string {
	return subjectFor(r.prefix, participant)
}

func subjectFor(prefix, participant string) string {
	return prefix + "." + participant
}

func (r *NATSRelay) handle(msg *nats.Msg) {
	f, err := UnmarshalFrame(msg.Data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handle",
			"subject":  msg.Subject,
			"error":    err.Error(),
		}).Warn("Dropping malformed relay frame")
		return
	}
	if f.To != r.self {
		return
	}
	r.mu.RLock()
	onEnvelope, onEnded := r.onEnvelope, r.onEnded
	r.mu.RUnlock()
	dispatch(f, onEnvelope, onEnded)
}

func (r *NATSRelay) publish(f Frame) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	data, err := f.Marshal()
	if err != nil {
		return err
	}
	return wrapNetwork("publish", r.conn.Publish(r.Subject(f.To), data))
}

// SendEnvelope publishes data on the recipient's subject.
func (r *NATSRelay) SendEnvelope(ctx context.Context, to, connectionID string, data []byte, call *callstate.Call) error {
	if err := ctx.Err(); err != nil {
		return wrapNetwork("send", err)
	}
	f := Frame{Kind: FrameEnvelope, From: r.self, To: to, ConnectionID: connectionID, Data: data}
	if call != nil {
		f.CallID = call.SharedCommunicationID
	}
	return r.publish(f)
}

// NotifyCallEnded publishes a call-ended notice to every other participant.
func (r *NATSRelay) NotifyCallEnded(call *callstate.Call, reason callstate.EndReason) {
	for _, p := range peers(call, r.self) {
		f := Frame{Kind: FrameEnded, From: r.self, To: p, CallID: call.SharedCommunicationID, Reason: reason}
		if err := r.publish(f); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "NotifyCallEnded",
				"to":       p,
				"error":    err.Error(),
			}).Warn("Failed to publish call-ended notice")
		}
	}
}

// OnEnvelope installs the receive handler.
func (r *NATSRelay) OnEnvelope(handler EnvelopeHandler) {
	r.mu.Lock()
	r.onEnvelope = handler
	r.mu.Unlock()
}

// OnCallEnded installs the handler for call-ended notices.
func (r *NATSRelay) OnCallEnded(handler EndedHandler) {
	r.mu.Lock()
	r.onEnded = handler
	r.mu.Unlock()
}

// Close unsubscribes and, for relays created by DialNATS, closes the connection.
func (r *NATSRelay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sub := r.sub
	r.mu.Unlock()

	var err error
	if sub != nil {
		err = sub.Unsubscribe()
	}
	if r.owned {
		r.conn.Close()
	}
	return wrapNetwork("unsubscribe", err)
}
