package toxcall

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxcall/callerr"
	"github.com/opd-ai/toxcall/callstate"
	"github.com/opd-ai/toxcall/config"
	"github.com/opd-ai/toxcall/keystore"
	"github.com/opd-ai/toxcall/media"
	"github.com/opd-ai/toxcall/queue"
	"github.com/opd-ai/toxcall/session"
	"github.com/opd-ai/toxcall/transport"
)

// CallStateCallback is called for every call state transition.
type CallStateCallback func(state callstate.State)

// Client is one participant's calling endpoint: an orchestrator built from
// a Config, plus callback-style delivery of call states.
type Client struct {
	self  string
	cfg   *config.Config
	orch  *session.Orchestrator
	tr    transport.Transport
	cache queue.JobCache

	mu          sync.RWMutex
	onCallState CallStateCallback

	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error
}

// New builds a client for participant self. A nil cfg uses
// config.Default(). The client owns tr and closes it in Close. Extra
// session options are applied after the configuration.
func New(self string, cfg *config.Config, tr transport.Transport, engine media.Engine, opts ...session.Option) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tr == nil {
		return nil, transport.ErrNoTransport
	}
	logrus.SetLevel(cfg.Level())

	var cache queue.JobCache
	if cfg.Queue.CachePath != "" {
		sqlite, err := queue.OpenSQLiteCache(cfg.Queue.CachePath)
		if err != nil {
			return nil, fmt.Errorf("%w: job cache: %w", callerr.ErrConfiguration, err)
		}
		cache = sqlite
	}

	all := []session.Option{session.WithConfig(cfg)}
	if cache != nil {
		all = append(all, session.WithJobCache(cache))
	}
	all = append(all, opts...)

	orch, err := session.New(self, engine, tr, all...)
	if err != nil {
		if cache != nil {
			_ = cache.Close()
		}
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "New",
		"participant": self,
		"transport":   string(cfg.Transport.Kind),
		"durable":     cache != nil,
	}).Info("Created call client")

	return &Client{
		self:  self,
		cfg:   cfg,
		orch:  orch,
		tr:    tr,
		cache: cache,
		done:  make(chan struct{}),
	}, nil
}

// DialTransport connects the relay transport selected by cfg for
// participant self. Memory transports are created from a
// transport.Network instead.
func DialTransport(ctx context.Context, cfg *config.Config, self string) (transport.Transport, error) {
	switch cfg.Transport.Kind {
	case config.TransportNATS:
		return transport.DialNATS(cfg.Transport.URL, self, transport.NATSOptions{
			SubjectPrefix:   cfg.Transport.SubjectPrefix,
			Name:            "toxcall-" + self,
			CredentialsFile: cfg.Transport.CredentialsFile,
		})
	case config.TransportWebSocket:
		return transport.DialWebSocket(ctx, cfg.Transport.URL, self)
	default:
		return nil, fmt.Errorf("%w: cannot dial a %q transport", callerr.ErrConfiguration, cfg.Transport.Kind)
	}
}

// Start starts the orchestrator and begins delivering call states.
func (c *Client) Start(ctx context.Context) error {
	if err := c.orch.Start(ctx); err != nil {
		return err
	}
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.pumpStates()
	})
	return nil
}

// pumpStates forwards the state stream to the callback. Reset closes
// subscriptions, so a closed stream is resubscribed until Close.
func (c *Client) pumpStates() {
	defer c.wg.Done()
	for {
		sub := c.orch.Subscribe()
		if !c.drain(sub) {
			return
		}
	}
}

func (c *Client) drain(sub *callstate.Subscription) bool {
	defer sub.Cancel()
	for {
		select {
		case st, ok := <-sub.C():
			if !ok {
				select {
				case <-c.done:
					return false
				default:
					return true
				}
			}
			c.mu.RLock()
			cb := c.onCallState
			c.mu.RUnlock()
			if cb != nil {
				cb(st)
			}
		case <-c.done:
			return false
		}
	}
}

// OnCallState sets the callback for call state transitions.
func (c *Client) OnCallState(cb CallStateCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCallState = cb
}

// Participant returns the local participant id.
func (c *Client) Participant() string { return c.self }

// Config returns the client configuration.
func (c *Client) Config() *config.Config { return c.cfg }

// Orchestrator exposes the underlying orchestrator.
func (c *Client) Orchestrator() *session.Orchestrator { return c.orch }

// LocalProps returns the identity props to hand to a peer. Fetch fresh
// props for every peer: each carries its own one-time key.
func (c *Client) LocalProps() (keystore.IdentityProps, error) { return c.orch.LocalProps() }

// EncodedLocalProps returns LocalProps in wire form.
func (c *Client) EncodedLocalProps() ([]byte, error) { return c.orch.EncodedLocalProps() }

// AddPeer installs a peer's identity props for connectionID.
func (c *Client) AddPeer(connectionID string, props keystore.IdentityProps) error {
	return c.orch.CreateRecipientIdentity(connectionID, props)
}

// Call places a call to peer over connectionID.
func (c *Client) Call(ctx context.Context, call *callstate.Call, connectionID, peer string) error {
	return c.orch.StartCall(ctx, call, connectionID, peer)
}

// Answer accepts the current inbound call.
func (c *Client) Answer(ctx context.Context) error { return c.orch.Answer(ctx) }

// Decline rejects the current inbound call.
func (c *Client) Decline(ctx context.Context) error { return c.orch.Decline(ctx) }

// Hangup ends the current call.
func (c *Client) Hangup(ctx context.Context) error { return c.orch.Hangup(ctx) }

// Hold puts the current call on hold.
func (c *Client) Hold(ctx context.Context) error { return c.orch.Hold(ctx) }

// Resume resumes a held call.
func (c *Client) Resume(ctx context.Context) error { return c.orch.Resume(ctx) }

// SetVideo turns video on or off for the current call.
func (c *Client) SetVideo(ctx context.Context, enabled bool) error {
	return c.orch.SetVideo(ctx, enabled)
}

// DistributeFrameKey rotates the local media frame key.
func (c *Client) DistributeFrameKey(ctx context.Context, index uint32) error {
	return c.orch.DistributeFrameKey(ctx, index)
}

// State returns the current call state.
func (c *Client) State() callstate.State { return c.orch.State() }

// CurrentCall returns a copy of the current call, or nil.
func (c *Client) CurrentCall() *callstate.Call { return c.orch.Call() }

// Close ends the current call, shuts the orchestrator down and closes the
// transport and job cache.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		err := c.orch.Shutdown()
		close(c.done)
		c.wg.Wait()

		if terr := c.tr.Close(); terr != nil && err == nil {
			err = terr
		}
		if c.cache != nil {
			if cerr := c.cache.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		c.closeErr = err

		logrus.WithFields(logrus.Fields{
			"function":    "Close",
			"participant": c.self,
		}).Info("Closed call client")
	})
	return c.closeErr
}
