package session

import (
	"time"

	"github.com/opd-ai/toxcall/config"
	"github.com/opd-ai/toxcall/media"
	"github.com/opd-ai/toxcall/queue"
)

// Options configures an Orchestrator. The zero value of a field selects
// its default.
type Options struct {
	FrameKeyMode config.FrameKeyMode
	RatchetSalt  []byte

	// MaxAttempts is the retry budget of a paused job.
	MaxAttempts int
	// Cache persists queued jobs. Nil keeps them in memory.
	Cache queue.JobCache

	// HistoryCapacity bounds each teardown key space.
	HistoryCapacity int

	RemoteDescriptionAttempts int
	RemoteDescriptionInterval time.Duration

	OneTimeKeyCount int
	ParkedTTL       time.Duration

	// ParticipantResolver maps media stream ids to participant ids.
	ParticipantResolver func(streamID string) string
	// OnTrack observes remote tracks after participant resolution.
	OnTrack func(connectionID string, track media.Track)
	// OnData observes data channel messages.
	OnData func(connectionID, label string, data []byte)
}

// Option mutates Options.
type Option func(*Options)

func defaultOptions() Options {
	d := config.Default()
	return fromConfig(d)
}

// normalize replaces zero and negative settings with their defaults.
func (o *Options) normalize() {
	d := defaultOptions()
	if o.FrameKeyMode != config.FrameKeyShared {
		o.FrameKeyMode = config.FrameKeyPerParticipant
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.HistoryCapacity <= 0 {
		o.HistoryCapacity = d.HistoryCapacity
	}
	if o.RemoteDescriptionAttempts <= 0 {
		o.RemoteDescriptionAttempts = d.RemoteDescriptionAttempts
	}
	if o.RemoteDescriptionInterval <= 0 {
		o.RemoteDescriptionInterval = d.RemoteDescriptionInterval
	}
	if o.OneTimeKeyCount <= 0 {
		o.OneTimeKeyCount = d.OneTimeKeyCount
	}
	if o.ParkedTTL <= 0 {
		o.ParkedTTL = d.ParkedTTL
	}
}

func fromConfig(c *config.Config) Options {
	return Options{
		FrameKeyMode:              c.FrameEncryptionKeyMode,
		RatchetSalt:               []byte(c.RatchetSalt),
		MaxAttempts:               c.Queue.MaxAttempts,
		HistoryCapacity:           c.Teardown.HistoryCapacity,
		RemoteDescriptionAttempts: c.Negotiation.RemoteDescriptionAttempts,
		RemoteDescriptionInterval: c.Negotiation.RemoteDescriptionInterval,
		OneTimeKeyCount:           c.Keys.OneTimeKeyCount,
		ParkedTTL:                 c.Keys.ParkedTTL,
	}
}

// WithConfig applies every setting of cfg. Callbacks and the job cache
// set by other options are kept.
func WithConfig(cfg *config.Config) Option {
	return func(o *Options) {
		if cfg == nil {
			return
		}
		c := fromConfig(cfg)
		c.Cache = o.Cache
		c.ParticipantResolver = o.ParticipantResolver
		c.OnTrack = o.OnTrack
		c.OnData = o.OnData
		*o = c
	}
}

// WithJobCache persists queued jobs in cache.
func WithJobCache(cache queue.JobCache) Option {
	return func(o *Options) { o.Cache = cache }
}

// WithParticipantResolver maps raw media stream ids to participant ids
// before tracks are reported.
func WithParticipantResolver(fn func(streamID string) string) Option {
	return func(o *Options) { o.ParticipantResolver = fn }
}

// WithFrameKeyMode selects shared or per-participant frame keys.
func WithFrameKeyMode(mode config.FrameKeyMode) Option {
	return func(o *Options) { o.FrameKeyMode = mode }
}

// WithMaxAttempts sets the retry budget of paused jobs.
func WithMaxAttempts(n int) Option {
	return func(o *Options) { o.MaxAttempts = n }
}

// WithNegotiationBounds sets the polling budget for peer-driven
// preconditions.
func WithNegotiationBounds(attempts int, interval time.Duration) Option {
	return func(o *Options) {
		o.RemoteDescriptionAttempts = attempts
		o.RemoteDescriptionInterval = interval
	}
}

// WithHistoryCapacity bounds the teardown history.
func WithHistoryCapacity(n int) Option {
	return func(o *Options) { o.HistoryCapacity = n }
}

// WithTrackHandler observes remote tracks.
func WithTrackHandler(fn func(connectionID string, track media.Track)) Option {
	return func(o *Options) { o.OnTrack = fn }
}

// WithDataHandler observes data channel messages.
func WithDataHandler(fn func(connectionID, label string, data []byte)) Option {
	return func(o *Options) { o.OnData = fn }
}
