package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/opd-ai/toxcall/callerr"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TOXCALL_"

// ErrInvalidConfig is returned by Load and Validate for unusable settings.
var ErrInvalidConfig = fmt.Errorf("%w: invalid config", callerr.ErrConfiguration)

// FrameKeyMode selects how media frame keys are installed.
type FrameKeyMode string

const (
	// FrameKeyShared installs every sender's key under one shared id.
	FrameKeyShared FrameKeyMode = "shared"
	// FrameKeyPerParticipant installs keys under the sending participant.
	FrameKeyPerParticipant FrameKeyMode = "per_participant"
)

// SharedFrameKeyID is the participant id keys are installed under in shared mode.
const SharedFrameKeyID = "shared"

// TransportKind selects the transport adapter.
type TransportKind string

const (
	TransportMemory    TransportKind = "memory"
	TransportNATS      TransportKind = "nats"
	TransportWebSocket TransportKind = "websocket"
)

// Config holds the client configuration.
type Config struct {
	ICEServers             []ICEServer  `yaml:"ice_servers"`
	FrameEncryptionKeyMode FrameKeyMode `yaml:"frame_encryption_key_mode"`
	// RatchetSalt is mixed into the handshake key derivation. Both peers
	// must use the same value.
	RatchetSalt string `yaml:"ratchet_salt"`
	LogLevel    string `yaml:"log_level"`

	Queue       QueueConfig       `yaml:"queue"`
	Teardown    TeardownConfig    `yaml:"teardown"`
	Negotiation NegotiationConfig `yaml:"negotiation"`
	Keys        KeysConfig        `yaml:"keys"`
	Transport   TransportConfig   `yaml:"transport"`
}

// ICEServer is one STUN or TURN server.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

// QueueConfig holds job queue settings.
type QueueConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	// CachePath is the SQLite job cache file. Empty keeps jobs in memory.
	CachePath string `yaml:"cache_path"`
}

// TeardownConfig holds teardown bookkeeping settings.
type TeardownConfig struct {
	HistoryCapacity int `yaml:"history_capacity"`
}

// NegotiationConfig bounds waits on peer-driven preconditions.
type NegotiationConfig struct {
	RemoteDescriptionAttempts int           `yaml:"remote_description_attempts"`
	RemoteDescriptionInterval time.Duration `yaml:"remote_description_interval"`
}

// KeysConfig holds identity key settings.
type KeysConfig struct {
	OneTimeKeyCount int           `yaml:"one_time_key_count"`
	ParkedTTL       time.Duration `yaml:"parked_ttl"`
}

// TransportConfig selects and configures the envelope transport.
type TransportConfig struct {
	Kind            TransportKind `yaml:"kind"`
	URL             string        `yaml:"url"`
	SubjectPrefix   string        `yaml:"subject_prefix"`
	CredentialsFile string        `yaml:"credentials_file"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		ICEServers: []ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		FrameEncryptionKeyMode: FrameKeyPerParticipant,
		RatchetSalt:            "toxcall.ratchet.salt.v1",
		LogLevel:               "info",
		Queue: QueueConfig{
			MaxAttempts: 8,
		},
		Teardown: TeardownConfig{
			HistoryCapacity: 128,
		},
		Negotiation: NegotiationConfig{
			RemoteDescriptionAttempts: 10,
			RemoteDescriptionInterval: 100 * time.Millisecond,
		},
		Keys: KeysConfig{
			OneTimeKeyCount: 16,
			ParkedTTL:       5 * time.Minute,
		},
		Transport: TransportConfig{
			Kind: TransportMemory,
		},
	}
}

// Load reads path over the defaults, then applies .env and environment
// overrides and validates the result. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			logrus.WithFields(logrus.Fields{
				"function": "Load",
				"path":     path,
			}).Info("Config file not found, using defaults")
		case err != nil:
			return nil, fmt.Errorf("%w: read %s: %w", ErrInvalidConfig, path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("%w: parse %s: %w", ErrInvalidConfig, path, err)
			}
		}
	}

	// A missing .env file is normal.
	_ = godotenv.Load()

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from TOXCALL_* environment variables.
func (c *Config) ApplyEnv() error {
	setString(&c.RatchetSalt, "RATCHET_SALT")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.Queue.CachePath, "QUEUE_CACHE_PATH")
	setString(&c.Transport.URL, "TRANSPORT_URL")
	setString(&c.Transport.SubjectPrefix, "TRANSPORT_SUBJECT_PREFIX")
	setString(&c.Transport.CredentialsFile, "TRANSPORT_CREDENTIALS_FILE")

	if v, ok := lookup("FRAME_ENCRYPTION_KEY_MODE"); ok {
		c.FrameEncryptionKeyMode = FrameKeyMode(v)
	}
	if v, ok := lookup("TRANSPORT_KIND"); ok {
		c.Transport.Kind = TransportKind(v)
	}
	if v, ok := lookup("ICE_URLS"); ok {
		c.ICEServers = nil
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				c.ICEServers = append(c.ICEServers, ICEServer{URLs: []string{u}})
			}
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"QUEUE_MAX_ATTEMPTS", &c.Queue.MaxAttempts},
		{"TEARDOWN_HISTORY_CAPACITY", &c.Teardown.HistoryCapacity},
		{"NEGOTIATION_REMOTE_DESCRIPTION_ATTEMPTS", &c.Negotiation.RemoteDescriptionAttempts},
		{"KEYS_ONE_TIME_KEY_COUNT", &c.Keys.OneTimeKeyCount},
	}
	for _, f := range ints {
		v, ok := lookup(f.key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s%s: %w", ErrInvalidConfig, EnvPrefix, f.key, err)
		}
		*f.dst = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"NEGOTIATION_REMOTE_DESCRIPTION_INTERVAL", &c.Negotiation.RemoteDescriptionInterval},
		{"KEYS_PARKED_TTL", &c.Keys.ParkedTTL},
	}
	for _, f := range durations {
		v, ok := lookup(f.key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s%s: %w", ErrInvalidConfig, EnvPrefix, f.key, err)
		}
		*f.dst = d
	}
	return nil
}

func lookup(key string) (string, bool) {
	return os.LookupEnv(EnvPrefix + key)
}

func setString(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

// Validate reports the first unusable setting.
func (c *Config) Validate() error {
	switch c.FrameEncryptionKeyMode {
	case FrameKeyShared, FrameKeyPerParticipant:
	default:
		return fmt.Errorf("%w: frame_encryption_key_mode %q", ErrInvalidConfig, c.FrameEncryptionKeyMode)
	}
	if c.RatchetSalt == "" {
		return fmt.Errorf("%w: ratchet_salt is empty", ErrInvalidConfig)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level: %w", ErrInvalidConfig, err)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("%w: queue.max_attempts must be positive", ErrInvalidConfig)
	}
	if c.Teardown.HistoryCapacity < 1 {
		return fmt.Errorf("%w: teardown.history_capacity must be positive", ErrInvalidConfig)
	}
	if c.Negotiation.RemoteDescriptionAttempts < 1 || c.Negotiation.RemoteDescriptionInterval <= 0 {
		return fmt.Errorf("%w: negotiation bounds must be positive", ErrInvalidConfig)
	}
	if c.Keys.OneTimeKeyCount < 1 {
		return fmt.Errorf("%w: keys.one_time_key_count must be positive", ErrInvalidConfig)
	}
	for i, s := range c.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("%w: ice_servers[%d] has no urls", ErrInvalidConfig, i)
		}
	}
	switch c.Transport.Kind {
	case TransportMemory:
	case TransportNATS, TransportWebSocket:
		if c.Transport.URL == "" {
			return fmt.Errorf("%w: transport.url required for %s", ErrInvalidConfig, c.Transport.Kind)
		}
	default:
		return fmt.Errorf("%w: transport.kind %q", ErrInvalidConfig, c.Transport.Kind)
	}
	return nil
}

// Level returns the parsed log level, defaulting to Info.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// WebRTCICEServers converts the ICE server list for pion.
func (c *Config) WebRTCICEServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, s := range c.ICEServers {
		srv := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...), Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}
