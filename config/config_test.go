package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/toxcall/callerr"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8, cfg.Queue.MaxAttempts)
	assert.Equal(t, 128, cfg.Teardown.HistoryCapacity)
	assert.Equal(t, 10, cfg.Negotiation.RemoteDescriptionAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Negotiation.RemoteDescriptionInterval)
	assert.Equal(t, 16, cfg.Keys.OneTimeKeyCount)
	assert.Equal(t, logrus.InfoLevel, cfg.Level())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Queue, cfg.Queue)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toxcall.yaml")
	doc := `
ice_servers:
  - urls: ["turn:turn.example.org:3478"]
    username: alice
    credential: secret
frame_encryption_key_mode: shared
ratchet_salt: test-salt
log_level: debug
queue:
  max_attempts: 3
  cache_path: /tmp/jobs.db
negotiation:
  remote_description_attempts: 4
  remote_description_interval: 250ms
transport:
  kind: websocket
  url: ws://relay.example.org/ws
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, FrameKeyShared, cfg.FrameEncryptionKeyMode)
	assert.Equal(t, "test-salt", cfg.RatchetSalt)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, "/tmp/jobs.db", cfg.Queue.CachePath)
	assert.Equal(t, 250*time.Millisecond, cfg.Negotiation.RemoteDescriptionInterval)
	assert.Equal(t, 128, cfg.Teardown.HistoryCapacity, "unset fields keep defaults")
	assert.Equal(t, logrus.DebugLevel, cfg.Level())

	servers := cfg.WebRTCICEServers()
	require.Len(t, servers, 1)
	assert.Equal(t, "alice", servers[0].Username)
	assert.Equal(t, "secret", servers[0].Credential)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue: [unclosed"), 0o600))
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, callerr.ClassConfiguration, callerr.Classify(err))
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("TOXCALL_QUEUE_MAX_ATTEMPTS", "5")
	t.Setenv("TOXCALL_ICE_URLS", "stun:a.example.org, stun:b.example.org")
	t.Setenv("TOXCALL_FRAME_ENCRYPTION_KEY_MODE", "shared")
	t.Setenv("TOXCALL_NEGOTIATION_REMOTE_DESCRIPTION_INTERVAL", "1s")

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, FrameKeyShared, cfg.FrameEncryptionKeyMode)
	assert.Equal(t, time.Second, cfg.Negotiation.RemoteDescriptionInterval)
	require.Len(t, cfg.ICEServers, 2)
	assert.Equal(t, []string{"stun:b.example.org"}, cfg.ICEServers[1].URLs)

	t.Setenv("TOXCALL_KEYS_ONE_TIME_KEY_COUNT", "many")
	assert.ErrorIs(t, Default().ApplyEnv(), ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"key mode", func(c *Config) { c.FrameEncryptionKeyMode = "both" }},
		{"salt", func(c *Config) { c.RatchetSalt = "" }},
		{"log level", func(c *Config) { c.LogLevel = "loud" }},
		{"attempts", func(c *Config) { c.Queue.MaxAttempts = 0 }},
		{"history", func(c *Config) { c.Teardown.HistoryCapacity = 0 }},
		{"negotiation", func(c *Config) { c.Negotiation.RemoteDescriptionInterval = 0 }},
		{"one-time keys", func(c *Config) { c.Keys.OneTimeKeyCount = 0 }},
		{"ice urls", func(c *Config) { c.ICEServers = []ICEServer{{}} }},
		{"transport kind", func(c *Config) { c.Transport.Kind = "carrier-pigeon" }},
		{"transport url", func(c *Config) { c.Transport.Kind = TransportNATS }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}
