package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pulse.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

const validYAML = `
httpBinding: "127.0.0.1:9000"
logLevel: debug
sessions:
  eventChannelSize: 1024
  sendBufferSize: 128
  webSocketReadBufferSize: 1024
  webSocketWriteBufferSize: 1024
  maxConnections: 500
rateLimiters:
  registrations:
    limit: 10
    burst: 20
  events:
    limit: 50
    burst: 100
  default:
    limit: 25
    burst: 50
registration:
  allowRejoin: false
reconnect:
  maxAttempts: 8
  baseDelay: 250ms
  maxDelay: 30s
storage:
  driver: memory
cache:
  snapshotTTL: 5m
`

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.HttpBinding)
	assert.Equal(t, 500, cfg.Sessions.MaxConnections)
	assert.False(t, cfg.Registration.AllowRejoin)
	assert.Equal(t, 8, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Reconnect.BaseDelay)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Cache.SnapshotTTL)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorIs(t, err, ErrConfigFileUnreadable)
}

func TestLoadConfigBadYAML(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "httpBinding: [unterminated"))
	require.ErrorIs(t, err, ErrConfigFileUnmarshallable)
}

func TestValidateFailures(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Service)
		wantErr error
	}{
		{"missing binding", func(c *Service) { c.HttpBinding = "" }, ErrHttpBindingMissing},
		{"bad driver", func(c *Service) { c.Storage.Driver = "etcd" }, ErrStorageDriverInvalid},
		{"postgres without host", func(c *Service) {
			c.Storage.Driver = DriverPostgres
			c.Storage.Postgres.DBName = "pulse"
		}, ErrStoragePostgresHostMissing},
		{"zero send buffer", func(c *Service) { c.Sessions.SendBufferSize = 0 }, ErrSessionsSendBufferSizeMissing},
		{"zero max connections", func(c *Service) { c.Sessions.MaxConnections = 0 }, ErrSessionsMaxConnectionsMissing},
		{"no registration limiter", func(c *Service) { c.RateLimiters.Registrations.Limit = 0 }, ErrRateLimitersRegistrationsMissing},
		{"no reconnect attempts", func(c *Service) { c.Reconnect.MaxAttempts = 0 }, ErrReconnectMaxAttemptsMissing},
		{"delay ordering", func(c *Service) {
			c.Reconnect.BaseDelay = time.Minute
			c.Reconnect.MaxDelay = time.Second
		}, ErrReconnectDelayOrdering},
		{"negative snapshot ttl", func(c *Service) { c.Cache.SnapshotTTL = -time.Second }, ErrCacheSnapshotTTLNegative},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			require.ErrorIs(t, cfg.Validate(), tc.wantErr)
		})
	}
}

func TestZeroSnapshotTTLMeansNeverExpire(t *testing.T) {
	cfg := Default()
	cfg.Cache.SnapshotTTL = 0
	require.NoError(t, cfg.Validate())
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}
