package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "realtime.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoadConfig_Valid(t *testing.T) {
	path := writeConfig(t, `
binding: "127.0.0.1:8090"
instanceSecret: "test-secret"
broker:
  driver: redis
  address: "127.0.0.1:6379"
sessions:
  sendBufferSize: 64
  maxConnections: 100
rateLimiters:
  connection:
    limit: 5
    burst: 10
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8090", cfg.Binding)
	assert.Equal(t, BrokerDriverRedis, cfg.Broker.Driver)
	assert.Equal(t, 64, cfg.Sessions.SendBufferSize)
	assert.Equal(t, 100, cfg.Sessions.MaxConnections)

	// Omitted tunables pick up defaults.
	assert.Equal(t, int64(DefaultReadLimit), cfg.Sessions.ReadLimit)
	assert.Equal(t, DefaultPublishLimit, cfg.RateLimiters.Publish.Limit)
	assert.Equal(t, 5.0, cfg.RateLimiters.Connection.Limit)
}

func TestLoadConfig_Validation(t *testing.T) {
	testCases := []struct {
		name     string
		contents string
		wantErr  error
	}{
		{
			name:     "missing binding",
			contents: "instanceSecret: s\nbroker:\n  driver: memory\n",
			wantErr:  ErrBindingMissing,
		},
		{
			name:     "missing instance secret",
			contents: "binding: \"127.0.0.1:8090\"\nbroker:\n  driver: memory\n",
			wantErr:  ErrInstanceSecretMissing,
		},
		{
			name:     "unknown broker driver",
			contents: "binding: \"127.0.0.1:8090\"\ninstanceSecret: s\nbroker:\n  driver: kafka\n",
			wantErr:  ErrBrokerDriverUnknown,
		},
		{
			name:     "redis driver without address",
			contents: "binding: \"127.0.0.1:8090\"\ninstanceSecret: s\nbroker:\n  driver: redis\n",
			wantErr:  ErrBrokerAddressMissing,
		},
		{
			name:     "not yaml",
			contents: "{{{",
			wantErr:  ErrConfigFileUnmarshallable,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.contents))
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, ErrConfigFileUnreadable)
}
