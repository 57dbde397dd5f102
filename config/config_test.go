package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/qiuyier/medlink-bus/internal/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
server:
  http_port: "9090"
  mode: debug
brokers:
  default:
    type: memory
    enable_dlq: true
    extra:
      history_limit: 50
      shutdown_timeout: 5s
  events:
    type: redis
    redis:
      addr: ${BUS_TEST_REDIS_ADDR}
      channel_prefix: "events:"
jwt:
  secret: ${BUS_TEST_JWT_SECRET}
  expire_time: 2h
ws:
  broker: default
  ping_interval: 10s
  pong_timeout: 20s
`

func TestLoad(t *testing.T) {
	t.Setenv("BUS_TEST_REDIS_ADDR", "localhost:6379")
	t.Setenv("BUS_TEST_JWT_SECRET", "0123456789abcdef0123")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.HTTPPort)
	assert.Equal(t, ModeDebug, cfg.Server.Mode)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)

	require.Len(t, cfg.Brokers, 2)
	def := cfg.Brokers["default"]
	assert.Equal(t, broker.TypeMemory, def.Type)
	assert.True(t, def.EnableDLQ)
	assert.Equal(t, 50, def.HistoryLimit())
	assert.Equal(t, 5*time.Second, def.ShutdownTimeout())

	events := cfg.Brokers["events"]
	assert.Equal(t, broker.TypeRedis, events.Type)
	assert.Equal(t, "localhost:6379", events.Redis.Addr)
	assert.Equal(t, "events:", events.Redis.ChannelPrefix)

	assert.Equal(t, "0123456789abcdef0123", cfg.JWT.Secret)
	assert.Equal(t, 2*time.Hour, cfg.JWT.ExpireTime)

	assert.Equal(t, 10*time.Second, cfg.WS.PingInterval)
	assert.Equal(t, 20*time.Second, cfg.WS.PongTimeout)
	assert.Equal(t, 5, cfg.WS.MaxConnPerUser)
	assert.Equal(t, int64(512*1024), cfg.WS.MaxMessageSize)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("jwt:\n  secret: 0123456789abcdef\n"))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.HTTPPort)
	assert.Equal(t, ModeRelease, cfg.Server.Mode)
	require.Contains(t, cfg.Brokers, "default")
	assert.Equal(t, broker.TypeMemory, cfg.Brokers["default"].Type)
	assert.Equal(t, "default", cfg.WS.Broker)
	assert.Equal(t, 24*time.Hour, cfg.JWT.ExpireTime)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "short secret",
			yaml:    "jwt:\n  secret: short\n",
			wantErr: "secret",
		},
		{
			name:    "bad mode",
			yaml:    "server:\n  mode: staging\njwt:\n  secret: 0123456789abcdef\n",
			wantErr: "mode",
		},
		{
			name:    "unknown broker type",
			yaml:    "brokers:\n  default:\n    type: zeromq\njwt:\n  secret: 0123456789abcdef\n",
			wantErr: "brokers.default",
		},
		{
			name:    "kafka without brokers",
			yaml:    "brokers:\n  default:\n    type: kafka\njwt:\n  secret: 0123456789abcdef\n",
			wantErr: "kafka.brokers",
		},
		{
			name:    "gateway broker missing",
			yaml:    "ws:\n  broker: nope\njwt:\n  secret: 0123456789abcdef\n",
			wantErr: "ws.broker",
		},
		{
			name:    "pong before ping",
			yaml:    "ws:\n  ping_interval: 30s\n  pong_timeout: 10s\njwt:\n  secret: 0123456789abcdef\n",
			wantErr: "pong_timeout",
		},
		{
			name:    "malformed yaml",
			yaml:    "server: [",
			wantErr: "parse config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
