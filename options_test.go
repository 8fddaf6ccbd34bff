package redisnode

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMasterAddr(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{input: "localhost:6379", want: "localhost:6379"},
		{input: "localhost 6379", want: "localhost:6379"},
		{input: "  10.0.0.1   6380 ", want: "10.0.0.1:6380"},
		{input: "::1 6379", want: "[::1]:6379"},
		{input: "[::1]:6379", want: "[::1]:6379"},
		{input: "localhost", wantErr: true},
		{input: "localhost six", wantErr: true},
		{input: "localhost 0", wantErr: true},
		{input: "localhost:70000", wantErr: true},
		{input: ":6379", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseMasterAddr(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidConfig)

				var connErr *ConnectionError
				assert.True(t, errors.As(err, &connErr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOptionsApply(t *testing.T) {
	cfg := defaultConfig()
	assert.Equal(t, ":6379", cfg.addr)
	assert.True(t, cfg.scripting)
	assert.Empty(t, cfg.replicaOf)
	assert.Equal(t, 30*time.Second, cfg.syncTimeout)

	opts := []Option{
		WithPort(6380),
		WithReplicaOf("primary 6379"),
		WithConnectTimeout(2 * time.Second),
		WithSyncTimeout(time.Minute),
		WithScriptTimeout(time.Second),
		WithReplicaBacklog(16),
		WithStoreShards(4),
		WithScripting(false),
	}
	for _, opt := range opts {
		require.NoError(t, opt(cfg))
	}

	assert.Equal(t, ":6380", cfg.addr)
	assert.Equal(t, "primary:6379", cfg.replicaOf)
	assert.Equal(t, 2*time.Second, cfg.connectTimeout)
	assert.Equal(t, time.Minute, cfg.syncTimeout)
	assert.Equal(t, time.Second, cfg.scriptTimeout)
	assert.Equal(t, 16, cfg.replicaBacklog)
	assert.Equal(t, 4, cfg.storeShards)
	assert.False(t, cfg.scripting)
}

func TestConvertFields(t *testing.T) {
	fields := convertFields("addr", "127.0.0.1:6379", 42, "skipped", "count", 3, "dangling")

	assert.Equal(t, []Field{
		{Key: "addr", Value: "127.0.0.1:6379"},
		{Key: "count", Value: 3},
	}, fields)

	assert.Empty(t, convertFields())
}

func TestLogrusLogger(t *testing.T) {
	var buf bytes.Buffer
	base := logrus.New()
	base.SetOutput(&buf)
	base.SetFormatter(&logrus.JSONFormatter{})
	base.SetLevel(logrus.InfoLevel)

	logger := NewLogrusLogger(base)
	logger.Debug("hidden", Field{Key: "k", Value: "v"})
	logger.Info("replica attached", Field{Key: "remote", Value: "127.0.0.1:50000"}, Field{Key: "offset", Value: 12})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	assert.Equal(t, "replica attached", entry["msg"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "127.0.0.1:50000", entry["remote"])
	assert.Equal(t, float64(12), entry["offset"])
}

func TestLoggerAdapter(t *testing.T) {
	var buf bytes.Buffer
	base := logrus.New()
	base.SetOutput(&buf)
	base.SetFormatter(&logrus.JSONFormatter{})

	adapter := &loggerAdapter{logger: NewLogrusLogger(base)}
	adapter.Error("store write failed", "key", "k", "error", errors.New("closed"))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	assert.Equal(t, "store write failed", entry["msg"])
	assert.Equal(t, "k", entry["key"])
	assert.Equal(t, "closed", entry["error"])
}
