package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocketbitz/fabrpc/codec"
	"github.com/rocketbitz/fabrpc/transport"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7471", cfg.Address)
	assert.Equal(t, transport.DefaultMaxMessageSize, cfg.MaxMessageSize)
	assert.Equal(t, transport.DefaultCompletionQueueCapacity, cfg.CompletionQueueCapacity)
	assert.Equal(t, transport.DefaultReceiveCredits, cfg.ReceiveCredits)
	assert.Equal(t, transport.DefaultCallTimeout, cfg.CallTimeout)
	assert.Equal(t, transport.DefaultWorkers, cfg.Workers)
	assert.Equal(t, "none", cfg.Compression)
	assert.Empty(t, cfg.MetricsAddress)
	assert.Equal(t, MetricsPrometheus, cfg.MetricsBackend)
}

func TestLoadFileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fabrpc.yaml")
	yaml := []byte(`
address: 10.0.0.1:9000
max_message_size: 4096
receive_credits: 8
compression: zstd
call_timeout: 2s
workers: 3
`)
	require.NoError(t, os.WriteFile(path, yaml, 0o600))

	t.Setenv("FABRPC_RECEIVE_CREDITS", "16")
	t.Setenv("FABRPC_REPLY_ON_ERROR", "true")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int("workers", transport.DefaultWorkers, "")
	fs.String("compression", "none", "")
	fs.String("unrelated", "x", "")
	require.NoError(t, fs.Parse([]string{"--workers=5"}))

	cfg, err := Load(path, fs)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.1:9000", cfg.Address, "file value")
	assert.Equal(t, 4096, cfg.MaxMessageSize, "file value")
	assert.Equal(t, 16, cfg.ReceiveCredits, "environment beats file")
	assert.True(t, cfg.ReplyOnError, "environment value")
	assert.Equal(t, 5, cfg.Workers, "explicit flag beats file")
	assert.Equal(t, "zstd", cfg.Compression, "unset flag does not override file")
	assert.Equal(t, 2*time.Second, cfg.CallTimeout)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv("FABRPC_COMPRESSION", "brotli")
	t.Setenv("FABRPC_RECEIVE_CREDITS", "0")
	t.Setenv("FABRPC_METRICS_BACKEND", "statsd")
	_, err := Load("", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "brotli")
	assert.Contains(t, err.Error(), "receive_credits")
	assert.Contains(t, err.Error(), "statsd")
}

func TestTransportAndServerConfig(t *testing.T) {
	cfg := &Config{
		Name:                    "edge",
		MetricsBackend:          MetricsVictoria,
		MaxMessageSize:          2048,
		CompletionQueueCapacity: 10,
		ReceiveCredits:          4,
		RegionPoolCapacity:      -1,
		Compression:             "LZ4",
		CompressionMinSize:      256,
		CallTimeout:             time.Second,
		Workers:                 7,
		ReplyOnError:            true,
	}
	require.NoError(t, cfg.Validate())

	tc := cfg.Transport()
	assert.Equal(t, "edge", tc.Name)
	assert.Equal(t, 2048, tc.MaxMessageSize)
	assert.Equal(t, 10, tc.CompletionQueueCapacity)
	assert.Equal(t, 4, tc.ReceiveCredits)
	assert.Equal(t, -1, tc.RegionPoolCapacity)
	assert.Equal(t, codec.CompressionLZ4, tc.Compression)
	assert.Equal(t, 256, tc.CompressionMinSize)
	assert.Equal(t, time.Second, tc.CallTimeout)

	sc := cfg.Server()
	assert.Equal(t, 7, sc.Workers)
	assert.True(t, sc.ReplyOnError)
	assert.Equal(t, tc, sc.Config)
}
