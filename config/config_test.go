package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"muxrpc/codec"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Second, cfg.DefaultTimeout)
	assert.Equal(t, codec.CodecTypeJSON, cfg.CodecType())
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
default_timeout: 250ms
max_in_flight: 8
max_connections: 100
heartbeat_interval: 0s
codec: binary
`))
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.DefaultTimeout)
	assert.Equal(t, 8, cfg.MaxInFlight)
	assert.Equal(t, 100, cfg.MaxConnections)
	assert.Equal(t, time.Duration(0), cfg.HeartbeatInterval)
	assert.Equal(t, codec.CodecTypeBinary, cfg.CodecType())
	// unset keys keep their defaults
	assert.Equal(t, uint32(16<<20), cfg.MaxFrameSize)
}

func TestParseInvalid(t *testing.T) {
	cases := map[string]string{
		"negative in-flight": "max_in_flight: -1",
		"zero timeout":       "default_timeout: 0s",
		"unknown codec":      "codec: gob",
		"bad yaml":           "max_in_flight: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "muxrpc.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_in_flight: 1\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.MaxInFlight)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
