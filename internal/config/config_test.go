package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ptdriver.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
twin_id: braccio
device:
  target: /dev/ttyACM0
store:
  address: localhost
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "braccio", cfg.TwinID)
	assert.Equal(t, 100*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 115200, cfg.Device.BaudRate)
	assert.Equal(t, 5*time.Second, cfg.Device.ReadTimeout)
	assert.Equal(t, 3*time.Second, cfg.Device.SettleTime)
	assert.Equal(t, StoreNeo4j, cfg.Store.Kind)
	assert.Equal(t, "neo4j", cfg.Store.Database)
	assert.Equal(t, "ptdriver", cfg.Telemetry.ServiceName)
	assert.NoError(t, cfg.Validate())
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, `
twin_id: braccio
poll_interval: 250ms
store:
  kind: neo4j
  address: lake:7687
`)
	t.Setenv("PTDRIVER_TWIN_ID", "braccio-2")
	t.Setenv("PTDRIVER_STORE_KIND", "redis")
	t.Setenv("PTDRIVER_STORE_ADDRESS", "cache:6380")
	t.Setenv("PTDRIVER_DEVICE_READ_TIMEOUT", "2s")
	t.Setenv("PTDRIVER_OTEL_ENDPOINT", "collector:4318")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "braccio-2", cfg.TwinID)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, StoreRedis, cfg.Store.Kind)
	assert.Equal(t, "cache:6380", cfg.Store.Address)
	assert.Empty(t, cfg.Store.Database, "redis gets no neo4j database default")
	assert.Equal(t, 2*time.Second, cfg.Device.ReadTimeout)
	assert.Equal(t, "collector:4318", cfg.Telemetry.Endpoint)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.TwinID)
	assert.Error(t, cfg.Validate())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeConfig(t, "twin_id: [braccio"))
	assert.Error(t, err)

	t.Setenv("PTDRIVER_POLL_INTERVAL", "often")
	_, err = Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			TwinID: "braccio",
			Device: DeviceConfig{Target: "/dev/ttyACM0"},
			Store:  StoreConfig{Kind: StoreNeo4j, Address: "localhost:7687"},
		}
	}
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr string
	}{
		{name: "valid", modify: func(*Config) {}},
		{name: "no-twin", modify: func(c *Config) { c.TwinID = "" }, wantErr: "twin_id"},
		{name: "no-device", modify: func(c *Config) { c.Device.Target = "" }, wantErr: "device.target"},
		{name: "negative-poll", modify: func(c *Config) { c.PollInterval = -time.Second }, wantErr: "poll_interval"},
		{name: "unknown-store", modify: func(c *Config) { c.Store.Kind = "mongo" }, wantErr: "mongo"},
		{name: "no-store-address", modify: func(c *Config) { c.Store.Address = "" }, wantErr: "address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStoreURI(t *testing.T) {
	tests := []struct {
		store StoreConfig
		want  string
	}{
		{store: StoreConfig{Kind: StoreNeo4j, Address: "localhost"}, want: "neo4j://localhost:7687"},
		{store: StoreConfig{Kind: StoreNeo4j, Address: "lake:7688"}, want: "neo4j://lake:7688"},
		{store: StoreConfig{Kind: StoreNeo4j, Address: "bolt+s://lake:7687"}, want: "bolt+s://lake:7687"},
		{store: StoreConfig{Kind: StoreRedis, Address: "cache"}, want: "redis://cache:6379"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.store.URI(), "address %q", tt.store.Address)
	}
}

func TestPrompt(t *testing.T) {
	cfg := &Config{Store: StoreConfig{Kind: StoreRedis}}
	// A blank answer repeats the question.
	in := strings.NewReader("/dev/ttyUSB0\n\ncache\nbraccio\n")
	var out bytes.Buffer

	require.NoError(t, cfg.Prompt(in, &out))
	assert.Equal(t, "/dev/ttyUSB0", cfg.Device.Target)
	assert.Equal(t, "cache:6379", cfg.Store.Address)
	assert.Equal(t, "braccio", cfg.TwinID)
	assert.Equal(t, 2, strings.Count(out.String(), "Enter the redis host:port: "))
}

func TestPromptSkipsConfiguredValues(t *testing.T) {
	cfg := &Config{
		TwinID: "braccio",
		Device: DeviceConfig{Target: "tcp://bridge:2000"},
		Store:  StoreConfig{Kind: StoreNeo4j, Address: "lake:7687"},
	}
	var out bytes.Buffer
	require.NoError(t, cfg.Prompt(strings.NewReader(""), &out))
	assert.Empty(t, out.String())
}

func TestPromptEndOfInput(t *testing.T) {
	cfg := &Config{Store: StoreConfig{Kind: StoreNeo4j}}
	err := cfg.Prompt(strings.NewReader("/dev/ttyACM0\n"), io.Discard)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, "/dev/ttyACM0", cfg.Device.Target)
}
