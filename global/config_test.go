package global

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	c, err := LoadConfig(nil)
	require.NoError(t, err)

	assert.Equal(t, "gateway_01", c.NodeID)
	assert.Equal(t, ":8080", c.Server.HTTPAddr)
	assert.Equal(t, 5000.0, c.Presence.MaxRadiusMeters)
	assert.Equal(t, 90*time.Second, c.Presence.StalenessWindow)
	assert.Equal(t, BusNone, c.Bus.Kind)
	assert.Equal(t, 6, c.Session.Backoff.MaxAttempts)
	assert.Same(t, c, Global)
}

func TestLoadConfigFileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "presence.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
node_id: gateway_07
presence:
  max_radius_m: 3000
  staleness_window: 45s
bus:
  kind: nats
  nats:
    servers: ["nats://a:4222", "nats://b:4222"]
`), 0o600))

	t.Setenv("PRESENCE_PRESENCE_DRIFT_M", "250")
	t.Setenv("PRESENCE_AUTH_SECRET", "from-env")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Flags(fs)
	require.NoError(t, fs.Parse([]string{"--config", file, "--log.level", "debug"}))

	c, err := LoadConfig(fs)
	require.NoError(t, err)
	assert.Equal(t, "gateway_07", c.NodeID)
	assert.Equal(t, 3000.0, c.Presence.MaxRadiusMeters)
	assert.Equal(t, 45*time.Second, c.Presence.StalenessWindow)
	assert.Equal(t, 250.0, c.Presence.DriftMeters)
	assert.Equal(t, "from-env", c.Auth.Secret)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, BusNats, c.Bus.Kind)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, c.Bus.Nats.Servers)
}

func TestLoadConfigRejectsUnknownBus(t *testing.T) {
	t.Setenv("PRESENCE_BUS_KIND", "carrier-pigeon")
	_, err := LoadConfig(nil)
	assert.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Flags(fs)
	require.NoError(t, fs.Parse([]string{"--config", filepath.Join(t.TempDir(), "nope.yaml")}))
	_, err := LoadConfig(fs)
	assert.Error(t, err)
}
