package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msakrejda/cartographer/chart"
	"github.com/msakrejda/cartographer/errors"
	"github.com/msakrejda/cartographer/pkg/buffer"
	"github.com/msakrejda/cartographer/schema"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, chart.Sticky, cfg.Viewer.ReplacePolicy())
	assert.Equal(t, buffer.Block, cfg.Viewer.OverflowPolicy())
	assert.Equal(t, []string{"line", "bar", "table"}, cfg.Viewer.Renderers)
}

func TestLoader_NoLayersGivesDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("loaded config differs from defaults (-want +got):\n%s", diff)
	}
}

func TestLoader_YAMLLayer(t *testing.T) {
	path := writeFile(t, "cartographer.yaml", `
proxy:
  listen: /tmp/.s.PGSQL.5433
  target: db.internal:5432
  handshake_timeout: 5s
  publish: [relay, log]
relay:
  ping_interval: 10s
viewer:
  policy: always_replace
  renderers: [table]
  websocket:
    reconnect:
      initial_interval: 1s
schema:
  tokens:
    money: float
`)

	loader := NewLoader()
	loader.EnableValidation(true)
	cfg, err := loader.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/.s.PGSQL.5433", cfg.Proxy.Listen)
	assert.Equal(t, "db.internal:5432", cfg.Proxy.Target)
	assert.Equal(t, 5*time.Second, cfg.Proxy.HandshakeTimeout)
	assert.Equal(t, 10*time.Second, cfg.Proxy.DialTimeout, "unset keys keep defaults")
	assert.Equal(t, []string{"relay", "log"}, cfg.Proxy.Publish)
	assert.Equal(t, 10*time.Second, cfg.Relay.PingInterval)
	assert.Equal(t, "/connect", cfg.Relay.Path)
	assert.Equal(t, chart.AlwaysReplace, cfg.Viewer.ReplacePolicy())
	assert.Equal(t, []string{"table"}, cfg.Viewer.Renderers)
	require.NotNil(t, cfg.Viewer.WebSocket.Reconnect)
	assert.Equal(t, time.Second, cfg.Viewer.WebSocket.Reconnect.InitialInterval)
	assert.Equal(t, 30*time.Second, cfg.Viewer.WebSocket.Reconnect.MaxInterval)
	assert.Equal(t, schema.Float, cfg.Schema.TypeTokens().Classify("money"))
}

func TestLoader_JSONLayersMerge(t *testing.T) {
	base := writeFile(t, "base.json", `{
		"viewer": {"source": "nats", "max_history": 50},
		"nats": {"urls": ["nats://a:4222"], "reconnect_wait": "1d"}
	}`)
	override := writeFile(t, "override.json", `{"viewer": {"max_history": 10}}`)

	loader := NewLoader()
	loader.AddLayer(base)
	loader.AddLayer(override)
	loader.EnableValidation(true)

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, SourceNATS, cfg.Viewer.Source)
	assert.Equal(t, 10, cfg.Viewer.MaxHistory)
	assert.Equal(t, []string{"nats://a:4222"}, cfg.NATS.URLs)
	assert.Equal(t, 24*time.Hour, cfg.NATS.ReconnectWait)
}

func TestLoader_EnvOverrides(t *testing.T) {
	t.Setenv("CARTOGRAPHER_PROXY_TARGET", "pg:5432")
	t.Setenv("CARTOGRAPHER_PROXY_PUBLISH", "relay, nats")
	t.Setenv("CARTOGRAPHER_VIEWER_URL", "wss://relay.example:443/connect")
	t.Setenv("CARTOGRAPHER_NATS_URLS", "nats://a:4222,nats://b:4222")
	t.Setenv("CARTOGRAPHER_METRICS_ENABLED", "true")
	t.Setenv("CARTOGRAPHER_METRICS_PORT", "9100")

	loader := NewLoader()
	loader.EnableValidation(true)
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "pg:5432", cfg.Proxy.Target)
	assert.Equal(t, []string{"relay", "nats"}, cfg.Proxy.Publish)
	assert.Equal(t, "wss://relay.example:443/connect", cfg.Viewer.WebSocket.URL)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATS.URLs)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9100, cfg.Metrics.Port)
}

func TestLoader_BadEnvValue(t *testing.T) {
	t.Setenv("CARTOGRAPHER_METRICS_PORT", "many")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLoader_FileErrors(t *testing.T) {
	tests := []struct {
		name string
		path func(t *testing.T) string
	}{
		{name: "missing", path: func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope.yaml") }},
		{name: "extension", path: func(t *testing.T) string { return writeFile(t, "config.toml", "x = 1") }},
		{name: "bad json", path: func(t *testing.T) string { return writeFile(t, "config.json", `{"proxy": [}`) }},
		{name: "bad yaml", path: func(t *testing.T) string { return writeFile(t, "config.yml", "proxy: [") }},
		{name: "bad duration", path: func(t *testing.T) string {
			return writeFile(t, "config.json", `{"relay": {"ping_interval": "soon"}}`)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().LoadFile(tt.path(t))
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "proxy target", mutate: func(c *Config) { c.Proxy.Target = "" }},
		{name: "publish target", mutate: func(c *Config) { c.Proxy.Publish = []string{"kafka"} }},
		{name: "relay path", mutate: func(c *Config) { c.Relay.Path = "" }},
		{name: "viewer source", mutate: func(c *Config) { c.Viewer.Source = "file" }},
		{name: "viewer url", mutate: func(c *Config) { c.Viewer.WebSocket.URL = "http://x" }},
		{name: "renderer", mutate: func(c *Config) { c.Viewer.Renderers = []string{"pie"} }},
		{name: "no renderers", mutate: func(c *Config) { c.Viewer.Renderers = nil }},
		{name: "policy", mutate: func(c *Config) { c.Viewer.Policy = "sometimes" }},
		{name: "overflow", mutate: func(c *Config) { c.Viewer.Overflow = "spill" }},
		{name: "history", mutate: func(c *Config) { c.Viewer.MaxHistory = -1 }},
		{name: "nats urls", mutate: func(c *Config) {
			c.Viewer.Source = SourceNATS
			c.NATS.URLs = nil
		}},
		{name: "metrics port", mutate: func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Port = 0
		}},
		{name: "schema token", mutate: func(c *Config) { c.Schema.Tokens = map[string]string{"money": "currency"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestConfig_StringMasksToken(t *testing.T) {
	cfg := Default()
	cfg.NATS.Token = "s3cret"

	out := cfg.String()
	assert.NotContains(t, out, "s3cret")
	assert.Contains(t, out, `"token": "****"`)
	assert.Equal(t, "s3cret", cfg.NATS.Token, "the original is untouched")
}

func TestCheckNesting(t *testing.T) {
	assert.NoError(t, checkNesting([]byte(`{"a": ["}", {"b": "\\\""}]}`)))
	assert.Error(t, checkNesting([]byte(`{"a": [}`)))
	assert.Error(t, checkNesting([]byte(`}`)))
	assert.Error(t, checkNesting([]byte(`{"a": [1]`)))

	deep := strings.Repeat("[", maxNesting+1) + strings.Repeat("]", maxNesting+1)
	assert.Error(t, checkNesting([]byte(deep)))
	ok := strings.Repeat("[", maxNesting) + strings.Repeat("]", maxNesting)
	assert.NoError(t, checkNesting([]byte(ok)))
}

func TestReadLayerFile_Limits(t *testing.T) {
	_, err := readLayerFile(t.TempDir() + "/dir.json")
	assert.Error(t, err)

	dir := filepath.Join(t.TempDir(), "layer.json")
	require.NoError(t, os.Mkdir(dir, 0o755))
	_, err = readLayerFile(dir)
	assert.ErrorContains(t, err, "not a regular file")

	big := writeFile(t, "big.json", `{"x": "`+strings.Repeat("a", maxFileBytes)+`"}`)
	_, err = readLayerFile(big)
	assert.ErrorContains(t, err, "exceeds")

	assert.Error(t, checkEnvValue("K", "a\x00b"))
	assert.NoError(t, checkEnvValue("K", "nats://a:4222"))
}
