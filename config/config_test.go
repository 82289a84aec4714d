package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults_AreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, TransportMQTT, cfg.Transport.Kind)
	assert.Equal(t, StoreModeMemory, cfg.Store.Mode)
	assert.Equal(t, DefaultBucket, cfg.Store.Bucket)
}

func TestLoader_LayersOverrideInOrder(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "base.json", `{
		"transport": {"kind": "nats"},
		"store": {"mode": "file", "path": "/var/lib/topicmodel/settings.yaml", "debounce": "1s"},
		"nats": {"reconnect_wait": "5s", "ping_interval": "10s"},
		"router": {"drop_log_interval": "250ms", "drop_log_burst": 2}
	}`)
	override := writeFile(t, dir, "override.json", `{"http": {"port": 8181}, "store": {"debounce": "100ms"}}`)

	l := NewLoader()
	l.AddLayer(base)
	l.AddLayer(override)
	l.EnableValidation(true)

	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, TransportNATS, cfg.Transport.Kind)
	assert.Equal(t, StoreModeFile, cfg.Store.Mode)
	assert.Equal(t, "/var/lib/topicmodel/settings.yaml", cfg.Store.Path)
	assert.Equal(t, 100*time.Millisecond, cfg.Store.Debounce)
	assert.Equal(t, 5*time.Second, cfg.NATS.ReconnectWait)
	assert.Equal(t, 10*time.Second, cfg.NATS.PingInterval)
	assert.Equal(t, 5*time.Second, cfg.NATS.DrainTimeout, "default kept")
	assert.Equal(t, 250*time.Millisecond, cfg.Router.DropLogInterval)
	assert.Equal(t, 2, cfg.Router.DropLogBurst)
	assert.Equal(t, 8181, cfg.HTTP.Port)
	// untouched defaults survive the merge
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, DefaultBucket, cfg.Store.Bucket)
}

func TestLoader_EnvOverrides(t *testing.T) {
	t.Setenv("TOPICMODEL_TRANSPORT", "nats")
	t.Setenv("TOPICMODEL_STORE_MODE", "kv")
	t.Setenv("TOPICMODEL_NATS_URLS", "nats://a:4222,nats://b:4222")
	t.Setenv("TOPICMODEL_HTTP_PORT", "9000")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, TransportNATS, cfg.Transport.Kind)
	assert.Equal(t, StoreModeKV, cfg.Store.Mode)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATS.URLs)
	assert.Equal(t, 9000, cfg.HTTP.Port)
}

func TestLoader_BadEnvPort(t *testing.T) {
	t.Setenv("TOPICMODEL_METRICS_PORT", "ninety")
	_, err := NewLoader().Load()
	assert.Error(t, err)
}

func TestLoader_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := NewLoader().LoadFile(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	yamlPath := writeFile(t, dir, "config.yaml", "transport: {kind: nats}\n")
	_, err = NewLoader().LoadFile(yamlPath)
	assert.ErrorContains(t, err, "unsupported file type")

	badDuration := writeFile(t, dir, "bad.json", `{"store": {"debounce": "soon"}}`)
	_, err = NewLoader().LoadFile(badDuration)
	assert.ErrorContains(t, err, "store.debounce")

	invalid := writeFile(t, dir, "invalid.json", `{"transport": {"kind": "amqp"}}`)
	l := NewLoader()
	l.EnableValidation(true)
	_, err = l.LoadFile(invalid)
	assert.ErrorContains(t, err, "transport.kind")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"bad version", func(c *Config) { c.Version = "one" }, "version"},
		{"unknown store", func(c *Config) { c.Store.Mode = "s3" }, "store.mode"},
		{"file without path", func(c *Config) { c.Store.Mode = StoreModeFile }, "store.path is required"},
		{"file wrong ext", func(c *Config) { c.Store.Mode = StoreModeFile; c.Store.Path = "s.toml" }, "must end in"},
		{"kv without urls", func(c *Config) { c.Store.Mode = StoreModeKV; c.NATS.URLs = nil }, "nats.urls"},
		{"kv bad bucket", func(c *Config) { c.Store.Mode = StoreModeKV; c.Store.Bucket = "a.b" }, "store.bucket"},
		{"negative ping", func(c *Config) { c.NATS.PingInterval = -time.Second }, "nats.ping_interval"},
		{"drop log interval", func(c *Config) { c.Router.DropLogInterval = 0 }, "router.drop_log_interval"},
		{"drop log burst", func(c *Config) { c.Router.DropLogBurst = 0 }, "router.drop_log_burst"},
		{"http port", func(c *Config) { c.HTTP.Port = 0 }, "http.port"},
		{"metrics path", func(c *Config) { c.Metrics.Path = "metrics" }, "metrics.path"},
		{"port clash", func(c *Config) { c.Metrics.Port = c.HTTP.Port }, "both"},
		{"disabled listeners skip checks", func(c *Config) {
			c.HTTP.Enabled = false
			c.HTTP.Port = 0
			c.Metrics.Enabled = false
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestConfig_StringMasksPassword(t *testing.T) {
	cfg := Defaults()
	cfg.NATS.Password = "hunter2"
	assert.NotContains(t, cfg.String(), "hunter2")
	assert.Equal(t, "hunter2", cfg.NATS.Password)
}

func TestValidateJSONDepth(t *testing.T) {
	assert.NoError(t, validateJSONDepth([]byte(`{"a": [1, {"b": "}]"}]}`)))
	assert.Error(t, validateJSONDepth([]byte(`{"a": [}`)))
	assert.Error(t, validateJSONDepth([]byte(`}`)))

	deep := make([]byte, 0, 2*(maxJSONDepth+1))
	for i := 0; i <= maxJSONDepth; i++ {
		deep = append(deep, '[')
	}
	for i := 0; i <= maxJSONDepth; i++ {
		deep = append(deep, ']')
	}
	assert.ErrorContains(t, validateJSONDepth(deep), "too deep")
}

func TestValidatePath(t *testing.T) {
	assert.Error(t, validatePath(""))
	assert.ErrorContains(t, validatePath("../outside.json", ".json"), "path traversal")
	assert.NoError(t, validatePath("settings.yml", documentExts...))
	assert.NoError(t, validatePath(filepath.Join(t.TempDir(), "settings.JSON"), documentExts...))
	assert.Error(t, validatePath("settings.txt", documentExts...))
}

func TestSafeWriteFile_Atomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, safeWriteFile(path, []byte(`{"a":1}`), ".json"))
	require.NoError(t, safeWriteFile(path, []byte(`{"a":2}`), ".json"))

	data, err := safeReadFile(path, ".json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":2}`, string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are cleaned up")
}
