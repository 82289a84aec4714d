package main

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	t.Setenv("TOPICMODEL_LOG_FORMAT", "text")

	cfg, err := parseFlags([]string{"--log-level=warn", "--shutdown-timeout=5s"})
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
	assert.Empty(t, cfg.ConfigPath)
	require.NoError(t, validateFlags(cfg))

	cfg, err = parseFlags([]string{"--debug"})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestValidateFlags(t *testing.T) {
	tests := []struct {
		name string
		cfg  CLIConfig
		ok   bool
	}{
		{"defaults", CLIConfig{LogLevel: "info", LogFormat: "json", ShutdownTimeout: time.Second}, true},
		{"bad level", CLIConfig{LogLevel: "loud", LogFormat: "json", ShutdownTimeout: time.Second}, false},
		{"bad format", CLIConfig{LogLevel: "info", LogFormat: "xml", ShutdownTimeout: time.Second}, false},
		{"missing config", CLIConfig{ConfigPath: "does-not-exist.json", LogLevel: "info", LogFormat: "json", ShutdownTimeout: time.Second}, false},
		{"zero timeout", CLIConfig{LogLevel: "info", LogFormat: "json"}, false},
		{"version skips checks", CLIConfig{ShowVersion: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateFlags(&tt.cfg)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestLoadConfig_DefaultsAndEnv(t *testing.T) {
	t.Setenv("TOPICMODEL_TRANSPORT", "nats")
	t.Setenv("TOPICMODEL_HTTP_PORT", "8181")

	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "nats", cfg.Transport.Kind)
	assert.Equal(t, 8181, cfg.HTTP.Port)
	assert.NotNil(t, newTransportFactory(cfg, newLogger(io.Discard, "error", "json")))

	t.Setenv("TOPICMODEL_STORE_MODE", "nowhere")
	_, err = loadConfig("")
	assert.Error(t, err)
}
