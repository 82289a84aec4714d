package gateway

import (
	"fmt"
	"time"

	"github.com/c360/topicmodel/errors"
)

// Config holds configuration for the HTTP gateway.
type Config struct {
	// BindAddress is the HTTP bind address (default ":8080")
	BindAddress string `json:"bind_address"`

	// EnableCORS adds CORS headers for the configured origins
	EnableCORS  bool     `json:"enable_cors"`
	CORSOrigins []string `json:"cors_origins,omitempty"`

	// MaxRequestSize caps PUT bodies in bytes (default 1MB)
	MaxRequestSize int64 `json:"max_request_size"`

	// Timeout bounds reads, writes and store calls (default 30s)
	Timeout time.Duration `json:"timeout"`

	// EventBuffer is how many change events a slow WebSocket client may
	// fall behind before events are dropped for it (default 256)
	EventBuffer int `json:"event_buffer"`
}

// DefaultConfig returns the default gateway configuration.
func DefaultConfig() Config {
	return Config{
		BindAddress:    ":8080",
		EnableCORS:     true,
		CORSOrigins:    []string{"*"},
		MaxRequestSize: 1 << 20,
		Timeout:        30 * time.Second,
		EventBuffer:    256,
	}
}

// Validate fills zero values with defaults and checks ranges.
func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.BindAddress == "" {
		c.BindAddress = def.BindAddress
	}
	if c.MaxRequestSize == 0 {
		c.MaxRequestSize = def.MaxRequestSize
	}
	if c.Timeout == 0 {
		c.Timeout = def.Timeout
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = def.EventBuffer
	}
	if c.EnableCORS && len(c.CORSOrigins) == 0 {
		c.CORSOrigins = def.CORSOrigins
	}

	if c.MaxRequestSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("max_request_size must be positive, got %d", c.MaxRequestSize))
	}
	if c.Timeout < 100*time.Millisecond || c.Timeout > 5*time.Minute {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"timeout must be between 100ms and 5m")
	}
	if c.EventBuffer < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"event_buffer must be at least 1")
	}
	return nil
}
